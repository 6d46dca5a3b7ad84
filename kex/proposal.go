package kex

import (
	"io"

	"github.com/smnsjas/go-sshcore/wire"
)

// Proposal is one side's preference-ordered algorithm lists, the negotiable
// content of SSH_MSG_KEXINIT.
type Proposal struct {
	KexAlgos     []string
	HostKeyAlgos []string
	CiphersC2S   []string
	CiphersS2C   []string
	MACsC2S      []string
	MACsS2C      []string
	CompC2S      []string
	CompS2C      []string
	LangC2S      []string
	LangS2C      []string
}

// ProposalFromRegistry builds a proposal from the registry's preference
// orders. hostKeyAlgos lists the host key algorithms this side can offer
// (server: algorithms of its configured signers; client: algorithms it can
// verify).
func ProposalFromRegistry(reg registryView, hostKeyAlgos []string) Proposal {
	comp := reg.CompressionNames()
	return Proposal{
		KexAlgos:     reg.KexNames(),
		HostKeyAlgos: append([]string(nil), hostKeyAlgos...),
		CiphersC2S:   reg.CipherNames(),
		CiphersS2C:   reg.CipherNames(),
		MACsC2S:      reg.MACNames(),
		MACsS2C:      reg.MACNames(),
		CompC2S:      comp,
		CompS2C:      append([]string(nil), comp...),
	}
}

// registryView is the slice of the ciphersuite registry the proposal
// builder needs.
type registryView interface {
	KexNames() []string
	CipherNames() []string
	MACNames() []string
	CompressionNames() []string
}

// KexInit renders the proposal as a KEXINIT message with a fresh random
// cookie.
func (p *Proposal) KexInit(rand io.Reader) (*wire.KexInit, error) {
	m := &wire.KexInit{
		KexAlgos:     p.KexAlgos,
		HostKeyAlgos: p.HostKeyAlgos,
		CiphersC2S:   p.CiphersC2S,
		CiphersS2C:   p.CiphersS2C,
		MACsC2S:      p.MACsC2S,
		MACsS2C:      p.MACsS2C,
		CompC2S:      p.CompC2S,
		CompS2C:      p.CompS2C,
		LangC2S:      p.LangC2S,
		LangS2C:      p.LangS2C,
	}
	if _, err := io.ReadFull(rand, m.Cookie[:]); err != nil {
		return nil, err
	}
	return m, nil
}

// proposalOf extracts the algorithm lists from a received KEXINIT.
func proposalOf(m *wire.KexInit) *Proposal {
	return &Proposal{
		KexAlgos:     m.KexAlgos,
		HostKeyAlgos: m.HostKeyAlgos,
		CiphersC2S:   m.CiphersC2S,
		CiphersS2C:   m.CiphersS2C,
		MACsC2S:      m.MACsC2S,
		MACsS2C:      m.MACsS2C,
		CompC2S:      m.CompC2S,
		CompS2C:      m.CompS2C,
		LangC2S:      m.LangC2S,
		LangS2C:      m.LangS2C,
	}
}
