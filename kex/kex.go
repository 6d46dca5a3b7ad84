// Package kex implements SSH algorithm negotiation and the key exchange
// engine that turns a shared secret into installed session keys.
//
// # State Machine
//
// One Engine drives exactly one exchange (the initial one or a re-key) and
// is discarded once new keys are installed:
//
//	Idle → ProposalExchanged → ExchangingKeyMaterial → KeysDerived → NewKeysInstalled
//
// # Negotiation
//
// For every algorithm category the negotiated choice is the first entry in
// the client's preference list that also appears in the server's list,
// independently per category (RFC 4253 Section 7.1). A mandatory category
// (kex, host key, both cipher directions, both MAC directions, both
// compression directions) with no mutual entry fails the exchange, which is
// fatal to the session. The language categories are best-effort and may
// end up empty.
//
// # Key Derivation
//
// Six values are derived from the shared secret K, the exchange hash H and
// the fixed session identifier, one letter per purpose (RFC 4253
// Section 7.2): 'A'/'B' initial IVs, 'C'/'D' encryption keys, 'E'/'F'
// integrity keys, client-to-server first. The session identifier is the
// exchange hash of the first exchange and never changes, so re-keys with a
// fresh secret stay bound to the original session.
//
// # NEWKEYS Asymmetry
//
// Each side applies its new write key set immediately after sending
// SSH_MSG_NEWKEYS and its new read key set immediately after receiving the
// peer's. The two transitions are independent and must not be conflated;
// the session calls NewKeysSent and NewKeysReceived separately.
package kex

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMatch is returned when a mandatory algorithm category has no
	// mutually supported entry. Fatal to the session.
	ErrNoMatch = errors.New("kex: no mutually supported algorithm")
	// ErrBadState is returned when an exchange message arrives in the
	// wrong engine state.
	ErrBadState = errors.New("kex: message illegal in current exchange state")
	// ErrHostKeyRejected is returned when the verifier rejects the server
	// host key. Fatal to this connection attempt, never retried.
	ErrHostKeyRejected = errors.New("kex: host key rejected")
)

// State is the exchange engine state.
type State int

const (
	// Idle means no proposal has been exchanged yet.
	Idle State = iota
	// ProposalExchanged means both KEXINIT messages have been seen and
	// algorithms are negotiated.
	ProposalExchanged
	// ExchangingKeyMaterial means ephemeral values are in flight.
	ExchangingKeyMaterial
	// KeysDerived means the shared secret is computed and the six key
	// values are expanded, but NEWKEYS has not completed.
	KeysDerived
	// NewKeysInstalled is terminal; the engine is discarded.
	NewKeysInstalled
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ProposalExchanged:
		return "ProposalExchanged"
	case ExchangingKeyMaterial:
		return "ExchangingKeyMaterial"
	case KeysDerived:
		return "KeysDerived"
	case NewKeysInstalled:
		return "NewKeysInstalled"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Result holds the negotiated algorithm name per category.
type Result struct {
	Kex       string
	HostKey   string
	CipherC2S string
	CipherS2C string
	MACC2S    string
	MACS2C    string
	CompC2S   string
	CompS2C   string
	LangC2S   string
	LangS2C   string
}

// NegotiationError reports the category that had no mutual entry.
type NegotiationError struct {
	Category string
	Client   []string
	Server   []string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("kex: no common %s algorithm (client %v, server %v)",
		e.Category, e.Client, e.Server)
}

func (e *NegotiationError) Unwrap() error { return ErrNoMatch }

// findFirst walks the client's preference order and picks the first name
// the server also offers.
func findFirst(client, server []string) (string, bool) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, true
			}
		}
	}
	return "", false
}

// Negotiate applies the first-client-match rule independently to every
// category. The client proposal is always the initiator side of the rule
// regardless of which peer started the exchange.
func Negotiate(client, server *Proposal) (*Result, error) {
	res := &Result{}

	mandatory := []struct {
		category string
		client   []string
		server   []string
		out      *string
	}{
		{"kex", client.KexAlgos, server.KexAlgos, &res.Kex},
		{"host key", client.HostKeyAlgos, server.HostKeyAlgos, &res.HostKey},
		{"cipher client-to-server", client.CiphersC2S, server.CiphersC2S, &res.CipherC2S},
		{"cipher server-to-client", client.CiphersS2C, server.CiphersS2C, &res.CipherS2C},
		{"mac client-to-server", client.MACsC2S, server.MACsC2S, &res.MACC2S},
		{"mac server-to-client", client.MACsS2C, server.MACsS2C, &res.MACS2C},
		{"compression client-to-server", client.CompC2S, server.CompC2S, &res.CompC2S},
		{"compression server-to-client", client.CompS2C, server.CompS2C, &res.CompS2C},
	}
	for _, m := range mandatory {
		name, ok := findFirst(m.client, m.server)
		if !ok {
			return nil, &NegotiationError{Category: m.category, Client: m.client, Server: m.server}
		}
		*m.out = name
	}

	// Languages are best-effort; no match is fine.
	res.LangC2S, _ = findFirst(client.LangC2S, server.LangC2S)
	res.LangS2C, _ = findFirst(client.LangS2C, server.LangS2C)
	return res, nil
}

// Policy decides when an established session re-keys. Zero fields fall
// back to the defaults.
type Policy struct {
	// MaxPackets triggers a re-key after this many packets in either
	// direction combined.
	MaxPackets uint64
	// MaxBytes triggers a re-key after this many payload bytes.
	MaxBytes uint64
}

// Default re-key thresholds.
const (
	DefaultRekeyPackets = 1 << 28
	DefaultRekeyBytes   = 1 << 30 // 1 GiB
)

// Due reports whether the traffic counters have crossed a threshold.
func (p Policy) Due(packets, bytes uint64) bool {
	maxPackets := p.MaxPackets
	if maxPackets == 0 {
		maxPackets = DefaultRekeyPackets
	}
	maxBytes := p.MaxBytes
	if maxBytes == 0 {
		maxBytes = DefaultRekeyBytes
	}
	return packets >= maxPackets || bytes >= maxBytes
}
