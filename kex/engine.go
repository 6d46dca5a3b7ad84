package kex

import (
	"crypto/rand"
	"fmt"
	"hash"
	"io"
	"math/big"

	"github.com/smnsjas/go-sshcore/ciphersuite"
	"github.com/smnsjas/go-sshcore/packet"
	"github.com/smnsjas/go-sshcore/wire"
)

// Role distinguishes the two sides of an exchange.
type Role int

const (
	// RoleClient initiated the connection.
	RoleClient Role = iota
	// RoleServer accepted the connection.
	RoleServer
)

// String returns a string representation of the role.
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// HostKeyVerifier decides whether to trust a server host key. Returning an
// error aborts the exchange; ErrHostKeyRejected wraps the cause.
type HostKeyVerifier interface {
	Verify(key ciphersuite.PublicKey) error
}

// HostKeyVerifierFunc adapts a function to the HostKeyVerifier interface.
type HostKeyVerifierFunc func(key ciphersuite.PublicKey) error

// Verify calls f.
func (f HostKeyVerifierFunc) Verify(key ciphersuite.PublicKey) error { return f(key) }

// InsecureAcceptAnyHostKey trusts every host key. Test use only.
var InsecureAcceptAnyHostKey = HostKeyVerifierFunc(func(ciphersuite.PublicKey) error { return nil })

// Config parameterizes one exchange.
type Config struct {
	Role     Role
	Registry *ciphersuite.Registry

	// ClientVersion and ServerVersion are the identification strings
	// without the trailing CRLF; both sides hash both.
	ClientVersion string
	ServerVersion string

	// Signers holds the server's host keys, one per offered algorithm.
	// Server role only.
	Signers []ciphersuite.Signer

	// HostKeyAlgos lists the algorithms the client accepts. Client role
	// only; empty means every algorithm ParsePublicKey understands.
	HostKeyAlgos []string

	// Verifier judges the server host key. Client role only; required.
	Verifier HostKeyVerifier

	// SessionID is the fixed session identifier from the first exchange,
	// or nil for the initial one.
	SessionID []byte

	// Rand supplies ephemeral key material. Nil means crypto/rand.
	Rand io.Reader
}

// Keys is the outcome of a completed exchange: the negotiated result, the
// exchange hash, the (possibly newly established) session identifier and
// one ready-to-install cipher state per direction from this side's point
// of view.
type Keys struct {
	Result       *Result
	SessionID    []byte
	ExchangeHash []byte

	// Write is installed on the outbound direction immediately after
	// NEWKEYS is sent; Read on the inbound direction immediately after
	// the peer's NEWKEYS arrives.
	Write *packet.CipherState
	Read  *packet.CipherState
}

// Engine drives one key exchange to completion. It is sans-IO: the session
// feeds it the peer's messages and sends whatever it returns. Not safe for
// concurrent use.
type Engine struct {
	cfg   Config
	state State

	ownInit      []byte
	peerInit     []byte
	peerProposal *Proposal
	result       *Result

	kx   ciphersuite.KeyExchange
	exch ciphersuite.Exchanger
	keys *Keys

	newKeysSent     bool
	newKeysReceived bool
}

// NewEngine returns an engine in the Idle state.
func NewEngine(cfg Config) *Engine {
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &Engine{cfg: cfg}
}

// State returns the current engine state.
func (e *Engine) State() State { return e.state }

// Result returns the negotiated algorithms, or nil before negotiation.
func (e *Engine) Result() *Result { return e.result }

// Keys returns the derived key sets, or nil before derivation.
func (e *Engine) Keys() *Keys { return e.keys }

// OwnInit builds this side's KEXINIT from the registry and records its
// payload for the exchange hash. The session must send the returned
// message verbatim.
func (e *Engine) OwnInit() (*wire.KexInit, error) {
	if e.state != Idle || e.ownInit != nil {
		return nil, fmt.Errorf("%w: OwnInit in state %s", ErrBadState, e.state)
	}
	prop := ProposalFromRegistry(e.cfg.Registry, e.hostKeyAlgos())
	m, err := prop.KexInit(e.cfg.Rand)
	if err != nil {
		return nil, fmt.Errorf("kex: cookie: %w", err)
	}
	e.ownInit = m.Marshal()
	if err := e.maybeNegotiate(); err != nil {
		return nil, err
	}
	return m, nil
}

// PeerInit records the peer's KEXINIT. Once both sides' proposals are
// known the algorithms are negotiated and the engine moves to
// ProposalExchanged.
func (e *Engine) PeerInit(m *wire.KexInit) error {
	if e.state != Idle || e.peerInit != nil {
		return fmt.Errorf("%w: PeerInit in state %s", ErrBadState, e.state)
	}
	e.peerInit = m.Marshal()
	e.peerProposal = proposalOf(m)
	return e.maybeNegotiate()
}

func (e *Engine) hostKeyAlgos() []string {
	if e.cfg.Role == RoleServer {
		algos := make([]string, 0, len(e.cfg.Signers))
		for _, s := range e.cfg.Signers {
			algos = append(algos, s.PublicKey().Algorithm())
		}
		return algos
	}
	if len(e.cfg.HostKeyAlgos) > 0 {
		return e.cfg.HostKeyAlgos
	}
	return []string{ciphersuite.KeyAlgoEd25519, ciphersuite.SigAlgoRSASHA256}
}

func (e *Engine) maybeNegotiate() error {
	if e.ownInit == nil || e.peerInit == nil {
		return nil
	}
	own := ProposalFromRegistry(e.cfg.Registry, e.hostKeyAlgos())

	var client, server *Proposal
	if e.cfg.Role == RoleClient {
		client, server = &own, e.peerProposal
	} else {
		client, server = e.peerProposal, &own
	}
	res, err := Negotiate(client, server)
	if err != nil {
		return err
	}
	kx, err := e.cfg.Registry.Kex(res.Kex)
	if err != nil {
		return err
	}
	e.result = res
	e.kx = kx
	e.state = ProposalExchanged
	return nil
}

// Start generates the client's ephemeral key pair and returns the
// KEX_ECDH_INIT to send. Client role only.
func (e *Engine) Start() (*wire.KexECDHInit, error) {
	if e.cfg.Role != RoleClient {
		return nil, fmt.Errorf("%w: Start on server role", ErrBadState)
	}
	if e.state != ProposalExchanged {
		return nil, fmt.Errorf("%w: Start in state %s", ErrBadState, e.state)
	}
	exch, err := e.kx.Start(e.cfg.Rand)
	if err != nil {
		return nil, fmt.Errorf("kex: ephemeral key: %w", err)
	}
	e.exch = exch
	e.state = ExchangingKeyMaterial
	return &wire.KexECDHInit{ClientPub: exch.Public()}, nil
}

// Reply consumes the client's KEX_ECDH_INIT, computes the shared secret,
// signs the exchange hash with the negotiated host key and derives the key
// sets. Server role only. The session sends the returned reply followed by
// its NEWKEYS.
func (e *Engine) Reply(m *wire.KexECDHInit) (*wire.KexECDHReply, error) {
	if e.cfg.Role != RoleServer {
		return nil, fmt.Errorf("%w: Reply on client role", ErrBadState)
	}
	if e.state != ProposalExchanged {
		return nil, fmt.Errorf("%w: Reply in state %s", ErrBadState, e.state)
	}

	signer := e.signerFor(e.result.HostKey)
	if signer == nil {
		return nil, fmt.Errorf("kex: no signer for negotiated host key %q", e.result.HostKey)
	}

	exch, err := e.kx.Start(e.cfg.Rand)
	if err != nil {
		return nil, fmt.Errorf("kex: ephemeral key: %w", err)
	}
	e.state = ExchangingKeyMaterial

	secret, err := exch.Shared(m.ClientPub)
	if err != nil {
		return nil, fmt.Errorf("kex: shared secret: %w", err)
	}

	hostKeyBlob := signer.PublicKey().Marshal()
	h := e.exchangeHash(hostKeyBlob, m.ClientPub, exch.Public(), secret)
	sig, err := signer.Sign(e.cfg.Rand, h)
	if err != nil {
		return nil, fmt.Errorf("kex: sign exchange hash: %w", err)
	}

	if err := e.derive(secret, h); err != nil {
		return nil, err
	}
	return &wire.KexECDHReply{
		HostKey:   hostKeyBlob,
		ServerPub: exch.Public(),
		Signature: sig,
	}, nil
}

// Finish consumes the server's KEX_ECDH_REPLY: verifies the host key
// through the configured verifier, checks the signature over the exchange
// hash and derives the key sets. Client role only.
func (e *Engine) Finish(m *wire.KexECDHReply) error {
	if e.cfg.Role != RoleClient {
		return fmt.Errorf("%w: Finish on server role", ErrBadState)
	}
	if e.state != ExchangingKeyMaterial {
		return fmt.Errorf("%w: Finish in state %s", ErrBadState, e.state)
	}

	hostKey, err := ciphersuite.ParsePublicKey(m.HostKey)
	if err != nil {
		return fmt.Errorf("kex: host key: %w", err)
	}
	if hostKey.Algorithm() != e.result.HostKey {
		return fmt.Errorf("kex: host key algorithm %q, negotiated %q",
			hostKey.Algorithm(), e.result.HostKey)
	}

	secret, err := e.exch.Shared(m.ServerPub)
	if err != nil {
		return fmt.Errorf("kex: shared secret: %w", err)
	}

	h := e.exchangeHash(m.HostKey, e.exch.Public(), m.ServerPub, secret)
	if err := hostKey.Verify(h, m.Signature); err != nil {
		return fmt.Errorf("kex: exchange hash signature: %w", err)
	}

	// Identity is verified only after the signature proves key possession.
	if e.cfg.Verifier == nil {
		return fmt.Errorf("%w: no host key verifier configured", ErrHostKeyRejected)
	}
	if err := e.cfg.Verifier.Verify(hostKey); err != nil {
		return fmt.Errorf("%w: %v", ErrHostKeyRejected, err)
	}

	return e.derive(secret, h)
}

// NewKeysSent records that this side's NEWKEYS went out. The caller
// installs keys.Write on the packet codec immediately after sending.
func (e *Engine) NewKeysSent() {
	e.newKeysSent = true
	e.maybeInstalled()
}

// NewKeysReceived records the peer's NEWKEYS. The caller installs
// keys.Read on the packet codec immediately after receipt.
func (e *Engine) NewKeysReceived() {
	e.newKeysReceived = true
	e.maybeInstalled()
}

func (e *Engine) maybeInstalled() {
	if e.state == KeysDerived && e.newKeysSent && e.newKeysReceived {
		e.state = NewKeysInstalled
	}
}

func (e *Engine) signerFor(algo string) ciphersuite.Signer {
	for _, s := range e.cfg.Signers {
		if s.PublicKey().Algorithm() == algo {
			return s
		}
	}
	return nil
}

// exchangeHash computes H over the identification strings, both KEXINIT
// payloads, the host key blob, both ephemeral public values and the shared
// secret (RFC 4253 Section 8, adapted per method). Client-side values
// always come first regardless of role.
func (e *Engine) exchangeHash(hostKeyBlob, clientPub, serverPub []byte, secret *big.Int) []byte {
	clientInit, serverInit := e.ownInit, e.peerInit
	if e.cfg.Role == RoleServer {
		clientInit, serverInit = e.peerInit, e.ownInit
	}
	input := wire.NewWriter().
		String(e.cfg.ClientVersion).
		String(e.cfg.ServerVersion).
		Bytes(clientInit).
		Bytes(serverInit).
		Bytes(hostKeyBlob).
		Bytes(clientPub).
		Bytes(serverPub).
		Mpint(secret).
		Out()
	d := e.kx.HashNew()()
	d.Write(input)
	return d.Sum(nil)
}

// derive expands the six key values and builds the per-direction cipher
// states. On the initial exchange the exchange hash becomes the session
// identifier; re-keys keep the original.
func (e *Engine) derive(secret *big.Int, exchangeHash []byte) error {
	sessionID := e.cfg.SessionID
	if sessionID == nil {
		sessionID = append([]byte(nil), exchangeHash...)
	}

	c2s, err := e.directionState(secret, exchangeHash, sessionID,
		'A', 'C', 'E', e.result.CipherC2S, e.result.MACC2S, e.result.CompC2S)
	if err != nil {
		return err
	}
	s2c, err := e.directionState(secret, exchangeHash, sessionID,
		'B', 'D', 'F', e.result.CipherS2C, e.result.MACS2C, e.result.CompS2C)
	if err != nil {
		return err
	}

	keys := &Keys{
		Result:       e.result,
		SessionID:    sessionID,
		ExchangeHash: append([]byte(nil), exchangeHash...),
	}
	if e.cfg.Role == RoleClient {
		keys.Write, keys.Read = c2s, s2c
	} else {
		keys.Write, keys.Read = s2c, c2s
	}
	e.keys = keys
	e.state = KeysDerived
	return nil
}

func (e *Engine) directionState(secret *big.Int, exchangeHash, sessionID []byte,
	ivLabel, keyLabel, macLabel byte, cipherName, macName, compName string) (*packet.CipherState, error) {

	reg := e.cfg.Registry
	cs, err := reg.Cipher(cipherName)
	if err != nil {
		return nil, err
	}
	ms, err := reg.MAC(macName)
	if err != nil {
		return nil, err
	}
	comp, err := reg.Compression(compName)
	if err != nil {
		return nil, err
	}

	hashNew := e.kx.HashNew()
	iv := deriveKey(hashNew, secret, exchangeHash, sessionID, ivLabel, cs.IVSize)
	key := deriveKey(hashNew, secret, exchangeHash, sessionID, keyLabel, cs.KeySize)
	macKey := deriveKey(hashNew, secret, exchangeHash, sessionID, macLabel, ms.KeySize)

	stream, err := cs.New(key, iv)
	if err != nil {
		return nil, fmt.Errorf("kex: cipher %q: %w", cipherName, err)
	}
	state := &packet.CipherState{
		Cipher:    stream,
		MAC:       ms.New(macKey),
		BlockSize: cs.BlockSize,
	}
	if compName != "none" {
		state.Compressor = comp.New()
	}
	return state, nil
}

// deriveKey implements the RFC 4253 Section 7.2 expansion:
// K1 = HASH(K || H || label || session_id), Kn+1 = HASH(K || H || K1..Kn).
func deriveKey(hashNew func() hash.Hash, secret *big.Int, exchangeHash, sessionID []byte, label byte, need int) []byte {
	km := wire.NewWriter().Mpint(secret).Out()

	d := hashNew()
	d.Write(km)
	d.Write(exchangeHash)
	d.Write([]byte{label})
	d.Write(sessionID)
	out := d.Sum(nil)

	for len(out) < need {
		d = hashNew()
		d.Write(km)
		d.Write(exchangeHash)
		d.Write(out)
		out = d.Sum(out)
	}
	return out[:need]
}
