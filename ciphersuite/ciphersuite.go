// Package ciphersuite defines the cryptographic capabilities the protocol
// engine consumes, keyed by the algorithm names used during negotiation.
//
// The engine itself never touches primitive crypto math. It looks up
// capabilities in a Registry by negotiated name and drives them:
//
//   - Cipher: symmetric stream cipher keyed with IV+key per direction
//   - MAC: per-packet integrity tag over sequence number and plaintext
//   - KeyExchange: ephemeral key pair and shared secret computation
//   - Signer / PublicKey: host key signature generation and verification
//   - Compressor: payload compression (sequenced by the packet codec)
//
// The built-in registry (Default) covers a small interoperable set:
// aes128-ctr, aes256-ctr, hmac-sha2-256, hmac-sha1, curve25519-sha256,
// diffie-hellman-group14-sha256, ssh-ed25519, rsa-sha2-256 and the "none"
// compression. Callers may register additional algorithms; the negotiation
// vocabulary is whatever the registry holds.
package ciphersuite

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"math/big"
)

var (
	// ErrUnknownAlgorithm is returned for a name the registry does not hold.
	ErrUnknownAlgorithm = errors.New("ciphersuite: unknown algorithm")
	// ErrBadSignature is returned when a host key signature does not verify.
	ErrBadSignature = errors.New("ciphersuite: signature verification failed")
	// ErrBadKey is returned for malformed key material.
	ErrBadKey = errors.New("ciphersuite: malformed key")
)

// Stream is a symmetric stream cipher state for one direction.
// crypto/cipher.Stream satisfies it.
type Stream interface {
	XORKeyStream(dst, src []byte)
}

// CipherSpec describes a negotiable symmetric cipher.
type CipherSpec struct {
	Name      string
	KeySize   int
	IVSize    int
	BlockSize int
	New       func(key, iv []byte) (Stream, error)
}

// MAC computes per-packet integrity tags. The sequence number is mixed in
// as a 4-byte big-endian prefix per RFC 4253 Section 6.4.
type MAC interface {
	Size() int
	Sum(seqNum uint32, packet []byte) []byte
}

// MACSpec describes a negotiable MAC algorithm.
type MACSpec struct {
	Name    string
	KeySize int
	New     func(key []byte) MAC
}

// Exchanger holds one side's ephemeral key material for a single exchange.
type Exchanger interface {
	// Public returns the wire form of the ephemeral public value.
	Public() []byte
	// Shared computes the shared secret from the peer's public value.
	Shared(peerPub []byte) (*big.Int, error)
}

// KeyExchange is the math behind one negotiable kex method.
type KeyExchange interface {
	Name() string
	// HashNew returns the hash constructor used for the exchange hash and
	// key derivation of this method.
	HashNew() func() hash.Hash
	// Start generates a fresh ephemeral key pair.
	Start(rand io.Reader) (Exchanger, error)
}

// PublicKey is a parsed host public key.
type PublicKey interface {
	Algorithm() string
	// Marshal returns the standard wire blob (string algo, key fields).
	Marshal() []byte
	// Verify checks a wire-encoded signature blob over data.
	Verify(data, sig []byte) error
}

// Signer is a host key capable of signing the exchange hash.
type Signer interface {
	PublicKey() PublicKey
	// Sign returns a wire-encoded signature blob (string algo, string sig).
	Sign(rand io.Reader, data []byte) ([]byte, error)
}

// Compressor transforms payloads. Compression state is per direction; the
// packet codec sequences compress-before-encrypt and decrypt-before-
// decompress, nothing more.
type Compressor interface {
	Compress(payload []byte) ([]byte, error)
	Decompress(payload []byte) ([]byte, error)
}

// CompressionSpec describes a negotiable compression method.
type CompressionSpec struct {
	Name string
	New  func() Compressor
}

// Registry maps negotiation names to capabilities and keeps each category's
// preference order (most preferred first).
type Registry struct {
	ciphers      map[string]*CipherSpec
	macs         map[string]*MACSpec
	kexes        map[string]KeyExchange
	compressions map[string]*CompressionSpec

	cipherOrder []string
	macOrder    []string
	kexOrder    []string
	compOrder   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ciphers:      make(map[string]*CipherSpec),
		macs:         make(map[string]*MACSpec),
		kexes:        make(map[string]KeyExchange),
		compressions: make(map[string]*CompressionSpec),
	}
}

// Default returns a registry with the built-in algorithm set in preference
// order.
func Default() *Registry {
	r := NewRegistry()
	r.RegisterKex(curve25519SHA256{})
	r.RegisterKex(dhGroup14SHA256{})
	r.RegisterCipher(aesCTRSpec("aes128-ctr", 16))
	r.RegisterCipher(aesCTRSpec("aes256-ctr", 32))
	r.RegisterMAC(hmacSHA256Spec())
	r.RegisterMAC(hmacSHA1Spec())
	r.RegisterCompression(&CompressionSpec{Name: "none", New: func() Compressor { return noneCompressor{} }})
	return r
}

// RegisterCipher adds a cipher at the end of the preference order.
func (r *Registry) RegisterCipher(spec *CipherSpec) {
	if _, dup := r.ciphers[spec.Name]; !dup {
		r.cipherOrder = append(r.cipherOrder, spec.Name)
	}
	r.ciphers[spec.Name] = spec
}

// RegisterMAC adds a MAC at the end of the preference order.
func (r *Registry) RegisterMAC(spec *MACSpec) {
	if _, dup := r.macs[spec.Name]; !dup {
		r.macOrder = append(r.macOrder, spec.Name)
	}
	r.macs[spec.Name] = spec
}

// RegisterKex adds a key exchange at the end of the preference order.
func (r *Registry) RegisterKex(kx KeyExchange) {
	if _, dup := r.kexes[kx.Name()]; !dup {
		r.kexOrder = append(r.kexOrder, kx.Name())
	}
	r.kexes[kx.Name()] = kx
}

// RegisterCompression adds a compression method at the end of the
// preference order.
func (r *Registry) RegisterCompression(spec *CompressionSpec) {
	if _, dup := r.compressions[spec.Name]; !dup {
		r.compOrder = append(r.compOrder, spec.Name)
	}
	r.compressions[spec.Name] = spec
}

// Cipher looks up a cipher by negotiated name.
func (r *Registry) Cipher(name string) (*CipherSpec, error) {
	spec, ok := r.ciphers[name]
	if !ok {
		return nil, fmt.Errorf("%w: cipher %q", ErrUnknownAlgorithm, name)
	}
	return spec, nil
}

// MAC looks up a MAC by negotiated name.
func (r *Registry) MAC(name string) (*MACSpec, error) {
	spec, ok := r.macs[name]
	if !ok {
		return nil, fmt.Errorf("%w: mac %q", ErrUnknownAlgorithm, name)
	}
	return spec, nil
}

// Kex looks up a key exchange by negotiated name.
func (r *Registry) Kex(name string) (KeyExchange, error) {
	kx, ok := r.kexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: kex %q", ErrUnknownAlgorithm, name)
	}
	return kx, nil
}

// Compression looks up a compression method by negotiated name.
func (r *Registry) Compression(name string) (*CompressionSpec, error) {
	spec, ok := r.compressions[name]
	if !ok {
		return nil, fmt.Errorf("%w: compression %q", ErrUnknownAlgorithm, name)
	}
	return spec, nil
}

// CipherNames returns the preference-ordered cipher names.
func (r *Registry) CipherNames() []string { return append([]string(nil), r.cipherOrder...) }

// MACNames returns the preference-ordered MAC names.
func (r *Registry) MACNames() []string { return append([]string(nil), r.macOrder...) }

// KexNames returns the preference-ordered kex names.
func (r *Registry) KexNames() []string { return append([]string(nil), r.kexOrder...) }

// CompressionNames returns the preference-ordered compression names.
func (r *Registry) CompressionNames() []string { return append([]string(nil), r.compOrder...) }

type noneCompressor struct{}

func (noneCompressor) Compress(p []byte) ([]byte, error)   { return p, nil }
func (noneCompressor) Decompress(p []byte) ([]byte, error) { return p, nil }
