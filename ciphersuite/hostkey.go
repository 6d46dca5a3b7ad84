package ciphersuite

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"github.com/smnsjas/go-sshcore/wire"
)

// Host key algorithm names.
const (
	KeyAlgoEd25519   = "ssh-ed25519"
	KeyAlgoRSA       = "ssh-rsa"
	SigAlgoRSASHA256 = "rsa-sha2-256"
)

// ParsePublicKey decodes a standard host key wire blob.
func ParsePublicKey(blob []byte) (PublicKey, error) {
	r := wire.NewReader(blob)
	algo, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	switch algo {
	case KeyAlgoEd25519:
		raw, err := r.Bytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: ed25519 key is %d bytes", ErrBadKey, len(raw))
		}
		return &Ed25519PublicKey{Key: ed25519.PublicKey(append([]byte(nil), raw...))}, nil
	case KeyAlgoRSA:
		e, err := r.Mpint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
		}
		n, err := r.Mpint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
		}
		if !e.IsInt64() || e.Int64() <= 1 || e.Int64() > 1<<31 {
			return nil, fmt.Errorf("%w: rsa exponent out of range", ErrBadKey)
		}
		return &RSAPublicKey{Key: &rsa.PublicKey{N: n, E: int(e.Int64())}}, nil
	default:
		return nil, fmt.Errorf("%w: host key %q", ErrUnknownAlgorithm, algo)
	}
}

// Ed25519PublicKey is an ssh-ed25519 host key.
type Ed25519PublicKey struct {
	Key ed25519.PublicKey
}

func (k *Ed25519PublicKey) Algorithm() string { return KeyAlgoEd25519 }

func (k *Ed25519PublicKey) Marshal() []byte {
	return wire.NewWriter().String(KeyAlgoEd25519).Bytes(k.Key).Out()
}

func (k *Ed25519PublicKey) Verify(data, sig []byte) error {
	algo, raw, err := parseSignature(sig)
	if err != nil {
		return err
	}
	if algo != KeyAlgoEd25519 {
		return fmt.Errorf("%w: signature algorithm %q for ed25519 key", ErrBadSignature, algo)
	}
	if !ed25519.Verify(k.Key, data, raw) {
		return ErrBadSignature
	}
	return nil
}

// Ed25519Signer signs with an ed25519 host key.
type Ed25519Signer struct {
	Key ed25519.PrivateKey
}

func (s *Ed25519Signer) PublicKey() PublicKey {
	return &Ed25519PublicKey{Key: s.Key.Public().(ed25519.PublicKey)}
}

func (s *Ed25519Signer) Sign(_ io.Reader, data []byte) ([]byte, error) {
	sig := ed25519.Sign(s.Key, data)
	return wire.NewWriter().String(KeyAlgoEd25519).Bytes(sig).Out(), nil
}

// RSAPublicKey is an ssh-rsa host key verified with the rsa-sha2-256
// signature algorithm.
type RSAPublicKey struct {
	Key *rsa.PublicKey
}

func (k *RSAPublicKey) Algorithm() string { return SigAlgoRSASHA256 }

func (k *RSAPublicKey) Marshal() []byte {
	return wire.NewWriter().String(KeyAlgoRSA).
		Mpint(big.NewInt(int64(k.Key.E))).Mpint(k.Key.N).Out()
}

func (k *RSAPublicKey) Verify(data, sig []byte) error {
	algo, raw, err := parseSignature(sig)
	if err != nil {
		return err
	}
	if algo != SigAlgoRSASHA256 {
		return fmt.Errorf("%w: signature algorithm %q for rsa key", ErrBadSignature, algo)
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(k.Key, crypto.SHA256, digest[:], raw); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// RSASigner signs with an RSA host key using rsa-sha2-256.
type RSASigner struct {
	Key *rsa.PrivateKey
}

func (s *RSASigner) PublicKey() PublicKey {
	return &RSAPublicKey{Key: &s.Key.PublicKey}
}

func (s *RSASigner) Sign(rnd io.Reader, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	raw, err := rsa.SignPKCS1v15(rnd, s.Key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, err
	}
	return wire.NewWriter().String(SigAlgoRSASHA256).Bytes(raw).Out(), nil
}

func parseSignature(sig []byte) (algo string, raw []byte, err error) {
	r := wire.NewReader(sig)
	if algo, err = r.String(); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if raw, err = r.Bytes(); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return algo, raw, nil
}
