package ciphersuite

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

// curve25519SHA256 implements the curve25519-sha256 key exchange
// (RFC 8731). Public values are raw 32-byte X25519 points.
type curve25519SHA256 struct{}

func (curve25519SHA256) Name() string { return "curve25519-sha256" }

func (curve25519SHA256) HashNew() func() hash.Hash { return sha256.New }

func (curve25519SHA256) Start(rnd io.Reader) (Exchanger, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	var priv [32]byte
	if _, err := io.ReadFull(rnd, priv[:]); err != nil {
		return nil, fmt.Errorf("ciphersuite: curve25519 keygen: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("ciphersuite: curve25519 keygen: %w", err)
	}
	return &x25519Exchanger{priv: priv, pub: pub}, nil
}

type x25519Exchanger struct {
	priv [32]byte
	pub  []byte
}

func (e *x25519Exchanger) Public() []byte { return e.pub }

func (e *x25519Exchanger) Shared(peerPub []byte) (*big.Int, error) {
	if len(peerPub) != 32 {
		return nil, fmt.Errorf("%w: peer curve25519 point is %d bytes", ErrBadKey, len(peerPub))
	}
	secret, err := curve25519.X25519(e.priv[:], peerPub)
	if err != nil {
		// All-zero shared secret (low order point) ends up here.
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return new(big.Int).SetBytes(secret), nil
}

// RFC 3526 group 14 prime (2048 bits), generator 2.
const group14PrimeHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

var (
	group14Prime, _ = new(big.Int).SetString(group14PrimeHex, 16)
	group14Gen      = big.NewInt(2)
)

// dhGroup14SHA256 implements diffie-hellman-group14-sha256 (RFC 8268).
// Public values are mpint bodies of the exchange value.
type dhGroup14SHA256 struct{}

func (dhGroup14SHA256) Name() string { return "diffie-hellman-group14-sha256" }

func (dhGroup14SHA256) HashNew() func() hash.Hash { return sha256.New }

func (dhGroup14SHA256) Start(rnd io.Reader) (Exchanger, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	// Exponent of twice the hash output size is standard practice for
	// fixed-group DH.
	x, err := rand.Int(rnd, new(big.Int).Lsh(big.NewInt(1), 512))
	if err != nil {
		return nil, fmt.Errorf("ciphersuite: dh keygen: %w", err)
	}
	e := new(big.Int).Exp(group14Gen, x, group14Prime)
	return &dhExchanger{x: x, e: e}, nil
}

type dhExchanger struct {
	x *big.Int
	e *big.Int
}

func (d *dhExchanger) Public() []byte {
	b := d.e.Bytes()
	if len(b) > 0 && b[0]&0x80 != 0 {
		return append([]byte{0}, b...)
	}
	return b
}

func (d *dhExchanger) Shared(peerPub []byte) (*big.Int, error) {
	f := new(big.Int).SetBytes(peerPub)
	one := big.NewInt(1)
	pMinus1 := new(big.Int).Sub(group14Prime, one)
	if f.Cmp(one) <= 0 || f.Cmp(pMinus1) >= 0 {
		return nil, fmt.Errorf("%w: dh exchange value out of range", ErrBadKey)
	}
	return new(big.Int).Exp(f, d.x, group14Prime), nil
}
