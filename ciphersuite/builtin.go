package ciphersuite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
)

func aesCTRSpec(name string, keySize int) *CipherSpec {
	return &CipherSpec{
		Name:      name,
		KeySize:   keySize,
		IVSize:    aes.BlockSize,
		BlockSize: aes.BlockSize,
		New: func(key, iv []byte) (Stream, error) {
			if len(key) != keySize || len(iv) != aes.BlockSize {
				return nil, fmt.Errorf("%w: %s needs %d-byte key, %d-byte iv",
					ErrBadKey, name, keySize, aes.BlockSize)
			}
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewCTR(block, iv), nil
		},
	}
}

// hmacMAC prepends the big-endian sequence number to the packet, per
// RFC 4253 Section 6.4: mac = MAC(key, sequence_number || unencrypted_packet).
type hmacMAC struct {
	h hash.Hash
}

func (m *hmacMAC) Size() int { return m.h.Size() }

func (m *hmacMAC) Sum(seqNum uint32, packet []byte) []byte {
	m.h.Reset()
	var seq [4]byte
	binary.BigEndian.PutUint32(seq[:], seqNum)
	m.h.Write(seq[:])
	m.h.Write(packet)
	return m.h.Sum(nil)
}

func hmacSHA256Spec() *MACSpec {
	return &MACSpec{
		Name:    "hmac-sha2-256",
		KeySize: sha256.Size,
		New: func(key []byte) MAC {
			return &hmacMAC{h: hmac.New(sha256.New, key)}
		},
	}
}

func hmacSHA1Spec() *MACSpec {
	return &MACSpec{
		Name:    "hmac-sha1",
		KeySize: sha1.Size,
		New: func(key []byte) MAC {
			return &hmacMAC{h: hmac.New(sha1.New, key)}
		},
	}
}
