package ciphersuite

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestRegistryLookups(t *testing.T) {
	r := Default()

	tests := []struct {
		name   string
		lookup func(string) error
		algo   string
	}{
		{"cipher aes128", func(n string) error { _, err := r.Cipher(n); return err }, "aes128-ctr"},
		{"cipher aes256", func(n string) error { _, err := r.Cipher(n); return err }, "aes256-ctr"},
		{"mac sha256", func(n string) error { _, err := r.MAC(n); return err }, "hmac-sha2-256"},
		{"mac sha1", func(n string) error { _, err := r.MAC(n); return err }, "hmac-sha1"},
		{"kex curve25519", func(n string) error { _, err := r.Kex(n); return err }, "curve25519-sha256"},
		{"kex group14", func(n string) error { _, err := r.Kex(n); return err }, "diffie-hellman-group14-sha256"},
		{"compression none", func(n string) error { _, err := r.Compression(n); return err }, "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.lookup(tt.algo); err != nil {
				t.Errorf("lookup %q: %v", tt.algo, err)
			}
		})
	}

	if _, err := r.Cipher("chacha20-poly1305@openssh.com"); err == nil {
		t.Error("expected error for unregistered cipher")
	}
}

func TestCipherRoundTrip(t *testing.T) {
	r := Default()
	for _, name := range r.CipherNames() {
		t.Run(name, func(t *testing.T) {
			spec, err := r.Cipher(name)
			if err != nil {
				t.Fatal(err)
			}
			key := make([]byte, spec.KeySize)
			iv := make([]byte, spec.IVSize)
			for i := range key {
				key[i] = byte(i)
			}
			for i := range iv {
				iv[i] = byte(0xA0 + i)
			}

			enc, err := spec.New(key, iv)
			if err != nil {
				t.Fatal(err)
			}
			dec, err := spec.New(key, iv)
			if err != nil {
				t.Fatal(err)
			}

			plain := []byte("the quick brown fox jumps over the lazy dog")
			ct := make([]byte, len(plain))
			enc.XORKeyStream(ct, plain)
			if bytes.Equal(ct, plain) {
				t.Fatal("ciphertext equals plaintext")
			}
			out := make([]byte, len(ct))
			dec.XORKeyStream(out, ct)
			if !bytes.Equal(out, plain) {
				t.Fatalf("round trip mismatch: %q", out)
			}
		})
	}
}

func TestMACSequenceSensitivity(t *testing.T) {
	r := Default()
	for _, name := range r.MACNames() {
		t.Run(name, func(t *testing.T) {
			spec, err := r.MAC(name)
			if err != nil {
				t.Fatal(err)
			}
			key := make([]byte, spec.KeySize)
			m := spec.New(key)

			packet := []byte("payload")
			a := m.Sum(0, packet)
			b := m.Sum(1, packet)
			if bytes.Equal(a, b) {
				t.Fatal("MAC ignores sequence number")
			}
			c := m.Sum(0, packet)
			if !bytes.Equal(a, c) {
				t.Fatal("MAC not deterministic")
			}
			if len(a) != m.Size() {
				t.Fatalf("tag size %d, Size() says %d", len(a), m.Size())
			}
		})
	}
}

func TestKeyExchangeSharedSecret(t *testing.T) {
	r := Default()
	for _, name := range r.KexNames() {
		t.Run(name, func(t *testing.T) {
			kx, err := r.Kex(name)
			if err != nil {
				t.Fatal(err)
			}
			a, err := kx.Start(rand.Reader)
			if err != nil {
				t.Fatal(err)
			}
			b, err := kx.Start(rand.Reader)
			if err != nil {
				t.Fatal(err)
			}

			ka, err := a.Shared(b.Public())
			if err != nil {
				t.Fatal(err)
			}
			kb, err := b.Shared(a.Public())
			if err != nil {
				t.Fatal(err)
			}
			if ka.Cmp(kb) != 0 {
				t.Fatal("shared secrets differ")
			}
		})
	}
}

func TestDHRejectsDegeneratePeer(t *testing.T) {
	kx, err := Default().Kex("diffie-hellman-group14-sha256")
	if err != nil {
		t.Fatal(err)
	}
	e, err := kx.Start(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Shared([]byte{1}); err == nil {
		t.Fatal("accepted peer value 1")
	}
	if _, err := e.Shared([]byte{0}); err == nil {
		t.Fatal("accepted peer value 0")
	}
}

func TestEd25519SignVerify(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer := &Ed25519Signer{Key: priv}

	data := []byte("exchange hash")
	sig, err := signer.Sign(rand.Reader, data)
	if err != nil {
		t.Fatal(err)
	}

	// Verify through a freshly parsed key, as the remote side would.
	parsed, err := ParsePublicKey(signer.PublicKey().Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if err := parsed.Verify(data, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := parsed.Verify([]byte("other data"), sig); err == nil {
		t.Fatal("verified signature over wrong data")
	}
}

func TestRSASignVerify(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer := &RSASigner{Key: key}

	data := []byte("exchange hash")
	sig, err := signer.Sign(rand.Reader, data)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParsePublicKey(signer.PublicKey().Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if err := parsed.Verify(data, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	sig[len(sig)-1] ^= 0xFF
	if err := parsed.Verify(data, sig); err == nil {
		t.Fatal("verified corrupted signature")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey([]byte{0, 0}); err == nil {
		t.Fatal("expected error for truncated blob")
	}
	if _, err := ParsePublicKey(nil); err == nil {
		t.Fatal("expected error for empty blob")
	}
}
