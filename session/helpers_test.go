package session_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/smnsjas/go-sshcore/ciphersuite"
)

func testSigners(t *testing.T) []ciphersuite.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return []ciphersuite.Signer{&ciphersuite.Ed25519Signer{Key: priv}}
}
