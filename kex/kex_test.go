package kex

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"github.com/smnsjas/go-sshcore/ciphersuite"
	"github.com/smnsjas/go-sshcore/packet"
)

func TestNegotiateFirstClientMatch(t *testing.T) {
	client := &Proposal{
		KexAlgos:     []string{"curve25519-sha256", "diffie-hellman-group14-sha256"},
		HostKeyAlgos: []string{"ssh-ed25519"},
		CiphersC2S:   []string{"aes128-ctr", "aes256-ctr"},
		CiphersS2C:   []string{"aes128-ctr", "aes256-ctr"},
		MACsC2S:      []string{"hmac-sha2-256"},
		MACsS2C:      []string{"hmac-sha2-256"},
		CompC2S:      []string{"none"},
		CompS2C:      []string{"none"},
	}
	server := &Proposal{
		KexAlgos:     []string{"diffie-hellman-group14-sha256", "curve25519-sha256"},
		HostKeyAlgos: []string{"ssh-ed25519"},
		CiphersC2S:   []string{"aes256-ctr", "aes128-ctr"},
		CiphersS2C:   []string{"aes256-ctr", "aes128-ctr"},
		MACsC2S:      []string{"hmac-sha1", "hmac-sha2-256"},
		MACsS2C:      []string{"hmac-sha2-256"},
		CompC2S:      []string{"none"},
		CompS2C:      []string{"none"},
	}

	res, err := Negotiate(client, server)
	if err != nil {
		t.Fatal(err)
	}
	// The client's preference wins even when the server orders differently.
	if res.CipherC2S != "aes128-ctr" || res.CipherS2C != "aes128-ctr" {
		t.Fatalf("ciphers: %s / %s, want aes128-ctr", res.CipherC2S, res.CipherS2C)
	}
	if res.Kex != "curve25519-sha256" {
		t.Fatalf("kex: %s", res.Kex)
	}
	if res.MACC2S != "hmac-sha2-256" {
		t.Fatalf("mac c2s: %s", res.MACC2S)
	}
}

func TestNegotiateNoMatchIsFatal(t *testing.T) {
	client := &Proposal{
		KexAlgos:     []string{"curve25519-sha256"},
		HostKeyAlgos: []string{"ssh-ed25519"},
		CiphersC2S:   []string{"aes128-ctr"},
		CiphersS2C:   []string{"aes128-ctr"},
		MACsC2S:      []string{"hmac-sha2-256"},
		MACsS2C:      []string{"hmac-sha2-256"},
		CompC2S:      []string{"none"},
		CompS2C:      []string{"none"},
	}
	server := *client
	server.MACsC2S = []string{"hmac-sha1"}

	_, err := Negotiate(client, &server)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
	var ne *NegotiationError
	if !errors.As(err, &ne) || ne.Category != "mac client-to-server" {
		t.Fatalf("category not reported: %v", err)
	}
}

func TestNegotiateLanguagesBestEffort(t *testing.T) {
	client := &Proposal{
		KexAlgos:     []string{"curve25519-sha256"},
		HostKeyAlgos: []string{"ssh-ed25519"},
		CiphersC2S:   []string{"aes128-ctr"},
		CiphersS2C:   []string{"aes128-ctr"},
		MACsC2S:      []string{"hmac-sha2-256"},
		MACsS2C:      []string{"hmac-sha2-256"},
		CompC2S:      []string{"none"},
		CompS2C:      []string{"none"},
		LangC2S:      []string{"en"},
	}
	server := *client
	server.LangC2S = []string{"de"}

	res, err := Negotiate(client, &server)
	if err != nil {
		t.Fatalf("language mismatch must not fail negotiation: %v", err)
	}
	if res.LangC2S != "" {
		t.Fatalf("language: %q, want empty", res.LangC2S)
	}
}

func TestPolicyDue(t *testing.T) {
	tests := []struct {
		policy  Policy
		packets uint64
		bytes   uint64
		want    bool
	}{
		{Policy{}, 0, 0, false},
		{Policy{}, DefaultRekeyPackets, 0, true},
		{Policy{}, 0, DefaultRekeyBytes, true},
		{Policy{MaxPackets: 10}, 9, 0, false},
		{Policy{MaxPackets: 10}, 10, 0, true},
		{Policy{MaxBytes: 100}, 0, 100, true},
	}
	for i, tt := range tests {
		if got := tt.policy.Due(tt.packets, tt.bytes); got != tt.want {
			t.Errorf("case %d: Due(%d, %d) = %v", i, tt.packets, tt.bytes, got)
		}
	}
}

func newSigner(t *testing.T) ciphersuite.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return &ciphersuite.Ed25519Signer{Key: priv}
}

// handshake runs a full exchange between two engines and returns both key
// sets.
func handshake(t *testing.T, signer ciphersuite.Signer, sessionID []byte) (*Keys, *Keys) {
	t.Helper()
	reg := ciphersuite.Default()

	ce := NewEngine(Config{
		Role:          RoleClient,
		Registry:      reg,
		ClientVersion: "SSH-2.0-sshcore_test client",
		ServerVersion: "SSH-2.0-sshcore_test server",
		Verifier:      InsecureAcceptAnyHostKey,
		SessionID:     sessionID,
	})
	se := NewEngine(Config{
		Role:          RoleServer,
		Registry:      reg,
		ClientVersion: "SSH-2.0-sshcore_test client",
		ServerVersion: "SSH-2.0-sshcore_test server",
		Signers:       []ciphersuite.Signer{signer},
		SessionID:     sessionID,
	})

	cInit, err := ce.OwnInit()
	if err != nil {
		t.Fatal(err)
	}
	sInit, err := se.OwnInit()
	if err != nil {
		t.Fatal(err)
	}
	if err := ce.PeerInit(sInit); err != nil {
		t.Fatal(err)
	}
	if err := se.PeerInit(cInit); err != nil {
		t.Fatal(err)
	}
	if ce.State() != ProposalExchanged || se.State() != ProposalExchanged {
		t.Fatalf("states after init exchange: %s / %s", ce.State(), se.State())
	}

	ecdhInit, err := ce.Start()
	if err != nil {
		t.Fatal(err)
	}
	reply, err := se.Reply(ecdhInit)
	if err != nil {
		t.Fatal(err)
	}
	if err := ce.Finish(reply); err != nil {
		t.Fatal(err)
	}
	if ce.State() != KeysDerived || se.State() != KeysDerived {
		t.Fatalf("states after derivation: %s / %s", ce.State(), se.State())
	}
	return ce.Keys(), se.Keys()
}

func TestExchangeDerivesMatchingKeys(t *testing.T) {
	ck, sk := handshake(t, newSigner(t), nil)

	if !bytes.Equal(ck.ExchangeHash, sk.ExchangeHash) {
		t.Fatal("exchange hashes differ")
	}
	if !bytes.Equal(ck.SessionID, sk.SessionID) {
		t.Fatal("session identifiers differ")
	}
	if !bytes.Equal(ck.SessionID, ck.ExchangeHash) {
		t.Fatal("initial session id must be the exchange hash")
	}

	// The client's write keys must decrypt on the server's read side and
	// vice versa.
	for dir, pair := range map[string][2]*packet.CipherState{
		"client-to-server": {ck.Write, sk.Read},
		"server-to-client": {sk.Write, ck.Read},
	} {
		var buf bytes.Buffer
		enc := packet.NewCodec(&buf, packet.Config{})
		dec := packet.NewCodec(&buf, packet.Config{})
		enc.InstallWriteState(pair[0])
		dec.InstallReadState(pair[1])

		payload := []byte("keyed traffic " + dir)
		if err := enc.WritePacket(payload); err != nil {
			t.Fatalf("%s: %v", dir, err)
		}
		got, err := dec.ReadPacket()
		if err != nil {
			t.Fatalf("%s: %v", dir, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("%s: payload mismatch", dir)
		}
	}
}

func TestRekeyKeepsSessionID(t *testing.T) {
	signer := newSigner(t)
	first, _ := handshake(t, signer, nil)
	second, _ := handshake(t, signer, first.SessionID)

	if !bytes.Equal(second.SessionID, first.SessionID) {
		t.Fatal("re-key must keep the original session identifier")
	}
	if bytes.Equal(second.ExchangeHash, first.ExchangeHash) {
		t.Fatal("re-key must produce a fresh exchange hash")
	}
	if bytes.Equal(second.ExchangeHash, second.SessionID) {
		t.Fatal("re-key session id must not track the new exchange hash")
	}
}

func TestNewKeysAsymmetry(t *testing.T) {
	signer := newSigner(t)
	reg := ciphersuite.Default()
	e := NewEngine(Config{
		Role:          RoleServer,
		Registry:      reg,
		ClientVersion: "SSH-2.0-c",
		ServerVersion: "SSH-2.0-s",
		Signers:       []ciphersuite.Signer{signer},
	})
	peer := NewEngine(Config{
		Role:          RoleClient,
		Registry:      reg,
		ClientVersion: "SSH-2.0-c",
		ServerVersion: "SSH-2.0-s",
		Verifier:      InsecureAcceptAnyHostKey,
	})

	sInit, _ := e.OwnInit()
	cInit, _ := peer.OwnInit()
	if err := e.PeerInit(cInit); err != nil {
		t.Fatal(err)
	}
	if err := peer.PeerInit(sInit); err != nil {
		t.Fatal(err)
	}
	ecdhInit, err := peer.Start()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Reply(ecdhInit); err != nil {
		t.Fatal(err)
	}

	e.NewKeysSent()
	if e.State() != KeysDerived {
		t.Fatalf("one NEWKEYS direction must not complete the exchange: %s", e.State())
	}
	e.NewKeysReceived()
	if e.State() != NewKeysInstalled {
		t.Fatalf("state after both NEWKEYS: %s", e.State())
	}
}

func TestHostKeyRejected(t *testing.T) {
	reg := ciphersuite.Default()
	ce := NewEngine(Config{
		Role:          RoleClient,
		Registry:      reg,
		ClientVersion: "SSH-2.0-c",
		ServerVersion: "SSH-2.0-s",
		Verifier: HostKeyVerifierFunc(func(ciphersuite.PublicKey) error {
			return fmt.Errorf("unknown host")
		}),
	})
	se := NewEngine(Config{
		Role:          RoleServer,
		Registry:      reg,
		ClientVersion: "SSH-2.0-c",
		ServerVersion: "SSH-2.0-s",
		Signers:       []ciphersuite.Signer{newSigner(t)},
	})

	cInit, _ := ce.OwnInit()
	sInit, _ := se.OwnInit()
	if err := ce.PeerInit(sInit); err != nil {
		t.Fatal(err)
	}
	if err := se.PeerInit(cInit); err != nil {
		t.Fatal(err)
	}
	ecdhInit, _ := ce.Start()
	reply, err := se.Reply(ecdhInit)
	if err != nil {
		t.Fatal(err)
	}
	if err := ce.Finish(reply); !errors.Is(err, ErrHostKeyRejected) {
		t.Fatalf("expected ErrHostKeyRejected, got %v", err)
	}
}

func TestTamperedSignatureRejected(t *testing.T) {
	reg := ciphersuite.Default()
	ce := NewEngine(Config{
		Role:          RoleClient,
		Registry:      reg,
		ClientVersion: "SSH-2.0-c",
		ServerVersion: "SSH-2.0-s",
		Verifier:      InsecureAcceptAnyHostKey,
	})
	se := NewEngine(Config{
		Role:          RoleServer,
		Registry:      reg,
		ClientVersion: "SSH-2.0-c",
		ServerVersion: "SSH-2.0-s",
		Signers:       []ciphersuite.Signer{newSigner(t)},
	})

	cInit, _ := ce.OwnInit()
	sInit, _ := se.OwnInit()
	if err := ce.PeerInit(sInit); err != nil {
		t.Fatal(err)
	}
	if err := se.PeerInit(cInit); err != nil {
		t.Fatal(err)
	}
	ecdhInit, _ := ce.Start()
	reply, err := se.Reply(ecdhInit)
	if err != nil {
		t.Fatal(err)
	}
	reply.Signature[len(reply.Signature)-1] ^= 0x01
	if err := ce.Finish(reply); err == nil {
		t.Fatal("tampered signature must not verify")
	}
}

func TestEngineStateGating(t *testing.T) {
	reg := ciphersuite.Default()
	e := NewEngine(Config{
		Role:          RoleClient,
		Registry:      reg,
		ClientVersion: "SSH-2.0-c",
		ServerVersion: "SSH-2.0-s",
		Verifier:      InsecureAcceptAnyHostKey,
	})

	if _, err := e.Start(); !errors.Is(err, ErrBadState) {
		t.Fatalf("Start before negotiation: %v", err)
	}
	if err := e.Finish(nil); !errors.Is(err, ErrBadState) {
		t.Fatalf("Finish before exchange: %v", err)
	}
	if _, err := e.Reply(nil); !errors.Is(err, ErrBadState) {
		t.Fatalf("Reply on client role: %v", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Idle:                  "Idle",
		ProposalExchanged:     "ProposalExchanged",
		ExchangingKeyMaterial: "ExchangingKeyMaterial",
		KeysDerived:           "KeysDerived",
		NewKeysInstalled:      "NewKeysInstalled",
		State(99):             "Unknown(99)",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
