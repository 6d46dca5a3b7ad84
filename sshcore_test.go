package sshcore_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"testing"
	"time"

	sshcore "github.com/smnsjas/go-sshcore"
	"github.com/smnsjas/go-sshcore/auth"
	"github.com/smnsjas/go-sshcore/ciphersuite"
	"github.com/smnsjas/go-sshcore/connection"
	"github.com/smnsjas/go-sshcore/kex"
	"github.com/smnsjas/go-sshcore/stream"
	"github.com/smnsjas/go-sshcore/wire"
)

func hostSigner(t *testing.T) ciphersuite.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return &ciphersuite.Ed25519Signer{Key: priv}
}

func TestClientRequiresVerifier(t *testing.T) {
	ct, _ := stream.Pipe()
	_, err := sshcore.NewClient(ct, sshcore.ClientConfig{
		User:        "alice",
		AuthMethods: []auth.Method{&auth.Password{Password: "pw"}},
	})
	if err == nil {
		t.Fatal("client without a host key verifier must be rejected")
	}
}

func TestServerRequiresSigner(t *testing.T) {
	_, st := stream.Pipe()
	_, err := sshcore.NewServer(st, sshcore.ServerConfig{
		Auth: auth.ServerConfig{
			Password: auth.PasswordAuthenticatorFunc(func(string, []byte) error { return nil }),
		},
	})
	if err == nil {
		t.Fatal("server without a host key must be rejected")
	}
}

func TestConnectAndExec(t *testing.T) {
	ct, st := stream.Pipe()

	server, err := sshcore.NewServer(st, sshcore.ServerConfig{
		Signers: []ciphersuite.Signer{hostSigner(t)},
		Auth: auth.ServerConfig{
			Password: auth.PasswordAuthenticatorFunc(func(user string, pw []byte) error {
				if user == "alice" && string(pw) == "hunter2" {
					return nil
				}
				return auth.ErrDenied
			}),
		},
		Acceptors: map[string]connection.Acceptor{
			"session": func(ch *connection.Channel, _ []byte) error {
				go func() {
					data, _ := io.ReadAll(ch)
					ch.Write(data)
					ch.WriteStderr([]byte("done"))
					ch.CloseWrite()
					ch.SendRequest("exit-status", false,
						wire.NewWriter().Uint32(0).Out())
					ch.Close()
				}()
				return nil
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	go server.Serve(context.Background())
	defer server.Close()

	client, err := sshcore.NewClient(ct, sshcore.ClientConfig{
		User:            "alice",
		AuthMethods:     []auth.Method{&auth.Password{Password: "hunter2"}},
		HostKeyVerifier: kex.InsecureAcceptAnyHostKey,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.Connect(context.Background(), 10*time.Second); err != nil {
		t.Fatal(err)
	}

	ch, err := client.Conn.OpenChannelTimeout("session", nil, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := ch.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	out, err := io.ReadAll(ch)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "payload" {
		t.Fatalf("stdout %q", out)
	}
	errOut, err := io.ReadAll(ch.Stderr())
	if err != nil {
		t.Fatal(err)
	}
	if string(errOut) != "done" {
		t.Fatalf("stderr %q", errOut)
	}
	if status, ok := ch.ExitStatus(); !ok || status != 0 {
		t.Fatalf("exit status %d, %v", status, ok)
	}
}
