// Command sshcore-server runs a demo SSH server on the engine: password
// auth (static or PAM), an echoing session channel, and an optional
// WebSocket listener instead of plain TCP.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	sshcore "github.com/smnsjas/go-sshcore"
	"github.com/smnsjas/go-sshcore/auth"
	"github.com/smnsjas/go-sshcore/auth/pamauth"
	"github.com/smnsjas/go-sshcore/ciphersuite"
	"github.com/smnsjas/go-sshcore/connection"
	"github.com/smnsjas/go-sshcore/stream"
)

// Settings come from SSHCORE_* environment variables; flags override them.
type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":2222"`
	HostKey    string `envconfig:"HOST_KEY" default:""`
	PAMService string `envconfig:"PAM_SERVICE" default:""`
	Password   string `envconfig:"PASSWORD" default:""`
	WebSocket  bool   `envconfig:"WEBSOCKET" default:"false"`
}

func main() {
	var cfg Settings
	if err := envconfig.Process("SSHCORE", &cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "sshcore-server",
		Short: "Demo SSH server on the sshcore engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}
	root.Flags().StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "listen address")
	root.Flags().StringVar(&cfg.HostKey, "host-key", cfg.HostKey, "PEM host key file (ephemeral if empty)")
	root.Flags().StringVar(&cfg.PAMService, "pam", cfg.PAMService, "authenticate via this PAM service")
	root.Flags().StringVar(&cfg.Password, "password", cfg.Password, "static password accepted for any user")
	root.Flags().BoolVar(&cfg.WebSocket, "ws", cfg.WebSocket, "serve WebSocket instead of TCP")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg Settings) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	signer, err := loadHostKey(cfg.HostKey)
	if err != nil {
		return err
	}

	var password auth.PasswordAuthenticator
	switch {
	case cfg.PAMService != "":
		password = &pamauth.Authenticator{Service: cfg.PAMService}
	case cfg.Password != "":
		static := cfg.Password
		password = auth.PasswordAuthenticatorFunc(func(_ string, pw []byte) error {
			if string(pw) == static {
				return nil
			}
			return auth.ErrDenied
		})
	default:
		return fmt.Errorf("either --pam or --password is required")
	}

	serve := func(transport io.ReadWriteCloser, remote string) {
		server, err := sshcore.NewServer(transport, sshcore.ServerConfig{
			Signers: []ciphersuite.Signer{signer},
			Auth:    auth.ServerConfig{Password: password},
			Acceptors: map[string]connection.Acceptor{
				"session": echoAcceptor,
			},
		})
		if err != nil {
			logger.Error("wire server", "remote", remote, "err", err)
			transport.Close()
			return
		}
		server.Session.SetSlogLogger(logger)
		logger.Info("connection", "remote", remote)
		if err := server.Serve(context.Background()); err != nil {
			logger.Info("session ended", "remote", remote, "err", err)
		}
	}

	if cfg.WebSocket {
		logger.Info("listening", "addr", cfg.ListenAddr, "transport", "websocket")
		return http.ListenAndServe(cfg.ListenAddr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := stream.AcceptWebSocket(w, r, nil)
			if err != nil {
				logger.Error("accept", "err", err)
				return
			}
			serve(conn, r.RemoteAddr)
		}))
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	logger.Info("listening", "addr", cfg.ListenAddr, "transport", "tcp")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go serve(conn, conn.RemoteAddr().String())
	}
}

// echoAcceptor serves a session channel by echoing its input and reporting
// a zero exit status.
func echoAcceptor(ch *connection.Channel, _ []byte) error {
	go func() {
		io.Copy(ch, ch)
		ch.CloseWrite()
		ch.SendRequest("exit-status", false, exitStatusPayload(0))
		ch.Close()
	}()
	return nil
}

func exitStatusPayload(status uint32) []byte {
	return []byte{byte(status >> 24), byte(status >> 16), byte(status >> 8), byte(status)}
}

// loadHostKey reads a PKCS#8 PEM ed25519 key, or generates an ephemeral one
// when no path is given.
func loadHostKey(path string) (ciphersuite.Signer, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return &ciphersuite.Ed25519Signer{Key: priv}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("host key %s: no PEM block", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	ed, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("host key %s: not ed25519", path)
	}
	return &ciphersuite.Ed25519Signer{Key: ed}, nil
}
