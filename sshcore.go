package sshcore

import (
	"context"
	"io"
	"time"

	"github.com/smnsjas/go-sshcore/auth"
	"github.com/smnsjas/go-sshcore/ciphersuite"
	"github.com/smnsjas/go-sshcore/connection"
	"github.com/smnsjas/go-sshcore/kex"
	"github.com/smnsjas/go-sshcore/session"
)

// Version is the library version placed in the identification string.
const Version = "0.1"

// ClientConfig parameterizes a client endpoint.
type ClientConfig struct {
	// User is the account to authenticate as.
	User string
	// AuthMethods are tried in order, filtered by the server's list.
	AuthMethods []auth.Method
	// HostKeyVerifier judges the server host key. Required.
	HostKeyVerifier kex.HostKeyVerifier
	// Banner receives the server's pre-auth banner, if any.
	Banner func(message, language string)

	// Registry selects the algorithm suites. Nil means the default set.
	Registry *ciphersuite.Registry
	// RekeyPolicy triggers automatic re-keys by traffic volume. Zero
	// disables volume-based re-keying.
	RekeyPolicy kex.Policy
	// Acceptors admits server-initiated channels (forwarded-tcpip and the
	// like). Nil rejects them all.
	Acceptors map[string]connection.Acceptor
}

// Client is a fully wired client endpoint: a session with the userauth and
// connection services attached.
type Client struct {
	Session *session.Session
	Auth    *auth.Client
	Conn    *connection.Service
}

// NewClient wires a client over the given transport. Nothing is sent until
// Connect.
func NewClient(transport io.ReadWriteCloser, cfg ClientConfig) (*Client, error) {
	authClient := auth.NewClient(auth.ClientConfig{
		User:    cfg.User,
		Methods: cfg.AuthMethods,
		Banner:  cfg.Banner,
	})
	connSvc := connection.New(connection.Config{Acceptors: cfg.Acceptors})

	sess, err := session.New(transport, session.Config{
		Role:        kex.RoleClient,
		Registry:    cfg.Registry,
		Version:     "sshcore_" + Version,
		Verifier:    cfg.HostKeyVerifier,
		RekeyPolicy: cfg.RekeyPolicy,
		Services: map[string]session.ServiceFactory{
			session.ServiceUserauth:   authClient.Service,
			session.ServiceConnection: connSvc.Service,
		},
	})
	if err != nil {
		return nil, err
	}
	return &Client{Session: sess, Auth: authClient, Conn: connSvc}, nil
}

// Connect performs the version exchange, the initial key exchange and
// authentication, waiting at most authTimeout for the auth outcome. On
// timeout the attempt keeps running; the caller may wait again on
// Auth.Outcome.
func (c *Client) Connect(ctx context.Context, authTimeout time.Duration) error {
	if err := c.Session.Open(ctx); err != nil {
		return err
	}
	return c.Auth.Verify(authTimeout)
}

// Close tears the endpoint down. Idempotent.
func (c *Client) Close() { c.Session.Close(nil) }

// ServerConfig parameterizes a server endpoint.
type ServerConfig struct {
	// Signers holds the host keys. At least one is required.
	Signers []ciphersuite.Signer
	// Auth configures the authenticators and budgets.
	Auth auth.ServerConfig
	// Acceptors admits client-initiated channels by type, e.g. "session".
	Acceptors map[string]connection.Acceptor
	// GlobalHandlers serves global requests, e.g. "tcpip-forward".
	GlobalHandlers map[string]connection.GlobalHandler

	// Registry selects the algorithm suites. Nil means the default set.
	Registry *ciphersuite.Registry
	// RekeyPolicy triggers automatic re-keys by traffic volume.
	RekeyPolicy kex.Policy
}

// Server is a fully wired server endpoint for one connection.
type Server struct {
	Session *session.Session
	Conn    *connection.Service
}

// NewServer wires a server over the given transport, one per accepted
// connection. Nothing is sent until Serve.
func NewServer(transport io.ReadWriteCloser, cfg ServerConfig) (*Server, error) {
	authServer := auth.NewServer(cfg.Auth)
	connSvc := connection.New(connection.Config{
		Acceptors:      cfg.Acceptors,
		GlobalHandlers: cfg.GlobalHandlers,
	})

	sess, err := session.New(transport, session.Config{
		Role:        kex.RoleServer,
		Registry:    cfg.Registry,
		Version:     "sshcore_" + Version,
		Signers:     cfg.Signers,
		RekeyPolicy: cfg.RekeyPolicy,
		Services: map[string]session.ServiceFactory{
			session.ServiceUserauth:   authServer.Service,
			session.ServiceConnection: connSvc.Service,
		},
	})
	if err != nil {
		return nil, err
	}
	return &Server{Session: sess, Conn: connSvc}, nil
}

// Serve runs the connection: version exchange, key exchange, then message
// dispatch until the session closes or ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Session.Open(ctx); err != nil {
		return err
	}
	select {
	case <-s.Session.Done():
		return s.Session.Err()
	case <-ctx.Done():
		s.Session.Close(ctx.Err())
		return ctx.Err()
	}
}

// Close tears the endpoint down. Idempotent.
func (s *Server) Close() { s.Session.Close(nil) }
