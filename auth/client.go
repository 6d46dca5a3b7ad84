package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/smnsjas/go-sshcore/future"
	"github.com/smnsjas/go-sshcore/session"
	"github.com/smnsjas/go-sshcore/wire"
)

var (
	// ErrAuthFailed is returned when every configured method was tried
	// without success.
	ErrAuthFailed = errors.New("auth: all methods exhausted")
	// ErrNoMethods is returned when a client is configured without
	// methods.
	ErrNoMethods = errors.New("auth: no methods configured")
)

// ServerAuthError records the server's final rejection: the methods it
// would still accept and whether the last attempt partially succeeded.
type ServerAuthError struct {
	Methods        []string
	PartialSuccess bool
}

func (e *ServerAuthError) Error() string {
	return fmt.Sprintf("auth: server rejected authentication (can continue: %v, partial=%v)",
		e.Methods, e.PartialSuccess)
}

func (e *ServerAuthError) Unwrap() error { return ErrAuthFailed }

// ClientConfig parameterizes the client side of ssh-userauth.
type ClientConfig struct {
	// User is the account to authenticate as.
	User string
	// Methods are tried in order, filtered by what the server accepts.
	Methods []Method
	// Banner receives SSH_MSG_USERAUTH_BANNER content when set.
	Banner func(message, language string)
	// DisableNoneProbe skips the initial "none" attempt and goes straight
	// to the first configured method.
	DisableNoneProbe bool
}

// Client is the client-side userauth service. Create it with NewClient,
// hand Service to the session config, then await Outcome.
type Client struct {
	cfg  ClientConfig
	conn session.Conn

	outcome *future.Future[string]

	remaining []Method
	current   Method
	// serverMethods is nil until the first failure reveals the server's
	// list; afterwards methods absent from it are skipped.
	serverMethods []string
	attempted     bool
}

// NewClient returns an unbound client service.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:       cfg,
		outcome:   future.New[string](),
		remaining: append([]Method(nil), cfg.Methods...),
	}
}

// Service is the session.ServiceFactory binding this client to a session.
func (c *Client) Service(conn session.Conn) session.Service {
	c.conn = conn
	return c
}

// Outcome resolves to the name of the method that succeeded, or fails with
// a ServerAuthError. A wait timeout leaves the attempt running.
func (c *Client) Outcome() *future.Future[string] { return c.outcome }

// Verify blocks for at most d waiting for the authentication outcome.
// Timeout is not failure: future.ErrTimeout reports an undecided attempt
// that keeps running.
func (c *Client) Verify(d time.Duration) error {
	_, err := c.outcome.AwaitTimeout(d)
	return err
}

// Name returns the service name "ssh-userauth".
func (c *Client) Name() string { return session.ServiceUserauth }

// Start sends the first attempt: a "none" probe unless disabled.
func (c *Client) Start() error {
	if len(c.cfg.Methods) == 0 {
		c.outcome.Fail(ErrNoMethods)
		return ErrNoMethods
	}
	if c.cfg.DisableNoneProbe {
		return c.tryNext()
	}
	c.conn.Logf("[auth] probing with method none")
	return c.conn.Send(&wire.UserauthRequest{
		User:    c.cfg.User,
		Service: serviceConnection,
		Method:  MethodNone,
	})
}

// Close fails the outcome if the session dies before a decision.
func (c *Client) Close(err error) {
	if err == nil {
		err = session.ErrClosed
	}
	c.outcome.TryFail(err)
}

// Handle processes one userauth-range message.
func (c *Client) Handle(m wire.Message) error {
	switch msg := m.(type) {
	case *wire.UserauthSuccess:
		method := MethodNone
		if c.current != nil {
			method = c.current.Name()
		}
		c.conn.Logf("[auth] authenticated via %s", method)
		c.outcome.TryComplete(method)
		c.conn.AuthStateChanged(true, c.cfg.User)
		return nil

	case *wire.UserauthFailure:
		c.serverMethods = msg.Methods
		if msg.PartialSuccess && c.current != nil {
			c.conn.Logf("[auth] %s partially succeeded; server wants %v",
				c.current.Name(), msg.Methods)
		}
		return c.tryNext()

	case *wire.UserauthBanner:
		if c.cfg.Banner != nil {
			c.cfg.Banner(msg.Message, msg.Language)
		}
		return nil

	case *wire.UserauthExtra:
		if c.current == nil {
			return fmt.Errorf("auth: method-specific message with no method in flight")
		}
		reply, err := c.current.HandleExtra(c.context(), msg)
		if err != nil {
			// The method cannot proceed (bad prompt, signing failure);
			// fall through to the next one.
			c.conn.Logf("[auth] %s aborted: %v", c.current.Name(), err)
			return c.tryNext()
		}
		if reply != nil {
			return c.conn.Send(reply)
		}
		return nil

	default:
		return fmt.Errorf("auth: unexpected %s", wire.TypeName(m.MessageType()))
	}
}

func (c *Client) context() *Context {
	return &Context{User: c.cfg.User, SessionID: c.conn.SessionID()}
}

// tryNext sends the next configured method the server accepts, or resolves
// the outcome as failed.
func (c *Client) tryNext() error {
	for len(c.remaining) > 0 {
		m := c.remaining[0]
		c.remaining = c.remaining[1:]
		if !c.serverAccepts(m.Name()) {
			c.conn.Logf("[auth] skipping %s (server does not accept it)", m.Name())
			continue
		}

		req, err := m.Request(c.context())
		if err != nil {
			c.conn.Logf("[auth] %s unavailable: %v", m.Name(), err)
			continue
		}
		c.current = m
		c.conn.Logf("[auth] trying method %s", m.Name())
		return c.conn.Send(req)
	}

	err := &ServerAuthError{Methods: c.serverMethods}
	c.outcome.TryFail(err)
	return nil
}

// serverAccepts reports whether the server's advertised list includes the
// method. Before any failure reveals the list, everything is eligible.
func (c *Client) serverAccepts(name string) bool {
	if c.serverMethods == nil {
		return true
	}
	for _, m := range c.serverMethods {
		if m == name {
			return true
		}
	}
	return false
}
