package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/smnsjas/go-sshcore/ciphersuite"
	"github.com/smnsjas/go-sshcore/session"
	"github.com/smnsjas/go-sshcore/wire"
)

// Server-side budget defaults.
const (
	DefaultMaxAttempts = 6
	DefaultMaxElapsed  = 2 * time.Minute
)

// ErrDenied is the conventional return of an authenticator that rejects
// the presented credential.
var ErrDenied = errors.New("auth: denied")

// PasswordAuthenticator checks a password credential.
type PasswordAuthenticator interface {
	AuthPassword(user string, password []byte) error
}

// PasswordAuthenticatorFunc adapts a function to PasswordAuthenticator.
type PasswordAuthenticatorFunc func(user string, password []byte) error

// AuthPassword calls f.
func (f PasswordAuthenticatorFunc) AuthPassword(user string, password []byte) error {
	return f(user, password)
}

// PublicKeyAuthenticator decides whether a key may authenticate a user.
// It is consulted for both the unsigned probe and the signed request; the
// signature itself is verified by the service.
type PublicKeyAuthenticator interface {
	AuthPublicKey(user string, key ciphersuite.PublicKey) error
}

// PublicKeyAuthenticatorFunc adapts a function to PublicKeyAuthenticator.
type PublicKeyAuthenticatorFunc func(user string, key ciphersuite.PublicKey) error

// AuthPublicKey calls f.
func (f PublicKeyAuthenticatorFunc) AuthPublicKey(user string, key ciphersuite.PublicKey) error {
	return f(user, key)
}

// KeyboardInteractiveChallenger runs one challenge round per attempt.
type KeyboardInteractiveChallenger interface {
	// Challenge produces the prompts for the user.
	Challenge(user string) (name, instruction string, prompts []Prompt, err error)
	// Verify checks the answers, in prompt order.
	Verify(user string, answers []string) error
}

// ServerConfig parameterizes the server side of ssh-userauth. A method is
// advertised exactly when its authenticator is non-nil.
type ServerConfig struct {
	Password            PasswordAuthenticator
	PublicKey           PublicKeyAuthenticator
	KeyboardInteractive KeyboardInteractiveChallenger

	// Required lists methods that must all pass (multi-factor). Empty
	// means any single configured method suffices.
	Required []string

	// MaxAttempts bounds failed attempts before the session is
	// disconnected. Zero means DefaultMaxAttempts.
	MaxAttempts int
	// MaxElapsed bounds the whole authentication phase. Zero means
	// DefaultMaxElapsed.
	MaxElapsed time.Duration

	// Banner is sent once when the service starts, if non-empty.
	Banner string

	// now is stubbed in tests.
	now func() time.Time
}

// withDefaults returns a copy with zero fields filled in.
func (c ServerConfig) withDefaults() ServerConfig {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxElapsed == 0 {
		c.MaxElapsed = DefaultMaxElapsed
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Server is the server-side userauth service.
type Server struct {
	cfg  ServerConfig
	conn session.Conn

	started  time.Time
	attempts int

	// user is the account of the attempt sequence in flight; a change of
	// user resets any partial multi-factor progress.
	user   string
	passed map[string]bool

	// kbUser is non-empty while a keyboard-interactive round awaits its
	// INFO_RESPONSE.
	kbUser string
}

// NewServer returns an unbound server service.
func NewServer(cfg ServerConfig) *Server {
	return &Server{cfg: cfg.withDefaults(), passed: make(map[string]bool)}
}

// Service is the session.ServiceFactory binding this server to a session.
func (s *Server) Service(conn session.Conn) session.Service {
	s.conn = conn
	return s
}

// Name returns the service name "ssh-userauth".
func (s *Server) Name() string { return session.ServiceUserauth }

// Start records the deadline and sends the banner, if any.
func (s *Server) Start() error {
	s.started = s.cfg.now()
	if s.cfg.Banner != "" {
		return s.conn.Send(&wire.UserauthBanner{Message: s.cfg.Banner})
	}
	return nil
}

// Close discards any in-flight attempt state.
func (s *Server) Close(error) {}

// Handle processes one userauth-range message.
func (s *Server) Handle(m wire.Message) error {
	if s.cfg.now().Sub(s.started) > s.cfg.MaxElapsed {
		return s.conn.Disconnect(wire.DisconnectNoMoreAuthMethods,
			"authentication timed out")
	}

	switch msg := m.(type) {
	case *wire.UserauthRequest:
		return s.handleRequest(msg)
	case *wire.UserauthExtra:
		if msg.Code == wire.MsgUserauthInfoResponse && s.kbUser != "" {
			return s.handleInfoResponse(msg)
		}
		return fmt.Errorf("auth: unexpected method-specific code %d", msg.Code)
	default:
		return fmt.Errorf("auth: unexpected %s", wire.TypeName(m.MessageType()))
	}
}

func (s *Server) handleRequest(req *wire.UserauthRequest) error {
	if req.Service != serviceConnection {
		return s.conn.Disconnect(wire.DisconnectServiceNotAvailable,
			fmt.Sprintf("service %q not available", req.Service))
	}
	if req.User != s.user {
		// A new user restarts any multi-factor progress.
		s.user = req.User
		s.passed = make(map[string]bool)
	}
	s.kbUser = ""

	switch req.Method {
	case MethodNone:
		// Probe; advertise what can continue without counting the
		// attempt.
		s.conn.Logf("[auth] none probe for %q", req.User)
		return s.sendFailure(false)

	case MethodPassword:
		return s.countAttempt(s.handlePassword(req))

	case MethodPublicKey:
		counted, err := s.handlePublicKey(req)
		if !counted {
			return err
		}
		return s.countAttempt(err)

	case MethodKeyboardInteractive:
		if s.cfg.KeyboardInteractive == nil {
			return s.countAttempt(ErrDenied)
		}
		name, instruction, prompts, err := s.cfg.KeyboardInteractive.Challenge(req.User)
		if err != nil {
			return s.countAttempt(fmt.Errorf("challenge: %w", err))
		}
		s.kbUser = req.User
		return s.conn.Send(&wire.UserauthExtra{
			Code:    wire.MsgUserauthInfoRequest,
			Payload: buildInfoRequest(name, instruction, prompts),
		})

	default:
		s.conn.Logf("[auth] unknown method %q for %q", req.Method, req.User)
		return s.countAttempt(ErrDenied)
	}
}

func (s *Server) handlePassword(req *wire.UserauthRequest) error {
	if s.cfg.Password == nil {
		return ErrDenied
	}
	r := wire.NewReader(req.Payload)
	change, err := r.Bool()
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if change {
		// Password change requests are not supported.
		return ErrDenied
	}
	password, err := r.String()
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := s.cfg.Password.AuthPassword(req.User, []byte(password)); err != nil {
		return err
	}
	return s.methodPassed(MethodPassword)
}

// handlePublicKey processes probe and signed requests. The probe path does
// not count as an attempt (counted=false) since it only asks whether a key
// would be acceptable.
func (s *Server) handlePublicKey(req *wire.UserauthRequest) (counted bool, err error) {
	if s.cfg.PublicKey == nil {
		return true, ErrDenied
	}
	r := wire.NewReader(req.Payload)
	signed, err := r.Bool()
	if err != nil {
		return true, fmt.Errorf("parse: %w", err)
	}
	algo, err := r.String()
	if err != nil {
		return true, fmt.Errorf("parse: %w", err)
	}
	blob, err := r.Bytes()
	if err != nil {
		return true, fmt.Errorf("parse: %w", err)
	}
	key, err := ciphersuite.ParsePublicKey(blob)
	if err != nil {
		return true, fmt.Errorf("parse key: %w", err)
	}
	if key.Algorithm() != algo {
		return true, fmt.Errorf("algorithm %q does not match key %q", algo, key.Algorithm())
	}

	if err := s.cfg.PublicKey.AuthPublicKey(req.User, key); err != nil {
		return true, err
	}

	if !signed {
		// Acceptable key; tell the client a signature is worth making.
		s.conn.Logf("[auth] PK_OK for %q (%s)", req.User, algo)
		return false, s.conn.Send(&wire.UserauthExtra{
			Code:    wire.MsgUserauthPubKeyOK,
			Payload: wire.NewWriter().String(algo).Bytes(blob).Out(),
		})
	}

	sig, err := r.Bytes()
	if err != nil {
		return true, fmt.Errorf("parse: %w", err)
	}
	data := SignedData(s.conn.SessionID(), req.User, algo, blob)
	if err := key.Verify(data, sig); err != nil {
		return true, fmt.Errorf("signature: %w", err)
	}
	return true, s.methodPassed(MethodPublicKey)
}

func (s *Server) handleInfoResponse(msg *wire.UserauthExtra) error {
	user := s.kbUser
	s.kbUser = ""
	answers, err := parseInfoResponse(msg.Payload)
	if err != nil {
		return err
	}
	if err := s.cfg.KeyboardInteractive.Verify(user, answers); err != nil {
		return s.countAttempt(err)
	}
	return s.countAttempt(s.methodPassed(MethodKeyboardInteractive))
}

// countAttempt translates a method outcome into the failure/disconnect
// bookkeeping. A nil error means the method already replied.
func (s *Server) countAttempt(err error) error {
	if err == nil {
		return nil
	}
	s.attempts++
	s.conn.Logf("[auth] attempt %d for %q failed: %v", s.attempts, s.user, err)
	if s.attempts >= s.cfg.MaxAttempts {
		return s.conn.Disconnect(wire.DisconnectNoMoreAuthMethods,
			"too many authentication failures")
	}
	return s.sendFailure(false)
}

// methodPassed records a passed method and either completes authentication
// or reports partial success with the factors still required.
func (s *Server) methodPassed(method string) error {
	s.passed[method] = true

	if remaining := s.remainingRequired(); len(remaining) > 0 {
		s.conn.Logf("[auth] %s passed for %q; still required: %v", method, s.user, remaining)
		return s.conn.Send(&wire.UserauthFailure{Methods: remaining, PartialSuccess: true})
	}

	s.conn.Logf("[auth] %q authenticated", s.user)
	if err := s.conn.Send(&wire.UserauthSuccess{}); err != nil {
		return err
	}
	s.conn.AuthStateChanged(true, s.user)
	return nil
}

// remainingRequired lists the multi-factor methods not yet passed.
func (s *Server) remainingRequired() []string {
	var remaining []string
	for _, m := range s.cfg.Required {
		if !s.passed[m] {
			remaining = append(remaining, m)
		}
	}
	return remaining
}

func (s *Server) sendFailure(partial bool) error {
	return s.conn.Send(&wire.UserauthFailure{Methods: s.available(), PartialSuccess: partial})
}

// available lists the methods that can continue: the unmet required set
// under a multi-factor policy, otherwise every configured method.
func (s *Server) available() []string {
	if len(s.cfg.Required) > 0 {
		return s.remainingRequired()
	}
	var methods []string
	if s.cfg.PublicKey != nil {
		methods = append(methods, MethodPublicKey)
	}
	if s.cfg.Password != nil {
		methods = append(methods, MethodPassword)
	}
	if s.cfg.KeyboardInteractive != nil {
		methods = append(methods, MethodKeyboardInteractive)
	}
	return methods
}
