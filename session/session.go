package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/smnsjas/go-sshcore/ciphersuite"
	"github.com/smnsjas/go-sshcore/kex"
	"github.com/smnsjas/go-sshcore/packet"
	"github.com/smnsjas/go-sshcore/wire"
)

var (
	// ErrInvalidState is returned when an operation is attempted in an
	// invalid session state.
	ErrInvalidState = errors.New("session: invalid state")
	// ErrClosed is returned when an operation is attempted on a closed
	// session.
	ErrClosed = errors.New("session: closed")
	// ErrProtocolViolation is returned when the peer violates the
	// protocol. Always fatal.
	ErrProtocolViolation = errors.New("session: protocol violation")
	// ErrNoService is returned when no factory is registered for a
	// requested service name.
	ErrNoService = errors.New("session: unknown service")
)

// Standard service names.
const (
	ServiceUserauth   = "ssh-userauth"
	ServiceConnection = "ssh-connection"
)

// DisconnectError is the terminal error of a session ended by an
// SSH_MSG_DISCONNECT, local or remote.
type DisconnectError struct {
	Reason  uint32
	Message string
	Remote  bool
}

func (e *DisconnectError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("session: %s disconnect (reason %d): %s", side, e.Reason, e.Message)
}

// State represents the current state of a Session.
type State int

const (
	// StateVersionExchange is the initial state; identification strings
	// are being swapped.
	StateVersionExchange State = iota
	// StateKeyExchange means a key exchange is in flight, initial or
	// re-key.
	StateKeyExchange
	// StateServiceRequest means the transport is keyed and the userauth
	// service is being requested.
	StateServiceRequest
	// StateAuthenticating means the userauth service is active.
	StateAuthenticating
	// StateConnected means authentication succeeded and the connection
	// service is active.
	StateConnected
	// StateClosed is terminal.
	StateClosed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateVersionExchange:
		return "VersionExchange"
	case StateKeyExchange:
		return "KeyExchange"
	case StateServiceRequest:
		return "ServiceRequest"
	case StateAuthenticating:
		return "Authenticating"
	case StateConnected:
		return "Connected"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Logger is an optional interface for debug logging.
// If not set, no logging is performed.
type Logger interface {
	// Printf formats and logs a debug message.
	Printf(format string, v ...interface{})
}

// EventType identifies a lifecycle event.
type EventType int

const (
	// EventCreated fires when the session object is constructed.
	EventCreated EventType = iota
	// EventKexCompleted fires after every completed key exchange.
	EventKexCompleted
	// EventAuthChanged fires when the authentication state changes.
	EventAuthChanged
	// EventClosed fires exactly once when the session closes.
	EventClosed
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "Created"
	case EventKexCompleted:
		return "KexCompleted"
	case EventAuthChanged:
		return "AuthChanged"
	case EventClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// Event is a lifecycle notification.
type Event struct {
	Type      EventType
	SessionID uuid.UUID

	// KexResult is set on EventKexCompleted.
	KexResult *kex.Result
	// Authenticated and User are set on EventAuthChanged.
	Authenticated bool
	User          string
	// Err is set on EventClosed when the session ended abnormally.
	Err error
}

// Listener receives lifecycle events. Listeners run on the dispatch
// goroutine and must not block.
type Listener func(Event)

// Conn is the slice of the session a service sees. Services send messages,
// log, and report authentication outcomes through it; they never touch the
// packet codec directly.
type Conn interface {
	// Send marshals and writes one message. During a re-key, messages
	// with codes >= 50 are queued and flushed once new keys are
	// installed.
	Send(m wire.Message) error
	// Disconnect sends SSH_MSG_DISCONNECT and closes the session.
	Disconnect(reason uint32, message string) error
	// Role reports which side of the connection this is.
	Role() kex.Role
	// SessionID returns the permanent session identifier. Valid after
	// the first key exchange.
	SessionID() []byte
	// AuthStateChanged reports an authentication outcome. The userauth
	// service calls it with true exactly once on success; the session
	// then activates the connection service.
	AuthStateChanged(authenticated bool, user string)
	// Logf logs a debug message if a logger is configured.
	Logf(format string, v ...interface{})
}

// Service is one sub-protocol (ssh-userauth, ssh-connection). The session
// dispatches the service's message range to Handle sequentially.
type Service interface {
	Name() string
	// Start is called once when the service becomes active.
	Start() error
	// Handle processes one inbound message from the service's range.
	Handle(m wire.Message) error
	// Close tears the service down; err is nil on clean session close.
	Close(err error)
}

// ServiceFactory builds a service bound to a session.
type ServiceFactory func(conn Conn) Service

// Config parameterizes a Session.
type Config struct {
	Role     kex.Role
	Registry *ciphersuite.Registry

	// Version is the software version identifier placed after "SSH-2.0-".
	// Default "sshcore_0.1".
	Version string

	// Signers holds the server host keys. Server role only.
	Signers []ciphersuite.Signer

	// Verifier judges the server host key. Client role only.
	Verifier kex.HostKeyVerifier

	// HostKeyAlgos restricts the host key algorithms offered (client).
	HostKeyAlgos []string

	// Services maps service names to factories. The userauth factory is
	// required; the connection factory is activated after authentication.
	Services map[string]ServiceFactory

	// MaxPacket bounds inbound packet lengths. Zero means the packet
	// codec default.
	MaxPacket uint32

	// RekeyPolicy triggers automatic re-keys by traffic volume.
	RekeyPolicy kex.Policy

	// Rand supplies cookies, padding and ephemeral keys. Nil means
	// crypto/rand.
	Rand io.Reader
}

// withDefaults returns a copy with zero fields filled in.
func (c Config) withDefaults() Config {
	if c.Version == "" {
		c.Version = "sshcore_0.1"
	}
	if c.Registry == nil {
		c.Registry = ciphersuite.Default()
	}
	return c
}

// Session is one SSH connection endpoint.
type Session struct {
	mu sync.Mutex

	id        uuid.UUID
	cfg       Config
	state     State
	transport io.ReadWriteCloser
	codec     *packet.Codec

	br *bufio.Reader

	localVersion string
	peerVersion  string
	sessionID    []byte

	// engine is non-nil while a key exchange is in flight.
	engine      *kex.Engine
	pendingKeys *kex.Keys
	resumeState State
	// deferred holds inbound post-auth messages received during a
	// re-key, in arrival order.
	deferred []wire.Message
	// outDeferred holds outbound post-auth messages queued during a
	// re-key.
	outDeferred []wire.Message
	// flushingOut is true from NEWKEYS completion until outDeferred has
	// drained; Send keeps deferring so a fresh packet cannot overtake a
	// queued one.
	flushingOut bool
	// trafficPackets/trafficBytes are the codec counters at the last
	// completed exchange; the re-key policy sees the delta.
	trafficPackets uint64
	trafficBytes   uint64

	active        Service
	authenticated bool
	user          string

	listeners []Listener
	logger    Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	doneCh    chan struct{}
}

// New creates a session over the given byte transport. The session starts
// in StateVersionExchange; nothing is written until Open.
func New(transport io.ReadWriteCloser, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if transport == nil {
		return nil, errors.New("session: nil transport")
	}
	if cfg.Services == nil || cfg.Services[ServiceUserauth] == nil {
		return nil, fmt.Errorf("%w: %s factory required", ErrNoService, ServiceUserauth)
	}
	if cfg.Role == kex.RoleServer && len(cfg.Signers) == 0 {
		return nil, errors.New("session: server requires at least one host key signer")
	}
	if cfg.Role == kex.RoleClient && cfg.Verifier == nil {
		return nil, errors.New("session: client requires a host key verifier")
	}

	s := &Session{
		id:        uuid.New(),
		cfg:       cfg,
		state:     StateVersionExchange,
		transport: transport,
		br:        bufio.NewReader(transport),
		doneCh:    make(chan struct{}),
	}
	s.emit(Event{Type: EventCreated, SessionID: s.id})
	return s, nil
}

// ID returns the unique identifier of the session (local, not the wire
// session id).
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current state of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role reports which side of the connection this is.
func (s *Session) Role() kex.Role { return s.cfg.Role }

// SessionID returns the permanent wire session identifier, nil before the
// first key exchange completes.
func (s *Session) SessionID() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Authenticated reports whether authentication has succeeded.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Service returns the currently active sub-protocol service.
func (s *Session) Service() Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Done returns a channel closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Err returns the error the session closed with, nil for a clean close or
// while still open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// OnEvent registers a lifecycle listener. Must be called before Open to
// observe every event.
func (s *Session) OnEvent(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// SetLogger sets the logger for debug logging.
// This is optional - if not set, no logging is performed.
func (s *Session) SetLogger(logger Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Open performs the version exchange, the initial key exchange and the
// userauth service request, then starts the dispatch loop. On the client
// the userauth service begins authenticating immediately; await its
// outcome through the service's own API.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateVersionExchange {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot open from state %s", ErrInvalidState, state)
	}
	s.mu.Unlock()

	if err := s.exchangeVersions(); err != nil {
		s.teardown(err)
		return err
	}

	s.codec = packet.NewCodec(rwPair{r: s.br, w: s.transport}, packet.Config{
		MaxPacket: s.cfg.MaxPacket,
		Rand:      s.cfg.Rand,
	})

	if err := ctx.Err(); err != nil {
		s.teardown(err)
		return err
	}

	s.mu.Lock()
	s.state = StateKeyExchange
	s.resumeState = StateServiceRequest
	s.mu.Unlock()
	if err := s.startKex(); err != nil {
		s.teardown(err)
		return err
	}
	if err := s.runUntil(func() bool { return s.State() != StateKeyExchange }); err != nil {
		s.teardown(err)
		return err
	}

	if err := s.requestUserauth(); err != nil {
		s.teardown(err)
		return err
	}

	go s.dispatchLoop()
	return nil
}

// rwPair joins the buffered reader with the raw transport writer so the
// codec and the version exchange share one read buffer.
type rwPair struct {
	r io.Reader
	w io.Writer
}

func (p rwPair) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p rwPair) Write(b []byte) (int, error) { return p.w.Write(b) }

// exchangeVersions writes the local identification string and reads the
// peer's. A client tolerates pre-version banner lines from the server;
// a server requires the version line first.
func (s *Session) exchangeVersions() error {
	s.localVersion = "SSH-2.0-" + s.cfg.Version
	if _, err := s.transport.Write([]byte(s.localVersion + "\r\n")); err != nil {
		return fmt.Errorf("session: write version: %w", err)
	}

	const maxBannerLines = 64
	for i := 0; i < maxBannerLines; i++ {
		line, err := readVersionLine(s.br)
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, "SSH-") {
			if !strings.HasPrefix(line, "SSH-2.0-") && !strings.HasPrefix(line, "SSH-1.99-") {
				return fmt.Errorf("%w: unsupported protocol version %q", ErrProtocolViolation, line)
			}
			s.peerVersion = line
			s.logf("[session] peer version %q", line)
			return nil
		}
		if s.cfg.Role == kex.RoleServer {
			return fmt.Errorf("%w: data before version string", ErrProtocolViolation)
		}
		// Pre-version banner line from the server; ignored.
	}
	return fmt.Errorf("%w: no version string in first %d lines", ErrProtocolViolation, maxBannerLines)
}

// readVersionLine reads one CR/LF terminated line of at most 255 bytes.
func readVersionLine(br *bufio.Reader) (string, error) {
	const maxLine = 255
	var line []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", fmt.Errorf("session: read version: %w", err)
		}
		if b == '\n' {
			return string(line), nil
		}
		if b == '\r' {
			continue
		}
		if len(line) == maxLine {
			return "", fmt.Errorf("%w: version line too long", ErrProtocolViolation)
		}
		line = append(line, b)
	}
}

// clientVersion/serverVersion orient the identification strings for the
// exchange hash regardless of role.
func (s *Session) clientVersion() string {
	if s.cfg.Role == kex.RoleClient {
		return s.localVersion
	}
	return s.peerVersion
}

func (s *Session) serverVersion() string {
	if s.cfg.Role == kex.RoleClient {
		return s.peerVersion
	}
	return s.localVersion
}

// startKex creates a fresh engine and sends our KEXINIT. The caller
// must have set state to StateKeyExchange and resumeState appropriately.
func (s *Session) startKex() error {
	s.mu.Lock()
	s.engine = kex.NewEngine(kex.Config{
		Role:          s.cfg.Role,
		Registry:      s.cfg.Registry,
		ClientVersion: s.clientVersion(),
		ServerVersion: s.serverVersion(),
		Signers:       s.cfg.Signers,
		HostKeyAlgos:  s.cfg.HostKeyAlgos,
		Verifier:      s.cfg.Verifier,
		SessionID:     s.sessionID,
		Rand:          s.cfg.Rand,
	})
	engine := s.engine
	s.mu.Unlock()

	init, err := engine.OwnInit()
	if err != nil {
		return err
	}
	return s.writeMessage(init)
}

// RequestRekey starts a re-key from the Connected state. The session stays
// usable; post-auth traffic is deferred until new keys are installed.
func (s *Session) RequestRekey() error {
	s.mu.Lock()
	if s.state != StateConnected && s.state != StateAuthenticating {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot re-key from state %s", ErrInvalidState, state)
	}
	if s.engine != nil {
		s.mu.Unlock()
		return nil // already re-keying
	}
	s.resumeState = s.state
	s.state = StateKeyExchange
	s.mu.Unlock()
	return s.startKex()
}

// requestUserauth performs the SERVICE_REQUEST phase and activates the
// userauth service.
func (s *Session) requestUserauth() error {
	s.mu.Lock()
	s.state = StateServiceRequest
	s.mu.Unlock()

	if s.cfg.Role == kex.RoleClient {
		if err := s.writeMessage(&wire.ServiceRequest{Name: ServiceUserauth}); err != nil {
			return err
		}
		for {
			m, err := s.readMessage()
			if err != nil {
				return err
			}
			switch msg := m.(type) {
			case *wire.ServiceAccept:
				if msg.Name != ServiceUserauth {
					return fmt.Errorf("%w: service accept for %q", ErrProtocolViolation, msg.Name)
				}
				return s.activateService(ServiceUserauth, StateAuthenticating)
			case *wire.Ignore:
			case *wire.Debug:
				s.logf("[session] peer debug: %s", msg.Message)
			case *wire.Disconnect:
				return s.remoteDisconnect(msg)
			default:
				return fmt.Errorf("%w: %s during service request", ErrProtocolViolation,
					wire.TypeName(m.MessageType()))
			}
		}
	}

	// Server: wait for the client's SERVICE_REQUEST.
	for {
		m, err := s.readMessage()
		if err != nil {
			return err
		}
		switch msg := m.(type) {
		case *wire.ServiceRequest:
			if msg.Name != ServiceUserauth {
				_ = s.Disconnect(wire.DisconnectServiceNotAvailable,
					fmt.Sprintf("service %q not available", msg.Name))
				return fmt.Errorf("%w: service request for %q", ErrProtocolViolation, msg.Name)
			}
			if err := s.writeMessage(&wire.ServiceAccept{Name: ServiceUserauth}); err != nil {
				return err
			}
			return s.activateService(ServiceUserauth, StateAuthenticating)
		case *wire.Ignore:
		case *wire.Debug:
			s.logf("[session] peer debug: %s", msg.Message)
		case *wire.Disconnect:
			return s.remoteDisconnect(msg)
		default:
			return fmt.Errorf("%w: %s during service request", ErrProtocolViolation,
				wire.TypeName(m.MessageType()))
		}
	}
}

// activateService swaps in the named service, closing the previous one.
// Exactly one service is active at a time.
func (s *Session) activateService(name string, next State) error {
	factory := s.cfg.Services[name]
	if factory == nil {
		return fmt.Errorf("%w: %s", ErrNoService, name)
	}

	s.mu.Lock()
	prev := s.active
	svc := factory(conn{s})
	s.active = svc
	s.state = next
	s.mu.Unlock()

	if prev != nil {
		prev.Close(nil)
	}
	s.logf("[session] service %s active", name)
	return svc.Start()
}

// conn restricts the session surface handed to services.
type conn struct{ s *Session }

func (c conn) Send(m wire.Message) error            { return c.s.Send(m) }
func (c conn) Role() kex.Role                       { return c.s.cfg.Role }
func (c conn) SessionID() []byte                    { return c.s.SessionID() }
func (c conn) Logf(format string, v ...interface{}) { c.s.logf(format, v...) }

func (c conn) Disconnect(reason uint32, message string) error {
	return c.s.Disconnect(reason, message)
}

func (c conn) AuthStateChanged(authenticated bool, user string) {
	c.s.authStateChanged(authenticated, user)
}

func (s *Session) authStateChanged(authenticated bool, user string) {
	s.mu.Lock()
	s.authenticated = authenticated
	s.user = user
	s.mu.Unlock()
	s.emit(Event{Type: EventAuthChanged, SessionID: s.id, Authenticated: authenticated, User: user})

	if authenticated {
		if err := s.activateService(ServiceConnection, StateConnected); err != nil {
			s.teardown(err)
		}
	}
}

// Send marshals and writes one message, deferring post-auth codes while a
// re-key is in flight.
func (s *Session) Send(m wire.Message) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if (s.engine != nil || s.flushingOut) && m.MessageType() >= wire.MsgUserauthRequest {
		s.outDeferred = append(s.outDeferred, m)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.writeMessage(m)
}

func (s *Session) writeMessage(m wire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.codec == nil {
		return ErrClosed
	}
	return s.codecWrite(m)
}

// codecWrite writes without taking writeMu; callers hold it.
func (s *Session) codecWrite(m wire.Message) error {
	if err := s.codec.WritePacket(m.Marshal()); err != nil {
		return fmt.Errorf("session: write %s: %w", wire.TypeName(m.MessageType()), err)
	}
	return nil
}

// Disconnect sends SSH_MSG_DISCONNECT with the given reason and closes the
// session. The disconnect message is best-effort; the session closes
// regardless.
func (s *Session) Disconnect(reason uint32, message string) error {
	err := &DisconnectError{Reason: reason, Message: message}
	if s.State() != StateClosed {
		_ = s.writeMessage(&wire.Disconnect{Reason: reason, Message: message})
	}
	s.teardown(err)
	return nil
}

// Close closes the session. A nil err is a clean local close; Close is
// idempotent and concurrent-safe.
func (s *Session) Close(err error) {
	s.teardown(err)
}

// teardown refuses new work, fails the active service and releases the
// stream, exactly once.
func (s *Session) teardown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.closeErr = err
		active := s.active
		s.active = nil
		s.mu.Unlock()

		if active != nil {
			active.Close(err)
		}
		_ = s.transport.Close()
		s.emit(Event{Type: EventClosed, SessionID: s.id, Err: err})
		close(s.doneCh)
		if err != nil {
			s.logf("[session] closed: %v", err)
		} else {
			s.logf("[session] closed")
		}
	})
}

func (s *Session) remoteDisconnect(m *wire.Disconnect) error {
	err := &DisconnectError{Reason: m.Reason, Message: m.Message, Remote: true}
	s.teardown(err)
	return err
}

// readMessage reads and decodes one packet. Unknown codes are answered
// with SSH_MSG_UNIMPLEMENTED and skipped.
func (s *Session) readMessage() (wire.Message, error) {
	for {
		payload, err := s.codec.ReadPacket()
		if err != nil {
			return nil, err
		}
		seq := s.codec.ReadSeq() - 1
		m, err := wire.Decode(payload)
		if errors.Is(err, wire.ErrUnknownMessage) {
			s.logf("[session] unknown message code, replying UNIMPLEMENTED seq=%d", seq)
			if werr := s.writeMessage(&wire.Unimplemented{Sequence: seq}); werr != nil {
				return nil, werr
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		return m, nil
	}
}

// runUntil dispatches inbound messages synchronously until stop reports
// true. Used to drive the initial key exchange inside Open.
func (s *Session) runUntil(stop func() bool) error {
	for !stop() {
		m, err := s.readMessage()
		if err != nil {
			return err
		}
		if err := s.dispatch(m); err != nil {
			return err
		}
	}
	return nil
}

// dispatchLoop processes incoming messages until the session closes.
func (s *Session) dispatchLoop() {
	for {
		m, err := s.readMessage()
		if err != nil {
			if s.State() == StateClosed {
				return
			}
			s.teardown(err)
			return
		}
		if err := s.dispatch(m); err != nil {
			s.teardown(err)
			return
		}
		if s.State() == StateClosed {
			return
		}
		s.maybeRekey()
	}
}

// maybeRekey starts a traffic-policy re-key when due.
func (s *Session) maybeRekey() {
	s.mu.Lock()
	if s.state != StateConnected || s.engine != nil {
		s.mu.Unlock()
		return
	}
	packets, bytes := s.codec.Traffic()
	due := s.cfg.RekeyPolicy.Due(packets-s.trafficPackets, bytes-s.trafficBytes)
	if !due {
		s.mu.Unlock()
		return
	}
	s.resumeState = s.state
	s.state = StateKeyExchange
	s.mu.Unlock()

	s.logf("[session] traffic policy re-key")
	if err := s.startKex(); err != nil {
		s.teardown(err)
	}
}

// dispatch routes one inbound message according to the current state.
func (s *Session) dispatch(m wire.Message) error {
	code := m.MessageType()

	// Transport-generic messages are legal in every state.
	switch msg := m.(type) {
	case *wire.Disconnect:
		return s.remoteDisconnect(msg)
	case *wire.Ignore:
		return nil
	case *wire.Debug:
		s.logf("[session] peer debug: %s", msg.Message)
		return nil
	case *wire.Unimplemented:
		s.logf("[session] peer reports unimplemented for seq=%d", msg.Sequence)
		return nil
	}

	s.mu.Lock()
	engine := s.engine
	state := s.state
	s.mu.Unlock()

	// Kex messages route to the engine whenever one is active, and a
	// peer KEXINIT in an established session starts a re-key.
	if engine == nil && code == wire.MsgKexInit {
		if state != StateConnected && state != StateAuthenticating {
			return fmt.Errorf("%w: KEXINIT in state %s", ErrProtocolViolation, state)
		}
		s.mu.Lock()
		s.resumeState = state
		s.state = StateKeyExchange
		s.mu.Unlock()
		if err := s.startKex(); err != nil {
			return err
		}
		s.mu.Lock()
		engine = s.engine
		s.mu.Unlock()
	}
	if engine != nil && isKexCode(code) {
		return s.handleKexMessage(engine, m)
	}

	if engine != nil && code >= wire.MsgUserauthRequest {
		// Deferred, not dropped; replayed in order after the re-key.
		s.mu.Lock()
		s.deferred = append(s.deferred, m)
		s.mu.Unlock()
		return nil
	}

	switch {
	case code >= wire.MsgUserauthRequest && code < wire.MsgGlobalRequest:
		if state != StateAuthenticating {
			return fmt.Errorf("%w: %s in state %s", ErrProtocolViolation,
				wire.TypeName(code), state)
		}
	case code >= wire.MsgGlobalRequest:
		if state != StateConnected {
			return fmt.Errorf("%w: %s in state %s", ErrProtocolViolation,
				wire.TypeName(code), state)
		}
	default:
		return fmt.Errorf("%w: unexpected %s in state %s", ErrProtocolViolation,
			wire.TypeName(code), state)
	}

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return fmt.Errorf("%w: %s with no active service", ErrProtocolViolation, wire.TypeName(code))
	}
	return active.Handle(m)
}

func isKexCode(code byte) bool {
	return code == wire.MsgKexInit || code == wire.MsgNewKeys ||
		(code >= 30 && code <= 49)
}

// handleKexMessage advances the active exchange by one peer message.
func (s *Session) handleKexMessage(engine *kex.Engine, m wire.Message) error {
	switch msg := m.(type) {
	case *wire.KexInit:
		if err := engine.PeerInit(msg); err != nil {
			return err
		}
		if s.cfg.Role == kex.RoleClient {
			init, err := engine.Start()
			if err != nil {
				return err
			}
			return s.writeMessage(init)
		}
		return nil

	case *wire.KexECDHInit:
		reply, err := engine.Reply(msg)
		if err != nil {
			return err
		}
		if err := s.sendNewKeys(engine, reply); err != nil {
			return err
		}
		return s.maybeFinishKex(engine)

	case *wire.KexECDHReply:
		if err := engine.Finish(msg); err != nil {
			return err
		}
		if err := s.sendNewKeys(engine, nil); err != nil {
			return err
		}
		return s.maybeFinishKex(engine)

	case *wire.NewKeys:
		keys := engine.Keys()
		if keys == nil {
			return fmt.Errorf("%w: NEWKEYS before key derivation", ErrProtocolViolation)
		}
		s.codec.InstallReadState(keys.Read)
		engine.NewKeysReceived()
		return s.maybeFinishKex(engine)

	default:
		return fmt.Errorf("%w: %s during key exchange", ErrProtocolViolation,
			wire.TypeName(m.MessageType()))
	}
}

// sendNewKeys writes an optional preceding message and NEWKEYS, then
// switches the outbound keys. The write lock spans all of it so no other
// packet can slip between NEWKEYS and the key switch.
func (s *Session) sendNewKeys(engine *kex.Engine, before wire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if before != nil {
		if err := s.codecWrite(before); err != nil {
			return err
		}
	}
	if err := s.codecWrite(&wire.NewKeys{}); err != nil {
		return err
	}
	s.codec.InstallWriteState(engine.Keys().Write)
	engine.NewKeysSent()
	return nil
}

// maybeFinishKex completes the exchange once both NEWKEYS have passed:
// fixes the session id, resumes the pre-kex state, replays deferred
// traffic in order and flushes queued sends.
func (s *Session) maybeFinishKex(engine *kex.Engine) error {
	if engine.State() != kex.NewKeysInstalled {
		return nil
	}
	keys := engine.Keys()

	s.mu.Lock()
	if s.sessionID == nil {
		s.sessionID = keys.SessionID
	}
	s.engine = nil
	s.state = s.resumeState
	s.trafficPackets, s.trafficBytes = s.codec.Traffic()
	inbound := s.deferred
	s.deferred = nil
	s.flushingOut = true
	s.mu.Unlock()

	s.logf("[session] key exchange complete: %s / %s", keys.Result.Kex, keys.Result.CipherC2S)
	s.emit(Event{Type: EventKexCompleted, SessionID: s.id, KexResult: keys.Result})

	if err := s.flushDeferredSends(); err != nil {
		return err
	}
	for _, m := range inbound {
		if err := s.dispatch(m); err != nil {
			return err
		}
	}
	return nil
}

// flushDeferredSends drains the outbound deferral queue under the write
// lock. Send appends to the queue until flushingOut drops, and the flag
// only drops once the queue is empty, so wire order matches queue order.
// A re-key started mid-flush leaves the remainder queued for the next
// completion.
func (s *Session) flushDeferredSends() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for {
		s.mu.Lock()
		if s.engine != nil || len(s.outDeferred) == 0 {
			s.flushingOut = false
			s.mu.Unlock()
			return nil
		}
		batch := s.outDeferred
		s.outDeferred = nil
		s.mu.Unlock()

		for _, m := range batch {
			if err := s.codecWrite(m); err != nil {
				return err
			}
		}
	}
}

func (s *Session) emit(e Event) {
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, l := range listeners {
		l(e)
	}
}

// logf logs a debug message if a logger is configured.
func (s *Session) logf(format string, v ...interface{}) {
	s.mu.Lock()
	logger := s.logger
	s.mu.Unlock()
	if logger != nil {
		logger.Printf(format, v...)
	}
}
