package connection

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smnsjas/go-sshcore/future"
	"github.com/smnsjas/go-sshcore/session"
	"github.com/smnsjas/go-sshcore/wire"
)

// Flow-control and request-name defaults.
const (
	DefaultWindowSize = 2 << 20  // 2 MiB initial window per channel
	DefaultMaxPacket  = 32 << 10 // 32 KiB largest data message

	// KeepaliveRequest is the want-reply global request used as a liveness
	// ping. Either reply, success or failure, proves the peer is there.
	KeepaliveRequest = "keepalive@sshcore"
	// NoMoreSessionsRequest tells a server to reject further session
	// channel opens.
	NoMoreSessionsRequest = "no-more-sessions@openssh.com"

	sessionChannelType = "session"
)

var (
	// ErrOpenFailed is the base error of every rejected channel open.
	ErrOpenFailed = errors.New("connection: channel open failed")
	// ErrRequestDenied reports a global request answered with failure.
	ErrRequestDenied = errors.New("connection: request denied")
	// ErrUnknownChannel reports a channel-scoped message for an id not in
	// the table. Fatal: ids are peer-supplied and must be valid.
	ErrUnknownChannel = errors.New("connection: unknown channel id")
)

// OpenChannelError carries the peer's rejection of a channel open.
type OpenChannelError struct {
	Reason  uint32
	Message string
}

func (e *OpenChannelError) Error() string {
	return fmt.Sprintf("connection: open rejected (reason %d): %s", e.Reason, e.Message)
}

func (e *OpenChannelError) Unwrap() error { return ErrOpenFailed }

// Acceptor validates a remotely initiated channel open of one type. The
// channel is registered and confirmed when it returns nil; returning an
// *OpenChannelError rejects with that reason, any other error rejects with
// "administratively prohibited".
type Acceptor func(ch *Channel, extra []byte) error

// GlobalHandler serves one global request name. The returned payload goes
// into the success reply when the request wants one; an error replies
// failure.
type GlobalHandler func(payload []byte) ([]byte, error)

// Config parameterizes the connection service.
type Config struct {
	// Acceptors maps channel types to validators for remotely initiated
	// opens. Types without an acceptor are rejected as unknown.
	Acceptors map[string]Acceptor
	// GlobalHandlers maps global request names to handlers, e.g.
	// "tcpip-forward". Unknown names with want-reply set get an explicit
	// failure reply.
	GlobalHandlers map[string]GlobalHandler

	// WindowSize is the initial window advertised per channel. Zero means
	// DefaultWindowSize.
	WindowSize uint32
	// MaxPacket is the largest data message advertised per channel. Zero
	// means DefaultMaxPacket.
	MaxPacket uint32
}

// withDefaults returns a copy with zero fields filled in.
func (c Config) withDefaults() Config {
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.MaxPacket == 0 {
		c.MaxPacket = DefaultMaxPacket
	}
	return c
}

// Service is the ssh-connection service: the channel table and the global
// request dispatcher.
type Service struct {
	cfg  Config
	conn session.Conn

	mu       sync.Mutex
	channels map[uint32]*Channel
	nextID   uint32
	// pendingOpens maps local ids of half-open channels to their futures.
	pendingOpens map[uint32]*future.Future[*Channel]
	// pendingGlobals holds outcomes of sent want-reply global requests, in
	// send order.
	pendingGlobals []*future.Future[[]byte]
	noMoreSessions bool
	closed         bool
}

// New returns an unbound connection service.
func New(cfg Config) *Service {
	return &Service{
		cfg:          cfg.withDefaults(),
		channels:     make(map[uint32]*Channel),
		pendingOpens: make(map[uint32]*future.Future[*Channel]),
	}
}

// Service is the session.ServiceFactory binding this service to a session.
func (s *Service) Service(conn session.Conn) session.Service {
	s.conn = conn
	return s
}

// Name returns the service name "ssh-connection".
func (s *Service) Name() string { return session.ServiceConnection }

// Start is a no-op; channels open on demand.
func (s *Service) Start() error { return nil }

// Close tears the service down: new opens are refused, pending futures fail
// with the cause, every channel's I/O unblocks with an error.
func (s *Service) Close(err error) {
	if err == nil {
		err = session.ErrClosed
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	opens := s.pendingOpens
	s.pendingOpens = make(map[uint32]*future.Future[*Channel])
	globals := s.pendingGlobals
	s.pendingGlobals = nil
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[uint32]*Channel)
	s.mu.Unlock()

	for _, fut := range opens {
		fut.TryFail(err)
	}
	for _, fut := range globals {
		fut.TryFail(err)
	}
	for _, ch := range channels {
		ch.kill(err)
	}
}

// OpenChannel sends a channel open and returns a future resolving to the
// open channel, or failing with the peer's OpenChannelError.
func (s *Service) OpenChannel(chanType string, extra []byte) (*future.Future[*Channel], error) {
	fut, _, err := s.openChannel(chanType, extra)
	return fut, err
}

func (s *Service) openChannel(chanType string, extra []byte) (*future.Future[*Channel], uint32, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, 0, session.ErrClosed
	}
	id := s.nextID
	s.nextID++
	ch := newChannel(s, chanType, id, s.cfg.WindowSize)
	fut := future.New[*Channel]()
	s.channels[id] = ch
	s.pendingOpens[id] = fut
	s.mu.Unlock()

	err := s.conn.Send(&wire.ChannelOpen{
		Type:          chanType,
		SenderID:      id,
		InitialWindow: s.cfg.WindowSize,
		MaxPacket:     s.cfg.MaxPacket,
		Payload:       extra,
	})
	if err != nil {
		s.abandonOpen(id)
		fut.TryFail(err)
		return nil, 0, err
	}
	s.conn.Logf("[conn] opening %s channel (local id %d)", chanType, id)
	return fut, id, nil
}

// OpenChannelTimeout opens a channel and waits at most d for the peer's
// answer. On timeout the half-open entry is removed; a late confirmation
// for it is answered with a close.
func (s *Service) OpenChannelTimeout(chanType string, extra []byte, d time.Duration) (*Channel, error) {
	fut, id, err := s.openChannel(chanType, extra)
	if err != nil {
		return nil, err
	}
	ch, err := fut.AwaitTimeout(d)
	if err != nil {
		if errors.Is(err, future.ErrTimeout) {
			s.abandonOpen(id)
		}
		return nil, err
	}
	return ch, nil
}

// abandonOpen drops a half-open entry, by local id.
func (s *Service) abandonOpen(id uint32) {
	s.mu.Lock()
	delete(s.pendingOpens, id)
	delete(s.channels, id)
	s.mu.Unlock()
}

// Request sends a global request. With wantReply the returned future
// resolves to the success reply payload or fails with ErrRequestDenied;
// without, it is nil.
func (s *Service) Request(name string, wantReply bool, payload []byte) (*future.Future[[]byte], error) {
	var fut *future.Future[[]byte]
	if wantReply {
		fut = future.New[[]byte]()
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, session.ErrClosed
		}
		s.pendingGlobals = append(s.pendingGlobals, fut)
		s.mu.Unlock()
	}
	err := s.conn.Send(&wire.GlobalRequest{Name: name, WantReply: wantReply, Payload: payload})
	if err != nil && fut != nil {
		fut.TryFail(err)
	}
	return fut, err
}

// Keepalive pings the peer with a want-reply request and waits at most d.
// Either reply proves liveness; only a timeout or send error is reported.
func (s *Service) Keepalive(d time.Duration) error {
	fut, err := s.Request(KeepaliveRequest, true, nil)
	if err != nil {
		return err
	}
	if _, err := fut.AwaitTimeout(d); err != nil && !errors.Is(err, ErrRequestDenied) {
		return err
	}
	return nil
}

// NoMoreSessions tells the peer to reject further session channel opens.
func (s *Service) NoMoreSessions() error {
	_, err := s.Request(NoMoreSessionsRequest, false, nil)
	return err
}

// Handle processes one connection-range message.
func (s *Service) Handle(m wire.Message) error {
	switch msg := m.(type) {
	case *wire.ChannelOpen:
		return s.handleOpen(msg)
	case *wire.ChannelOpenConfirm:
		return s.handleOpenConfirm(msg)
	case *wire.ChannelOpenFailure:
		return s.handleOpenFailure(msg)
	case *wire.ChannelWindowAdjust:
		ch, err := s.lookup(msg.RecipientID)
		if err != nil {
			return err
		}
		ch.addWindow(msg.Delta)
		return nil
	case *wire.ChannelData:
		return s.handleData(msg.RecipientID, msg.Data, false)
	case *wire.ChannelExtendedData:
		if msg.Code != wire.ExtendedDataStderr {
			// Only stderr is defined; anything else is discarded but
			// still charged against the window.
			s.conn.Logf("[conn] discarding extended data code %d on channel %d",
				msg.Code, msg.RecipientID)
		}
		return s.handleData(msg.RecipientID, msg.Data, true)
	case *wire.ChannelEOF:
		ch, err := s.lookup(msg.RecipientID)
		if err != nil {
			return err
		}
		ch.peerEOF()
		return nil
	case *wire.ChannelClose:
		return s.handleClose(msg)
	case *wire.ChannelRequest:
		return s.handleChannelRequest(msg)
	case *wire.ChannelSuccess:
		return s.handleReply(msg.RecipientID, true)
	case *wire.ChannelFailure:
		return s.handleReply(msg.RecipientID, false)
	case *wire.GlobalRequest:
		return s.handleGlobalRequest(msg)
	case *wire.RequestSuccess:
		s.resolveGlobal(msg.Payload, nil)
		return nil
	case *wire.RequestFailure:
		s.resolveGlobal(nil, ErrRequestDenied)
		return nil
	default:
		return fmt.Errorf("connection: unexpected %s", wire.TypeName(m.MessageType()))
	}
}

func (s *Service) lookup(id uint32) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return ch, nil
}

func (s *Service) remove(id uint32) {
	s.mu.Lock()
	delete(s.channels, id)
	s.mu.Unlock()
}

func (s *Service) handleOpen(m *wire.ChannelOpen) error {
	reject := func(reason uint32, text string) error {
		return s.conn.Send(&wire.ChannelOpenFailure{
			RecipientID: m.SenderID,
			Reason:      reason,
			Message:     text,
		})
	}

	s.mu.Lock()
	closed := s.closed
	refuseSessions := s.noMoreSessions
	s.mu.Unlock()
	if closed {
		return reject(wire.OpenConnectFailed, "connection shutting down")
	}
	if refuseSessions && m.Type == sessionChannelType {
		s.conn.Logf("[conn] rejecting %s open: no more sessions", m.Type)
		return reject(wire.OpenAdministrativelyProhibited, "no more sessions")
	}
	acceptor := s.cfg.Acceptors[m.Type]
	if acceptor == nil {
		s.conn.Logf("[conn] rejecting open of unknown channel type %q", m.Type)
		return reject(wire.OpenUnknownChannelType, fmt.Sprintf("unknown channel type %q", m.Type))
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := newChannel(s, m.Type, id, s.cfg.WindowSize)
	s.mu.Unlock()
	ch.bindRemote(m)

	if err := acceptor(ch, m.Payload); err != nil {
		var oce *OpenChannelError
		if errors.As(err, &oce) {
			return reject(oce.Reason, oce.Message)
		}
		return reject(wire.OpenAdministrativelyProhibited, err.Error())
	}

	s.mu.Lock()
	s.channels[id] = ch
	s.mu.Unlock()
	s.conn.Logf("[conn] accepted %s channel (local %d, remote %d)", m.Type, id, m.SenderID)
	return s.conn.Send(&wire.ChannelOpenConfirm{
		RecipientID:   m.SenderID,
		SenderID:      id,
		InitialWindow: s.cfg.WindowSize,
		MaxPacket:     s.cfg.MaxPacket,
	})
}

func (s *Service) handleOpenConfirm(m *wire.ChannelOpenConfirm) error {
	s.mu.Lock()
	fut, pending := s.pendingOpens[m.RecipientID]
	ch := s.channels[m.RecipientID]
	delete(s.pendingOpens, m.RecipientID)
	s.mu.Unlock()

	if !pending || ch == nil {
		// Confirmation for an abandoned or unknown open; tell the peer the
		// channel is gone rather than leaking its entry.
		s.conn.Logf("[conn] late confirmation for channel %d", m.RecipientID)
		return s.conn.Send(&wire.ChannelClose{RecipientID: m.SenderID})
	}
	ch.confirm(m)
	s.conn.Logf("[conn] channel %d open (remote %d)", m.RecipientID, m.SenderID)
	fut.TryComplete(ch)
	return nil
}

func (s *Service) handleOpenFailure(m *wire.ChannelOpenFailure) error {
	s.mu.Lock()
	fut, pending := s.pendingOpens[m.RecipientID]
	delete(s.pendingOpens, m.RecipientID)
	delete(s.channels, m.RecipientID)
	s.mu.Unlock()

	if !pending {
		s.conn.Logf("[conn] open failure for unknown channel %d", m.RecipientID)
		return nil
	}
	fut.TryFail(&OpenChannelError{Reason: m.Reason, Message: m.Message})
	return nil
}

func (s *Service) handleData(id uint32, data []byte, extended bool) error {
	ch, err := s.lookup(id)
	if err != nil {
		return err
	}
	buf := &ch.stdout
	if extended {
		buf = &ch.stderr
	}
	refill, err := ch.pushData(buf, data)
	if err != nil {
		return fmt.Errorf("channel %d: %w", id, err)
	}
	if refill > 0 {
		return s.conn.Send(&wire.ChannelWindowAdjust{
			RecipientID: ch.RemoteID(),
			Delta:       refill,
		})
	}
	return nil
}

func (s *Service) handleClose(m *wire.ChannelClose) error {
	ch, err := s.lookup(m.RecipientID)
	if err != nil {
		return err
	}
	both := ch.peerClose()
	if !both {
		// Protocol requires a close in response before the entry dies.
		if err := ch.Close(); err != nil {
			return err
		}
	}
	s.remove(m.RecipientID)
	s.conn.Logf("[conn] channel %d closed", m.RecipientID)
	return nil
}

func (s *Service) handleChannelRequest(m *wire.ChannelRequest) error {
	ch, err := s.lookup(m.RecipientID)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	onRequest := ch.onRequest
	ch.mu.Unlock()

	handled := false
	if m.Name == "exit-status" {
		if status, perr := wire.NewReader(m.Payload).Uint32(); perr == nil {
			ch.mu.Lock()
			ch.exitStatus = status
			ch.hasExitStatus = true
			ch.mu.Unlock()
			handled = true
		}
	}
	if onRequest != nil {
		handled = onRequest(m.Name, m.WantReply, m.Payload) || handled
	}

	if !m.WantReply {
		if !handled {
			s.conn.Logf("[conn] ignoring channel request %q on %d", m.Name, m.RecipientID)
		}
		return nil
	}
	reply := wire.Message(&wire.ChannelFailure{RecipientID: ch.RemoteID()})
	if handled {
		reply = &wire.ChannelSuccess{RecipientID: ch.RemoteID()}
	}
	return s.conn.Send(reply)
}

func (s *Service) handleReply(id uint32, ok bool) error {
	ch, err := s.lookup(id)
	if err != nil {
		return err
	}
	ch.resolveReply(ok)
	return nil
}

func (s *Service) handleGlobalRequest(m *wire.GlobalRequest) error {
	if m.Name == NoMoreSessionsRequest {
		s.mu.Lock()
		s.noMoreSessions = true
		s.mu.Unlock()
		s.conn.Logf("[conn] peer requested no more sessions")
		if m.WantReply {
			return s.conn.Send(&wire.RequestSuccess{})
		}
		return nil
	}

	handler := s.cfg.GlobalHandlers[m.Name]
	if handler == nil {
		// Required by the protocol: unknown want-reply requests get an
		// explicit failure, the rest are silently ignored.
		s.conn.Logf("[conn] unknown global request %q (want-reply=%v)", m.Name, m.WantReply)
		if m.WantReply {
			return s.conn.Send(&wire.RequestFailure{})
		}
		return nil
	}

	result, err := handler(m.Payload)
	if !m.WantReply {
		return nil
	}
	if err != nil {
		return s.conn.Send(&wire.RequestFailure{})
	}
	return s.conn.Send(&wire.RequestSuccess{Payload: result})
}

// resolveGlobal resolves the oldest outstanding want-reply global request.
func (s *Service) resolveGlobal(payload []byte, err error) {
	s.mu.Lock()
	var fut *future.Future[[]byte]
	if len(s.pendingGlobals) > 0 {
		fut = s.pendingGlobals[0]
		s.pendingGlobals = s.pendingGlobals[1:]
	}
	s.mu.Unlock()
	if fut == nil {
		s.conn.Logf("[conn] unsolicited global request reply")
		return
	}
	if err != nil {
		fut.TryFail(err)
		return
	}
	fut.TryComplete(payload)
}
