package connection

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/smnsjas/go-sshcore/future"
	"github.com/smnsjas/go-sshcore/wire"
)

var (
	// ErrChannelClosed is returned for I/O on a closed or closing channel.
	ErrChannelClosed = errors.New("connection: channel closed")
	// ErrWindowExceeded reports inbound data in excess of the advertised
	// window. Fatal: the peer is not honoring flow control.
	ErrWindowExceeded = errors.New("connection: window exceeded")
)

// Channel is one multiplexed logical byte stream. It implements
// io.ReadWriteCloser; Read drains the peer's data stream, Write consumes
// the peer's advertised window and blocks when the window is exhausted.
type Channel struct {
	svc      *Service
	chanType string
	localID  uint32

	mu        sync.Mutex
	readCond  *sync.Cond
	writeCond *sync.Cond

	remoteID        uint32
	remoteWindow    uint32
	remoteMaxPacket uint32

	// localWindow is the credit still advertised to the peer; refilled in
	// batches of localWindowMax once it falls below half.
	localWindow    uint32
	localWindowMax uint32

	stdout bytes.Buffer
	stderr bytes.Buffer

	opened        bool
	eofSent       bool
	eofReceived   bool
	closeSent     bool
	closeReceived bool
	dead          bool

	exitStatus    uint32
	hasExitStatus bool

	// onRequest, when set, sees channel requests before the built-in
	// handling. Return true to acknowledge a want-reply request.
	onRequest func(name string, wantReply bool, payload []byte) bool

	// pendingReplies holds outcomes of sent want-reply requests, in send
	// order; CHANNEL_SUCCESS/FAILURE resolve them front-first.
	pendingReplies []*future.Future[bool]
}

func newChannel(svc *Service, chanType string, localID, window uint32) *Channel {
	ch := &Channel{
		svc:            svc,
		chanType:       chanType,
		localID:        localID,
		localWindow:    window,
		localWindowMax: window,
	}
	ch.readCond = sync.NewCond(&ch.mu)
	ch.writeCond = sync.NewCond(&ch.mu)
	return ch
}

// Type returns the channel type name, e.g. "session".
func (ch *Channel) Type() string { return ch.chanType }

// LocalID returns the id this side assigned to the channel.
func (ch *Channel) LocalID() uint32 { return ch.localID }

// RemoteID returns the id the peer assigned, valid once the channel is open.
func (ch *Channel) RemoteID() uint32 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.remoteID
}

// OnRequest installs a callback consulted for inbound channel requests.
// Must be set before requests can arrive, i.e. inside an Acceptor or right
// after OpenChannel resolves.
func (ch *Channel) OnRequest(fn func(name string, wantReply bool, payload []byte) bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onRequest = fn
}

// ExitStatus returns the exit status reported by the peer, if any.
func (ch *Channel) ExitStatus() (uint32, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.exitStatus, ch.hasExitStatus
}

// Read returns data from the channel's main stream, blocking until data
// arrives or the peer half-closes. io.EOF after EOF or close once the
// buffer drains.
func (ch *Channel) Read(p []byte) (int, error) {
	return ch.readStream(&ch.stdout, p)
}

// Stderr returns the extended-data (stderr) stream.
func (ch *Channel) Stderr() io.Reader { return stderrReader{ch} }

type stderrReader struct{ ch *Channel }

func (r stderrReader) Read(p []byte) (int, error) {
	return r.ch.readStream(&r.ch.stderr, p)
}

func (ch *Channel) readStream(buf *bytes.Buffer, p []byte) (int, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for buf.Len() == 0 {
		if ch.eofReceived || ch.closeReceived || ch.dead {
			return 0, io.EOF
		}
		ch.readCond.Wait()
	}
	return buf.Read(p)
}

// Write sends p on the channel, splitting it by the peer's window and max
// packet size, and blocking while the window is exhausted.
func (ch *Channel) Write(p []byte) (int, error) {
	return ch.writeStream(p, false)
}

// WriteStderr sends p on the extended-data (stderr) stream, under the same
// window as the main stream.
func (ch *Channel) WriteStderr(p []byte) (int, error) {
	return ch.writeStream(p, true)
}

func (ch *Channel) writeStream(p []byte, extended bool) (int, error) {
	written := 0
	for len(p) > 0 {
		n, err := ch.writeSome(p, extended)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

// writeSome reserves window under the lock and sends outside it. Window is
// the only send-side flow-control constraint.
func (ch *Channel) writeSome(p []byte, extended bool) (int, error) {
	ch.mu.Lock()
	for {
		if ch.dead || ch.eofSent || ch.closeSent || ch.closeReceived {
			ch.mu.Unlock()
			return 0, ErrChannelClosed
		}
		if ch.remoteWindow > 0 {
			break
		}
		ch.writeCond.Wait()
	}
	n := len(p)
	if uint32(n) > ch.remoteWindow {
		n = int(ch.remoteWindow)
	}
	if ch.remoteMaxPacket > 0 && uint32(n) > ch.remoteMaxPacket {
		n = int(ch.remoteMaxPacket)
	}
	ch.remoteWindow -= uint32(n)
	remoteID := ch.remoteID
	ch.mu.Unlock()

	var msg wire.Message
	if extended {
		msg = &wire.ChannelExtendedData{
			RecipientID: remoteID,
			Code:        wire.ExtendedDataStderr,
			Data:        p[:n],
		}
	} else {
		msg = &wire.ChannelData{RecipientID: remoteID, Data: p[:n]}
	}
	if err := ch.svc.conn.Send(msg); err != nil {
		return 0, err
	}
	return n, nil
}

// CloseWrite half-closes the channel: sends EOF, after which Write fails
// while reads continue. Idempotent.
func (ch *Channel) CloseWrite() error {
	ch.mu.Lock()
	if ch.eofSent || ch.closeSent || ch.dead {
		ch.mu.Unlock()
		return nil
	}
	ch.eofSent = true
	remoteID := ch.remoteID
	ch.mu.Unlock()
	return ch.svc.conn.Send(&wire.ChannelEOF{RecipientID: remoteID})
}

// Close sends channel close. The table entry is released once both sides
// have closed. Closing twice is a no-op.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closeSent || ch.dead {
		ch.mu.Unlock()
		return nil
	}
	ch.closeSent = true
	both := ch.closeReceived
	remoteID := ch.remoteID
	ch.readCond.Broadcast()
	ch.writeCond.Broadcast()
	ch.mu.Unlock()

	err := ch.svc.conn.Send(&wire.ChannelClose{RecipientID: remoteID})
	if both {
		ch.svc.remove(ch.localID)
	}
	return err
}

// SendRequest sends a channel request. With wantReply the returned future
// resolves to the peer's acknowledgement; without, it is nil.
func (ch *Channel) SendRequest(name string, wantReply bool, payload []byte) (*future.Future[bool], error) {
	ch.mu.Lock()
	if ch.closeSent || ch.closeReceived || ch.dead {
		ch.mu.Unlock()
		return nil, ErrChannelClosed
	}
	remoteID := ch.remoteID
	var fut *future.Future[bool]
	if wantReply {
		fut = future.New[bool]()
		ch.pendingReplies = append(ch.pendingReplies, fut)
	}
	ch.mu.Unlock()

	err := ch.svc.conn.Send(&wire.ChannelRequest{
		RecipientID: remoteID,
		Name:        name,
		WantReply:   wantReply,
		Payload:     payload,
	})
	if err != nil && fut != nil {
		fut.TryFail(err)
	}
	return fut, err
}

// confirm records the peer's side of a locally initiated open.
func (ch *Channel) confirm(m *wire.ChannelOpenConfirm) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.remoteID = m.SenderID
	ch.remoteWindow = m.InitialWindow
	ch.remoteMaxPacket = m.MaxPacket
	ch.opened = true
}

// bindRemote records the initiator's side of a remotely initiated open.
func (ch *Channel) bindRemote(m *wire.ChannelOpen) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.remoteID = m.SenderID
	ch.remoteWindow = m.InitialWindow
	ch.remoteMaxPacket = m.MaxPacket
	ch.opened = true
}

// pushData buffers inbound data, charges the local window and computes the
// batched refill. The returned delta, if non-zero, must be sent to the peer
// as a window adjust.
func (ch *Channel) pushData(buf *bytes.Buffer, data []byte) (refill uint32, err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if uint32(len(data)) > ch.localWindow {
		return 0, fmt.Errorf("%w: %d bytes with %d window left",
			ErrWindowExceeded, len(data), ch.localWindow)
	}
	ch.localWindow -= uint32(len(data))
	buf.Write(data)
	ch.readCond.Broadcast()

	if ch.localWindow < ch.localWindowMax/2 {
		refill = ch.localWindowMax - ch.localWindow
		ch.localWindow = ch.localWindowMax
	}
	return refill, nil
}

// addWindow credits the peer's window-adjust and wakes blocked writers.
func (ch *Channel) addWindow(delta uint32) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.remoteWindow += delta
	ch.writeCond.Broadcast()
}

// peerEOF marks the inbound stream half-closed and wakes readers.
func (ch *Channel) peerEOF() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.eofReceived = true
	ch.readCond.Broadcast()
}

// peerClose records the peer's close. Reports whether this side had already
// closed, i.e. whether the entry can be released.
func (ch *Channel) peerClose() (both bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closeReceived = true
	ch.readCond.Broadcast()
	ch.writeCond.Broadcast()
	return ch.closeSent
}

// resolveReply resolves the oldest outstanding want-reply request.
func (ch *Channel) resolveReply(ok bool) {
	ch.mu.Lock()
	var fut *future.Future[bool]
	if len(ch.pendingReplies) > 0 {
		fut = ch.pendingReplies[0]
		ch.pendingReplies = ch.pendingReplies[1:]
	}
	ch.mu.Unlock()
	if fut != nil {
		fut.TryComplete(ok)
	}
}

// kill tears the channel down on session close: all I/O fails, all waiters
// wake, pending request replies fail.
func (ch *Channel) kill(err error) {
	ch.mu.Lock()
	ch.dead = true
	pending := ch.pendingReplies
	ch.pendingReplies = nil
	ch.readCond.Broadcast()
	ch.writeCond.Broadcast()
	ch.mu.Unlock()
	for _, fut := range pending {
		fut.TryFail(err)
	}
}
