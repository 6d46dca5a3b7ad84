package stream

import (
	"bytes"
	"io"
	"sync"
)

// halfPipe is one direction of an in-memory duplex stream. Writes are
// buffered without bound, so both ends can write before either reads;
// net.Pipe cannot do that, which matters for protocols whose both sides
// open with a write.
type halfPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newHalfPipe() *halfPipe {
	h := &halfPipe{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *halfPipe) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := h.buf.Write(p)
	h.cond.Broadcast()
	return n, nil
}

func (h *halfPipe) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.buf.Len() == 0 {
		if h.closed {
			return 0, io.EOF
		}
		h.cond.Wait()
	}
	return h.buf.Read(p)
}

func (h *halfPipe) close() {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

// PipeConn is one end of a Pipe.
type PipeConn struct {
	r, w *halfPipe
}

func (c PipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c PipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }

// Close closes both directions; the peer's reads drain and then see EOF,
// its writes fail.
func (c PipeConn) Close() error {
	c.r.close()
	c.w.close()
	return nil
}

// Pipe returns the two ends of a buffered in-memory duplex byte stream.
func Pipe() (PipeConn, PipeConn) {
	ab, ba := newHalfPipe(), newHalfPipe()
	return PipeConn{r: ba, w: ab}, PipeConn{r: ab, w: ba}
}
