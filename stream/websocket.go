package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"
)

// WebSocketConn wraps an established WebSocket as a byte stream the engine
// can run over. Binary messages carry the bytes; message boundaries are not
// preserved, matching stream semantics.
func WebSocketConn(ctx context.Context, c *websocket.Conn) io.ReadWriteCloser {
	return websocket.NetConn(ctx, c, websocket.MessageBinary)
}

// DialWebSocket connects to a WebSocket URL and returns it as a byte
// stream. The context bounds the dial and the life of the stream.
func DialWebSocket(ctx context.Context, url string, opts *websocket.DialOptions) (io.ReadWriteCloser, error) {
	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("stream: websocket dial %s: %w", url, err)
	}
	return WebSocketConn(ctx, c), nil
}

// AcceptWebSocket upgrades an HTTP request to a WebSocket and returns it as
// a byte stream. For use inside an http.Handler serving the engine.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (io.ReadWriteCloser, error) {
	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("stream: websocket accept: %w", err)
	}
	return WebSocketConn(r.Context(), c), nil
}
