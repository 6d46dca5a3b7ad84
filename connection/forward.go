package connection

import (
	"fmt"

	"github.com/smnsjas/go-sshcore/wire"
)

// Global request names for TCP/IP forwarding setup and teardown.
const (
	TCPIPForwardRequest       = "tcpip-forward"
	CancelTCPIPForwardRequest = "cancel-tcpip-forward"
)

// ForwardRequest is the payload of "tcpip-forward" and
// "cancel-tcpip-forward" global requests.
type ForwardRequest struct {
	// Address to bind, e.g. "0.0.0.0" or "localhost".
	Address string
	// Port to bind; 0 asks the peer to pick one.
	Port uint32
}

// Marshal encodes the request payload.
func (r *ForwardRequest) Marshal() []byte {
	return wire.NewWriter().String(r.Address).Uint32(r.Port).Out()
}

// ParseForwardRequest decodes a forwarding request payload.
func ParseForwardRequest(payload []byte) (*ForwardRequest, error) {
	rd := wire.NewReader(payload)
	addr, err := rd.String()
	if err != nil {
		return nil, fmt.Errorf("connection: parse forward request: %w", err)
	}
	port, err := rd.Uint32()
	if err != nil {
		return nil, fmt.Errorf("connection: parse forward request: %w", err)
	}
	return &ForwardRequest{Address: addr, Port: port}, nil
}

// ForwardPortPayload is the success-reply payload of a "tcpip-forward"
// request that asked for port 0: the port the peer actually bound.
func ForwardPortPayload(port uint32) []byte {
	return wire.NewWriter().Uint32(port).Out()
}

// ParseForwardPort decodes the bound port from a forward success reply.
func ParseForwardPort(payload []byte) (uint32, error) {
	port, err := wire.NewReader(payload).Uint32()
	if err != nil {
		return 0, fmt.Errorf("connection: parse forward reply: %w", err)
	}
	return port, nil
}
