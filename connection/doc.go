// Package connection implements the ssh-connection service: the channel
// table, per-channel flow control, and connection-scoped global requests.
//
// A Service is bound to an authenticated session and multiplexes any number
// of logical byte streams over it. Locally initiated opens resolve through a
// Future; remotely initiated opens are validated against per-type Acceptors
// and confirmed or rejected with a reason code.
//
// # Flow Control
//
// Each direction of a channel is governed by a byte window. Sending data
// consumes the peer's advertised window and blocks when it is exhausted;
// receiving data consumes the local window, which is refilled in batches
// once it drops below half of its configured size. Data arriving in excess
// of the advertised window is a protocol violation and tears the session
// down.
//
// # Close Semantics
//
// CloseWrite sends EOF and half-closes the channel; data still flows the
// other way. Close is full close; the table entry is released only after
// both sides have sent close. Closing twice is a no-op.
//
// # Usage
//
//	svc := connection.New(connection.Config{})
//	// register svc.Service as the ssh-connection factory, then:
//	ch, err := svc.OpenChannelTimeout("session", nil, 10*time.Second)
//	if err != nil { ... }
//	ch.Write([]byte("data"))
//	ch.CloseWrite()
//	io.Copy(os.Stdout, ch)
//
// # Reference
//
// RFC 4254: The Secure Shell (SSH) Connection Protocol.
package connection
