// Package sshcore implements the SSH2 protocol engine: transport framing,
// key exchange, authentication and channel multiplexing for both client and
// server roles, over any bidirectional byte stream.
//
// The engine is transport-agnostic: callers bring a connected
// io.ReadWriteCloser (a TCP connection, a WebSocket wrapped by the stream
// package, a pipe) and get back authenticated, encrypted, multiplexed
// logical channels.
//
// # Architecture
//
//	raw bytes
//	   |
//	 packet.Codec          binary packet framing, MAC, cipher state
//	   |
//	 session.Session       version exchange, state machine, dispatch
//	   |        \
//	 kex.Engine  services  key exchange and re-key | ssh-userauth, ssh-connection
//	   |
//	 connection.Channel    per-stream flow control exposed as io.ReadWriteCloser
//
// This package binds the layers together: NewClient and NewServer wire a
// session with the auth and connection services so most callers never touch
// the lower packages directly.
//
// # Usage
//
//	conn, _ := net.Dial("tcp", "host:22")
//	client, _ := sshcore.NewClient(conn, sshcore.ClientConfig{
//		User: "alice",
//		AuthMethods: []auth.Method{
//			&auth.Password{Password: "secret"},
//		},
//		HostKeyVerifier: verifier,
//	})
//	if err := client.Connect(ctx, 30*time.Second); err != nil { ... }
//	ch, _ := client.Conn.OpenChannelTimeout("session", nil, 10*time.Second)
//	defer client.Close()
//
// # Reference
//
// RFC 4250-4254: The Secure Shell (SSH) Protocol.
package sshcore
