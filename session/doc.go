// Package session implements the SSH transport-layer state machine that
// binds the packet codec, the key exchange engine and the sub-protocol
// services into one connection.
//
// # State Machine
//
// A Session follows a strict state machine:
//
//	VersionExchange → KeyExchange → ServiceRequest → Authenticating → Connected → Closed
//	                      ↑                                              │
//	                      └──────────────── re-key ──────────────────────┘
//
// State transitions:
//   - VersionExchange: identification strings are being swapped
//   - KeyExchange: KEXINIT through NEWKEYS in progress (initial or re-key)
//   - ServiceRequest: SERVICE_REQUEST/SERVICE_ACCEPT for ssh-userauth
//   - Authenticating: the userauth service owns codes 50..79
//   - Connected: the connection service owns codes 80..100
//   - Closed: terminal; a session is never reused
//
// # Message Dispatch
//
// All inbound packets are dispatched sequentially by a single loop; services
// never see two messages concurrently. Transport-generic codes (1..19) are
// handled by the session itself: DISCONNECT tears the session down, IGNORE
// is dropped, DEBUG is logged, unknown codes are answered with
// SSH_MSG_UNIMPLEMENTED carrying the offending sequence number.
//
// # Re-keying
//
// Either side may start a re-key from Connected, explicitly or through the
// traffic policy. While a re-key is in flight, messages with codes >= 50 are
// deferred in arrival order, never dropped, and replayed once the new keys
// are installed; transport and kex codes keep flowing. The session
// identifier from the first exchange is permanent.
//
// # Usage
//
//	sess, err := session.New(conn, session.Config{
//	    Role:     kex.RoleClient,
//	    Registry: ciphersuite.Default(),
//	    Verifier: verifier,
//	    Services: services,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := sess.Open(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close(nil)
//
// # Reference
//
// RFC 4253 (transport), RFC 4250 (message number assignments).
package session
