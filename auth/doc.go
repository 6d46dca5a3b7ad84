// Package auth implements the ssh-userauth service, RFC 4252, for both
// connection roles.
//
// # Client
//
// The client walks an ordered list of methods. It first probes with the
// "none" method to learn which methods the server will accept, then tries
// each configured method the server allows, in the caller's order. The
// overall outcome is exposed as a Future that resolves when the server
// sends SSH_MSG_USERAUTH_SUCCESS or every method is exhausted; a caller's
// wait timeout never cancels the attempt in flight.
//
// # Server
//
// The server is assembled from pluggable authenticator capabilities, one
// per method. A method is advertised exactly when its authenticator is
// configured. Multi-factor policies list the methods that must all pass;
// each pass answers with a partial-success failure naming what remains.
// Exceeding the attempt or time budget disconnects the session.
//
// Public key authentication is two-phase: an unsigned probe asks whether a
// key would be acceptable before the client invests in a signature, and
// the signed request proves possession over the session identifier.
package auth
