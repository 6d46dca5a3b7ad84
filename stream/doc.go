// Package stream provides byte-transport adapters for the protocol engine.
//
// The engine runs over any io.ReadWriteCloser; this package supplies the
// adapters that are not already one: a WebSocket binding built on
// github.com/coder/websocket, and a buffered in-memory pipe for tests and
// in-process wiring.
package stream
