// Package protocol owns wire contract and parsing primitives.
//
// Ownership boundary:
// - osc message envelope (address, type tags, arguments)
// - address pattern matching
// - size-prefixed stream framing for OSC over TCP
// - shared error taxonomy for decode and encode failures
//
// Sockets live in internal/transport; routing in internal/dispatch.
package protocol
