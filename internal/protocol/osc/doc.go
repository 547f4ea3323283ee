// Package osc encodes and decodes Open Sound Control 1.0 messages.
//
// Wire layout: NUL-terminated address padded to four bytes, a type tag
// string starting with ',' padded the same way, then big-endian payloads.
// Supported tags are i, f, s and b. Bundles are not handled.
package osc
