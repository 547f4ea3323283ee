// Package portal serves the captive configuration portal while a node is
// in access point mode: a gin page server that answers every path with the
// settings form, and a DNS responder that resolves every name to the node.
//
// Network I/O runs on background goroutines; submissions and DNS replies
// are handed to the node loop through Server.Service.
package portal
