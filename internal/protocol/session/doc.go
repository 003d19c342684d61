// Package session owns Mirage<->Ghost session transport helpers.
//
// Ownership boundary:
// - websocket connection wrapper (one frame per protocol message)
// - dial/upgrade with optional TLS
// - keepalive, idle and write deadlines
// - retry backoff for Ghost connect attempts
//
// Writes on one connection are serialized; reads belong to exactly one
// goroutine per connection.
package session
