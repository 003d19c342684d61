// Package ghost owns execution concerns.
//
// Ownership boundary:
// - Mirage session connect (address resolution, retry backoff)
// - per-connection runtime: receive -> decode -> execute -> respond
// - shell execution through tools.CommandRunner
//
// Runtime lifecycle:
// - awaiting -> decoding -> executing -> sending_response -> awaiting
//
// - closed is terminal; a new connection gets a new Runtime.
//
// Commands on one connection execute one at a time in arrival order. Commands
// that overflow the pending queue are answered immediately with a busy error.
package ghost
