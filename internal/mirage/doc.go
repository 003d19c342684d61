// Package mirage owns the controller side of the command fabric.
//
// Ownership boundary:
// - connection registry (the only state shared across sessions)
// - command dispatch sweeps over registry snapshots
// - response collection and operator rendering
// - websocket accept loop and per-connection session loops
//
// Mirage does not execute commands; Ghost does.
package mirage
