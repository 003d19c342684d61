// Package protocol owns the Mirage<->Ghost wire contract.
//
// Ownership boundary:
// - message kinds and payload shapes
// - JSON frame encode/decode
// - response status/exit-code invariants
//
// One transport frame carries exactly one message. Frames with an unknown
// kind decode without error so older nodes can ignore newer messages.
package protocol
