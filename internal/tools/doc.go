// Package tools provides reusable runtime helpers shared by control-plane modules.
//
// Ownership boundary:
// - shell command execution
//
// Commands are handed to the shell verbatim. Metacharacters are interpreted;
// the operator driving Mirage is trusted.
package tools
