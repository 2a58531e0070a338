// Package acp holds the Agent Client Protocol schema: method names, wire
// payloads, typed session/update decoding, tool-call state merging and
// permission option selection.
//
// The package is pure data: it never performs I/O. The session package
// drives the protocol; codec frames it.
package acp
