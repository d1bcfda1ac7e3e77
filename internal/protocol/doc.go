// Package protocol owns the wire contract between the sequencer and its
// containers and proxy managers.
//
// Ownership boundary:
// - frame header primitives
// - typed container and proxy frames over tlv fields
// - schema validation on decode
package protocol
