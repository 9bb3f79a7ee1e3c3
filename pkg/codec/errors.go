// Package codec converts raw characteristic payloads to and from domain
// records. Everything here is pure: no I/O, no logging, no shared state.
package codec

import "fmt"

// DecodeError reports a payload that could not be turned into a record.
// The caller converts it into a *_FAILED event; the link stays usable.
type DecodeError struct {
	What   string // record being decoded, e.g. "blood pressure"
	Offset int    // byte offset where decoding stopped, -1 if not applicable
	Msg    string
}

func (e *DecodeError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("codec: decode %s at offset %d: %s", e.What, e.Offset, e.Msg)
	}
	return fmt.Sprintf("codec: decode %s: %s", e.What, e.Msg)
}

func decodeErr(what string, offset int, format string, args ...interface{}) *DecodeError {
	return &DecodeError{What: what, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

func shortBuffer(what string, need, have int) *DecodeError {
	return decodeErr(what, have, "buffer too short: need %d bytes, have %d", need, have)
}

// SerializationError reports entries that cannot be written to the wire
// blob format. No partial write is ever attempted after one.
type SerializationError struct {
	Key    string
	Reason string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("codec: serialize entry %q: %s", e.Key, e.Reason)
}
