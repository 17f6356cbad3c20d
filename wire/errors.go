package wire

import "fmt"

// BufferOverflowError is returned when accumulated un-framed bytes
// exceed the configured limit. The framer clears its buffer before
// returning it; the connection owner decides whether to continue.
type BufferOverflowError struct {
	Limit int
}

func (e *BufferOverflowError) Error() string {
	return fmt.Sprintf("parse buffer exceeded %d bytes", e.Limit)
}

// DecodeError is a line that was newline-terminated but is not valid
// JSON. It is fatal to that single record only.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode line: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ParseError is a structurally valid record that cannot be turned into a
// Message variant: unknown type, unknown content block, or a required
// field missing. Raw carries the decoded envelope for diagnostics.
type ParseError struct {
	Reason string
	Raw    map[string]any
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse message: %s", e.Reason)
}
