package agent

import (
	"errors"
	"fmt"
	"time"
)

// ErrStreamClosed is returned by stream pops once the connection is
// gone and no more data will ever arrive.
var ErrStreamClosed = errors.New("agent: message stream closed")

// ErrEndOfResponse is returned by stream pops when the current response
// cycle has completed but the connection remains open for a follow-up
// query. It distinguishes a quiescent stream from a closed one.
var ErrEndOfResponse = errors.New("agent: end of response")

// ErrPopTimeout is returned by timed stream pops when no message,
// end-of-response, or closure arrived in time.
var ErrPopTimeout = errors.New("agent: stream pop timed out")

// ControlTimeoutError is returned when a control request received no
// response within its deadline. The request is deregistered; a late
// reply is dropped.
type ControlTimeoutError struct {
	Subtype string
	Timeout time.Duration
}

func (e *ControlTimeoutError) Error() string {
	return fmt.Sprintf("control request %q timed out after %s", e.Subtype, e.Timeout)
}

// ControlShutdownError is handed to every waiter still pending when the
// connection shuts down.
type ControlShutdownError struct {
	Cause error
}

func (e *ControlShutdownError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("control request aborted by shutdown: %v", e.Cause)
	}
	return "control request aborted by shutdown"
}

func (e *ControlShutdownError) Unwrap() error { return e.Cause }

// ControlFailedError carries the error string from an error-subtype
// control response.
type ControlFailedError struct {
	Message string
}

func (e *ControlFailedError) Error() string {
	return "control request failed: " + e.Message
}

// ProtocolError flags a response the engine cannot interpret, such as an
// unrecognized control response subtype.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Message
}
