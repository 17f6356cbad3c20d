// Package transport provides duplex line-oriented byte channels to an
// agent process: a subprocess implementation around a spawned CLI and a
// websocket implementation for remotely hosted agents. The protocol
// engine consumes the Transport interface and never touches process or
// socket details directly.
package transport

import (
	"context"
	"fmt"
	"strings"
)

// Transport is an abstract duplex byte channel carrying newline-delimited
// records. Implementations are safe for one concurrent reader plus any
// number of writers.
type Transport interface {
	// Connect establishes the channel. It must be called before any
	// other method and is not idempotent.
	Connect(ctx context.Context) error

	// Write sends one line-oriented record. A trailing newline is added
	// when missing.
	Write(ctx context.Context, line []byte) error

	// ReadChunk returns the next available bytes from the channel with
	// no alignment guarantee: a chunk may hold part of a record or many
	// records. io.EOF signals a clean end of stream.
	ReadChunk(ctx context.Context) ([]byte, error)

	// Alive reports whether the channel can still carry data.
	Alive() bool

	// EndInput closes the write side while leaving reads open, telling
	// the peer no further input is coming.
	EndInput() error

	// Close tears the channel down. It is idempotent.
	Close() error
}

// CLINotFoundError is returned when no agent CLI binary could be
// located.
type CLINotFoundError struct {
	Searched []string
}

func (e *CLINotFoundError) Error() string {
	return fmt.Sprintf("agent CLI not found (searched: %s)", strings.Join(e.Searched, ", "))
}

// ProcessExitError is returned when the subprocess exits unexpectedly.
// Stderr carries the tail of the captured stderr output for diagnosis.
type ProcessExitError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent process exited with code %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("agent process exited with code %d", e.ExitCode)
}
