package wire

import (
	"bytes"
	"errors"
)

// DefaultMaxBufferSize bounds the framer's accumulation buffer. Lines
// longer than this indicate a runaway or hostile peer, not a legitimate
// record.
const DefaultMaxBufferSize = 1024 * 1024 // 1 MiB

// Framer reconstructs discrete records from an unbounded byte stream.
// Bytes accumulate until a newline completes a line; the trailing
// newline-less remainder stays buffered for the next chunk. A Framer is
// owned by a single reader goroutine and is not safe for concurrent use.
type Framer struct {
	buf []byte
	max int
}

// NewFramer returns a Framer with the given buffer cap. maxSize <= 0
// selects DefaultMaxBufferSize.
func NewFramer(maxSize int) *Framer {
	if maxSize <= 0 {
		maxSize = DefaultMaxBufferSize
	}
	return &Framer{max: maxSize}
}

// AddData appends a chunk and extracts every complete line it can.
//
// The returned error is either a BufferOverflowError (the buffer was
// cleared; the connection owner decides whether that is fatal) or a
// join of per-line DecodeError/ParseError values for lines that were
// complete but undecodable. Lines are only extracted at newline
// boundaries, so a failed decode means the line is malformed rather
// than truncated: it is dropped, not re-buffered. Successfully decoded
// messages are returned even when later lines in the same chunk fail.
func (f *Framer) AddData(chunk []byte) ([]Message, error) {
	f.buf = append(f.buf, chunk...)

	var msgs []Message
	var errs []error
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := f.buf[:idx]
		f.buf = f.buf[idx+1:]

		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		msg, err := ParseMessage(line)
		if err != nil {
			// The line slice aliases the accumulation buffer, which the
			// next AddData call may overwrite. Detach it before the error
			// outlives this call.
			var de *DecodeError
			if errors.As(err, &de) {
				de.Line = bytes.Clone(de.Line)
			}
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, msg)
	}

	// The cap applies to the unframed remainder, not the raw chunk:
	// a large chunk of complete sub-cap records must frame the same way
	// it would have arriving in smaller pieces.
	if len(f.buf) > f.max {
		f.buf = nil
		return msgs, &BufferOverflowError{Limit: f.max}
	}

	// Reclaim the backing array once everything was consumed, so long
	// sessions don't pin the largest chunk seen.
	if len(f.buf) == 0 {
		f.buf = nil
	}

	return msgs, errors.Join(errs...)
}

// HasBufferedData reports whether a partial line is waiting for more
// bytes.
func (f *Framer) HasBufferedData() bool {
	return len(f.buf) > 0
}
