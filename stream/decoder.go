// Package stream decodes the optimization service's event stream.
//
// The wire format is a sequence of newline-terminated lines. Lines starting
// with "data: " carry one JSON-encoded event each; every other line is
// discarded.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Frame size constants.
const (
	// DataPrefix marks a data line.
	DataPrefix = "data: "
	// DefaultMaxLineSize bounds a single buffered line (1 MiB).
	DefaultMaxLineSize = 1024 * 1024
	// readChunkSize is the size of each read from the underlying source.
	readChunkSize = 32 * 1024
)

var dataPrefix = []byte(DataPrefix)

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorRead indicates the underlying source failed mid-stream.
	FrameErrorRead FrameErrorKind = iota
	// FrameErrorTooLarge indicates a line exceeding the maximum line size.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a payload that is not a JSON object.
	FrameErrorDecode
	// FrameErrorInvalid indicates a decoded event violating the schema.
	FrameErrorInvalid
)

// String returns the kind name used in logs and metrics.
func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorRead:
		return "read"
	case FrameErrorTooLarge:
		return "too_large"
	case FrameErrorDecode:
		return "decode"
	case FrameErrorInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if this error terminates the stream.
// Read failures and oversized lines are fatal; a single bad payload is not.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorRead || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// DecoderStats counts what the decoder has seen so far.
type DecoderStats struct {
	// BytesRead is the number of bytes consumed from the source.
	BytesRead int64
	// Frames is the number of data payloads returned.
	Frames int64
	// Ignored is the number of non-blank lines without the data prefix.
	Ignored int64
}

// Decoder splits a byte stream into data payloads. Chunk boundaries of the
// source are irrelevant: a trailing partial line is held until the rest of
// it arrives.
type Decoder struct {
	reader  io.Reader
	maxLine int
	buf     []byte // bytes read but not yet split
	off     int    // start of unconsumed data in buf
	chunk   []byte
	eof     bool
	stats   DecoderStats
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxLineSize overrides the maximum line size.
func WithMaxLineSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// NewDecoder creates a new decoder over r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		reader:  r,
		maxLine: DefaultMaxLineSize,
		chunk:   make([]byte, readChunkSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next data payload with the prefix stripped.
// The returned slice is owned by the caller.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorRead: source failed (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: line exceeds limit (fatal)
func (d *Decoder) Next() ([]byte, error) {
	for {
		if line, ok := d.nextLine(); ok {
			if payload, isData := d.classify(line); isData {
				return payload, nil
			}
			continue
		}

		if pending := len(d.buf) - d.off; pending > d.maxLine {
			return nil, &FrameError{
				Kind: FrameErrorTooLarge,
				Msg:  fmt.Sprintf("line exceeds maximum size %d", d.maxLine),
			}
		}

		if d.eof {
			// Flush an unterminated final line.
			if d.off < len(d.buf) {
				line := d.buf[d.off:]
				d.off = len(d.buf)
				if payload, isData := d.classify(trimCR(line)); isData {
					return payload, nil
				}
			}
			return nil, io.EOF
		}

		if err := d.fill(); err != nil {
			return nil, err
		}
	}
}

// Stats returns the decoder counters.
func (d *Decoder) Stats() DecoderStats {
	return d.stats
}

// nextLine returns the next complete line without its terminator.
func (d *Decoder) nextLine() ([]byte, bool) {
	i := bytes.IndexByte(d.buf[d.off:], '\n')
	if i < 0 {
		return nil, false
	}
	line := d.buf[d.off : d.off+i]
	d.off += i + 1
	if len(line) > d.maxLine {
		// Reported on the next call through the pending check.
		d.off -= i + 1
		return nil, false
	}
	return trimCR(line), true
}

// classify returns the payload of a data line.
func (d *Decoder) classify(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, dataPrefix) {
		if len(line) > 0 {
			d.stats.Ignored++
		}
		return nil, false
	}
	payload := make([]byte, len(line)-len(dataPrefix))
	copy(payload, line[len(dataPrefix):])
	d.stats.Frames++
	return payload, true
}

// fill reads one chunk from the source into the buffer.
func (d *Decoder) fill() error {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}

	n, err := d.reader.Read(d.chunk)
	if n > 0 {
		d.buf = append(d.buf, d.chunk[:n]...)
		d.stats.BytesRead += int64(n)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			d.eof = true
			return nil
		}
		return &FrameError{
			Kind: FrameErrorRead,
			Msg:  "failed to read stream",
			Err:  err,
		}
	}
	return nil
}

func trimCR(line []byte) []byte {
	return bytes.TrimSuffix(line, []byte{'\r'})
}
