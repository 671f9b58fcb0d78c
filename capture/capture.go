package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/promptopt/types"
)

// Frame type discriminants.
const (
	HeaderType = "header"
	RecordType = "record"
)

// Header opens every capture.
type Header struct {
	Type      string    `msgpack:"type"`
	Version   string    `msgpack:"version"`
	CreatedAt time.Time `msgpack:"created_at"`
	RunID     string    `msgpack:"run_id,omitempty"`
	Backend   string    `msgpack:"backend,omitempty"`
	// Prompt is the original prompt, so a replay can report it.
	Prompt string `msgpack:"prompt,omitempty"`
}

// Record is one raw stream payload (the bytes after "data: ").
type Record struct {
	Type string `msgpack:"type"`
	// Seq is 1-based across the capture.
	Seq int64 `msgpack:"seq"`
	// OffsetMs is the delay since the capture started.
	OffsetMs int64  `msgpack:"offset_ms"`
	Payload  []byte `msgpack:"payload"`
}

// Writer appends records to a capture. Safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       *bufio.Writer
	started time.Time
	seq     int64
	now     func() time.Time
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// NewWriter writes the header and returns a Writer.
// Version and CreatedAt are filled in when empty.
func NewWriter(w io.Writer, hdr Header, opts ...WriterOption) (*Writer, error) {
	cw := &Writer{w: bufio.NewWriter(w), now: time.Now}
	for _, opt := range opts {
		opt(cw)
	}

	hdr.Type = HeaderType
	if hdr.Version == "" {
		hdr.Version = types.CaptureVersion
	}
	if hdr.CreatedAt.IsZero() {
		hdr.CreatedAt = cw.now().UTC()
	}
	cw.started = cw.now()

	payload, err := msgpack.Marshal(&hdr)
	if err != nil {
		return nil, fmt.Errorf("encode capture header: %w", err)
	}
	if err := writeFrame(cw.w, payload); err != nil {
		return nil, err
	}
	return cw, cw.w.Flush()
}

// Write appends one payload. The payload is copied.
func (cw *Writer) Write(payload []byte) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.seq++
	rec := Record{
		Type:     RecordType,
		Seq:      cw.seq,
		OffsetMs: cw.now().Sub(cw.started).Milliseconds(),
		Payload:  append([]byte(nil), payload...),
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode capture record: %w", err)
	}
	return writeFrame(cw.w, data)
}

// Count returns the number of records written.
func (cw *Writer) Count() int64 {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.seq
}

// Flush flushes buffered frames to the underlying writer.
func (cw *Writer) Flush() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.w.Flush()
}

// frameTypeProbe is used to peek at the type field without full decode.
type frameTypeProbe struct {
	Type string `msgpack:"type"`
}

// Reader reads a capture.
type Reader struct {
	dec    *FrameDecoder
	header Header
}

// NewReader reads and validates the header.
// Captures from a different major version are rejected.
func NewReader(r io.Reader) (*Reader, error) {
	dec := NewFrameDecoder(bufio.NewReader(r))
	payload, err := dec.ReadFrame()
	if errors.Is(err, io.EOF) {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "empty capture", Err: io.ErrUnexpectedEOF}
	}
	if err != nil {
		return nil, err
	}

	var hdr Header
	if err := msgpack.Unmarshal(payload, &hdr); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode capture header", Err: err}
	}
	if hdr.Type != HeaderType {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: fmt.Sprintf("expected header frame, got %q", hdr.Type)}
	}
	if major(hdr.Version) != major(types.CaptureVersion) {
		return nil, &FrameError{
			Kind: FrameErrorVersion,
			Msg:  fmt.Sprintf("unsupported capture version %s (reader %s)", hdr.Version, types.CaptureVersion),
		}
	}
	return &Reader{dec: dec, header: hdr}, nil
}

// Header returns the capture header.
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next record, or io.EOF at the end of the capture.
func (r *Reader) Next() (*Record, error) {
	payload, err := r.dec.ReadFrame()
	if err != nil {
		return nil, err
	}

	var probe frameTypeProbe
	if err := msgpack.Unmarshal(payload, &probe); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode frame type", Err: err}
	}
	if probe.Type != RecordType {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: fmt.Sprintf("unexpected frame type %q", probe.Type)}
	}

	var rec Record
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode capture record", Err: err}
	}
	return &rec, nil
}

// ReadAll reads every remaining record.
func (r *Reader) ReadAll() ([]*Record, error) {
	var out []*Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Load reads a whole capture from r.
func Load(r io.Reader) (Header, []*Record, error) {
	cr, err := NewReader(r)
	if err != nil {
		return Header{}, nil, err
	}
	recs, err := cr.ReadAll()
	return cr.Header(), recs, err
}

func major(version string) string {
	m, _, _ := strings.Cut(version, ".")
	return m
}
