package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

// chunkReader delivers src in the given chunk sizes, then the remainder.
type chunkReader struct {
	src    []byte
	splits []int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.src) == 0 {
		return 0, io.EOF
	}
	n := len(r.src)
	if len(r.splits) > 0 {
		n = min(r.splits[0], n)
		r.splits = r.splits[1:]
	}
	n = min(n, len(p))
	copy(p, r.src[:n])
	r.src = r.src[n:]
	return n, nil
}

// splitAt returns a reader delivering s in two chunks split at offset.
func splitAt(s string, offset int) io.Reader {
	return &chunkReader{src: []byte(s), splits: []int{offset}}
}

func readAll(t *testing.T, d *Decoder) []string {
	t.Helper()
	var out []string
	for {
		payload, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		out = append(out, string(payload))
	}
}

func equalFrames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

const sampleStream = "data: {\"stage\":\"init\",\"message\":\"Initializing LLM provider...\"}\n\n" +
	": keep-alive comment\n" +
	"data: {\"stage\":\"smart_queue\",\"status\":\"running\"}\n\n" +
	"event: ignored\n" +
	"data: {\"stage\":\"smart_queue\",\"status\":\"complete\",\"data\":{\"clarity\":0.8}}\r\n\r\n" +
	"data: {\"stage\":\"complete\",\"data\":{\"final_prompt\":\"X\"}}\n\n"

func TestDecoder_WholeStream(t *testing.T) {
	d := NewDecoder(strings.NewReader(sampleStream))
	frames := readAll(t, d)

	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4: %q", len(frames), frames)
	}
	if frames[2] != `{"stage":"smart_queue","status":"complete","data":{"clarity":0.8}}` {
		t.Errorf("CRLF not trimmed: %q", frames[2])
	}

	stats := d.Stats()
	if stats.Frames != 4 {
		t.Errorf("Stats.Frames = %d, want 4", stats.Frames)
	}
	if stats.Ignored != 2 {
		t.Errorf("Stats.Ignored = %d, want 2", stats.Ignored)
	}
	if stats.BytesRead != int64(len(sampleStream)) {
		t.Errorf("Stats.BytesRead = %d, want %d", stats.BytesRead, len(sampleStream))
	}
}

func TestDecoder_ChunkBoundaryIndependence(t *testing.T) {
	want := readAll(t, NewDecoder(strings.NewReader(sampleStream)))

	for offset := 1; offset < len(sampleStream); offset++ {
		got := readAll(t, NewDecoder(splitAt(sampleStream, offset)))
		if !equalFrames(got, want) {
			t.Fatalf("split at %d: got %q, want %q", offset, got, want)
		}
	}
}

func TestDecoder_OneByteReads(t *testing.T) {
	want := readAll(t, NewDecoder(strings.NewReader(sampleStream)))
	got := readAll(t, NewDecoder(iotest.OneByteReader(strings.NewReader(sampleStream))))
	if !equalFrames(got, want) {
		t.Errorf("one-byte reads: got %q, want %q", got, want)
	}
}

func TestDecoder_ManySmallChunks(t *testing.T) {
	want := readAll(t, NewDecoder(strings.NewReader(sampleStream)))
	r := &chunkReader{src: []byte(sampleStream), splits: []int{3, 7, 1, 11, 2, 5, 13, 1, 1, 40}}
	got := readAll(t, NewDecoder(r))
	if !equalFrames(got, want) {
		t.Errorf("irregular chunks: got %q, want %q", got, want)
	}
}

func TestDecoder_UnterminatedFinalLine(t *testing.T) {
	d := NewDecoder(strings.NewReader("data: {\"stage\":\"init\"}\ndata: {\"stage\":\"complete\"}"))
	frames := readAll(t, d)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[1] != `{"stage":"complete"}` {
		t.Errorf("final frame = %q", frames[1])
	}
}

func TestDecoder_PrefixIsExact(t *testing.T) {
	d := NewDecoder(strings.NewReader("data:{\"stage\":\"init\"}\nDATA: x\n  data: y\ndata: z\n"))
	frames := readAll(t, d)
	if len(frames) != 1 || frames[0] != "z" {
		t.Errorf("frames = %q, want [z]", frames)
	}
	if d.Stats().Ignored != 3 {
		t.Errorf("Ignored = %d, want 3", d.Stats().Ignored)
	}
}

func TestDecoder_EmptyStream(t *testing.T) {
	d := NewDecoder(strings.NewReader(""))
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next() error = %v, want io.EOF", err)
	}
	// EOF is sticky.
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("second Next() error = %v, want io.EOF", err)
	}
}

func TestDecoder_TooLarge(t *testing.T) {
	long := "data: " + strings.Repeat("x", 64) + "\n"
	d := NewDecoder(strings.NewReader(long), WithMaxLineSize(32))

	_, err := d.Next()
	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %v", err)
	}
	if frameErr.Kind != FrameErrorTooLarge {
		t.Errorf("Kind = %v, want too_large", frameErr.Kind)
	}
	if !IsFatalFrameError(err) {
		t.Error("oversized line must be fatal")
	}
}

func TestDecoder_TooLargeWithoutNewline(t *testing.T) {
	r := iotest.OneByteReader(strings.NewReader("data: " + strings.Repeat("y", 100)))
	d := NewDecoder(r, WithMaxLineSize(16))
	_, err := d.Next()
	if !IsFatalFrameError(err) {
		t.Errorf("Next() error = %v, want fatal too_large", err)
	}
}

func TestDecoder_ReadError(t *testing.T) {
	boom := errors.New("connection reset by peer")
	r := io.MultiReader(strings.NewReader("data: {\"stage\":\"init\"}\ndata: {\"sta"), iotest.ErrReader(boom))
	d := NewDecoder(r)

	first, err := d.Next()
	if err != nil {
		t.Fatalf("first Next failed: %v", err)
	}
	if string(first) != `{"stage":"init"}` {
		t.Errorf("first frame = %q", first)
	}

	_, err = d.Next()
	if !errors.Is(err, boom) {
		t.Errorf("Next() error = %v, want wrapped %v", err, boom)
	}
	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorRead {
		t.Errorf("expected read FrameError, got %v", err)
	}
}

func TestFrameErrorKind_String(t *testing.T) {
	tests := []struct {
		kind FrameErrorKind
		want string
	}{
		{FrameErrorRead, "read"},
		{FrameErrorTooLarge, "too_large"},
		{FrameErrorDecode, "decode"},
		{FrameErrorInvalid, "invalid"},
		{FrameErrorKind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("FrameErrorKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
