package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/justapithecus/promptopt/capture"
)

// recording owns the --record file. Each attempt starts a fresh capture,
// so the file always holds the latest attempt.
type recording struct {
	path string
	f    *os.File
	w    *capture.Writer
}

func createRecording(path string) (*recording, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture: %w", err)
	}
	return &recording{path: path, f: f}, nil
}

// next starts the capture of a new attempt.
func (r *recording) next(hdr capture.Header) (*capture.Writer, error) {
	if r.w != nil {
		if err := r.f.Truncate(0); err != nil {
			return nil, fmt.Errorf("reset capture %s: %w", r.path, err)
		}
		if _, err := r.f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("reset capture %s: %w", r.path, err)
		}
	}
	w, err := capture.NewWriter(r.f, hdr)
	if err != nil {
		return nil, fmt.Errorf("start capture %s: %w", r.path, err)
	}
	r.w = w
	return w, nil
}

// Close flushes the current capture and closes the file.
func (r *recording) Close() error {
	var flushErr error
	if r.w != nil {
		flushErr = r.w.Flush()
	}
	return errors.Join(flushErr, r.f.Close())
}
