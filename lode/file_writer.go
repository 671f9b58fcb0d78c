package lode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/justapithecus/lode/lode"
)

// FinalPromptFile is the sidecar holding the final prompt verbatim.
const FinalPromptFile = "final_prompt.txt"

// FileWriter writes sidecar files to the Lode Store.
// Files land at Hive-partitioned paths under files/, bypassing Dataset
// segment/manifest machinery entirely.
type FileWriter interface {
	// PutFile writes a file to the run's files/ prefix.
	// The filename must not contain path separators or "..".
	PutFile(ctx context.Context, filename, contentType string, data []byte) error
}

// Verify LodeClient implements FileWriter.
var _ FileWriter = (*LodeClient)(nil)

// validateFilename rejects names that would escape the files/ prefix.
func validateFilename(filename string) error {
	if filename == "" || strings.ContainsAny(filename, `/\`) || strings.Contains(filename, "..") {
		return fmt.Errorf("invalid sidecar filename %q", filename)
	}
	return nil
}

// PutFile writes a sidecar file to the Lode Store at the computed Hive path.
// Uses lazy store initialization via storeFactory.
func (c *LodeClient) PutFile(ctx context.Context, filename, _ string, data []byte) error {
	if err := validateFilename(filename); err != nil {
		return err
	}
	store, err := c.getOrCreateStore()
	if err != nil {
		return WrapInitError(fmt.Errorf("file write store init failed: %w", err), c.config.Dataset)
	}

	path := c.buildFilePath(filename)
	return WrapWriteError(store.Put(ctx, path, bytes.NewReader(data)), path)
}

// ReadFile reads a sidecar file previously written with PutFile.
func (c *LodeClient) ReadFile(ctx context.Context, filename string) ([]byte, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	store, err := c.getOrCreateStore()
	if err != nil {
		return nil, WrapInitError(err, c.config.Dataset)
	}

	path := c.buildFilePath(filename)
	rc, err := store.Get(ctx, path)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	return data, nil
}

// getOrCreateStore lazily initializes the Store from the factory.
func (c *LodeClient) getOrCreateStore() (lode.Store, error) {
	c.storeOnce.Do(func() {
		c.store, c.storeErr = c.storeFactory()
	})
	return c.store, c.storeErr
}

// buildFilePath computes the Hive-partitioned path for a sidecar file.
// Format: datasets/<dataset>/partitions/backend=<b>/day=<d>/run_id=<r>/files/<filename>
func (c *LodeClient) buildFilePath(filename string) string {
	return fmt.Sprintf("datasets/%s/partitions/backend=%s/day=%s/run_id=%s/files/%s",
		c.config.Dataset,
		c.config.Backend,
		c.config.Day,
		c.config.RunID,
		filename,
	)
}

// StubFileWriter records PutFile calls for testing.
type StubFileWriter struct {
	mu    sync.Mutex
	Files []StubFileRecord
}

// StubFileRecord is a recorded file write for testing.
type StubFileRecord struct {
	Filename    string
	ContentType string
	Data        []byte
}

// NewStubFileWriter creates a new stub file writer.
func NewStubFileWriter() *StubFileWriter {
	return &StubFileWriter{}
}

// PutFile implements FileWriter by recording the call.
func (w *StubFileWriter) PutFile(_ context.Context, filename, contentType string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Files = append(w.Files, StubFileRecord{
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
	})
	return nil
}

// Verify StubFileWriter implements FileWriter.
var _ FileWriter = (*StubFileWriter)(nil)
