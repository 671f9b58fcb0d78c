package lode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/justapithecus/promptopt/metrics"
	"github.com/justapithecus/promptopt/types"
)

// ErrRunMismatch is returned when a record belongs to a different run than
// the client was configured for.
var ErrRunMismatch = errors.New("record run_id does not match archive run")

// LodeClient is a Lode-backed implementation of Client.
// Uses Lode's HiveLayout with partition keys: backend/day/run_id/record_kind.
type LodeClient struct {
	dataset lode.Dataset
	config  Config

	storeFactory lode.StoreFactory
	storeOnce    sync.Once
	store        lode.Store
	storeErr     error

	mu      sync.Mutex // serializes dataset writes
	lastSeq int64
}

// NewLodeClient creates a new Lode client with filesystem storage.
// The root parameter is the base directory for Hive-partitioned storage.
func NewLodeClient(cfg Config, root string) (*LodeClient, error) {
	return NewLodeClientWithFactory(cfg, lode.NewFSFactory(root))
}

// NewLodeClientWithFactory creates a new Lode client with a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func NewLodeClientWithFactory(cfg Config, factory lode.StoreFactory) (*LodeClient, error) {
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	if cfg.RunID == "" {
		return nil, errors.New("archive config requires a run_id")
	}

	ds, err := newDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, cfg.Dataset)
	}
	return &LodeClient{dataset: ds, config: cfg, storeFactory: factory}, nil
}

// newDataset builds the dataset shared by the write and read paths.
func newDataset(id string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(id),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// WriteEvents writes a batch of event records.
// Records must belong to the configured run and arrive in ascending seq
// order across batches.
func (c *LodeClient) WriteEvents(ctx context.Context, records []*types.EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.lastSeq
	rows := make([]any, 0, len(records))
	for _, r := range records {
		if r.RunID != c.config.RunID {
			return fmt.Errorf("%w: %s", ErrRunMismatch, r.RunID)
		}
		if r.Seq <= last {
			return fmt.Errorf("event seq %d out of order (last written %d)", r.Seq, last)
		}
		last = r.Seq
		rows = append(rows, c.toEventRecordMap(r))
	}

	if _, err := c.dataset.Write(ctx, rows, lode.Metadata{}); err != nil {
		return WrapWriteError(err, c.partitionPath(RecordKindEvent))
	}

	// Only advance after a successful write so a retried batch is accepted.
	c.lastSeq = last
	return nil
}

// WriteResult writes the result record for the run.
func (c *LodeClient) WriteResult(ctx context.Context, rec *ResultRecord) error {
	if rec.Meta.RunID != c.config.RunID {
		return fmt.Errorf("%w: %s", ErrRunMismatch, rec.Meta.RunID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.dataset.Write(ctx, []any{c.toResultRecordMap(rec)}, lode.Metadata{}); err != nil {
		return WrapWriteError(err, c.partitionPath(RecordKindResult))
	}
	return nil
}

// WriteMetrics writes the metrics snapshot for the run.
func (c *LodeClient) WriteMetrics(ctx context.Context, snap metrics.Snapshot, completedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.dataset.Write(ctx, []any{c.toMetricsRecordMap(snap, completedAt)}, lode.Metadata{}); err != nil {
		return WrapWriteError(err, c.partitionPath(RecordKindMetrics))
	}
	return nil
}

// Close releases client resources.
func (c *LodeClient) Close() error {
	// Dataset doesn't require explicit close in current Lode API
	return nil
}

// Location returns a human-readable archive location for the run.
func (c *LodeClient) Location() string {
	return c.partitionPath("")
}

// partitionPath renders the run's partition prefix for error context.
func (c *LodeClient) partitionPath(kind string) string {
	p := fmt.Sprintf("%s/backend=%s/day=%s/run_id=%s",
		c.config.Dataset, c.config.Backend, c.config.Day, c.config.RunID)
	if kind != "" {
		p += "/record_kind=" + kind
	}
	return p
}

// Verify LodeClient implements Client.
var _ Client = (*LodeClient)(nil)
