// Package lode archives optimization runs in a Lode dataset.
//
// Each run writes its accepted stream events, a result record, and a
// metrics record under a Hive layout of backend/day/run_id/record_kind.
// The final prompt is also stored verbatim as a final_prompt.txt sidecar.
package lode

import (
	"context"
	"sync"
	"time"

	"github.com/justapithecus/promptopt/metrics"
	"github.com/justapithecus/promptopt/policy"
	"github.com/justapithecus/promptopt/types"
)

// DefaultDataset is the dataset ID used when none is configured.
const DefaultDataset = "promptopt"

// DeriveDay computes the partition day from run start time.
// Format: YYYY-MM-DD in UTC.
func DeriveDay(startTime time.Time) string {
	return startTime.UTC().Format("2006-01-02")
}

// Config holds archive configuration for one run.
type Config struct {
	// Dataset is the Lode dataset ID.
	Dataset string
	// Backend is the partition key for the LLM backend.
	Backend string
	// Day is the partition key derived from run start time (YYYY-MM-DD UTC).
	Day string
	// RunID is the partition key for run identifier.
	RunID string
	// Policy is the event policy name, recorded with the metrics.
	Policy string
}

// Client abstracts the archive storage client.
type Client interface {
	// WriteEvents writes a batch of event records.
	// Must preserve ordering within the batch.
	WriteEvents(ctx context.Context, records []*types.EventRecord) error

	// WriteResult writes the run's result record.
	WriteResult(ctx context.Context, rec *ResultRecord) error

	// WriteMetrics writes the run's metrics snapshot.
	WriteMetrics(ctx context.Context, snap metrics.Snapshot, completedAt time.Time) error

	// Close releases client resources.
	Close() error
}

// Sink adapts a Client to policy.Sink.
type Sink struct {
	client Client
}

// NewSink creates a new archive sink.
func NewSink(client Client) *Sink {
	return &Sink{client: client}
}

// WriteEvents implements policy.Sink.
func (s *Sink) WriteEvents(ctx context.Context, records []*types.EventRecord) error {
	return s.client.WriteEvents(ctx, records)
}

// Close implements policy.Sink.
func (s *Sink) Close() error {
	return s.client.Close()
}

// Verify Sink implements policy.Sink.
var _ policy.Sink = (*Sink)(nil)

// StubClient is a test client that accepts writes without persisting.
type StubClient struct {
	mu sync.Mutex

	Events  []*types.EventRecord
	Results []*ResultRecord
	Metrics []metrics.Snapshot
	Closed  bool

	// ErrorOnWrite, if non-nil, is returned by every write.
	ErrorOnWrite error
}

// NewStubClient creates a new stub client.
func NewStubClient() *StubClient {
	return &StubClient{}
}

// WriteEvents implements Client.
func (c *StubClient) WriteEvents(_ context.Context, records []*types.EventRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ErrorOnWrite != nil {
		return c.ErrorOnWrite
	}
	c.Events = append(c.Events, records...)
	return nil
}

// WriteResult implements Client.
func (c *StubClient) WriteResult(_ context.Context, rec *ResultRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ErrorOnWrite != nil {
		return c.ErrorOnWrite
	}
	c.Results = append(c.Results, rec)
	return nil
}

// WriteMetrics implements Client.
func (c *StubClient) WriteMetrics(_ context.Context, snap metrics.Snapshot, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ErrorOnWrite != nil {
		return c.ErrorOnWrite
	}
	c.Metrics = append(c.Metrics, snap)
	return nil
}

// Close implements Client.
func (c *StubClient) Close() error {
	c.mu.Lock()
	c.Closed = true
	c.mu.Unlock()
	return nil
}

// Verify StubClient implements Client.
var _ Client = (*StubClient)(nil)
