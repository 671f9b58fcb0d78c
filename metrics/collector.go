// Package metrics provides per-run metrics collection.
//
// The Collector accumulates counters during a single run. It is a leaf package
// with no internal dependencies. Policy metrics are absorbed from policy.Stats
// at run completion rather than recorded live, avoiding double-counting.
package metrics

import (
	"maps"
	"sync"
)

// Dimensions are informational labels fixed at construction.
type Dimensions struct {
	Policy         string `json:"policy"`
	Backend        string `json:"backend"`
	StorageBackend string `json:"storage_backend"`
	Endpoint       string `json:"endpoint,omitempty"`
	RunID          string `json:"run_id,omitempty"`
}

// Snapshot is an immutable point-in-time view of all run metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Run lifecycle
	RunsStarted     int64            `json:"runs_started"`
	RunsSucceeded   int64            `json:"runs_succeeded"`
	RunsFailed      int64            `json:"runs_failed"`
	FailedByOutcome map[string]int64 `json:"failed_by_outcome"`

	// Wire
	BytesRead     int64            `json:"bytes_read"`
	FramesRead    int64            `json:"frames_read"`
	FramesIgnored int64            `json:"frames_ignored"`
	FramesDropped int64            `json:"frames_dropped"`
	DroppedByKind map[string]int64 `json:"dropped_by_kind"`

	// Aggregation
	EventsApplied   int64 `json:"events_applied"`
	EventsCommitted int64 `json:"events_committed"`
	Violations      int64 `json:"violations"`
	FieldWarnings   int64 `json:"field_warnings"`
	DSIterations    int64 `json:"ds_iterations"`

	// Policy (absorbed from policy.Stats at run completion)
	EventsReceived  int64            `json:"events_received"`
	EventsPersisted int64            `json:"events_persisted"`
	EventsDropped   int64            `json:"events_dropped"`
	DroppedByStage  map[string]int64 `json:"dropped_by_stage"`
	PolicyFlushes   int64            `json:"policy_flushes"`

	// Archive
	ArchiveWriteSuccess int64 `json:"archive_write_success"`
	ArchiveWriteFailure int64 `json:"archive_write_failure"`

	// Notifications
	AdapterPublishSuccess int64 `json:"adapter_publish_success"`
	AdapterPublishFailure int64 `json:"adapter_publish_failure"`

	// Transport
	EndpointFailures int64 `json:"endpoint_failures"`
	RequestRetries   int64 `json:"request_retries"`

	Dimensions Dimensions `json:"dimensions"`
}

// Collector accumulates metrics during a single run.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(dims Dimensions) *Collector {
	return &Collector{s: Snapshot{
		FailedByOutcome: make(map[string]int64),
		DroppedByKind:   make(map[string]int64),
		DroppedByStage:  make(map[string]int64),
		Dimensions:      dims,
	}}
}

func (c *Collector) update(fn func(s *Snapshot)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	fn(&c.s)
	c.mu.Unlock()
}

// --- Run lifecycle ---

// IncRunStarted records a run start.
func (c *Collector) IncRunStarted() {
	c.update(func(s *Snapshot) { s.RunsStarted++ })
}

// IncRunSucceeded records a successful run.
func (c *Collector) IncRunSucceeded() {
	c.update(func(s *Snapshot) { s.RunsSucceeded++ })
}

// IncRunFailed records a failed run bucketed by outcome status.
func (c *Collector) IncRunFailed(outcome string) {
	c.update(func(s *Snapshot) {
		s.RunsFailed++
		s.FailedByOutcome[outcome]++
	})
}

// --- Wire ---

// SetWireStats records decoder counters. Called once at stream end.
func (c *Collector) SetWireStats(bytesRead, frames, ignored int64) {
	c.update(func(s *Snapshot) {
		s.BytesRead = bytesRead
		s.FramesRead = frames
		s.FramesIgnored = ignored
	})
}

// IncFrameDropped records a frame dropped as malformed, keyed by error kind.
func (c *Collector) IncFrameDropped(kind string) {
	c.update(func(s *Snapshot) {
		s.FramesDropped++
		s.DroppedByKind[kind]++
	})
}

// --- Aggregation ---

// IncEventApplied records an event folded into the accumulator.
func (c *Collector) IncEventApplied(committed bool) {
	c.update(func(s *Snapshot) {
		s.EventsApplied++
		if committed {
			s.EventsCommitted++
		}
	})
}

// SetAggregation records end-of-run accumulator counts.
func (c *Collector) SetAggregation(violations, fieldWarnings, dsIterations int) {
	c.update(func(s *Snapshot) {
		s.Violations = int64(violations)
		s.FieldWarnings = int64(fieldWarnings)
		s.DSIterations = int64(dsIterations)
	})
}

// --- Policy ---

// AbsorbPolicyStats copies policy counters into the collector.
// Called once after run completion with the final policy stats snapshot.
// Arguments are plain values to keep this package free of internal imports.
func (c *Collector) AbsorbPolicyStats(total, persisted, dropped, flushes int64, droppedByStage map[string]int64) {
	c.update(func(s *Snapshot) {
		s.EventsReceived = total
		s.EventsPersisted = persisted
		s.EventsDropped = dropped
		s.PolicyFlushes = flushes
		s.DroppedByStage = maps.Clone(droppedByStage)
		if s.DroppedByStage == nil {
			s.DroppedByStage = make(map[string]int64)
		}
	})
}

// --- Archive ---
// Archive counters are per-call, not per-record. A single WriteEvents call
// with N events counts as 1 success.

// IncArchiveWriteSuccess records a successful archive write (per-call).
func (c *Collector) IncArchiveWriteSuccess() {
	c.update(func(s *Snapshot) { s.ArchiveWriteSuccess++ })
}

// IncArchiveWriteFailure records a failed archive write (per-call).
func (c *Collector) IncArchiveWriteFailure() {
	c.update(func(s *Snapshot) { s.ArchiveWriteFailure++ })
}

// --- Notifications ---

// IncAdapterPublish records a notification attempt result.
func (c *Collector) IncAdapterPublish(ok bool) {
	c.update(func(s *Snapshot) {
		if ok {
			s.AdapterPublishSuccess++
		} else {
			s.AdapterPublishFailure++
		}
	})
}

// --- Transport ---

// IncEndpointFailure records a transport failure against an endpoint.
func (c *Collector) IncEndpointFailure() {
	c.update(func(s *Snapshot) { s.EndpointFailures++ })
}

// IncRequestRetry records a retried request.
func (c *Collector) IncRequestRetry() {
	c.update(func(s *Snapshot) { s.RequestRetries++ })
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.s
	out.FailedByOutcome = maps.Clone(c.s.FailedByOutcome)
	out.DroppedByKind = maps.Clone(c.s.DroppedByKind)
	out.DroppedByStage = maps.Clone(c.s.DroppedByStage)
	return out
}
