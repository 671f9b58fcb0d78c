// Package policy defines how accepted stream events reach the run archive.
package policy

import (
	"context"
	"maps"
	"sync"

	"github.com/justapithecus/promptopt/pipeline"
	"github.com/justapithecus/promptopt/types"
)

// Policy defines the event persistence interface.
// Policies control buffering, dropping, and persistence behavior.
//
// Rules:
//   - May drop: informational events (no commit, not terminal)
//   - Must NOT drop: committing events, complete, error
//   - Policy must not alter event shapes
//   - Policy failure terminates the run
type Policy interface {
	// IngestEvent handles an accepted event record.
	// May drop droppable events; must not drop the rest.
	IngestEvent(ctx context.Context, record *types.EventRecord) error

	// Flush flushes any buffered data.
	// Called on the terminal event and at stream end.
	Flush(ctx context.Context) error

	// Close cleans up policy resources.
	Close() error

	// Stats returns an atomic snapshot of policy metrics.
	Stats() Stats
}

// Stats represents policy observability metrics.
type Stats struct {
	// TotalEvents is the total number of events received.
	TotalEvents int64
	// EventsPersisted is the number of events persisted.
	EventsPersisted int64
	// EventsDropped is the total number of events dropped.
	EventsDropped int64
	// DroppedByStage maps stage categories to drop counts.
	DroppedByStage map[string]int64
	// BufferSize is the current buffer size in bytes (if buffered).
	BufferSize int64
	// FlushCount is the number of flush operations.
	FlushCount int64
	// Errors is the count of non-fatal errors encountered.
	Errors int64
}

// IsDroppable returns true if the event may be dropped by policy.
// Only informational events qualify: they neither commit nor end the run.
func IsDroppable(ev *types.StreamEvent) bool {
	return !ev.Commits() && !ev.IsTerminal()
}

// stageKey buckets a stage into a bounded label for drop accounting.
func stageKey(ev *types.StreamEvent) string {
	return pipeline.ParseStage(ev.Stage).Category.String()
}

// statsRecorder is an internal helper for thread-safe stats management.
//
// Lock discipline:
//   - StrictPolicy and NoopPolicy use the locking methods
//   - BufferedPolicy uses the Locked methods only while holding its own mu
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{
		stats: Stats{DroppedByStage: make(map[string]int64)},
	}
}

func (r *statsRecorder) incTotalEvents() {
	r.mu.Lock()
	r.stats.TotalEvents++
	r.mu.Unlock()
}

func (r *statsRecorder) incEventsPersisted(n int64) {
	r.mu.Lock()
	r.stats.EventsPersisted += n
	r.mu.Unlock()
}

func (r *statsRecorder) incEventsDropped(stage string) {
	r.mu.Lock()
	r.incEventsDroppedLocked(stage)
	r.mu.Unlock()
}

func (r *statsRecorder) incErrors() {
	r.mu.Lock()
	r.stats.Errors++
	r.mu.Unlock()
}

func (r *statsRecorder) incFlush() {
	r.mu.Lock()
	r.stats.FlushCount++
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(r.stats.BufferSize)
}

// --- Locked methods for BufferedPolicy ---
// Caller must hold BufferedPolicy.mu.

func (r *statsRecorder) incTotalEventsLocked() {
	r.stats.TotalEvents++
}

func (r *statsRecorder) incEventsPersistedLocked(n int64) {
	r.stats.EventsPersisted += n
}

func (r *statsRecorder) incEventsDroppedLocked(stage string) {
	r.stats.EventsDropped++
	r.stats.DroppedByStage[stage]++
}

func (r *statsRecorder) incErrorsLocked() {
	r.stats.Errors++
}

func (r *statsRecorder) incFlushLocked() {
	r.stats.FlushCount++
}

func (r *statsRecorder) setBufferSizeLocked(bytes int64) {
	r.stats.BufferSize = bytes
}

// snapshotLocked returns a copy of stats with the given buffer size.
func (r *statsRecorder) snapshotLocked(bufferSize int64) Stats {
	s := r.stats
	s.BufferSize = bufferSize
	s.DroppedByStage = maps.Clone(r.stats.DroppedByStage)
	return s
}
