package policy

import (
	"context"
	"sync"

	"github.com/justapithecus/promptopt/types"
)

// Sink abstracts persistence for policies.
// Implementations may write to storage, forward to a queue, or stub for testing.
//
// Methods are batch-oriented to support both strict (batch of 1) and buffered policies.
type Sink interface {
	// WriteEvents persists a batch of event records.
	// Must preserve ordering within the batch.
	// Returns error on failure; caller decides whether to retry or fail.
	WriteEvents(ctx context.Context, records []*types.EventRecord) error

	// Close releases any resources held by the sink.
	Close() error
}

// StubSink is a test sink that accepts writes without persisting.
// Tracks write statistics for test assertions.
type StubSink struct {
	mu sync.Mutex

	// EventsWritten is the total count of events written.
	EventsWritten int64
	// EventBatches is the number of WriteEvents calls.
	EventBatches int64
	// Closed indicates whether Close was called.
	Closed bool

	// WrittenEvents stores all written records for inspection.
	WrittenEvents []*types.EventRecord

	// ErrorOnWrite, if non-nil, is returned by WriteEvents.
	ErrorOnWrite error
}

// NewStubSink creates a new stub sink for testing.
func NewStubSink() *StubSink {
	return &StubSink{WrittenEvents: make([]*types.EventRecord, 0)}
}

// WriteEvents records the events without persisting.
func (s *StubSink) WriteEvents(_ context.Context, records []*types.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ErrorOnWrite != nil {
		return s.ErrorOnWrite
	}

	s.EventBatches++
	s.EventsWritten += int64(len(records))
	s.WrittenEvents = append(s.WrittenEvents, records...)
	return nil
}

// SetError sets the error returned by subsequent writes.
func (s *StubSink) SetError(err error) {
	s.mu.Lock()
	s.ErrorOnWrite = err
	s.mu.Unlock()
}

// Close marks the sink as closed.
func (s *StubSink) Close() error {
	s.mu.Lock()
	s.Closed = true
	s.mu.Unlock()
	return nil
}

// StubSinkStats is a point-in-time view of StubSink counters.
type StubSinkStats struct {
	EventsWritten int64
	EventBatches  int64
	Closed        bool
}

// Stats returns the current write counters.
func (s *StubSink) Stats() StubSinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StubSinkStats{
		EventsWritten: s.EventsWritten,
		EventBatches:  s.EventBatches,
		Closed:        s.Closed,
	}
}

// Seqs returns the seq numbers of written records in write order.
func (s *StubSink) Seqs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int64, len(s.WrittenEvents))
	for i, r := range s.WrittenEvents {
		out[i] = r.Seq
	}
	return out
}
