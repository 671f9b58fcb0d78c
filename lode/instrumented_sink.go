package lode

import (
	"context"

	"github.com/justapithecus/promptopt/metrics"
	"github.com/justapithecus/promptopt/policy"
	"github.com/justapithecus/promptopt/types"
)

// InstrumentedSink wraps a policy.Sink and records write metrics.
// Each WriteEvents call increments archive_write_success or
// archive_write_failure on the metrics collector.
type InstrumentedSink struct {
	inner     policy.Sink
	collector *metrics.Collector
}

// NewInstrumentedSink wraps a sink with metrics instrumentation.
func NewInstrumentedSink(inner policy.Sink, collector *metrics.Collector) *InstrumentedSink {
	return &InstrumentedSink{inner: inner, collector: collector}
}

// WriteEvents delegates to the inner sink and records success or failure.
func (s *InstrumentedSink) WriteEvents(ctx context.Context, records []*types.EventRecord) error {
	err := s.inner.WriteEvents(ctx, records)
	if err != nil {
		s.collector.IncArchiveWriteFailure()
	} else {
		s.collector.IncArchiveWriteSuccess()
	}
	return err
}

// Close delegates to the inner sink.
func (s *InstrumentedSink) Close() error {
	return s.inner.Close()
}

// Verify InstrumentedSink implements policy.Sink.
var _ policy.Sink = (*InstrumentedSink)(nil)
