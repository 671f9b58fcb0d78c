package policy

import (
	"context"

	"github.com/justapithecus/promptopt/types"
)

// NoopPolicy accepts all events but persists nothing. It is used when no
// archive is configured.
//
// Stats reflect droppable vs non-droppable semantics:
//   - Droppable events are counted as dropped
//   - Non-droppable events are counted as persisted
type NoopPolicy struct {
	stats *statsRecorder
}

// NewNoopPolicy creates a new no-op policy.
func NewNoopPolicy() *NoopPolicy {
	return &NoopPolicy{stats: newStatsRecorder()}
}

// IngestEvent accepts the event but does not persist it.
func (p *NoopPolicy) IngestEvent(_ context.Context, record *types.EventRecord) error {
	p.stats.incTotalEvents()
	if IsDroppable(&record.Event) {
		p.stats.incEventsDropped(stageKey(&record.Event))
	} else {
		p.stats.incEventsPersisted(1)
	}
	return nil
}

// Flush is a no-op.
func (p *NoopPolicy) Flush(_ context.Context) error {
	p.stats.incFlush()
	return nil
}

// Close is a no-op.
func (p *NoopPolicy) Close() error {
	return nil
}

// Stats returns the policy statistics.
func (p *NoopPolicy) Stats() Stats {
	return p.stats.snapshot()
}
