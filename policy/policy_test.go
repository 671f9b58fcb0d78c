package policy_test

import (
	"time"

	"github.com/justapithecus/promptopt/types"
)

// record builds an event record with the given seq, stage, and status.
func record(seq int64, stage string, status types.EventStatus) *types.EventRecord {
	return &types.EventRecord{
		RunID:      "run-1",
		Seq:        seq,
		ReceivedAt: time.Unix(1700000000, 0).UTC(),
		Size:       64,
		Event:      types.StreamEvent{Stage: stage, Status: status},
	}
}

// progressRecord is droppable: an in-progress iteration event.
func progressRecord(seq int64) *types.EventRecord {
	return record(seq, "ds_iteration_1_s", types.StatusInProgress)
}

// commitRecord is non-droppable: a committed smart_queue event.
func commitRecord(seq int64) *types.EventRecord {
	r := record(seq, "smart_queue", types.StatusComplete)
	r.Event.Data = map[string]any{"clarity": 0.5}
	return r
}
