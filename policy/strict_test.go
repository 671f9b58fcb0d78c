package policy_test

import (
	"errors"
	"testing"

	"github.com/justapithecus/promptopt/policy"
	"github.com/justapithecus/promptopt/types"
)

func TestStrictPolicy_IngestEvent_ImmediateWrite(t *testing.T) {
	sink := policy.NewStubSink()
	pol := policy.NewStrictPolicy(sink)

	if err := pol.IngestEvent(t.Context(), commitRecord(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Verify immediate write (batch of 1)
	sinkStats := sink.Stats()
	if sinkStats.EventsWritten != 1 {
		t.Errorf("expected 1 event written immediately, got %d", sinkStats.EventsWritten)
	}
	if sinkStats.EventBatches != 1 {
		t.Errorf("expected 1 batch, got %d", sinkStats.EventBatches)
	}

	stats := pol.Stats()
	if stats.TotalEvents != 1 {
		t.Errorf("expected TotalEvents=1, got %d", stats.TotalEvents)
	}
	if stats.EventsPersisted != 1 {
		t.Errorf("expected EventsPersisted=1, got %d", stats.EventsPersisted)
	}
	if stats.EventsDropped != 0 {
		t.Errorf("expected EventsDropped=0, got %d", stats.EventsDropped)
	}
}

func TestStrictPolicy_NoDrops(t *testing.T) {
	sink := policy.NewStubSink()
	pol := policy.NewStrictPolicy(sink)

	// Strict policy never drops, informational events included.
	records := []*types.EventRecord{
		record(1, "init", types.StatusNone),
		progressRecord(2),
		commitRecord(3),
		record(4, "ds_converged", types.StatusNone),
		record(5, "complete", types.StatusNone),
	}
	for _, r := range records {
		if err := pol.IngestEvent(t.Context(), r); err != nil {
			t.Fatalf("unexpected error for %s: %v", r.Event.Stage, err)
		}
	}

	if got := pol.Stats().EventsDropped; got != 0 {
		t.Errorf("expected 0 drops, got %d", got)
	}
	want := []int64{1, 2, 3, 4, 5}
	got := sink.Seqs()
	if len(got) != len(want) {
		t.Fatalf("seqs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("seqs[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStrictPolicy_SinkError(t *testing.T) {
	sink := policy.NewStubSink()
	sinkErr := errors.New("disk full")
	sink.SetError(sinkErr)
	pol := policy.NewStrictPolicy(sink)

	err := pol.IngestEvent(t.Context(), commitRecord(1))
	if !errors.Is(err, sinkErr) {
		t.Fatalf("expected sink error, got %v", err)
	}

	stats := pol.Stats()
	if stats.Errors != 1 {
		t.Errorf("expected Errors=1, got %d", stats.Errors)
	}
	if stats.EventsPersisted != 0 {
		t.Errorf("expected EventsPersisted=0, got %d", stats.EventsPersisted)
	}
}

func TestStrictPolicy_Close(t *testing.T) {
	sink := policy.NewStubSink()
	pol := policy.NewStrictPolicy(sink)

	if err := pol.Flush(t.Context()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := pol.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !sink.Stats().Closed {
		t.Error("expected sink to be closed")
	}
	if pol.Stats().FlushCount != 1 {
		t.Errorf("expected FlushCount=1, got %d", pol.Stats().FlushCount)
	}
}
