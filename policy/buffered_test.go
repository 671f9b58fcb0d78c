package policy_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/justapithecus/promptopt/policy"
	"github.com/justapithecus/promptopt/types"
)

// helper to create policy or fail test
func mustNewBufferedPolicy(t *testing.T, sink policy.Sink, config policy.BufferedConfig) *policy.BufferedPolicy {
	t.Helper()
	pol, err := policy.NewBufferedPolicy(sink, config)
	if err != nil {
		t.Fatalf("NewBufferedPolicy failed: %v", err)
	}
	return pol
}

func TestBufferedPolicy_InvalidConfig(t *testing.T) {
	sink := policy.NewStubSink()

	if _, err := policy.NewBufferedPolicy(sink, policy.BufferedConfig{}); !errors.Is(err, policy.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	_, err := policy.NewBufferedPolicy(sink, policy.BufferedConfig{MaxBufferEvents: 1, FlushMode: "eventually"})
	if !errors.Is(err, policy.ErrInvalidFlushMode) {
		t.Errorf("expected ErrInvalidFlushMode, got %v", err)
	}
}

func TestBufferedPolicy_BuffersUntilFlush(t *testing.T) {
	sink := policy.NewStubSink()
	pol := mustNewBufferedPolicy(t, sink, policy.BufferedConfig{MaxBufferEvents: 10})

	for i := int64(1); i <= 3; i++ {
		if err := pol.IngestEvent(t.Context(), commitRecord(i)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if sink.Stats().EventsWritten != 0 {
		t.Errorf("expected 0 events written before flush, got %d", sink.Stats().EventsWritten)
	}
	if pol.Stats().BufferSize == 0 {
		t.Error("expected non-zero BufferSize while buffered")
	}

	if err := pol.Flush(t.Context()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	sinkStats := sink.Stats()
	if sinkStats.EventsWritten != 3 {
		t.Errorf("expected 3 events written, got %d", sinkStats.EventsWritten)
	}
	if sinkStats.EventBatches != 1 {
		t.Errorf("expected 1 batch, got %d", sinkStats.EventBatches)
	}

	stats := pol.Stats()
	if stats.EventsPersisted != 3 {
		t.Errorf("expected EventsPersisted=3, got %d", stats.EventsPersisted)
	}
	if stats.BufferSize != 0 {
		t.Errorf("expected BufferSize=0 after flush, got %d", stats.BufferSize)
	}
}

func TestBufferedPolicy_FlushEmpty(t *testing.T) {
	sink := policy.NewStubSink()
	pol := mustNewBufferedPolicy(t, sink, policy.BufferedConfig{MaxBufferEvents: 10})

	if err := pol.Flush(t.Context()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sink.Stats().EventBatches != 0 {
		t.Error("empty flush must not write a batch")
	}
}

func TestBufferedPolicy_DropsIncomingDroppableWhenFull(t *testing.T) {
	sink := policy.NewStubSink()
	pol := mustNewBufferedPolicy(t, sink, policy.BufferedConfig{MaxBufferEvents: 2})

	_ = pol.IngestEvent(t.Context(), commitRecord(1))
	_ = pol.IngestEvent(t.Context(), commitRecord(2))
	if err := pol.IngestEvent(t.Context(), progressRecord(3)); err != nil {
		t.Fatalf("droppable event should be dropped silently, got %v", err)
	}

	stats := pol.Stats()
	if stats.EventsDropped != 1 {
		t.Errorf("expected EventsDropped=1, got %d", stats.EventsDropped)
	}
	if stats.DroppedByStage["ds_iteration"] != 1 {
		t.Errorf("DroppedByStage = %v", stats.DroppedByStage)
	}
}

func TestBufferedPolicy_EvictsOldestDroppable(t *testing.T) {
	sink := policy.NewStubSink()
	pol := mustNewBufferedPolicy(t, sink, policy.BufferedConfig{MaxBufferEvents: 3})

	_ = pol.IngestEvent(t.Context(), progressRecord(1))
	_ = pol.IngestEvent(t.Context(), commitRecord(2))
	_ = pol.IngestEvent(t.Context(), progressRecord(3))

	// Buffer full; a terminal event evicts seq 1.
	if err := pol.IngestEvent(t.Context(), record(4, "complete", types.StatusNone)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := pol.Flush(t.Context()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	want := []int64{2, 3, 4}
	got := sink.Seqs()
	if len(got) != len(want) {
		t.Fatalf("seqs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("seqs[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if pol.Stats().EventsDropped != 1 {
		t.Errorf("expected EventsDropped=1, got %d", pol.Stats().EventsDropped)
	}
}

func TestBufferedPolicy_BufferFullOfCommits(t *testing.T) {
	sink := policy.NewStubSink()
	pol := mustNewBufferedPolicy(t, sink, policy.BufferedConfig{MaxBufferEvents: 1})

	_ = pol.IngestEvent(t.Context(), commitRecord(1))
	err := pol.IngestEvent(t.Context(), commitRecord(2))
	if !errors.Is(err, policy.ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
	if pol.Stats().Errors != 1 {
		t.Errorf("expected Errors=1, got %d", pol.Stats().Errors)
	}
}

func TestBufferedPolicy_ByteLimit(t *testing.T) {
	sink := policy.NewStubSink()
	// Each test record is 64 bytes plus overhead; two fit.
	pol := mustNewBufferedPolicy(t, sink, policy.BufferedConfig{MaxBufferBytes: 400})

	_ = pol.IngestEvent(t.Context(), commitRecord(1))
	_ = pol.IngestEvent(t.Context(), commitRecord(2))
	if err := pol.IngestEvent(t.Context(), commitRecord(3)); !errors.Is(err, policy.ErrBufferFull) {
		t.Errorf("expected ErrBufferFull at byte limit, got %v", err)
	}
}

func TestBufferedPolicy_FlushFailureModes(t *testing.T) {
	tests := []struct {
		mode          policy.FlushMode
		wantErr       bool
		wantRetained  bool
		wantDropCount int64
	}{
		{policy.FlushAtLeastOnce, true, true, 0},
		{policy.FlushBestEffort, false, false, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			sink := policy.NewStubSink()
			pol := mustNewBufferedPolicy(t, sink, policy.BufferedConfig{MaxBufferEvents: 10, FlushMode: tt.mode})

			_ = pol.IngestEvent(t.Context(), commitRecord(1))
			_ = pol.IngestEvent(t.Context(), record(2, "complete", types.StatusNone))

			sink.SetError(errors.New("s3 unavailable"))
			err := pol.Flush(t.Context())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Flush error = %v, wantErr %v", err, tt.wantErr)
			}

			stats := pol.Stats()
			if stats.Errors != 1 {
				t.Errorf("Errors = %d, want 1", stats.Errors)
			}
			if stats.EventsDropped != tt.wantDropCount {
				t.Errorf("EventsDropped = %d, want %d", stats.EventsDropped, tt.wantDropCount)
			}

			// Recover the sink and flush again.
			sink.SetError(nil)
			if err := pol.Flush(t.Context()); err != nil {
				t.Fatalf("second Flush failed: %v", err)
			}
			written := sink.Stats().EventsWritten
			if tt.wantRetained && written != 2 {
				t.Errorf("retained events written = %d, want 2", written)
			}
			if !tt.wantRetained && written != 0 {
				t.Errorf("discarded events written = %d, want 0", written)
			}
		})
	}
}

func TestBufferedPolicy_CloseFlushesAndCloses(t *testing.T) {
	sink := policy.NewStubSink()
	pol := mustNewBufferedPolicy(t, sink, policy.DefaultBufferedConfig())

	_ = pol.IngestEvent(t.Context(), commitRecord(1))
	if err := pol.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if sink.Stats().EventsWritten != 1 {
		t.Errorf("expected remaining event flushed on close")
	}
	if !sink.Stats().Closed {
		t.Error("expected sink closed")
	}
}

// TestBufferedPolicy_Stats_ConcurrentAccess verifies that Stats() is safe
// under concurrent ingestion and flush operations. Run with -race.
func TestBufferedPolicy_Stats_ConcurrentAccess(t *testing.T) {
	sink := policy.NewStubSink()
	pol := mustNewBufferedPolicy(t, sink, policy.BufferedConfig{MaxBufferEvents: 1000})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var wg sync.WaitGroup
	const numIngesters = 4
	const numEventsPerIngester = 50

	for i := range numIngesters {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range numEventsPerIngester {
				_ = pol.IngestEvent(ctx, progressRecord(int64(id*numEventsPerIngester+j)))
			}
		}(i)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 20 {
			_ = pol.Flush(ctx)
		}
	}()
	go func() {
		defer wg.Done()
		for range 50 {
			s := pol.Stats()
			s.DroppedByStage["mutated"] = 1
		}
	}()

	wg.Wait()
	_ = pol.Flush(ctx)

	stats := pol.Stats()
	if stats.TotalEvents != numIngesters*numEventsPerIngester {
		t.Errorf("TotalEvents = %d, want %d", stats.TotalEvents, numIngesters*numEventsPerIngester)
	}
	if stats.EventsPersisted+stats.EventsDropped != stats.TotalEvents {
		t.Errorf("persisted %d + dropped %d != total %d", stats.EventsPersisted, stats.EventsDropped, stats.TotalEvents)
	}
	if _, ok := stats.DroppedByStage["mutated"]; ok {
		t.Error("Stats() must return an independent DroppedByStage map")
	}
}
