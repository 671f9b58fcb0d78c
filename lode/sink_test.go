package lode

import (
	"errors"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/justapithecus/promptopt/metrics"
	"github.com/justapithecus/promptopt/policy"
	"github.com/justapithecus/promptopt/types"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("time.Parse(%q): %v", s, err)
	}
	return ts
}

func TestDeriveDay(t *testing.T) {
	if got := DeriveDay(mustTime(t, "2026-10-16T23:30:00-05:00")); got != "2026-10-17" {
		t.Errorf("DeriveDay = %q, want UTC day 2026-10-17", got)
	}
}

func TestSink_DelegatesToClient(t *testing.T) {
	client := NewStubClient()
	sink := NewSink(client)

	recs := []*types.EventRecord{eventRecord("r", 1, "init", "", nil)}
	if err := sink.WriteEvents(t.Context(), recs); err != nil {
		t.Fatalf("WriteEvents failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(client.Events) != 1 || !client.Closed {
		t.Errorf("client events=%d closed=%v", len(client.Events), client.Closed)
	}
}

func TestSink_WithStrictPolicy(t *testing.T) {
	client, err := NewLodeClientWithFactory(testConfig("run-1"), lode.NewMemoryFactory())
	if err != nil {
		t.Fatalf("NewLodeClientWithFactory failed: %v", err)
	}
	pol := policy.NewStrictPolicy(NewSink(client))

	for seq := int64(1); seq <= 3; seq++ {
		if err := pol.IngestEvent(t.Context(), eventRecord("run-1", seq, "init", "", nil)); err != nil {
			t.Fatalf("IngestEvent failed: %v", err)
		}
	}
	if got := pol.Stats().EventsPersisted; got != 3 {
		t.Errorf("EventsPersisted = %d, want 3", got)
	}
}

func TestInstrumentedSink(t *testing.T) {
	collector := metrics.NewCollector(metrics.Dimensions{})
	inner := policy.NewStubSink()
	sink := NewInstrumentedSink(inner, collector)

	_ = sink.WriteEvents(t.Context(), []*types.EventRecord{eventRecord("r", 1, "init", "", nil)})
	inner.SetError(errors.New("boom"))
	_ = sink.WriteEvents(t.Context(), []*types.EventRecord{eventRecord("r", 2, "init", "", nil)})

	s := collector.Snapshot()
	if s.ArchiveWriteSuccess != 1 || s.ArchiveWriteFailure != 1 {
		t.Errorf("success=%d failure=%d, want 1/1", s.ArchiveWriteSuccess, s.ArchiveWriteFailure)
	}
	if err := sink.Close(); err != nil || !inner.Stats().Closed {
		t.Errorf("Close did not delegate: %v", err)
	}
}

func TestPutFile_FinalPromptSidecar(t *testing.T) {
	store := lode.NewMemory()
	client, err := NewLodeClientWithFactory(testConfig("run-1"), sharedFactory(store))
	if err != nil {
		t.Fatalf("NewLodeClientWithFactory failed: %v", err)
	}

	prompt := "  multi\nline prompt  "
	if err := client.PutFile(t.Context(), FinalPromptFile, "text/plain", []byte(prompt)); err != nil {
		t.Fatalf("PutFile failed: %v", err)
	}
	got, err := client.ReadFile(t.Context(), FinalPromptFile)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != prompt {
		t.Errorf("sidecar = %q, want %q", got, prompt)
	}
}

func TestPutFile_RejectsTraversal(t *testing.T) {
	client, err := NewLodeClientWithFactory(testConfig("run-1"), lode.NewMemoryFactory())
	if err != nil {
		t.Fatalf("NewLodeClientWithFactory failed: %v", err)
	}
	for _, name := range []string{"", "../x", "a/b", `a\b`} {
		if err := client.PutFile(t.Context(), name, "text/plain", nil); err == nil {
			t.Errorf("PutFile(%q) succeeded, want error", name)
		}
	}
}

func TestPutFile_StoreFailureClassified(t *testing.T) {
	store := &FailingStore{PutErr: errors.New("write: no space left on device")}
	client, err := NewLodeClientWithFactory(testConfig("run-1"), sharedFactory(store))
	if err != nil {
		t.Fatalf("NewLodeClientWithFactory failed: %v", err)
	}
	err = client.PutFile(t.Context(), FinalPromptFile, "text/plain", []byte("x"))
	if !errors.Is(err, ErrDiskFull) {
		t.Errorf("expected ErrDiskFull, got %v", err)
	}
	want := "datasets/promptopt/partitions/backend=gemini/day=2026-10-16/run_id=run-1/files/final_prompt.txt"
	if len(store.PutPaths) == 0 || store.PutPaths[len(store.PutPaths)-1] != want {
		t.Errorf("PutPaths = %v, want last %q", store.PutPaths, want)
	}
}
