package runtime

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/justapithecus/promptopt/metrics"
	"github.com/justapithecus/promptopt/pipeline"
	"github.com/justapithecus/promptopt/policy"
	"github.com/justapithecus/promptopt/types"
)

func reportFixture() *RunResult {
	parent := "run-000"
	stage := types.StageComplete
	return &RunResult{
		RunMeta: &types.RunMeta{RunID: "run-001", ParentRunID: &parent, Attempt: 2},
		Request: testRequest(),
		Outcome: &types.RunOutcome{
			Status:  types.OutcomeSuccess,
			Message: "optimization completed",
			Stage:   &stage,
		},
		Result: &types.OptimizeResult{
			Success:      true,
			FinalPrompt:  "Écris",
			DSIterations: []map[string]any{{"iteration": 1}, {"iteration": 2}},
		},
		Progress:      pipeline.Progress{Percent: 100, Label: "Complete"},
		Endpoint:      "http://localhost:8000",
		StartedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Duration:      1500 * time.Millisecond,
		PolicyStats:   policy.Stats{TotalEvents: 9, EventsPersisted: 7, EventsDropped: 2, FlushCount: 1},
		EventCount:    9,
		FramesDropped: 1,
		Violations:    []pipeline.Violation{{Kind: pipeline.ViolationIterationRegressed, Stage: "ds_iteration_1_d", Seq: 4}},
	}
}

func TestBuildRunReport(t *testing.T) {
	snap := metrics.Snapshot{RunsStarted: 1, RunsSucceeded: 1}
	report := BuildRunReport(reportFixture(), snap, "buffered", ExitCodeSuccess)

	if report.RunID != "run-001" || report.ParentRunID != "run-000" || report.Attempt != 2 {
		t.Errorf("lineage = %s/%s/%d", report.RunID, report.ParentRunID, report.Attempt)
	}
	if report.Backend != types.BackendGemini {
		t.Errorf("Backend = %s, want gemini", report.Backend)
	}
	if report.LastStage != types.StageComplete {
		t.Errorf("LastStage = %q, want complete", report.LastStage)
	}
	if report.StartedAt != "2026-03-01T12:00:00Z" {
		t.Errorf("StartedAt = %q", report.StartedAt)
	}
	if report.DurationMs != 1500 {
		t.Errorf("DurationMs = %d, want 1500", report.DurationMs)
	}
	if report.Events.Ingested != 9 || report.Events.Dropped != 1 || report.Events.DSIterations != 2 {
		t.Errorf("Events = %+v", report.Events)
	}
	if report.Policy.Name != "buffered" || report.Policy.EventsDropped != 2 || report.Policy.Flushes != 1 {
		t.Errorf("Policy = %+v", report.Policy)
	}
	// runes, not bytes
	if report.FinalPromptLength != 5 {
		t.Errorf("FinalPromptLength = %d, want 5", report.FinalPromptLength)
	}
	if report.Metrics.RunsSucceeded != 1 {
		t.Errorf("Metrics not carried over: %+v", report.Metrics)
	}
}

func TestBuildRunReport_Partial(t *testing.T) {
	res := reportFixture()
	res.Result = nil
	res.Outcome = &types.RunOutcome{Status: types.OutcomePartialFailure, Message: "incomplete run"}
	res.Partial = pipeline.NewAccumulator()
	res.Partial.DSIterations = append(res.Partial.DSIterations, map[string]any{"iteration": 1})

	report := BuildRunReport(res, metrics.Snapshot{}, "strict", ExitCode(res.Outcome.Status))
	if report.ExitCode != ExitCodeFailure {
		t.Errorf("ExitCode = %d, want %d", report.ExitCode, ExitCodeFailure)
	}
	if report.FinalPromptLength != 0 {
		t.Errorf("FinalPromptLength = %d, want 0", report.FinalPromptLength)
	}
	if report.Events.DSIterations != 1 {
		t.Errorf("DSIterations = %d, want 1", report.Events.DSIterations)
	}
	if report.LastStage != "" {
		t.Errorf("LastStage = %q, want empty", report.LastStage)
	}
}

func TestWriteRunReport(t *testing.T) {
	report := BuildRunReport(reportFixture(), metrics.Snapshot{}, "strict", 0)
	path := filepath.Join(t.TempDir(), "report.json")

	if err := WriteRunReport(report, path); err != nil {
		t.Fatalf("WriteRunReport() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		t.Error("report should end with a newline")
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	for _, key := range []string{"run_id", "parent_run_id", "outcome", "exit_code", "progress", "events", "policy", "metrics", "violations"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("report missing key %q", key)
		}
	}
	if _, ok := decoded["field_warnings"]; ok {
		t.Error("empty field_warnings should be omitted")
	}
}

func TestWriteRunReport_EmptyPath(t *testing.T) {
	if err := WriteRunReport(&RunReport{}, ""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestWriteRunReport_BadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "report.json")
	if err := WriteRunReport(&RunReport{}, path); err == nil {
		t.Error("expected error for unwritable path")
	}
}
