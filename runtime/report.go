package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
	"unicode/utf8"

	"github.com/justapithecus/promptopt/metrics"
	"github.com/justapithecus/promptopt/pipeline"
	"github.com/justapithecus/promptopt/types"
)

// RunReport is the structured JSON report written by --report.
type RunReport struct {
	RunID       string              `json:"run_id"`
	ParentRunID string              `json:"parent_run_id,omitempty"`
	Attempt     int                 `json:"attempt"`
	Backend     types.Backend       `json:"backend"`
	Endpoint    string              `json:"endpoint"`
	Outcome     types.OutcomeStatus `json:"outcome"`
	Message     string              `json:"message"`
	LastStage   string              `json:"last_stage,omitempty"`
	ExitCode    int                 `json:"exit_code"`
	StartedAt   string              `json:"started_at"`
	DurationMs  int64               `json:"duration_ms"`

	Progress *ReportProgress   `json:"progress"`
	Events   *ReportEvents     `json:"events"`
	Policy   *ReportPolicy     `json:"policy"`
	Metrics  *metrics.Snapshot `json:"metrics"`

	Violations    []pipeline.Violation    `json:"violations,omitempty"`
	FieldWarnings []pipeline.FieldWarning `json:"field_warnings,omitempty"`
	// FinalPromptLength is in runes; zero unless the run succeeded.
	FinalPromptLength int `json:"final_prompt_length"`
}

// ReportProgress holds the progress reached in the report.
type ReportProgress struct {
	Percent int    `json:"percent"`
	Label   string `json:"label"`
}

// ReportEvents holds stream counters in the report.
type ReportEvents struct {
	Ingested     int64 `json:"ingested"`
	Dropped      int64 `json:"dropped"`
	DSIterations int   `json:"ds_iterations"`
}

// ReportPolicy holds policy stats in the report.
type ReportPolicy struct {
	Name            string           `json:"name"`
	EventsReceived  int64            `json:"events_received"`
	EventsPersisted int64            `json:"events_persisted"`
	EventsDropped   int64            `json:"events_dropped"`
	DroppedByStage  map[string]int64 `json:"dropped_by_stage,omitempty"`
	Flushes         int64            `json:"flushes"`
}

// BuildRunReport composes a RunReport from a RunResult and metrics snapshot.
// The policyName is the policy name string (e.g. "strict", "buffered", "noop").
// The exitCode is the process exit code that will be returned to the caller.
func BuildRunReport(result *RunResult, snap metrics.Snapshot, policyName string, exitCode int) *RunReport {
	report := &RunReport{
		RunID:      result.RunMeta.RunID,
		Attempt:    result.RunMeta.Attempt,
		Backend:    result.Request.Backend,
		Endpoint:   result.Endpoint,
		Outcome:    result.Outcome.Status,
		Message:    result.Outcome.Message,
		ExitCode:   exitCode,
		StartedAt:  result.StartedAt.UTC().Format(time.RFC3339Nano),
		DurationMs: result.Duration.Milliseconds(),
		Progress: &ReportProgress{
			Percent: result.Progress.Percent,
			Label:   result.Progress.Label,
		},
		Events: &ReportEvents{
			Ingested: result.EventCount,
			Dropped:  result.FramesDropped,
		},
		Policy: &ReportPolicy{
			Name:            policyName,
			EventsReceived:  result.PolicyStats.TotalEvents,
			EventsPersisted: result.PolicyStats.EventsPersisted,
			EventsDropped:   result.PolicyStats.EventsDropped,
			DroppedByStage:  result.PolicyStats.DroppedByStage,
			Flushes:         result.PolicyStats.FlushCount,
		},
		Metrics:       &snap,
		Violations:    result.Violations,
		FieldWarnings: result.FieldWarnings,
	}

	if result.RunMeta.ParentRunID != nil {
		report.ParentRunID = *result.RunMeta.ParentRunID
	}
	if result.Outcome.Stage != nil {
		report.LastStage = *result.Outcome.Stage
	}
	switch {
	case result.Result != nil:
		report.Events.DSIterations = len(result.Result.DSIterations)
		report.FinalPromptLength = utf8.RuneCountInString(result.Result.FinalPrompt)
	case result.Partial != nil:
		report.Events.DSIterations = len(result.Partial.DSIterations)
	}

	return report
}

// WriteRunReport writes the report as JSON to the specified path.
// If path is "-", writes to stderr.
func WriteRunReport(report *RunReport, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}

	if path == "-" {
		if err := writeRunReportTo(report, os.Stderr); err != nil {
			return fmt.Errorf("failed to write report to stderr: %w", err)
		}
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	if err := writeRunReportTo(report, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return f.Close()
}

// writeRunReportTo writes report JSON to any writer.
func writeRunReportTo(report *RunReport, w io.Writer) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
