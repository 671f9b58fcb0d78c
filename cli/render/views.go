package render

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"

	"github.com/justapithecus/promptopt/capture"
	"github.com/justapithecus/promptopt/lode"
	"github.com/justapithecus/promptopt/runtime"
	"github.com/justapithecus/promptopt/stream"
	"github.com/justapithecus/promptopt/types"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	goodStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
)

// metadataOrder lists the terminal metadata keys shown first, in order.
var metadataOrder = []string{
	"original_length", "final_length", "length_change_percent",
	"converged", "convergence_iteration", "processing_time_seconds",
}

// ResultView is the rendered form of an optimization result.
type ResultView struct {
	Success        bool                      `json:"success" yaml:"success"`
	OriginalPrompt string                    `json:"original_prompt" yaml:"original_prompt"`
	FinalPrompt    string                    `json:"final_prompt" yaml:"final_prompt"`
	PCV            *types.PCVResult          `json:"pcv,omitempty" yaml:"pcv,omitempty"`
	Iterations     []types.DSIteration       `json:"ds_iterations" yaml:"ds_iterations"`
	Evaluation     *types.PairwiseEvaluation `json:"evaluation,omitempty" yaml:"evaluation,omitempty"`
	Metadata       map[string]any            `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NewResultView builds the view of a final result. Returns nil for nil.
func NewResultView(r *types.OptimizeResult) *ResultView {
	if r == nil {
		return nil
	}
	v := &ResultView{
		Success:        r.Success,
		OriginalPrompt: r.OriginalPrompt,
		FinalPrompt:    r.FinalPrompt,
		Iterations:     r.Iterations(),
		Evaluation:     r.Scores(),
		Metadata:       r.Metadata,
	}
	if !r.PCV.IsZero() {
		v.PCV = r.PCV
	}
	return v
}

// Table implements Tabler.
func (v *ResultView) Table(out io.Writer, color bool) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	for _, key := range metadataKeys(v.Metadata) {
		fmt.Fprintf(w, "%s:\t%v\n", key, v.Metadata[key])
	}
	if e := v.Evaluation; e != nil {
		fmt.Fprintf(w, "scores:\tclarity %+.2f  structure %+.2f  constraints %+.2f  usefulness %+.2f\n",
			e.Clarity, e.Structure, e.Constraints, e.Usefulness)
		if e.Comment != "" {
			fmt.Fprintf(w, "comment:\t%s\n", singleLine(e.Comment))
		}
	}
	if len(v.Iterations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "iteration\tlength\tchange_rate")
		for _, it := range v.Iterations {
			fmt.Fprintf(w, "%d\t%d\t%.3f\n", it.Iteration, it.Length, it.ChangeRate)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	heading := "Final prompt"
	if color {
		heading = headingStyle.Render(heading)
	}
	_, err := fmt.Fprintf(out, "\n%s (%d chars)\n%s\n", heading, utf8.RuneCountInString(v.FinalPrompt), v.FinalPrompt)
	return err
}

// metadataKeys returns the known keys in display order, then the rest sorted.
func metadataKeys(m map[string]any) []string {
	var keys []string
	seen := make(map[string]bool, len(metadataOrder))
	for _, k := range metadataOrder {
		if _, ok := m[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range m {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// RunView summarizes one run attempt.
type RunView struct {
	RunID         string              `json:"run_id" yaml:"run_id"`
	ParentRunID   string              `json:"parent_run_id,omitempty" yaml:"parent_run_id,omitempty"`
	Attempt       int                 `json:"attempt" yaml:"attempt"`
	Outcome       types.OutcomeStatus `json:"outcome" yaml:"outcome"`
	Message       string              `json:"message" yaml:"message"`
	LastStage     string              `json:"last_stage,omitempty" yaml:"last_stage,omitempty"`
	Endpoint      string              `json:"endpoint" yaml:"endpoint"`
	DurationMs    int64               `json:"duration_ms" yaml:"duration_ms"`
	Progress      int                 `json:"progress" yaml:"progress"`
	Events        int64               `json:"events" yaml:"events"`
	FramesDropped int64               `json:"frames_dropped" yaml:"frames_dropped"`
	Violations    int                 `json:"violations" yaml:"violations"`
	Result        *ResultView         `json:"result,omitempty" yaml:"result,omitempty"`
}

// NewRunView builds the view of a run result.
func NewRunView(res *runtime.RunResult) *RunView {
	v := &RunView{
		RunID:         res.RunMeta.RunID,
		Attempt:       res.RunMeta.Attempt,
		Outcome:       res.Outcome.Status,
		Message:       res.Outcome.Message,
		Endpoint:      res.Endpoint,
		DurationMs:    res.Duration.Milliseconds(),
		Progress:      res.Progress.Percent,
		Events:        res.EventCount,
		FramesDropped: res.FramesDropped,
		Violations:    len(res.Violations),
		Result:        NewResultView(res.Result),
	}
	if res.RunMeta.ParentRunID != nil {
		v.ParentRunID = *res.RunMeta.ParentRunID
	}
	if res.Outcome.Stage != nil {
		v.LastStage = *res.Outcome.Stage
	}
	return v
}

// Table implements Tabler.
func (v *RunView) Table(out io.Writer, color bool) error {
	outcome := string(v.Outcome)
	if color {
		if v.Outcome == types.OutcomeSuccess {
			outcome = goodStyle.Render(outcome)
		} else {
			outcome = badStyle.Render(outcome)
		}
	}
	if _, err := fmt.Fprintf(out, "%s  %s\n", outcome, v.Message); err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "run_id:\t%s (attempt %d)\n", v.RunID, v.Attempt)
	fmt.Fprintf(w, "endpoint:\t%s\n", v.Endpoint)
	fmt.Fprintf(w, "duration:\t%.1fs\n", float64(v.DurationMs)/1000)
	fmt.Fprintf(w, "progress:\t%d%%\n", v.Progress)
	if v.LastStage != "" && v.Outcome != types.OutcomeSuccess {
		fmt.Fprintf(w, "last_stage:\t%s\n", v.LastStage)
	}
	fmt.Fprintf(w, "events:\t%d (%d dropped, %d violations)\n", v.Events, v.FramesDropped, v.Violations)
	if err := w.Flush(); err != nil {
		return err
	}

	if v.Result == nil {
		return nil
	}
	if _, err := fmt.Fprintln(out); err != nil {
		return err
	}
	return v.Result.Table(out, color)
}

// BatchRow is one line of the batch summary table.
type BatchRow struct {
	Index       int    `json:"index" yaml:"index"`
	RunID       string `json:"run_id" yaml:"run_id"`
	Attempts    int    `json:"attempts" yaml:"attempts"`
	Outcome     string `json:"outcome" yaml:"outcome"`
	Progress    int    `json:"progress" yaml:"progress"`
	FinalLength int    `json:"final_length" yaml:"final_length"`
	Prompt      string `json:"prompt" yaml:"prompt"`
	Message     string `json:"message,omitempty" yaml:"message,omitempty"`
}

// NewBatchRows builds the batch summary rows in input order.
func NewBatchRows(items []*runtime.BatchItem) []BatchRow {
	rows := make([]BatchRow, 0, len(items))
	for _, item := range items {
		row := BatchRow{
			Index:    item.Index,
			Attempts: len(item.Attempts),
			Prompt:   truncate(item.Prompt, 40),
		}
		if final := item.Final(); final != nil {
			row.RunID = final.RunMeta.RunID
			row.Outcome = string(final.Outcome.Status)
			row.Progress = final.Progress.Percent
			row.FinalLength = utf8.RuneCountInString(final.FinalPrompt())
			if final.Outcome.Status != types.OutcomeSuccess {
				row.Message = final.Outcome.Message
			}
		} else if item.Err != nil {
			row.Outcome = "not_started"
			row.Message = item.Err.Error()
		}
		rows = append(rows, row)
	}
	return rows
}

// HealthRow is the health of one endpoint.
type HealthRow struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Status   string `json:"status" yaml:"status"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// CaptureRecordRow is one record of an inspected capture.
type CaptureRecordRow struct {
	Seq      int64  `json:"seq" yaml:"seq"`
	OffsetMs int64  `json:"offset_ms" yaml:"offset_ms"`
	Size     int    `json:"size" yaml:"size"`
	Stage    string `json:"stage" yaml:"stage"`
	Status   string `json:"status,omitempty" yaml:"status,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// CaptureView is an inspected capture.
type CaptureView struct {
	Version   string             `json:"version" yaml:"version"`
	CreatedAt time.Time          `json:"created_at" yaml:"created_at"`
	RunID     string             `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Backend   string             `json:"backend,omitempty" yaml:"backend,omitempty"`
	Prompt    string             `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Records   []CaptureRecordRow `json:"records" yaml:"records"`
	Invalid   int                `json:"invalid" yaml:"invalid"`
}

// NewCaptureView decodes every record for display.
func NewCaptureView(hdr capture.Header, records []*capture.Record) *CaptureView {
	v := &CaptureView{
		Version:   hdr.Version,
		CreatedAt: hdr.CreatedAt,
		RunID:     hdr.RunID,
		Backend:   hdr.Backend,
		Prompt:    hdr.Prompt,
		Records:   make([]CaptureRecordRow, 0, len(records)),
	}
	for _, rec := range records {
		row := CaptureRecordRow{Seq: rec.Seq, OffsetMs: rec.OffsetMs, Size: len(rec.Payload)}
		ev, err := stream.DecodeEvent(rec.Payload)
		if err != nil {
			row.Error = err.Error()
			v.Invalid++
		} else {
			row.Stage = ev.Stage
			row.Status = string(ev.Status)
		}
		v.Records = append(v.Records, row)
	}
	return v
}

// Table implements Tabler.
func (v *CaptureView) Table(out io.Writer, _ bool) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "version:\t%s\n", v.Version)
	fmt.Fprintf(w, "created_at:\t%s\n", v.CreatedAt.Format(time.RFC3339))
	if v.RunID != "" {
		fmt.Fprintf(w, "run_id:\t%s\n", v.RunID)
	}
	if v.Backend != "" {
		fmt.Fprintf(w, "backend:\t%s\n", v.Backend)
	}
	if v.Prompt != "" {
		fmt.Fprintf(w, "prompt:\t%s\n", truncate(v.Prompt, 60))
	}
	fmt.Fprintf(w, "records:\t%d (%d invalid)\n", len(v.Records), v.Invalid)
	if err := w.Flush(); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out); err != nil {
		return err
	}
	return renderSliceTable(out, reflect.ValueOf(v.Records))
}

// ArchivedRunView summarizes a run read back from the archive.
type ArchivedRunView struct {
	RunID   string           `json:"run_id" yaml:"run_id"`
	Events  []map[string]any `json:"events" yaml:"events"`
	Result  map[string]any   `json:"result,omitempty" yaml:"result,omitempty"`
	Metrics map[string]any   `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// NewArchivedRunView wraps archive records for display.
func NewArchivedRunView(recs *lode.RunRecords) *ArchivedRunView {
	return &ArchivedRunView{
		RunID:   recs.RunID,
		Events:  recs.Events,
		Result:  recs.Result,
		Metrics: recs.Metrics,
	}
}

// Table implements Tabler.
func (v *ArchivedRunView) Table(out io.Writer, _ bool) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "run_id:\t%s\n", v.RunID)
	for _, key := range []string{"outcome", "message", "attempt", "parent_run_id", "started_at", "completed_at"} {
		if val, ok := v.Result[key]; ok && val != nil {
			fmt.Fprintf(w, "%s:\t%v\n", key, val)
		}
	}
	fmt.Fprintf(w, "events:\t%d\n", len(v.Events))
	if err := w.Flush(); err != nil {
		return err
	}
	if len(v.Events) == 0 {
		return nil
	}

	rows := make([]map[string]any, 0, len(v.Events))
	for _, ev := range v.Events {
		rows = append(rows, map[string]any{
			"seq":    ev["seq"],
			"stage":  ev["stage"],
			"status": ev["status"],
			"size":   ev["size"],
		})
	}
	if _, err := fmt.Fprintln(out); err != nil {
		return err
	}
	return renderSliceTable(out, reflect.ValueOf(rows))
}

func truncate(s string, n int) string {
	s = singleLine(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
