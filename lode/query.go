package lode

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/justapithecus/lode/lode"

	"github.com/justapithecus/promptopt/metrics"
)

// ErrRunNotFound is returned when no records exist for the requested run.
var ErrRunNotFound = errors.New("run not found")

// ErrNoMetricsFound is returned when no metrics records exist in the dataset.
var ErrNoMetricsFound = errors.New("no metrics records found")

// RunRecords is everything archived for one run, as raw record maps.
type RunRecords struct {
	RunID string
	// Events are ordered by seq with duplicates removed.
	Events []map[string]any
	// Result is the latest result record, or nil.
	Result map[string]any
	// Metrics is the latest metrics record, or nil.
	Metrics map[string]any
}

// QueryRun reads back every record archived for runID.
// Returns ErrRunNotFound if the run has no records.
func QueryRun(ctx context.Context, ds lode.Dataset, runID string) (*RunRecords, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}

	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, string(ds.ID())+"/snapshots")
	}

	out := &RunRecords{RunID: runID}
	bySeq := make(map[int64]map[string]any)

	// Snapshots are ordered by creation time; later records win.
	for _, snap := range snapshots {
		if !snapshotMatchesFilter(snap, "run_id", runID) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", ds.ID(), snap.ID))
		}

		// Manifest path filtering is a coarse pre-filter; record fields
		// are authoritative.
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || toString(record["run_id"]) != runID {
				continue
			}
			switch record["record_kind"] {
			case RecordKindEvent:
				bySeq[toInt64(record["seq"])] = record
			case RecordKindResult:
				out.Result = record
			case RecordKindMetrics:
				out.Metrics = record
			}
		}
	}

	if len(bySeq) == 0 && out.Result == nil && out.Metrics == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	out.Events = make([]map[string]any, 0, len(bySeq))
	for _, r := range bySeq {
		out.Events = append(out.Events, r)
	}
	slices.SortFunc(out.Events, func(a, b map[string]any) int {
		return cmp.Compare(toInt64(a["seq"]), toInt64(b["seq"]))
	})
	return out, nil
}

// QueryLatestMetrics finds and reads the most recent metrics record.
// Filters by runID and backend if non-empty.
func QueryLatestMetrics(ctx context.Context, ds lode.Dataset, runID, backend string) (map[string]any, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, string(ds.ID())+"/snapshots")
	}

	// Iterate in reverse (latest first)
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]

		if !snapshotMatchesFilter(snap, "record_kind", RecordKindMetrics) {
			continue
		}
		if !snapshotMatchesFilter(snap, "run_id", runID) {
			continue
		}
		if !snapshotMatchesFilter(snap, "backend", backend) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", ds.ID(), snap.ID))
		}

		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || record["record_kind"] != RecordKindMetrics {
				continue
			}
			if runID != "" && toString(record["run_id"]) != runID {
				continue
			}
			if backend != "" && toString(record["backend"]) != backend {
				continue
			}
			return record, nil
		}
	}

	return nil, ErrNoMetricsFound
}

// ParseMetricsRecord extracts the metrics snapshot from a metrics record.
// Accepts both freshly written records and decoded JSON.
func ParseMetricsRecord(record map[string]any) (*metrics.Snapshot, error) {
	if record == nil {
		return nil, errors.New("nil record")
	}
	if record["record_kind"] != RecordKindMetrics {
		return nil, fmt.Errorf("not a metrics record: record_kind=%v", record["record_kind"])
	}
	raw, ok := record["metrics"]
	if !ok || raw == nil {
		return nil, errors.New("metrics record has no metrics field")
	}
	if snap, ok := raw.(metrics.Snapshot); ok {
		return &snap, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode metrics field: %w", err)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode metrics field: %w", err)
	}
	return &snap, nil
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// toInt64 converts a decoded JSON number to int64.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
