package lode

import (
	"time"

	"github.com/justapithecus/promptopt/metrics"
	"github.com/justapithecus/promptopt/types"
)

// RecordKind discriminator values. Also the last Hive partition key.
const (
	RecordKindEvent   = "event"
	RecordKindResult  = "result"
	RecordKindMetrics = "metrics"
)

// partitionKeys is the Hive layout shared by the write and read paths.
var partitionKeys = []string{"backend", "day", "run_id", "record_kind"}

// ResultRecord is the archived outcome of one run attempt.
type ResultRecord struct {
	Meta    types.RunMeta
	Outcome types.RunOutcome
	// Request is stored redacted.
	Request types.OptimizeRequest
	// Result is the final result on success, or the projected partial
	// state otherwise. Nil when no event was ever applied.
	Result      *types.OptimizeResult
	StartedAt   time.Time
	CompletedAt time.Time
}

// Lode HiveLayout requires records as map[string]any with every partition
// key present.

func (c *LodeClient) baseRecord(kind string) map[string]any {
	return map[string]any{
		"record_kind": kind,
		"backend":     c.config.Backend,
		"day":         c.config.Day,
		"run_id":      c.config.RunID,
	}
}

// toEventRecordMap converts an EventRecord to a map for storage.
func (c *LodeClient) toEventRecordMap(r *types.EventRecord) map[string]any {
	m := c.baseRecord(RecordKindEvent)
	m["seq"] = r.Seq
	m["received_at"] = r.ReceivedAt.UTC().Format(time.RFC3339Nano)
	m["size"] = r.Size
	m["stage"] = r.Event.Stage
	if r.Event.Status != types.StatusNone {
		m["status"] = string(r.Event.Status)
	}
	if r.Event.Data != nil {
		m["data"] = r.Event.Data
	}
	if r.Event.Message != nil {
		m["message"] = *r.Event.Message
	}
	if r.Event.Error != "" {
		m["error"] = r.Event.Error
	}
	return m
}

// toResultRecordMap converts a ResultRecord to a map for storage.
func (c *LodeClient) toResultRecordMap(rec *ResultRecord) map[string]any {
	m := c.baseRecord(RecordKindResult)
	m["attempt"] = rec.Meta.Attempt
	m["outcome"] = string(rec.Outcome.Status)
	m["message"] = rec.Outcome.Message
	m["request"] = rec.Request.Redacted()
	m["started_at"] = rec.StartedAt.UTC().Format(time.RFC3339Nano)
	m["completed_at"] = rec.CompletedAt.UTC().Format(time.RFC3339Nano)
	if rec.Meta.ParentRunID != nil {
		m["parent_run_id"] = *rec.Meta.ParentRunID
	}
	if rec.Outcome.Stage != nil {
		m["stage"] = *rec.Outcome.Stage
	}
	if rec.Result != nil {
		m["result"] = rec.Result
	}
	return m
}

// toMetricsRecordMap converts a metrics snapshot to a map for storage.
func (c *LodeClient) toMetricsRecordMap(snap metrics.Snapshot, completedAt time.Time) map[string]any {
	m := c.baseRecord(RecordKindMetrics)
	m["policy"] = c.config.Policy
	m["completed_at"] = completedAt.UTC().Format(time.RFC3339Nano)
	m["metrics"] = snap
	return m
}
