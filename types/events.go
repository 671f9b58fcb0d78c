// Package types defines core domain types for the promptopt client.
// Wire types match the optimization service's JSON schema.
//
//nolint:revive // types is a common Go package naming convention
package types

// EventStatus is the optional status carried by a stream event.
type EventStatus string

// Event status constants. An empty status means the event is informational.
const (
	StatusNone       EventStatus = ""
	StatusPending    EventStatus = "pending"
	StatusInProgress EventStatus = "in_progress"
	StatusComplete   EventStatus = "complete"
	StatusError      EventStatus = "error"

	// StatusRunning is the service's spelling of in_progress.
	// It never survives normalization.
	StatusRunning EventStatus = "running"
)

// Known reports whether the status is one of the normalized statuses.
func (s EventStatus) Known() bool {
	switch s {
	case StatusNone, StatusPending, StatusInProgress, StatusComplete, StatusError:
		return true
	default:
		return false
	}
}

// Literal stage names emitted by the optimization service.
// Iteration stages follow the pattern ds_iteration_<n>_<d|s>.
const (
	StageInit        = "init"
	StageSmartQueue  = "smart_queue"
	StagePCVProposer = "pcv_proposer"
	StagePCVCritic   = "pcv_critic"
	StagePCVVerifier = "pcv_verifier"
	StageDSConverged = "ds_converged"
	StageEvaluation  = "evaluation"
	StageComplete    = "complete"
	StageError       = "error"

	// StageIterationPrefix prefixes every D/S iteration stage.
	StageIterationPrefix = "ds_iteration_"
)

// StreamEvent is one decoded event from the optimization stream.
type StreamEvent struct {
	// Stage identifies the pipeline phase. Always non-empty.
	Stage string `json:"stage" msgpack:"stage"`
	// Status is optional; empty means informational.
	Status EventStatus `json:"status,omitempty" msgpack:"status,omitempty"`
	// Data is the stage payload. May be nil.
	Data map[string]any `json:"data,omitempty" msgpack:"data,omitempty"`
	// Message is an optional human-readable note.
	Message *string `json:"message,omitempty" msgpack:"message,omitempty"`
	// Error is set by the service on the error stage only.
	Error string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Commits reports whether the event is allowed to mutate run state.
// Only complete events commit. The terminal complete stage is sent
// without a status by the service and commits as well.
func (e *StreamEvent) Commits() bool {
	if e.Status == StatusComplete {
		return true
	}
	return e.Stage == StageComplete && e.Status == StatusNone
}

// IsTerminal reports whether the event ends the pipeline.
func (e *StreamEvent) IsTerminal() bool {
	return e.Stage == StageComplete || e.Stage == StageError
}

// MessageText returns the message or an empty string.
func (e *StreamEvent) MessageText() string {
	if e.Message == nil {
		return ""
	}
	return *e.Message
}
