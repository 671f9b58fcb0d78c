//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
)

// RunMeta contains run identity and lineage metadata.
// A retry of a failed optimization is a new run linked to its predecessor.
type RunMeta struct {
	// RunID is the canonical run identifier. Must be globally unique.
	RunID string
	// ParentRunID links retry runs to their predecessor. Nil for initial runs.
	ParentRunID *string
	// Attempt is the attempt number. Starts at 1 for initial runs.
	Attempt int
}

// Validate validates lineage rules:
//   - attempt >= 1
//   - attempt == 1 => parent_run_id must be nil (initial run)
//   - attempt > 1 => parent_run_id must be present (retry run)
func (r *RunMeta) Validate() error {
	if r.RunID == "" {
		return errors.New("run_id must be non-empty")
	}

	if r.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1, got %d", r.Attempt)
	}

	if r.Attempt == 1 && r.ParentRunID != nil {
		return errors.New("initial run (attempt=1) must not have parent_run_id")
	}

	if r.Attempt > 1 && r.ParentRunID == nil {
		return fmt.Errorf("retry run (attempt=%d) must have parent_run_id", r.Attempt)
	}

	return nil
}

// Retry returns the lineage for the next attempt of this run.
func (r *RunMeta) Retry(newRunID string) RunMeta {
	parent := r.RunID
	return RunMeta{RunID: newRunID, ParentRunID: &parent, Attempt: r.Attempt + 1}
}

// OutcomeStatus represents the final status of an optimization run.
type OutcomeStatus string

const (
	// OutcomeSuccess indicates the run produced a final prompt.
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomePartialFailure indicates the stream ended before the terminal stage.
	OutcomePartialFailure OutcomeStatus = "partial_failure"
	// OutcomeServiceError indicates the service reported an error stage.
	OutcomeServiceError OutcomeStatus = "service_error"
	// OutcomeTransportFailure indicates the connection failed or was rejected.
	OutcomeTransportFailure OutcomeStatus = "transport_failure"
	// OutcomePolicyFailure indicates the event policy failed.
	OutcomePolicyFailure OutcomeStatus = "policy_failure"
	// OutcomeCanceled indicates the caller aborted the run.
	OutcomeCanceled OutcomeStatus = "canceled"
)

// Retryable reports whether a fresh attempt may succeed.
func (s OutcomeStatus) Retryable() bool {
	return s == OutcomeTransportFailure || s == OutcomePartialFailure
}

// RunOutcome represents the final outcome of a run.
type RunOutcome struct {
	// Status is the outcome classification.
	Status OutcomeStatus
	// Message is a human-readable description.
	Message string
	// Stage is the last stage observed before the run ended, if any.
	Stage *string
}
