// Package adapter defines the completion-notification boundary.
//
// Adapters publish a notification to a downstream system after a run
// finishes. The runtime owns adapter lifecycle; users provide configuration only.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/justapithecus/promptopt/types"
)

// EventType is the event_type of every completion notification.
const EventType = "optimization.completed"

// CompletedEvent is the payload published when a run finishes.
type CompletedEvent struct {
	Version     string  `json:"version"`
	EventType   string  `json:"event_type"`
	RunID       string  `json:"run_id"`
	ParentRunID *string `json:"parent_run_id,omitempty"`
	Attempt     int     `json:"attempt"`
	Outcome     string  `json:"outcome"`
	Backend     string  `json:"backend"`
	// FinalPromptLength is in runes; zero when the run did not succeed.
	FinalPromptLength int    `json:"final_prompt_length"`
	StorageLocation   string `json:"storage_location,omitempty"`
	Timestamp         string `json:"timestamp"` // RFC 3339
	EventCount        int64  `json:"event_count"`
	DurationMs        int64  `json:"duration_ms"`
}

// NewCompletedEvent fills the fixed fields of a notification.
func NewCompletedEvent(meta types.RunMeta, outcome types.OutcomeStatus, backend types.Backend, at time.Time) *CompletedEvent {
	return &CompletedEvent{
		Version:     types.Version,
		EventType:   EventType,
		RunID:       meta.RunID,
		ParentRunID: meta.ParentRunID,
		Attempt:     meta.Attempt,
		Outcome:     string(outcome),
		Backend:     string(backend),
		Timestamp:   at.UTC().Format(time.RFC3339),
	}
}

// Adapter publishes completion events to a downstream system.
// Implementations must be safe for single-use per run.
type Adapter interface {
	// Publish sends a completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *CompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// BaseBackoff is the delay before the first retry. It doubles per retry.
var BaseBackoff = 500 * time.Millisecond

// Retry calls fn up to 1+retries times with exponential backoff between
// attempts. It stops early when permanent reports true for an error.
// name prefixes returned errors.
func Retry(ctx context.Context, name string, retries int, permanent func(error) bool, fn func(context.Context) error) error {
	var lastErr error
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * BaseBackoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if permanent != nil && permanent(lastErr) {
			return fmt.Errorf("%s: non-retriable error: %w", name, lastErr)
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
