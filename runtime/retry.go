package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/justapithecus/promptopt/types"
)

// DefaultRetryBackoff is the delay before a retry when none is configured.
const DefaultRetryBackoff = 2 * time.Second

// ConfigFactory builds the configuration of one attempt. Each attempt
// gets fresh per-run collaborators (policy, archive, collector).
type ConfigFactory func(meta *types.RunMeta) (*RunConfig, error)

// RetryConfig controls ExecuteWithRetries.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts. Zero runs once.
	MaxRetries int
	// Backoff is the delay before each retry.
	Backoff time.Duration
	// NewRunID generates retry run IDs. Defaults to random UUIDs.
	NewRunID func() string
}

// NewRunID returns a fresh random run ID.
func NewRunID() string {
	return uuid.NewString()
}

// ExecuteWithRetries runs first and retries while the outcome is
// retryable (transport or partial failure). Every retry is a new run whose
// lineage points at the previous attempt. It returns the results of all
// attempts in order; the last one is authoritative.
func ExecuteWithRetries(ctx context.Context, first *types.RunMeta, factory ConfigFactory, rc RetryConfig) ([]*RunResult, error) {
	newID := rc.NewRunID
	if newID == nil {
		newID = NewRunID
	}

	meta := first
	var results []*RunResult
	for attempt := 0; ; attempt++ {
		cfg, err := factory(meta)
		if err != nil {
			return results, err
		}
		if attempt > 0 {
			cfg.Collector.IncRequestRetry()
		}

		orch, err := NewRunOrchestrator(cfg)
		if err != nil {
			return results, err
		}
		res, err := orch.Execute(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, res)

		if !res.Outcome.Status.Retryable() || attempt >= rc.MaxRetries || ctx.Err() != nil {
			return results, nil
		}

		orch.logger.Info("retrying run", map[string]any{
			"outcome":      string(res.Outcome.Status),
			"next_attempt": meta.Attempt + 1,
			"retries_left": rc.MaxRetries - attempt - 1,
		})

		if rc.Backoff > 0 {
			select {
			case <-ctx.Done():
				return results, nil
			case <-time.After(rc.Backoff):
			}
		}

		next := meta.Retry(newID())
		meta = &next
	}
}
