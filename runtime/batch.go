package runtime

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/justapithecus/promptopt/types"
)

// DefaultBatchConcurrency is the default number of concurrent batch runs.
const DefaultBatchConcurrency = 2

// BatchItem is the outcome of one prompt in a batch.
type BatchItem struct {
	// Index is the position of the prompt in the input.
	Index int
	// Prompt is the input prompt.
	Prompt string
	// Attempts holds every attempt; the last one is authoritative.
	Attempts []*RunResult
	// Err is a setup error that prevented the run from starting.
	Err error
}

// Final returns the authoritative attempt, or nil when none ran.
func (b *BatchItem) Final() *RunResult {
	if len(b.Attempts) == 0 {
		return nil
	}
	return b.Attempts[len(b.Attempts)-1]
}

// Status returns the final outcome status, or "" when the run never started.
func (b *BatchItem) Status() types.OutcomeStatus {
	if r := b.Final(); r != nil {
		return r.Outcome.Status
	}
	return ""
}

// BatchFactory builds the attempt config for one prompt.
type BatchFactory func(index int, prompt string, meta *types.RunMeta) (*RunConfig, error)

// BatchConfig configures Batch.
type BatchConfig struct {
	// Prompts are optimized independently.
	Prompts []string
	// Concurrency bounds the number of runs in flight.
	Concurrency int
	// Retry applies to every prompt.
	Retry RetryConfig
	// Factory builds each attempt's config.
	Factory BatchFactory
	// OnDone is called after each prompt finishes. Calls may be concurrent.
	OnDone func(item *BatchItem)
}

// BatchSummary counts batch outcomes.
type BatchSummary struct {
	Total     int
	Succeeded int
	Failed    int
}

// Batch runs one optimization per prompt with bounded concurrency. Runs
// never share accumulators or policies. A failing run does not stop the
// others; only cancellation of ctx does.
func Batch(ctx context.Context, cfg BatchConfig) ([]*BatchItem, BatchSummary, error) {
	if cfg.Factory == nil {
		return nil, BatchSummary{}, fmt.Errorf("batch: no run factory")
	}
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = DefaultBatchConcurrency
	}
	newID := cfg.Retry.NewRunID
	if newID == nil {
		newID = NewRunID
	}

	items := make([]*BatchItem, len(cfg.Prompts))
	var succeeded atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, prompt := range cfg.Prompts {
		item := &BatchItem{Index: i, Prompt: prompt}
		items[i] = item

		g.Go(func() error {
			if gctx.Err() != nil {
				item.Err = gctx.Err()
				return nil
			}
			meta := &types.RunMeta{RunID: newID(), Attempt: 1}
			factory := func(m *types.RunMeta) (*RunConfig, error) {
				return cfg.Factory(i, prompt, m)
			}
			item.Attempts, item.Err = ExecuteWithRetries(gctx, meta, factory, cfg.Retry)
			if item.Status() == types.OutcomeSuccess {
				succeeded.Add(1)
			}
			if cfg.OnDone != nil {
				cfg.OnDone(item)
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	summary := BatchSummary{
		Total:     len(items),
		Succeeded: int(succeeded.Load()),
	}
	summary.Failed = summary.Total - summary.Succeeded
	return items, summary, err
}
