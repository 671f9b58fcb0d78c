// Package runtime drives optimization runs end to end: endpoint selection,
// the streaming ingestion loop, finalization, archiving and notification.
package runtime

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/justapithecus/promptopt/adapter"
	"github.com/justapithecus/promptopt/capture"
	"github.com/justapithecus/promptopt/client"
	"github.com/justapithecus/promptopt/endpoint"
	"github.com/justapithecus/promptopt/lode"
	"github.com/justapithecus/promptopt/log"
	"github.com/justapithecus/promptopt/metrics"
	"github.com/justapithecus/promptopt/pipeline"
	"github.com/justapithecus/promptopt/policy"
	"github.com/justapithecus/promptopt/types"
)

// cleanupTimeout bounds flush, archive and notification work done after
// the run context may already be canceled.
const cleanupTimeout = 30 * time.Second

// RunConfig configures a single run.
type RunConfig struct {
	// Request is the optimization request. Validated before the run starts.
	Request types.OptimizeRequest
	// RunMeta is the run identity and lineage metadata.
	RunMeta *types.RunMeta
	// Selector picks the service endpoint.
	Selector *endpoint.Selector
	// ClientOptions are passed to client.New for the selected endpoint.
	ClientOptions []client.Option
	// NoStream uses the non-streaming endpoint; no events are ingested.
	NoStream bool
	// IdleTimeout abandons a silent stream. Zero disables the watchdog.
	IdleTimeout time.Duration
	// Policy receives every valid event. Defaults to the noop policy.
	// The orchestrator flushes it, and closes it once archiving is done.
	Policy policy.Policy
	// PolicyName is recorded in the report.
	PolicyName string
	// Archive, when set, receives the result record and the metrics snapshot.
	Archive lode.Client
	// Files, when set, receives the final prompt sidecar.
	Files lode.FileWriter
	// StorageLocation is reported in notifications.
	StorageLocation string
	// Adapter, when set, is notified after the run. Not closed by the run.
	Adapter adapter.Adapter
	// Recorder, when set, receives every raw payload.
	Recorder *capture.Writer
	// Observer receives live progress.
	Observer ProgressObserver
	// Collector is the metrics collector for this run.
	// If nil, no metrics are recorded (all Collector methods are nil-safe).
	Collector *metrics.Collector
	// Logger defaults to a logger bound to RunMeta.
	Logger *log.Logger
}

// RunResult represents the result of a run.
type RunResult struct {
	// RunMeta is the run identity and lineage.
	RunMeta *types.RunMeta
	// Request is the request as sent, API keys redacted.
	Request types.OptimizeRequest
	// Outcome is the run outcome.
	Outcome *types.RunOutcome
	// Result is set on success.
	Result *types.OptimizeResult
	// Partial is the fold state at the end of an unsuccessful stream.
	Partial *pipeline.Accumulator
	// Progress is the last progress reached.
	Progress pipeline.Progress
	// Endpoint is the base URL used.
	Endpoint string
	// StartedAt is when the run started.
	StartedAt time.Time
	// Duration is the total run duration.
	Duration time.Duration
	// PolicyStats is the policy statistics.
	PolicyStats policy.Stats
	// EventCount is the number of valid events ingested.
	EventCount int64
	// FramesDropped is the number of malformed frames dropped.
	FramesDropped int64
	// Violations are the ordering violations observed.
	Violations []pipeline.Violation
	// FieldWarnings are the committed fields that could not be read.
	FieldWarnings []pipeline.FieldWarning
}

// FinalPrompt returns the final prompt on success, or "".
func (r *RunResult) FinalPrompt() string {
	if r.Result == nil {
		return ""
	}
	return r.Result.FinalPrompt
}

// RunOrchestrator orchestrates a single run.
type RunOrchestrator struct {
	config    *RunConfig
	logger    *log.Logger
	startTime time.Time

	endpoint   string
	engine     *IngestionEngine
	result     *types.OptimizeResult
	partial    *pipeline.Accumulator
	flushError error
}

// NewRunOrchestrator creates a new run orchestrator.
// Returns error if the run metadata or the request is invalid.
func NewRunOrchestrator(config *RunConfig) (*RunOrchestrator, error) {
	if config.RunMeta == nil {
		return nil, fmt.Errorf("invalid run metadata: missing")
	}
	if err := config.RunMeta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run metadata: %w", err)
	}
	if err := config.Request.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if config.Selector == nil {
		return nil, fmt.Errorf("no endpoint selector configured")
	}
	if config.Policy == nil {
		config.Policy = policy.NewNoopPolicy()
		config.PolicyName = "noop"
	}

	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger(config.RunMeta)
	}

	return &RunOrchestrator{
		config: config,
		logger: logger.With(map[string]any{"backend": string(config.Request.Backend)}),
	}, nil
}

// Execute executes the run end-to-end.
//
// Execution flow:
//  1. Select an endpoint
//  2. Open the stream (or call the non-streaming endpoint)
//  3. Run the ingestion loop until the stream ends
//  4. Finalize the accumulator
//  5. Flush the policy
//  6. Archive the result, notify, archive metrics, close the policy
//
// Run failures are reported in the outcome; the returned error is reserved
// for setup failures that prevent the run from starting.
func (r *RunOrchestrator) Execute(ctx context.Context) (*RunResult, error) {
	r.startTime = time.Now()
	cfg := r.config

	baseURL, err := cfg.Selector.Select(endpoint.SelectRequest{
		StickyKey: endpoint.StickyKeyFor(cfg.Request.Prompt),
		Commit:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("select endpoint: %w", err)
	}
	r.endpoint = baseURL

	c, err := client.New(baseURL, cfg.ClientOptions...)
	if err != nil {
		return nil, err
	}

	cfg.Collector.IncRunStarted()
	r.logger.Info("starting run", map[string]any{
		"endpoint":       baseURL,
		"stream":         !cfg.NoStream,
		"max_iterations": cfg.Request.MaxIterations,
		"prompt_length":  utf8.RuneCountInString(cfg.Request.Prompt),
	})

	var outcome *types.RunOutcome
	if cfg.NoStream {
		outcome = r.executeOnce(ctx, c)
	} else {
		outcome = r.executeStream(ctx, c)
	}

	r.flushPolicy(ctx)
	if r.flushError != nil && outcome.Status == types.OutcomeSuccess {
		outcome = &types.RunOutcome{
			Status:  types.OutcomePolicyFailure,
			Message: fmt.Sprintf("policy flush failed: %v", r.flushError),
		}
	}

	res := r.buildResult(outcome)
	r.finish(ctx, res)
	return res, nil
}

// executeOnce calls the non-streaming endpoint.
func (r *RunOrchestrator) executeOnce(ctx context.Context, c *client.Client) *types.RunOutcome {
	result, err := c.Optimize(ctx, r.config.Request)
	if err != nil {
		return r.requestFailed(ctx, err)
	}
	r.result = result
	if !result.Success {
		return &types.RunOutcome{
			Status:  types.OutcomeServiceError,
			Message: "service returned success=false",
		}
	}
	return &types.RunOutcome{Status: types.OutcomeSuccess, Message: "optimization completed"}
}

// executeStream runs the streaming pipeline.
func (r *RunOrchestrator) executeStream(ctx context.Context, c *client.Client) *types.RunOutcome {
	cfg := r.config

	body, err := c.OptimizeStream(ctx, cfg.Request)
	if err != nil {
		return r.requestFailed(ctx, err)
	}
	rc := newIdleReader(body, cfg.IdleTimeout)
	defer func() { _ = rc.Close() }()

	r.engine = NewIngestionEngine(rc, IngestionConfig{
		Policy:    cfg.Policy,
		Logger:    r.logger,
		RunMeta:   cfg.RunMeta,
		Collector: cfg.Collector,
		Recorder:  cfg.Recorder,
		Observer:  cfg.Observer,
	})

	ingErr := r.engine.Run(ctx)
	acc := r.engine.Accumulator()

	if ingErr != nil && isEndpointFault(ingErr) {
		cfg.Selector.RecordFailure(r.endpoint)
		cfg.Collector.IncEndpointFailure()
	}

	fin := r.engine.Finalizer()
	fin.Close()
	result, finalErr := fin.Finalize(cfg.Request.Prompt)

	outcome := DetermineOutcome(ingErr, finalErr, acc)
	if outcome.Status == types.OutcomeSuccess {
		r.result = result
	} else {
		r.partial = acc.Snapshot()
	}
	return outcome
}

func (r *RunOrchestrator) requestFailed(ctx context.Context, err error) *types.RunOutcome {
	if ctx.Err() != nil {
		return &types.RunOutcome{Status: types.OutcomeCanceled, Message: "run canceled"}
	}
	if isEndpointFault(err) {
		r.config.Selector.RecordFailure(r.endpoint)
		r.config.Collector.IncEndpointFailure()
	}
	r.logger.Error("request failed", map[string]any{
		"endpoint": r.endpoint,
		"error":    err.Error(),
	})
	return RequestOutcome(err)
}

// flushPolicy flushes buffered events. Runs on every termination path,
// ignoring parent cancellation.
func (r *RunOrchestrator) flushPolicy(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := r.config.Policy.Flush(flushCtx); err != nil {
		r.flushError = err
		r.logger.Warn("policy flush failed", map[string]any{
			"error": err.Error(),
		})
	}
}

// buildResult constructs the final run result and records outcome metrics.
func (r *RunOrchestrator) buildResult(outcome *types.RunOutcome) *RunResult {
	res := &RunResult{
		RunMeta:     r.config.RunMeta,
		Request:     r.config.Request.Redacted(),
		Outcome:     outcome,
		Endpoint:    r.endpoint,
		StartedAt:   r.startTime,
		Duration:    time.Since(r.startTime),
		PolicyStats: r.config.Policy.Stats(),
		Partial:     r.partial,
	}
	if outcome.Status == types.OutcomeSuccess {
		res.Result = r.result
	}

	if r.engine != nil {
		acc := r.engine.Accumulator()
		res.Progress = r.engine.Progress()
		res.EventCount = r.engine.CurrentSeq()
		res.FramesDropped = r.engine.Dropped()
		res.Violations = append([]pipeline.Violation(nil), acc.Violations...)
		res.FieldWarnings = append([]pipeline.FieldWarning(nil), acc.FieldWarnings...)
	} else if res.Result != nil {
		res.Progress = pipeline.Translate(types.StageComplete)
	}

	collector := r.config.Collector
	if outcome.Status == types.OutcomeSuccess {
		collector.IncRunSucceeded()
	} else {
		collector.IncRunFailed(string(outcome.Status))
	}

	ps := res.PolicyStats
	collector.AbsorbPolicyStats(ps.TotalEvents, ps.EventsPersisted, ps.EventsDropped, ps.FlushCount, ps.DroppedByStage)

	return res
}

// finish archives and publishes the run. Failures here are logged and
// counted but never change the outcome.
func (r *RunOrchestrator) finish(ctx context.Context, res *RunResult) {
	cfg := r.config
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	completedAt := time.Now()

	if cfg.Archive != nil {
		rec := &lode.ResultRecord{
			Meta:        *res.RunMeta,
			Outcome:     *res.Outcome,
			Request:     res.Request,
			Result:      res.Result,
			StartedAt:   res.StartedAt,
			CompletedAt: completedAt,
		}
		if rec.Result == nil && res.Partial != nil {
			partial := pipeline.Project(res.Partial, cfg.Request.Prompt)
			partial.Success = false
			rec.Result = partial
		}
		r.archive("result", func() error { return cfg.Archive.WriteResult(ctx, rec) })
	}

	if cfg.Files != nil && res.Result != nil {
		r.archive("final prompt", func() error {
			return cfg.Files.PutFile(ctx, lode.FinalPromptFile, "text/plain; charset=utf-8", []byte(res.Result.FinalPrompt))
		})
	}

	if cfg.Adapter != nil {
		ev := adapter.NewCompletedEvent(*res.RunMeta, res.Outcome.Status, cfg.Request.Backend, completedAt)
		ev.FinalPromptLength = utf8.RuneCountInString(res.FinalPrompt())
		ev.StorageLocation = cfg.StorageLocation
		ev.EventCount = res.EventCount
		ev.DurationMs = res.Duration.Milliseconds()

		err := cfg.Adapter.Publish(ctx, ev)
		cfg.Collector.IncAdapterPublish(err == nil)
		if err != nil {
			r.logger.Warn("notification failed", map[string]any{
				"error": err.Error(),
			})
		}
	}

	if cfg.Archive != nil {
		snap := cfg.Collector.Snapshot()
		r.archive("metrics", func() error { return cfg.Archive.WriteMetrics(ctx, snap, completedAt) })
	}

	// Closing the policy closes its sink, which may be the archive.
	if err := cfg.Policy.Close(); err != nil && r.flushError == nil {
		r.logger.Warn("policy close failed", map[string]any{
			"error": err.Error(),
		})
	}

	fields := map[string]any{
		"outcome":      string(res.Outcome.Status),
		"duration":     res.Duration.String(),
		"events":       res.EventCount,
		"dropped":      res.FramesDropped,
		"violations":   len(res.Violations),
		"progress":     res.Progress.Percent,
		"endpoint":     res.Endpoint,
		"policy_drops": res.PolicyStats.EventsDropped,
	}
	if res.Outcome.Status == types.OutcomeSuccess {
		r.logger.Info("run completed", fields)
	} else {
		fields["message"] = res.Outcome.Message
		r.logger.Warn("run failed", fields)
	}
}

func (r *RunOrchestrator) archive(what string, write func() error) {
	if err := write(); err != nil {
		r.config.Collector.IncArchiveWriteFailure()
		r.logger.Warn("archive write failed", map[string]any{
			"record": what,
			"error":  err.Error(),
		})
		return
	}
	r.config.Collector.IncArchiveWriteSuccess()
}
