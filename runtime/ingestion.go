package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/justapithecus/promptopt/capture"
	"github.com/justapithecus/promptopt/log"
	"github.com/justapithecus/promptopt/metrics"
	"github.com/justapithecus/promptopt/pipeline"
	"github.com/justapithecus/promptopt/policy"
	"github.com/justapithecus/promptopt/stream"
	"github.com/justapithecus/promptopt/types"
)

// IngestionError classifies ingestion errors for outcome determination.
type IngestionError struct {
	// Kind indicates whether this is a stream, policy, cancel or idle error.
	Kind IngestionErrorKind
	// Err is the underlying error.
	Err error
}

// IngestionErrorKind classifies ingestion errors.
type IngestionErrorKind int

const (
	// IngestionErrorStream indicates a fatal read or framing error (transport failure outcome).
	IngestionErrorStream IngestionErrorKind = iota
	// IngestionErrorPolicy indicates a policy failure (policy failure outcome).
	IngestionErrorPolicy
	// IngestionErrorCanceled indicates context cancellation (canceled outcome).
	IngestionErrorCanceled
	// IngestionErrorIdle indicates the stream went silent (transport failure outcome).
	IngestionErrorIdle
)

func (e *IngestionError) Error() string {
	return e.Err.Error()
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

func ingestionKind(err error) (IngestionErrorKind, bool) {
	var ingErr *IngestionError
	if errors.As(err, &ingErr) {
		return ingErr.Kind, true
	}
	return 0, false
}

// IsPolicyError returns true if the error is a policy failure.
func IsPolicyError(err error) bool {
	k, ok := ingestionKind(err)
	return ok && k == IngestionErrorPolicy
}

// IsCanceledError returns true if the error is due to context cancellation.
func IsCanceledError(err error) bool {
	k, ok := ingestionKind(err)
	return ok && k == IngestionErrorCanceled
}

// IsStreamError returns true if the error is a stream/frame error.
func IsStreamError(err error) bool {
	k, ok := ingestionKind(err)
	return ok && k == IngestionErrorStream
}

// IsIdleError returns true if the stream was abandoned for inactivity.
func IsIdleError(err error) bool {
	k, ok := ingestionKind(err)
	return ok && k == IngestionErrorIdle
}

// ProgressUpdate is delivered to the observer after every applied event.
type ProgressUpdate struct {
	Seq       int64
	Event     *types.StreamEvent
	Progress  pipeline.Progress
	Committed bool
}

// ProgressObserver receives progress updates. It is called synchronously
// from the ingestion loop and must not block for long.
type ProgressObserver func(ProgressUpdate)

// IngestionConfig holds the collaborators of an IngestionEngine.
type IngestionConfig struct {
	// Policy receives every valid event before it is folded.
	Policy policy.Policy
	// Logger defaults to a no-op logger.
	Logger *log.Logger
	// RunMeta stamps event records.
	RunMeta *types.RunMeta
	// Collector is optional; all Collector methods are nil-safe.
	Collector *metrics.Collector
	// Recorder, when set, receives every raw data payload, valid or not.
	Recorder *capture.Writer
	// Observer is optional.
	Observer ProgressObserver
	// MaxLineSize overrides the decoder line limit.
	MaxLineSize int
}

// IngestionEngine pulls frames off the stream and folds them into one
// accumulator. Properties of the loop:
//   - frames are processed strictly in arrival order
//   - malformed frames are dropped and counted, never fatal
//   - oversized lines and read failures are fatal
//   - policy failure terminates the run
//   - a read failure after the terminal event is a normal end of stream
//   - a committed complete carrying a final prompt ends the loop without
//     waiting for the service to close the stream
type IngestionEngine struct {
	decoder   *stream.Decoder
	policy    policy.Policy
	logger    *log.Logger
	runMeta   *types.RunMeta
	collector *metrics.Collector
	recorder  *capture.Writer
	observer  ProgressObserver
	now       func() time.Time

	acc     *pipeline.Accumulator
	fin     *pipeline.Finalizer
	tracker pipeline.Tracker
	seq     int64
	dropped int64
}

// NewIngestionEngine creates a new ingestion engine reading from r.
func NewIngestionEngine(r io.Reader, cfg IngestionConfig) *IngestionEngine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	pol := cfg.Policy
	if pol == nil {
		pol = policy.NewNoopPolicy()
	}
	var opts []stream.DecoderOption
	if cfg.MaxLineSize > 0 {
		opts = append(opts, stream.WithMaxLineSize(cfg.MaxLineSize))
	}
	acc := pipeline.NewAccumulator()
	return &IngestionEngine{
		decoder:   stream.NewDecoder(r, opts...),
		policy:    pol,
		logger:    logger,
		runMeta:   cfg.RunMeta,
		collector: cfg.Collector,
		recorder:  cfg.Recorder,
		observer:  cfg.Observer,
		now:       time.Now,
		acc:       acc,
		fin:       pipeline.NewFinalizer(acc),
	}
}

// Run runs the ingestion loop until EOF or fatal error.
// Returns:
//   - nil: stream ended cleanly (EOF, a final prompt committed, or any read
//     error after the terminal event)
//   - *IngestionError with Kind=IngestionErrorStream: fatal frame error
//   - *IngestionError with Kind=IngestionErrorIdle: idle watchdog fired
//   - *IngestionError with Kind=IngestionErrorPolicy: policy failure
//   - *IngestionError with Kind=IngestionErrorCanceled: context canceled
func (e *IngestionEngine) Run(ctx context.Context) error {
	defer e.syncMetrics()

	for {
		select {
		case <-ctx.Done():
			return &IngestionError{Kind: IngestionErrorCanceled, Err: ctx.Err()}
		default:
		}

		payload, err := e.decoder.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return e.readFailure(ctx, err)
		}

		if err := e.processFrame(ctx, payload); err != nil {
			return err
		}
		if e.fin.Ready() {
			e.logger.Debug("final prompt committed, ending stream", map[string]any{
				"seq": e.seq,
			})
			return nil
		}
	}
}

// readFailure classifies a fatal decoder error.
func (e *IngestionEngine) readFailure(ctx context.Context, err error) error {
	// The service may hold the connection open or drop it uncleanly once
	// the pipeline has finished. The outcome is already decided.
	if e.acc.Terminated() {
		e.logger.Debug("stream closed after terminal event", map[string]any{
			"error": err.Error(),
		})
		return nil
	}

	if ctx.Err() != nil {
		return &IngestionError{Kind: IngestionErrorCanceled, Err: ctx.Err()}
	}

	if errors.Is(err, ErrIdleTimeout) {
		e.logger.Error("stream idle timeout", map[string]any{
			"last_stage": e.acc.LastStage,
			"seq":        e.seq,
		})
		return &IngestionError{Kind: IngestionErrorIdle, Err: err}
	}

	e.logger.Error("frame error", map[string]any{
		"error": err.Error(),
		"fatal": stream.IsFatalFrameError(err),
	})
	var fe *stream.FrameError
	if errors.As(err, &fe) {
		e.collector.IncFrameDropped(fe.Kind.String())
	}
	return &IngestionError{
		Kind: IngestionErrorStream,
		Err:  fmt.Errorf("frame error: %w", err),
	}
}

// processFrame decodes, persists and folds a single payload.
func (e *IngestionEngine) processFrame(ctx context.Context, payload []byte) error {
	e.record(payload)

	ev, err := stream.DecodeEvent(payload)
	if err != nil {
		e.dropped++
		kind := "decode"
		var fe *stream.FrameError
		if errors.As(err, &fe) {
			kind = fe.Kind.String()
		}
		e.collector.IncFrameDropped(kind)
		e.logger.Warn("dropping malformed frame", map[string]any{
			"kind":  kind,
			"error": err.Error(),
			"size":  len(payload),
		})
		return nil
	}

	e.seq++
	rec := &types.EventRecord{
		Seq:        e.seq,
		ReceivedAt: e.now(),
		Size:       len(payload),
		Event:      *ev,
	}
	if e.runMeta != nil {
		rec.RunID = e.runMeta.RunID
	}

	if err := e.policy.IngestEvent(ctx, rec); err != nil {
		// Policy failure terminates the run
		e.logger.Error("policy ingestion failed", map[string]any{
			"stage": ev.Stage,
			"seq":   e.seq,
			"error": err.Error(),
		})
		return &IngestionError{
			Kind: IngestionErrorPolicy,
			Err:  fmt.Errorf("policy failure: %w", err),
		}
	}

	e.fold(ev)
	return nil
}

func (e *IngestionEngine) fold(ev *types.StreamEvent) {
	violations := len(e.acc.Violations)
	warnings := len(e.acc.FieldWarnings)

	if !ev.Status.Known() {
		e.logger.Warn("unknown event status, progress only", map[string]any{
			"stage":  ev.Stage,
			"status": string(ev.Status),
			"seq":    e.seq,
		})
	}

	committed := pipeline.Apply(e.acc, ev)
	e.collector.IncEventApplied(committed)

	for _, v := range e.acc.Violations[violations:] {
		e.logger.Warn("event order violation", map[string]any{
			"kind":  string(v.Kind),
			"stage": v.Stage,
			"seq":   v.Seq,
		})
	}
	for _, w := range e.acc.FieldWarnings[warnings:] {
		e.logger.Warn("unreadable field", map[string]any{
			"stage": w.Stage,
			"field": w.Field,
			"msg":   w.Msg,
		})
	}

	if ev.Stage == types.StageError {
		e.logger.Warn("service reported error", map[string]any{
			"error": *e.acc.ServiceError,
		})
	}

	progress := e.tracker.Observe(ev.Stage)
	e.logger.Debug("event applied", map[string]any{
		"stage":     ev.Stage,
		"status":    string(ev.Status),
		"seq":       e.seq,
		"committed": committed,
		"percent":   progress.Percent,
	})

	if e.observer != nil {
		e.observer(ProgressUpdate{
			Seq:       e.seq,
			Event:     ev,
			Progress:  progress,
			Committed: committed,
		})
	}
}

// record tees the raw payload into the capture. A capture failure only
// disables recording.
func (e *IngestionEngine) record(payload []byte) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Write(payload); err != nil {
		e.logger.Warn("capture write failed, recording disabled", map[string]any{
			"error": err.Error(),
		})
		e.recorder = nil
	}
}

func (e *IngestionEngine) syncMetrics() {
	st := e.decoder.Stats()
	e.collector.SetWireStats(st.BytesRead, st.Frames, st.Ignored)
	e.collector.SetAggregation(len(e.acc.Violations), len(e.acc.FieldWarnings), len(e.acc.DSIterations))
}

// Accumulator returns the fold state. Owned by the engine while Run is
// executing.
func (e *IngestionEngine) Accumulator() *pipeline.Accumulator {
	return e.acc
}

// Finalizer returns the finalizer bound to the accumulator. It is ready
// before Close once a final prompt has been committed.
func (e *IngestionEngine) Finalizer() *pipeline.Finalizer {
	return e.fin
}

// Progress returns the last reported progress.
func (e *IngestionEngine) Progress() pipeline.Progress {
	return e.tracker.Current()
}

// CurrentSeq returns the number of valid events ingested.
func (e *IngestionEngine) CurrentSeq() int64 {
	return e.seq
}

// Dropped returns the number of malformed frames dropped.
func (e *IngestionEngine) Dropped() int64 {
	return e.dropped
}

// DecoderStats returns the wire counters.
func (e *IngestionEngine) DecoderStats() stream.DecoderStats {
	return e.decoder.Stats()
}
