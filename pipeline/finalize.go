package pipeline

import (
	"errors"
	"fmt"
	"maps"

	"github.com/justapithecus/promptopt/types"
)

// Finalizer misuse errors.
var (
	// ErrStreamOpen is returned when Finalize is called before the stream
	// ended and before a terminal event carrying a final prompt.
	ErrStreamOpen = errors.New("pipeline: finalize called while stream is open")
	// ErrAlreadyFinalized is returned on the second Finalize call.
	ErrAlreadyFinalized = errors.New("pipeline: run already finalized")
)

// PartialFailureError reports a run whose stream ended without a final
// prompt. Partial holds everything folded before the end.
type PartialFailureError struct {
	Partial *Accumulator
}

func (e *PartialFailureError) Error() string {
	last := e.Partial.LastStage
	if last == "" {
		return "incomplete run: stream ended before any event"
	}
	return fmt.Sprintf("incomplete run: stream ended after stage %q without a final prompt", last)
}

// ServiceError reports an error stage emitted by the optimization service.
type ServiceError struct {
	Message string
	Partial *Accumulator
}

func (e *ServiceError) Error() string {
	return "optimization service error: " + e.Message
}

// IsPartialFailure returns true if err is a *PartialFailureError.
func IsPartialFailure(err error) bool {
	var pf *PartialFailureError
	return errors.As(err, &pf)
}

// Finalizer turns an accumulator into the result contract exactly once.
type Finalizer struct {
	acc    *Accumulator
	closed bool
	done   bool
}

// NewFinalizer creates a finalizer for acc.
func NewFinalizer(acc *Accumulator) *Finalizer {
	return &Finalizer{acc: acc}
}

// Close marks the end of the underlying stream.
func (f *Finalizer) Close() {
	f.closed = true
}

// Ready reports whether Finalize may be called.
func (f *Finalizer) Ready() bool {
	return f.closed || (f.acc.Terminated() && f.acc.FinalPrompt != nil)
}

// Finalize projects the accumulator into the result contract.
//
// Errors:
//   - ErrStreamOpen: called before Close and before a terminal final prompt
//   - ErrAlreadyFinalized: called more than once
//   - *ServiceError: the service reported an error and no final prompt arrived
//   - *PartialFailureError: the stream ended without a final prompt
func (f *Finalizer) Finalize(originalPrompt string) (*types.OptimizeResult, error) {
	if f.done {
		return nil, ErrAlreadyFinalized
	}
	if !f.Ready() {
		return nil, ErrStreamOpen
	}
	f.done = true

	if f.acc.FinalPrompt == nil {
		if f.acc.ServiceError != nil {
			return nil, &ServiceError{Message: *f.acc.ServiceError, Partial: f.acc.Snapshot()}
		}
		return nil, &PartialFailureError{Partial: f.acc.Snapshot()}
	}

	return Project(f.acc, originalPrompt), nil
}

// Project builds the result contract from an accumulator holding a final
// prompt. Payloads are carried over verbatim.
func Project(acc *Accumulator, originalPrompt string) *types.OptimizeResult {
	result := &types.OptimizeResult{
		Success:        true,
		OriginalPrompt: originalPrompt,
		SmartQueue:     acc.SmartQueue,
		DSIterations:   append([]map[string]any{}, acc.DSIterations...),
		Evaluation:     acc.Evaluation,
	}
	if acc.FinalPrompt != nil {
		result.FinalPrompt = *acc.FinalPrompt
	}
	if acc.PCV != nil && (acc.PCV.ProposedPrompt != nil || acc.PCV.Critique != nil || acc.PCV.FinalPrompt != nil) {
		result.PCV = &types.PCVResult{
			ProposedPrompt: acc.PCV.ProposedPrompt,
			Critique:       acc.PCV.Critique,
			FinalPrompt:    acc.PCV.FinalPrompt,
		}
	}
	if len(acc.Metadata) > 0 {
		result.Metadata = maps.Clone(acc.Metadata)
	}
	return result
}
