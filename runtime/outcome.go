package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/justapithecus/promptopt/client"
	"github.com/justapithecus/promptopt/pipeline"
	"github.com/justapithecus/promptopt/types"
)

// Process exit codes for each outcome.
const (
	ExitCodeSuccess   = 0   // final prompt produced
	ExitCodeFailure   = 1   // service error, partial failure, policy failure
	ExitCodeTransport = 2   // connection failed, rejected, or went idle
	ExitCodeUsage     = 3   // invalid arguments or configuration
	ExitCodeCanceled  = 130 // interrupted
)

// ExitCode maps an outcome status to the process exit code.
func ExitCode(status types.OutcomeStatus) int {
	switch status {
	case types.OutcomeSuccess:
		return ExitCodeSuccess
	case types.OutcomeTransportFailure:
		return ExitCodeTransport
	case types.OutcomeCanceled:
		return ExitCodeCanceled
	default:
		return ExitCodeFailure
	}
}

// DetermineOutcome classifies a finished stream.
//
// Precedence:
//  1. ingestion error (policy, cancel, idle, stream), which decides the
//     outcome regardless of what was folded
//  2. finalizer result: nil is success, *pipeline.ServiceError is a
//     service error, anything else is a partial failure
func DetermineOutcome(ingErr, finalErr error, acc *pipeline.Accumulator) *types.RunOutcome {
	outcome := classify(ingErr, finalErr)
	if acc != nil && acc.LastStage != "" {
		last := acc.LastStage
		outcome.Stage = &last
	}
	return outcome
}

func classify(ingErr, finalErr error) *types.RunOutcome {
	if ingErr != nil {
		switch {
		case IsPolicyError(ingErr):
			return &types.RunOutcome{
				Status:  types.OutcomePolicyFailure,
				Message: ingErr.Error(),
			}
		case IsCanceledError(ingErr):
			return &types.RunOutcome{
				Status:  types.OutcomeCanceled,
				Message: "run canceled",
			}
		case IsIdleError(ingErr):
			return &types.RunOutcome{
				Status:  types.OutcomeTransportFailure,
				Message: ingErr.Error(),
			}
		default:
			return &types.RunOutcome{
				Status:  types.OutcomeTransportFailure,
				Message: fmt.Sprintf("stream error: %v", ingErr),
			}
		}
	}

	if finalErr == nil {
		return &types.RunOutcome{
			Status:  types.OutcomeSuccess,
			Message: "optimization completed",
		}
	}

	var se *pipeline.ServiceError
	switch {
	case errors.As(finalErr, &se):
		return &types.RunOutcome{
			Status:  types.OutcomeServiceError,
			Message: se.Message,
		}
	case pipeline.IsPartialFailure(finalErr):
		return &types.RunOutcome{
			Status:  types.OutcomePartialFailure,
			Message: finalErr.Error(),
		}
	default:
		// Finalizer misuse. No result was produced.
		return &types.RunOutcome{
			Status:  types.OutcomePartialFailure,
			Message: fmt.Sprintf("finalize: %v", finalErr),
		}
	}
}

// RequestOutcome classifies an error returned before any stream byte was
// read, or by the non-streaming endpoint.
func RequestOutcome(err error) *types.RunOutcome {
	if errors.Is(err, context.Canceled) {
		return &types.RunOutcome{Status: types.OutcomeCanceled, Message: "run canceled"}
	}
	return &types.RunOutcome{Status: types.OutcomeTransportFailure, Message: err.Error()}
}

// isEndpointFault reports whether err should demote the endpoint.
// Rejections of the request itself (4xx) are not the endpoint's fault.
func isEndpointFault(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *client.StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return client.IsTransportError(err) || IsIdleError(err) || IsStreamError(err)
}
