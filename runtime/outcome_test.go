package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/justapithecus/promptopt/client"
	"github.com/justapithecus/promptopt/pipeline"
	"github.com/justapithecus/promptopt/types"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		status types.OutcomeStatus
		want   int
	}{
		{types.OutcomeSuccess, ExitCodeSuccess},
		{types.OutcomeServiceError, ExitCodeFailure},
		{types.OutcomePartialFailure, ExitCodeFailure},
		{types.OutcomePolicyFailure, ExitCodeFailure},
		{types.OutcomeTransportFailure, ExitCodeTransport},
		{types.OutcomeCanceled, ExitCodeCanceled},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := ExitCode(tt.status); got != tt.want {
				t.Errorf("ExitCode(%s) = %d, want %d", tt.status, got, tt.want)
			}
		})
	}
}

func TestDetermineOutcome(t *testing.T) {
	acc := pipeline.NewAccumulator()
	acc.LastStage = types.StagePCVVerifier

	tests := []struct {
		name     string
		ingErr   error
		finalErr error
		want     types.OutcomeStatus
	}{
		{
			name: "success",
			want: types.OutcomeSuccess,
		},
		{
			name:     "service error",
			finalErr: &pipeline.ServiceError{Message: "quota exceeded"},
			want:     types.OutcomeServiceError,
		},
		{
			name:     "partial failure",
			finalErr: &pipeline.PartialFailureError{Partial: acc},
			want:     types.OutcomePartialFailure,
		},
		{
			name:     "policy error wins over finalizer",
			ingErr:   &IngestionError{Kind: IngestionErrorPolicy, Err: errors.New("sink down")},
			finalErr: &pipeline.PartialFailureError{Partial: acc},
			want:     types.OutcomePolicyFailure,
		},
		{
			name:   "canceled",
			ingErr: &IngestionError{Kind: IngestionErrorCanceled, Err: context.Canceled},
			want:   types.OutcomeCanceled,
		},
		{
			name:   "idle",
			ingErr: &IngestionError{Kind: IngestionErrorIdle, Err: ErrIdleTimeout},
			want:   types.OutcomeTransportFailure,
		},
		{
			name:   "stream",
			ingErr: &IngestionError{Kind: IngestionErrorStream, Err: errors.New("reset")},
			want:   types.OutcomeTransportFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetermineOutcome(tt.ingErr, tt.finalErr, acc)
			if got.Status != tt.want {
				t.Errorf("Status = %s, want %s (message %q)", got.Status, tt.want, got.Message)
			}
			if got.Stage == nil || *got.Stage != types.StagePCVVerifier {
				t.Errorf("Stage = %v, want %s", got.Stage, types.StagePCVVerifier)
			}
		})
	}
}

func TestDetermineOutcome_ServiceMessage(t *testing.T) {
	got := DetermineOutcome(nil, &pipeline.ServiceError{Message: "API key required"}, nil)
	if got.Message != "API key required" {
		t.Errorf("Message = %q, want the service message", got.Message)
	}
	if got.Stage != nil {
		t.Errorf("Stage = %v, want nil without an accumulator", *got.Stage)
	}
}

func TestDetermineOutcome_FinalizerMisuse(t *testing.T) {
	got := DetermineOutcome(nil, pipeline.ErrAlreadyFinalized, nil)
	if got.Status != types.OutcomePartialFailure {
		t.Errorf("Status = %s, want %s", got.Status, types.OutcomePartialFailure)
	}
	if !strings.HasPrefix(got.Message, "finalize: ") {
		t.Errorf("Message = %q, want finalize prefix", got.Message)
	}
}

func TestRequestOutcome(t *testing.T) {
	if got := RequestOutcome(fmt.Errorf("wrap: %w", context.Canceled)); got.Status != types.OutcomeCanceled {
		t.Errorf("canceled: Status = %s", got.Status)
	}
	if got := RequestOutcome(&client.StatusError{Code: 422}); got.Status != types.OutcomeTransportFailure {
		t.Errorf("422: Status = %s", got.Status)
	}
}

func TestIsEndpointFault(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"5xx", &client.StatusError{Code: 503}, true},
		{"4xx", &client.StatusError{Code: 400}, false},
		{"transport", &client.TransportError{Op: "stream", Err: errors.New("refused")}, true},
		{"idle", &IngestionError{Kind: IngestionErrorIdle, Err: ErrIdleTimeout}, true},
		{"stream", &IngestionError{Kind: IngestionErrorStream, Err: errors.New("reset")}, true},
		{"policy", &IngestionError{Kind: IngestionErrorPolicy, Err: errors.New("x")}, false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isEndpointFault(tt.err); got != tt.want {
				t.Errorf("isEndpointFault() = %v, want %v", got, tt.want)
			}
		})
	}
}
