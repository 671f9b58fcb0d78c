//nolint:revive // types is a common Go package naming convention
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Backend selects the LLM provider used by the optimization service.
type Backend string

const (
	BackendGemini Backend = "gemini"
	BackendGrok   Backend = "grok"
)

// Request defaults and bounds enforced by the optimization service.
const (
	DefaultMaxIterations        = 3
	MinMaxIterations            = 1
	MaxMaxIterations            = 6
	DefaultConvergenceThreshold = 0.05
	MinConvergenceThreshold     = 0.01
	MaxConvergenceThreshold     = 0.20
)

// OptimizeRequest is the body of both optimize endpoints.
type OptimizeRequest struct {
	Prompt               string  `json:"prompt" yaml:"prompt"`
	Backend              Backend `json:"backend" yaml:"backend"`
	GeminiAPIKey         string  `json:"gemini_api_key,omitempty" yaml:"gemini_api_key,omitempty"`
	XAIAPIKey            string  `json:"xai_api_key,omitempty" yaml:"xai_api_key,omitempty"`
	MaxIterations        int     `json:"max_iterations" yaml:"max_iterations"`
	ConvergenceThreshold float64 `json:"convergence_threshold" yaml:"convergence_threshold"`
	ForceOptimization    bool    `json:"force_optimization" yaml:"force_optimization"`
}

// NewOptimizeRequest returns a request carrying the service defaults.
func NewOptimizeRequest(prompt string) OptimizeRequest {
	return OptimizeRequest{
		Prompt:               prompt,
		Backend:              BackendGemini,
		MaxIterations:        DefaultMaxIterations,
		ConvergenceThreshold: DefaultConvergenceThreshold,
		ForceOptimization:    true,
	}
}

// Validate checks the request against the service's accepted ranges.
func (r *OptimizeRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.New("prompt must be non-empty")
	}

	switch r.Backend {
	case BackendGemini, BackendGrok:
		// valid
	default:
		return fmt.Errorf("invalid backend %q: must be gemini or grok", r.Backend)
	}

	if r.MaxIterations < MinMaxIterations || r.MaxIterations > MaxMaxIterations {
		return fmt.Errorf("max_iterations must be between %d and %d, got %d",
			MinMaxIterations, MaxMaxIterations, r.MaxIterations)
	}

	if r.ConvergenceThreshold < MinConvergenceThreshold || r.ConvergenceThreshold > MaxConvergenceThreshold {
		return fmt.Errorf("convergence_threshold must be between %.2f and %.2f, got %g",
			MinConvergenceThreshold, MaxConvergenceThreshold, r.ConvergenceThreshold)
	}

	return nil
}

// Redacted returns a copy with API keys masked, for logs and reports.
func (r OptimizeRequest) Redacted() OptimizeRequest {
	if r.GeminiAPIKey != "" {
		r.GeminiAPIKey = "***"
	}
	if r.XAIAPIKey != "" {
		r.XAIAPIKey = "***"
	}
	return r
}

// PCVResult holds the Proposer-Critic-Verifier outputs.
// Each field is independently nullable.
type PCVResult struct {
	ProposedPrompt *string `json:"proposed_prompt" yaml:"proposed_prompt"`
	Critique       *string `json:"critique" yaml:"critique"`
	FinalPrompt    *string `json:"final_prompt" yaml:"final_prompt"`
}

// IsZero reports whether none of the fields is set.
func (p *PCVResult) IsZero() bool {
	return p == nil || (p.ProposedPrompt == nil && p.Critique == nil && p.FinalPrompt == nil)
}

// DSIteration is the typed view of one D/S iteration payload.
type DSIteration struct {
	Iteration    int     `json:"iteration" yaml:"iteration"`
	Length       int     `json:"length" yaml:"length"`
	ChangeRate   float64 `json:"change_rate" yaml:"change_rate"`
	DBlockOutput string  `json:"d_block_output" yaml:"d_block_output"`
	SBlockOutput string  `json:"s_block_output" yaml:"s_block_output"`
}

// PairwiseEvaluation is the typed view of the evaluation payload.
// Scores range from -1 (original better) to 1 (optimized better).
type PairwiseEvaluation struct {
	Clarity     float64 `json:"clarity" yaml:"clarity"`
	Structure   float64 `json:"structure" yaml:"structure"`
	Constraints float64 `json:"constraints" yaml:"constraints"`
	Usefulness  float64 `json:"usefulness" yaml:"usefulness"`
	Comment     string  `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// resultFields are the contract keys of OptimizeResult.
// Metadata keys with these names never override them.
var resultFields = []string{
	"success", "original_prompt", "final_prompt", "smart_queue",
	"pcv", "ds_iterations", "evaluation",
}

// OptimizeResult is the final result contract, identical for the
// streaming and non-streaming paths. Stage payloads are kept verbatim.
type OptimizeResult struct {
	Success        bool
	OriginalPrompt string
	FinalPrompt    string
	SmartQueue     map[string]any
	PCV            *PCVResult
	DSIterations   []map[string]any
	Evaluation     map[string]any
	// Metadata holds the terminal event's extra keys, flattened into
	// the JSON object on the wire.
	Metadata map[string]any
}

// MarshalJSON flattens Metadata into the top-level object.
func (r OptimizeResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Metadata)+len(resultFields))
	for k, v := range r.Metadata {
		out[k] = v
	}

	iterations := r.DSIterations
	if iterations == nil {
		iterations = []map[string]any{}
	}

	out["success"] = r.Success
	out["original_prompt"] = r.OriginalPrompt
	out["final_prompt"] = r.FinalPrompt
	out["smart_queue"] = r.SmartQueue
	out["ds_iterations"] = iterations
	out["evaluation"] = r.Evaluation
	if r.PCV.IsZero() {
		out["pcv"] = nil
	} else {
		out["pcv"] = r.PCV
	}

	return json.Marshal(out)
}

// UnmarshalJSON reads contract fields and collects every other key
// into Metadata.
func (r *OptimizeResult) UnmarshalJSON(data []byte) error {
	var wire struct {
		Success        bool             `json:"success"`
		OriginalPrompt string           `json:"original_prompt"`
		FinalPrompt    string           `json:"final_prompt"`
		SmartQueue     map[string]any   `json:"smart_queue"`
		PCV            *PCVResult       `json:"pcv"`
		DSIterations   []map[string]any `json:"ds_iterations"`
		Evaluation     map[string]any   `json:"evaluation"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range resultFields {
		delete(all, k)
	}

	*r = OptimizeResult{
		Success:        wire.Success,
		OriginalPrompt: wire.OriginalPrompt,
		FinalPrompt:    wire.FinalPrompt,
		SmartQueue:     wire.SmartQueue,
		PCV:            wire.PCV,
		DSIterations:   wire.DSIterations,
		Evaluation:     wire.Evaluation,
	}
	if len(all) > 0 {
		r.Metadata = all
	}
	return nil
}

// Iterations decodes the verbatim iteration payloads into typed values.
// The service sends the stabilization output as "output"; it is mapped
// to SBlockOutput when s_block_output is absent. Payloads whose fields
// have the wrong types are skipped; positions are kept for numbering.
func (r *OptimizeResult) Iterations() []DSIteration {
	out := make([]DSIteration, 0, len(r.DSIterations))
	for i, raw := range r.DSIterations {
		var it DSIteration
		if err := remarshal(raw, &it); err != nil {
			continue
		}
		if it.Iteration == 0 {
			it.Iteration = i + 1
		}
		if it.SBlockOutput == "" {
			if s, ok := raw["output"].(string); ok {
				it.SBlockOutput = s
			}
		}
		out = append(out, it)
	}
	return out
}

// Scores decodes the evaluation payload, or returns nil when absent.
func (r *OptimizeResult) Scores() *PairwiseEvaluation {
	if r.Evaluation == nil {
		return nil
	}
	var e PairwiseEvaluation
	if err := remarshal(r.Evaluation, &e); err != nil {
		return nil
	}
	return &e
}

func remarshal(in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// HealthStatus is the response of the service health endpoint.
type HealthStatus struct {
	Status    string `json:"status" yaml:"status"`
	Version   string `json:"version,omitempty" yaml:"version,omitempty"`
	Timestamp string `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

// Healthy reports whether the service declared itself healthy.
func (h *HealthStatus) Healthy() bool {
	return h != nil && h.Status == "healthy"
}
