package pipeline

import (
	"fmt"
	"maps"

	"github.com/justapithecus/promptopt/types"
)

// PCV holds the Proposer-Critic-Verifier outputs folded so far.
type PCV struct {
	ProposedPrompt *string
	Critique       *string
	FinalPrompt    *string
}

// ViolationKind classifies ordering violations.
type ViolationKind string

const (
	// ViolationAfterTerminal is any event arriving after the committed
	// complete event.
	ViolationAfterTerminal ViolationKind = "after_terminal"
	// ViolationIterationRegressed is an iteration stage lower than one
	// already seen.
	ViolationIterationRegressed ViolationKind = "iteration_regressed"
)

// Violation records an event that broke the producer's ordering contract.
// Violations are reported, never corrected: the event is still applied.
type Violation struct {
	Kind  ViolationKind `json:"kind"`
	Stage string        `json:"stage"`
	// Seq is the 1-based position of the event among applied events.
	Seq int64 `json:"seq"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: stage %q at event %d", v.Kind, v.Stage, v.Seq)
}

// FieldWarning records a committed field that could not be read.
type FieldWarning struct {
	Stage string `json:"stage"`
	Field string `json:"field"`
	Msg   string `json:"msg"`
}

// Accumulator is the fold state of one run. It is owned by a single
// goroutine and must not be shared between runs. The zero value is ready
// to use.
//
// Invariants:
//   - a non-nil field is only replaced by a later commit of the same stage
//   - no populated field reverts to nil
//   - Metadata only grows; DSIterations is append-only
type Accumulator struct {
	SmartQueue   map[string]any
	PCV          *PCV
	DSIterations []map[string]any
	Evaluation   map[string]any
	FinalPrompt  *string
	Metadata     map[string]any

	// ServiceError is the message of the service's error stage, if any.
	ServiceError *string
	// LastStage is the stage of the most recent event.
	LastStage string

	Violations    []Violation
	FieldWarnings []FieldWarning

	applied   int64
	committed int64
	terminal  bool
	maxIter   int
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		DSIterations: []map[string]any{},
		Metadata:     map[string]any{},
	}
}

// Applied returns the number of events applied.
func (a *Accumulator) Applied() int64 { return a.applied }

// Committed returns the number of events that mutated the result fields.
func (a *Accumulator) Committed() int64 { return a.committed }

// Terminated reports whether a committed complete event was observed.
func (a *Accumulator) Terminated() bool { return a.terminal }

// Fold applies events in order to acc and returns it.
func Fold(acc *Accumulator, events ...types.StreamEvent) *Accumulator {
	for i := range events {
		Apply(acc, &events[i])
	}
	return acc
}

// Apply folds one event into the accumulator.
// It reports whether the event committed into the result fields.
func Apply(acc *Accumulator, ev *types.StreamEvent) bool {
	acc.applied++
	stage := ParseStage(ev.Stage)
	acc.LastStage = ev.Stage
	acc.checkOrder(stage)

	if stage.Category == CategoryError {
		msg := ev.Error
		if msg == "" {
			msg = ev.MessageText()
		}
		if msg == "" {
			msg = "optimization service reported an error"
		}
		acc.ServiceError = &msg
		return false
	}

	if !ev.Commits() {
		return false
	}

	committed := true
	switch stage.Category {
	case CategorySmartQueue:
		if ev.Data != nil {
			acc.SmartQueue = ev.Data
		}
	case CategoryPCVProposer:
		acc.setPCV(ev, "proposed_prompt", func(p *PCV) **string { return &p.ProposedPrompt })
	case CategoryPCVCritic:
		acc.setPCV(ev, "critique", func(p *PCV) **string { return &p.Critique })
	case CategoryPCVVerifier:
		acc.setPCV(ev, "final_prompt", func(p *PCV) **string { return &p.FinalPrompt })
	case CategoryDSIteration:
		// Only the stabilization half is retained; it embeds both outputs.
		if stage.Phase != PhaseStabilization {
			committed = false
			break
		}
		data := ev.Data
		if data == nil {
			data = map[string]any{}
		}
		acc.DSIterations = append(acc.DSIterations, data)
	case CategoryEvaluation:
		if ev.Data != nil {
			acc.Evaluation = ev.Data
		}
	case CategoryComplete:
		if acc.Metadata == nil {
			acc.Metadata = make(map[string]any, len(ev.Data))
		}
		maps.Copy(acc.Metadata, ev.Data)
		if s, ok := acc.readString(ev, "final_prompt"); ok {
			acc.FinalPrompt = &s
		}
		acc.terminal = true
	default:
		committed = false
	}

	if committed {
		acc.committed++
	}
	return committed
}

// checkOrder records ordering violations for the incoming stage.
func (a *Accumulator) checkOrder(s Stage) {
	if a.terminal {
		a.Violations = append(a.Violations, Violation{
			Kind: ViolationAfterTerminal, Stage: s.Raw, Seq: a.applied,
		})
	}
	if s.Category != CategoryDSIteration {
		return
	}
	if s.Iteration < a.maxIter {
		a.Violations = append(a.Violations, Violation{
			Kind: ViolationIterationRegressed, Stage: s.Raw, Seq: a.applied,
		})
		return
	}
	a.maxIter = s.Iteration
}

func (a *Accumulator) setPCV(ev *types.StreamEvent, key string, field func(*PCV) **string) {
	s, ok := a.readString(ev, key)
	if !ok {
		return
	}
	if a.PCV == nil {
		a.PCV = &PCV{}
	}
	*field(a.PCV) = &s
}

// readString reads a string field from the event data. A missing or null
// key leaves the accumulator unchanged; a non-string value is recorded as a
// field warning.
func (a *Accumulator) readString(ev *types.StreamEvent, key string) (string, bool) {
	v, ok := ev.Data[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		a.FieldWarnings = append(a.FieldWarnings, FieldWarning{
			Stage: ev.Stage,
			Field: key,
			Msg:   fmt.Sprintf("expected string, got %T", v),
		})
		return "", false
	}
	return s, true
}

// Snapshot returns a copy of the accumulator that shares no mutable
// containers with it. Stage payload maps are copied one level deep.
func (a *Accumulator) Snapshot() *Accumulator {
	out := *a
	out.SmartQueue = maps.Clone(a.SmartQueue)
	out.Evaluation = maps.Clone(a.Evaluation)
	out.Metadata = maps.Clone(a.Metadata)
	if a.PCV != nil {
		p := *a.PCV
		out.PCV = &p
	}
	out.DSIterations = make([]map[string]any, len(a.DSIterations))
	for i, it := range a.DSIterations {
		out.DSIterations[i] = maps.Clone(it)
	}
	out.Violations = append([]Violation(nil), a.Violations...)
	out.FieldWarnings = append([]FieldWarning(nil), a.FieldWarnings...)
	return &out
}
