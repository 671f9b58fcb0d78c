// Package pipeline folds stream events into an optimization result.
//
// A run is one Accumulator fed by Apply in arrival order, translated into
// progress by Tracker, and closed by Finalizer. Nothing in this package
// performs I/O.
package pipeline

import (
	"strconv"
	"strings"

	"github.com/justapithecus/promptopt/types"
)

// Category is the closed set of stage kinds.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryInit
	CategorySmartQueue
	CategoryPCVProposer
	CategoryPCVCritic
	CategoryPCVVerifier
	CategoryDSIteration
	CategoryDSConverged
	CategoryEvaluation
	CategoryComplete
	CategoryError
)

var categoryNames = [...]string{
	CategoryUnknown:     "unknown",
	CategoryInit:        "init",
	CategorySmartQueue:  "smart_queue",
	CategoryPCVProposer: "pcv_proposer",
	CategoryPCVCritic:   "pcv_critic",
	CategoryPCVVerifier: "pcv_verifier",
	CategoryDSIteration: "ds_iteration",
	CategoryDSConverged: "ds_converged",
	CategoryEvaluation:  "evaluation",
	CategoryComplete:    "complete",
	CategoryError:       "error",
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "unknown"
}

// Phase is the half of a D/S iteration.
type Phase byte

const (
	PhaseNone            Phase = 0
	PhaseDiversification Phase = 'd'
	PhaseStabilization   Phase = 's'
)

// Name returns the display name of the phase.
func (p Phase) Name() string {
	switch p {
	case PhaseDiversification:
		return "Diversification"
	case PhaseStabilization:
		return "Stabilization"
	default:
		return ""
	}
}

// Stage is a parsed stage identifier.
type Stage struct {
	Category Category
	// Iteration is n in ds_iteration_<n>_<phase>; zero otherwise.
	Iteration int
	// Phase is set for iteration stages only.
	Phase Phase
	// Raw is the identifier as received.
	Raw string
}

var literalStages = map[string]Category{
	types.StageInit:        CategoryInit,
	types.StageSmartQueue:  CategorySmartQueue,
	types.StagePCVProposer: CategoryPCVProposer,
	types.StagePCVCritic:   CategoryPCVCritic,
	types.StagePCVVerifier: CategoryPCVVerifier,
	types.StageDSConverged: CategoryDSConverged,
	types.StageEvaluation:  CategoryEvaluation,
	types.StageComplete:    CategoryComplete,
	types.StageError:       CategoryError,
}

// ParseStage classifies a stage identifier. It never fails: anything
// unrecognized is CategoryUnknown.
//
// Iteration stages must match ds_iteration_<n>_<d|s> exactly, where n is
// a decimal integer >= 1 without sign or leading zeros.
func ParseStage(raw string) Stage {
	if c, ok := literalStages[raw]; ok {
		return Stage{Category: c, Raw: raw}
	}

	rest, ok := strings.CutPrefix(raw, types.StageIterationPrefix)
	if !ok {
		return Stage{Category: CategoryUnknown, Raw: raw}
	}

	num, phase, ok := strings.Cut(rest, "_")
	if !ok || len(phase) != 1 || !validIterationNumber(num) {
		return Stage{Category: CategoryUnknown, Raw: raw}
	}

	p := Phase(phase[0])
	if p != PhaseDiversification && p != PhaseStabilization {
		return Stage{Category: CategoryUnknown, Raw: raw}
	}

	n, err := strconv.Atoi(num)
	if err != nil || n < 1 {
		return Stage{Category: CategoryUnknown, Raw: raw}
	}

	return Stage{Category: CategoryDSIteration, Iteration: n, Phase: p, Raw: raw}
}

func validIterationNumber(s string) bool {
	if s == "" || s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
