package pipeline

import (
	"fmt"
)

// Progress is the display state for one stage.
type Progress struct {
	// Percent is in [0, 100].
	Percent int
	// Label is a human-readable stage name.
	Label string
}

var stageProgress = map[Category]Progress{
	CategoryInit:        {5, "Initialization"},
	CategorySmartQueue:  {15, "Smart Queue Analysis"},
	CategoryPCVProposer: {30, "Proposer"},
	CategoryPCVCritic:   {45, "Critic"},
	CategoryPCVVerifier: {60, "Verifier"},
	CategoryDSConverged: {iterationCeiling, "D/S Converged"},
	CategoryEvaluation:  {95, "Quality Evaluation"},
	CategoryComplete:    {100, "Complete"},
	CategoryError:       {0, "Error"},
}

// Iteration stages climb from iterationBase in iterationStep increments per
// phase and never pass iterationCeiling, so evaluation stays ahead of them.
const (
	iterationBase    = 65
	iterationStep    = 5
	iterationCeiling = 90
)

// Translate maps a stage identifier to its progress. Unknown stages map to
// 0% labelled with the raw identifier.
func Translate(raw string) Progress {
	return TranslateStage(ParseStage(raw))
}

// TranslateStage maps a parsed stage to its progress.
func TranslateStage(s Stage) Progress {
	if s.Category == CategoryDSIteration {
		return Progress{
			Percent: iterationPercent(s.Iteration, s.Phase),
			Label:   fmt.Sprintf("D/S Iteration %d - %s", s.Iteration, s.Phase.Name()),
		}
	}
	if p, ok := stageProgress[s.Category]; ok {
		return p
	}
	return Progress{Percent: 0, Label: s.Raw}
}

func iterationPercent(n int, phase Phase) int {
	const slots = (iterationCeiling - iterationBase) / iterationStep
	if n > slots {
		return iterationCeiling
	}
	slot := (n - 1) * 2
	if phase == PhaseStabilization {
		slot++
	}
	if slot >= slots {
		return iterationCeiling
	}
	return iterationBase + iterationStep*slot
}

// Tracker keeps displayed progress non-decreasing across a run.
// Labels always follow the latest stage.
type Tracker struct {
	max  int
	last Progress
}

// Observe translates the stage and clamps the percent to the maximum seen.
// Stages that do not advance the run (unknown, error) keep the current
// percent.
func (t *Tracker) Observe(raw string) Progress {
	p := Translate(raw)
	if p.Percent > t.max {
		t.max = p.Percent
	}
	p.Percent = t.max
	t.last = p
	return p
}

// Current returns the last observed progress.
func (t *Tracker) Current() Progress {
	return t.last
}
