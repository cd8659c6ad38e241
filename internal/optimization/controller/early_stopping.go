package controller

import (
	"evoopt/internal/logging"
	"evoopt/internal/optimization"
)

// epsilon absorbs float noise when comparing an improvement to the threshold.
const epsilon = 1e-9

// EarlyStopping stops on budget exhaustion, on a plateau, or once a quality
// target is reached.
//
// A round improves when its best score beats the reference best by at least
// MinImprovement; the reference then moves to that score. The reference
// starts at the floor score. After Patience consecutive rounds without
// improvement the run stops.
type EarlyStopping struct {
	Patience       int     `json:"patience" yaml:"patience" validate:"gte=1"`
	MinImprovement float64 `json:"min_improvement" yaml:"min_improvement" validate:"gte=0"`
	// Target stops the run once a round's best reaches it. Zero disables it.
	Target float64 `json:"target" yaml:"target" validate:"gte=0,lte=1"`
}

// NewEarlyStopping creates an EarlyStopping controller. patience < 1 is
// treated as 1.
func NewEarlyStopping(patience int, minImprovement float64) *EarlyStopping {
	if patience < 1 {
		patience = 1
	}
	return &EarlyStopping{Patience: patience, MinImprovement: minImprovement}
}

// WithTarget returns a copy that also stops at target.
func (c EarlyStopping) WithTarget(target float64) *EarlyStopping {
	c.Target = target
	return &c
}

// ShouldStop implements optimization.Controller.
func (c *EarlyStopping) ShouldStop(round int, history []optimization.RoundSummary, budget optimization.Budget) (bool, string) {
	if stop, reason := exhausted(round, history, budget); stop {
		return true, reason
	}
	if len(history) == 0 {
		return false, ""
	}
	if c.Target > 0 && history[len(history)-1].BestScore >= c.Target {
		return true, optimization.StopTargetReached
	}

	stale := StaleRounds(history, c.MinImprovement)
	logging.ControllerDebug("round %d: %d stale round(s), patience %d", round, stale, c.Patience)
	if stale >= c.Patience {
		return true, optimization.StopPlateau
	}
	return false, ""
}

// StaleRounds counts the trailing rounds that failed to improve on the
// reference best by at least minImprovement.
func StaleRounds(history []optimization.RoundSummary, minImprovement float64) int {
	reference := optimization.WorstScore
	stale := 0
	for _, h := range history {
		if h.BestScore-reference >= minImprovement-epsilon && h.BestScore > reference {
			reference = h.BestScore
			stale = 0
			continue
		}
		stale++
	}
	return stale
}
