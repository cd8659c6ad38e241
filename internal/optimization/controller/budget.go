// Package controller decides when an optimization run stops. Controllers
// hold no run state; every decision is computed from the round history.
package controller

import (
	"evoopt/internal/logging"
	"evoopt/internal/optimization"
)

// Budget stops a run once any budget axis is exhausted.
type Budget struct{}

// NewBudget creates a Budget controller.
func NewBudget() *Budget { return &Budget{} }

// ShouldStop implements optimization.Controller.
func (*Budget) ShouldStop(round int, history []optimization.RoundSummary, budget optimization.Budget) (bool, string) {
	return exhausted(round, history, budget)
}

func exhausted(round int, history []optimization.RoundSummary, budget optimization.Budget) (bool, string) {
	if budget.MaxIters > 0 && round >= budget.MaxIters {
		return true, optimization.StopMaxIters
	}
	if len(history) == 0 {
		return false, ""
	}
	if budget.MaxDuration > 0 && history[len(history)-1].SinceStart >= budget.MaxDuration {
		return true, optimization.StopMaxDuration
	}
	var tokens int
	var cost float64
	for _, h := range history {
		tokens += h.CostTokens
		cost += h.CostUSD
	}
	if budget.MaxTokens > 0 && tokens >= budget.MaxTokens {
		logging.ControllerDebug("token budget spent: %d >= %d", tokens, budget.MaxTokens)
		return true, optimization.StopMaxTokens
	}
	if budget.MaxCost > 0 && cost >= budget.MaxCost {
		logging.ControllerDebug("cost budget spent: %.4f >= %.4f", cost, budget.MaxCost)
		return true, optimization.StopMaxCost
	}
	return false, ""
}
