package selector

import (
	"math"

	"evoopt/internal/logging"
	"evoopt/internal/optimization"
)

// DynamicHalving adapts its keep ratio to the spread of scores: a wide
// spread (std dev > 0.2) keeps fewer, a narrow one (< 0.05) keeps more.
type DynamicHalving struct {
	BaseRatio float64
	MinKeep   int
}

// NewDynamicHalving creates a DynamicHalving selector.
func NewDynamicHalving(baseRatio float64, minKeep int) *DynamicHalving {
	if baseRatio <= 0 || baseRatio > 1 {
		baseRatio = 0.5
	}
	if minKeep < 1 {
		minKeep = 1
	}
	return &DynamicHalving{BaseRatio: baseRatio, MinKeep: minKeep}
}

// Select implements optimization.Selector.
func (s *DynamicHalving) Select(candidates []*optimization.Candidate, evals []optimization.EvaluationResult) ([]*optimization.Candidate, error) {
	pairs, err := rank(candidates, evals)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	std := stdDev(pairs)
	ratio := s.Ratio(std)
	out := top(pairs, keepCount(len(pairs), ratio, s.MinKeep))
	logging.SelectorDebug("dynamic halving: %d -> %d (ratio=%.2f std=%.3f)", len(pairs), len(out), ratio, std)
	return out, nil
}

// Ratio returns the keep ratio for a population with the given score
// standard deviation, clamped to [0.1, 0.9].
func (s *DynamicHalving) Ratio(std float64) float64 {
	ratio := s.BaseRatio
	switch {
	case std > 0.2:
		ratio *= 0.8
	case std < 0.05:
		ratio *= 1.2
	}
	return math.Max(0.1, math.Min(0.9, ratio))
}

func stdDev(pairs []scored) float64 {
	var sum float64
	for _, p := range pairs {
		sum += p.e.Score
	}
	mean := sum / float64(len(pairs))
	var sq float64
	for _, p := range pairs {
		d := p.e.Score - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(pairs)))
}
