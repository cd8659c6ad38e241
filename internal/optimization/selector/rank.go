// Package selector contains the survivor-selection strategies.
package selector

import (
	"fmt"
	"sort"

	"evoopt/internal/optimization"
)

type scored struct {
	c *optimization.Candidate
	e optimization.EvaluationResult
}

// rank pairs candidates with their evaluations and orders them by score
// descending, then cost ascending, then id.
func rank(candidates []*optimization.Candidate, evals []optimization.EvaluationResult) ([]scored, error) {
	if len(candidates) != len(evals) {
		return nil, fmt.Errorf("%w: %d candidates vs %d evaluations",
			optimization.ErrLengthMismatch, len(candidates), len(evals))
	}
	pairs := make([]scored, len(candidates))
	for i := range candidates {
		pairs[i] = scored{c: candidates[i], e: evals[i]}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		if a.e.Score != b.e.Score {
			return a.e.Score > b.e.Score
		}
		if a.e.CostTokens != b.e.CostTokens {
			return a.e.CostTokens < b.e.CostTokens
		}
		return a.c.ID < b.c.ID
	})
	return pairs, nil
}

func top(pairs []scored, n int) []*optimization.Candidate {
	if n > len(pairs) {
		n = len(pairs)
	}
	out := make([]*optimization.Candidate, n)
	for i := 0; i < n; i++ {
		out[i] = pairs[i].c
	}
	return out
}
