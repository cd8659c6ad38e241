package selector

import (
	"evoopt/internal/logging"
	"evoopt/internal/optimization"
)

// DefaultK is the TopK size used when none is given.
const DefaultK = 5

// TopK keeps the K best-ranked candidates.
type TopK struct {
	K int
}

// NewTopK creates a TopK selector; k <= 0 uses DefaultK.
func NewTopK(k int) *TopK {
	if k <= 0 {
		k = DefaultK
	}
	return &TopK{K: k}
}

// Select implements optimization.Selector.
func (s *TopK) Select(candidates []*optimization.Candidate, evals []optimization.EvaluationResult) ([]*optimization.Candidate, error) {
	pairs, err := rank(candidates, evals)
	if err != nil {
		return nil, err
	}
	out := top(pairs, s.K)
	logging.SelectorDebug("topk: %d -> %d", len(candidates), len(out))
	return out, nil
}
