package evaluator

import (
	"context"
	"sort"
	"sync/atomic"

	"evoopt/internal/logging"
	"evoopt/internal/metrics"
	"evoopt/internal/optimization"
)

// TwoPhaseConfig tunes a TwoPhaseEvaluator.
type TwoPhaseConfig struct {
	// Cutoff is the most candidates that reach the exact phase per batch.
	Cutoff int `json:"cutoff" yaml:"cutoff" validate:"gte=1"`
	// MinApproxScore keeps candidates scoring below it out of the exact phase.
	MinApproxScore float64 `json:"min_approx_score" yaml:"min_approx_score" validate:"gte=0,lte=1"`
	Workers        int     `json:"workers" yaml:"workers" validate:"gte=0"`
}

// DefaultTwoPhaseConfig returns cutoff 10, no score floor, one worker.
func DefaultTwoPhaseConfig() TwoPhaseConfig {
	return TwoPhaseConfig{Cutoff: 10, Workers: 1}
}

// TwoPhaseStats are cumulative counters across batches.
type TwoPhaseStats struct {
	Phase1   int64 `json:"phase1"`
	Phase2   int64 `json:"phase2"`
	Filtered int64 `json:"filtered"`
}

// CostReduction is the fraction of phase-1 candidates that skipped phase 2.
func (s TwoPhaseStats) CostReduction() float64 {
	if s.Phase1 == 0 {
		return 0
	}
	return 1 - float64(s.Phase2)/float64(s.Phase1)
}

// TwoPhaseEvaluator runs a cheap evaluator over every candidate and an
// expensive one over the best-ranked few. Candidates that miss the cutoff keep
// their phase-1 result.
type TwoPhaseEvaluator struct {
	approx optimization.Evaluator
	exact  optimization.Evaluator
	cfg    TwoPhaseConfig

	adaptive bool

	phase1   atomic.Int64
	phase2   atomic.Int64
	filtered atomic.Int64
}

// NewTwoPhaseEvaluator combines approx and exact.
func NewTwoPhaseEvaluator(approx, exact optimization.Evaluator, cfg TwoPhaseConfig) *TwoPhaseEvaluator {
	if cfg.Cutoff <= 0 {
		cfg.Cutoff = DefaultTwoPhaseConfig().Cutoff
	}
	return &TwoPhaseEvaluator{approx: approx, exact: exact, cfg: cfg}
}

// Stats returns the counters.
func (e *TwoPhaseEvaluator) Stats() TwoPhaseStats {
	return TwoPhaseStats{
		Phase1:   e.phase1.Load(),
		Phase2:   e.phase2.Load(),
		Filtered: e.filtered.Load(),
	}
}

// Evaluate scores a single candidate, escalating to the exact phase when the
// approximate score clears MinApproxScore.
func (e *TwoPhaseEvaluator) Evaluate(ctx context.Context, c *optimization.Candidate, rc *optimization.RunContext) (optimization.EvaluationResult, error) {
	r1 := optimization.EvaluateOne(ctx, e.approx, c, rc)
	e.phase1.Add(1)
	if r1.Score < e.cfg.MinApproxScore {
		e.filtered.Add(1)
		return tagApprox(r1), nil
	}
	r2 := optimization.EvaluateOne(ctx, e.exact, c, rc)
	e.phase2.Add(1)
	return tagExact(r2, r1.Score), nil
}

// BatchEvaluate implements optimization.BatchEvaluator.
func (e *TwoPhaseEvaluator) BatchEvaluate(ctx context.Context, candidates []*optimization.Candidate, rc *optimization.RunContext) ([]optimization.EvaluationResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	r1, err := optimization.EvaluateAll(ctx, e.approx, candidates, rc, e.cfg.Workers)
	if err != nil {
		return nil, err
	}
	e.phase1.Add(int64(len(candidates)))
	metrics.RecordEvaluated(string(optimization.PhaseApprox), len(candidates))

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return r1[order[a]].Score > r1[order[b]].Score
	})

	cutoff := e.cutoff(rc)
	var survivors []int
	for _, idx := range order {
		if len(survivors) == cutoff {
			break
		}
		if r1[idx].Score >= e.cfg.MinApproxScore {
			survivors = append(survivors, idx)
		}
	}

	results := make([]optimization.EvaluationResult, len(candidates))
	for i := range r1 {
		results[i] = tagApprox(r1[i])
	}
	filtered := len(candidates) - len(survivors)
	e.filtered.Add(int64(filtered))
	if len(survivors) == 0 {
		logging.EvaluatorDebug("two-phase: no candidate reached the exact phase")
		return results, nil
	}

	exactCands := make([]*optimization.Candidate, len(survivors))
	for j, idx := range survivors {
		exactCands[j] = candidates[idx]
	}
	r2, err := optimization.EvaluateAll(ctx, e.exact, exactCands, rc, e.cfg.Workers)
	if err != nil {
		return nil, err
	}
	e.phase2.Add(int64(len(survivors)))
	metrics.RecordEvaluated(string(optimization.PhaseExact), len(survivors))

	for j, idx := range survivors {
		results[idx] = tagExact(r2[j], r1[idx].Score)
	}
	logging.Evaluator("two-phase: %d candidates, %d exact, %d filtered (cutoff %d)",
		len(candidates), len(survivors), filtered, cutoff)
	return results, nil
}

// cutoff halves the configured cutoff in adaptive mode once fewer than 30%
// of the iteration budget remains.
func (e *TwoPhaseEvaluator) cutoff(rc *optimization.RunContext) int {
	cutoff := e.cfg.Cutoff
	if !e.adaptive || rc == nil || rc.Budget.MaxIters == 0 {
		return cutoff
	}
	remaining := float64(rc.Budget.MaxIters-rc.Round+1) / float64(rc.Budget.MaxIters)
	if remaining < 0.3 {
		cutoff /= 2
		if cutoff < 1 {
			cutoff = 1
		}
	}
	return cutoff
}

// AdaptiveTwoPhaseEvaluator is a TwoPhaseEvaluator that spends fewer exact
// evaluations late in the iteration budget.
type AdaptiveTwoPhaseEvaluator struct {
	*TwoPhaseEvaluator
}

// NewAdaptiveTwoPhaseEvaluator combines approx and exact with an adaptive cutoff.
func NewAdaptiveTwoPhaseEvaluator(approx, exact optimization.Evaluator, cfg TwoPhaseConfig) *AdaptiveTwoPhaseEvaluator {
	e := NewTwoPhaseEvaluator(approx, exact, cfg)
	e.adaptive = true
	return &AdaptiveTwoPhaseEvaluator{TwoPhaseEvaluator: e}
}

func tagApprox(r optimization.EvaluationResult) optimization.EvaluationResult {
	r.Detail.Phase = optimization.PhaseApprox
	r.Metadata = cloneMeta(r.Metadata)
	r.Metadata["phase"] = string(optimization.PhaseApprox)
	return r
}

func tagExact(r optimization.EvaluationResult, phase1 float64) optimization.EvaluationResult {
	r.Detail.Phase = optimization.PhaseExact
	r.Metadata = cloneMeta(r.Metadata)
	r.Metadata["phase"] = string(optimization.PhaseExact)
	r.Metadata["phase1_score"] = phase1
	return r
}
