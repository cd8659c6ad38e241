package optimization

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"evoopt/internal/logging"
)

// EvaluateAll scores candidates with ev. If ev is a BatchEvaluator its batch
// method is used; otherwise candidates are scored one by one, fanning out
// over at most workers goroutines. Per-candidate errors and panics become
// WorstCase results, as do batch errors other than ErrLengthMismatch, which
// is returned. Results are index-aligned with candidates.
func EvaluateAll(ctx context.Context, ev Evaluator, candidates []*Candidate, rc *RunContext, workers int) ([]EvaluationResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	if bev, ok := ev.(BatchEvaluator); ok {
		results, err := safeBatch(ctx, bev, candidates, rc)
		if errors.Is(err, ErrLengthMismatch) {
			return nil, err
		}
		if err != nil {
			logging.EvaluatorWarn("batch evaluation failed, scoring all %d candidates as worst case: %v", len(candidates), err)
			results = make([]EvaluationResult, len(candidates))
			for i := range results {
				results[i] = WorstCase(FailureExecution, err)
			}
			return results, nil
		}
		if len(results) != len(candidates) {
			return nil, fmt.Errorf("%w: %T returned %d results for %d candidates", ErrLengthMismatch, ev, len(results), len(candidates))
		}
		return normalizeAll(results), nil
	}

	results := make([]EvaluationResult, len(candidates))
	if workers <= 1 {
		for i, c := range candidates {
			results[i] = EvaluateOne(ctx, ev, c, rc)
		}
		return results, nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for i, c := range candidates {
		i, c := i, c
		eg.Go(func() error {
			results[i] = EvaluateOne(egCtx, ev, c, rc)
			return nil
		})
	}
	_ = eg.Wait() // EvaluateOne never fails
	return results, nil
}

// EvaluateOne scores a single candidate, converting errors and panics.
func EvaluateOne(ctx context.Context, ev Evaluator, c *Candidate, rc *RunContext) (res EvaluationResult) {
	defer func() {
		if r := recover(); r != nil {
			logging.EvaluatorWarn("evaluator %T panicked on candidate %s: %v", ev, c.ID, r)
			res = WorstCase(FailurePanic, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return WorstCase(FailureExecution, err)
	}
	out, err := ev.Evaluate(ctx, c, rc)
	if err != nil {
		return WorstCase(failureKind(err), err)
	}
	return normalize(out)
}

func safeBatch(ctx context.Context, bev BatchEvaluator, candidates []*Candidate, rc *RunContext) (results []EvaluationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %T: %v", bev, r)
		}
	}()
	return bev.BatchEvaluate(ctx, candidates, rc)
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrJudge):
		return FailureJudge
	case errors.Is(err, ErrValidation):
		return FailureValidation
	default:
		return FailureExecution
	}
}

// normalize clamps the score into [0, 1] and maps NaN to the floor.
func normalize(r EvaluationResult) EvaluationResult {
	switch {
	case math.IsNaN(r.Score) || r.Score < 0:
		r.Score = WorstScore
	case r.Score > 1:
		r.Score = 1
	}
	if r.CostTokens < 0 {
		r.CostTokens = 0
	}
	if r.CostUSD < 0 || math.IsNaN(r.CostUSD) {
		r.CostUSD = 0
	}
	return r
}

func normalizeAll(rs []EvaluationResult) []EvaluationResult {
	for i := range rs {
		rs[i] = normalize(rs[i])
	}
	return rs
}
