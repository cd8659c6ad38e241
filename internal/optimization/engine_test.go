package optimization_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"evoopt/internal/optimization"
	"evoopt/internal/optimization/controller"
	"evoopt/internal/optimization/evaluator"
	"evoopt/internal/optimization/selector"
)

// scriptedGenerator emits a fixed population per round and records what
// Evolve was given.
type scriptedGenerator struct {
	t      *testing.T
	ec     optimization.ExecutionContext
	rounds [][]string

	evolveSelected [][]*optimization.Candidate
	evolveEvals    [][]optimization.EvaluationResult
	evolveErr      error
}

func newScripted(t *testing.T, rounds ...[]string) *scriptedGenerator {
	t.Helper()
	agent := filepath.Join(t.TempDir(), "agent.dph")
	require.NoError(t, os.WriteFile(agent, []byte("flow"), 0o644))
	ec, err := optimization.NewVariableContext(agent, "$injects")
	require.NoError(t, err)
	return &scriptedGenerator{t: t, ec: ec, rounds: rounds}
}

func (g *scriptedGenerator) build(contents []string) []*optimization.Candidate {
	out := make([]*optimization.Candidate, len(contents))
	for i, c := range contents {
		out[i] = optimization.NewCandidate(c, g.ec)
	}
	return out
}

func (g *scriptedGenerator) Initialize(context.Context, string, *optimization.RunContext) ([]*optimization.Candidate, error) {
	if len(g.rounds) == 0 {
		return nil, nil
	}
	return g.build(g.rounds[0]), nil
}

func (g *scriptedGenerator) Evolve(_ context.Context, selected []*optimization.Candidate, evals []optimization.EvaluationResult, _ *optimization.RunContext) ([]*optimization.Candidate, error) {
	g.evolveSelected = append(g.evolveSelected, selected)
	g.evolveEvals = append(g.evolveEvals, evals)
	if g.evolveErr != nil {
		return nil, g.evolveErr
	}
	next := len(g.evolveSelected)
	if next >= len(g.rounds) {
		return nil, nil
	}
	return g.build(g.rounds[next]), nil
}

// tableEvaluator scores by content and records every content it saw.
type tableEvaluator struct {
	mu     sync.Mutex
	scores map[string]float64
	seen   []string
}

func (e *tableEvaluator) Evaluate(_ context.Context, c *optimization.Candidate, _ *optimization.RunContext) (optimization.EvaluationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, c.Content)
	s, ok := e.scores[c.Content]
	if !ok {
		return optimization.EvaluationResult{}, errors.New("unscored content")
	}
	return optimization.EvaluationResult{Score: s, CostTokens: 10}, nil
}

type neverStop struct{}

func (neverStop) ShouldStop(int, []optimization.RoundSummary, optimization.Budget) (bool, string) {
	return false, ""
}

type foreignSelector struct{}

func (foreignSelector) Select([]*optimization.Candidate, []optimization.EvaluationResult) ([]*optimization.Candidate, error) {
	return []*optimization.Candidate{{ID: "stranger", Content: "x"}}, nil
}

type memoryRecorder struct {
	begun    []optimization.RunInfo
	rounds   []optimization.RoundSummary
	finished []*optimization.Result
}

func (m *memoryRecorder) BeginRun(_ context.Context, info optimization.RunInfo) error {
	m.begun = append(m.begun, info)
	return nil
}

func (m *memoryRecorder) RecordRound(_ context.Context, _ string, s optimization.RoundSummary) error {
	m.rounds = append(m.rounds, s)
	return nil
}

func (m *memoryRecorder) FinishRun(_ context.Context, _ string, res *optimization.Result) error {
	m.finished = append(m.finished, res)
	return errors.New("disk full")
}

func engine(t *testing.T, g optimization.Generator, ev optimization.Evaluator, s optimization.Selector, c optimization.Controller, opts ...optimization.Option) *optimization.Engine {
	t.Helper()
	e, err := optimization.NewEngine(g, ev, s, c, opts...)
	require.NoError(t, err)
	return e
}

func TestNewEngineRequiresRoles(t *testing.T) {
	_, err := optimization.NewEngine(nil, &tableEvaluator{}, selector.NewTopK(1), neverStop{})
	assert.ErrorIs(t, err, optimization.ErrConfiguration)
}

func TestEmptyInitialPopulation(t *testing.T) {
	e := engine(t, newScripted(t), &tableEvaluator{}, selector.NewTopK(3), controller.NewBudget())

	res, err := e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{MaxIters: 3})
	require.NoError(t, err)
	assert.Nil(t, res.BestCandidate)
	assert.Equal(t, optimization.WorstScore, res.BestScore)
	assert.Empty(t, res.History)
	assert.NotNil(t, res.History)
	assert.Equal(t, optimization.StopEmptyPopulation, res.Metrics.StopReason)
	assert.NotEmpty(t, res.RunID)
}

func TestInvalidBudgetAndParams(t *testing.T) {
	e := engine(t, newScripted(t, []string{"a"}), &tableEvaluator{}, selector.NewTopK(3), controller.NewBudget())

	_, err := e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{})
	assert.ErrorIs(t, err, optimization.ErrConfiguration, "fully unbounded budget")

	_, err = e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{MaxIters: -1})
	assert.ErrorIs(t, err, optimization.ErrConfiguration)

	_, err = e.Optimize(context.Background(), "", optimization.Params{Target: 2}, optimization.Budget{MaxIters: 1})
	assert.ErrorIs(t, err, optimization.ErrConfiguration)
}

func TestRoundOneContextErrorIsFatal(t *testing.T) {
	g := newScripted(t, []string{"hint"})
	g.ec.BasePath = filepath.Join(t.TempDir(), "missing.dph")
	e := engine(t, g, &tableEvaluator{}, selector.NewTopK(3), controller.NewBudget())

	_, err := e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{MaxIters: 2})
	assert.ErrorIs(t, err, optimization.ErrConfiguration)
}

func TestLeakingCandidateNeverReachesEvaluator(t *testing.T) {
	g := newScripted(t, []string{"the total should be 1250", "re-add the columns"})
	ev := &tableEvaluator{scores: map[string]float64{"re-add the columns": 0.4, "the total should be 1250": 1}}
	e := engine(t, g, ev, selector.NewTopK(3), controller.NewBudget())

	res, err := e.Optimize(context.Background(), "",
		optimization.Params{Expected: "The total is 1250 units"}, optimization.Budget{MaxIters: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"re-add the columns"}, ev.seen)
	assert.Equal(t, 1, res.History[0].Rejected)
	assert.Equal(t, 1, res.Metrics.Rejected)
}

func TestForbiddenPatternToggle(t *testing.T) {
	contents := []string{"say the answer is B", "think again"}
	scores := map[string]float64{"say the answer is B": 0.9, "think again": 0.2}

	ev := &tableEvaluator{scores: scores}
	e := engine(t, newScripted(t, contents), ev, selector.NewTopK(3), controller.NewBudget())
	_, err := e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{MaxIters: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"think again"}, ev.seen)

	off := false
	ev = &tableEvaluator{scores: scores}
	e = engine(t, newScripted(t, contents), ev, selector.NewTopK(3), controller.NewBudget())
	_, err = e.Optimize(context.Background(), "", optimization.Params{SafetyCheck: &off}, optimization.Budget{MaxIters: 1})
	require.NoError(t, err)
	assert.ElementsMatch(t, contents, ev.seen)
}

func TestEarlyStoppingBelowMaxIters(t *testing.T) {
	g := newScripted(t, []string{"r1"}, []string{"r2"}, []string{"r3"}, []string{"r4"}, []string{"r5"})
	ev := &tableEvaluator{scores: map[string]float64{"r1": 0.5, "r2": 0.52, "r3": 0.53, "r4": 0.9, "r5": 0.95}}
	e := engine(t, g, ev, selector.NewTopK(3), controller.NewEarlyStopping(2, 0.05))

	res, err := e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{MaxIters: 10})
	require.NoError(t, err)
	assert.Equal(t, optimization.StopPlateau, res.Metrics.StopReason)
	assert.Len(t, res.History, 3)
	assert.InDelta(t, 0.53, res.BestScore, 1e-9)
	assert.InDelta(t, 0.03, res.Metrics.ScoreImprovement, 1e-9)
}

func TestMaxItersEnforcedByEngine(t *testing.T) {
	g := newScripted(t, []string{"a"}, []string{"b"}, []string{"c"}, []string{"d"})
	ev := &tableEvaluator{scores: map[string]float64{"a": 0.1, "b": 0.2, "c": 0.3, "d": 0.4}}
	e := engine(t, g, ev, selector.NewTopK(1), neverStop{})

	res, err := e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{MaxIters: 2})
	require.NoError(t, err)
	assert.Len(t, res.History, 2)
	assert.Equal(t, optimization.StopMaxIters, res.Metrics.StopReason)

	res, err = e.Optimize(context.Background(), "", optimization.Params{MaxIterations: 1}, optimization.Budget{MaxIters: 3})
	require.NoError(t, err)
	assert.Len(t, res.History, 1, "params can only tighten the budget")
}

func TestTargetReached(t *testing.T) {
	g := newScripted(t, []string{"a"}, []string{"b"}, []string{"c"})
	ev := &tableEvaluator{scores: map[string]float64{"a": 0.3, "b": 0.85, "c": 0.99}}
	e := engine(t, g, ev, selector.NewTopK(1), neverStop{})

	res, err := e.Optimize(context.Background(), "", optimization.Params{Target: 0.8}, optimization.Budget{MaxIters: 5})
	require.NoError(t, err)
	assert.Equal(t, optimization.StopTargetReached, res.Metrics.StopReason)
	assert.Len(t, res.History, 2)
}

func TestEvolveSeesOnlySurvivors(t *testing.T) {
	g := newScripted(t, []string{"a", "b", "c", "d", "e"}, []string{"f"})
	ev := &tableEvaluator{scores: map[string]float64{"a": 0.9, "b": 0.2, "c": 0.7, "d": 0.95, "e": 0.1, "f": 0.5}}
	e := engine(t, g, ev, selector.NewTopK(3), neverStop{})

	res, err := e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{MaxIters: 5})
	require.NoError(t, err)
	require.NotEmpty(t, g.evolveSelected)

	first := g.evolveSelected[0]
	contents := make([]string, len(first))
	for i, c := range first {
		contents[i] = c.Content
		assert.InDelta(t, ev.scores[c.Content], g.evolveEvals[0][i].Score, 1e-9, "evaluations bound by identity")
	}
	assert.Equal(t, []string{"d", "a", "c"}, contents)
	assert.Equal(t, []string{first[0].ID, first[1].ID, first[2].ID}, res.History[0].SelectedIDs)
	assert.Equal(t, optimization.StopExhausted, res.Metrics.StopReason)
}

func TestBestTrackedAcrossRounds(t *testing.T) {
	g := newScripted(t, []string{"strong"}, []string{"weak"})
	ev := &tableEvaluator{scores: map[string]float64{"strong": 0.9, "weak": 0.5}}
	e := engine(t, g, ev, selector.NewTopK(1), neverStop{})

	res, err := e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{MaxIters: 2})
	require.NoError(t, err)
	require.NotNil(t, res.BestCandidate)
	assert.Equal(t, "strong", res.BestCandidate.Content)
	assert.InDelta(t, 0.9, res.BestScore, 1e-9)
	assert.InDelta(t, 0.5, res.History[1].BestScore, 1e-9)
}

func TestAllFailuresLeaveNoBest(t *testing.T) {
	g := newScripted(t, []string{"x", "y"})
	e := engine(t, g, &tableEvaluator{}, selector.NewTopK(1), controller.NewBudget())

	res, err := e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{MaxIters: 1})
	require.NoError(t, err)
	assert.Nil(t, res.BestCandidate)
	assert.Equal(t, optimization.WorstScore, res.BestScore)
	assert.Equal(t, 2, res.History[0].Failures)
	assert.Equal(t, 2, res.Metrics.Failures)
}

func TestSelectorOutsidePopulation(t *testing.T) {
	g := newScripted(t, []string{"a"})
	e := engine(t, g, &tableEvaluator{scores: map[string]float64{"a": 1}}, foreignSelector{}, controller.NewBudget())

	_, err := e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{MaxIters: 2})
	assert.ErrorIs(t, err, optimization.ErrSelection)
}

func TestSelectorLengthMismatchPropagates(t *testing.T) {
	g := newScripted(t, []string{"a"})
	mismatch := selectorFunc(func(cs []*optimization.Candidate, evals []optimization.EvaluationResult) ([]*optimization.Candidate, error) {
		return selector.NewTopK(1).Select(cs, evals[:0])
	})
	e := engine(t, g, &tableEvaluator{scores: map[string]float64{"a": 1}}, mismatch, controller.NewBudget())

	_, err := e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{MaxIters: 2})
	assert.ErrorIs(t, err, optimization.ErrLengthMismatch)
}

type selectorFunc func([]*optimization.Candidate, []optimization.EvaluationResult) ([]*optimization.Candidate, error)

func (f selectorFunc) Select(cs []*optimization.Candidate, evals []optimization.EvaluationResult) ([]*optimization.Candidate, error) {
	return f(cs, evals)
}

func TestGeneratorErrorEndsRun(t *testing.T) {
	g := newScripted(t, []string{"a"}, []string{"b"})
	g.evolveErr = errors.New("rewriter offline")
	e := engine(t, g, &tableEvaluator{scores: map[string]float64{"a": 0.4}}, selector.NewTopK(1), neverStop{})

	res, err := e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{MaxIters: 3})
	require.NoError(t, err)
	assert.Equal(t, optimization.StopGeneratorError, res.Metrics.StopReason)
	assert.Len(t, res.History, 1)
	assert.Equal(t, "a", res.BestCandidate.Content)
}

func TestCancelledContext(t *testing.T) {
	g := newScripted(t, []string{"a"}, []string{"b"})
	e := engine(t, g, &tableEvaluator{scores: map[string]float64{"a": 0.4, "b": 0.5}}, selector.NewTopK(1), neverStop{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Optimize(ctx, "", optimization.Params{}, optimization.Budget{MaxDuration: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, optimization.StopCancelled, res.Metrics.StopReason)
	assert.Len(t, res.History, 1)
}

func TestRecorderNotified(t *testing.T) {
	g := newScripted(t, []string{"a"}, []string{"b"})
	rec := &memoryRecorder{}
	e := engine(t, g, &tableEvaluator{scores: map[string]float64{"a": 0.4, "b": 0.5}},
		selector.NewTopK(1), neverStop{}, optimization.WithRecorder(rec))

	res, err := e.Optimize(context.Background(), "", optimization.Params{CaseID: "c-1"}, optimization.Budget{MaxIters: 2})
	require.NoError(t, err, "recorder errors are not fatal")
	require.Len(t, rec.begun, 1)
	assert.Equal(t, "c-1", rec.begun[0].CaseID)
	assert.Equal(t, res.RunID, rec.begun[0].RunID)
	assert.Len(t, rec.rounds, 2)
	require.Len(t, rec.finished, 1)
	assert.Same(t, res, rec.finished[0])
	assert.Contains(t, res.Components.Selector, "TopK")
}

func TestTwoPhaseCapsExactCallsPerRound(t *testing.T) {
	var contents []string
	approx := make(map[string]float64)
	for i := 0; i < 5; i++ {
		c := fmt.Sprintf("hint %d", i)
		contents = append(contents, c)
		approx[c] = float64(i) / 10
	}
	exact := &tableEvaluator{scores: map[string]float64{}}
	for c := range approx {
		exact.scores[c] = 0.8
	}
	ev := evaluator.NewTwoPhaseEvaluator(&tableEvaluator{scores: approx}, exact, evaluator.TwoPhaseConfig{Cutoff: 2})
	e := engine(t, newScripted(t, contents), ev, selector.NewTopK(5), controller.NewBudget())

	res, err := e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{MaxIters: 1})
	require.NoError(t, err)
	assert.Len(t, exact.seen, 2)
	assert.ElementsMatch(t, []string{"hint 4", "hint 3"}, exact.seen)
	assert.InDelta(t, 0.8, res.BestScore, 1e-9)
	assert.Equal(t, evaluator.TwoPhaseStats{Phase1: 5, Phase2: 2, Filtered: 3}, ev.Stats())
}

func TestParallelEvaluationKeepsIndexBinding(t *testing.T) {
	defer goleak.VerifyNone(t)

	var contents []string
	scores := make(map[string]float64)
	for i := 0; i < 20; i++ {
		c := fmt.Sprintf("candidate %02d", i)
		contents = append(contents, c)
		scores[c] = float64(i) / 20
	}
	g := newScripted(t, contents, []string{"done"})
	scores["done"] = 0
	e := engine(t, g, &tableEvaluator{scores: scores}, selector.NewTopK(3), neverStop{}, optimization.WithWorkers(8))

	res, err := e.Optimize(context.Background(), "", optimization.Params{}, optimization.Budget{MaxIters: 1})
	require.NoError(t, err)
	require.Len(t, res.History, 1)
	for i := range contents {
		assert.InDelta(t, scores[contents[i]], res.History[0].Scores[i], 1e-9)
	}
	assert.Equal(t, "candidate 19", res.BestCandidate.Content)
}
