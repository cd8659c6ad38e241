package evaluator

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evoopt/internal/optimization"
)

type fakeRunner struct {
	mu   sync.Mutex
	reqs []optimization.RunRequest
	// seen records whether the temp file existed while the target ran
	seen []bool
	run  func(req optimization.RunRequest) (*optimization.RunOutput, error)
}

func (f *fakeRunner) Run(_ context.Context, req optimization.RunRequest) (*optimization.RunOutput, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	if req.FilePath != "" {
		_, err := os.Stat(req.FilePath)
		f.seen = append(f.seen, err == nil)
	}
	f.mu.Unlock()
	return f.run(req)
}

func exitWith(code int, stdout string) func(optimization.RunRequest) (*optimization.RunOutput, error) {
	return func(optimization.RunRequest) (*optimization.RunOutput, error) {
		return &optimization.RunOutput{ExitCode: code, Stdout: stdout}, nil
	}
}

type fakeJudge struct {
	verdict *optimization.Verdict
	err     error
	last    optimization.JudgeRequest
}

func (f *fakeJudge) Judge(_ context.Context, req optimization.JudgeRequest) (*optimization.Verdict, error) {
	f.last = req
	return f.verdict, f.err
}

type scoreByContent map[string]float64

func (s scoreByContent) Evaluate(_ context.Context, c *optimization.Candidate, _ *optimization.RunContext) (optimization.EvaluationResult, error) {
	return optimization.EvaluationResult{Score: s[c.Content], CostTokens: 1}, nil
}

type countingEvaluator struct {
	mu    sync.Mutex
	calls []string
	score float64
}

func (c *countingEvaluator) Evaluate(_ context.Context, cand *optimization.Candidate, _ *optimization.RunContext) (optimization.EvaluationResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, cand.Content)
	c.mu.Unlock()
	return optimization.EvaluationResult{Score: c.score, CostTokens: 100, Metadata: map[string]interface{}{"evaluator": "exact"}}, nil
}

func baseFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.dph")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func variableCandidate(t *testing.T, content string) *optimization.Candidate {
	t.Helper()
	ec, err := optimization.NewVariableContext(baseFile(t, "flow"), "$injects")
	require.NoError(t, err)
	return optimization.NewCandidate(content, ec)
}

func runContext(p optimization.Params) *optimization.RunContext {
	return optimization.NewRunContext(p, optimization.Budget{MaxIters: 5})
}

// =============================================================================
// SAFE EVALUATOR
// =============================================================================

func TestSafeEvaluatorExitCodeScoring(t *testing.T) {
	runner := &fakeRunner{run: exitWith(0, "done")}
	ev := NewSafeEvaluator(runner, nil, 0)
	c := variableCandidate(t, "check units before answering")

	res, err := ev.Evaluate(context.Background(), c, runContext(optimization.Params{CaseID: "case-7"}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Score)
	assert.False(t, res.Failed())
	assert.Equal(t, "safe", res.Metadata["evaluator"])

	require.Len(t, runner.reqs, 1)
	req := runner.reqs[0]
	assert.Equal(t, optimization.ModeVariable, req.Mode)
	assert.Equal(t, "$injects", req.Variable)
	assert.Equal(t, c.Content, req.Value)
	assert.Equal(t, "case-7", req.CaseID)
	assert.Equal(t, DefaultTimeout, req.Timeout)
}

func TestSafeEvaluatorFailuresBecomeWorstCase(t *testing.T) {
	tests := []struct {
		name string
		run  func(optimization.RunRequest) (*optimization.RunOutput, error)
		kind string
	}{
		{"nonzero exit", exitWith(2, ""), optimization.FailureExit},
		{"timeout", func(optimization.RunRequest) (*optimization.RunOutput, error) {
			return &optimization.RunOutput{ExitCode: -1, TimedOut: true}, nil
		}, optimization.FailureTimeout},
		{"killed", func(optimization.RunRequest) (*optimization.RunOutput, error) {
			return &optimization.RunOutput{ExitCode: -1, Killed: true, KillReason: "cancelled"}, nil
		}, optimization.FailureExecution},
		{"transport", func(optimization.RunRequest) (*optimization.RunOutput, error) {
			return nil, errors.New("binary not found")
		}, optimization.FailureExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewSafeEvaluator(&fakeRunner{run: tt.run}, nil, 0)
			res, err := ev.Evaluate(context.Background(), variableCandidate(t, "hint"), runContext(optimization.Params{}))
			require.NoError(t, err)
			assert.Equal(t, optimization.WorstScore, res.Score)
			assert.Equal(t, tt.kind, res.Metadata["failure"])
		})
	}
}

func TestSafeEvaluatorRejectsInvalidCandidate(t *testing.T) {
	runner := &fakeRunner{run: exitWith(0, "")}
	ev := NewSafeEvaluator(runner, nil, 0)

	res, err := ev.Evaluate(context.Background(), variableCandidate(t, `x"; rm -rf /`), runContext(optimization.Params{}))
	require.NoError(t, err)
	assert.Equal(t, optimization.FailureValidation, res.Metadata["failure"])
	assert.Empty(t, runner.reqs, "invalid content must never reach the target")
}

func TestSafeEvaluatorUsesRunTimeout(t *testing.T) {
	runner := &fakeRunner{run: exitWith(0, "")}
	ev := NewSafeEvaluator(runner, nil, 0)
	rc := runContext(optimization.Params{Timeout: 3e9})

	_, err := ev.Evaluate(context.Background(), variableCandidate(t, "hint"), rc)
	require.NoError(t, err)
	assert.Equal(t, rc.Timeout, runner.reqs[0].Timeout)
}

func TestSafeEvaluatorTempFileCleanup(t *testing.T) {
	tests := []struct {
		name     string
		policy   optimization.CleanupPolicy
		exit     int
		wantKept bool
	}{
		{"auto success", optimization.CleanupAuto, 0, false},
		{"auto failure", optimization.CleanupAuto, 1, false},
		{"keep success", optimization.CleanupKeep, 0, true},
		{"conditional success", optimization.CleanupConditional, 0, false},
		{"conditional failure", optimization.CleanupConditional, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			ec, err := optimization.NewTempFileContext(dir, "", tt.policy)
			require.NoError(t, err)

			runner := &fakeRunner{run: exitWith(tt.exit, "")}
			ev := NewSafeEvaluator(runner, nil, 0)
			defer ev.Close()

			_, err = ev.Evaluate(context.Background(), optimization.NewCandidate("agent: prompt", ec), runContext(optimization.Params{}))
			require.NoError(t, err)

			require.Len(t, runner.reqs, 1)
			assert.Equal(t, []bool{true}, runner.seen, "file must exist while the target runs")
			_, statErr := os.Stat(runner.reqs[0].FilePath)
			assert.Equal(t, tt.wantKept, statErr == nil)
			assert.Equal(t, dir, filepath.Dir(runner.reqs[0].FilePath))
		})
	}
}

func TestSafeEvaluatorMemoryOverlay(t *testing.T) {
	base := baseFile(t, "prompt: PLACEHOLDER\nsteps: 3\n")
	ec, err := optimization.NewMemoryOverlayContext(base, []optimization.ContentPatch{
		{Find: "PLACEHOLDER", Replace: "<<{content}>>"},
	})
	require.NoError(t, err)

	runner := &fakeRunner{run: exitWith(0, "")}
	ev := NewSafeEvaluator(runner, nil, 0)
	res, err := ev.Evaluate(context.Background(), optimization.NewCandidate("be brief", ec), runContext(optimization.Params{}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Score)
	assert.Equal(t, "prompt: <<be brief>>\nsteps: 3\n", runner.reqs[0].Source)

	onDisk, err := os.ReadFile(base)
	require.NoError(t, err)
	assert.Equal(t, "prompt: PLACEHOLDER\nsteps: 3\n", string(onDisk), "base file must not be modified")
}

func TestSafeEvaluatorForwardsOutputToJudge(t *testing.T) {
	judge := &fakeJudge{verdict: &optimization.Verdict{Score: 0.8, TokensUsed: 42}}
	ev := NewSafeEvaluator(&fakeRunner{run: exitWith(0, "answer: [ENTITY]")}, NewSemanticJudgeEvaluator(judge), 0)

	res, err := ev.Evaluate(context.Background(), variableCandidate(t, "hint"), runContext(optimization.Params{Expected: "Paris"}))
	require.NoError(t, err)
	assert.InDelta(t, 0.8, res.Score, 1e-9)
	assert.Equal(t, 42, res.CostTokens)
	assert.Equal(t, "answer: [ENTITY]", judge.last.Actual)
}

// =============================================================================
// SEMANTIC JUDGE
// =============================================================================

func TestSemanticJudgeSendsRedactedRequest(t *testing.T) {
	judge := &fakeJudge{verdict: &optimization.Verdict{
		Score:            0.6,
		ErrorTypes:       []string{"unit_error"},
		CandidateInjects: []string{"convert units first"},
	}}
	ev := NewSemanticJudgeEvaluator(judge)
	rc := runContext(optimization.Params{
		Expected:        "The total is 1250 units",
		Actual:          "total 1000",
		AnalysisContent: "abcd",
		Question:        "what is the total?",
	})
	c := variableCandidate(t, "12345678")

	res, err := ev.Evaluate(context.Background(), c, rc)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, res.Score, 1e-9)
	assert.Equal(t, optimization.PhaseExact, res.Detail.Phase)
	assert.Equal(t, []string{"convert units first"}, res.Detail.CandidateInjects)
	assert.NotContains(t, judge.last.ExpectedRedacted, "1250")
	assert.Equal(t, "total 1000", judge.last.Actual)
	// (4 + 10 + 8) / 4 + 500
	assert.Equal(t, 505, res.CostTokens)
}

func TestSemanticJudgeFailures(t *testing.T) {
	tests := []struct {
		name  string
		judge *fakeJudge
	}{
		{"error", &fakeJudge{err: errors.New("rate limited")}},
		{"nil verdict", &fakeJudge{}},
		{"nan", &fakeJudge{verdict: &optimization.Verdict{Score: math.NaN()}}},
		{"out of range", &fakeJudge{verdict: &optimization.Verdict{Score: 1.5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewSemanticJudgeEvaluator(tt.judge).Evaluate(context.Background(), variableCandidate(t, "hint"), runContext(optimization.Params{}))
			require.NoError(t, err)
			assert.Equal(t, optimization.WorstScore, res.Score)
			assert.Equal(t, true, res.Metadata["judge_failure"])
			assert.Equal(t, optimization.FailureJudge, res.Metadata["failure"])
		})
	}
}

// =============================================================================
// HEURISTIC EVALUATORS
// =============================================================================

func TestApproximateNeutralWithoutSignals(t *testing.T) {
	ev := NewApproximateEvaluator(DefaultApproximateConfig())
	res, err := ev.Evaluate(context.Background(), variableCandidate(t, "anything"), runContext(optimization.Params{}))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Score, 1e-9)
	assert.Equal(t, approxCostTokens, res.CostTokens)
	assert.Equal(t, optimization.PhaseApprox, res.Detail.Phase)
	assert.Equal(t, true, res.Metadata["is_promising"])
}

func TestApproximateRewardsOverlap(t *testing.T) {
	ev := NewApproximateEvaluator(DefaultApproximateConfig())
	rc := runContext(optimization.Params{Expected: "option B because pressure drops"})

	good, err := ev.Evaluate(context.Background(), variableCandidate(t, "option B because pressure drops"), rc)
	require.NoError(t, err)
	bad, err := ev.Evaluate(context.Background(), variableCandidate(t, "zzz"), rc)
	require.NoError(t, err)

	assert.Greater(t, good.Score, bad.Score)
	assert.Equal(t, 1.0, good.Metadata["keyword_score"])
	assert.Equal(t, false, bad.Metadata["is_promising"])
	assert.Contains(t, bad.Detail.ErrorTypes, "approximate_low_confidence")
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 0.5, Similarity("abc", ""))
	assert.InDelta(t, 1.0, Similarity("Hello", "hello"), 1e-9)
	assert.InDelta(t, 0.0, Similarity("abc", "xyz"), 1e-9)
	mid := Similarity("kitten", "sitting")
	assert.Greater(t, mid, 0.0)
	assert.Less(t, mid, 1.0)
}

func TestRuleBasedEvaluator(t *testing.T) {
	ev, err := NewRuleBasedEvaluator([]Rule{
		{Name: "has_steps", Pattern: `(?i)step`, Weight: 3, Required: true},
		{Name: "mentions_units", Pattern: `units?`, Weight: 1},
	}, DefaultApproximateConfig())
	require.NoError(t, err)
	rc := runContext(optimization.Params{})

	res, err := ev.Evaluate(context.Background(), variableCandidate(t, "Step one: read"), rc)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, res.Score, 1e-9)
	assert.Equal(t, ruleCostTokens, res.CostTokens)

	res, err = ev.Evaluate(context.Background(), variableCandidate(t, "check units"), rc)
	require.NoError(t, err)
	assert.InDelta(t, missingRequiredScore, res.Score, 1e-9)
	assert.Equal(t, []string{"missing_required_has_steps"}, res.Detail.ErrorTypes)
}

func TestRuleBasedEvaluatorRejectsBadPattern(t *testing.T) {
	_, err := NewRuleBasedEvaluator([]Rule{{Name: "broken", Pattern: "("}}, DefaultApproximateConfig())
	assert.ErrorIs(t, err, optimization.ErrConfiguration)
}

func TestRuleBasedEvaluatorFallsBack(t *testing.T) {
	ev, err := NewRuleBasedEvaluator(nil, DefaultApproximateConfig())
	require.NoError(t, err)
	res, err := ev.Evaluate(context.Background(), variableCandidate(t, "x"), runContext(optimization.Params{}))
	require.NoError(t, err)
	assert.Equal(t, "approximate", res.Metadata["evaluator"])
}

// =============================================================================
// TWO PHASE
// =============================================================================

func populationOf(t *testing.T, contents ...string) []*optimization.Candidate {
	t.Helper()
	out := make([]*optimization.Candidate, len(contents))
	for i, c := range contents {
		out[i] = variableCandidate(t, c)
	}
	return out
}

func TestTwoPhaseRunsExactOnTopCandidates(t *testing.T) {
	approx := scoreByContent{"a": 0.2, "b": 0.9, "c": 0.5, "d": 0.7, "e": 0.1}
	exact := &countingEvaluator{score: 0.95}
	ev := NewTwoPhaseEvaluator(approx, exact, TwoPhaseConfig{Cutoff: 2, Workers: 2})

	cs := populationOf(t, "a", "b", "c", "d", "e")
	results, err := ev.BatchEvaluate(context.Background(), cs, runContext(optimization.Params{}))
	require.NoError(t, err)
	require.Len(t, results, len(cs))

	assert.ElementsMatch(t, []string{"b", "d"}, exact.calls)
	for i, c := range cs {
		switch c.Content {
		case "b", "d":
			assert.Equal(t, optimization.PhaseExact, results[i].Detail.Phase, c.Content)
			assert.Equal(t, approx[c.Content], results[i].Metadata["phase1_score"])
			assert.InDelta(t, 0.95, results[i].Score, 1e-9)
		default:
			assert.Equal(t, optimization.PhaseApprox, results[i].Detail.Phase, c.Content)
			assert.InDelta(t, approx[c.Content], results[i].Score, 1e-9)
		}
	}

	stats := ev.Stats()
	assert.Equal(t, TwoPhaseStats{Phase1: 5, Phase2: 2, Filtered: 3}, stats)
	assert.InDelta(t, 0.6, stats.CostReduction(), 1e-9)
}

func TestTwoPhaseMinApproxScore(t *testing.T) {
	approx := scoreByContent{"a": 0.2, "b": 0.4}
	exact := &countingEvaluator{score: 1}
	ev := NewTwoPhaseEvaluator(approx, exact, TwoPhaseConfig{Cutoff: 10, MinApproxScore: 0.3})

	results, err := ev.BatchEvaluate(context.Background(), populationOf(t, "a", "b"), runContext(optimization.Params{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, exact.calls)
	assert.Equal(t, optimization.PhaseApprox, results[0].Detail.Phase)

	single, err := ev.Evaluate(context.Background(), variableCandidate(t, "a"), runContext(optimization.Params{}))
	require.NoError(t, err)
	assert.Equal(t, optimization.PhaseApprox, single.Detail.Phase)
	assert.Len(t, exact.calls, 1)
}

func TestAdaptiveTwoPhaseHalvesCutoffLate(t *testing.T) {
	approx := scoreByContent{"a": 0.9, "b": 0.8, "c": 0.7, "d": 0.6}
	contents := []string{"a", "b", "c", "d"}

	early := &countingEvaluator{score: 1}
	ev := NewAdaptiveTwoPhaseEvaluator(approx, early, TwoPhaseConfig{Cutoff: 4})
	rc := optimization.NewRunContext(optimization.Params{}, optimization.Budget{MaxIters: 10})
	rc.Round = 2
	_, err := ev.BatchEvaluate(context.Background(), populationOf(t, contents...), rc)
	require.NoError(t, err)
	assert.Len(t, early.calls, 4)

	late := &countingEvaluator{score: 1}
	ev = NewAdaptiveTwoPhaseEvaluator(approx, late, TwoPhaseConfig{Cutoff: 4})
	rc.Round = 9
	_, err = ev.BatchEvaluate(context.Background(), populationOf(t, contents...), rc)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sortedCopy(late.calls))
}

func TestTwoPhaseThroughEvaluateAll(t *testing.T) {
	ev := NewTwoPhaseEvaluator(scoreByContent{"x": 0.5}, &countingEvaluator{score: 0.7}, DefaultTwoPhaseConfig())
	cs := populationOf(t, "x")
	results, err := optimization.EvaluateAll(context.Background(), ev, cs, runContext(optimization.Params{}), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.7, results[0].Score, 1e-9)
}

// dropsOne is a batch evaluator that loses the last result.
type dropsOne struct{ score float64 }

func (d dropsOne) Evaluate(context.Context, *optimization.Candidate, *optimization.RunContext) (optimization.EvaluationResult, error) {
	return optimization.EvaluationResult{Score: d.score}, nil
}

func (d dropsOne) BatchEvaluate(_ context.Context, cs []*optimization.Candidate, _ *optimization.RunContext) ([]optimization.EvaluationResult, error) {
	out := make([]optimization.EvaluationResult, len(cs)-1)
	for i := range out {
		out[i] = optimization.EvaluationResult{Score: d.score}
	}
	return out, nil
}

func TestTwoPhaseShortExactBatchFailsRun(t *testing.T) {
	approx := scoreByContent{"a": 0.6, "b": 0.8}
	ev := NewTwoPhaseEvaluator(approx, dropsOne{score: 0.9}, DefaultTwoPhaseConfig())

	results, err := optimization.EvaluateAll(context.Background(), ev, populationOf(t, "a", "b"), runContext(optimization.Params{}), 1)
	require.ErrorIs(t, err, optimization.ErrLengthMismatch)
	assert.Nil(t, results)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
