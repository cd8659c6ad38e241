package evaluator

import (
	"context"
	"errors"
	"math"

	"evoopt/internal/logging"
	"evoopt/internal/metrics"
	"evoopt/internal/optimization"
)

// judgeOverheadTokens approximates the fixed prompt cost of one judge call.
const judgeOverheadTokens = 500

// SemanticJudgeEvaluator scores a candidate by asking a semantic judge to
// compare actual output with the redacted expected answer. It can be used
// directly as an Evaluator (scoring RunContext.Actual) or as the OutputJudge
// of a SafeEvaluator (scoring the target's stdout).
type SemanticJudgeEvaluator struct {
	judge optimization.Judge
}

// NewSemanticJudgeEvaluator wraps judge.
func NewSemanticJudgeEvaluator(judge optimization.Judge) *SemanticJudgeEvaluator {
	return &SemanticJudgeEvaluator{judge: judge}
}

// Evaluate implements optimization.Evaluator.
func (e *SemanticJudgeEvaluator) Evaluate(ctx context.Context, c *optimization.Candidate, rc *optimization.RunContext) (optimization.EvaluationResult, error) {
	actual := ""
	if rc != nil {
		actual = rc.Actual
	}
	return e.score(ctx, c, actual, rc), nil
}

// ScoreOutput implements optimization.OutputJudge.
func (e *SemanticJudgeEvaluator) ScoreOutput(ctx context.Context, c *optimization.Candidate, out *optimization.RunOutput, rc *optimization.RunContext) (optimization.EvaluationResult, error) {
	actual := ""
	if out != nil {
		actual = out.Stdout
		if actual == "" {
			actual = out.Stderr
		}
	}
	return e.score(ctx, c, actual, rc), nil
}

func (e *SemanticJudgeEvaluator) score(ctx context.Context, c *optimization.Candidate, actual string, rc *optimization.RunContext) optimization.EvaluationResult {
	if e.judge == nil {
		return judgeFailure("no judge configured", nil)
	}
	req := optimization.JudgeRequest{
		Actual:           actual,
		CandidateContent: c.Content,
	}
	if rc != nil {
		req.CaseID = rc.CaseID
		req.Question = rc.Question
		req.ExpectedRedacted = rc.ExpectedRedacted
		req.Knowledge = rc.Knowledge
		req.AnalysisContent = rc.AnalysisContent
	}

	v, err := e.judge.Judge(ctx, req)
	if err != nil {
		metrics.RecordJudgeCall("error")
		logging.JudgeWarn("judge call failed for candidate %s: %v", c.ID, err)
		return judgeFailure("judge call failed", err)
	}
	if v == nil || math.IsNaN(v.Score) || v.Score < 0 || v.Score > 1 {
		metrics.RecordJudgeCall("malformed")
		logging.JudgeWarn("judge returned a malformed verdict for candidate %s", c.ID)
		return judgeFailure("malformed verdict", nil)
	}
	metrics.RecordJudgeCall("ok")

	tokens := v.TokensUsed
	if tokens <= 0 {
		tokens = EstimateJudgeTokens(req)
	}
	logging.JudgeDebug("candidate %s scored %.3f (%d tokens)", c.ID, v.Score, tokens)
	return optimization.EvaluationResult{
		Score:      v.Score,
		CostTokens: tokens,
		CostUSD:    v.CostUSD,
		Detail: optimization.JudgeDetail{
			ErrorTypes:       v.ErrorTypes,
			ActionVector:     v.ActionVector,
			CandidateInjects: v.CandidateInjects,
			Rationale:        v.Rationale,
			Phase:            optimization.PhaseExact,
		},
		Metadata: map[string]interface{}{"evaluator": "semantic_judge"},
	}
}

// EstimateJudgeTokens approximates the token cost of a judge call from the
// request size when the judge does not report usage.
func EstimateJudgeTokens(req optimization.JudgeRequest) int {
	n := len(req.AnalysisContent) + len(req.Actual) + len(req.CandidateContent)
	return n/4 + judgeOverheadTokens
}

func judgeFailure(reason string, err error) optimization.EvaluationResult {
	if err == nil {
		err = errors.New(reason)
	}
	res := optimization.WorstCase(optimization.FailureJudge, &optimization.JudgeFailure{Reason: reason, Err: err})
	res.Metadata["judge_failure"] = true
	res.Detail = optimization.JudgeDetail{
		ErrorTypes: []string{"judge_failure"},
		Rationale:  reason,
		Phase:      optimization.PhaseExact,
	}
	return res
}
