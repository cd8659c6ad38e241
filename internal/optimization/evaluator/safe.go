// Package evaluator contains the candidate scorers: a validated subprocess
// evaluator, a semantic-judge adapter, cheap heuristic scorers, and a
// two-phase evaluator that combines a cheap scorer with an exact one.
package evaluator

import (
	"context"
	"errors"
	"os"
	"time"

	"evoopt/internal/logging"
	"evoopt/internal/optimization"
	"evoopt/internal/tactile"
)

// DefaultTimeout bounds one candidate execution when neither the run nor the
// evaluator sets a timeout.
const DefaultTimeout = 60 * time.Second

// SafeEvaluator validates a candidate, materializes it according to its
// execution context, runs it through a TargetRunner with a timeout, and hands
// the output to an optional OutputJudge. Without a judge, exit status 0 scores
// 1.0. Failures never escape as errors.
type SafeEvaluator struct {
	runner  optimization.TargetRunner
	judge   optimization.OutputJudge
	files   *tactile.TempFiles
	timeout time.Duration
}

// NewSafeEvaluator creates a SafeEvaluator. judge may be nil; timeout <= 0
// uses DefaultTimeout.
func NewSafeEvaluator(runner optimization.TargetRunner, judge optimization.OutputJudge, timeout time.Duration) *SafeEvaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SafeEvaluator{
		runner:  runner,
		judge:   judge,
		files:   tactile.NewTempFiles(),
		timeout: timeout,
	}
}

// Close releases any temp file still on disk.
func (e *SafeEvaluator) Close() error {
	return e.files.ReleaseAll()
}

// Evaluate implements optimization.Evaluator.
func (e *SafeEvaluator) Evaluate(ctx context.Context, c *optimization.Candidate, rc *optimization.RunContext) (optimization.EvaluationResult, error) {
	if err := optimization.ValidateCandidate(c); err != nil {
		logging.EvaluatorWarn("candidate failed validation: %v", err)
		return optimization.WorstCase(optimization.FailureValidation, err), nil
	}
	if e.runner == nil {
		return optimization.WorstCase(optimization.FailureExecution, errors.New("no target runner configured")), nil
	}

	timeout := e.timeout
	req := optimization.RunRequest{
		Mode:      c.Context.Mode,
		Variables: c.Context.Variables,
	}
	if rc != nil {
		req.CaseID = rc.CaseID
		if rc.Timeout > 0 {
			timeout = rc.Timeout
		}
	}
	req.Timeout = timeout

	succeeded := false
	switch c.Context.Mode {
	case optimization.ModeVariable:
		req.BasePath = c.Context.BasePath
		req.Variable = c.Context.VariableName
		req.Value = c.Content
	case optimization.ModeTempFile:
		tf, err := e.files.Create(c.Context, c.ID, c.Content)
		if err != nil {
			return optimization.WorstCase(optimization.FailureExecution, err), nil
		}
		defer func() { _ = tf.Release(succeeded) }()
		req.FilePath = tf.Path
	case optimization.ModeMemoryOverlay:
		base, err := os.ReadFile(c.Context.BasePath)
		if err != nil {
			return optimization.WorstCase(optimization.FailureExecution, err), nil
		}
		src, err := optimization.ApplyOverlay(string(base), c.Context.Patches, c.Content)
		if err != nil {
			return optimization.WorstCase(optimization.FailureExecution, err), nil
		}
		req.BasePath = c.Context.BasePath
		req.Source = src
	}

	out, err := e.runner.Run(ctx, req)
	if err != nil {
		logging.EvaluatorWarn("candidate %s: runner failed: %v", c.ID, err)
		return optimization.WorstCase(optimization.FailureExecution, &optimization.ExecutionFailure{Reason: "runner", Err: err}), nil
	}

	switch {
	case out.TimedOut:
		logging.EvaluatorWarn("candidate %s timed out after %s", c.ID, timeout)
		return withRun(optimization.WorstCase(optimization.FailureTimeout, &optimization.ExecutionFailure{TimedOut: true}), out), nil
	case out.Killed:
		return withRun(optimization.WorstCase(optimization.FailureExecution, &optimization.ExecutionFailure{Reason: out.KillReason}), out), nil
	case out.ExitCode != 0:
		return withRun(optimization.WorstCase(optimization.FailureExit, &optimization.ExecutionFailure{Reason: "target exited non-zero", ExitCode: out.ExitCode}), out), nil
	}

	var res optimization.EvaluationResult
	if e.judge == nil {
		res = optimization.EvaluationResult{Score: 1.0, Metadata: map[string]interface{}{}}
	} else {
		res, err = e.judge.ScoreOutput(ctx, c, out, rc)
		if err != nil {
			return withRun(optimization.WorstCase(optimization.FailureJudge, err), out), nil
		}
	}
	succeeded = !res.Failed()
	res = withRun(res, out)
	res.Metadata["evaluator"] = "safe"
	return res, nil
}

func withRun(res optimization.EvaluationResult, out *optimization.RunOutput) optimization.EvaluationResult {
	res.Metadata = cloneMeta(res.Metadata)
	res.Metadata["exit_code"] = out.ExitCode
	res.Metadata["duration_ms"] = out.Duration.Milliseconds()
	res.Metadata["stdout_bytes"] = len(out.Stdout)
	if out.TimedOut {
		res.Metadata["error"] = optimization.FailureTimeout
	}
	return res
}

func cloneMeta(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+4)
	for k, v := range m {
		out[k] = v
	}
	return out
}
