package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"evoopt/internal/logging"
	"evoopt/internal/optimization"
	"evoopt/internal/tactile"
)

// CommandConfig describes the judge command. Args may contain {case_id};
// the request itself is written to stdin as JSON.
type CommandConfig struct {
	Binary     string
	Args       []string
	WorkingDir string
	Timeout    time.Duration
}

// CommandJudge runs an external judge once per request and parses the
// JSON verdict it prints on stdout.
type CommandJudge struct {
	executor tactile.Executor
	cfg      CommandConfig
}

// NewCommandJudge creates a CommandJudge.
func NewCommandJudge(executor tactile.Executor, cfg CommandConfig) (*CommandJudge, error) {
	if executor == nil {
		return nil, &optimization.ConfigError{Field: "judge", Reason: "executor is required"}
	}
	if cfg.Binary == "" {
		return nil, &optimization.ConfigError{Field: "judge.binary", Reason: "judge binary is required"}
	}
	return &CommandJudge{executor: executor, cfg: cfg}, nil
}

// Judge implements optimization.Judge.
func (j *CommandJudge) Judge(ctx context.Context, req optimization.JudgeRequest) (*optimization.Verdict, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", optimization.ErrJudge, err)
	}

	args := make([]string, len(j.cfg.Args))
	for i, a := range j.cfg.Args {
		args[i] = strings.ReplaceAll(a, "{case_id}", req.CaseID)
	}
	cmd := tactile.Command{
		Binary:           j.cfg.Binary,
		Arguments:        args,
		WorkingDirectory: j.cfg.WorkingDir,
		Stdin:            string(payload),
		RequestID:        req.CaseID,
	}
	if j.cfg.Timeout > 0 {
		cmd.Limits = &tactile.ResourceLimits{TimeoutMs: j.cfg.Timeout.Milliseconds()}
	}

	res, err := j.executor.Execute(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", optimization.ErrJudge, j.cfg.Binary, err)
	}
	switch {
	case res.IsError():
		return nil, fmt.Errorf("%w: %s: %s", optimization.ErrJudge, j.cfg.Binary, res.Error)
	case res.TimedOut:
		return nil, fmt.Errorf("%w: %s timed out after %s", optimization.ErrJudge, j.cfg.Binary, res.Duration)
	case res.ExitCode != 0:
		return nil, fmt.Errorf("%w: %s exited %d: %s", optimization.ErrJudge, j.cfg.Binary, res.ExitCode, truncate(strings.TrimSpace(res.Stderr), 200))
	}

	v, err := ParseVerdict(res.Stdout)
	if err != nil {
		logging.JudgeWarn("unparseable verdict from %s: %v", j.cfg.Binary, err)
		return nil, err
	}
	return v, nil
}
