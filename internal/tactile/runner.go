package tactile

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"evoopt/internal/logging"
	"evoopt/internal/optimization"
)

// RunnerConfig describes how to invoke the target for each execution mode.
// Argument templates may use {base}, {file}, {vars}, {var}, {value} and
// {case_id}; each template element stays a single argv element after
// expansion.
type RunnerConfig struct {
	Binary       string
	VariableArgs []string
	FileArgs     []string
	SourceArgs   []string
	WorkingDir   string
}

// CommandRunner runs candidates as subprocesses of a target binary.
type CommandRunner struct {
	executor Executor
	config   RunnerConfig
}

// NewCommandRunner creates a runner over executor.
func NewCommandRunner(executor Executor, config RunnerConfig) (*CommandRunner, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if config.Binary == "" {
		return nil, fmt.Errorf("target binary is required")
	}
	return &CommandRunner{executor: executor, config: config}, nil
}

// Run executes one candidate and reports what the target produced. A non-nil
// error means the infrastructure failed; timeouts and non-zero exits are
// reported in the output.
func (r *CommandRunner) Run(ctx context.Context, req optimization.RunRequest) (*optimization.RunOutput, error) {
	args, stdin, err := r.arguments(req)
	if err != nil {
		return nil, err
	}

	cmd := Command{
		Binary:           r.config.Binary,
		Arguments:        args,
		WorkingDirectory: r.config.WorkingDir,
		Stdin:            stdin,
		RequestID:        req.CaseID,
	}
	if req.Timeout > 0 {
		cmd.Limits = &ResourceLimits{TimeoutMs: req.Timeout.Milliseconds()}
	}

	res, err := r.executor.Execute(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", r.config.Binary, err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("execute %s: %s", r.config.Binary, res.Error)
	}

	return &optimization.RunOutput{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		Duration:   res.Duration,
		TimedOut:   res.TimedOut,
		Killed:     res.Killed,
		KillReason: res.KillReason,
	}, nil
}

func (r *CommandRunner) arguments(req optimization.RunRequest) ([]string, string, error) {
	var (
		templates []string
		stdin     string
	)
	switch req.Mode {
	case optimization.ModeVariable:
		templates = r.config.VariableArgs
	case optimization.ModeTempFile:
		templates = r.config.FileArgs
	case optimization.ModeMemoryOverlay:
		templates = r.config.SourceArgs
		stdin = req.Source
	default:
		return nil, "", fmt.Errorf("unsupported execution mode %q", req.Mode)
	}
	if len(templates) == 0 {
		return nil, "", fmt.Errorf("no argument template configured for %s mode", req.Mode)
	}

	vars := make(map[string]string, len(req.Variables)+1)
	for k, v := range req.Variables {
		vars[k] = v
	}
	if req.Variable != "" {
		vars[req.Variable] = req.Value
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return nil, "", fmt.Errorf("encode variables: %w", err)
	}

	replacer := strings.NewReplacer(
		"{base}", req.BasePath,
		"{file}", req.FilePath,
		"{vars}", string(varsJSON),
		"{var}", req.Variable,
		"{value}", req.Value,
		"{case_id}", req.CaseID,
	)
	args := make([]string, len(templates))
	for i, t := range templates {
		args[i] = replacer.Replace(t)
	}
	logging.TactileDebug("Built %d args for %s mode", len(args), req.Mode)
	return args, stdin, nil
}
