package rewrite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"evoopt/internal/optimization/generator"
	"evoopt/internal/tactile"
)

// CommandConfig describes the rewriter command. Args may contain
// {section_name}; the request is written to stdin as YAML.
type CommandConfig struct {
	Binary     string
	Args       []string
	WorkingDir string
	Timeout    time.Duration
}

// CommandRewriter runs an external rewriter once per request.
type CommandRewriter struct {
	executor tactile.Executor
	cfg      CommandConfig
}

// NewCommandRewriter creates a CommandRewriter.
func NewCommandRewriter(executor tactile.Executor, cfg CommandConfig) (*CommandRewriter, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Binary == "" {
		return nil, fmt.Errorf("rewriter binary is required")
	}
	return &CommandRewriter{executor: executor, cfg: cfg}, nil
}

// Rewrite implements generator.VariantSource.
func (r *CommandRewriter) Rewrite(ctx context.Context, req generator.RewriteRequest) (string, error) {
	payload, err := yaml.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode rewrite request: %w", err)
	}
	args := make([]string, len(r.cfg.Args))
	for i, a := range r.cfg.Args {
		args[i] = strings.ReplaceAll(a, "{section_name}", req.SectionName)
	}
	cmd := tactile.Command{
		Binary:           r.cfg.Binary,
		Arguments:        args,
		WorkingDirectory: r.cfg.WorkingDir,
		Stdin:            string(payload),
	}
	if r.cfg.Timeout > 0 {
		cmd.Limits = &tactile.ResourceLimits{TimeoutMs: r.cfg.Timeout.Milliseconds()}
	}

	res, err := r.executor.Execute(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("run rewriter: %w", err)
	}
	switch {
	case res.IsError():
		return "", fmt.Errorf("run rewriter: %s", res.Error)
	case res.TimedOut:
		return "", fmt.Errorf("rewriter timed out after %s", res.Duration)
	case res.ExitCode != 0:
		return "", fmt.Errorf("rewriter exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return ParseResponse(res.Stdout)
}
