package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"evoopt/internal/config"
	"evoopt/internal/judge"
	"evoopt/internal/logging"
	"evoopt/internal/metrics"
	"evoopt/internal/optimization"
	"evoopt/internal/rewrite"
	"evoopt/internal/store"
	"evoopt/internal/tactile"
)

// caseFile is the on-disk description of one optimization case.
type caseFile struct {
	CaseID         string            `yaml:"case_id"`
	Target         float64           `yaml:"target"`
	Question       string            `yaml:"question"`
	Expected       string            `yaml:"expected"`
	Actual         string            `yaml:"actual"`
	Analysis       string            `yaml:"analysis"`
	Knowledge      string            `yaml:"knowledge"`
	AgentPath      string            `yaml:"agent_path"`
	InitialInjects []string          `yaml:"initial_injects"`
	ErrorTypes     []string          `yaml:"error_types"`
	Timeout        string            `yaml:"timeout"`
	LearningRate   float64           `yaml:"learning_rate"`
	Momentum       float64           `yaml:"momentum"`
	SafetyCheck    *bool             `yaml:"safety_check"`
	Extra          map[string]string `yaml:"extra"`
}

// loadCase reads a case file. An empty path yields empty params.
func loadCase(path string) (optimization.Params, error) {
	if path == "" {
		return optimization.Params{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return optimization.Params{}, fmt.Errorf("failed to read case: %w", err)
	}
	var cf caseFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return optimization.Params{}, fmt.Errorf("failed to parse case: %w", err)
	}

	var timeout time.Duration
	if cf.Timeout != "" {
		timeout, err = time.ParseDuration(cf.Timeout)
		if err != nil {
			return optimization.Params{}, fmt.Errorf("case timeout: %w", err)
		}
	}
	return optimization.Params{
		CaseID:          cf.CaseID,
		Target:          cf.Target,
		Question:        cf.Question,
		Expected:        cf.Expected,
		Actual:          cf.Actual,
		AnalysisContent: cf.Analysis,
		Knowledge:       cf.Knowledge,
		AgentPath:       cf.AgentPath,
		InitialInjects:  cf.InitialInjects,
		ErrorTypes:      cf.ErrorTypes,
		Timeout:         timeout,
		LearningRate:    cf.LearningRate,
		Momentum:        cf.Momentum,
		SafetyCheck:     cf.SafetyCheck,
		Extra:           cf.Extra,
	}, nil
}

// services are the external capabilities built from config.
type services struct {
	executor tactile.Executor
	judge    optimization.Judge
	rewriter *rewrite.CommandRewriter
	runner   optimization.TargetRunner
	store    *store.RunStore
}

// recorder returns the store as an engine recorder, or nil when persistence
// is disabled.
func (s *services) recorder() optimization.Recorder {
	if s.store == nil {
		return nil
	}
	return s.store
}

func (s *services) Close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logging.StoreWarn("close run store: %v", err)
		}
	}
}

// newExecutor builds the subprocess executor shared by the target runner,
// judge and rewriter.
func newExecutor(cfg *config.Config) *tactile.DirectExecutor {
	ec := tactile.DefaultExecutorConfig()
	ec.DefaultTimeout = cfg.GetExecutionTimeout()
	if cfg.Execution.WorkingDirectory != "" {
		ec.DefaultWorkingDir = cfg.Execution.WorkingDirectory
	}
	if cfg.Execution.MaxOutputBytes > 0 {
		ec.MaxOutputBytes = cfg.Execution.MaxOutputBytes
	}
	if len(cfg.Execution.AllowedEnvVars) > 0 {
		ec.AllowedEnvironment = cfg.Execution.AllowedEnvVars
	}
	return tactile.NewDirectExecutorWithConfig(ec)
}

// buildServices wires the capabilities that are configured. A missing judge,
// rewriter or target binary leaves that capability nil; withRunner=false
// skips target execution entirely.
func buildServices(cfg *config.Config, withRunner bool) (*services, error) {
	s := &services{executor: newExecutor(cfg)}

	if cfg.Judge.Binary != "" {
		j, err := judge.NewCommandJudge(s.executor, judge.CommandConfig{
			Binary:     cfg.Judge.Binary,
			Args:       cfg.Judge.Args,
			WorkingDir: cfg.Execution.WorkingDirectory,
			Timeout:    cfg.GetJudgeTimeout(),
		})
		if err != nil {
			return nil, err
		}
		s.judge = j
	}

	if cfg.Rewriter.Binary != "" {
		r, err := rewrite.NewCommandRewriter(s.executor, rewrite.CommandConfig{
			Binary:     cfg.Rewriter.Binary,
			Args:       cfg.Rewriter.Args,
			WorkingDir: cfg.Execution.WorkingDirectory,
			Timeout:    cfg.GetRewriterTimeout(),
		})
		if err != nil {
			return nil, err
		}
		s.rewriter = r
	}

	if withRunner && cfg.Execution.Binary != "" {
		r, err := tactile.NewCommandRunner(s.executor, tactile.RunnerConfig{
			Binary:       cfg.Execution.Binary,
			VariableArgs: cfg.Execution.VariableArgs,
			FileArgs:     cfg.Execution.FileArgs,
			SourceArgs:   cfg.Execution.SourceArgs,
			WorkingDir:   cfg.Execution.WorkingDirectory,
		})
		if err != nil {
			return nil, err
		}
		s.runner = r
	}

	if cfg.Store.Path != "" {
		st, err := store.NewRunStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		s.store = st
	}
	return s, nil
}

// startMetrics serves /metrics until ctx is done when enabled.
func startMetrics(ctx context.Context, cfg *config.Config) {
	if !cfg.Metrics.Enabled {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
			logging.BootWarn("metrics endpoint on %s stopped: %v", cfg.Metrics.Listen, err)
		}
	}()
	logging.Boot("serving metrics on %s", cfg.Metrics.Listen)
}

// cleanupPolicy maps the configured policy, defaulting to auto.
func cleanupPolicy(cfg *config.Config) optimization.CleanupPolicy {
	if cfg.Execution.CleanupPolicy == "" {
		return optimization.CleanupAuto
	}
	return optimization.CleanupPolicy(cfg.Execution.CleanupPolicy)
}
