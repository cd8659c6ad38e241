package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"evoopt/internal/config"
	"evoopt/internal/logging"
	"evoopt/internal/optimization"
	"evoopt/internal/optimization/evaluator"
	"evoopt/internal/optimization/optimizer"
	"evoopt/internal/optimization/registry"
	"evoopt/internal/optimization/selector"
)

// runFlags are shared by every command that starts an optimization run.
type runFlags struct {
	casePath string
	noRun    bool
	jsonOut  bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.casePath, "case", "", "Case file (YAML) with question, expected answer and recorded output")
	cmd.Flags().BoolVar(&f.noRun, "no-run", false, "Judge against the recorded output instead of executing the target")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "Print the full result as JSON")
}

// signalContext cancels on SIGINT/SIGTERM so a run stops after its current
// round with the best candidate found so far.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newSimInjectCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "sim-inject [agent-file]",
		Short: "Optimize the inject variable of an agent",
		Long: `Searches for guidance text to place in the agent's inject variable
(default $injects). Each candidate is executed with the inject bound (unless
--no-run) and scored by the configured judge command.

Example:
  evoopt sim-inject agents/solver.dph --case cases/units.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := loadCase(f.casePath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				params.AgentPath = args[0]
			}
			return runSimInject(cmd, a.cfg, params, f)
		},
	}
	f.register(cmd)
	return cmd
}

func runSimInject(cmd *cobra.Command, cfg *config.Config, params optimization.Params, f runFlags) error {
	svc, err := buildServices(cfg, !f.noRun)
	if err != nil {
		return err
	}
	defer svc.Close()
	if svc.judge == nil {
		return fmt.Errorf("sim-inject needs a judge: set judge.binary in the config")
	}

	opts := optimizer.DefaultSimInjectOptions()
	opts.InjectVar = cfg.Generation.InjectVariable
	opts.TopK = cfg.Selection.K
	opts.Patience = cfg.Control.Patience
	opts.MinImprovement = cfg.Control.MinImprovement
	opts.LearningRate = cfg.Generation.LearningRate
	opts.Momentum = cfg.Generation.Momentum
	opts.Runner = svc.runner
	opts.Timeout = cfg.GetExecutionTimeout()
	opts.Workers = cfg.Evaluation.Workers
	opts.Recorder = svc.recorder()
	opts.ForbiddenPatterns = cfg.Generation.ForbiddenPatterns

	eng, err := optimizer.NewSimInject(svc.judge, opts)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	startMetrics(ctx, cfg)

	res, err := eng.Optimize(ctx, params.AgentPath, params, registry.Budget(cfg))
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res, f.jsonOut)
}

func newPromptCmd(a *app) *cobra.Command {
	var (
		f          runFlags
		presetName string
		section    string
		backup     bool
		replace    bool
		singlePass bool
	)
	cmd := &cobra.Command{
		Use:   "prompt <agent-file>",
		Short: "Rewrite a section of an agent file",
		Long: `Rewrites one section of an agent file (system, tools or all) with the
configured rewriter command. Candidates are screened by the approximate
evaluator and the best of them are judged when a judge is configured.

Presets:
  quick       3 variants, patience 1
  default     5 variants, patience 3
  aggressive  10 variants, patience 1
  deep        10 variants, patience 5

Example:
  evoopt prompt agents/solver.dph --preset quick --backup --replace`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := loadCase(f.casePath)
			if err != nil {
				return err
			}
			preset, err := optimizer.PresetByName(presetName)
			if err != nil {
				return err
			}
			if section == "" {
				section = a.cfg.Generation.TargetSection
			}
			return runPrompt(cmd, a.cfg, args[0], params, promptRun{
				runFlags:   f,
				preset:     preset,
				section:    section,
				files:      optimizer.FileOptions{Backup: backup, Replace: replace},
				singlePass: singlePass,
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&presetName, "preset", "p", "default", "Preset: quick, default, aggressive, deep")
	cmd.Flags().StringVar(&section, "section", "", "Section to rewrite: system, tools, all (default from config)")
	cmd.Flags().BoolVar(&backup, "backup", true, "Copy the agent to .backup/ before optimizing")
	cmd.Flags().BoolVar(&replace, "replace", false, "Overwrite the agent with the best variant")
	cmd.Flags().BoolVar(&singlePass, "no-two-phase", false, "Judge every variant instead of screening first")
	return cmd
}

type promptRun struct {
	runFlags
	preset     optimizer.Preset
	section    string
	files      optimizer.FileOptions
	singlePass bool
}

func runPrompt(cmd *cobra.Command, cfg *config.Config, path string, params optimization.Params, pr promptRun) error {
	svc, err := buildServices(cfg, !pr.noRun)
	if err != nil {
		return err
	}
	defer svc.Close()
	if svc.rewriter == nil {
		return fmt.Errorf("prompt optimization needs a rewriter: set rewriter.binary in the config")
	}

	opts := optimizer.PromptOptions{
		Preset:          pr.preset,
		Section:         pr.section,
		Source:          svc.rewriter,
		Runner:          svc.runner,
		Timeout:         cfg.GetExecutionTimeout(),
		DisableTwoPhase: pr.singlePass,
		TwoPhase: evaluator.TwoPhaseConfig{
			Cutoff:         cfg.Evaluation.Phase1Cutoff,
			MinApproxScore: cfg.Evaluation.MinApproxScore,
			Workers:        cfg.Evaluation.Workers,
		},
		Halving: selector.HalvingConfig{
			KeepRatio:      cfg.Selection.KeepRatio,
			MinKeep:        cfg.Selection.MinCandidates,
			DiversityRatio: cfg.Selection.DiversityRatio,
		},
		MaxLengthRatio:    cfg.Generation.MaxLengthRatio,
		Cleanup:           cleanupPolicy(cfg),
		WorkDir:           cfg.Execution.WorkingDirectory,
		ForbiddenPatterns: cfg.Generation.ForbiddenPatterns,
		Workers:           cfg.Evaluation.Workers,
		Recorder:          svc.recorder(),
	}
	if svc.judge != nil {
		opts.Judge = svc.judge
	} else {
		logging.BootWarn("no judge configured; variants are scored by the approximate evaluator only")
	}

	p, err := optimizer.NewPrompt(opts)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	startMetrics(ctx, cfg)

	res, err := p.OptimizeFile(ctx, path, params, registry.Budget(cfg), pr.files)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if res.BackupPath != "" {
		fmt.Fprintf(out, "backup: %s\n", res.BackupPath)
	}
	if res.Replaced {
		fmt.Fprintf(out, "replaced: %s\n", path)
	}
	return printResult(out, res.Result, pr.jsonOut)
}

func newOptimizeCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "optimize [agent-file]",
		Short: "Run the components named in the config",
		Long: `Assembles generator, evaluator, selector and controller by name from the
config (generation.generator, evaluation.evaluator, selection.selector,
control.controller) and runs them on the agent.

Run "evoopt components" to list the available names.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := loadCase(f.casePath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				params.AgentPath = args[0]
			}
			return runOptimize(cmd, a.cfg, params, f)
		},
	}
	f.register(cmd)
	return cmd
}

func runOptimize(cmd *cobra.Command, cfg *config.Config, params optimization.Params, f runFlags) error {
	svc, err := buildServices(cfg, !f.noRun)
	if err != nil {
		return err
	}
	defer svc.Close()

	o := registry.Options{
		Config:   cfg,
		Judge:    svc.judge,
		Runner:   svc.runner,
		Recorder: svc.recorder(),
	}
	if svc.rewriter != nil {
		o.Source = svc.rewriter
	}
	eng, err := registry.NewDefault().Build(o)
	if err != nil {
		return err
	}

	// sim_inject binds into the agent by path; rewriting generators work on
	// the agent's text.
	target := params.AgentPath
	if cfg.Generation.Generator == "prompt_modifier" && params.AgentPath != "" {
		data, err := os.ReadFile(params.AgentPath)
		if err != nil {
			return fmt.Errorf("read agent file: %w", err)
		}
		target = string(data)
	}

	ctx, cancel := signalContext()
	defer cancel()
	startMetrics(ctx, cfg)

	res, err := eng.Optimize(ctx, target, params, registry.Budget(cfg))
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res, f.jsonOut)
}
