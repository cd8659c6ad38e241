package optimizer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"evoopt/internal/logging"
	"evoopt/internal/optimization"
	"evoopt/internal/optimization/controller"
	"evoopt/internal/optimization/evaluator"
	"evoopt/internal/optimization/generator"
	"evoopt/internal/optimization/selector"
)

// Preset is a named prompt optimization strategy.
type Preset struct {
	Name           string
	InitialSize    int
	Patience       int
	MinImprovement float64
}

var (
	PresetQuick      = Preset{Name: "quick", InitialSize: 3, Patience: 1, MinImprovement: 0.1}
	PresetDefault    = Preset{Name: "default", InitialSize: 5, Patience: 3, MinImprovement: 0.05}
	PresetAggressive = Preset{Name: "aggressive", InitialSize: 10, Patience: 1, MinImprovement: 0.1}
	PresetDeep       = Preset{Name: "deep", InitialSize: 10, Patience: 5, MinImprovement: 0.02}
)

// Presets lists the built-in presets in order of effort.
func Presets() []Preset {
	return []Preset{PresetQuick, PresetDefault, PresetAggressive, PresetDeep}
}

// PresetByName looks up a preset; the empty name is the default.
func PresetByName(name string) (Preset, error) {
	if name == "" {
		return PresetDefault, nil
	}
	for _, p := range Presets() {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return Preset{}, &optimization.ConfigError{Field: "preset", Reason: fmt.Sprintf("unknown preset %q (quick, default, aggressive, deep)", name)}
}

// PromptOptions configures a Prompt optimizer.
type PromptOptions struct {
	Preset  Preset
	Section string

	// Source rewrites sections; required.
	Source generator.VariantSource
	// Judge enables exact scoring. Without it candidates are scored by the
	// approximate evaluator alone.
	Judge optimization.Judge
	// Runner executes each rewritten agent before judging.
	Runner  optimization.TargetRunner
	Timeout time.Duration

	// DisableTwoPhase sends every candidate to the exact evaluator.
	DisableTwoPhase bool
	TwoPhase        evaluator.TwoPhaseConfig
	Halving         selector.HalvingConfig

	MaxLengthRatio    float64
	Cleanup           optimization.CleanupPolicy
	WorkDir           string
	ForbiddenPatterns []string
	Workers           int
	Recorder          optimization.Recorder
}

// Prompt optimizes an agent's prompt source.
type Prompt struct {
	*optimization.Engine
	preset  Preset
	section string
	now     func() time.Time
}

// NewPrompt builds a prompt optimizer.
func NewPrompt(opts PromptOptions) (*Prompt, error) {
	if opts.Preset.Name == "" {
		opts.Preset = PresetDefault
	}
	if opts.Section == "" {
		opts.Section = generator.SectionSystem
	}
	gen, err := generator.NewPromptModifierGenerator(opts.Source, generator.PromptModifierConfig{
		InitialSize:       opts.Preset.InitialSize,
		Section:           opts.Section,
		MaxLengthRatio:    opts.MaxLengthRatio,
		Cleanup:           opts.Cleanup,
		WorkDir:           opts.WorkDir,
		ForbiddenPatterns: opts.ForbiddenPatterns,
	})
	if err != nil {
		return nil, err
	}

	halving := opts.Halving
	if halving.KeepRatio == 0 {
		halving = selector.DefaultHalvingConfig()
	}

	engineOpts, err := commonOptions(opts.Workers, opts.Recorder, opts.ForbiddenPatterns)
	if err != nil {
		return nil, err
	}
	eng, err := optimization.NewEngine(gen, promptEvaluator(opts),
		selector.NewSuccessiveHalving(halving),
		controller.NewEarlyStopping(opts.Preset.Patience, opts.Preset.MinImprovement),
		engineOpts...)
	if err != nil {
		return nil, err
	}
	return &Prompt{Engine: eng, preset: opts.Preset, section: opts.Section, now: time.Now}, nil
}

func promptEvaluator(opts PromptOptions) optimization.Evaluator {
	approx := evaluator.NewApproximateEvaluator(evaluator.DefaultApproximateConfig())
	if opts.Judge == nil {
		return approx
	}
	semantic := evaluator.NewSemanticJudgeEvaluator(opts.Judge)
	var exact optimization.Evaluator = semantic
	if opts.Runner != nil {
		exact = evaluator.NewSafeEvaluator(opts.Runner, semantic, opts.Timeout)
	}
	if opts.DisableTwoPhase {
		return exact
	}
	return evaluator.NewTwoPhaseEvaluator(approx, exact, opts.TwoPhase)
}

// Preset returns the strategy in use.
func (p *Prompt) Preset() Preset { return p.preset }

// FileOptions controls OptimizeFile side effects.
type FileOptions struct {
	Backup  bool
	Replace bool
}

// FileResult is the outcome of OptimizeFile.
type FileResult struct {
	*optimization.Result
	BackupPath string
	Replaced   bool
}

// OptimizeFile optimizes the agent at path. With Backup the original is
// copied to .backup/<stem>_<timestamp><ext> beside it first; with Replace
// the best candidate overwrites the agent when one was found.
func (p *Prompt) OptimizeFile(ctx context.Context, path string, params optimization.Params, budget optimization.Budget, fo FileOptions) (*FileResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent file: %w", err)
	}

	out := &FileResult{}
	if fo.Backup {
		out.BackupPath, err = backupFile(path, p.now())
		if err != nil {
			return nil, err
		}
		logging.Engine("backed up %s to %s", path, out.BackupPath)
	}

	params.AgentPath = path
	logging.Engine("optimizing %s section of %s (preset %s)", p.section, filepath.Base(path), p.preset.Name)
	res, err := p.Optimize(ctx, string(data), params, budget)
	if err != nil {
		return nil, err
	}
	out.Result = res

	if fo.Replace && res.BestCandidate != nil && res.BestCandidate.Content != string(data) {
		info, err := os.Stat(path)
		if err != nil {
			return out, fmt.Errorf("stat agent file: %w", err)
		}
		if err := os.WriteFile(path, []byte(res.BestCandidate.Content), info.Mode().Perm()); err != nil {
			return out, fmt.Errorf("replace agent file: %w", err)
		}
		out.Replaced = true
		logging.Engine("replaced %s with best variant (score %.2f)", path, res.BestScore)
	}
	return out, nil
}

func backupFile(path string, now time.Time) (string, error) {
	dir := filepath.Join(filepath.Dir(path), ".backup")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)
	dst := filepath.Join(dir, fmt.Sprintf("%s_%s%s", stem, now.Format("20060102_150405"), ext))

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open agent file: %w", err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("stat agent file: %w", err)
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return "", fmt.Errorf("copy backup: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close backup: %w", err)
	}
	return dst, nil
}
