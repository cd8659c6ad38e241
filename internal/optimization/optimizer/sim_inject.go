// Package optimizer assembles ready-to-use engines for the two supported
// optimization targets: runtime injects and agent prompt sources.
package optimizer

import (
	"time"

	"evoopt/internal/optimization"
	"evoopt/internal/optimization/controller"
	"evoopt/internal/optimization/evaluator"
	"evoopt/internal/optimization/generator"
	"evoopt/internal/optimization/selector"
	"evoopt/internal/safety"
)

// SimInjectOptions configures a SimInject optimizer.
type SimInjectOptions struct {
	InjectVar      string
	TopK           int
	Patience       int
	MinImprovement float64
	LearningRate   float64
	Momentum       float64

	// Runner executes the agent with each inject. Without one, candidates
	// are judged against the run's recorded output only.
	Runner  optimization.TargetRunner
	Timeout time.Duration

	Workers           int
	Recorder          optimization.Recorder
	ForbiddenPatterns []string
}

// DefaultSimInjectOptions returns TopK(3) with EarlyStopping(2, 0.05).
func DefaultSimInjectOptions() SimInjectOptions {
	return SimInjectOptions{
		InjectVar:      "$injects",
		TopK:           3,
		Patience:       2,
		MinImprovement: 0.05,
		LearningRate:   0.5,
		Momentum:       0.9,
	}
}

// NewSimInject builds the inject optimizer around judge.
func NewSimInject(judge optimization.Judge, opts SimInjectOptions) (*optimization.Engine, error) {
	if judge == nil {
		return nil, &optimization.ConfigError{Field: "judge", Reason: "sim-inject optimization requires a semantic judge"}
	}
	def := DefaultSimInjectOptions()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.Patience <= 0 {
		opts.Patience = def.Patience
	}
	if opts.MinImprovement <= 0 {
		opts.MinImprovement = def.MinImprovement
	}

	gen := generator.NewSimInjectGenerator(generator.SimInjectConfig{
		InjectVar:    opts.InjectVar,
		InitialSize:  opts.TopK,
		LearningRate: opts.LearningRate,
		Momentum:     opts.Momentum,
	})

	semantic := evaluator.NewSemanticJudgeEvaluator(judge)
	var ev optimization.Evaluator = semantic
	if opts.Runner != nil {
		ev = evaluator.NewSafeEvaluator(opts.Runner, semantic, opts.Timeout)
	}

	engineOpts, err := commonOptions(opts.Workers, opts.Recorder, opts.ForbiddenPatterns)
	if err != nil {
		return nil, err
	}
	return optimization.NewEngine(gen, ev,
		selector.NewTopK(opts.TopK),
		controller.NewEarlyStopping(opts.Patience, opts.MinImprovement),
		engineOpts...)
}

func commonOptions(workers int, rec optimization.Recorder, forbidden []string) ([]optimization.Option, error) {
	var out []optimization.Option
	if workers > 0 {
		out = append(out, optimization.WithWorkers(workers))
	}
	if rec != nil {
		out = append(out, optimization.WithRecorder(rec))
	}
	if len(forbidden) > 0 {
		screen, err := safety.NewScreen(forbidden)
		if err != nil {
			return nil, &optimization.ConfigError{Field: "forbidden_patterns", Reason: err.Error()}
		}
		out = append(out, optimization.WithForbiddenPatterns(screen))
	}
	return out, nil
}
