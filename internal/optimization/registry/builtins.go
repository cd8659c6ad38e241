package registry

import (
	"evoopt/internal/config"
	"evoopt/internal/optimization"
	"evoopt/internal/optimization/controller"
	"evoopt/internal/optimization/evaluator"
	"evoopt/internal/optimization/generator"
	"evoopt/internal/optimization/selector"
	"evoopt/internal/safety"
)

// NewDefault returns a registry holding every built-in component.
func NewDefault() *Registry {
	r := New()
	for name, f := range map[string]GeneratorFactory{
		"sim_inject":      newSimInject,
		"prompt_modifier": newPromptModifier,
	} {
		mustRegister(r.RegisterGenerator(name, f))
	}
	for name, f := range map[string]EvaluatorFactory{
		"safe":               newSafe,
		"semantic_judge":     newSemanticJudge,
		"approximate":        newApproximate,
		"rule_based":         newRuleBased,
		"two_phase":          newTwoPhase,
		"adaptive_two_phase": newAdaptiveTwoPhase,
	} {
		mustRegister(r.RegisterEvaluator(name, f))
	}
	for name, f := range map[string]SelectorFactory{
		"topk":                 newTopK,
		"successive_halving":   newHalving,
		"aggressive_halving":   newAggressiveHalving,
		"conservative_halving": newConservativeHalving,
		"dynamic_halving":      newDynamicHalving,
	} {
		mustRegister(r.RegisterSelector(name, f))
	}
	for name, f := range map[string]ControllerFactory{
		"budget":         newBudget,
		"early_stopping": newEarlyStopping,
	} {
		mustRegister(r.RegisterController(name, f))
	}
	return r
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

// Build assembles an engine from the component names and settings in
// o.Config.
func (r *Registry) Build(o Options) (*optimization.Engine, error) {
	cfg := o.cfg()
	o.Config = cfg

	gen, err := r.NewGenerator(cfg.Generation.Generator, o)
	if err != nil {
		return nil, err
	}
	ev, err := r.NewEvaluator(cfg.Evaluation.Evaluator, o)
	if err != nil {
		return nil, err
	}
	sel, err := r.NewSelector(cfg.Selection.Selector, o)
	if err != nil {
		return nil, err
	}
	ctl, err := r.NewController(cfg.Control.Controller, o)
	if err != nil {
		return nil, err
	}

	opts := []optimization.Option{optimization.WithWorkers(cfg.Evaluation.Workers)}
	if o.Recorder != nil {
		opts = append(opts, optimization.WithRecorder(o.Recorder))
	}
	if len(cfg.Generation.ForbiddenPatterns) > 0 {
		screen, err := safety.NewScreen(cfg.Generation.ForbiddenPatterns)
		if err != nil {
			return nil, &optimization.ConfigError{Field: "generation.forbidden_patterns", Reason: err.Error()}
		}
		opts = append(opts, optimization.WithForbiddenPatterns(screen))
	}
	return optimization.NewEngine(gen, ev, sel, ctl, opts...)
}

// Budget converts the configured ceilings.
func Budget(cfg *config.Config) optimization.Budget {
	return optimization.Budget{
		MaxIters:    cfg.Budget.MaxIters,
		MaxDuration: cfg.GetMaxDuration(),
		MaxTokens:   cfg.Budget.MaxTokens,
		MaxCost:     cfg.Budget.MaxCost,
	}
}

// Generators

func newSimInject(o Options) (optimization.Generator, error) {
	g := o.cfg().Generation
	return generator.NewSimInjectGenerator(generator.SimInjectConfig{
		InjectVar:    g.InjectVariable,
		InitialSize:  g.InitialSize,
		LearningRate: g.LearningRate,
		Momentum:     g.Momentum,
		Seeds:        g.DefaultInjects,
	}), nil
}

func newPromptModifier(o Options) (optimization.Generator, error) {
	cfg := o.cfg()
	return generator.NewPromptModifierGenerator(o.Source, generator.PromptModifierConfig{
		InitialSize:       cfg.Generation.InitialSize,
		Section:           cfg.Generation.TargetSection,
		MaxLengthRatio:    cfg.Generation.MaxLengthRatio,
		Cleanup:           optimization.CleanupPolicy(cfg.Execution.CleanupPolicy),
		WorkDir:           cfg.Execution.WorkingDirectory,
		ForbiddenPatterns: cfg.Generation.ForbiddenPatterns,
	})
}

// Evaluators

func newSafe(o Options) (optimization.Evaluator, error) {
	if o.Runner == nil {
		return nil, &optimization.ConfigError{Field: "execution", Reason: "the safe evaluator needs a target runner"}
	}
	var judge optimization.OutputJudge
	if o.Judge != nil {
		judge = evaluator.NewSemanticJudgeEvaluator(o.Judge)
	}
	return evaluator.NewSafeEvaluator(o.Runner, judge, o.cfg().GetExecutionTimeout()), nil
}

func newSemanticJudge(o Options) (optimization.Evaluator, error) {
	if o.Judge == nil {
		return nil, &optimization.ConfigError{Field: "judge", Reason: "the semantic_judge evaluator needs a judge"}
	}
	return evaluator.NewSemanticJudgeEvaluator(o.Judge), nil
}

func approximateConfig(o Options) evaluator.ApproximateConfig {
	ac := evaluator.DefaultApproximateConfig()
	ac.MinConfidence = o.cfg().Evaluation.MinConfidence
	return ac
}

func newApproximate(o Options) (optimization.Evaluator, error) {
	return evaluator.NewApproximateEvaluator(approximateConfig(o)), nil
}

func newRuleBased(o Options) (optimization.Evaluator, error) {
	var rules []evaluator.Rule
	for _, rc := range o.cfg().Evaluation.Rules {
		rules = append(rules, evaluator.Rule{Name: rc.Name, Pattern: rc.Pattern, Weight: rc.Weight, Required: rc.Required})
	}
	return evaluator.NewRuleBasedEvaluator(rules, approximateConfig(o))
}

// phases builds the cheap and exact halves of a two-phase evaluator. Rules,
// when configured, replace the heuristic first phase; a runner, when
// present, executes candidates before judging.
func phases(o Options) (approx, exact optimization.Evaluator, cfg evaluator.TwoPhaseConfig, err error) {
	if o.Judge == nil {
		return nil, nil, cfg, &optimization.ConfigError{Field: "judge", Reason: "two-phase evaluation needs a judge for its exact phase"}
	}
	if len(o.cfg().Evaluation.Rules) > 0 {
		approx, err = newRuleBased(o)
	} else {
		approx, err = newApproximate(o)
	}
	if err != nil {
		return nil, nil, cfg, err
	}
	if o.Runner != nil {
		exact, err = newSafe(o)
	} else {
		exact, err = newSemanticJudge(o)
	}
	if err != nil {
		return nil, nil, cfg, err
	}
	e := o.cfg().Evaluation
	cfg = evaluator.TwoPhaseConfig{Cutoff: e.Phase1Cutoff, MinApproxScore: e.MinApproxScore, Workers: e.Workers}
	return approx, exact, cfg, nil
}

func newTwoPhase(o Options) (optimization.Evaluator, error) {
	approx, exact, cfg, err := phases(o)
	if err != nil {
		return nil, err
	}
	return evaluator.NewTwoPhaseEvaluator(approx, exact, cfg), nil
}

func newAdaptiveTwoPhase(o Options) (optimization.Evaluator, error) {
	approx, exact, cfg, err := phases(o)
	if err != nil {
		return nil, err
	}
	return evaluator.NewAdaptiveTwoPhaseEvaluator(approx, exact, cfg), nil
}

// Selectors

func newTopK(o Options) (optimization.Selector, error) {
	return selector.NewTopK(o.cfg().Selection.K), nil
}

func newHalving(o Options) (optimization.Selector, error) {
	s := o.cfg().Selection
	return selector.NewSuccessiveHalving(selector.HalvingConfig{
		KeepRatio:      s.KeepRatio,
		MinKeep:        s.MinCandidates,
		DiversityRatio: s.DiversityRatio,
	}), nil
}

func newAggressiveHalving(Options) (optimization.Selector, error) {
	return selector.NewSuccessiveHalving(selector.AggressiveHalvingConfig()), nil
}

func newConservativeHalving(Options) (optimization.Selector, error) {
	return selector.NewSuccessiveHalving(selector.ConservativeHalvingConfig()), nil
}

func newDynamicHalving(o Options) (optimization.Selector, error) {
	s := o.cfg().Selection
	return selector.NewDynamicHalving(s.KeepRatio, s.MinCandidates), nil
}

// Controllers

func newBudget(Options) (optimization.Controller, error) {
	return controller.NewBudget(), nil
}

func newEarlyStopping(o Options) (optimization.Controller, error) {
	c := o.cfg().Control
	es := controller.NewEarlyStopping(c.Patience, c.MinImprovement)
	if c.TargetScore > 0 {
		es = es.WithTarget(c.TargetScore)
	}
	return es, nil
}
