package optimization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"evoopt/internal/logging"
	"evoopt/internal/metrics"
	"evoopt/internal/safety"
)

// ErrSelection is returned when a selector hands back a candidate that was
// not part of the population it was given.
var ErrSelection = errors.New("selector returned a candidate outside the population")

// Stop reasons recorded in Metrics.StopReason.
const (
	StopMaxIters        = "max_iters"
	StopMaxDuration     = "max_duration"
	StopMaxTokens       = "max_tokens"
	StopMaxCost         = "max_cost"
	StopPlateau         = "plateau"
	StopTargetReached   = "target_reached"
	StopEmptyPopulation = "empty_population"
	StopExhausted       = "generator_exhausted"
	StopGeneratorError  = "generator_error"
	StopCancelled       = "cancelled"
)

type state int

const (
	stateInit state = iota
	stateGenerate
	stateEvaluate
	stateSelect
	stateControl
	stateDone
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "INIT"
	case stateGenerate:
		return "GENERATE"
	case stateEvaluate:
		return "EVALUATE"
	case stateSelect:
		return "SELECT"
	case stateControl:
		return "CONTROL"
	case stateDone:
		return "DONE"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Engine runs the Generate -> Evaluate -> Select -> Iterate loop over four
// pluggable roles. An Engine holds no per-run state and may be reused.
type Engine struct {
	generator  Generator
	evaluator  Evaluator
	selector   Selector
	controller Controller

	workers  int
	recorder Recorder
	screen   *safety.Screen
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds concurrent evaluations for evaluators without a batch
// method. Values below 1 mean sequential.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithRecorder persists run history.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithForbiddenPatterns overrides the default forbidden-pattern screen.
func WithForbiddenPatterns(s *safety.Screen) Option {
	return func(e *Engine) { e.screen = s }
}

// NewEngine wires the four roles together.
func NewEngine(g Generator, ev Evaluator, s Selector, c Controller, opts ...Option) (*Engine, error) {
	switch {
	case g == nil:
		return nil, configErr("generator", "required")
	case ev == nil:
		return nil, configErr("evaluator", "required")
	case s == nil:
		return nil, configErr("selector", "required")
	case c == nil:
		return nil, configErr("controller", "required")
	}
	e := &Engine{
		generator:  g,
		evaluator:  ev,
		selector:   s,
		controller: c,
		workers:    1,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.screen == nil {
		screen, err := safety.NewScreen(nil)
		if err != nil {
			return nil, configErr("forbidden_patterns", "%v", err)
		}
		e.screen = screen
	}
	return e, nil
}

// Components names the concrete role implementations.
func (e *Engine) Components() Components {
	return Components{
		Generator:  fmt.Sprintf("%T", e.generator),
		Evaluator:  fmt.Sprintf("%T", e.evaluator),
		Selector:   fmt.Sprintf("%T", e.selector),
		Controller: fmt.Sprintf("%T", e.controller),
	}
}

// Optimize improves target under budget. Invalid budgets or params, an
// unusable round-1 execution context, selector errors and evaluation count
// mismatches are returned as errors; generator and evaluator failures are
// absorbed into the result.
func (e *Engine) Optimize(ctx context.Context, target string, params Params, budget Budget) (*Result, error) {
	r := &run{
		engine:    e,
		id:        uuid.NewString(),
		target:    target,
		params:    params,
		budget:    budget,
		bestScore: WorstScore,
		seenIDs:   make(map[string]struct{}),
	}

	st := stateInit
	for st != stateDone {
		var err error
		next := st
		switch st {
		case stateInit:
			next, err = r.init(ctx)
		case stateGenerate:
			next = r.generate(ctx)
		case stateEvaluate:
			next, err = r.evaluate(ctx)
		case stateSelect:
			next, err = r.selectSurvivors(ctx)
		case stateControl:
			next = r.control(ctx)
		}
		if err != nil {
			logging.EngineError("run %s failed in %s: %v", r.id, st, err)
			return nil, err
		}
		logging.EngineDebug("run %s: %s -> %s (round %d)", r.id, st, next, r.round)
		st = next
	}

	return r.finish(ctx), nil
}

// run is the state of one Optimize call.
type run struct {
	engine *Engine
	id     string
	target string
	params Params
	budget Budget
	rc     *RunContext

	start      time.Time
	roundStart time.Time
	round      int

	population    []*Candidate
	evaluations   []EvaluationResult
	selected      []*Candidate
	selectedEvals []EvaluationResult
	rejected      int
	seenIDs       map[string]struct{}

	best         *Candidate
	bestScore    float64
	firstBest    float64
	history      []RoundSummary
	evaluatedAll int
	stopReason   string
}

func (r *run) init(ctx context.Context) (state, error) {
	e := r.engine
	r.start = e.now()
	r.roundStart = r.start
	r.round = 1

	if err := ValidateBudget(r.budget); err != nil {
		return stateDone, err
	}
	if err := ValidateParams(r.params); err != nil {
		return stateDone, err
	}
	r.budget = EffectiveBudget(r.budget, r.params)
	r.rc = NewRunContext(r.params, r.budget)
	if r.params.SafetyEnabled() && e.screen != nil {
		r.rc.WithScreen(e.screen)
	}

	logging.Engine("run %s started (case=%q, budget: %s)", r.id, r.params.CaseID, r.budget)
	if e.recorder != nil {
		info := RunInfo{RunID: r.id, CaseID: r.params.CaseID, StartedAt: r.start, Budget: r.budget, Components: e.Components()}
		if err := e.recorder.BeginRun(ctx, info); err != nil {
			logging.EngineWarn("recorder: begin run %s: %v", r.id, err)
		}
	}

	pop, err := r.callGenerator(func() ([]*Candidate, error) {
		return e.generator.Initialize(ctx, r.target, r.rc)
	})
	if err != nil {
		if errors.Is(err, ErrConfiguration) {
			return stateDone, err
		}
		logging.EngineWarn("run %s: initialize failed: %v", r.id, err)
		r.stopReason = StopGeneratorError
		return stateDone, nil
	}

	pop, err = r.admit(pop, true)
	if err != nil {
		return stateDone, err
	}
	if len(pop) == 0 {
		r.stopReason = StopEmptyPopulation
		return stateDone, nil
	}
	r.population = pop
	return stateEvaluate, nil
}

func (r *run) generate(ctx context.Context) state {
	e := r.engine
	r.round++
	r.rc.Round = r.round
	r.roundStart = e.now()

	pop, err := r.callGenerator(func() ([]*Candidate, error) {
		return e.generator.Evolve(ctx, r.selected, r.selectedEvals, r.rc)
	})
	if err != nil {
		logging.EngineWarn("run %s: evolve failed in round %d: %v", r.id, r.round, err)
		r.round--
		r.stopReason = StopGeneratorError
		return stateDone
	}

	pop, _ = r.admit(pop, false)
	if len(pop) == 0 {
		r.round--
		r.stopReason = StopExhausted
		return stateDone
	}
	r.population = pop
	return stateEvaluate
}

func (r *run) callGenerator(fn func() ([]*Candidate, error)) (pop []*Candidate, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("generator %T panicked: %v", r.engine.generator, rec)
		}
	}()
	return fn()
}

// admit is the candidate gate: ids, context, content, leak guard, forbidden
// patterns. In strict mode a context configuration error is returned instead
// of rejecting the candidate.
func (r *run) admit(pop []*Candidate, strict bool) ([]*Candidate, error) {
	admitted := make([]*Candidate, 0, len(pop))
	for _, c := range pop {
		if c == nil {
			r.reject(nil, "nil_candidate", nil)
			continue
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if _, dup := r.seenIDs[c.ID]; dup {
			r.reject(c, "duplicate_id", nil)
			continue
		}
		if err := ValidateContext(c.Context); err != nil {
			if strict {
				return nil, fmt.Errorf("candidate %s: %w", c.ID, err)
			}
			r.reject(c, "invalid_context", err)
			continue
		}
		if err := ValidateContent(c.Context, c.Content); err != nil {
			r.reject(c, ruleOf(err), err)
			continue
		}
		if err := r.rc.CheckContent(c.Content); err != nil {
			r.reject(c, ruleOf(err), err)
			continue
		}
		r.seenIDs[c.ID] = struct{}{}
		admitted = append(admitted, c)
	}
	return admitted, nil
}

func (r *run) reject(c *Candidate, rule string, err error) {
	r.rejected++
	metrics.RecordRejection(rule)
	id := "<nil>"
	if c != nil {
		id = c.ID
	}
	logging.EngineWarn("run %s: rejected candidate %s (%s): %v", r.id, id, rule, err)
}

func ruleOf(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Rule
	}
	return "invalid"
}

func (r *run) evaluate(ctx context.Context) (state, error) {
	timer := logging.StartTimer(logging.CategoryEngine, fmt.Sprintf("round %d evaluation", r.round))
	evals, err := EvaluateAll(ctx, r.engine.evaluator, r.population, r.rc, r.engine.workers)
	timer.Stop()
	if err != nil {
		return stateDone, err
	}
	if len(evals) != len(r.population) {
		return stateDone, fmt.Errorf("%w: %d results for %d candidates", ErrLengthMismatch, len(evals), len(r.population))
	}

	phases := make(map[Phase]int)
	for _, ev := range evals {
		phases[ev.Detail.Phase]++
		if ev.Failed() {
			kind, _ := ev.Metadata["failure"].(string)
			metrics.RecordFailure(kind)
		}
	}
	for phase, n := range phases {
		metrics.RecordEvaluated(string(phase), n)
	}
	r.evaluations = evals
	r.evaluatedAll += len(evals)
	return stateSelect, nil
}

func (r *run) selectSurvivors(ctx context.Context) (state, error) {
	e := r.engine
	selected, err := e.selector.Select(r.population, r.evaluations)
	if err != nil {
		return stateDone, fmt.Errorf("select round %d: %w", r.round, err)
	}

	index := make(map[*Candidate]int, len(r.population))
	for i, c := range r.population {
		index[c] = i
	}
	keep := make([]*Candidate, 0, len(selected))
	keepEvals := make([]EvaluationResult, 0, len(selected))
	picked := make(map[*Candidate]bool, len(selected))
	for _, c := range selected {
		i, ok := index[c]
		if !ok {
			return stateDone, fmt.Errorf("round %d: %w", r.round, ErrSelection)
		}
		if picked[c] {
			continue
		}
		picked[c] = true
		keep = append(keep, c)
		keepEvals = append(keepEvals, r.evaluations[i])
	}
	r.selected, r.selectedEvals = keep, keepEvals

	summary := r.summarize()
	r.history = append(r.history, summary)
	if r.round == 1 {
		r.firstBest = summary.BestScore
	}
	for i, ev := range r.evaluations {
		if ev.Score > r.bestScore {
			r.best, r.bestScore = r.population[i], ev.Score
		}
	}

	logging.Engine("run %s round %d: population=%d selected=%d best=%.3f overall=%.3f tokens=%d",
		r.id, r.round, summary.PopulationSize, len(keep), summary.BestScore, r.bestScore, summary.CostTokens)
	metrics.RecordRound(summary.Elapsed, summary.BestScore, summary.CostTokens)
	if e.recorder != nil {
		if err := e.recorder.RecordRound(ctx, r.id, summary); err != nil {
			logging.EngineWarn("recorder: round %d of %s: %v", r.round, r.id, err)
		}
	}
	r.rejected = 0
	return stateControl, nil
}

func (r *run) summarize() RoundSummary {
	now := r.engine.now()
	s := RoundSummary{
		Round:          r.round,
		PopulationSize: len(r.population),
		CandidateIDs:   make([]string, len(r.population)),
		Scores:         make([]float64, len(r.evaluations)),
		SelectedIDs:    make([]string, len(r.selected)),
		BestScore:      WorstScore,
		Elapsed:        now.Sub(r.roundStart),
		SinceStart:     now.Sub(r.start),
		Rejected:       r.rejected,
	}
	var total float64
	for i, c := range r.population {
		s.CandidateIDs[i] = c.ID
	}
	for i, ev := range r.evaluations {
		s.Scores[i] = ev.Score
		total += ev.Score
		s.CostTokens += ev.CostTokens
		s.CostUSD += ev.CostUSD
		if ev.Score > s.BestScore {
			s.BestScore = ev.Score
		}
		if ev.Failed() {
			s.Failures++
		}
	}
	if len(r.evaluations) > 0 {
		s.AvgScore = total / float64(len(r.evaluations))
	}
	for i, c := range r.selected {
		s.SelectedIDs[i] = c.ID
	}
	return s
}

func (r *run) control(ctx context.Context) state {
	if err := ctx.Err(); err != nil {
		r.stopReason = StopCancelled
		return stateDone
	}
	if stop, reason := r.engine.controller.ShouldStop(r.round, r.history, r.budget); stop {
		r.stopReason = reason
		logging.Engine("run %s: controller stopped after round %d (%s)", r.id, r.round, reason)
		return stateDone
	}
	if r.budget.MaxIters > 0 && r.round >= r.budget.MaxIters {
		r.stopReason = StopMaxIters
		return stateDone
	}
	if r.rc.Target > 0 && r.bestScore >= r.rc.Target {
		r.stopReason = StopTargetReached
		return stateDone
	}
	return stateGenerate
}

func (r *run) finish(ctx context.Context) *Result {
	e := r.engine
	res := &Result{
		RunID:         r.id,
		BestCandidate: r.best,
		BestScore:     r.bestScore,
		History:       r.history,
		Components:    e.Components(),
	}
	if res.History == nil {
		res.History = []RoundSummary{}
	}

	m := Metrics{
		TotalRounds:     len(r.history),
		TotalCandidates: r.evaluatedAll,
		Elapsed:         e.now().Sub(r.start),
		StopReason:      r.stopReason,
		Rejected:        r.rejected,
	}
	for _, h := range r.history {
		m.TotalCostTokens += h.CostTokens
		m.TotalCostUSD += h.CostUSD
		m.Failures += h.Failures
		m.Rejected += h.Rejected
	}
	if len(r.history) > 0 {
		m.ScoreImprovement = r.bestScore - r.firstBest
	}
	res.Metrics = m

	logging.Engine("run %s done: rounds=%d best=%.3f reason=%s", r.id, m.TotalRounds, r.bestScore, m.StopReason)
	metrics.RecordRun(m.StopReason)
	if e.recorder != nil {
		if err := e.recorder.FinishRun(ctx, r.id, res); err != nil {
			logging.EngineWarn("recorder: finish run %s: %v", r.id, err)
		}
	}
	return res
}
