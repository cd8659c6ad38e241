package generator

import (
	"context"
	"strings"

	"evoopt/internal/logging"
	"evoopt/internal/optimization"
)

// DefaultInjects seed a run when the judge suggested nothing.
var DefaultInjects = []string{
	"Analyze the question carefully and double-check the final result.",
	"Validate the data and check boundary conditions.",
	"Reason step by step and keep the logic rigorous.",
}

// SimInjectConfig tunes SimInjectGenerator.
type SimInjectConfig struct {
	InjectVar    string  `json:"inject_var" yaml:"inject_var"`
	InitialSize  int     `json:"initial_size" yaml:"initial_size" validate:"gte=1"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate" validate:"gte=0,lte=1"`
	Momentum     float64 `json:"momentum" yaml:"momentum" validate:"gte=0,lt=1"`
	// Seeds replace DefaultInjects when the run supplies no initial injects.
	Seeds []string `json:"seeds,omitempty" yaml:"seeds"`
}

// DefaultSimInjectConfig returns the standard settings.
func DefaultSimInjectConfig() SimInjectConfig {
	return SimInjectConfig{InjectVar: "$injects", InitialSize: 3, LearningRate: 0.5, Momentum: 0.9}
}

// SimInjectGenerator evolves runtime injects for a fixed agent, executed in
// variable mode. Lineage state travels in candidate metadata.
type SimInjectGenerator struct {
	cfg SimInjectConfig
}

// NewSimInjectGenerator creates a SimInjectGenerator.
func NewSimInjectGenerator(cfg SimInjectConfig) *SimInjectGenerator {
	def := DefaultSimInjectConfig()
	if cfg.InjectVar == "" {
		cfg.InjectVar = def.InjectVar
	}
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = def.InitialSize
	}
	return &SimInjectGenerator{cfg: cfg}
}

// Initialize seeds the population from RunContext.InitialInjects, falling
// back to the configured seeds and then DefaultInjects. target is the agent
// path when RunContext.AgentPath is empty.
func (g *SimInjectGenerator) Initialize(_ context.Context, target string, rc *optimization.RunContext) ([]*optimization.Candidate, error) {
	agent := rc.AgentPath
	if agent == "" {
		agent = target
	}
	ec, err := optimization.NewVariableContext(agent, g.cfg.InjectVar)
	if err != nil {
		return nil, err
	}

	seeds := rc.InitialInjects
	if len(seeds) == 0 {
		seeds = g.cfg.Seeds
	}
	if len(seeds) == 0 {
		seeds = DefaultInjects
	}
	var out []*optimization.Candidate
	for _, s := range seeds {
		if len(out) == g.cfg.InitialSize {
			break
		}
		s = strings.TrimSpace(s)
		if !g.acceptable(ec, s, rc) {
			continue
		}
		c := optimization.NewCandidate(s, ec)
		c.Metadata[MetaStrategy] = "initial"
		c.Metadata["inject_var"] = g.cfg.InjectVar
		c.Metadata[MetaHistory] = []string{}
		out = append(out, c)
	}
	logging.Generator("sim-inject: %d initial candidate(s) for %s", len(out), agent)
	return out, nil
}

// Evolve builds children of the best survivor from the aggregated inject
// votes of all survivors, or from its action directives when no inject was
// suggested. Suggestions repeating already-tried content are skipped. An
// empty result means the search is exhausted.
func (g *SimInjectGenerator) Evolve(_ context.Context, selected []*optimization.Candidate, evals []optimization.EvaluationResult, rc *optimization.RunContext) ([]*optimization.Candidate, error) {
	if len(selected) == 0 || len(evals) == 0 {
		return nil, nil
	}
	bi := best(evals)
	parent, parentEval := selected[bi], evals[bi]

	var tried []string
	for _, c := range selected {
		tried = append(tried, c.MetaStrings(MetaHistory)...)
		tried = append(tried, c.Content)
	}

	lr, momentum := g.cfg.LearningRate, g.cfg.Momentum
	if rc.LearningRate > 0 {
		lr = rc.LearningRate
	}
	if rc.Momentum > 0 {
		momentum = rc.Momentum
	}
	prevVelocity := -1.0
	if v, ok := parent.MetaFloat(MetaVelocity); ok {
		prevVelocity = v
	}
	velocity := Velocity(prevVelocity, parentEval.Score, momentum)
	effLR := EffectiveLearningRate(lr, momentum, prevVelocity, parentEval.Score)

	var contents, moves []string
	strategy := "semantic_gradient"
	var suggestions []Suggestion
	for _, s := range AggregateInjects(selected, evals, tried) {
		if s.Penalty > penaltyExact {
			suggestions = append(suggestions, s)
		}
	}
	if len(suggestions) > g.cfg.InitialSize {
		suggestions = suggestions[:g.cfg.InitialSize]
	}
	explore := ExploreCount(len(suggestions), effLR)
	for i, s := range suggestions {
		if i < explore {
			contents = append(contents, s.Text)
			moves = append(moves, MoveExplore)
		} else {
			contents = append(contents, parent.Content+"\n"+s.Text)
			moves = append(moves, MoveExploit)
		}
	}
	if len(contents) == 0 {
		if directives := ActionDirectives(parentEval); len(directives) > 0 {
			strategy = "action_vector"
			contents = append(contents, parent.Content+"\n\n"+strings.Join(directives, "\n"))
			moves = append(moves, MoveExploit)
		}
	}

	history := lineage(parent.MetaStrings(MetaHistory), parent.Content)
	seen := make(map[string]bool)
	var out []*optimization.Candidate
	for i, content := range contents {
		key := normalize(content)
		if seen[key] || HistoryPenalty(content, tried) <= penaltyExact {
			continue
		}
		seen[key] = true
		if !g.acceptable(parent.Context, content, rc) {
			continue
		}
		child := parent.Child(content)
		child.Metadata[MetaStrategy] = strategy
		child.Metadata["inject_var"] = g.cfg.InjectVar
		child.Metadata[MetaParentScore] = parentEval.Score
		child.Metadata[MetaHistory] = history
		child.Metadata[MetaVelocity] = velocity
		child.Metadata[MetaLearningRate] = effLR
		child.Metadata[MetaMove] = moves[i]
		out = append(out, child)
	}
	logging.GeneratorDebug("sim-inject: %d child(ren) of %s (lr=%.2f velocity=%.3f, %d suggestion(s))",
		len(out), parent.ID, effLR, velocity, len(suggestions))
	return out, nil
}

func (g *SimInjectGenerator) acceptable(ec optimization.ExecutionContext, content string, rc *optimization.RunContext) bool {
	if err := optimization.ValidateContent(ec, content); err != nil {
		logging.GeneratorDebug("sim-inject: dropped inject: %v", err)
		return false
	}
	if err := rc.CheckContent(content); err != nil {
		logging.GeneratorWarn("sim-inject: dropped inject: %v", err)
		return false
	}
	return true
}
