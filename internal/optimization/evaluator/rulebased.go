package evaluator

import (
	"context"
	"fmt"
	"regexp"

	"evoopt/internal/optimization"
)

// Rule is one pattern check of a RuleBasedEvaluator.
type Rule struct {
	Name     string  `json:"name" yaml:"name" validate:"required"`
	Pattern  string  `json:"pattern" yaml:"pattern" validate:"required"`
	Weight   float64 `json:"weight" yaml:"weight" validate:"gte=0"`
	Required bool    `json:"required" yaml:"required"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

const (
	ruleCostTokens       = 5
	missingRequiredScore = 0.1
)

// RuleBasedEvaluator scores content by weighted regexp rules. Missing any
// required rule pins the score to 0.1. With no rules it behaves like the
// ApproximateEvaluator it wraps.
type RuleBasedEvaluator struct {
	rules    []compiledRule
	fallback *ApproximateEvaluator
	minConf  float64
}

// NewRuleBasedEvaluator compiles rules. A zero weight counts as 1.
func NewRuleBasedEvaluator(rules []Rule, cfg ApproximateConfig) (*RuleBasedEvaluator, error) {
	e := &RuleBasedEvaluator{fallback: NewApproximateEvaluator(cfg), minConf: cfg.MinConfidence}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, &optimization.ConfigError{Field: "rules." + r.Name, Reason: err.Error()}
		}
		if r.Weight == 0 {
			r.Weight = 1
		}
		if r.Name == "" {
			r.Name = "unnamed"
		}
		e.rules = append(e.rules, compiledRule{Rule: r, re: re})
	}
	return e, nil
}

// Evaluate implements optimization.Evaluator.
func (e *RuleBasedEvaluator) Evaluate(ctx context.Context, c *optimization.Candidate, rc *optimization.RunContext) (optimization.EvaluationResult, error) {
	if len(e.rules) == 0 {
		return e.fallback.Evaluate(ctx, c, rc)
	}

	var got, total float64
	var missing []string
	for _, r := range e.rules {
		total += r.Weight
		if r.re.MatchString(c.Content) {
			got += r.Weight
		} else if r.Required {
			missing = append(missing, r.Name)
		}
	}

	score := got / total
	detail := optimization.JudgeDetail{Phase: optimization.PhaseApprox, Rationale: "all required rules satisfied"}
	if len(missing) > 0 {
		score = missingRequiredScore
		for _, name := range missing {
			detail.ErrorTypes = append(detail.ErrorTypes, "missing_required_"+name)
		}
		detail.Rationale = fmt.Sprintf("missing required rules: %v", missing)
	}
	return optimization.EvaluationResult{
		Score:      score,
		CostTokens: ruleCostTokens,
		Detail:     detail,
		Metadata: map[string]interface{}{
			"evaluator":       "rule_based",
			"is_promising":    score >= e.minConf,
			"failed_required": missing,
		},
	}, nil
}
