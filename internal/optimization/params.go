package optimization

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"evoopt/internal/safety"
)

// Params is the caller-supplied context for one run.
type Params struct {
	CaseID          string            `json:"case_id,omitempty"`
	Target          float64           `json:"target,omitempty" validate:"gte=0,lte=1"`
	Question        string            `json:"question,omitempty"`
	Expected        string            `json:"expected,omitempty"` // raw; redacted before any component sees it
	Actual          string            `json:"actual,omitempty"`
	AnalysisContent string            `json:"analysis_content,omitempty"`
	Knowledge       string            `json:"knowledge,omitempty"`
	AgentPath       string            `json:"agent_path,omitempty"`
	InitialInjects  []string          `json:"initial_injects,omitempty"`
	ErrorTypes      []string          `json:"error_types,omitempty"`
	MaxIterations   int               `json:"max_iterations,omitempty" validate:"gte=0"`
	Timeout         time.Duration     `json:"timeout,omitempty" validate:"gte=0"`
	LearningRate    float64           `json:"learning_rate,omitempty" validate:"gte=0,lte=1"`
	Momentum        float64           `json:"momentum,omitempty" validate:"gte=0,lt=1"`
	SafetyCheck     *bool             `json:"safety_check,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// SafetyEnabled reports the forbidden-pattern toggle (default on).
func (p Params) SafetyEnabled() bool {
	return p.SafetyCheck == nil || *p.SafetyCheck
}

// RunContext is the view of Params that generators and evaluators receive.
// It carries the redacted expected answer only.
type RunContext struct {
	CaseID           string
	Target           float64
	Question         string
	ExpectedRedacted string
	Actual           string
	AnalysisContent  string
	Knowledge        string
	AgentPath        string
	InitialInjects   []string
	ErrorTypes       []string
	Timeout          time.Duration
	LearningRate     float64
	Momentum         float64
	Extra            map[string]string

	Budget Budget
	// Round is the 1-based round being generated or evaluated.
	Round int

	guard  *safety.Guard
	screen *safety.Screen
}

// NewRunContext redacts p and builds the component-facing context.
func NewRunContext(p Params, budget Budget) *RunContext {
	red := safety.Redact(p.Expected)
	rc := &RunContext{
		CaseID:           p.CaseID,
		Target:           p.Target,
		Question:         p.Question,
		ExpectedRedacted: red.Text,
		Actual:           p.Actual,
		AnalysisContent:  p.AnalysisContent,
		Knowledge:        p.Knowledge,
		AgentPath:        p.AgentPath,
		InitialInjects:   p.InitialInjects,
		ErrorTypes:       p.ErrorTypes,
		Timeout:          p.Timeout,
		LearningRate:     p.LearningRate,
		Momentum:         p.Momentum,
		Extra:            p.Extra,
		Budget:           budget,
		Round:            1,
		guard:            red.Guard(),
	}
	if p.SafetyEnabled() {
		rc.screen = safety.MustScreen(nil)
	}
	return rc
}

// WithScreen replaces the forbidden-pattern screen. A nil screen disables it.
func (rc *RunContext) WithScreen(s *safety.Screen) *RunContext {
	rc.screen = s
	return rc
}

// CheckContent rejects content that echoes a redacted literal or matches a
// forbidden pattern.
func (rc *RunContext) CheckContent(content string) error {
	if rc == nil {
		return nil
	}
	if err := rc.guard.Check(content); err != nil {
		return &ValidationError{Rule: "answer_leak", Err: err}
	}
	if err := rc.screen.Check(content); err != nil {
		return &ValidationError{Rule: "forbidden_pattern", Err: err}
	}
	return nil
}

// RemainingRounds returns how many rounds are left after the current one,
// or -1 when iterations are unbounded.
func (rc *RunContext) RemainingRounds() int {
	if rc.Budget.MaxIters == 0 {
		return -1
	}
	left := rc.Budget.MaxIters - rc.Round
	if left < 0 {
		return 0
	}
	return left
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateBudget rejects negative or fully unbounded budgets.
func ValidateBudget(b Budget) error {
	if err := validate.Struct(b); err != nil {
		return &ConfigError{Field: "budget", Reason: err.Error()}
	}
	if b.Unbounded() {
		return configErr("budget", "at least one of max_iters, max_duration, max_tokens, max_cost must be set")
	}
	return nil
}

// ValidateParams rejects out-of-range tuning values.
func ValidateParams(p Params) error {
	if err := validate.Struct(p); err != nil {
		return &ConfigError{Field: "params", Reason: err.Error()}
	}
	return nil
}

// EffectiveBudget folds Params.MaxIterations into b.
func EffectiveBudget(b Budget, p Params) Budget {
	if p.MaxIterations > 0 && (b.MaxIters == 0 || p.MaxIterations < b.MaxIters) {
		b.MaxIters = p.MaxIterations
	}
	return b
}

func (b Budget) String() string {
	return fmt.Sprintf("iters=%d duration=%s tokens=%d cost=%.4f", b.MaxIters, b.MaxDuration, b.MaxTokens, b.MaxCost)
}
