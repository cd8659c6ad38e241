// Package optimization implements a generic Generate -> Evaluate -> Select ->
// Iterate engine that improves a textual artifact against a semantic judge
// under a bounded budget. Roles are pluggable; concrete implementations live
// in the evaluator, generator, selector and controller subpackages.
package optimization

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EXECUTION CONTEXT
// =============================================================================

// ExecutionMode selects how a candidate is materialized for execution.
type ExecutionMode string

const (
	ModeVariable      ExecutionMode = "variable"       // substitute a named variable of a base artifact
	ModeTempFile      ExecutionMode = "temp_file"      // write a standalone file and run it
	ModeMemoryOverlay ExecutionMode = "memory_overlay" // patch the base artifact in memory
)

// CleanupPolicy decides whether temp files survive their evaluation.
type CleanupPolicy string

const (
	CleanupAuto        CleanupPolicy = "auto"        // always delete
	CleanupKeep        CleanupPolicy = "keep"        // never delete
	CleanupConditional CleanupPolicy = "conditional" // delete on success, keep failures
)

// DefaultFileTemplate names temp files; {timestamp} and {id} are expanded.
const DefaultFileTemplate = "candidate_{timestamp}_{id}.dph"

// ContentPatch is one find/replace applied to the base artifact in
// memory_overlay mode. {content} in Replace expands to the candidate content.
type ContentPatch struct {
	Find    string `json:"find" yaml:"find"`
	Replace string `json:"replace" yaml:"replace"`
}

// ExecutionContext describes how to run a candidate. Treat it as immutable:
// the With* methods return modified copies.
type ExecutionContext struct {
	Mode ExecutionMode `json:"mode"`

	// variable and memory_overlay
	BasePath     string            `json:"base_path,omitempty"`
	VariableName string            `json:"variable_name,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`

	// temp_file
	WorkingDir   string        `json:"working_dir,omitempty"`
	FileTemplate string        `json:"file_template,omitempty"`
	Cleanup      CleanupPolicy `json:"cleanup,omitempty"`

	// memory_overlay
	Patches []ContentPatch `json:"patches,omitempty"`
}

// WithVariables returns a copy carrying additional fixed variables.
func (ec ExecutionContext) WithVariables(vars map[string]string) ExecutionContext {
	merged := make(map[string]string, len(ec.Variables)+len(vars))
	for k, v := range ec.Variables {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	ec.Variables = merged
	return ec
}

// WithCleanup returns a copy with a different cleanup policy.
func (ec ExecutionContext) WithCleanup(policy CleanupPolicy) ExecutionContext {
	ec.Cleanup = policy
	return ec
}

// =============================================================================
// CANDIDATES AND BUDGET
// =============================================================================

// Candidate is one proposed artifact.
type Candidate struct {
	ID       string                 `json:"id"`
	ParentID string                 `json:"parent_id,omitempty"`
	Content  string                 `json:"content"`
	Context  ExecutionContext       `json:"context"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewCandidate creates a candidate with a fresh id.
func NewCandidate(content string, ec ExecutionContext) *Candidate {
	return &Candidate{
		ID:       uuid.NewString(),
		Content:  content,
		Context:  ec,
		Metadata: make(map[string]interface{}),
	}
}

// Child creates a candidate descending from c.
func (c *Candidate) Child(content string) *Candidate {
	child := NewCandidate(content, c.Context)
	child.ParentID = c.ID
	return child
}

// MetaString returns a string metadata value or "".
func (c *Candidate) MetaString(key string) string {
	if c == nil || c.Metadata == nil {
		return ""
	}
	s, _ := c.Metadata[key].(string)
	return s
}

// MetaFloat returns a float metadata value and whether it was present.
func (c *Candidate) MetaFloat(key string) (float64, bool) {
	if c == nil || c.Metadata == nil {
		return 0, false
	}
	switch v := c.Metadata[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// MetaStrings returns a []string metadata value or nil.
func (c *Candidate) MetaStrings(key string) []string {
	if c == nil || c.Metadata == nil {
		return nil
	}
	s, _ := c.Metadata[key].([]string)
	return s
}

// Budget bounds one optimization run. Zero means unlimited on that axis.
type Budget struct {
	MaxIters    int           `json:"max_iters" validate:"gte=0"`
	MaxDuration time.Duration `json:"max_duration" validate:"gte=0"`
	MaxTokens   int           `json:"max_tokens" validate:"gte=0"`
	MaxCost     float64       `json:"max_cost" validate:"gte=0"`
}

// Unbounded reports whether no axis is limited.
func (b Budget) Unbounded() bool {
	return b.MaxIters == 0 && b.MaxDuration == 0 && b.MaxTokens == 0 && b.MaxCost == 0
}

// =============================================================================
// EVALUATION
// =============================================================================

// Phase marks which evaluator produced a result.
type Phase string

const (
	PhaseApprox Phase = "approx"
	PhaseExact  Phase = "exact"
)

// WorstScore is the floor score assigned to failed candidates.
const WorstScore = 0.0

// JudgeDetail is the structured feedback attached to a score.
type JudgeDetail struct {
	ErrorTypes       []string `json:"error_types,omitempty"`
	ActionVector     []string `json:"action_vector,omitempty"`
	CandidateInjects []string `json:"candidate_injects,omitempty"`
	Rationale        string   `json:"rationale,omitempty"`
	Phase            Phase    `json:"phase,omitempty"`
}

// EvaluationResult scores one candidate.
type EvaluationResult struct {
	Score      float64                `json:"score"`
	CostTokens int                    `json:"cost_tokens"`
	CostUSD    float64                `json:"cost_usd"`
	Variance   *float64               `json:"variance,omitempty"`
	Confidence *float64               `json:"confidence,omitempty"`
	Detail     JudgeDetail            `json:"detail"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Failure kinds recorded in EvaluationResult.Metadata["failure"].
const (
	FailureTimeout    = "timeout"
	FailureExit       = "nonzero_exit"
	FailureExecution  = "execution"
	FailureValidation = "validation"
	FailureJudge      = "judge"
	FailurePanic      = "panic"
)

// WorstCase builds the result for a candidate that could not be scored.
func WorstCase(kind string, err error) EvaluationResult {
	meta := map[string]interface{}{"failure": kind}
	if err != nil {
		meta["error"] = err.Error()
	}
	return EvaluationResult{Score: WorstScore, Metadata: meta}
}

// Failed reports whether the result is a converted failure.
func (r EvaluationResult) Failed() bool {
	_, ok := r.Metadata["failure"]
	return ok
}

// =============================================================================
// RESULTS
// =============================================================================

// RoundSummary records one completed round.
type RoundSummary struct {
	Round          int           `json:"round"`
	PopulationSize int           `json:"population_size"`
	CandidateIDs   []string      `json:"candidate_ids"`
	Scores         []float64     `json:"scores"`
	SelectedIDs    []string      `json:"selected_ids"`
	BestScore      float64       `json:"best_score"`
	AvgScore       float64       `json:"avg_score"`
	CostTokens     int           `json:"cost_tokens"`
	CostUSD        float64       `json:"cost_usd"`
	Elapsed        time.Duration `json:"elapsed"`
	SinceStart     time.Duration `json:"since_start"`
	Failures       int           `json:"failures"`
	Rejected       int           `json:"rejected"`
}

// Metrics aggregates a whole run.
type Metrics struct {
	TotalRounds      int           `json:"total_rounds"`
	TotalCandidates  int           `json:"total_candidates"`
	TotalCostTokens  int           `json:"total_cost_tokens"`
	TotalCostUSD     float64       `json:"total_cost_usd"`
	ScoreImprovement float64       `json:"score_improvement"`
	Elapsed          time.Duration `json:"elapsed"`
	Failures         int           `json:"failures"`
	Rejected         int           `json:"rejected"`
	StopReason       string        `json:"stop_reason"`
}

// Components names the concrete role implementations used.
type Components struct {
	Generator  string `json:"generator"`
	Evaluator  string `json:"evaluator"`
	Selector   string `json:"selector"`
	Controller string `json:"controller"`
}

// Result is the outcome of one Optimize call.
type Result struct {
	RunID         string         `json:"run_id"`
	BestCandidate *Candidate     `json:"best_candidate,omitempty"`
	BestScore     float64        `json:"best_score"`
	History       []RoundSummary `json:"history"`
	Metrics       Metrics        `json:"metrics"`
	Components    Components     `json:"components"`
}
