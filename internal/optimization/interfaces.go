package optimization

import (
	"context"
	"time"
)

// =============================================================================
// ROLES
// =============================================================================

// Generator proposes candidates.
type Generator interface {
	// Initialize builds the first population for target.
	Initialize(ctx context.Context, target string, rc *RunContext) ([]*Candidate, error)
	// Evolve builds the next population from the selected survivors only.
	// evaluations is index-aligned with selected.
	Evolve(ctx context.Context, selected []*Candidate, evaluations []EvaluationResult, rc *RunContext) ([]*Candidate, error)
}

// Evaluator scores one candidate. Implementations should convert their own
// failures into WorstCase results; any returned error is converted by the
// engine.
type Evaluator interface {
	Evaluate(ctx context.Context, c *Candidate, rc *RunContext) (EvaluationResult, error)
}

// BatchEvaluator is implemented by evaluators that score a population as a
// whole. The returned slice must be index-aligned with candidates.
type BatchEvaluator interface {
	Evaluator
	BatchEvaluate(ctx context.Context, candidates []*Candidate, rc *RunContext) ([]EvaluationResult, error)
}

// Selector keeps a subset of a scored population.
type Selector interface {
	Select(candidates []*Candidate, evaluations []EvaluationResult) ([]*Candidate, error)
}

// Controller decides after each round whether to stop. round is 1-based and
// equals len(history).
type Controller interface {
	ShouldStop(round int, history []RoundSummary, budget Budget) (bool, string)
}

// =============================================================================
// EXTERNAL CAPABILITIES
// =============================================================================

// JudgeRequest is what a semantic judge sees. It never carries the
// unredacted expected answer.
type JudgeRequest struct {
	CaseID           string `json:"case_id,omitempty"`
	Question         string `json:"question,omitempty"`
	Actual           string `json:"actual"`
	ExpectedRedacted string `json:"expected_redacted"`
	Knowledge        string `json:"knowledge,omitempty"`
	CandidateContent string `json:"candidate"`
	AnalysisContent  string `json:"analysis,omitempty"`
}

// Verdict is a semantic judge's answer.
type Verdict struct {
	Score            float64  `json:"score"`
	ErrorTypes       []string `json:"error_types,omitempty"`
	ActionVector     []string `json:"action_vector,omitempty"`
	CandidateInjects []string `json:"candidate_injects,omitempty"`
	Rationale        string   `json:"rationale,omitempty"`
	TokensUsed       int      `json:"tokens_used,omitempty"`
	CostUSD          float64  `json:"cost_usd,omitempty"`
}

// Judge is the semantic judging capability.
type Judge interface {
	Judge(ctx context.Context, req JudgeRequest) (*Verdict, error)
}

// RunRequest asks the target to execute one materialized candidate.
type RunRequest struct {
	Mode      ExecutionMode
	BasePath  string
	Variable  string
	Value     string
	Variables map[string]string
	FilePath  string
	Source    string
	CaseID    string
	Timeout   time.Duration
}

// RunOutput is what the target produced.
type RunOutput struct {
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
	TimedOut   bool          `json:"timed_out"`
	Killed     bool          `json:"killed"`
	KillReason string        `json:"kill_reason,omitempty"`
}

// Succeeded reports a clean exit.
func (o *RunOutput) Succeeded() bool {
	return o != nil && o.ExitCode == 0 && !o.TimedOut && !o.Killed
}

// TargetRunner is the target execution capability.
type TargetRunner interface {
	Run(ctx context.Context, req RunRequest) (*RunOutput, error)
}

// OutputJudge scores the raw output of an executed candidate.
type OutputJudge interface {
	ScoreOutput(ctx context.Context, c *Candidate, out *RunOutput, rc *RunContext) (EvaluationResult, error)
}

// =============================================================================
// HISTORY
// =============================================================================

// RunInfo identifies a run to a Recorder.
type RunInfo struct {
	RunID      string
	CaseID     string
	StartedAt  time.Time
	Budget     Budget
	Components Components
}

// Recorder persists run history. Recorder errors are logged, never fatal.
type Recorder interface {
	BeginRun(ctx context.Context, info RunInfo) error
	RecordRound(ctx context.Context, runID string, summary RoundSummary) error
	FinishRun(ctx context.Context, runID string, result *Result) error
}
