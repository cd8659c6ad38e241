package judge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"evoopt/internal/logging"
	"evoopt/internal/optimization"
)

// LLMClient is the interface for LLM interactions.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const maxSectionBytes = 4000

// LLMJudge asks a language model for a semantic verdict.
type LLMJudge struct {
	client  LLMClient
	model   string
	timeout time.Duration
}

// NewLLMJudge creates a judge over client. model is used for attribution
// in logs only.
func NewLLMJudge(client LLMClient, model string, timeout time.Duration) *LLMJudge {
	if model == "" {
		model = "unknown"
	}
	return &LLMJudge{client: client, model: model, timeout: timeout}
}

// Judge implements optimization.Judge.
func (j *LLMJudge) Judge(ctx context.Context, req optimization.JudgeRequest) (*optimization.Verdict, error) {
	if j.client == nil {
		return nil, fmt.Errorf("%w: no LLM client configured", optimization.ErrJudge)
	}
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	timer := logging.StartTimer(logging.CategoryJudge, "LLMJudge.Judge")
	response, err := j.client.CompleteWithSystem(ctx, judgeSystemPrompt, BuildPrompt(req))
	timer.Stop()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", optimization.ErrJudge, j.model, err)
	}

	v, err := ParseVerdict(response)
	if err != nil {
		logging.JudgeWarn("unparseable verdict from %s: %v", j.model, err)
		return nil, err
	}
	logging.JudgeDebug("%s scored case %q: %.2f (%v)", j.model, req.CaseID, v.Score, v.ErrorTypes)
	return v, nil
}

// BuildPrompt renders a judge request as the user prompt. Only the
// redacted expected answer is ever included.
func BuildPrompt(req optimization.JudgeRequest) string {
	var sb strings.Builder
	section := func(title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		sb.WriteString("## ")
		sb.WriteString(title)
		sb.WriteString("\n")
		sb.WriteString(truncate(body, maxSectionBytes))
		sb.WriteString("\n\n")
	}

	section("Question", req.Question)
	section("Expected Answer (redacted)", req.ExpectedRedacted)
	section("Actual Output", req.Actual)
	section("Candidate Instruction", req.CandidateContent)
	section("Failure Analysis", req.AnalysisContent)
	section("Domain Knowledge", req.Knowledge)
	return strings.TrimSpace(sb.String())
}

var judgeSystemPrompt = `You are a semantic judge for an agent optimization loop. Compare the agent's actual output with the redacted expected answer and diagnose what went wrong.

Redacted values appear as [NUM], [PCT] and [ENTITY]. Never guess them and never state the final answer.

Error types:
- logic_error: wrong reasoning or calculation
- tool_misuse: wrong tool or wrong tool arguments
- missing_info: required data was not gathered
- wrong_format: the answer has the wrong shape
- insufficient_context: the agent lacked context it should have used

Output JSON only:
{
  "score": 0.0 to 1.0,
  "correct": true or false,
  "error_types": ["..."],
  "missing_constraints": ["..."],
  "action_vector": ["short imperative fixes"],
  "candidate_injects": ["instructions to add to the agent's context"],
  "rationale": "1-2 sentences"
}

candidate_injects must be general guidance that would help on similar questions. They must not contain the answer.`
