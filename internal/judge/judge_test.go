package judge

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evoopt/internal/optimization"
	"evoopt/internal/tactile"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   *optimization.Verdict
	}{
		{
			name:   "bare object",
			output: `{"score": 0.4, "error_types": ["Logic Error", "logic_error"], "action_vector": ["recheck sums"]}`,
			want: &optimization.Verdict{
				Score:        0.4,
				ErrorTypes:   []string{"logic_error"},
				ActionVector: []string{"recheck sums"},
			},
		},
		{
			name:   "fenced block with prose",
			output: "Here you go:\n```json\n{\"score\": 1, \"correct\": true, \"rationale\": \"fine\"}\n```\nDone.",
			want: &optimization.Verdict{
				Score:        1,
				ActionVector: []string{},
				Rationale:    "fine",
			},
		},
		{
			name:   "embedded with braces in strings",
			output: `log line {"score": 0.2, "rationale": "used {x} wrongly", "missing_constraints": ["cite the table"], "candidate_injects": ["Read the table first."], "tokens_used": 812}` + " trailer }",
			want: &optimization.Verdict{
				Score:            0.2,
				ActionVector:     []string{"cite the table"},
				CandidateInjects: []string{"Read the table first."},
				Rationale:        "used {x} wrongly",
				TokensUsed:       812,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerdict(tt.output)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseVerdict() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseVerdictErrors(t *testing.T) {
	for name, output := range map[string]string{
		"no json":  "the agent did fine",
		"no score": `{"correct": true}`,
		"invalid":  "```json\n{\"score\": }\n```",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseVerdict(output)
			assert.ErrorIs(t, err, optimization.ErrJudge)
		})
	}
}

type fakeLLM struct {
	system, user string
	response     string
	err          error
	deadline     bool
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteWithSystem(ctx, "", prompt)
}

func (f *fakeLLM) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	f.system, f.user = system, user
	_, f.deadline = ctx.Deadline()
	return f.response, f.err
}

func TestLLMJudge(t *testing.T) {
	llm := &fakeLLM{response: `{"score": 0.6, "candidate_injects": ["Check units."]}`}
	j := NewLLMJudge(llm, "test-model", time.Minute)

	v, err := j.Judge(context.Background(), optimization.JudgeRequest{
		Question:         "What is the total?",
		ExpectedRedacted: "The total is [NUM]",
		Actual:           "About 1000",
		CandidateContent: "Sum every row.",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, v.Score, 1e-9)
	assert.Equal(t, []string{"Check units."}, v.CandidateInjects)

	assert.Equal(t, judgeSystemPrompt, llm.system)
	assert.Contains(t, llm.user, "## Expected Answer (redacted)\nThe total is [NUM]")
	assert.Contains(t, llm.user, "## Candidate Instruction\nSum every row.")
	assert.NotContains(t, llm.user, "Domain Knowledge", "empty sections are omitted")
	assert.True(t, llm.deadline)
}

func TestLLMJudgeFailures(t *testing.T) {
	_, err := NewLLMJudge(&fakeLLM{err: errors.New("quota")}, "", 0).Judge(context.Background(), optimization.JudgeRequest{})
	assert.ErrorIs(t, err, optimization.ErrJudge)

	_, err = NewLLMJudge(&fakeLLM{response: "I refuse"}, "", 0).Judge(context.Background(), optimization.JudgeRequest{})
	assert.ErrorIs(t, err, optimization.ErrJudge)

	_, err = NewLLMJudge(nil, "", 0).Judge(context.Background(), optimization.JudgeRequest{})
	assert.ErrorIs(t, err, optimization.ErrJudge)
}

func TestBuildPromptTruncates(t *testing.T) {
	long := make([]byte, maxSectionBytes+100)
	for i := range long {
		long[i] = 'x'
	}
	p := BuildPrompt(optimization.JudgeRequest{Actual: string(long)})
	assert.Contains(t, p, "...")
	assert.Less(t, len(p), maxSectionBytes+50)
}

type fakeExecutor struct {
	cmd tactile.Command
	res *tactile.ExecutionResult
	err error
}

func (f *fakeExecutor) Execute(_ context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	f.cmd = cmd
	return f.res, f.err
}

func (f *fakeExecutor) Validate(tactile.Command) error { return nil }

func TestCommandJudge(t *testing.T) {
	exe := &fakeExecutor{res: &tactile.ExecutionResult{Success: true, Stdout: `{"score": 0.9}`}}
	j, err := NewCommandJudge(exe, CommandConfig{Binary: "judge", Args: []string{"eval", "--case={case_id}"}, Timeout: 5 * time.Second})
	require.NoError(t, err)

	req := optimization.JudgeRequest{CaseID: "c7", Actual: "42", ExpectedRedacted: "[NUM]"}
	v, err := j.Judge(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, v.Score, 1e-9)

	assert.Equal(t, []string{"eval", "--case=c7"}, exe.cmd.Arguments)
	assert.Equal(t, int64(5000), exe.cmd.Limits.TimeoutMs)
	var sent optimization.JudgeRequest
	require.NoError(t, json.Unmarshal([]byte(exe.cmd.Stdin), &sent))
	assert.Equal(t, req, sent)
}

func TestCommandJudgeFailures(t *testing.T) {
	tests := []struct {
		name string
		res  *tactile.ExecutionResult
		err  error
	}{
		{"executor error", nil, errors.New("no such binary")},
		{"infrastructure", &tactile.ExecutionResult{Success: false, Error: "fork failed"}, nil},
		{"timeout", &tactile.ExecutionResult{Success: true, ExitCode: -1, TimedOut: true, Killed: true}, nil},
		{"exit code", &tactile.ExecutionResult{Success: true, ExitCode: 2, Stderr: "boom"}, nil},
		{"garbage", &tactile.ExecutionResult{Success: true, Stdout: "ok"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := NewCommandJudge(&fakeExecutor{res: tt.res, err: tt.err}, CommandConfig{Binary: "judge"})
			require.NoError(t, err)
			_, err = j.Judge(context.Background(), optimization.JudgeRequest{})
			assert.ErrorIs(t, err, optimization.ErrJudge)
		})
	}
}

func TestNewCommandJudgeValidation(t *testing.T) {
	_, err := NewCommandJudge(nil, CommandConfig{Binary: "judge"})
	assert.ErrorIs(t, err, optimization.ErrConfiguration)
	_, err = NewCommandJudge(&fakeExecutor{}, CommandConfig{})
	assert.ErrorIs(t, err, optimization.ErrConfiguration)
}

func TestCommandJudgeRealProcess(t *testing.T) {
	echo, err := exec.LookPath("echo")
	if err != nil {
		t.Skip("echo not available")
	}
	j, err := NewCommandJudge(tactile.NewDirectExecutor(), CommandConfig{
		Binary:  echo,
		Args:    []string{`{"score": 0.75, "error_types": ["wrong_format"]}`},
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)

	v, err := j.Judge(context.Background(), optimization.JudgeRequest{CaseID: "c1"})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, v.Score, 1e-9)
	assert.Equal(t, []string{"wrong_format"}, v.ErrorTypes)
}
