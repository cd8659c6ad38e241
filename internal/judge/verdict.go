// Package judge adapts external semantic judges to optimization.Judge: an
// LLM behind an LLMClient, or a command that prints a JSON verdict.
package judge

import (
	"encoding/json"
	"fmt"
	"strings"

	"evoopt/internal/optimization"
)

// rawVerdict is the JSON a judge emits. Only score is required.
type rawVerdict struct {
	Score              *float64 `json:"score"`
	Correct            bool     `json:"correct"`
	ErrorTypes         []string `json:"error_types"`
	MissingConstraints []string `json:"missing_constraints"`
	ActionVector       []string `json:"action_vector"`
	CandidateInjects   []string `json:"candidate_injects"`
	Rationale          string   `json:"rationale"`
	TokensUsed         int      `json:"tokens_used"`
	CostUSD            float64  `json:"cost_usd"`
}

// ParseVerdict extracts a verdict from judge output. The JSON may be
// fenced in a ```json block or embedded in surrounding text. Missing
// constraints are folded into the action vector.
func ParseVerdict(output string) (*optimization.Verdict, error) {
	js := extractJSONBlock(output)
	if js == "" {
		js = extractJSONObject(output)
	}
	if js == "" {
		return nil, fmt.Errorf("%w: no JSON object in judge output", optimization.ErrJudge)
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(js), &raw); err != nil {
		return nil, fmt.Errorf("%w: parse verdict: %v", optimization.ErrJudge, err)
	}
	if raw.Score == nil {
		return nil, fmt.Errorf("%w: verdict has no score", optimization.ErrJudge)
	}

	actions := append([]string{}, raw.ActionVector...)
	for _, c := range raw.MissingConstraints {
		if c = strings.TrimSpace(c); c != "" {
			actions = append(actions, c)
		}
	}
	return &optimization.Verdict{
		Score:            *raw.Score,
		ErrorTypes:       normalizeTypes(raw.ErrorTypes),
		ActionVector:     actions,
		CandidateInjects: raw.CandidateInjects,
		Rationale:        raw.Rationale,
		TokensUsed:       raw.TokensUsed,
		CostUSD:          raw.CostUSD,
	}, nil
}

// normalizeTypes lowercases error types and joins words with underscores,
// so "Logic Error" and "LOGIC_ERROR" both become logic_error.
func normalizeTypes(types []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range types {
		t = strings.ToLower(strings.Join(strings.Fields(strings.ReplaceAll(t, "-", " ")), "_"))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// extractJSONBlock returns the body of the first fenced code block.
func extractJSONBlock(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return ""
	}
	rest := s[start+3:]
	nl := strings.Index(rest, "\n")
	if nl == -1 {
		return ""
	}
	rest = rest[nl+1:]
	end := strings.Index(rest, "```")
	if end == -1 {
		return ""
	}
	body := strings.TrimSpace(rest[:end])
	if !strings.HasPrefix(body, "{") {
		return ""
	}
	return body
}

// extractJSONObject returns the first balanced {...} span, skipping braces
// inside strings.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
