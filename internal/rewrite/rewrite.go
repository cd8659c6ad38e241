// Package rewrite adapts external generators to generator.VariantSource so
// prompt sections can be rewritten by an LLM or by a command.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"evoopt/internal/judge"
	"evoopt/internal/logging"
	"evoopt/internal/optimization/generator"
)

// ErrEmptyRewrite is returned when the source produced no usable text.
var ErrEmptyRewrite = errors.New("rewriter returned no content")

// response is the structured form a rewriter may answer with.
type response struct {
	Section string `yaml:"section"`
	Notes   string `yaml:"notes,omitempty"`
}

// ParseResponse extracts the rewritten section from rewriter output. A
// fenced code block is unwrapped; a YAML mapping with a "section" key is
// decoded; anything else is taken verbatim.
func ParseResponse(out string) (string, error) {
	text := strings.TrimSpace(unfence(out))
	if strings.HasPrefix(text, "section:") {
		var r response
		if err := yaml.Unmarshal([]byte(text), &r); err != nil {
			return "", fmt.Errorf("decode rewrite response: %w", err)
		}
		text = strings.TrimSpace(r.Section)
	}
	if text == "" {
		return "", ErrEmptyRewrite
	}
	return text, nil
}

func unfence(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return s
	}
	rest := s[start+3:]
	nl := strings.Index(rest, "\n")
	if nl == -1 {
		return s
	}
	rest = rest[nl+1:]
	end := strings.LastIndex(rest, "```")
	if end == -1 {
		return s
	}
	return rest[:end]
}

// LLMRewriter asks a language model to rewrite a section.
type LLMRewriter struct {
	client  judge.LLMClient
	timeout time.Duration
}

// NewLLMRewriter creates a rewriter over client.
func NewLLMRewriter(client judge.LLMClient, timeout time.Duration) *LLMRewriter {
	return &LLMRewriter{client: client, timeout: timeout}
}

// Rewrite implements generator.VariantSource.
func (r *LLMRewriter) Rewrite(ctx context.Context, req generator.RewriteRequest) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("no LLM client configured")
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	out, err := r.client.CompleteWithSystem(ctx, rewriteSystemPrompt, BuildPrompt(req))
	if err != nil {
		return "", fmt.Errorf("rewrite %s section: %w", req.SectionName, err)
	}
	text, err := ParseResponse(out)
	if err != nil {
		return "", err
	}
	logging.GeneratorDebug("rewriter returned %d bytes for %q (limit %d)", len(text), req.Direction, req.MaxLength)
	return text, nil
}

// BuildPrompt renders a rewrite request.
func BuildPrompt(req generator.RewriteRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Current %s section\n%s\n\n", req.SectionName, req.Section)
	fmt.Fprintf(&sb, "## Improvement direction\n%s\n\n", req.Direction)
	if len(req.Patterns) > 0 {
		sb.WriteString("## Observed issues\n")
		for _, p := range req.Patterns {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
		sb.WriteString("\n")
	}
	if strings.TrimSpace(req.Knowledge) != "" {
		fmt.Fprintf(&sb, "## Domain knowledge\n%s\n\n", req.Knowledge)
	}
	if req.MaxLength > 0 {
		fmt.Fprintf(&sb, "Keep the rewritten section under %d bytes.\n", req.MaxLength)
	}
	return sb.String()
}

var rewriteSystemPrompt = `You improve the instructions of an AI agent. Rewrite the given section along the improvement direction.

Rules:
- Keep the section's purpose and every tool or variable it references.
- Do not include answers, numbers or names from any specific test case.
- Return only the rewritten section text, optionally inside one fenced block.`
