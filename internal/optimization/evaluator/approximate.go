package evaluator

import (
	"context"
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"evoopt/internal/optimization"
)

// ApproximateConfig weights the heuristic signals.
type ApproximateConfig struct {
	FormatWeight     float64 `json:"format_weight" yaml:"format_weight"`
	KeywordWeight    float64 `json:"keyword_weight" yaml:"keyword_weight"`
	SimilarityWeight float64 `json:"similarity_weight" yaml:"similarity_weight"`
	// MinConfidence is the score under which a candidate is not promising.
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
}

// DefaultApproximateConfig returns the standard weights.
func DefaultApproximateConfig() ApproximateConfig {
	return ApproximateConfig{
		FormatWeight:     0.3,
		KeywordWeight:    0.3,
		SimilarityWeight: 0.4,
		MinConfidence:    0.3,
	}
}

const (
	approxCostTokens = 10
	neutralSignal    = 0.5
)

var (
	wordPattern        = regexp.MustCompile(`[\p{L}\p{N}_]+`)
	placeholderPattern = regexp.MustCompile(`\[(?:NUM|PCT|ENTITY)\]`)

	optionFormat  = `\b[A-D]\b`
	numberFormat  = `\d+\.?\d*`
	listFormat    = `[，,]`
	optionPattern = regexp.MustCompile(optionFormat)
	numberPattern = regexp.MustCompile(numberFormat)
	listPattern   = regexp.MustCompile(listFormat)

	stopWords = map[string]bool{
		"的": true, "了": true, "和": true, "是": true, "在": true, "有": true,
		"与": true, "等": true, "如": true, "为": true,
		"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
		"were": true, "in": true, "on": true, "at": true,
	}
)

// ApproximateEvaluator scores candidates without running anything: format
// cues, keyword coverage and string similarity against the redacted expected
// answer. It is the cheap first phase of a TwoPhaseEvaluator.
type ApproximateEvaluator struct {
	cfg ApproximateConfig
}

// NewApproximateEvaluator creates an ApproximateEvaluator.
func NewApproximateEvaluator(cfg ApproximateConfig) *ApproximateEvaluator {
	return &ApproximateEvaluator{cfg: cfg}
}

// Evaluate implements optimization.Evaluator.
func (e *ApproximateEvaluator) Evaluate(_ context.Context, c *optimization.Candidate, rc *optimization.RunContext) (optimization.EvaluationResult, error) {
	var expected, question string
	if rc != nil {
		expected, question = rc.ExpectedRedacted, rc.Question
	}
	sig := extractSignals(expected, question)

	format := sig.formatScore(c.Content)
	keyword := sig.keywordScore(c.Content)
	similarity := Similarity(c.Content, stripPlaceholders(expected))

	score := format*e.cfg.FormatWeight + keyword*e.cfg.KeywordWeight + similarity*e.cfg.SimilarityWeight
	promising := score >= e.cfg.MinConfidence

	detail := optimization.JudgeDetail{Phase: optimization.PhaseApprox, Rationale: "heuristic estimate: high confidence"}
	if !promising {
		detail.ErrorTypes = []string{"approximate_low_confidence"}
		detail.Rationale = "heuristic estimate: low confidence"
	}
	return optimization.EvaluationResult{
		Score:      score,
		CostTokens: approxCostTokens,
		Detail:     detail,
		Metadata: map[string]interface{}{
			"evaluator":        "approximate",
			"is_promising":     promising,
			"format_score":     format,
			"keyword_score":    keyword,
			"similarity_score": similarity,
		},
	}, nil
}

type signals struct {
	keywords map[string]bool
	formats  []*regexp.Regexp
}

func extractSignals(expected, question string) signals {
	sig := signals{keywords: make(map[string]bool)}
	text := strings.ToLower(stripPlaceholders(expected) + " " + question)
	for _, w := range wordPattern.FindAllString(text, -1) {
		if len([]rune(w)) > 1 && !stopWords[w] {
			sig.keywords[w] = true
		}
	}

	if optionPattern.MatchString(expected) {
		sig.formats = append(sig.formats, optionPattern)
	}
	// redaction replaced numbers with placeholders
	if numberPattern.MatchString(expected) || placeholderPattern.MatchString(expected) {
		sig.formats = append(sig.formats, numberPattern)
	}
	if listPattern.MatchString(expected) {
		sig.formats = append(sig.formats, listPattern)
	}
	return sig
}

func (s signals) formatScore(content string) float64 {
	if len(s.formats) == 0 {
		return neutralSignal
	}
	matched := 0
	for _, p := range s.formats {
		if p.MatchString(content) {
			matched++
		}
	}
	return float64(matched) / float64(len(s.formats))
}

func (s signals) keywordScore(content string) float64 {
	if len(s.keywords) == 0 {
		return neutralSignal
	}
	seen := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(strings.ToLower(content), -1) {
		seen[w] = true
	}
	matched := 0
	for k := range s.keywords {
		if seen[k] {
			matched++
		}
	}
	return float64(matched) / float64(len(s.keywords))
}

// Similarity returns the sequence-matcher ratio of a and b, compared
// case-insensitively by rune. An empty b yields the neutral 0.5.
func Similarity(a, b string) float64 {
	if strings.TrimSpace(b) == "" {
		return neutralSignal
	}
	m := difflib.NewMatcher(runes(strings.ToLower(a)), runes(strings.ToLower(b)))
	return m.Ratio()
}

func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func stripPlaceholders(s string) string {
	return strings.TrimSpace(placeholderPattern.ReplaceAllString(s, " "))
}
