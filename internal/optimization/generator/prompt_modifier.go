package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"evoopt/internal/logging"
	"evoopt/internal/optimization"
	"evoopt/internal/safety"
)

// RewriteRequest asks a VariantSource to rewrite one section of an agent.
type RewriteRequest struct {
	Section     string   `json:"section" yaml:"section"`
	SectionName string   `json:"section_name" yaml:"section_name"`
	Direction   string   `json:"direction" yaml:"direction"`
	Knowledge   string   `json:"knowledge,omitempty" yaml:"knowledge,omitempty"`
	Patterns    []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	// MaxLength is the longest acceptable rewritten section, in bytes.
	MaxLength int `json:"max_length" yaml:"max_length"`
}

// VariantSource is the external generation capability used to rewrite prompt
// sections.
type VariantSource interface {
	Rewrite(ctx context.Context, req RewriteRequest) (string, error)
}

// PromptModifierConfig tunes PromptModifierGenerator.
type PromptModifierConfig struct {
	InitialSize    int                        `json:"initial_size" yaml:"initial_size" validate:"gte=1"`
	Section        string                     `json:"section" yaml:"section" validate:"oneof=system tools all"`
	MaxLengthRatio float64                    `json:"max_length_ratio" yaml:"max_length_ratio" validate:"gt=1"`
	Cleanup        optimization.CleanupPolicy `json:"cleanup" yaml:"cleanup"`
	// WorkDir holds temp files when the run has no agent path.
	WorkDir           string   `json:"work_dir" yaml:"work_dir"`
	ForbiddenPatterns []string `json:"forbidden_patterns" yaml:"forbidden_patterns"`
}

// DefaultPromptModifierConfig targets the system section.
func DefaultPromptModifierConfig() PromptModifierConfig {
	return PromptModifierConfig{
		InitialSize:    3,
		Section:        SectionSystem,
		MaxLengthRatio: 1.3,
		Cleanup:        optimization.CleanupAuto,
	}
}

const (
	MetaOriginalLength = "original_length"
	MetaModification   = "modification_type"
)

// PromptModifierGenerator rewrites a section of an agent file along
// improvement directions derived from judge error types. Candidates run in
// temp-file mode next to the agent.
type PromptModifierGenerator struct {
	src    VariantSource
	cfg    PromptModifierConfig
	screen *safety.Screen
}

// NewPromptModifierGenerator creates a PromptModifierGenerator.
func NewPromptModifierGenerator(src VariantSource, cfg PromptModifierConfig) (*PromptModifierGenerator, error) {
	if src == nil {
		return nil, &optimization.ConfigError{Field: "rewriter", Reason: "a variant source is required"}
	}
	def := DefaultPromptModifierConfig()
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = def.InitialSize
	}
	if cfg.Section == "" {
		cfg.Section = def.Section
	}
	if cfg.MaxLengthRatio <= 0 {
		cfg.MaxLengthRatio = def.MaxLengthRatio
	}
	if cfg.Cleanup == "" {
		cfg.Cleanup = def.Cleanup
	}
	screen, err := safety.NewScreen(cfg.ForbiddenPatterns)
	if err != nil {
		return nil, &optimization.ConfigError{Field: "forbidden_patterns", Reason: err.Error()}
	}
	return &PromptModifierGenerator{src: src, cfg: cfg, screen: screen}, nil
}

// Initialize rewrites target, the original agent content, once per
// direction derived from RunContext.ErrorTypes.
func (g *PromptModifierGenerator) Initialize(ctx context.Context, target string, rc *optimization.RunContext) ([]*optimization.Candidate, error) {
	if strings.TrimSpace(target) == "" {
		return nil, nil
	}
	ec, err := g.context(rc)
	if err != nil {
		return nil, err
	}

	directions := Directions(rc.ErrorTypes)
	if len(directions) > g.cfg.InitialSize {
		directions = directions[:g.cfg.InitialSize]
	}
	var out []*optimization.Candidate
	seen := make(map[string]bool)
	for _, d := range directions {
		content, ok := g.variant(ctx, target, d, nil, len(target), rc)
		if !ok || seen[content] {
			continue
		}
		seen[content] = true
		c := optimization.NewCandidate(content, ec)
		c.Metadata[MetaDirection] = d
		c.Metadata[MetaIteration] = 0
		c.Metadata[MetaModification] = "initial"
		c.Metadata[MetaOriginalLength] = len(target)
		out = append(out, c)
	}
	logging.Generator("prompt-modifier: %d initial variant(s) of %d direction(s)", len(out), len(directions))
	return out, nil
}

// Evolve refines the best survivor, once per survivor at most, guided by its
// direction and its first three action directives.
func (g *PromptModifierGenerator) Evolve(ctx context.Context, selected []*optimization.Candidate, evals []optimization.EvaluationResult, rc *optimization.RunContext) ([]*optimization.Candidate, error) {
	if len(selected) == 0 || len(evals) == 0 {
		return nil, nil
	}
	bi := best(evals)
	parent, parentEval := selected[bi], evals[bi]

	var patterns []string
	if d := parent.MetaString(MetaDirection); d != "" {
		patterns = append(patterns, d)
	}
	directives := parentEval.Detail.ActionVector
	if len(directives) > 3 {
		directives = directives[:3]
	}
	patterns = append(patterns, directives...)

	directions := RefinementDirections()
	if len(parentEval.Detail.ErrorTypes) > 0 {
		directions = Directions(parentEval.Detail.ErrorTypes)
	}
	if len(directions) > len(selected) {
		directions = directions[:len(selected)]
	}

	origLen := len(parent.Content)
	if v, ok := parent.MetaFloat(MetaOriginalLength); ok && v > 0 {
		origLen = int(v)
	}
	iteration := 0
	if v, ok := parent.MetaFloat(MetaIteration); ok {
		iteration = int(v)
	}

	var out []*optimization.Candidate
	seen := map[string]bool{parent.Content: true}
	for _, d := range directions {
		content, ok := g.variant(ctx, parent.Content, d, patterns, origLen, rc)
		if !ok || seen[content] {
			continue
		}
		seen[content] = true
		child := parent.Child(content)
		child.Metadata[MetaDirection] = d
		child.Metadata[MetaIteration] = iteration + 1
		child.Metadata[MetaModification] = "evolved"
		child.Metadata[MetaParentScore] = parentEval.Score
		child.Metadata[MetaOriginalLength] = origLen
		out = append(out, child)
	}
	logging.GeneratorDebug("prompt-modifier: %d refinement(s) of %s", len(out), parent.ID)
	return out, nil
}

// variant rewrites the target section of content and validates the result.
func (g *PromptModifierGenerator) variant(ctx context.Context, content, direction string, patterns []string, origLen int, rc *optimization.RunContext) (string, bool) {
	section, _ := ExtractSection(content, g.cfg.Section)
	maxTotal := int(float64(origLen) * g.cfg.MaxLengthRatio)
	req := RewriteRequest{
		Section:     section,
		SectionName: g.cfg.Section,
		Direction:   direction,
		Knowledge:   rc.Knowledge,
		Patterns:    patterns,
		MaxLength:   maxTotal - (len(content) - len(section)),
	}
	rewritten, err := g.src.Rewrite(ctx, req)
	if err != nil {
		logging.GeneratorWarn("prompt-modifier: rewrite failed for direction %q: %v", direction, err)
		return "", false
	}
	out := SpliceSection(content, g.cfg.Section, strings.TrimSpace(rewritten))
	if err := g.validate(out, maxTotal, rc); err != nil {
		logging.GeneratorDebug("prompt-modifier: variant rejected: %v", err)
		return "", false
	}
	return out, true
}

func (g *PromptModifierGenerator) validate(content string, maxLen int, rc *optimization.RunContext) error {
	if len(content) > maxLen {
		return fmt.Errorf("length %d exceeds %d", len(content), maxLen)
	}
	if err := g.screen.Check(content); err != nil {
		return err
	}
	if err := rc.CheckContent(content); err != nil {
		return err
	}
	if !hasStructure(content) {
		return fmt.Errorf("variant lost the agent structure")
	}
	return nil
}

// context builds the temp-file context: files are written beside the agent,
// named after it.
func (g *PromptModifierGenerator) context(rc *optimization.RunContext) (optimization.ExecutionContext, error) {
	dir, template := g.cfg.WorkDir, optimization.DefaultFileTemplate
	if rc.AgentPath != "" {
		dir = filepath.Dir(rc.AgentPath)
		base := filepath.Base(rc.AgentPath)
		ext := filepath.Ext(base)
		template = strings.TrimSuffix(base, ext) + "_{timestamp}_{id}" + ext
	}
	if dir == "" {
		dir = os.TempDir()
	}
	return optimization.NewTempFileContext(dir, template, g.cfg.Cleanup)
}
