package generator

import (
	"regexp"
	"strings"
)

// Sections of an agent file a PromptModifierGenerator can target.
const (
	SectionSystem = "system"
	SectionTools  = "tools"
	SectionAll    = "all"
)

var sectionPatterns = map[string]*regexp.Regexp{
	SectionSystem: regexp.MustCompile(`(?s)system\s*=\s*"""(.*?)"""`),
	SectionTools:  regexp.MustCompile(`(?s)tools\s*=\s*\[(.*?)\]`),
}

// ExtractSection returns the body of the named section and whether it was
// found. "all", or a section that is absent, yields the whole content.
func ExtractSection(content, section string) (string, bool) {
	re, ok := sectionPatterns[section]
	if !ok {
		return content, section == SectionAll
	}
	m := re.FindStringSubmatchIndex(content)
	if m == nil {
		return content, false
	}
	return content[m[2]:m[3]], true
}

// SpliceSection replaces the body of the named section with body. When the
// section is absent or "all", body replaces the whole content.
func SpliceSection(content, section, body string) string {
	re, ok := sectionPatterns[section]
	if !ok {
		return body
	}
	m := re.FindStringSubmatchIndex(content)
	if m == nil {
		return body
	}
	return content[:m[2]] + body + content[m[3]:]
}

// hasStructure reports whether content still looks like an agent file.
func hasStructure(content string) bool {
	return strings.Contains(content, "system") ||
		strings.Contains(content, "def ") ||
		strings.Contains(content, `"""`)
}

var errorDirections = map[string]string{
	"logic_error":          "Strengthen logical reasoning and make the steps explicit.",
	"tool_misuse":          "Clarify tool usage instructions and add examples.",
	"missing_info":         "Add the domain knowledge the task requires.",
	"wrong_format":         "Tighten the output format constraints.",
	"insufficient_context": "Improve guidance on understanding the context.",
}

var genericDirections = []string{
	"Refine the role definition and task description.",
	"Strengthen constraints and points of attention.",
	"Improve the examples and explanations.",
}

var refinementDirections = []string{
	"Make the wording more concise and precise.",
	"Expand the explanation of the key steps.",
	"Reorganize the information for clarity.",
}

// Directions maps error types to rewrite directions, in order and without
// repeats. Unknown error types are skipped; with none mapped the generic
// directions are returned.
func Directions(errorTypes []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range errorTypes {
		if d, ok := errorDirections[e]; ok && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), genericDirections...)
	}
	return out
}

// RefinementDirections are used when the best survivor has no remaining
// error types.
func RefinementDirections() []string {
	return append([]string(nil), refinementDirections...)
}
