// Package safety keeps expected answers out of generated candidates.
//
// Redact replaces numbers, percentages and named entities in an expected
// answer with placeholders. The literals it removes stay inside the returned
// Guard, which rejects any content that echoes one of them.
package safety

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	PlaceholderPercent = "[PCT]"
	PlaceholderNumber  = "[NUM]"
	PlaceholderEntity  = "[ENTITY]"
)

// ErrLeak is returned when content echoes a redacted literal.
var ErrLeak = errors.New("content echoes a redacted literal")

var (
	quotedPattern  = regexp.MustCompile(`"([^"\n]{2,80})"|“([^”\n]{2,80})”`)
	entityPattern  = regexp.MustCompile(`\b[A-Z][A-Za-z0-9&\-]*(?:[ \t]+[A-Z][A-Za-z0-9&\-]*)*`)
	percentPattern = regexp.MustCompile(`\d+(?:\.\d+)?\s?%`)
	numberPattern  = regexp.MustCompile(`\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+\.\d+|\d{2,}`)
	acronymPattern = regexp.MustCompile(`^[A-Z0-9&\-]{2,}$`)
	sentenceEnd    = regexp.MustCompile(`[.!?:]\s*$`)
)

// Redaction is the result of redacting one expected answer.
type Redaction struct {
	Text  string
	guard *Guard
}

// Guard returns the leak guard holding this redaction's literals.
func (r Redaction) Guard() *Guard {
	if r.guard == nil {
		return &Guard{}
	}
	return r.guard
}

// Redact replaces sensitive literals in text with placeholders.
func Redact(text string) Redaction {
	g := &Guard{}

	out := quotedPattern.ReplaceAllStringFunc(text, func(m string) string {
		inner := strings.Trim(m, `"“”`)
		g.addEntity(inner)
		return PlaceholderEntity
	})
	out = replaceEntities(out, g)
	out = percentPattern.ReplaceAllStringFunc(out, func(m string) string {
		g.addNumber(strings.TrimSpace(strings.TrimSuffix(m, "%")))
		return PlaceholderPercent
	})
	out = numberPattern.ReplaceAllStringFunc(out, func(m string) string {
		g.addNumber(m)
		return PlaceholderNumber
	})

	g.compile()
	return Redaction{Text: out, guard: g}
}

// replaceEntities redacts capitalized spans that are not just the first word
// of a sentence. All-caps acronyms are always redacted.
func replaceEntities(text string, g *Guard) string {
	locs := entityPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if start > 0 && text[start-1] == '[' {
			continue // placeholder
		}
		span := text[start:end]
		if isSentenceStart(text, start) {
			words := strings.Fields(span)
			if !acronymPattern.MatchString(words[0]) {
				if len(words) == 1 {
					continue
				}
				head := len(words[0])
				start += head + strings.Index(span[head:], words[1])
				span = text[start:end]
			}
		}
		if len(span) < 2 {
			continue
		}
		g.addEntity(span)
		b.WriteString(text[last:start])
		b.WriteString(PlaceholderEntity)
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

func isSentenceStart(text string, idx int) bool {
	prefix := strings.TrimRight(text[:idx], " \t")
	if prefix == "" || strings.HasSuffix(prefix, "\n") {
		return true
	}
	return sentenceEnd.MatchString(prefix)
}

// Guard rejects content that echoes redacted literals.
type Guard struct {
	numbers  []string
	entities []string
	matchers []*regexp.Regexp
}

func (g *Guard) addNumber(lit string) {
	g.numbers = append(g.numbers, lit)
	if plain := strings.ReplaceAll(lit, ",", ""); plain != lit {
		g.numbers = append(g.numbers, plain)
	}
}

func (g *Guard) addEntity(lit string) {
	lit = strings.TrimSpace(lit)
	if len(lit) >= 2 {
		g.entities = append(g.entities, lit)
	}
}

func (g *Guard) compile() {
	g.numbers = dedupe(g.numbers)
	g.entities = dedupe(g.entities)
	for _, n := range g.numbers {
		g.matchers = append(g.matchers, regexp.MustCompile(`(?:^|[^\d.,])`+regexp.QuoteMeta(n)+`(?:$|[^\d.,]|[.,](?:$|[^\d]))`))
	}
	for _, e := range g.entities {
		g.matchers = append(g.matchers, regexp.MustCompile(`(?i)(?:^|\W)`+regexp.QuoteMeta(e)+`(?:$|\W)`))
	}
}

// Literals reports how many distinct literals the guard protects.
func (g *Guard) Literals() int {
	if g == nil {
		return 0
	}
	return len(g.numbers) + len(g.entities)
}

// Check returns ErrLeak if content contains a redacted literal. The error
// never repeats the literal itself.
func (g *Guard) Check(content string) error {
	if g == nil {
		return nil
	}
	for i, m := range g.matchers {
		if m.MatchString(content) {
			kind := "entity"
			if i < len(g.numbers) {
				kind = "number"
			}
			return fmt.Errorf("%w (%s)", ErrLeak, kind)
		}
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	// longest first so the reported kind is the most specific one
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}
