package safety

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrForbidden is returned when content matches a forbidden pattern.
var ErrForbidden = errors.New("content matches a forbidden pattern")

// DefaultForbiddenPatterns catch candidates that state an answer outright.
var DefaultForbiddenPatterns = []string{
	`(?i)correct answer is`,
	`(?i)the answer is`,
	`(?i)expected.*result.*is`,
	`答案是`,
}

// Screen rejects content matching any of a set of patterns.
type Screen struct {
	patterns []*regexp.Regexp
}

// NewScreen compiles patterns. An empty list yields the defaults.
func NewScreen(patterns []string) (*Screen, error) {
	if len(patterns) == 0 {
		patterns = DefaultForbiddenPatterns
	}
	s := &Screen{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid forbidden pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

// MustScreen is NewScreen for static pattern lists.
func MustScreen(patterns []string) *Screen {
	s, err := NewScreen(patterns)
	if err != nil {
		panic(err)
	}
	return s
}

// Check returns ErrForbidden naming the first matching pattern.
func (s *Screen) Check(content string) error {
	if s == nil {
		return nil
	}
	for _, re := range s.patterns {
		if re.MatchString(content) {
			return fmt.Errorf("%w: %s", ErrForbidden, re.String())
		}
	}
	return nil
}
