// Package generator proposes candidate populations from judge feedback.
package generator

import (
	"sort"
	"strings"

	"evoopt/internal/optimization"
)

// Suggestion is an inject proposed by one or more survivors' judges.
type Suggestion struct {
	Text    string
	Weight  float64
	Votes   int
	Penalty float64
}

const (
	voteBase = 0.1

	penaltyExact   = 0.1
	penaltyNear    = 0.3
	penaltySimilar = 0.7
)

// AggregateInjects pools candidate_injects across survivors by weighted vote.
// Each survivor votes with weight 0.1 + its score. Suggestions that repeat or
// closely resemble already-tried content are down-weighted. The result is
// ordered by weight, then text.
func AggregateInjects(selected []*optimization.Candidate, evals []optimization.EvaluationResult, tried []string) []Suggestion {
	byKey := make(map[string]*Suggestion)
	var order []string
	for i := range selected {
		if i >= len(evals) {
			break
		}
		weight := voteBase + evals[i].Score
		voted := make(map[string]bool)
		for _, raw := range evals[i].Detail.CandidateInjects {
			text := strings.TrimSpace(raw)
			key := normalize(text)
			if key == "" || voted[key] {
				continue
			}
			voted[key] = true
			s, ok := byKey[key]
			if !ok {
				s = &Suggestion{Text: text}
				byKey[key] = s
				order = append(order, key)
			}
			s.Weight += weight
			s.Votes++
		}
	}

	out := make([]Suggestion, 0, len(order))
	for _, key := range order {
		s := byKey[key]
		s.Penalty = HistoryPenalty(s.Text, tried)
		s.Weight *= s.Penalty
		out = append(out, *s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Text < out[j].Text
	})
	return out
}

// HistoryPenalty returns the weight multiplier for text given previously
// tried contents: 0.1 for an exact repeat, 0.3 for word-set Jaccard
// similarity above 0.8, 0.7 above 0.5, else 1.
func HistoryPenalty(text string, tried []string) float64 {
	key := normalize(text)
	words := wordSet(key)
	penalty := 1.0
	for _, t := range tried {
		tk := normalize(t)
		if tk == key {
			return penaltyExact
		}
		switch j := jaccard(words, wordSet(tk)); {
		case j > 0.8:
			penalty = min(penalty, penaltyNear)
		case j > 0.5:
			penalty = min(penalty, penaltySimilar)
		}
	}
	return penalty
}

// ActionDirectives collects the distinct action_vector entries of the best
// result.
func ActionDirectives(eval optimization.EvaluationResult) []string {
	var out []string
	seen := make(map[string]bool)
	for _, a := range eval.Detail.ActionVector {
		a = strings.TrimSpace(a)
		if a != "" && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		out[w] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// best returns the index of the highest-scoring evaluation, first on ties.
func best(evals []optimization.EvaluationResult) int {
	idx := 0
	for i := range evals {
		if evals[i].Score > evals[idx].Score {
			idx = i
		}
	}
	return idx
}
