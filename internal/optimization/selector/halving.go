package selector

import (
	"math"

	"evoopt/internal/logging"
	"evoopt/internal/optimization"
)

// HalvingConfig tunes SuccessiveHalving.
type HalvingConfig struct {
	// KeepRatio is the fraction of the population kept on score alone.
	KeepRatio float64 `json:"keep_ratio" yaml:"keep_ratio" validate:"gt=0,lte=1"`
	// MinKeep floors the score-based survivors.
	MinKeep int `json:"min_keep" yaml:"min_keep" validate:"gte=1"`
	// DiversityRatio sizes the extra diverse survivors relative to the kept
	// set. Zero disables diversity protection.
	DiversityRatio float64 `json:"diversity_ratio" yaml:"diversity_ratio" validate:"gte=0,lte=1"`
}

// DefaultHalvingConfig keeps half plus 20% diverse survivors.
func DefaultHalvingConfig() HalvingConfig {
	return HalvingConfig{KeepRatio: 0.5, MinKeep: 1, DiversityRatio: 0.2}
}

// AggressiveHalvingConfig keeps 30% on score alone.
func AggressiveHalvingConfig() HalvingConfig {
	return HalvingConfig{KeepRatio: 0.3, MinKeep: 1}
}

// ConservativeHalvingConfig keeps 70%, at least two, plus 30% diverse.
func ConservativeHalvingConfig() HalvingConfig {
	return HalvingConfig{KeepRatio: 0.7, MinKeep: 2, DiversityRatio: 0.3}
}

const scoreBands = 3

// lengthSpread is how far, as a fraction of the kept mean, a content length
// must be from the mean to count as different.
const lengthSpread = 0.2

// SuccessiveHalving keeps the top fraction of each round and protects a few
// candidates that differ from the kept set.
type SuccessiveHalving struct {
	cfg HalvingConfig
}

// NewSuccessiveHalving creates a SuccessiveHalving selector.
func NewSuccessiveHalving(cfg HalvingConfig) *SuccessiveHalving {
	if cfg.KeepRatio <= 0 || cfg.KeepRatio > 1 {
		cfg.KeepRatio = DefaultHalvingConfig().KeepRatio
	}
	if cfg.MinKeep < 1 {
		cfg.MinKeep = 1
	}
	return &SuccessiveHalving{cfg: cfg}
}

// Select implements optimization.Selector.
func (s *SuccessiveHalving) Select(candidates []*optimization.Candidate, evals []optimization.EvaluationResult) ([]*optimization.Candidate, error) {
	pairs, err := rank(candidates, evals)
	if err != nil {
		return nil, err
	}
	n := len(pairs)
	if n == 0 {
		return nil, nil
	}

	target := keepCount(n, s.cfg.KeepRatio, s.cfg.MinKeep)
	selected := top(pairs, target)

	if s.cfg.DiversityRatio > 0 && n > target {
		extra := int(math.Max(1, math.Floor(float64(target)*s.cfg.DiversityRatio)))
		selected = append(selected, diverse(pairs[target:], selected, extra, scoreRange(pairs))...)
	}

	logging.SelectorDebug("successive halving: %d -> %d (kept %d by score)", n, len(selected), min(target, n))
	return selected, nil
}

func keepCount(n int, ratio float64, minKeep int) int {
	k := int(math.Floor(float64(n) * ratio))
	if k < minKeep {
		k = minKeep
	}
	return k
}

type bounds struct{ lo, hi float64 }

func scoreRange(pairs []scored) bounds {
	b := bounds{lo: pairs[0].e.Score, hi: pairs[0].e.Score}
	for _, p := range pairs[1:] {
		b.lo = math.Min(b.lo, p.e.Score)
		b.hi = math.Max(b.hi, p.e.Score)
	}
	return b
}

func (b bounds) band(score float64) int {
	width := (b.hi - b.lo) / scoreBands
	if width == 0 {
		return 0
	}
	i := int((score - b.lo) / width)
	if i >= scoreBands {
		i = scoreBands - 1
	}
	return i
}

// diverse picks up to count candidates from the ranked remainder: first at
// most one different candidate per score band, highest band first, then the
// best-ranked leftovers.
func diverse(rest []scored, kept []*optimization.Candidate, count int, b bounds) []*optimization.Candidate {
	var out []*optimization.Candidate
	used := make(map[string]bool)

	for band := scoreBands - 1; band >= 0 && len(out) < count; band-- {
		for _, p := range rest {
			if b.band(p.e.Score) == band && isDifferent(p.c, kept) {
				out = append(out, p.c)
				used[p.c.ID] = true
				break
			}
		}
	}
	for _, p := range rest {
		if len(out) >= count {
			break
		}
		if !used[p.c.ID] {
			out = append(out, p.c)
			used[p.c.ID] = true
		}
	}
	return out
}

// isDifferent reports whether c comes from another lineage, follows another
// direction, or has a markedly different length than the kept set.
func isDifferent(c *optimization.Candidate, kept []*optimization.Candidate) bool {
	if len(kept) == 0 {
		return true
	}
	parents := make(map[string]bool, len(kept))
	directions := make(map[string]bool, len(kept))
	total := 0
	for _, k := range kept {
		parents[k.ParentID] = true
		directions[k.MetaString("direction")] = true
		total += len(k.Content)
	}
	if c.ParentID != "" && !parents[c.ParentID] {
		return true
	}
	if d := c.MetaString("direction"); d != "" && !directions[d] {
		return true
	}
	avg := float64(total) / float64(len(kept))
	return math.Abs(float64(len(c.Content))-avg) > avg*lengthSpread
}
