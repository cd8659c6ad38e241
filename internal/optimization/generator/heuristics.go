package generator

import "math"

// Lineage metadata keys.
const (
	MetaHistory      = "history"
	MetaVelocity     = "velocity"
	MetaParentScore  = "parent_score"
	MetaLearningRate = "learning_rate"
	MetaMove         = "move"
	MetaStrategy     = "generation_strategy"
	MetaDirection    = "direction"
	MetaIteration    = "iteration"
)

// Moves a child can make relative to its parent.
const (
	MoveExplore = "explore" // replace the parent content
	MoveExploit = "exploit" // extend the parent content
)

// maxHistory bounds the lineage history carried in metadata.
const maxHistory = 20

// Velocity updates a lineage's exponential moving average of loss
// (1 - score). prev < 0 means the lineage has no velocity yet.
func Velocity(prev, score, momentum float64) float64 {
	loss := 1 - score
	if prev < 0 {
		return loss
	}
	return momentum*prev + (1-momentum)*loss
}

// EffectiveLearningRate raises lr for a stagnating lineage: one whose
// current loss is not below its smoothed loss. The raise is proportional to
// momentum.
func EffectiveLearningRate(lr, momentum, prevVelocity, score float64) float64 {
	if prevVelocity < 0 || 1-score < prevVelocity {
		return lr
	}
	return math.Min(1, lr+(1-lr)*momentum)
}

// ExploreCount is how many of n children replace the parent wholesale at
// learning rate lr.
func ExploreCount(n int, lr float64) int {
	k := int(math.Round(float64(n) * lr))
	return max(0, min(n, k))
}

func lineage(history []string, content string) []string {
	out := make([]string, 0, len(history)+1)
	out = append(out, history...)
	out = append(out, content)
	if len(out) > maxHistory {
		out = out[len(out)-maxHistory:]
	}
	return out
}
