package verdict

import (
	"math"

	"github.com/andresmejia3/deepscan/internal/types"
)

const (
	SuspiciousThreshold     = 0.75 // a frame scoring above this is suspicious
	SuspiciousFraction      = 0.30 // more suspicious frames than this makes the video fake
	HighAverageThreshold    = 0.70 // escalation: average alone above this makes it fake
	HighStdDevThreshold     = 0.30 // de-escalation applies only to noisy score sets
	DeEscalateAverageCutoff = 0.65 // ... whose average is below this

	NoFacesMessage = "No faces were detected in the video, cannot perform deepfake analysis."
)

// Summary is the aggregate of a set of per-frame fake-confidence scores.
type Summary struct {
	Verdict            string
	Average            float64
	StdDev             float64
	SuspiciousFraction float64
	Message            string
}

// Aggregate applies the verdict heuristic to the per-frame scores. It depends only on the
// multiset of scores, never on their order.
func Aggregate(scores []float64) Summary {
	if len(scores) == 0 {
		return Summary{Verdict: types.VerdictReal, Message: NoFacesMessage}
	}

	avg := mean(scores)
	std := 0.0
	if len(scores) > 1 {
		std = popStdDev(scores, avg)
	}

	suspicious := 0
	for _, s := range scores {
		if s > SuspiciousThreshold {
			suspicious++
		}
	}
	fraction := float64(suspicious) / float64(len(scores))

	isFake := fraction > SuspiciousFraction
	if !isFake && avg > HighAverageThreshold {
		isFake = true
	}
	if isFake && std > HighStdDevThreshold && avg < DeEscalateAverageCutoff {
		isFake = false
	}

	v := types.VerdictReal
	if isFake {
		v = types.VerdictFake
	}
	return Summary{Verdict: v, Average: avg, StdDev: std, SuspiciousFraction: fraction}
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// popStdDev is the population standard deviation (divides by N).
func popStdDev(xs []float64, mu float64) float64 {
	var ss float64
	for _, x := range xs {
		d := x - mu
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}
