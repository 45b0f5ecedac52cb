package usecase

import (
	"fmt"
	"math"
	"strings"
)

const (
	signalSemantic = "semantic"
	signalLexical  = "lexical"
	signalContext  = "context"
	signalCategory = "classifier"
)

// fusionWeights always sums to 1.
type fusionWeights struct {
	semantic float64
	lexical  float64
	context  float64
}

func newFusionWeights(semantic, lexical, context float64) fusionWeights {
	w := fusionWeights{
		semantic: math.Max(semantic, 0),
		lexical:  math.Max(lexical, 0),
		context:  math.Max(context, 0),
	}
	sum := w.semantic + w.lexical + w.context
	if sum == 0 {
		return fusionWeights{semantic: 0.5, lexical: 0.3, context: 0.2}
	}
	return fusionWeights{
		semantic: w.semantic / sum,
		lexical:  w.lexical / sum,
		context:  w.context / sum,
	}
}

// withoutSemantic moves the semantic weight onto the remaining signals in
// proportion to their own weights.
func (w fusionWeights) withoutSemantic() fusionWeights {
	rest := w.lexical + w.context
	if rest == 0 {
		return fusionWeights{lexical: 1}
	}
	return fusionWeights{
		lexical: w.lexical / rest,
		context: w.context / rest,
	}
}

func (w fusionWeights) fuse(semantic, lexical, context float64) float64 {
	return clamp01(w.semantic*semantic + w.lexical*lexical + w.context*context)
}

// signalConfidence rewards agreement among the signals that fired and the
// share of active signals that fired, blended with document quality.
func signalConfidence(active []float64, quality float64, degraded bool) float64 {
	nonZero := make([]float64, 0, len(active))
	for _, s := range active {
		if s > 0 {
			nonZero = append(nonZero, s)
		}
	}

	agreement := 0.0
	if len(nonZero) > 0 {
		mean := 0.0
		for _, s := range nonZero {
			mean += s
		}
		mean /= float64(len(nonZero))
		variance := 0.0
		for _, s := range nonZero {
			variance += (s - mean) * (s - mean)
		}
		variance /= float64(len(nonZero))
		agreement = 1 - math.Min(1, 2*math.Sqrt(variance))
	}

	coverage := 0.0
	if len(active) > 0 {
		coverage = float64(len(nonZero)) / float64(len(active))
	}

	confidence := 0.7*agreement*coverage + 0.3*clamp01(quality)
	if degraded {
		confidence *= 0.9
	}
	return clamp01(confidence)
}

func explainFusion(w fusionWeights, semantic, lexical, context float64, dropped []string) string {
	var b strings.Builder
	if w.semantic > 0 {
		fmt.Fprintf(&b, "semantic %.2f*%.2f + ", semantic, w.semantic)
	}
	fmt.Fprintf(&b, "lexical %.2f*%.2f + context %.2f*%.2f", lexical, w.lexical, context, w.context)
	if len(dropped) > 0 {
		fmt.Fprintf(&b, "; unavailable: %s", strings.Join(dropped, ", "))
	}
	return b.String()
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
