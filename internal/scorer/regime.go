package scorer

import (
	"math"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
)

// DetectRegime classifies the trailing window of bars into the closed
// bull/bear/sideways enum from trend slope and realized volatility, a
// simplified stand-in for a full hidden Markov regime model: cheap enough
// to run on every tick, and its only consumer (the Confluence Scorer) needs
// a label, not a probability surface.
func DetectRegime(bars []types.Bar) types.Regime {
	const window = 50
	if len(bars) < window {
		window2 := len(bars)
		if window2 < 5 {
			return types.RegimeSideways
		}
		return classify(bars[len(bars)-window2:])
	}
	return classify(bars[len(bars)-window:])
}

func classify(bars []types.Bar) types.Regime {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i], _ = b.Close.Float64()
	}
	first, last := closes[0], closes[len(closes)-1]
	if first == 0 {
		return types.RegimeSideways
	}
	trend := (last - first) / first

	var returns []float64
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	vol := stddev(returns) * math.Sqrt(float64(len(returns)))

	const trendThreshold = 0.03
	switch {
	case trend > trendThreshold && trend > vol*0.5:
		return types.RegimeBull
	case trend < -trendThreshold && -trend > vol*0.5:
		return types.RegimeBear
	default:
		return types.RegimeSideways
	}
}

func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}
