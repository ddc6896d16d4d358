package scorer

import (
	"math"
	"sort"
)

// Calibrator maps a raw confluence score in [0,100] to a calibrated
// probability-of-success estimate in [0,1], per spec §4.5's requirement
// that calibrated_confidence track realized hit-rate rather than the raw
// weighted sum.
type Calibrator interface {
	Calibrate(rawScore float64) float64
	Observe(rawScore float64, won bool)
}

// QuantileCalibrator buckets historical outcomes into score deciles and
// reports each bucket's empirical win rate, falling back to a Platt-style
// logistic transform for buckets with too few observations to trust.
type QuantileCalibrator struct {
	buckets   [10]bucketStat
	plattA    float64
	plattB    float64
	minSample int
}

type bucketStat struct {
	wins, total int
}

// NewQuantileCalibrator returns a calibrator seeded with a neutral Platt
// fallback (logistic centered at score 50) until enough outcomes accrue.
func NewQuantileCalibrator() *QuantileCalibrator {
	return &QuantileCalibrator{plattA: 0.08, plattB: -4.0, minSample: 20}
}

func bucketIndex(score float64) int {
	idx := int(score / 10)
	if idx < 0 {
		idx = 0
	}
	if idx > 9 {
		idx = 9
	}
	return idx
}

// Observe records a closed trade's outcome against the score that produced
// the originating signal.
func (c *QuantileCalibrator) Observe(rawScore float64, won bool) {
	b := &c.buckets[bucketIndex(rawScore)]
	b.total++
	if won {
		b.wins++
	}
}

// Calibrate returns the empirical win rate for rawScore's decile if enough
// observations exist, else the Platt logistic fallback.
func (c *QuantileCalibrator) Calibrate(rawScore float64) float64 {
	b := c.buckets[bucketIndex(rawScore)]
	if b.total >= c.minSample {
		return float64(b.wins) / float64(b.total)
	}
	return platt(rawScore, c.plattA, c.plattB)
}

func platt(score, a, b float64) float64 {
	z := a*score + b
	return 1.0 / (1.0 + math.Exp(-z))
}

// percentileOfScores returns the p-th quantile (0-1) of scores, used to
// sanity-check that Calibrate's decile buckets line up with sorted sample
// quantiles.
func percentileOfScores(scores []float64, p float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
