package scorer

import (
	"testing"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func bullishSnapshot(tf types.Timeframe) types.IndicatorSnapshot {
	return types.IndicatorSnapshot{
		Symbol: "BTCUSD", Timeframe: tf, BarTime: time.Now(),
		Values: map[string]float64{
			types.IndicatorEMA20: 110, types.IndicatorEMA50: 105, types.IndicatorEMA200: 100,
			types.IndicatorMACD: 1, types.IndicatorMACDSignal: 0.5, types.IndicatorMACDHist: 0.5,
			types.IndicatorRSI14: 72, types.IndicatorBBUpper: 115, types.IndicatorBBMid: 108, types.IndicatorBBLower: 101,
			types.IndicatorATR14: 2, types.IndicatorMFI14: 75,
		},
	}
}

func TestScoreEmitsLongSignalOnBullishConfluence(t *testing.T) {
	s := NewScorer(zap.NewNop(), types.DefaultScorerConfig(), nil)
	bars := map[types.Timeframe][]types.Bar{
		types.Timeframe1h: {{Symbol: "BTCUSD", Timeframe: types.Timeframe1h, OpenTime: time.Now(), Close: decimal.NewFromInt(110)}},
	}
	in := Input{
		Symbol:     "BTCUSD",
		Bars:       bars,
		Indicators: map[types.Timeframe]types.IndicatorSnapshot{types.Timeframe1h: bullishSnapshot(types.Timeframe1h)},
	}
	sig := s.Score(in)
	require.NotEqual(t, types.DirectionNone, sig.Direction, "bullish fixture must clear the entry threshold (got confluence=%.1f)", sig.ConfluenceScore)
	require.NoError(t, sig.Validate())
	assert.Equal(t, types.DirectionLong, sig.Direction)
	assert.True(t, sig.StopPrice.LessThan(sig.EntryPrice))
	assert.True(t, sig.EntryPrice.LessThan(sig.TargetPrice))
}

func TestScoreReturnsNoneWithoutIndicators(t *testing.T) {
	s := NewScorer(zap.NewNop(), types.DefaultScorerConfig(), nil)
	sig := s.Score(Input{Symbol: "BTCUSD"})
	assert.Equal(t, types.DirectionNone, sig.Direction)
}

func TestDetectRegimeShortSeriesDefaultsSideways(t *testing.T) {
	regime := DetectRegime(nil)
	assert.Equal(t, types.RegimeSideways, regime)
}

func TestQuantileCalibratorFallsBackToPlatt(t *testing.T) {
	c := NewQuantileCalibrator()
	low := c.Calibrate(20)
	high := c.Calibrate(90)
	assert.Less(t, low, high)
}

func TestQuantileCalibratorUsesEmpiricalAfterEnoughSamples(t *testing.T) {
	c := NewQuantileCalibrator()
	for i := 0; i < 25; i++ {
		c.Observe(85, i%5 != 0) // 80% win rate in the 80-89 bucket
	}
	got := c.Calibrate(85)
	assert.InDelta(t, 0.8, got, 0.05)
}

func TestPercentileOfScoresMatchesBucketBoundaries(t *testing.T) {
	scores := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 95}
	median := percentileOfScores(scores, 0.5)
	p90 := percentileOfScores(scores, 0.9)

	assert.Equal(t, 50.0, median)
	assert.Equal(t, 90.0, p90)
	assert.Less(t, bucketIndex(median), bucketIndex(p90))
}
