package patterns

import (
	"testing"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bar(t time.Time, o, h, l, c, v float64) types.Bar {
	return types.Bar{
		Symbol: "BTCUSD", Timeframe: types.Timeframe1h, OpenTime: t,
		Open: decimal.NewFromFloat(o), High: decimal.NewFromFloat(h),
		Low: decimal.NewFromFloat(l), Close: decimal.NewFromFloat(c),
		Volume: decimal.NewFromFloat(v),
	}
}

type fakeWeights struct{ w float64 }

func (f fakeWeights) Weight(types.PatternType) float64 { return f.w }

func TestDetectEmptyOnFewBars(t *testing.T) {
	d := NewDetector(nil)
	out := d.Detect("BTCUSD", types.Timeframe1h, []types.Bar{})
	assert.Nil(t, out)
}

func TestBreakoutDetectsUpwardBreak(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []types.Bar
	for i := 0; i < 20; i++ {
		bars = append(bars, bar(base.Add(time.Duration(i)*time.Hour), 100, 101, 99, 100, 50))
	}
	bars = append(bars, bar(base.Add(20*time.Hour), 100, 110, 100, 109, 500))

	d := NewDetector(nil)
	out := d.Detect("BTCUSD", types.Timeframe1h, bars)
	found := false
	for _, p := range out {
		if p.PatternType == types.PatternBreakout {
			found = true
			require.NoError(t, p.Validate())
		}
	}
	assert.True(t, found)
}

func TestCandlestickDojiDetected(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []types.Bar
	for i := 0; i < 10; i++ {
		bars = append(bars, bar(base.Add(time.Duration(i)*time.Hour), 100, 101, 99, 100, 50))
	}
	bars = append(bars, bar(base.Add(10*time.Hour), 100, 105, 95, 100.05, 60))

	d := NewDetector(nil)
	out := d.Detect("BTCUSD", types.Timeframe1h, bars)
	found := false
	for _, p := range out {
		if p.PatternType == types.PatternDoji {
			found = true
		}
	}
	assert.True(t, found)
}

func TestWeightSourceAdjustsConfidence(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []types.Bar
	for i := 0; i < 20; i++ {
		bars = append(bars, bar(base.Add(time.Duration(i)*time.Hour), 100, 101, 99, 100, 50))
	}
	bars = append(bars, bar(base.Add(20*time.Hour), 100, 110, 100, 109, 500))

	low := NewDetector(fakeWeights{w: 0.5}).Detect("BTCUSD", types.Timeframe1h, bars)
	high := NewDetector(fakeWeights{w: 2.0}).Detect("BTCUSD", types.Timeframe1h, bars)

	var lowConf, highConf float64
	for _, p := range low {
		if p.PatternType == types.PatternBreakout {
			lowConf = p.Confidence
		}
	}
	for _, p := range high {
		if p.PatternType == types.PatternBreakout {
			highConf = p.Confidence
		}
	}
	assert.Less(t, lowConf, highConf)
}
