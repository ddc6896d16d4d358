package indicators

import (
	"testing"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeBars(n int, start, step float64) []types.Bar {
	bars := make([]types.Bar, n)
	price := start
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		price += step
		o := decimal.NewFromFloat(price)
		c := decimal.NewFromFloat(price + step/2)
		hi := decimal.Max(o, c).Add(decimal.NewFromFloat(0.5))
		lo := decimal.Min(o, c).Sub(decimal.NewFromFloat(0.5))
		bars[i] = types.Bar{
			Symbol:    "BTCUSD",
			Timeframe: types.Timeframe1h,
			OpenTime:  base.Add(time.Duration(i) * time.Hour),
			Open:      o,
			High:      hi,
			Low:       lo,
			Close:     c,
			Volume:    decimal.NewFromFloat(100 + float64(i)),
		}
	}
	return bars
}

func TestComputeEmptyBars(t *testing.T) {
	snap := Compute("BTCUSD", types.Timeframe1h, nil)
	assert.Empty(t, snap.Values)
}

func TestComputeWarmupFlag(t *testing.T) {
	bars := makeBars(10, 100, 1)
	snap := Compute("BTCUSD", types.Timeframe1h, bars)
	assert.True(t, snap.Flags[types.FlagWarmup])
	require.NoError(t, snap.Validate())
}

func TestComputeBoundedRanges(t *testing.T) {
	bars := makeBars(250, 100, 1)
	snap := Compute("BTCUSD", types.Timeframe1h, bars)
	assert.False(t, snap.Flags[types.FlagWarmup])
	require.NoError(t, snap.Validate())
	assert.GreaterOrEqual(t, snap.Values[types.IndicatorRSI14], 0.0)
	assert.LessOrEqual(t, snap.Values[types.IndicatorRSI14], 100.0)
}

func TestRSIUndefinedOnShortSeries(t *testing.T) {
	_, undefined := RSI([]float64{1, 2, 3}, 14)
	assert.True(t, undefined)
}

func TestBollingerOrder(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i%5)
	}
	upper, mid, lower := BollingerBands(closes, 20, 2.0)
	assert.LessOrEqual(t, lower, mid)
	assert.LessOrEqual(t, mid, upper)
}

func TestEMAFlatSeriesConverges(t *testing.T) {
	values := make([]float64, 300)
	for i := range values {
		values[i] = 50
	}
	assert.InDelta(t, 50, EMA(values, 20), 0.001)
}
