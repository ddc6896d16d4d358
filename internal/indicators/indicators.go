// Package indicators is the L2 Indicator Engine: pure, deterministic
// functions over a Bar series that produce one IndicatorSnapshot per
// (symbol, timeframe, bar_time). No function in this package performs I/O
// or carries mutable state across calls — determinism is the invariant the
// Pattern Detector and Confluence Scorer both depend on.
package indicators

import (
	"math"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
)

// Warmup is the minimum bar count required before an indicator's output is
// considered defined rather than a warmup artifact.
const Warmup = 200

// Compute derives a full IndicatorSnapshot from bars, the most recent of
// which is treated as the snapshot's BarTime. bars must be in ascending
// OpenTime order; Compute does not sort them.
func Compute(symbol string, tf types.Timeframe, bars []types.Bar) types.IndicatorSnapshot {
	snap := types.IndicatorSnapshot{
		Symbol:    symbol,
		Timeframe: tf,
		Values:    make(map[string]float64),
		Flags:     make(map[string]bool),
	}
	if len(bars) == 0 {
		return snap
	}
	snap.BarTime = bars[len(bars)-1].OpenTime

	closes := closeSeries(bars)
	highs := highSeries(bars)
	lows := lowSeries(bars)
	volumes := volumeSeries(bars)

	if len(bars) < Warmup {
		snap.Flags[types.FlagWarmup] = true
	}

	snap.Values[types.IndicatorEMA20] = EMA(closes, 20)
	snap.Values[types.IndicatorEMA50] = EMA(closes, 50)
	snap.Values[types.IndicatorEMA200] = EMA(closes, 200)

	rsi, rsiUndefined := RSI(closes, 14)
	snap.Values[types.IndicatorRSI14] = rsi
	if rsiUndefined {
		snap.Flags[types.FlagRSIUndefined] = true
	}

	macd, signal, hist := MACD(closes, 12, 26, 9)
	snap.Values[types.IndicatorMACD] = macd
	snap.Values[types.IndicatorMACDSignal] = signal
	snap.Values[types.IndicatorMACDHist] = hist

	upper, mid, lower := BollingerBands(closes, 20, 2.0)
	snap.Values[types.IndicatorBBUpper] = upper
	snap.Values[types.IndicatorBBMid] = mid
	snap.Values[types.IndicatorBBLower] = lower

	snap.Values[types.IndicatorATR14] = ATR(highs, lows, closes, 14)

	k, d := Stochastic(highs, lows, closes, 14, 3)
	snap.Values[types.IndicatorStochK] = k
	snap.Values[types.IndicatorStochD] = d

	snap.Values[types.IndicatorCCI20] = CCI(highs, lows, closes, 20)

	mfi, mfiUndefined := MFI(highs, lows, closes, volumes, 14)
	snap.Values[types.IndicatorMFI14] = mfi
	if mfiUndefined {
		snap.Flags[types.FlagMFIUndefined] = true
	}

	snap.Values[types.IndicatorVolumeProfile] = VolumeProfilePOC(bars)

	return snap
}

func closeSeries(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Close.Float64()
	}
	return out
}

func highSeries(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.High.Float64()
	}
	return out
}

func lowSeries(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Low.Float64()
	}
	return out
}

func volumeSeries(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Volume.Float64()
	}
	return out
}

// EMA returns the exponential moving average of values with the given
// period, seeded with a simple average of the first period observations;
// with fewer than period values it returns their simple average.
func EMA(values []float64, period int) float64 {
	if len(values) == 0 || period <= 0 {
		return 0
	}
	if len(values) < period {
		return sma(values, len(values))
	}
	k := 2.0 / (float64(period) + 1.0)
	ema := sma(values[:period], period)
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

func sma(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		period = len(values)
	}
	if period == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// RSI returns the 0-100 relative strength index, plus undefined=true (with
// the mid-value 50) when fewer than period+1 observations exist or the
// window has no price change at all (the rsi_undefined flag).
func RSI(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 50, true
	}
	var gainSum, lossSum float64
	for i := len(closes) - period; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum += -delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	if avgGain == 0 && avgLoss == 0 {
		return 50, true
	}
	if avgLoss == 0 {
		return 100, false
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), false
}

// MACD returns the MACD line, signal line, and histogram.
func MACD(closes []float64, fast, slow, signalPeriod int) (macd, signal, histogram float64) {
	if len(closes) < slow {
		return 0, 0, 0
	}
	macdSeries := make([]float64, 0, len(closes)-slow+1)
	for i := slow; i <= len(closes); i++ {
		macdSeries = append(macdSeries, EMA(closes[:i], fast)-EMA(closes[:i], slow))
	}
	macd = macdSeries[len(macdSeries)-1]
	signal = EMA(macdSeries, signalPeriod)
	return macd, signal, macd - signal
}

// BollingerBands returns upper/mid/lower bands at numStdDev standard
// deviations around a simple moving average.
func BollingerBands(closes []float64, period int, numStdDev float64) (upper, mid, lower float64) {
	if len(closes) < period {
		period = len(closes)
	}
	if period == 0 {
		return 0, 0, 0
	}
	window := closes[len(closes)-period:]
	mid = sma(window, period)
	variance := 0.0
	for _, v := range window {
		variance += (v - mid) * (v - mid)
	}
	stddev := math.Sqrt(variance / float64(period))
	return mid + numStdDev*stddev, mid, mid - numStdDev*stddev
}

// ATR returns the average true range over period bars (Wilder smoothing).
func ATR(highs, lows, closes []float64, period int) float64 {
	if len(highs) < 2 {
		return 0
	}
	trueRanges := make([]float64, 0, len(highs)-1)
	for i := 1; i < len(highs); i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		trueRanges = append(trueRanges, math.Max(hl, math.Max(hc, lc)))
	}
	if period <= 0 || len(trueRanges) <= period {
		return sma(trueRanges, period)
	}
	atr := sma(trueRanges[:period], period)
	for _, tr := range trueRanges[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}

// Stochastic returns %K and %D (smoothed %K).
func Stochastic(highs, lows, closes []float64, period, smooth int) (k, d float64) {
	if len(closes) < period {
		period = len(closes)
	}
	if period == 0 {
		return 50, 50
	}
	kValues := make([]float64, 0, smooth)
	for s := 0; s < smooth; s++ {
		end := len(closes) - s
		if end < period {
			break
		}
		hWindow := highs[end-period : end]
		lWindow := lows[end-period : end]
		highest := maxOf(hWindow)
		lowest := minOf(lWindow)
		c := closes[end-1]
		if highest == lowest {
			kValues = append(kValues, 50)
			continue
		}
		kValues = append(kValues, 100*(c-lowest)/(highest-lowest))
	}
	if len(kValues) == 0 {
		return 50, 50
	}
	k = kValues[0]
	d = sma(kValues, len(kValues))
	return k, d
}

// CCI returns the commodity channel index over period bars.
func CCI(highs, lows, closes []float64, period int) float64 {
	if len(closes) < period {
		period = len(closes)
	}
	if period == 0 {
		return 0
	}
	typicalPrices := make([]float64, period)
	start := len(closes) - period
	for i := 0; i < period; i++ {
		typicalPrices[i] = (highs[start+i] + lows[start+i] + closes[start+i]) / 3
	}
	meanTP := sma(typicalPrices, period)
	meanDev := 0.0
	for _, tp := range typicalPrices {
		meanDev += math.Abs(tp - meanTP)
	}
	meanDev /= float64(period)
	if meanDev == 0 {
		return 0
	}
	return (typicalPrices[period-1] - meanTP) / (0.015 * meanDev)
}

// MFI returns the 0-100 money flow index, plus undefined=true (with the
// mid-value 50) when fewer than period+1 observations exist or the window's
// volume is all zero (the mfi_undefined flag).
func MFI(highs, lows, closes, volumes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 50, true
	}
	var posFlow, negFlow, volSum float64
	start := len(closes) - period
	for i := start; i < len(closes); i++ {
		tp := (highs[i] + lows[i] + closes[i]) / 3
		prevTP := (highs[i-1] + lows[i-1] + closes[i-1]) / 3
		flow := tp * volumes[i]
		volSum += volumes[i]
		if tp > prevTP {
			posFlow += flow
		} else if tp < prevTP {
			negFlow += flow
		}
	}
	if volSum == 0 {
		return 50, true
	}
	if negFlow == 0 {
		return 100, false
	}
	ratio := posFlow / negFlow
	return 100 - (100 / (1 + ratio)), false
}

// VolumeProfilePOC returns an approximate point-of-control price: the
// volume-weighted average price over the supplied window, used as a
// cheap single-value summary rather than a full histogram.
func VolumeProfilePOC(bars []types.Bar) float64 {
	var notional, volume float64
	for _, b := range bars {
		c, _ := b.Close.Float64()
		v, _ := b.Volume.Float64()
		notional += c * v
		volume += v
	}
	if volume == 0 {
		return 0
	}
	return notional / volume
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
