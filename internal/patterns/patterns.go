// Package patterns is the L3 Pattern Detector: it scans a bar window for
// the closed set of recognized chart patterns and emits Pattern values
// whose Confidence blends geometric fit with volume confirmation and
// (optionally) the pattern's historical hit-rate from the Learning Memory.
package patterns

import (
	"math"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/shopspring/decimal"
)

// WeightSource supplies a pattern's historical performance weight, normally
// backed by the Learning Memory's PatternPerformance.CurrentWeight. A nil
// WeightSource is treated as always returning 1.0 (neutral).
type WeightSource interface {
	Weight(pt types.PatternType) float64
}

// Detector scans bar windows and emits Patterns.
type Detector struct {
	weights WeightSource
}

// NewDetector constructs a Detector. weights may be nil.
func NewDetector(weights WeightSource) *Detector {
	return &Detector{weights: weights}
}

func (d *Detector) weightFor(pt types.PatternType) float64 {
	if d.weights == nil {
		return 1.0
	}
	return d.weights.Weight(pt)
}

// Detect runs every pattern family against bars and returns all matches,
// sorted by detected_at per spec §4.3's tie-break rule.
func (d *Detector) Detect(symbol string, tf types.Timeframe, bars []types.Bar) []types.Pattern {
	if len(bars) < 5 {
		return nil
	}
	var out []types.Pattern
	out = append(out, d.supportResistance(symbol, tf, bars)...)
	out = append(out, d.breakout(symbol, tf, bars)...)
	out = append(out, d.divergence(symbol, tf, bars)...)
	out = append(out, d.candlesticks(symbol, tf, bars)...)
	out = append(out, d.doubleTopBottom(symbol, tf, bars)...)
	out = append(out, d.headAndShoulders(symbol, tf, bars)...)
	out = append(out, d.triangle(symbol, tf, bars)...)
	out = append(out, d.flag(symbol, tf, bars)...)

	types.SortPatternsByDetectedAt(out)
	return out
}

func f64(d decimal.Decimal) float64 { v, _ := d.Float64(); return v }

func avgVolume(bars []types.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	sum := 0.0
	for _, b := range bars {
		sum += f64(b.Volume)
	}
	return sum / float64(len(bars))
}

// volumeConfirmation maps a bar's volume relative to the window average
// into a [0,1] confirmation multiplier, capping the benefit at 2x average.
func volumeConfirmation(bar types.Bar, windowAvg float64) float64 {
	if windowAvg <= 0 {
		return 0.5
	}
	ratio := f64(bar.Volume) / windowAvg
	if ratio > 2 {
		ratio = 2
	}
	return ratio / 2
}

func blendConfidence(geometricFit, volumeConf, weight float64) float64 {
	base := 0.6*geometricFit + 0.4*volumeConf
	scaled := base * weight
	if scaled < 0 {
		return 0
	}
	if scaled > 1 {
		return 1
	}
	return scaled
}

// supportResistance finds price levels touched at least 3 times within a
// tight band and reports them as a single pattern per cluster.
func (d *Detector) supportResistance(symbol string, tf types.Timeframe, bars []types.Bar) []types.Pattern {
	if len(bars) < 20 {
		return nil
	}
	window := bars[len(bars)-20:]
	avgVol := avgVolume(window)

	type cluster struct {
		level  float64
		touches int
		lastAt time.Time
	}
	var clusters []cluster
	const bandPct = 0.0025

	addTouch := func(price float64, at time.Time) {
		for i := range clusters {
			if math.Abs(clusters[i].level-price)/clusters[i].level <= bandPct {
				clusters[i].touches++
				clusters[i].level = (clusters[i].level + price) / 2
				if at.After(clusters[i].lastAt) {
					clusters[i].lastAt = at
				}
				return
			}
		}
		clusters = append(clusters, cluster{level: price, touches: 1, lastAt: at})
	}
	for _, b := range window {
		addTouch(f64(b.High), b.OpenTime)
		addTouch(f64(b.Low), b.OpenTime)
	}

	var out []types.Pattern
	for _, c := range clusters {
		if c.touches < 3 {
			continue
		}
		fit := math.Min(1, float64(c.touches)/6)
		volConf := volumeConfirmation(window[len(window)-1], avgVol)
		conf := blendConfidence(fit, volConf, d.weightFor(types.PatternSupportResistance))
		out = append(out, types.Pattern{
			PatternType: types.PatternSupportResistance,
			Symbol:      symbol,
			Timeframe:   tf,
			Confidence:  conf,
			Strength:    fit * 10,
			PriceLevels: []decimal.Decimal{decimal.NewFromFloat(c.level)},
			DetectedAt:  c.lastAt,
			Metadata:    map[string]any{"touches": c.touches},
		})
	}
	return out
}

// breakout detects a close beyond the prior N-bar high/low. The last bar's
// volume against the window average scales the confidence; it does not gate
// detection.
func (d *Detector) breakout(symbol string, tf types.Timeframe, bars []types.Bar) []types.Pattern {
	const lookback = 20
	if len(bars) < lookback+1 {
		return nil
	}
	last := bars[len(bars)-1]
	window := bars[len(bars)-lookback-1 : len(bars)-1]
	avgVol := avgVolume(window)

	highest, lowest := f64(window[0].High), f64(window[0].Low)
	for _, b := range window {
		if f64(b.High) > highest {
			highest = f64(b.High)
		}
		if f64(b.Low) < lowest {
			lowest = f64(b.Low)
		}
	}
	lastClose := f64(last.Close)
	var out []types.Pattern
	volConf := volumeConfirmation(last, avgVol)

	if lastClose > highest {
		fit := math.Min(1, (lastClose-highest)/highest*20)
		conf := blendConfidence(fit, volConf, d.weightFor(types.PatternBreakout))
		out = append(out, types.Pattern{
			PatternType: types.PatternBreakout, Symbol: symbol, Timeframe: tf,
			Confidence: conf, Strength: fit * 10,
			PriceLevels: []decimal.Decimal{decimal.NewFromFloat(highest)},
			DetectedAt:  last.OpenTime,
			Metadata:    map[string]any{"direction": "up"},
		})
	}
	if lastClose < lowest {
		fit := math.Min(1, (lowest-lastClose)/lowest*20)
		conf := blendConfidence(fit, volConf, d.weightFor(types.PatternBreakout))
		out = append(out, types.Pattern{
			PatternType: types.PatternBreakout, Symbol: symbol, Timeframe: tf,
			Confidence: conf, Strength: fit * 10,
			PriceLevels: []decimal.Decimal{decimal.NewFromFloat(lowest)},
			DetectedAt:  last.OpenTime,
			Metadata:    map[string]any{"direction": "down"},
		})
	}
	return out
}

// divergence compares price direction against RSI-proxy momentum (rate of
// change of close) across the last 14 bars and the 14 bars before them to flag bearish/bullish
// divergence. It uses only price data, not the Indicator Engine, so the
// Pattern Detector stays decoupled from indicator computation order.
func (d *Detector) divergence(symbol string, tf types.Timeframe, bars []types.Bar) []types.Pattern {
	const window = 14
	if len(bars) < window*2 {
		return nil
	}
	recent := bars[len(bars)-window:]
	prior := bars[len(bars)-window*2 : len(bars)-window]

	recentHigh, priorHigh := highOf(recent), highOf(prior)
	recentLow, priorLow := lowOf(recent), lowOf(prior)
	recentMomentum := momentum(recent)
	priorMomentum := momentum(prior)

	avgVol := avgVolume(bars[len(bars)-window:])
	last := bars[len(bars)-1]
	volConf := volumeConfirmation(last, avgVol)

	var out []types.Pattern
	if recentHigh > priorHigh && recentMomentum < priorMomentum {
		fit := math.Min(1, (priorMomentum-recentMomentum)/math.Max(math.Abs(priorMomentum), 1e-9))
		conf := blendConfidence(fit, volConf, d.weightFor(types.PatternDivergence))
		out = append(out, types.Pattern{
			PatternType: types.PatternDivergence, Symbol: symbol, Timeframe: tf,
			Confidence: conf, Strength: fit * 10,
			PriceLevels: []decimal.Decimal{decimal.NewFromFloat(recentHigh)},
			DetectedAt:  last.OpenTime,
			Metadata:    map[string]any{"kind": "bearish"},
		})
	}
	if recentLow < priorLow && recentMomentum > priorMomentum {
		fit := math.Min(1, (recentMomentum-priorMomentum)/math.Max(math.Abs(priorMomentum), 1e-9))
		conf := blendConfidence(fit, volConf, d.weightFor(types.PatternDivergence))
		out = append(out, types.Pattern{
			PatternType: types.PatternDivergence, Symbol: symbol, Timeframe: tf,
			Confidence: conf, Strength: fit * 10,
			PriceLevels: []decimal.Decimal{decimal.NewFromFloat(recentLow)},
			DetectedAt:  last.OpenTime,
			Metadata:    map[string]any{"kind": "bullish"},
		})
	}
	return out
}

func highOf(bars []types.Bar) float64 {
	h := f64(bars[0].High)
	for _, b := range bars {
		if f64(b.High) > h {
			h = f64(b.High)
		}
	}
	return h
}

func lowOf(bars []types.Bar) float64 {
	l := f64(bars[0].Low)
	for _, b := range bars {
		if f64(b.Low) < l {
			l = f64(b.Low)
		}
	}
	return l
}

func momentum(bars []types.Bar) float64 {
	if len(bars) < 2 {
		return 0
	}
	first := f64(bars[0].Close)
	last := f64(bars[len(bars)-1].Close)
	if first == 0 {
		return 0
	}
	return (last - first) / first
}

// candlesticks detects single-bar pin bar, engulfing, and doji formations
// on the most recent bar.
func (d *Detector) candlesticks(symbol string, tf types.Timeframe, bars []types.Bar) []types.Pattern {
	last := bars[len(bars)-1]
	body := math.Abs(f64(last.Close) - f64(last.Open))
	fullRange := f64(last.High) - f64(last.Low)
	if fullRange <= 0 {
		return nil
	}
	upperWick := f64(last.High) - math.Max(f64(last.Open), f64(last.Close))
	lowerWick := math.Min(f64(last.Open), f64(last.Close)) - f64(last.Low)
	avgVol := avgVolume(bars[max(0, len(bars)-20):])
	volConf := volumeConfirmation(last, avgVol)

	var out []types.Pattern
	// Pin bar: one wick at least 2x the body and dominating the range.
	if body > 0 && (upperWick >= 2*body || lowerWick >= 2*body) && body/fullRange < 0.35 {
		fit := math.Min(1, math.Max(upperWick, lowerWick)/fullRange)
		conf := blendConfidence(fit, volConf, d.weightFor(types.PatternPinBar))
		out = append(out, types.Pattern{
			PatternType: types.PatternPinBar, Symbol: symbol, Timeframe: tf,
			Confidence: conf, Strength: fit * 10,
			PriceLevels: []decimal.Decimal{last.Close},
			DetectedAt:  last.OpenTime,
		})
	}
	// Doji: body is a tiny fraction of the range.
	if body/fullRange < 0.1 {
		fit := 1 - body/fullRange
		conf := blendConfidence(fit, volConf, d.weightFor(types.PatternDoji))
		out = append(out, types.Pattern{
			PatternType: types.PatternDoji, Symbol: symbol, Timeframe: tf,
			Confidence: conf, Strength: fit * 10,
			PriceLevels: []decimal.Decimal{last.Close},
			DetectedAt:  last.OpenTime,
		})
	}
	// Engulfing: current body fully contains the prior body and is opposite
	// in direction.
	if len(bars) >= 2 {
		prev := bars[len(bars)-2]
		prevBody := math.Abs(f64(prev.Close) - f64(prev.Open))
		curBullish := f64(last.Close) > f64(last.Open)
		prevBullish := f64(prev.Close) > f64(prev.Open)
		engulfs := math.Max(f64(last.Open), f64(last.Close)) >= math.Max(f64(prev.Open), f64(prev.Close)) &&
			math.Min(f64(last.Open), f64(last.Close)) <= math.Min(f64(prev.Open), f64(prev.Close))
		if engulfs && curBullish != prevBullish && body > prevBody {
			fit := math.Min(1, body/math.Max(prevBody, 1e-9)/3)
			conf := blendConfidence(fit, volConf, d.weightFor(types.PatternEngulfing))
			out = append(out, types.Pattern{
				PatternType: types.PatternEngulfing, Symbol: symbol, Timeframe: tf,
				Confidence: conf, Strength: fit * 10,
				PriceLevels: []decimal.Decimal{last.Close},
				DetectedAt:  last.OpenTime,
			})
		}
	}
	return out
}

// doubleTopBottom finds two comparable swing highs (double top) or swing
// lows (double bottom) separated by a retracement.
func (d *Detector) doubleTopBottom(symbol string, tf types.Timeframe, bars []types.Bar) []types.Pattern {
	const window = 30
	if len(bars) < window {
		return nil
	}
	recent := bars[len(bars)-window:]
	peaks := swingHighs(recent)
	troughs := swingLows(recent)
	avgVol := avgVolume(recent)
	last := recent[len(recent)-1]
	volConf := volumeConfirmation(last, avgVol)

	var out []types.Pattern
	if len(peaks) >= 2 {
		p1, p2 := peaks[len(peaks)-2], peaks[len(peaks)-1]
		spread := math.Abs(f64(p1.High)-f64(p2.High)) / f64(p1.High)
		if spread < 0.01 {
			fit := 1 - spread*50
			conf := blendConfidence(fit, volConf, d.weightFor(types.PatternDoubleTop))
			out = append(out, types.Pattern{
				PatternType: types.PatternDoubleTop, Symbol: symbol, Timeframe: tf,
				Confidence: conf, Strength: fit * 10,
				PriceLevels: []decimal.Decimal{decimal.Min(p1.High, p2.High), decimal.Max(p1.High, p2.High)},
				DetectedAt:  p2.OpenTime,
			})
		}
	}
	if len(troughs) >= 2 {
		t1, t2 := troughs[len(troughs)-2], troughs[len(troughs)-1]
		spread := math.Abs(f64(t1.Low)-f64(t2.Low)) / f64(t1.Low)
		if spread < 0.01 {
			fit := 1 - spread*50
			conf := blendConfidence(fit, volConf, d.weightFor(types.PatternDoubleBottom))
			out = append(out, types.Pattern{
				PatternType: types.PatternDoubleBottom, Symbol: symbol, Timeframe: tf,
				Confidence: conf, Strength: fit * 10,
				PriceLevels: []decimal.Decimal{decimal.Min(t1.Low, t2.Low), decimal.Max(t1.Low, t2.Low)},
				DetectedAt:  t2.OpenTime,
			})
		}
	}
	return out
}

// headAndShoulders looks for three swing highs where the middle exceeds
// both shoulders within a tolerance band.
func (d *Detector) headAndShoulders(symbol string, tf types.Timeframe, bars []types.Bar) []types.Pattern {
	const window = 40
	if len(bars) < window {
		return nil
	}
	recent := bars[len(bars)-window:]
	peaks := swingHighs(recent)
	if len(peaks) < 3 {
		return nil
	}
	ls, head, rs := peaks[len(peaks)-3], peaks[len(peaks)-2], peaks[len(peaks)-1]
	if !(f64(head.High) > f64(ls.High) && f64(head.High) > f64(rs.High)) {
		return nil
	}
	shoulderSpread := math.Abs(f64(ls.High)-f64(rs.High)) / f64(ls.High)
	if shoulderSpread > 0.03 {
		return nil
	}
	avgVol := avgVolume(recent)
	volConf := volumeConfirmation(recent[len(recent)-1], avgVol)
	fit := 1 - shoulderSpread*10
	conf := blendConfidence(fit, volConf, d.weightFor(types.PatternHeadAndShoulders))
	return []types.Pattern{{
		PatternType: types.PatternHeadAndShoulders, Symbol: symbol, Timeframe: tf,
		Confidence: conf, Strength: fit * 10,
		PriceLevels: []decimal.Decimal{decimal.Min(ls.High, rs.High), head.High},
		DetectedAt:  rs.OpenTime,
	}}
}

// triangle detects converging swing highs/lows (contracting range) over the
// lookback window, a precursor the Scorer treats as a continuation setup.
func (d *Detector) triangle(symbol string, tf types.Timeframe, bars []types.Bar) []types.Pattern {
	const window = 20
	if len(bars) < window {
		return nil
	}
	firstHalf := bars[len(bars)-window : len(bars)-window/2]
	secondHalf := bars[len(bars)-window/2:]
	rangeFirst := highOf(firstHalf) - lowOf(firstHalf)
	rangeSecond := highOf(secondHalf) - lowOf(secondHalf)
	if rangeFirst <= 0 || rangeSecond >= rangeFirst {
		return nil
	}
	contraction := 1 - rangeSecond/rangeFirst
	if contraction < 0.25 {
		return nil
	}
	last := bars[len(bars)-1]
	avgVol := avgVolume(bars[len(bars)-window:])
	volConf := volumeConfirmation(last, avgVol)
	fit := math.Min(1, contraction)
	conf := blendConfidence(fit, volConf, d.weightFor(types.PatternTriangle))
	return []types.Pattern{{
		PatternType: types.PatternTriangle, Symbol: symbol, Timeframe: tf,
		Confidence: conf, Strength: fit * 10,
		PriceLevels: []decimal.Decimal{decimal.NewFromFloat(lowOf(secondHalf)), decimal.NewFromFloat(highOf(secondHalf))},
		DetectedAt:  last.OpenTime,
	}}
}

// flag detects a sharp directional move (the pole) followed by a tight,
// low-volume consolidation channel (the flag).
func (d *Detector) flag(symbol string, tf types.Timeframe, bars []types.Bar) []types.Pattern {
	const poleWindow, flagWindow = 10, 8
	if len(bars) < poleWindow+flagWindow {
		return nil
	}
	pole := bars[len(bars)-poleWindow-flagWindow : len(bars)-flagWindow]
	flagBars := bars[len(bars)-flagWindow:]

	poleMove := momentum(pole)
	if math.Abs(poleMove) < 0.03 {
		return nil
	}
	flagRange := highOf(flagBars) - lowOf(flagBars)
	poleRange := highOf(pole) - lowOf(pole)
	if poleRange <= 0 || flagRange/poleRange > 0.5 {
		return nil
	}
	poleAvgVol := avgVolume(pole)
	flagAvgVol := avgVolume(flagBars)
	if flagAvgVol >= poleAvgVol {
		return nil
	}
	fit := math.Min(1, 1-flagRange/poleRange)
	volConf := volumeConfirmation(flagBars[len(flagBars)-1], poleAvgVol)
	conf := blendConfidence(fit, volConf, d.weightFor(types.PatternFlag))
	dir := "bullish"
	if poleMove < 0 {
		dir = "bearish"
	}
	return []types.Pattern{{
		PatternType: types.PatternFlag, Symbol: symbol, Timeframe: tf,
		Confidence: conf, Strength: fit * 10,
		PriceLevels: []decimal.Decimal{decimal.NewFromFloat(lowOf(flagBars)), decimal.NewFromFloat(highOf(flagBars))},
		DetectedAt:  flagBars[len(flagBars)-1].OpenTime,
		Metadata:    map[string]any{"direction": dir},
	}}
}

func swingHighs(bars []types.Bar) []types.Bar {
	var out []types.Bar
	for i := 1; i < len(bars)-1; i++ {
		if f64(bars[i].High) > f64(bars[i-1].High) && f64(bars[i].High) > f64(bars[i+1].High) {
			out = append(out, bars[i])
		}
	}
	return out
}

func swingLows(bars []types.Bar) []types.Bar {
	var out []types.Bar
	for i := 1; i < len(bars)-1; i++ {
		if f64(bars[i].Low) < f64(bars[i-1].Low) && f64(bars[i].Low) < f64(bars[i+1].Low) {
			out = append(out, bars[i])
		}
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
