// Package scorer is the L5 Confluence Scorer: it blends indicator, pattern,
// and analyst evidence across timeframes into a single composite score,
// detects the prevailing market regime, calibrates the score against
// realized outcomes, and emits a Signal when the entry bar is cleared.
package scorer

import (
	"fmt"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Input bundles one tick's evidence across every configured timeframe for
// a symbol.
type Input struct {
	Symbol     string
	Bars       map[types.Timeframe][]types.Bar
	Indicators map[types.Timeframe]types.IndicatorSnapshot
	Patterns   map[types.Timeframe][]types.Pattern
	Verdicts   []types.AnalystVerdict
}

// Scorer computes composite confluence scores and emits Signals.
type Scorer struct {
	logger     *zap.Logger
	config     types.ScorerConfig
	calibrator Calibrator
}

// NewScorer constructs a Scorer. calibrator may be nil, in which case a
// fresh QuantileCalibrator is used.
func NewScorer(logger *zap.Logger, config types.ScorerConfig, calibrator Calibrator) *Scorer {
	if calibrator == nil {
		calibrator = NewQuantileCalibrator()
	}
	return &Scorer{logger: logger, config: config, calibrator: calibrator}
}

// Observe feeds a closed trade's outcome back into the calibrator.
func (s *Scorer) Observe(rawScore float64, won bool) {
	s.calibrator.Observe(rawScore, won)
}

// Score evaluates one symbol's Input and returns a Signal. Direction is
// types.DirectionNone when the entry bar is not cleared.
func (s *Scorer) Score(in Input) types.Signal {
	regime := types.RegimeSideways
	if bars, ok := in.Bars[primaryTimeframe(in.Bars)]; ok {
		regime = DetectRegime(bars)
	}

	var weightedScore, weightSum float64
	var direction types.Direction
	var evidence []string
	var bestPatternConf float64
	var atr float64
	var entryRef decimal.Decimal

	for tf, snap := range in.Indicators {
		tfWeight := s.config.TimeframeBaseWeights[tf]
		if tfWeight == 0 {
			tfWeight = 1.0 / float64(len(in.Indicators))
		}
		trend, trendDir := trendComponent(snap)
		momentum := momentumComponent(snap)
		volatility := volatilityComponent(snap)
		volume := volumeComponent(snap)

		component := s.config.Weights.Trend*trend +
			s.config.Weights.Momentum*momentum +
			s.config.Weights.Volatility*volatility +
			s.config.Weights.Volume*volume

		weightedScore += component * tfWeight
		weightSum += (s.config.Weights.Trend + s.config.Weights.Momentum + s.config.Weights.Volatility + s.config.Weights.Volume) * tfWeight

		if trendDir != types.DirectionNone {
			direction = combineDirection(direction, trendDir)
		}
		if v, ok := snap.Values[types.IndicatorATR14]; ok && tf == primaryTimeframe(in.Bars) {
			atr = v
		}
		if bars, ok := in.Bars[tf]; ok && len(bars) > 0 && tf == primaryTimeframe(in.Bars) {
			entryRef = bars[len(bars)-1].Close
		}
		evidence = append(evidence, fmt.Sprintf("%s:trend=%.1f,momentum=%.1f", tf, trend, momentum))
	}

	for tf, pats := range in.Patterns {
		for _, p := range pats {
			contrib := p.Confidence * p.Strength * 10
			tfWeight := s.config.TimeframeBaseWeights[tf]
			if tfWeight == 0 {
				tfWeight = 1.0 / float64(len(in.Patterns))
			}
			weightedScore += s.config.Weights.Pattern * contrib * tfWeight
			weightSum += s.config.Weights.Pattern * tfWeight
			if p.Confidence > bestPatternConf {
				bestPatternConf = p.Confidence
			}
			evidence = append(evidence, fmt.Sprintf("pattern:%s@%s conf=%.2f", p.PatternType, tf, p.Confidence))
		}
	}

	if len(in.Verdicts) > 0 {
		var analystScore float64
		for _, v := range in.Verdicts {
			analystScore += sentimentToScore(v.Sentiment) * v.Confidence
			evidence = append(evidence, fmt.Sprintf("analyst:%s=%s(%.2f)", v.AnalystID, v.Sentiment, v.Confidence))
			if sentDir := sentimentDirection(v.Sentiment); sentDir != types.DirectionNone {
				direction = combineDirection(direction, sentDir)
			}
		}
		analystScore /= float64(len(in.Verdicts))
		weightedScore += s.config.Weights.Analyst * analystScore
		weightSum += s.config.Weights.Analyst
	}

	var raw float64
	if weightSum > 0 {
		raw = weightedScore / weightSum
	}
	if raw < 0 {
		raw = 0
	}
	if raw > 100 {
		raw = 100
	}

	if direction == types.DirectionNone || raw < s.config.EntryThreshold || entryRef.IsZero() {
		return types.Signal{ID: uuid.NewString(), Symbol: in.Symbol, Direction: types.DirectionNone,
			ConfluenceScore: raw, IssuedAt: time.Now().UTC()}
	}

	calibrated := s.calibrator.Calibrate(raw)
	if calibrated < s.config.MinCalibratedConfidence {
		return types.Signal{ID: uuid.NewString(), Symbol: in.Symbol, Direction: types.DirectionNone,
			ConfluenceScore: raw, CalibratedConfidence: calibrated, IssuedAt: time.Now().UTC()}
	}
	if regime == types.RegimeSideways && direction != types.DirectionNone && raw < s.config.EntryThreshold+10 {
		evidence = append(evidence, "regime:sideways near entry threshold")
	}

	stopDistance := decimal.NewFromFloat(atr * s.config.ATRStopMultiple)
	if stopDistance.IsZero() {
		stopDistance = entryRef.Mul(decimal.NewFromFloat(0.01))
	}

	sig := types.Signal{
		ID:                   uuid.NewString(),
		Symbol:               in.Symbol,
		Direction:            direction,
		ConfluenceScore:      raw,
		CalibratedConfidence: calibrated,
		EntryPrice:           entryRef,
		Priority:             priorityFromScore(raw),
		ContributingEvidence: evidence,
		IssuedAt:             time.Now().UTC(),
		ExpiresAt:            time.Now().UTC().Add(15 * time.Minute),
	}

	minRR := decimal.NewFromFloat(s.config.MinRiskReward)
	if direction == types.DirectionLong {
		sig.StopPrice = entryRef.Sub(stopDistance)
		sig.TargetPrice = entryRef.Add(stopDistance.Mul(minRR))
	} else {
		sig.StopPrice = entryRef.Add(stopDistance)
		sig.TargetPrice = entryRef.Sub(stopDistance.Mul(minRR))
	}
	sig.RiskReward = sig.TargetPrice.Sub(sig.EntryPrice).Abs().Div(sig.EntryPrice.Sub(sig.StopPrice).Abs())

	return sig
}

func primaryTimeframe(bars map[types.Timeframe][]types.Bar) types.Timeframe {
	for _, tf := range []types.Timeframe{types.Timeframe1h, types.Timeframe4h, types.Timeframe15m, types.Timeframe1d} {
		if _, ok := bars[tf]; ok {
			return tf
		}
	}
	return types.Timeframe1h
}

func trendComponent(snap types.IndicatorSnapshot) (score float64, direction types.Direction) {
	ema20, ema50, ema200 := snap.Values[types.IndicatorEMA20], snap.Values[types.IndicatorEMA50], snap.Values[types.IndicatorEMA200]
	macdHist := snap.Values[types.IndicatorMACDHist]
	switch {
	case ema20 > ema50 && ema50 > ema200:
		direction = types.DirectionLong
		score = 80
	case ema20 < ema50 && ema50 < ema200:
		direction = types.DirectionShort
		score = 80
	default:
		direction = types.DirectionNone
		score = 40
	}
	if macdHist > 0 && direction == types.DirectionLong {
		score += 10
	} else if macdHist < 0 && direction == types.DirectionShort {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score, direction
}

func momentumComponent(snap types.IndicatorSnapshot) float64 {
	if snap.Flags[types.FlagRSIUndefined] {
		return 50
	}
	rsi := snap.Values[types.IndicatorRSI14]
	switch {
	case rsi >= 70 || rsi <= 30:
		return 90
	case rsi >= 60 || rsi <= 40:
		return 65
	default:
		return 40
	}
}

func volatilityComponent(snap types.IndicatorSnapshot) float64 {
	upper, lower := snap.Values[types.IndicatorBBUpper], snap.Values[types.IndicatorBBLower]
	mid := snap.Values[types.IndicatorBBMid]
	if mid == 0 {
		return 50
	}
	width := (upper - lower) / mid
	switch {
	case width < 0.02:
		return 30 // overly tight, ambiguous
	case width > 0.1:
		return 60 // wide but tradeable
	default:
		return 80
	}
}

func volumeComponent(snap types.IndicatorSnapshot) float64 {
	if snap.Flags[types.FlagMFIUndefined] {
		return 50
	}
	mfi := snap.Values[types.IndicatorMFI14]
	switch {
	case mfi >= 70 || mfi <= 30:
		return 85
	default:
		return 50
	}
}

func combineDirection(current, next types.Direction) types.Direction {
	if current == types.DirectionNone {
		return next
	}
	if current == next {
		return current
	}
	return types.DirectionNone // conflicting evidence cancels the call
}

func sentimentToScore(s types.Sentiment) float64 {
	switch s {
	case types.SentimentBullish:
		return 100
	case types.SentimentBearish:
		return 0
	default:
		return 50
	}
}

func sentimentDirection(s types.Sentiment) types.Direction {
	switch s {
	case types.SentimentBullish:
		return types.DirectionLong
	case types.SentimentBearish:
		return types.DirectionShort
	default:
		return types.DirectionNone
	}
}

func priorityFromScore(raw float64) int {
	switch {
	case raw >= 95:
		return 5
	case raw >= 85:
		return 4
	case raw >= 75:
		return 3
	case raw >= 70:
		return 2
	default:
		return 1
	}
}
