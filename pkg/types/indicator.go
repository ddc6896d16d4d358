package types

import (
	"fmt"
	"time"
)

// IndicatorSnapshot is the deterministic output of the Indicator Engine over
// a window of Bars. Values map an indicator name to its computed reading;
// bounded indicators (RSI, Stochastic, MFI, Bollinger order) carry the range
// invariants checked by Validate.
type IndicatorSnapshot struct {
	Symbol    string             `json:"symbol"`
	Timeframe Timeframe          `json:"timeframe"`
	BarTime   time.Time          `json:"bar_time"`
	Values    map[string]float64 `json:"values"`
	// Flags records edge cases the spec requires to be surfaced rather than
	// silently guessed at (constant-price RSI, zero-volume MFI, warmup).
	Flags map[string]bool `json:"flags,omitempty"`
}

// Well-known indicator keys stored in Values.
const (
	IndicatorEMA20       = "ema_20"
	IndicatorEMA50       = "ema_50"
	IndicatorEMA200      = "ema_200"
	IndicatorRSI14       = "rsi_14"
	IndicatorMACD        = "macd"
	IndicatorMACDSignal  = "macd_signal"
	IndicatorMACDHist    = "macd_histogram"
	IndicatorBBUpper     = "bb_upper"
	IndicatorBBMid       = "bb_mid"
	IndicatorBBLower     = "bb_lower"
	IndicatorATR14       = "atr_14"
	IndicatorStochK      = "stoch_k"
	IndicatorStochD      = "stoch_d"
	IndicatorCCI20       = "cci_20"
	IndicatorMFI14       = "mfi_14"
	IndicatorVolumeProfile = "volume_profile"

	FlagRSIUndefined = "rsi_undefined"
	FlagMFIUndefined = "mfi_undefined"
	FlagWarmup       = "warmup"
)

// Validate checks the bounded-indicator range invariants of spec §3.2.
func (s IndicatorSnapshot) Validate() error {
	if v, ok := s.Values[IndicatorRSI14]; ok && !s.Flags[FlagRSIUndefined] {
		if v < 0 || v > 100 {
			return fmt.Errorf("indicator %s@%s: rsi_14=%v out of [0,100]", s.Symbol, s.BarTime, v)
		}
	}
	if v, ok := s.Values[IndicatorStochK]; ok {
		if v < 0 || v > 100 {
			return fmt.Errorf("indicator %s@%s: stoch_k=%v out of [0,100]", s.Symbol, s.BarTime, v)
		}
	}
	if v, ok := s.Values[IndicatorMFI14]; ok && !s.Flags[FlagMFIUndefined] {
		if v < 0 || v > 100 {
			return fmt.Errorf("indicator %s@%s: mfi_14=%v out of [0,100]", s.Symbol, s.BarTime, v)
		}
	}
	lower, hasLower := s.Values[IndicatorBBLower]
	mid, hasMid := s.Values[IndicatorBBMid]
	upper, hasUpper := s.Values[IndicatorBBUpper]
	if hasLower && hasMid && hasUpper {
		if !(lower <= mid && mid <= upper) {
			return fmt.Errorf("indicator %s@%s: bollinger order violated (%v<=%v<=%v)", s.Symbol, s.BarTime, lower, mid, upper)
		}
	}
	return nil
}
