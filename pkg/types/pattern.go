package types

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Pattern is a detected chart pattern with confidence and ordinal strength.
type Pattern struct {
	PatternType  PatternType       `json:"pattern_type"`
	Symbol       string            `json:"symbol"`
	Timeframe    Timeframe         `json:"timeframe"`
	Confidence   float64           `json:"confidence"`   // [0,1]
	Strength     float64           `json:"strength"`      // [0,10]
	PriceLevels  []decimal.Decimal `json:"price_levels"`  // sorted ascending, all positive
	DetectedAt   time.Time         `json:"detected_at"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

// Validate enforces the Pattern invariants of spec §3.3.
func (p Pattern) Validate() error {
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("pattern %s: confidence %v out of [0,1]", p.PatternType, p.Confidence)
	}
	if p.Strength < 0 || p.Strength > 10 {
		return fmt.Errorf("pattern %s: strength %v out of [0,10]", p.PatternType, p.Strength)
	}
	for i, lvl := range p.PriceLevels {
		if !lvl.IsPositive() {
			return fmt.Errorf("pattern %s: price level %s not positive", p.PatternType, lvl)
		}
		if i > 0 && lvl.LessThan(p.PriceLevels[i-1]) {
			return fmt.Errorf("pattern %s: price levels not sorted ascending", p.PatternType)
		}
	}
	return nil
}

// SortPatternsByDetectedAt resolves detection ties in favor of the earlier
// detected_at, per spec §4.3.
func SortPatternsByDetectedAt(patterns []Pattern) {
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].DetectedAt.Before(patterns[j].DetectedAt)
	})
}
