package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is an OHLCV summary of trading activity over one timeframe interval.
// Two bars with identical (Symbol, Timeframe, OpenTime) must be equal
// byte-for-byte; bars are immutable once written.
type Bar struct {
	Symbol      string          `json:"symbol" db:"symbol"`
	Timeframe   Timeframe       `json:"timeframe" db:"timeframe"`
	OpenTime    time.Time       `json:"open_time" db:"open_time"`
	Open        decimal.Decimal `json:"open" db:"open"`
	High        decimal.Decimal `json:"high" db:"high"`
	Low         decimal.Decimal `json:"low" db:"low"`
	Close       decimal.Decimal `json:"close" db:"close"`
	Volume      decimal.Decimal `json:"volume" db:"volume"`
	TradesCount int64           `json:"trades_count,omitempty" db:"trades_count"`
}

// Validate enforces the Bar invariants of spec §3.1: low <= min(open,close)
// <= max(open,close) <= high, and open_time aligned to the timeframe.
func (b Bar) Validate() error {
	if !b.Timeframe.Valid() {
		return fmt.Errorf("bar %s: invalid timeframe %q", b.Symbol, b.Timeframe)
	}
	minOC := decimal.Min(b.Open, b.Close)
	maxOC := decimal.Max(b.Open, b.Close)
	if b.Low.GreaterThan(minOC) {
		return fmt.Errorf("bar %s@%s: low %s > min(open,close) %s", b.Symbol, b.OpenTime, b.Low, minOC)
	}
	if maxOC.GreaterThan(b.High) {
		return fmt.Errorf("bar %s@%s: max(open,close) %s > high %s", b.Symbol, b.OpenTime, maxOC, b.High)
	}
	if !b.OpenTime.Equal(AlignToTimeframe(b.OpenTime, b.Timeframe)) {
		return fmt.Errorf("bar %s@%s: open_time not aligned to %s", b.Symbol, b.OpenTime, b.Timeframe)
	}
	return nil
}

// Duration returns the wall-clock span of one bar of the given timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// AlignToTimeframe floors t to the start of its timeframe bucket, in UTC.
func AlignToTimeframe(t time.Time, tf Timeframe) time.Time {
	t = t.UTC()
	d := tf.Duration()
	if d <= 0 {
		return t
	}
	return t.Truncate(d)
}

// Equal reports byte-for-byte equality of the identifying and value fields.
func (b Bar) Equal(other Bar) bool {
	return b.Symbol == other.Symbol &&
		b.Timeframe == other.Timeframe &&
		b.OpenTime.Equal(other.OpenTime) &&
		b.Open.Equal(other.Open) &&
		b.High.Equal(other.High) &&
		b.Low.Equal(other.Low) &&
		b.Close.Equal(other.Close) &&
		b.Volume.Equal(other.Volume)
}

// Key identifies a bar's (symbol, timeframe, open_time) slot.
type BarKey struct {
	Symbol    string
	Timeframe Timeframe
	OpenTime  time.Time
}

func (b Bar) Key() BarKey {
	return BarKey{Symbol: b.Symbol, Timeframe: b.Timeframe, OpenTime: b.OpenTime}
}
