package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a per-symbol open exposure owned by the Position Manager's
// state machine (spec §4.8).
type Position struct {
	PositionID    string          `json:"position_id" db:"position_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Direction     Direction       `json:"direction" db:"direction"`
	Quantity      decimal.Decimal `json:"quantity" db:"qty"`
	AvgEntry      decimal.Decimal `json:"avg_entry" db:"entry"`
	Stop          decimal.Decimal `json:"stop" db:"stop"`
	Target        decimal.Decimal `json:"target" db:"target"`
	State         PositionState   `json:"state" db:"state"`
	OpenedAt      time.Time       `json:"opened_at" db:"opened_at"`
	LastCheckAt   time.Time       `json:"last_check_at" db:"-"`
	Adjustments   int             `json:"adjustments" db:"adjustments"`
	MaxAdjustments int            `json:"max_adjustments" db:"-"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" db:"pnl"`
	Fees          decimal.Decimal `json:"fees" db:"-"`
	Funding       decimal.Decimal `json:"funding" db:"-"`
	PatternType   PatternType     `json:"pattern_type,omitempty" db:"-"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// CanAdjust reports whether another stop/target adjustment is permitted.
func (p Position) CanAdjust() bool {
	return p.Adjustments < p.MaxAdjustments
}

// ComputeRealizedPnL implements the P&L invariant of spec §4.8 and §8.5:
// realized_pnl = sum(exit_fill_qty * (exit_price - entry_avg) * side_sign) - fees - funding.
func ComputeRealizedPnL(exitFills []Fill, entryAvg decimal.Decimal, direction Direction, fees, funding decimal.Decimal) decimal.Decimal {
	sign := decimal.NewFromInt(int64(direction.SideSign()))
	total := decimal.Zero
	for _, f := range exitFills {
		total = total.Add(f.Qty.Mul(f.Price.Sub(entryAvg)).Mul(sign))
	}
	return total.Sub(fees).Sub(funding)
}

// PatternPerformance is the rolling-window bandit state for one pattern
// type, updated by the Learning Memory on closed trades (spec §3.8, §4.9).
type PatternPerformance struct {
	PatternType   PatternType        `json:"pattern_type" db:"pattern_type"`
	Windows       map[string]Window  `json:"windows" db:"-"` // keys: "30d","60d","90d"
	CurrentWeight float64            `json:"current_weight" db:"weight"` // [0.5, 2.0]
	BanditState   BanditState        `json:"bandit_state" db:"-"`
	UpdatedAt     time.Time          `json:"updated_at" db:"updated_at"`
}

// Window is one rolling-window aggregate of closed-trade outcomes.
type Window struct {
	Trades      int             `json:"trades"`
	Wins        int             `json:"wins"`
	ExpectancyR decimal.Decimal `json:"expectancy_r"`
	AvgHold     time.Duration   `json:"avg_hold"`
}

// BanditState is the persisted ε-greedy/UCB1 estimator state for one arm
// (pattern type) in the Learning Memory.
type BanditState struct {
	Pulls          int     `json:"pulls"`
	RewardSum      float64 `json:"reward_sum"`
	RewardSumSq    float64 `json:"reward_sum_sq"`
}

// ExpectedReward returns the bandit's running mean reward estimate.
func (b BanditState) ExpectedReward() float64 {
	if b.Pulls == 0 {
		return 0
	}
	return b.RewardSum / float64(b.Pulls)
}

const (
	MinPatternWeight = 0.5
	MaxPatternWeight = 2.0
)

// ClampWeight bounds a pattern weight to [0.5, 2.0] per spec §3.8.
func ClampWeight(w float64) float64 {
	if w < MinPatternWeight {
		return MinPatternWeight
	}
	if w > MaxPatternWeight {
		return MaxPatternWeight
	}
	return w
}
