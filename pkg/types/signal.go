package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Signal is the Confluence Scorer's directional output for one symbol.
type Signal struct {
	ID                  string          `json:"id"`
	Symbol              string          `json:"symbol"`
	Direction           Direction       `json:"direction"`
	ConfluenceScore     float64         `json:"confluence_score"`     // [0,100]
	CalibratedConfidence float64        `json:"calibrated_confidence"` // [0,1]
	EntryPrice          decimal.Decimal `json:"entry_price"`
	StopPrice           decimal.Decimal `json:"stop_price"`
	TargetPrice         decimal.Decimal `json:"target_price"`
	RiskReward          decimal.Decimal `json:"risk_reward"` // >= 1
	Priority            int             `json:"priority"`    // 1..5
	ContributingEvidence []string       `json:"contributing_evidence"`
	IssuedAt            time.Time       `json:"issued_at"`
	ExpiresAt           time.Time       `json:"expires_at"`
}

// Expired reports whether the signal is stale relative to now.
func (s Signal) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Validate enforces the Signal invariants of spec §3.5.
func (s Signal) Validate() error {
	if s.Direction == DirectionNone {
		return nil
	}
	if s.Priority < 1 || s.Priority > 5 {
		return fmt.Errorf("signal %s: priority %d out of [1,5]", s.ID, s.Priority)
	}
	if s.ConfluenceScore < 0 || s.ConfluenceScore > 100 {
		return fmt.Errorf("signal %s: confluence_score %v out of [0,100]", s.ID, s.ConfluenceScore)
	}
	switch s.Direction {
	case DirectionLong:
		if !(s.StopPrice.LessThan(s.EntryPrice) && s.EntryPrice.LessThan(s.TargetPrice)) {
			return fmt.Errorf("signal %s: long requires stop < entry < target", s.ID)
		}
	case DirectionShort:
		if !(s.TargetPrice.LessThan(s.EntryPrice) && s.EntryPrice.LessThan(s.StopPrice)) {
			return fmt.Errorf("signal %s: short requires target < entry < stop", s.ID)
		}
	default:
		return fmt.Errorf("signal %s: invalid direction %q", s.ID, s.Direction)
	}
	wantRR := s.EntryPrice.Sub(s.TargetPrice).Abs().Div(s.EntryPrice.Sub(s.StopPrice).Abs())
	if diff := s.RiskReward.Sub(wantRR).Abs(); diff.GreaterThan(decimal.NewFromFloat(1e-9)) {
		return fmt.Errorf("signal %s: risk_reward %s does not match |target-entry|/|entry-stop| %s", s.ID, s.RiskReward, wantRR)
	}
	if s.RiskReward.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("signal %s: risk_reward %s < 1", s.ID, s.RiskReward)
	}
	if s.ConfluenceScore >= 90 && s.CalibratedConfidence < 0.8 {
		return fmt.Errorf("signal %s: confluence >= 90 requires calibrated_confidence >= 0.8, got %v", s.ID, s.CalibratedConfidence)
	}
	return nil
}

// SideSign returns +1 for long, -1 for short, 0 for none — used in P&L math.
func (d Direction) SideSign() int {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	default:
		return 0
	}
}
