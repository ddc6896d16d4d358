// Package learning is the L9 Learning Memory: it turns closed-trade
// outcomes into updated pattern weights via a multi-armed bandit, keeps
// rolling 30/60/90-day performance windows per pattern, and publishes a
// read-only weight snapshot the Pattern Detector and Confluence Scorer
// consult — never the other way around, so the feedback loop cannot form
// a cycle with the components it informs.
package learning

import (
	"math"
	"sync"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	epsilon        = 0.1
	recalibration  = 24 * time.Hour
	rewardCapAbsR  = 5.0 // expectancy in R-multiples beyond this is clamped before feeding the bandit
)

// ClosedTrade is the outcome record the Position Manager reports on every
// position reaching closed, used to update the responsible pattern's
// bandit arm exactly once (keyed by PositionID, spec §4.9 idempotency).
type ClosedTrade struct {
	PositionID  string
	PatternType types.PatternType
	RealizedPnL float64 // expressed in R-multiples (pnl / initial risk)
	HoldTime    time.Duration
	ClosedAt    time.Time
}

// WeightSnapshot is the read-only view published to consumers; it is a
// value copy so callers cannot mutate Memory's internal state.
type WeightSnapshot map[types.PatternType]float64

// Memory tracks one bandit arm and rolling windows per pattern type.
type Memory struct {
	logger *zap.Logger

	mu       sync.RWMutex
	arms     map[types.PatternType]*armState
	seen     map[string]struct{} // position_id -> processed, for idempotent replay
	lastRecalibration time.Time
}

type armState struct {
	bandit  types.BanditState
	windows map[string]types.Window // "30d", "60d", "90d"
	samples []sample
	weight  float64
}

type sample struct {
	rewardR float64
	hold    time.Duration
	at      time.Time
}

// NewMemory constructs an empty Memory seeded with a uniform weight (1.0)
// for every known pattern type.
func NewMemory(logger *zap.Logger) *Memory {
	m := &Memory{
		logger:            logger,
		arms:              make(map[types.PatternType]*armState),
		seen:              make(map[string]struct{}),
		lastRecalibration: time.Time{},
	}
	for _, pt := range allPatternTypes {
		m.arms[pt] = &armState{weight: 1.0, windows: make(map[string]types.Window)}
	}
	return m
}

var allPatternTypes = []types.PatternType{
	types.PatternSupportResistance, types.PatternBreakout, types.PatternDivergence,
	types.PatternPinBar, types.PatternEngulfing, types.PatternDoji,
	types.PatternDoubleTop, types.PatternDoubleBottom, types.PatternHeadAndShoulders,
	types.PatternTriangle, types.PatternFlag,
}

// RecordClose folds a closed trade's outcome into its pattern's bandit arm
// and rolling windows. Replaying the same PositionID is a no-op.
func (m *Memory) RecordClose(trade ClosedTrade) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.seen[trade.PositionID]; dup {
		return
	}
	m.seen[trade.PositionID] = struct{}{}

	arm, ok := m.arms[trade.PatternType]
	if !ok {
		arm = &armState{weight: 1.0, windows: make(map[string]types.Window)}
		m.arms[trade.PatternType] = arm
	}

	reward := clampReward(trade.RealizedPnL)
	arm.bandit.Pulls++
	arm.bandit.RewardSum += reward
	arm.bandit.RewardSumSq += reward * reward
	arm.samples = append(arm.samples, sample{rewardR: reward, hold: trade.HoldTime, at: trade.ClosedAt})

	m.updateWindows(arm, trade.ClosedAt)
}

func clampReward(r float64) float64 {
	if r > rewardCapAbsR {
		return rewardCapAbsR
	}
	if r < -rewardCapAbsR {
		return -rewardCapAbsR
	}
	return r
}

func (m *Memory) updateWindows(arm *armState, now time.Time) {
	for label, window := range map[string]time.Duration{"30d": 30 * 24 * time.Hour, "60d": 60 * 24 * time.Hour, "90d": 90 * 24 * time.Hour} {
		cutoff := now.Add(-window)
		var trades, wins int
		var sumR float64
		var sumHold time.Duration
		for _, s := range arm.samples {
			if s.at.Before(cutoff) {
				continue
			}
			trades++
			sumR += s.rewardR
			sumHold += s.hold
			if s.rewardR > 0 {
				wins++
			}
		}
		w := types.Window{Trades: trades, Wins: wins}
		if trades > 0 {
			w.ExpectancyR = decimal.NewFromFloat(sumR / float64(trades))
			w.AvgHold = sumHold / time.Duration(trades)
		}
		arm.windows[label] = w
	}
}

// Recalibrate recomputes every pattern's weight from its bandit's
// expected-reward estimate, normalized across arms and clamped to
// [0.5, 2.0], per spec §4.9. A call made less than the recalibration
// interval after the previous recalibration returns without changes.
func (m *Memory) Recalibrate(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastRecalibration) < recalibration {
		return
	}
	m.lastRecalibration = now

	meanReward := 0.0
	n := 0
	for _, arm := range m.arms {
		if arm.bandit.Pulls == 0 {
			continue
		}
		meanReward += arm.bandit.ExpectedReward()
		n++
	}
	if n == 0 {
		return
	}
	meanReward /= float64(n)

	for _, arm := range m.arms {
		if arm.bandit.Pulls == 0 {
			continue
		}
		// Weight moves around 1.0 proportional to how far this arm's
		// expected reward sits from the population mean, normalized by
		// the population's spread so a single noisy arm can't dominate.
		spread := m.rewardSpread(meanReward)
		if spread == 0 {
			spread = 1
		}
		delta := (arm.bandit.ExpectedReward() - meanReward) / spread
		arm.weight = types.ClampWeight(1.0 + delta)
	}
}

func (m *Memory) rewardSpread(mean float64) float64 {
	sumSq := 0.0
	n := 0
	for _, arm := range m.arms {
		if arm.bandit.Pulls == 0 {
			continue
		}
		d := arm.bandit.ExpectedReward() - mean
		sumSq += d * d
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sumSq / float64(n))
}

// Weight implements patterns.WeightSource: the Pattern Detector consults
// this for confidence blending.
func (m *Memory) Weight(patternType types.PatternType) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	arm, ok := m.arms[patternType]
	if !ok {
		return 1.0
	}
	return arm.weight
}

// Snapshot publishes the full read-only weight table, consumed by the
// Confluence Scorer's pattern component.
func (m *Memory) Snapshot() WeightSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(WeightSnapshot, len(m.arms))
	for pt, arm := range m.arms {
		out[pt] = arm.weight
	}
	return out
}

// SelectExplore implements the ε-greedy exploration guarantee of spec
// §4.9: with probability ε it returns a uniformly random pattern rather
// than the best-performing one, so seldom-seen patterns keep being tried.
func (m *Memory) SelectExplore(randSource float64, candidates []types.PatternType) types.PatternType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(candidates) == 0 {
		return ""
	}
	if randSource < epsilon {
		idx := int(randSource / epsilon * float64(len(candidates)))
		if idx >= len(candidates) {
			idx = len(candidates) - 1
		}
		return candidates[idx]
	}

	best := candidates[0]
	bestReward := m.arms[best].bandit.ExpectedReward()
	for _, c := range candidates[1:] {
		if arm, ok := m.arms[c]; ok && arm.bandit.ExpectedReward() > bestReward {
			best = c
			bestReward = arm.bandit.ExpectedReward()
		}
	}
	return best
}

// PatternPerformanceSnapshot returns the persisted-shape view of one
// pattern's state, for StateStore writes.
func (m *Memory) PatternPerformanceSnapshot(pt types.PatternType) types.PatternPerformance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	arm, ok := m.arms[pt]
	if !ok {
		return types.PatternPerformance{PatternType: pt, CurrentWeight: 1.0}
	}
	windows := make(map[string]types.Window, len(arm.windows))
	for k, v := range arm.windows {
		windows[k] = v
	}
	return types.PatternPerformance{
		PatternType:   pt,
		Windows:       windows,
		CurrentWeight: arm.weight,
		BanditState:   arm.bandit,
		UpdatedAt:     time.Now().UTC(),
	}
}

// Restore seeds Memory's bandit/weight state from a StateStore snapshot
// on startup.
func (m *Memory) Restore(snapshots []types.PatternPerformance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, snap := range snapshots {
		arm, ok := m.arms[snap.PatternType]
		if !ok {
			arm = &armState{windows: make(map[string]types.Window)}
			m.arms[snap.PatternType] = arm
		}
		arm.bandit = snap.BanditState
		arm.weight = types.ClampWeight(snap.CurrentWeight)
		for k, v := range snap.Windows {
			arm.windows[k] = v
		}
	}
}

