package learning

import (
	"testing"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRecordCloseIsIdempotentOnReplay(t *testing.T) {
	m := NewMemory(zap.NewNop())
	trade := ClosedTrade{PositionID: "p1", PatternType: types.PatternBreakout, RealizedPnL: 1.5, ClosedAt: time.Now()}
	m.RecordClose(trade)
	m.RecordClose(trade)

	arm := m.arms[types.PatternBreakout]
	assert.Equal(t, 1, arm.bandit.Pulls)
}

func TestWeightDefaultsToOneForUnseenPattern(t *testing.T) {
	m := NewMemory(zap.NewNop())
	assert.Equal(t, 1.0, m.Weight(types.PatternDoji))
}

func TestRecalibrateMovesWinningArmWeightAboveOne(t *testing.T) {
	m := NewMemory(zap.NewNop())
	now := time.Now()
	for i := 0; i < 5; i++ {
		m.RecordClose(ClosedTrade{PositionID: "win-" + string(rune('a'+i)), PatternType: types.PatternBreakout, RealizedPnL: 2.0, ClosedAt: now})
		m.RecordClose(ClosedTrade{PositionID: "lose-" + string(rune('a'+i)), PatternType: types.PatternDoji, RealizedPnL: -1.0, ClosedAt: now})
	}
	m.Recalibrate(now.Add(25 * time.Hour))

	assert.Greater(t, m.Weight(types.PatternBreakout), 1.0)
	assert.Less(t, m.Weight(types.PatternDoji), 1.0)
}

func TestRewardClampedBeforeFeedingBandit(t *testing.T) {
	m := NewMemory(zap.NewNop())
	m.RecordClose(ClosedTrade{PositionID: "p1", PatternType: types.PatternFlag, RealizedPnL: 50, ClosedAt: time.Now()})
	arm := m.arms[types.PatternFlag]
	assert.Equal(t, rewardCapAbsR, arm.bandit.RewardSum)
}

func TestSelectExploreReturnsCandidateFromSet(t *testing.T) {
	m := NewMemory(zap.NewNop())
	candidates := []types.PatternType{types.PatternBreakout, types.PatternDoji}
	choice := m.SelectExplore(0.9, candidates)
	assert.Contains(t, candidates, choice)
}

func TestSnapshotReflectsWeightTable(t *testing.T) {
	m := NewMemory(zap.NewNop())
	snap := m.Snapshot()
	assert.Equal(t, 1.0, snap[types.PatternBreakout])
}
