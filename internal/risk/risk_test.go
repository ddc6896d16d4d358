package risk

import (
	"testing"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func longSignal(symbol string) types.Signal {
	return types.Signal{
		ID: "sig-1", Symbol: symbol, Direction: types.DirectionLong,
		ConfluenceScore: 80, CalibratedConfidence: 0.75,
		EntryPrice: decimal.NewFromInt(100), StopPrice: decimal.NewFromInt(98), TargetPrice: decimal.NewFromInt(104),
		RiskReward: decimal.NewFromFloat(2), Priority: 3,
		IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
}

func winningStats() TradeStats {
	return TradeStats{WinRate: 0.55, AvgWin: 2.0, AvgLoss: 1.0}
}

func TestEvaluateAdmitsValidSignal(t *testing.T) {
	g := NewGate(zap.NewNop(), types.DefaultRiskConfig(), nil, decimal.NewFromInt(100000))
	decision := g.Evaluate(longSignal("BTCUSD"), winningStats(), false)
	require.False(t, decision.Rejected)
	require.NotNil(t, decision.Intent)
	assert.True(t, decision.Intent.Quantity.IsPositive())
	assert.Equal(t, types.OrderSideBuy, decision.Intent.Side)
}

func TestEvaluateRejectsInSafeMode(t *testing.T) {
	g := NewGate(zap.NewNop(), types.DefaultRiskConfig(), nil, decimal.NewFromInt(100000))
	decision := g.Evaluate(longSignal("BTCUSD"), winningStats(), true)
	require.True(t, decision.Rejected)
	assert.Equal(t, RejectSafeMode, decision.Reason)
}

func TestEvaluateRejectsPortfolioCapBreach(t *testing.T) {
	cfg := types.DefaultRiskConfig()
	cfg.PortfolioRiskCap = 0.001
	g := NewGate(zap.NewNop(), cfg, nil, decimal.NewFromInt(100000))
	decision := g.Evaluate(longSignal("BTCUSD"), winningStats(), false)
	require.True(t, decision.Rejected)
	assert.Equal(t, RejectPortfolioCap, decision.Reason)
}

func TestEvaluateRejectsCorrelatedCapBreach(t *testing.T) {
	cfg := types.DefaultRiskConfig()
	cfg.CorrelatedCap = 0.0001
	groups := map[string]string{"BTCUSD": "majors", "ETHUSD": "majors"}
	g := NewGate(zap.NewNop(), cfg, groups, decimal.NewFromInt(100000))
	decision := g.Evaluate(longSignal("BTCUSD"), winningStats(), false)
	require.True(t, decision.Rejected)
	assert.Equal(t, RejectCorrelatedCap, decision.Reason)
}

func TestDeterministicClientIDStableAcrossCalls(t *testing.T) {
	a := deterministicClientID("sig-1", 0)
	b := deterministicClientID("sig-1", 0)
	c := deterministicClientID("sig-1", 1)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestKellyFractionNonPositiveWinRateIsZero(t *testing.T) {
	assert.Equal(t, 0.0, kellyFraction(0, 2, 1))
	assert.Equal(t, 0.0, kellyFraction(1, 2, 1))
}

func TestRecordCloseTriggersSafeModeOnDailyLossBreach(t *testing.T) {
	cfg := types.DefaultRiskConfig()
	cfg.DailyLossLimit = 0.01
	cfg.DrawdownWindow = types.DrawdownRealizedOnly
	g := NewGate(zap.NewNop(), cfg, nil, decimal.NewFromInt(10000))
	trigger := g.RecordClose(decimal.NewFromInt(-500))
	require.NotNil(t, trigger)
	assert.Equal(t, "daily_loss_limit_breached", trigger.Reason)
}

func TestRankByPriorityOrdersDescendingThenEarliest(t *testing.T) {
	now := time.Now()
	signals := []types.Signal{
		{ID: "a", Priority: 2, IssuedAt: now},
		{ID: "b", Priority: 4, IssuedAt: now.Add(time.Minute)},
		{ID: "c", Priority: 4, IssuedAt: now},
	}
	ranked := RankByPriority(signals)
	assert.Equal(t, "c", ranked[0].ID)
	assert.Equal(t, "b", ranked[1].ID)
	assert.Equal(t, "a", ranked[2].ID)
}
