package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-quant/orchestrator-core/internal/events"
	"github.com/atlas-quant/orchestrator-core/internal/learning"
	"github.com/atlas-quant/orchestrator-core/internal/risk"
	"github.com/atlas-quant/orchestrator-core/internal/scorer"
	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testCfg() types.Config {
	cfg := types.DefaultConfig()
	cfg.Orchestrator.CadenceBounds = [2]time.Duration{time.Minute, time.Hour}
	cfg.Orchestrator.VolatilityThresholds = [2]float64{0.3, 0.7}
	cfg.Orchestrator.Concurrency = 2
	return cfg
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	t.Cleanup(bus.Stop)
	return New(zap.NewNop(), testCfg(), "", Deps{
		Bus:    bus,
		Memory: learning.NewMemory(zap.NewNop()),
	})
}

func TestRecomputeCadenceSpeedsUpOnHighVolatility(t *testing.T) {
	o := newTestOrchestrator(t)
	o.volatility["BTCUSD"] = 0.9
	o.recomputeCadence("BTCUSD")

	o.stateMu.Lock()
	cadence := o.state.CurrentCadence["BTCUSD"]
	o.stateMu.Unlock()
	assert.Equal(t, time.Minute, cadence)
}

func TestRecomputeCadenceSlowsDownOnLowVolatility(t *testing.T) {
	o := newTestOrchestrator(t)
	o.volatility["BTCUSD"] = 0.1
	o.recomputeCadence("BTCUSD")

	o.stateMu.Lock()
	cadence := o.state.CurrentCadence["BTCUSD"]
	o.stateMu.Unlock()
	assert.Equal(t, time.Hour, cadence)
}

func TestRecomputeCadenceForcesSlowestOnDegradedFeed(t *testing.T) {
	o := newTestOrchestrator(t)
	o.volatility["BTCUSD"] = 0.9 // would otherwise pick the fast bound
	o.stateMu.Lock()
	o.state.Degraded("feed:BTCUSD")
	o.stateMu.Unlock()

	o.recomputeCadence("BTCUSD")

	o.stateMu.Lock()
	cadence := o.state.CurrentCadence["BTCUSD"]
	o.stateMu.Unlock()
	assert.Equal(t, time.Hour, cadence)
}

func TestDueForDefaultsToFastBoundBeforeFirstTick(t *testing.T) {
	o := newTestOrchestrator(t)
	assert.True(t, o.dueFor("BTCUSD", time.Now().UTC()))
}

func TestDueForRespectsCurrentCadence(t *testing.T) {
	o := newTestOrchestrator(t)
	now := time.Now().UTC()
	o.markTicked("BTCUSD", now)
	o.stateMu.Lock()
	o.state.CurrentCadence["BTCUSD"] = time.Hour
	o.stateMu.Unlock()

	assert.False(t, o.dueFor("BTCUSD", now.Add(time.Minute)))
	assert.True(t, o.dueFor("BTCUSD", now.Add(2*time.Hour)))
}

func TestEnterSafeModeSetsModeAndIsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t)
	until := time.Now().Add(time.Hour)

	o.EnterSafeMode("daily_loss_limit_breached", until)
	assert.True(t, o.inSafeMode())

	// a second trigger while already in safe_mode must not reset the reason
	o.EnterSafeMode("monthly_loss_limit_breached", until.Add(time.Hour))
	snap := o.Snapshot()
	assert.Equal(t, "daily_loss_limit_breached", snap.SafeModeReason)
}

func TestExitSafeModeIfExpiredReturnsToRunning(t *testing.T) {
	o := newTestOrchestrator(t)
	o.setMode(types.ModeRunning, "")
	o.EnterSafeMode("daily_loss_limit_breached", time.Now().Add(-time.Minute))

	o.exitSafeModeIfExpired(time.Now())

	assert.False(t, o.inSafeMode())
	assert.Equal(t, types.ModeRunning, o.Snapshot().Mode)
}

func TestExitSafeModeIfExpiredNoopsBeforeCooldown(t *testing.T) {
	o := newTestOrchestrator(t)
	o.EnterSafeMode("daily_loss_limit_breached", time.Now().Add(time.Hour))

	o.exitSafeModeIfExpired(time.Now())

	assert.True(t, o.inSafeMode())
}

func TestCheckHeartbeatsEscalatesExecutionCriticalToSafeMode(t *testing.T) {
	o := newTestOrchestrator(t)
	o.setMode(types.ModeRunning, "")
	o.hbMu.Lock()
	o.heartbeats["execution:submit"] = time.Now().Add(-time.Hour)
	o.hbMu.Unlock()

	o.checkHeartbeats(context.Background(), time.Now())

	assert.True(t, o.inSafeMode())
}

func TestCheckHeartbeatsRestartsBenignStaleComponent(t *testing.T) {
	o := newTestOrchestrator(t)
	o.setMode(types.ModeRunning, "")
	restarted := false
	o.registerRestart("feed:BTCUSD:1h", func(ctx context.Context) { restarted = true })
	o.hbMu.Lock()
	o.heartbeats["feed:BTCUSD:1h"] = time.Now().Add(-time.Hour)
	o.hbMu.Unlock()

	o.checkHeartbeats(context.Background(), time.Now())

	assert.True(t, restarted)
	assert.False(t, o.inSafeMode())
	snap := o.Snapshot()
	_, degraded := snap.DegradedComponents["feed:BTCUSD:1h"]
	assert.True(t, degraded)
}

func TestComponentCategorySplitsOnFirstColon(t *testing.T) {
	assert.Equal(t, "feed", componentCategory("feed:BTCUSD:1h"))
	assert.Equal(t, "execution", componentCategory("execution:submit"))
	assert.Equal(t, "tick", componentCategory("tick"))
}

func TestTradeStatsForDefaultsWithNoPatternHistory(t *testing.T) {
	o := newTestOrchestrator(t)
	in := scorer.Input{Patterns: map[types.Timeframe][]types.Pattern{}}

	stats := o.tradeStatsFor(in)

	assert.Equal(t, risk.TradeStats{WinRate: 0.5, AvgWin: 1, AvgLoss: 1}, stats)
}

func TestBestPatternForPicksHighestConfidence(t *testing.T) {
	patterns := []types.Pattern{
		{PatternType: types.PatternDoubleTop, Confidence: 0.4},
		{PatternType: types.PatternFlag, Confidence: 0.9},
		{PatternType: types.PatternHeadAndShoulders, Confidence: 0.6},
	}
	pt, ok := bestPatternFor(patterns)
	require.True(t, ok)
	assert.Equal(t, types.PatternFlag, pt)
}

func TestBestPatternForEmptyReturnsFalse(t *testing.T) {
	_, ok := bestPatternFor(nil)
	assert.False(t, ok)
}

func TestReloadConfigRejectsInvalidConfig(t *testing.T) {
	o := newTestOrchestrator(t)
	bad := testCfg()
	bad.Orchestrator.Concurrency = 0

	err := o.ReloadConfig(bad)

	require.Error(t, err)
	assert.Equal(t, 2, o.config().Orchestrator.Concurrency) // unchanged
}

func TestReloadConfigSwapsValidConfig(t *testing.T) {
	o := newTestOrchestrator(t)
	next := testCfg()
	next.Orchestrator.Concurrency = 16

	require.NoError(t, o.ReloadConfig(next))
	assert.Equal(t, 16, o.config().Orchestrator.Concurrency)
}

func TestPrimaryTimeframePrefers1hWhenPresent(t *testing.T) {
	assert.Equal(t, types.Timeframe1h, primaryTimeframe([]types.Timeframe{types.Timeframe15m, types.Timeframe1h, types.Timeframe4h}))
	assert.Equal(t, types.Timeframe15m, primaryTimeframe([]types.Timeframe{types.Timeframe15m, types.Timeframe4h}))
}
