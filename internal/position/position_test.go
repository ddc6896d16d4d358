package position

import (
	"testing"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func longSignal() types.Signal {
	return types.Signal{
		Symbol: "BTCUSD", Direction: types.DirectionLong,
		EntryPrice: decimal.NewFromInt(50000), StopPrice: decimal.NewFromInt(49000), TargetPrice: decimal.NewFromInt(52500),
	}
}

func TestOpenFromFillSetsOpenState(t *testing.T) {
	m := NewManager(zap.NewNop(), 3)
	p := m.OpenFromFill(longSignal(), types.Fill{Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(50000), Ts: time.Now()})
	assert.Equal(t, types.PositionOpen, p.State)
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(1)))
}

func TestTickTransitionsToClosingOnStopBreach(t *testing.T) {
	m := NewManager(zap.NewNop(), 3)
	p := m.OpenFromFill(longSignal(), types.Fill{Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(50000), Ts: time.Now()})

	var requested bool
	m.OnExitRequest(func(req ExitRequest) { requested = true; assert.Equal(t, "stop_breached", req.Reason) })

	updated, err := m.Tick(p.PositionID, decimal.NewFromInt(48900), time.Now())
	require.NoError(t, err)
	assert.Equal(t, types.PositionClosing, updated.State)
	assert.True(t, requested)
}

func TestTickStaysMonitoringWithinRange(t *testing.T) {
	m := NewManager(zap.NewNop(), 3)
	p := m.OpenFromFill(longSignal(), types.Fill{Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(50000), Ts: time.Now()})

	updated, err := m.Tick(p.PositionID, decimal.NewFromInt(50100), time.Now())
	require.NoError(t, err)
	assert.Equal(t, types.PositionMonitoring, updated.State)
}

func TestAdjustRespectsMaxAdjustments(t *testing.T) {
	m := NewManager(zap.NewNop(), 1)
	p := m.OpenFromFill(longSignal(), types.Fill{Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(50000), Ts: time.Now()})
	_, _ = m.Tick(p.PositionID, decimal.NewFromInt(50100), time.Now())

	_, err := m.Adjust(p.PositionID, decimal.NewFromInt(49500), decimal.NewFromInt(52000))
	require.NoError(t, err)

	_, err = m.Adjust(p.PositionID, decimal.NewFromInt(49700), decimal.NewFromInt(51800))
	assert.Error(t, err)
}

func TestCloseComputesRealizedPnL(t *testing.T) {
	m := NewManager(zap.NewNop(), 3)
	p := m.OpenFromFill(longSignal(), types.Fill{Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(50000), Ts: time.Now()})
	_, _ = m.Tick(p.PositionID, decimal.NewFromInt(52600), time.Now())

	var closedEvt types.Position
	m.OnClosed(func(cp types.Position) { closedEvt = cp })

	exitFill := types.Fill{Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(52500), Ts: time.Now()}
	closed, err := m.Close(p.PositionID, []types.Fill{exitFill}, decimal.NewFromFloat(5), decimal.Zero, time.Now())
	require.NoError(t, err)
	assert.Equal(t, types.PositionClosed, closed.State)
	assert.True(t, closed.RealizedPnL.Equal(decimal.NewFromInt(2500).Sub(decimal.NewFromFloat(5))))
	assert.Equal(t, closed.PositionID, closedEvt.PositionID)
}
