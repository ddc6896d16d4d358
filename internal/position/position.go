// Package position is the L8 Position Manager: it owns each symbol's
// position state machine (open -> monitoring -> adjusting -> closing ->
// closed), re-evaluates stops/targets every tick, and computes the
// realized P&L invariant on close.
package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExitRequest is emitted when a position needs an exit intent submitted,
// consumed by the Execution Client.
type ExitRequest struct {
	Position types.Position
	Reason   string
}

// Manager tracks every open position and advances its state machine.
type Manager struct {
	logger *zap.Logger

	mu        sync.RWMutex
	positions map[string]*types.Position

	maxAdjustments int
	onExitRequest  func(ExitRequest)
	onClosed       func(types.Position)
}

// NewManager constructs a Manager with the configured per-position
// adjustment cap (spec §4.8's max_adjustments).
func NewManager(logger *zap.Logger, maxAdjustments int) *Manager {
	return &Manager{
		logger:         logger,
		positions:      make(map[string]*types.Position),
		maxAdjustments: maxAdjustments,
	}
}

// OnExitRequest registers the handler invoked when a position transitions
// to closing and needs an exit OrderIntent submitted.
func (m *Manager) OnExitRequest(fn func(ExitRequest)) { m.onExitRequest = fn }

// OnClosed registers the handler invoked once a position reaches closed.
func (m *Manager) OnClosed(fn func(types.Position)) { m.onClosed = fn }

// OpenFromFill transitions a new position to open on its first fill
// confirmation.
func (m *Manager) OpenFromFill(signal types.Signal, fill types.Fill) types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := types.Position{
		PositionID:     uuid.NewString(),
		Symbol:         signal.Symbol,
		Direction:      signal.Direction,
		Quantity:       fill.Qty,
		AvgEntry:       fill.Price,
		Stop:           signal.StopPrice,
		Target:         signal.TargetPrice,
		State:          types.PositionOpen,
		OpenedAt:       fill.Ts,
		LastCheckAt:    fill.Ts,
		MaxAdjustments: m.maxAdjustments,
		PatternType:    "",
	}
	m.positions[p.PositionID] = &p
	m.logger.Info("position opened", zap.String("position_id", p.PositionID), zap.String("symbol", p.Symbol))
	return p
}

// AddFill folds an additional fill into an already-open position's average
// entry (for a multi-fill entry) and returns the updated copy.
func (m *Manager) AddFill(positionID string, fill types.Fill) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[positionID]
	if !ok {
		return types.Position{}, fmt.Errorf("position %s not found", positionID)
	}
	totalNotional := p.AvgEntry.Mul(p.Quantity).Add(fill.Price.Mul(fill.Qty))
	p.Quantity = p.Quantity.Add(fill.Qty)
	if p.Quantity.IsPositive() {
		p.AvgEntry = totalNotional.Div(p.Quantity)
	}
	return *p, nil
}

// Tick re-evaluates one position against the current market price,
// transitioning monitoring -> closing on a stop/target breach, per spec
// §4.8.
func (m *Manager) Tick(positionID string, lastPrice decimal.Decimal, now time.Time) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[positionID]
	if !ok {
		return types.Position{}, fmt.Errorf("position %s not found", positionID)
	}
	p.LastCheckAt = now

	if p.State == types.PositionClosed || p.State == types.PositionClosing {
		return *p, nil
	}
	if p.State == types.PositionOpen {
		p.State = types.PositionMonitoring
	}

	breached, reason := m.checkBreach(*p, lastPrice)
	if breached {
		p.State = types.PositionClosing
		if m.onExitRequest != nil {
			m.onExitRequest(ExitRequest{Position: *p, Reason: reason})
		}
	}
	return *p, nil
}

func (m *Manager) checkBreach(p types.Position, lastPrice decimal.Decimal) (bool, string) {
	switch p.Direction {
	case types.DirectionLong:
		if lastPrice.LessThanOrEqual(p.Stop) {
			return true, "stop_breached"
		}
		if lastPrice.GreaterThanOrEqual(p.Target) {
			return true, "target_reached"
		}
	case types.DirectionShort:
		if lastPrice.GreaterThanOrEqual(p.Stop) {
			return true, "stop_breached"
		}
		if lastPrice.LessThanOrEqual(p.Target) {
			return true, "target_reached"
		}
	}
	return false, ""
}

// Adjust proposes a new stop/target for an open position, transitioning
// monitoring -> adjusting -> monitoring, capped at MaxAdjustments.
func (m *Manager) Adjust(positionID string, newStop, newTarget decimal.Decimal) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[positionID]
	if !ok {
		return types.Position{}, fmt.Errorf("position %s not found", positionID)
	}
	if p.State != types.PositionMonitoring {
		return types.Position{}, fmt.Errorf("position %s not in monitoring state (currently %s)", positionID, p.State)
	}
	if !p.CanAdjust() {
		return *p, fmt.Errorf("position %s has reached max_adjustments=%d", positionID, p.MaxAdjustments)
	}

	p.State = types.PositionAdjusting
	p.Stop = newStop
	p.Target = newTarget
	p.Adjustments++
	p.State = types.PositionMonitoring
	return *p, nil
}

// Close transitions a closing position to closed on its terminal exit
// fill, computing realized P&L per spec §4.8/§8.5.
func (m *Manager) Close(positionID string, exitFills []types.Fill, fees, funding decimal.Decimal, closedAt time.Time) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[positionID]
	if !ok {
		return types.Position{}, fmt.Errorf("position %s not found", positionID)
	}
	p.RealizedPnL = types.ComputeRealizedPnL(exitFills, p.AvgEntry, p.Direction, fees, funding)
	p.Fees = fees
	p.Funding = funding
	p.State = types.PositionClosed
	closed := closedAt
	p.ClosedAt = &closed

	delete(m.positions, positionID)
	if m.onClosed != nil {
		m.onClosed(*p)
	}
	m.logger.Info("position closed", zap.String("position_id", positionID), zap.String("pnl", p.RealizedPnL.String()))
	return *p, nil
}

// Open returns a snapshot of every currently tracked (non-closed)
// position.
func (m *Manager) Open() []types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// Restore seeds the Manager from a StateStore snapshot on startup, e.g.
// after a crash mid-position.
func (m *Manager) Restore(positions []types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range positions {
		p := positions[i]
		m.positions[p.PositionID] = &p
	}
}
