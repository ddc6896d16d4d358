// Package risk is the L6 Risk Gate: the sole authority that converts a
// Signal into a sizeable OrderIntent, or rejects it. It owns the portfolio
// ledger (open risk, correlated exposure, daily/monthly P&L) behind a
// single mutex so every admission decision observes a consistent snapshot,
// and it is the only component permitted to trigger SAFE_MODE.
package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TradeStats is the rolling win-rate/avg-win/avg-loss input to Kelly sizing
// for one symbol or pattern cohort, normally sourced from the Learning
// Memory.
type TradeStats struct {
	WinRate float64
	AvgWin  float64 // average R-multiple of winners
	AvgLoss float64 // average R-multiple of losers, positive magnitude
}

// Ledger is the Risk Gate's mutable portfolio state. Every field is only
// ever mutated while holding Gate.mu.
type Ledger struct {
	OpenRiskPct        float64
	CorrelatedRiskPct  map[string]float64 // correlation_group -> risk pct
	DailyRealizedPnL   decimal.Decimal
	DailyMarkToMarket  decimal.Decimal
	MonthlyRealizedPnL decimal.Decimal
	MonthlyMarkToMarket decimal.Decimal
	Equity             decimal.Decimal
	ConsecutiveLosses  int
}

// RejectReason enumerates why the Gate declined a Signal.
type RejectReason string

const (
	RejectPortfolioCap   RejectReason = "portfolio_risk_cap"
	RejectCorrelatedCap  RejectReason = "correlated_cap"
	RejectLeverageCap    RejectReason = "leverage_cap"
	RejectDailyLoss      RejectReason = "daily_loss_limit"
	RejectMonthlyLoss    RejectReason = "monthly_loss_limit"
	RejectSafeMode       RejectReason = "safe_mode_active"
	RejectInvalidSignal  RejectReason = "invalid_signal"
	RejectZeroSizing     RejectReason = "sizing_degenerate"
)

// Decision is the Gate's verdict for one Signal.
type Decision struct {
	Intent   *types.OrderIntent
	Rejected bool
	Reason   RejectReason
	Detail   string
}

// SafeModeTrigger is raised when a portfolio invariant breach requires the
// Orchestrator to enter SAFE_MODE; the Gate only reports the trigger, the
// Orchestrator owns the mode transition.
type SafeModeTrigger struct {
	Reason string
	Until  time.Time
}

// Gate is the Risk Gate. One Gate instance is shared by the whole process.
type Gate struct {
	logger *zap.Logger
	config types.RiskConfig

	mu     sync.Mutex
	ledger Ledger

	correlationGroup map[string]string // symbol -> group
	pendingTriggers  []SafeModeTrigger
}

// NewGate constructs a Gate from validated RiskConfig and the symbol ->
// correlation_group map derived from InstrumentConfig.
func NewGate(logger *zap.Logger, config types.RiskConfig, correlationGroup map[string]string, startingEquity decimal.Decimal) *Gate {
	return &Gate{
		logger:           logger,
		config:           config,
		correlationGroup: correlationGroup,
		ledger: Ledger{
			CorrelatedRiskPct: make(map[string]float64),
			Equity:            startingEquity,
		},
	}
}

// Evaluate admits or rejects sig, producing a sized OrderIntent on
// admission. inSafeMode must reflect the Orchestrator's current mode — the
// Gate itself never reads OrchestratorState directly (spec §3 ownership).
func (g *Gate) Evaluate(sig types.Signal, stats TradeStats, inSafeMode bool) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if inSafeMode {
		return Decision{Rejected: true, Reason: RejectSafeMode, Detail: "orchestrator is in safe_mode"}
	}
	if err := sig.Validate(); err != nil {
		return Decision{Rejected: true, Reason: RejectInvalidSignal, Detail: err.Error()}
	}

	if g.dailyLossExceeded() {
		return Decision{Rejected: true, Reason: RejectDailyLoss, Detail: "daily loss limit breached"}
	}
	if g.monthlyLossExceeded() {
		return Decision{Rejected: true, Reason: RejectMonthlyLoss, Detail: "monthly loss limit breached"}
	}

	riskPct := g.sizeRiskPct(stats)
	if riskPct <= 0 {
		return Decision{Rejected: true, Reason: RejectZeroSizing, Detail: "kelly-scaled risk is non-positive"}
	}

	if g.ledger.OpenRiskPct+riskPct > g.config.PortfolioRiskCap {
		return Decision{Rejected: true, Reason: RejectPortfolioCap,
			Detail: fmt.Sprintf("open %.4f + new %.4f > cap %.4f", g.ledger.OpenRiskPct, riskPct, g.config.PortfolioRiskCap)}
	}

	group := g.correlationGroup[sig.Symbol]
	if group != "" {
		if g.ledger.CorrelatedRiskPct[group]+riskPct > g.config.CorrelatedCap {
			return Decision{Rejected: true, Reason: RejectCorrelatedCap,
				Detail: fmt.Sprintf("group %s open %.4f + new %.4f > cap %.4f", group, g.ledger.CorrelatedRiskPct[group], riskPct, g.config.CorrelatedCap)}
		}
	}

	stopDistancePct := stopDistancePct(sig)
	if stopDistancePct <= 0 {
		return Decision{Rejected: true, Reason: RejectZeroSizing, Detail: "stop distance is zero"}
	}

	notional := g.ledger.Equity.Mul(decimal.NewFromFloat(riskPct)).Div(decimal.NewFromFloat(stopDistancePct))
	leverage := notional.Div(g.ledger.Equity)
	if leverage.GreaterThan(decimal.NewFromFloat(g.config.LeverageCap)) {
		capNotional := g.ledger.Equity.Mul(decimal.NewFromFloat(g.config.LeverageCap))
		notional = capNotional
	}
	qty := notional.Div(sig.EntryPrice)
	if !qty.IsPositive() {
		return Decision{Rejected: true, Reason: RejectZeroSizing, Detail: "computed quantity is non-positive"}
	}

	side := types.OrderSideBuy
	if sig.Direction == types.DirectionShort {
		side = types.OrderSideSell
	}

	intent := &types.OrderIntent{
		ClientID:       deterministicClientID(sig.ID, 0),
		SignalID:       sig.ID,
		Symbol:         sig.Symbol,
		Side:           side,
		Type:           types.OrderTypeMarket,
		Quantity:       qty,
		TimeInForce:    types.TimeInForceGTC,
		RiskPct:        decimal.NewFromFloat(riskPct),
		Leverage:       decimal.Min(leverage, decimal.NewFromFloat(g.config.LeverageCap)),
		AttemptCounter: 0,
		CreatedAt:      time.Now().UTC(),
	}

	g.ledger.OpenRiskPct += riskPct
	if group != "" {
		g.ledger.CorrelatedRiskPct[group] += riskPct
	}

	return Decision{Intent: intent}
}

// deterministicClientID derives a stable UUIDv5 from (signal_id, attempt)
// so Execution Client retries/restarts never double-submit (spec §4.7).
func deterministicClientID(signalID string, attempt int) string {
	ns := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	return uuid.NewSHA1(ns, []byte(fmt.Sprintf("%s:%d", signalID, attempt))).String()
}

// sizeRiskPct implements the quarter-Kelly-by-default position sizing
// formula of spec §4.6, as a fraction of equity:
// min(Kelly(f)*kelly_scale, per_trade_risk_pct).
func (g *Gate) sizeRiskPct(stats TradeStats) float64 {
	kelly := kellyFraction(stats.WinRate, stats.AvgWin, stats.AvgLoss)
	scaled := kelly * g.config.KellyScale
	capped := math.Min(scaled, g.config.PerTradeRiskPct)
	if capped < 0 {
		return 0
	}
	return capped
}

// kellyFraction returns the full-Kelly stake fraction f* = p - q/b.
func kellyFraction(winRate, avgWin, avgLoss float64) float64 {
	if winRate <= 0 || winRate >= 1 || avgLoss == 0 {
		return 0
	}
	p := winRate
	q := 1 - p
	b := avgWin / avgLoss
	if b <= 0 {
		return 0
	}
	kelly := p - q/b
	if kelly < 0 {
		return 0
	}
	if kelly > 1 {
		return 1
	}
	return kelly
}

func stopDistancePct(sig types.Signal) float64 {
	entry, _ := sig.EntryPrice.Float64()
	stop, _ := sig.StopPrice.Float64()
	if entry == 0 {
		return 0
	}
	return math.Abs(entry-stop) / entry
}

// ReleaseRisk returns riskPct back to the portfolio cap on position close,
// keeping the ledger's open-risk accounting accurate without needing to
// replay every admitted OrderIntent.
func (g *Gate) ReleaseRisk(symbol string, riskPct float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ledger.OpenRiskPct -= riskPct
	if g.ledger.OpenRiskPct < 0 {
		g.ledger.OpenRiskPct = 0
	}
	if group := g.correlationGroup[symbol]; group != "" {
		g.ledger.CorrelatedRiskPct[group] -= riskPct
		if g.ledger.CorrelatedRiskPct[group] < 0 {
			g.ledger.CorrelatedRiskPct[group] = 0
		}
	}
}

// RecordClose updates the daily/monthly P&L ledger on a closed trade and
// returns a SafeModeTrigger if a loss limit is now breached.
func (g *Gate) RecordClose(realizedPnL decimal.Decimal) *SafeModeTrigger {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ledger.DailyRealizedPnL = g.ledger.DailyRealizedPnL.Add(realizedPnL)
	g.ledger.MonthlyRealizedPnL = g.ledger.MonthlyRealizedPnL.Add(realizedPnL)
	if realizedPnL.IsNegative() {
		g.ledger.ConsecutiveLosses++
	} else {
		g.ledger.ConsecutiveLosses = 0
	}

	if g.dailyLossExceeded() {
		trigger := SafeModeTrigger{Reason: "daily_loss_limit_breached", Until: time.Now().UTC().Add(g.config.SafeModeCooldown)}
		g.pendingTriggers = append(g.pendingTriggers, trigger)
		return &trigger
	}
	if g.monthlyLossExceeded() {
		trigger := SafeModeTrigger{Reason: "monthly_loss_limit_breached", Until: time.Now().UTC().Add(g.config.SafeModeCooldown)}
		g.pendingTriggers = append(g.pendingTriggers, trigger)
		return &trigger
	}
	return nil
}

func (g *Gate) dailyLossExceeded() bool {
	loss := g.ledger.DailyRealizedPnL
	if g.config.DrawdownWindow == types.DrawdownMarkToMarket {
		loss = loss.Add(g.ledger.DailyMarkToMarket)
	}
	if g.ledger.Equity.IsZero() {
		return false
	}
	lossPct := loss.Div(g.ledger.Equity).Neg()
	return lossPct.GreaterThan(decimal.NewFromFloat(g.config.DailyLossLimit))
}

func (g *Gate) monthlyLossExceeded() bool {
	loss := g.ledger.MonthlyRealizedPnL
	if g.config.DrawdownWindow == types.DrawdownMarkToMarket {
		loss = loss.Add(g.ledger.MonthlyMarkToMarket)
	}
	if g.ledger.Equity.IsZero() {
		return false
	}
	lossPct := loss.Div(g.ledger.Equity).Neg()
	return lossPct.GreaterThan(decimal.NewFromFloat(g.config.MonthlyLossLimit))
}

// MarkToMarket updates unrealized P&L used by the mark_to_market drawdown
// window (spec Open Question #1).
func (g *Gate) MarkToMarket(daily, monthly decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ledger.DailyMarkToMarket = daily
	g.ledger.MonthlyMarkToMarket = monthly
}

// ResetDaily clears the daily ledger at the exchange's daily boundary.
func (g *Gate) ResetDaily() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ledger.DailyRealizedPnL = decimal.Zero
	g.ledger.DailyMarkToMarket = decimal.Zero
}

// ResetMonthly clears the monthly ledger at the calendar month boundary.
func (g *Gate) ResetMonthly() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ledger.MonthlyRealizedPnL = decimal.Zero
	g.ledger.MonthlyMarkToMarket = decimal.Zero
}

// Snapshot returns a copy of the ledger for reporting.
func (g *Gate) Snapshot() Ledger {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := g.ledger
	cp.CorrelatedRiskPct = make(map[string]float64, len(g.ledger.CorrelatedRiskPct))
	for k, v := range g.ledger.CorrelatedRiskPct {
		cp.CorrelatedRiskPct[k] = v
	}
	return cp
}

// RankByPriority tie-breaks a batch of admitted signals for the same tick
// by descending priority and, within a priority tier, by the earlier
// issued_at — used when the Orchestrator fans multiple symbols' signals
// into the Gate in one pass and only partial portfolio capacity remains.
func RankByPriority(signals []types.Signal) []types.Signal {
	out := append([]types.Signal(nil), signals...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}
