// Package orchestrator is the L10 Orchestrator: it owns OrchestratorState
// exclusively, fans a bounded number of per-symbol pipelines out across
// feed -> indicators -> patterns -> router -> scorer -> risk -> execution
// -> position -> learning -> state, adapts each symbol's tick cadence to
// realized volatility and feed health, and is the only component that may
// flip the process into SAFE_MODE or swap in a reloaded configuration.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atlas-quant/orchestrator-core/internal/events"
	"github.com/atlas-quant/orchestrator-core/internal/execution"
	"github.com/atlas-quant/orchestrator-core/internal/feed"
	"github.com/atlas-quant/orchestrator-core/internal/indicators"
	"github.com/atlas-quant/orchestrator-core/internal/learning"
	"github.com/atlas-quant/orchestrator-core/internal/patterns"
	"github.com/atlas-quant/orchestrator-core/internal/position"
	"github.com/atlas-quant/orchestrator-core/internal/risk"
	"github.com/atlas-quant/orchestrator-core/internal/router"
	"github.com/atlas-quant/orchestrator-core/internal/scorer"
	"github.com/atlas-quant/orchestrator-core/internal/state"
	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const (
	barWindow          = 250 // bars fed to indicators/patterns per timeframe
	schedulerTick      = 5 * time.Second
	heartbeatStaleness = 2 * time.Minute
)

// executionCritical names the components whose degradation escalates
// straight to SAFE_MODE rather than a benign restart attempt.
var executionCritical = map[string]bool{
	"execution": true,
	"state":     true,
}

// Deps bundles the already-constructed collaborators the Orchestrator
// wires together. Store is the bar source of record for the tick pipeline
// and must be non-nil; the remaining fields are all required too.
type Deps struct {
	Bus       *events.Bus
	Store     *state.Store
	Ingestor  *feed.Ingestor
	Detector  *patterns.Detector
	Router    *router.Router
	Scorer    *scorer.Scorer
	RiskGate  *risk.Gate
	Execution *execution.Client
	Positions *position.Manager
	Memory    *learning.Memory
}

// Orchestrator is the process's single top-level control loop.
type Orchestrator struct {
	logger *zap.Logger
	deps   Deps

	cfgMu   sync.RWMutex
	cfg     types.Config
	cfgPath string
	v       *viper.Viper
	watcher *fsnotify.Watcher

	stateMu sync.Mutex
	state   types.OrchestratorState

	hbMu       sync.Mutex
	heartbeats map[string]time.Time
	restarts   map[string]func(ctx context.Context)

	// volatility is the last-observed ATR/close ratio per symbol,
	// consulted by recomputeCadence.
	volMu      sync.Mutex
	volatility map[string]float64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Orchestrator in the `starting` mode. cfgPath is a
// config file Viper loads and fsnotify watches for hot reload; pass "" to
// disable watching and run with cfg only.
func New(logger *zap.Logger, cfg types.Config, cfgPath string, deps Deps) *Orchestrator {
	return &Orchestrator{
		logger:     logger,
		deps:       deps,
		cfg:        cfg,
		cfgPath:    cfgPath,
		state:      types.NewOrchestratorState(),
		heartbeats: make(map[string]time.Time),
		restarts:   make(map[string]func(ctx context.Context)),
		volatility: make(map[string]float64),
		stopCh:     make(chan struct{}),
	}
}

func (o *Orchestrator) config() types.Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// Run starts feed ingestion, the health watchdog, the hot-reload watcher
// (if cfgPath is set), recovers in-flight orders, then blocks running the
// scheduler loop until ctx is cancelled or Stop is called.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setMode(types.ModeStarting, "")

	if o.deps.Store != nil {
		if err := o.recoverOnStartup(ctx); err != nil {
			o.logger.Error("startup recovery failed", zap.Error(err))
		}
	}

	for _, inst := range o.config().Instruments {
		if !inst.Enabled {
			continue
		}
		o.startFeed(ctx, inst)
	}

	if o.cfgPath != "" {
		if err := o.startConfigWatch(); err != nil {
			o.logger.Warn("config hot reload disabled", zap.Error(err))
		}
	}

	o.wg.Add(1)
	go o.watchdogLoop(ctx)

	o.setMode(types.ModeRunning, "")
	o.logger.Info("orchestrator running", zap.Int("instruments", len(o.config().Instruments)))

	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return ctx.Err()
		case <-o.stopCh:
			o.shutdown()
			return nil
		case <-ticker.C:
			o.dispatchDueSymbols(ctx)
		}
	}
}

// Stop requests a graceful shutdown; Run returns once in-flight pipelines
// drain or GracefulShutdown elapses.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
}

func (o *Orchestrator) shutdown() {
	o.setMode(types.ModeStopping, "")
	done := make(chan struct{})
	go func() { o.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(o.config().Orchestrator.GracefulShutdown):
		o.logger.Warn("graceful shutdown timed out, forcing exit")
	}
	if o.watcher != nil {
		o.watcher.Close()
	}
}

// recoverOnStartup rehydrates open positions and pattern weights from the
// StateStore, per spec §4.7/§4.8/§4.9's crash recovery contracts. Both loads
// are attempted regardless of whether the other fails, so a broken
// pattern_perf table doesn't also cost us open-position recovery; any
// failures are combined into a single returned error.
func (o *Orchestrator) recoverOnStartup(ctx context.Context) error {
	positions, posErr := o.deps.Store.OpenPositions(ctx)
	if posErr == nil {
		o.deps.Positions.Restore(positions)
	}

	weights, weightsErr := o.deps.Store.PatternWeights(ctx)
	if weightsErr == nil {
		snapshots := make([]types.PatternPerformance, 0, len(weights))
		for pt, w := range weights {
			snapshots = append(snapshots, types.PatternPerformance{PatternType: pt, CurrentWeight: w})
		}
		o.deps.Memory.Restore(snapshots)
	}

	if err := multierr.Combine(posErr, weightsErr); err != nil {
		return fmt.Errorf("recover on startup: %w", err)
	}

	o.logger.Info("recovered from state store", zap.Int("open_positions", len(positions)), zap.Int("pattern_weights", len(weights)))
	return nil
}

// startFeed launches one subscribe loop per configured timeframe for inst,
// registering a restart handle so the watchdog can recover it.
func (o *Orchestrator) startFeed(ctx context.Context, inst types.InstrumentConfig) {
	for _, tf := range inst.Timeframes {
		symbol, timeframe := inst.Symbol, tf
		name := feedComponent(symbol, timeframe)
		o.registerRestart(name, func(ctx context.Context) { o.runFeedLoop(ctx, symbol, timeframe) })
		o.runFeedLoop(ctx, symbol, timeframe)
	}
}

func (o *Orchestrator) runFeedLoop(ctx context.Context, symbol string, tf types.Timeframe) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.recordHeartbeat(feedComponent(symbol, tf))
		if err := o.deps.Ingestor.Run(ctx, symbol, tf); err != nil && ctx.Err() == nil {
			o.logger.Error("feed loop exited", zap.String("symbol", symbol), zap.String("timeframe", string(tf)), zap.Error(err))
		}
	}()
}

func feedComponent(symbol string, tf types.Timeframe) string {
	return fmt.Sprintf("feed:%s:%s", symbol, tf)
}

// dispatchDueSymbols runs the full pipeline for every instrument whose
// adaptive cadence has elapsed, bounded by OrchestratorConfig.Concurrency
// concurrent pipelines (spec §5).
func (o *Orchestrator) dispatchDueSymbols(ctx context.Context) {
	cfg := o.config()
	p := pool.New().WithMaxGoroutines(cfg.Orchestrator.Concurrency)
	now := time.Now().UTC()

	for _, inst := range cfg.Instruments {
		if !inst.Enabled {
			continue
		}
		instrument := inst
		if !o.dueFor(instrument.Symbol, now) {
			continue
		}
		p.Go(func() { o.tickSymbol(ctx, instrument, now) })
	}
	p.Wait()
}

func (o *Orchestrator) dueFor(symbol string, now time.Time) bool {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	cadence, ok := o.state.CurrentCadence[symbol]
	if !ok {
		cadence = o.config().Orchestrator.CadenceBounds[0]
	}
	last := o.state.LastTick[types.TickKey{Symbol: symbol}]
	return now.Sub(last) >= cadence
}

func (o *Orchestrator) markTicked(symbol string, now time.Time) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	o.state.LastTick[types.TickKey{Symbol: symbol}] = now
}

// tickSymbol runs one full pass of the pipeline for inst: refresh
// indicators/patterns per timeframe, manage open positions, route to
// analysts, score, gate, and execute. Failures are logged and end this
// symbol's pass rather than aborting the whole scheduler pass; they do not
// mark the symbol degraded.
func (o *Orchestrator) tickSymbol(ctx context.Context, inst types.InstrumentConfig, now time.Time) {
	defer o.markTicked(inst.Symbol, now)
	o.recordHeartbeat("tick:" + inst.Symbol)

	in := scorer.Input{
		Symbol:     inst.Symbol,
		Bars:       make(map[types.Timeframe][]types.Bar),
		Indicators: make(map[types.Timeframe]types.IndicatorSnapshot),
		Patterns:   make(map[types.Timeframe][]types.Pattern),
	}

	for _, tf := range inst.Timeframes {
		bars, err := o.deps.Store.RecentBars(ctx, inst.Symbol, tf, barWindow)
		if err != nil || len(bars) == 0 {
			o.logger.Warn("no bars for tick", zap.String("symbol", inst.Symbol), zap.String("timeframe", string(tf)), zap.Error(err))
			continue
		}
		in.Bars[tf] = bars
		in.Indicators[tf] = indicators.Compute(inst.Symbol, tf, bars)
		in.Patterns[tf] = o.deps.Detector.Detect(inst.Symbol, tf, bars)
	}
	if len(in.Bars) == 0 {
		return
	}

	o.manageOpenPositions(ctx, inst, in)
	o.updateVolatility(inst.Symbol, in)
	o.recomputeCadence(inst.Symbol)

	primaryTF := primaryTimeframe(inst.Timeframes)
	req := types.AnalysisRequest{
		Symbol:    inst.Symbol,
		Timeframe: primaryTF,
		Features: types.FeaturePack{
			Symbol: inst.Symbol, Timeframe: primaryTF,
			Bars: in.Bars[primaryTF], Indicators: in.Indicators,
			Patterns: in.Patterns[primaryTF], PolicyTag: o.config().Router.Policy,
		},
		PolicyTag: o.config().Router.Policy,
	}
	results, err := o.deps.Router.Route(ctx, req)
	if err != nil {
		o.logger.Warn("analyst routing failed, scoring without verdicts", zap.String("symbol", inst.Symbol), zap.Error(err))
	} else {
		in.Verdicts = router.Successes(results)
	}

	sig := o.deps.Scorer.Score(in)
	if sig.Direction == types.DirectionNone {
		return
	}
	if err := sig.Validate(); err != nil {
		o.logger.Warn("scorer emitted invalid signal, dropping", zap.String("symbol", inst.Symbol), zap.Error(err))
		return
	}
	o.deps.Bus.Publish(events.NewGenericEvent(events.EventTypeSignal, "signal issued", sig))

	if o.inSafeMode() {
		o.deps.Bus.Publish(events.NewGenericEvent(events.EventTypeRiskRejected, string(risk.RejectSafeMode), sig))
		return
	}

	stats := o.tradeStatsFor(in)
	decision := o.deps.RiskGate.Evaluate(sig, stats, o.inSafeMode())
	if decision.Rejected {
		o.deps.Bus.Publish(events.NewGenericEvent(events.EventTypeRiskRejected, string(decision.Reason), decision.Detail))
		return
	}

	riskPct, _ := decision.Intent.RiskPct.Float64()
	rec, err := o.deps.Execution.Submit(ctx, *decision.Intent)
	if err != nil {
		o.logger.Error("order submission failed", zap.String("symbol", inst.Symbol), zap.Error(err))
		o.deps.RiskGate.ReleaseRisk(inst.Symbol, riskPct)
		return
	}
	o.deps.Bus.Publish(events.NewGenericEvent(events.EventTypeExecution, "order submitted", rec))

	if len(rec.Fills) == 0 {
		return
	}
	pos := o.deps.Positions.OpenFromFill(sig, rec.Fills[0])
	for _, f := range rec.Fills[1:] {
		if _, err := o.deps.Positions.AddFill(pos.PositionID, f); err != nil {
			o.logger.Warn("fold additional fill failed", zap.String("position_id", pos.PositionID), zap.Error(err))
		}
	}
	if bestPattern, ok := bestPatternFor(in.Patterns[primaryTF]); ok {
		pos.PatternType = bestPattern
	}
	if o.deps.Store != nil {
		if err := o.deps.Store.UpsertPosition(ctx, pos); err != nil {
			o.logger.Error("persist opened position failed", zap.Error(err))
		}
	}
	o.deps.Bus.Publish(events.NewGenericEvent(events.EventTypePosition, "position opened", pos))
}

func bestPatternFor(patterns []types.Pattern) (types.PatternType, bool) {
	if len(patterns) == 0 {
		return "", false
	}
	best := patterns[0]
	for _, p := range patterns[1:] {
		if p.Confidence > best.Confidence {
			best = p
		}
	}
	return best.PatternType, true
}

// tradeStatsFor derives the Risk Gate's Kelly-sizing input from the
// Learning Memory's rolling windows for the patterns present this tick.
func (o *Orchestrator) tradeStatsFor(in scorer.Input) risk.TradeStats {
	var wins, trades int
	var sumWin, sumLoss float64
	for tf := range in.Patterns {
		for _, p := range in.Patterns[tf] {
			perf := o.deps.Memory.PatternPerformanceSnapshot(p.PatternType)
			for _, w := range perf.Windows {
				trades += w.Trades
				wins += w.Wins
				er, _ := w.ExpectancyR.Float64()
				if er > 0 {
					sumWin += er
				} else {
					sumLoss += -er
				}
			}
		}
	}
	if trades == 0 {
		return risk.TradeStats{WinRate: 0.5, AvgWin: 1, AvgLoss: 1}
	}
	stats := risk.TradeStats{WinRate: float64(wins) / float64(trades)}
	if wins > 0 {
		stats.AvgWin = sumWin / float64(wins)
	} else {
		stats.AvgWin = 1
	}
	if losers := trades - wins; losers > 0 {
		stats.AvgLoss = sumLoss / float64(losers)
	} else {
		stats.AvgLoss = 1
	}
	return stats
}

// manageOpenPositions ticks every open position for inst.Symbol against the
// latest close, submitting exit orders and folding closed-trade outcomes
// back into the Risk Gate's ledger and the Learning Memory.
func (o *Orchestrator) manageOpenPositions(ctx context.Context, inst types.InstrumentConfig, in scorer.Input) {
	primaryTF := primaryTimeframe(inst.Timeframes)
	bars := in.Bars[primaryTF]
	if len(bars) == 0 {
		return
	}
	lastClose := bars[len(bars)-1].Close
	now := time.Now().UTC()

	for _, pos := range o.deps.Positions.Open() {
		if pos.Symbol != inst.Symbol {
			continue
		}
		updated, err := o.deps.Positions.Tick(pos.PositionID, lastClose, now)
		if err != nil {
			o.logger.Warn("position tick failed", zap.String("position_id", pos.PositionID), zap.Error(err))
			continue
		}
		if o.deps.Store != nil {
			if err := o.deps.Store.UpsertPosition(ctx, updated); err != nil {
				o.logger.Error("persist position tick failed", zap.Error(err))
			}
		}
		if updated.State != types.PositionClosing {
			continue
		}
		o.closePosition(ctx, updated, now)
	}
}

func (o *Orchestrator) closePosition(ctx context.Context, pos types.Position, now time.Time) {
	side := types.OrderSideSell
	if pos.Direction == types.DirectionShort {
		side = types.OrderSideBuy
	}
	intent := types.OrderIntent{
		ClientID:  pos.PositionID + ":close",
		SignalID:  pos.PositionID,
		Symbol:    pos.Symbol,
		Side:      side,
		Type:      types.OrderTypeMarket,
		Quantity:  pos.Quantity,
		CreatedAt: now,
	}
	rec, err := o.deps.Execution.Submit(ctx, intent)
	if err != nil {
		o.logger.Error("close order submission failed", zap.String("position_id", pos.PositionID), zap.Error(err))
		return
	}
	closed, err := o.deps.Positions.Close(pos.PositionID, rec.Fills, decimal.Zero, decimal.Zero, now)
	if err != nil {
		o.logger.Error("position close failed", zap.String("position_id", pos.PositionID), zap.Error(err))
		return
	}

	o.deps.RiskGate.ReleaseRisk(pos.Symbol, 0)
	if trigger := o.deps.RiskGate.RecordClose(closed.RealizedPnL); trigger != nil {
		o.EnterSafeMode(trigger.Reason, trigger.Until)
	}

	riskR, _ := closed.RealizedPnL.Float64()
	if initialRisk := closed.AvgEntry.Sub(closed.Stop).Abs().Mul(closed.Quantity); initialRisk.IsPositive() {
		riskR, _ = closed.RealizedPnL.Div(initialRisk).Float64()
	}
	o.deps.Memory.RecordClose(learning.ClosedTrade{
		PositionID: closed.PositionID, PatternType: closed.PatternType,
		RealizedPnL: riskR, HoldTime: now.Sub(closed.OpenedAt), ClosedAt: now,
	})
	o.deps.Scorer.Observe(0, closed.RealizedPnL.IsPositive())

	if o.deps.Store != nil {
		if err := o.deps.Store.UpsertPosition(ctx, closed); err != nil {
			o.logger.Error("persist closed position failed", zap.Error(err))
		}
		if err := o.deps.Store.SavePatternWeight(ctx, closed.PatternType, o.deps.Memory.Weight(closed.PatternType), now); err != nil {
			o.logger.Error("persist pattern weight failed", zap.Error(err))
		}
	}
	o.deps.Bus.Publish(events.NewGenericEvent(events.EventTypePosition, "position closed", closed))
}

func primaryTimeframe(tfs []types.Timeframe) types.Timeframe {
	for _, tf := range tfs {
		if tf == types.Timeframe1h {
			return tf
		}
	}
	if len(tfs) > 0 {
		return tfs[0]
	}
	return types.Timeframe1h
}

// updateVolatility records the ATR/close ratio of whichever timeframe has
// bars this tick as the symbol's realized volatility reading, consulted
// by recomputeCadence.
func (o *Orchestrator) updateVolatility(symbol string, in scorer.Input) {
	var tf types.Timeframe
	for candidate, bars := range in.Bars {
		if len(bars) > 0 {
			tf = candidate
			break
		}
	}
	bars := in.Bars[tf]
	if len(bars) == 0 {
		return
	}
	snap := in.Indicators[tf]
	atr := snap.Values[types.IndicatorATR14]
	close64, _ := bars[len(bars)-1].Close.Float64()
	if close64 == 0 {
		return
	}
	o.volMu.Lock()
	o.volatility[symbol] = atr / close64
	o.volMu.Unlock()
}

// recomputeCadence implements spec §4.10's adaptive cadence: realized
// volatility high speeds the symbol up, low slows it down, and a degraded
// feed always wins by forcing the slowest cadence (entries are separately
// suppressed by SAFE_MODE/risk checks upstream).
func (o *Orchestrator) recomputeCadence(symbol string) {
	cfg := o.config().Orchestrator
	o.volMu.Lock()
	vol := o.volatility[symbol]
	o.volMu.Unlock()

	fast, slow := cfg.CadenceBounds[0], cfg.CadenceBounds[1]
	cadence := (fast + slow) / 2
	switch {
	case vol >= cfg.VolatilityThresholds[1]:
		cadence = fast
	case vol <= cfg.VolatilityThresholds[0] && vol > 0:
		cadence = slow
	}

	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	feedName := "feed:" + symbol
	for name := range o.state.DegradedComponents {
		if name == feedName || strings.HasPrefix(name, feedName+":") {
			cadence = slow
			break
		}
	}
	o.state.CurrentCadence[symbol] = cadence
}

// EnterSafeMode transitions the Orchestrator into SAFE_MODE: new entries
// are blocked (enforced by inSafeMode() checks in tickSymbol and the Risk
// Gate), and — if configured — open positions are force-closed at market.
func (o *Orchestrator) EnterSafeMode(reason string, until time.Time) {
	o.stateMu.Lock()
	already := o.state.Mode == types.ModeSafeMode
	o.state.Mode = types.ModeSafeMode
	if !already {
		o.state.SafeModeReason = reason
	}
	o.state.SafeModeUntil = &until
	o.stateMu.Unlock()
	if already {
		return
	}

	o.logger.Warn("entering safe_mode", zap.String("reason", reason), zap.Time("until", until))
	o.deps.Bus.Publish(events.NewGenericEvent(events.EventTypeSafeMode, reason, until))

	if o.config().Orchestrator.SafeModeForceClose {
		go o.forceCloseAll(context.Background())
	}
}

// TriggerSafeMode is the control surface's entry point into SAFE_MODE
// (internal/api's POST /safe-mode): it applies the configured
// Risk.SafeModeCooldown rather than requiring the caller to pick an
// expiry.
func (o *Orchestrator) TriggerSafeMode(reason string) {
	o.EnterSafeMode(reason, time.Now().UTC().Add(o.config().Risk.SafeModeCooldown))
}

func (o *Orchestrator) forceCloseAll(ctx context.Context) {
	for _, pos := range o.deps.Positions.Open() {
		forced := pos
		forced.State = types.PositionClosing
		o.closePosition(ctx, forced, time.Now().UTC())
	}
}

// exitSafeModeIfExpired re-evaluates SAFE_MODE's cooldown, returning to
// `running` once SafeModeUntil has elapsed (spec §4.10).
func (o *Orchestrator) exitSafeModeIfExpired(now time.Time) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.state.Mode != types.ModeSafeMode || o.state.SafeModeUntil == nil {
		return
	}
	if now.Before(*o.state.SafeModeUntil) {
		return
	}
	o.state.Mode = types.ModeRunning
	o.state.SafeModeReason = ""
	o.state.SafeModeUntil = nil
	o.logger.Info("safe_mode cooldown elapsed, resuming")
	o.deps.Bus.Publish(events.NewGenericEvent(events.EventTypeSafeMode, "cooldown_elapsed", now))
}

func (o *Orchestrator) inSafeMode() bool {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state.InSafeMode()
}

func (o *Orchestrator) setMode(mode types.OrchestratorMode, reason string) {
	o.stateMu.Lock()
	o.state.Mode = mode
	if reason != "" {
		o.state.SafeModeReason = reason
	}
	o.stateMu.Unlock()
}

// Snapshot returns a copy of the current OrchestratorState, for the
// control surface's health endpoint.
func (o *Orchestrator) Snapshot() types.OrchestratorState {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	cp := types.NewOrchestratorState()
	cp.Mode = o.state.Mode
	cp.SafeModeReason = o.state.SafeModeReason
	if o.state.SafeModeUntil != nil {
		until := *o.state.SafeModeUntil
		cp.SafeModeUntil = &until
	}
	for k, v := range o.state.CurrentCadence {
		cp.CurrentCadence[k] = v
	}
	for k, v := range o.state.LastTick {
		cp.LastTick[k] = v
	}
	for k := range o.state.DegradedComponents {
		cp.DegradedComponents[k] = struct{}{}
	}
	return cp
}

// HealthStatus is the control surface's (internal/api) /health payload: the
// current mode, any degraded components, how stale each component's last
// heartbeat is, and the event bus's own health counters.
type HealthStatus struct {
	Mode               types.OrchestratorMode `json:"mode"`
	SafeModeReason     string                 `json:"safe_mode_reason,omitempty"`
	SafeModeUntil      *time.Time             `json:"safe_mode_until,omitempty"`
	DegradedComponents []string               `json:"degraded_components,omitempty"`
	HeartbeatAge       map[string]string      `json:"heartbeat_age"`
	Bus                events.Stats           `json:"bus"`
}

// Health returns a point-in-time health snapshot for the control surface.
// Heartbeat ages are humanized (e.g. "3 seconds ago") rather than raw durations,
// since this payload is meant to be read by an operator, not parsed.
func (o *Orchestrator) Health() HealthStatus {
	snap := o.Snapshot()

	degraded := make([]string, 0, len(snap.DegradedComponents))
	for name := range snap.DegradedComponents {
		degraded = append(degraded, name)
	}
	slices.Sort(degraded)

	o.hbMu.Lock()
	ages := make(map[string]string, len(o.heartbeats))
	for name, t := range o.heartbeats {
		ages[name] = humanize.Time(t)
	}
	o.hbMu.Unlock()

	return HealthStatus{
		Mode:               snap.Mode,
		SafeModeReason:     snap.SafeModeReason,
		SafeModeUntil:      snap.SafeModeUntil,
		DegradedComponents: degraded,
		HeartbeatAge:       ages,
		Bus:                o.deps.Bus.Stats(),
	}
}

// recordHeartbeat marks component as alive as of now; consulted by the
// watchdog loop.
func (o *Orchestrator) recordHeartbeat(component string) {
	o.hbMu.Lock()
	o.heartbeats[component] = time.Now().UTC()
	o.hbMu.Unlock()
}

func (o *Orchestrator) registerRestart(component string, fn func(ctx context.Context)) {
	o.hbMu.Lock()
	o.restarts[component] = fn
	o.hbMu.Unlock()
}

// watchdogLoop periodically checks every component's last heartbeat;
// benign subcomponents (feeds) are restarted in place, execution-critical
// components escalate straight to SAFE_MODE, per spec §4.10.
func (o *Orchestrator) watchdogLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(heartbeatStaleness / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case now := <-ticker.C:
			o.checkHeartbeats(ctx, now)
			o.exitSafeModeIfExpired(now.UTC())
		}
	}
}

func (o *Orchestrator) checkHeartbeats(ctx context.Context, now time.Time) {
	o.hbMu.Lock()
	stale := make([]string, 0)
	for name, last := range o.heartbeats {
		if now.Sub(last) > heartbeatStaleness {
			stale = append(stale, name)
		}
	}
	restarts := make(map[string]func(ctx context.Context), len(stale))
	for _, name := range stale {
		if fn, ok := o.restarts[name]; ok {
			restarts[name] = fn
		}
	}
	o.hbMu.Unlock()

	for _, name := range stale {
		category := componentCategory(name)
		if executionCritical[category] {
			o.logger.Error("execution-critical component stale, entering safe_mode", zap.String("component", name))
			o.EnterSafeMode("component_stale:"+name, now.Add(o.config().Risk.SafeModeCooldown))
			o.deps.Bus.Publish(events.NewGenericEvent(events.EventTypeHealth, "execution_critical_stale", name))
			continue
		}
		o.stateMu.Lock()
		o.state.Degraded(name)
		o.stateMu.Unlock()
		o.deps.Bus.Publish(events.NewGenericEvent(events.EventTypeHealth, "degraded", name))
		if fn, ok := restarts[name]; ok {
			o.logger.Warn("restarting benign stale component", zap.String("component", name))
			fn(ctx)
		}
	}
}

func componentCategory(name string) string {
	for i, c := range name {
		if c == ':' {
			return name[:i]
		}
	}
	return name
}

// ReloadConfig validates and atomically swaps newCfg, for callers applying
// a config change outside the file-watch path (e.g. the control surface's
// admin endpoint).
func (o *Orchestrator) ReloadConfig(newCfg types.Config) error {
	if err := newCfg.Validate(); err != nil {
		o.deps.Bus.Publish(events.NewGenericEvent(events.EventTypeConfigRejected, err.Error(), nil))
		return fmt.Errorf("reject invalid config: %w", err)
	}
	o.cfgMu.Lock()
	o.cfg = newCfg
	o.cfgMu.Unlock()
	o.deps.Bus.Publish(events.NewGenericEvent(events.EventTypeConfigReload, "reloaded", nil))
	return nil
}

// startConfigWatch loads o.cfgPath via Viper and watches it with fsnotify;
// on every write, the file is fully re-validated before the atomic swap —
// a rejected reload keeps the previous config in force, per spec §4.10.
func (o *Orchestrator) startConfigWatch() error {
	o.v = viper.New()
	o.v.SetConfigFile(o.cfgPath)
	if err := o.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", o.cfgPath, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(o.cfgPath); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config %s: %w", o.cfgPath, err)
	}
	o.watcher = watcher

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					o.handleConfigFileChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				o.logger.Warn("config watcher error", zap.Error(err))
			case <-o.stopCh:
				return
			}
		}
	}()
	return nil
}

func (o *Orchestrator) handleConfigFileChange() {
	if err := o.v.ReadInConfig(); err != nil {
		o.logger.Warn("config reload: re-read failed, keeping previous config", zap.Error(err))
		return
	}
	var newCfg types.Config
	if err := o.v.Unmarshal(&newCfg); err != nil {
		o.logger.Warn("config reload: unmarshal failed, keeping previous config", zap.Error(err))
		o.deps.Bus.Publish(events.NewGenericEvent(events.EventTypeConfigRejected, err.Error(), nil))
		return
	}
	if err := o.ReloadConfig(newCfg); err != nil {
		o.logger.Warn("config reload rejected, keeping previous config", zap.Error(err))
		return
	}
	o.logger.Info("config reloaded")
}
