package types

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration schema of spec §6: risk, scorer, router,
// orchestrator, and per-instrument sections. It is what Viper unmarshals
// into, and what ReloadConfig validates before an atomic swap.
type Config struct {
	Risk         RiskConfig         `mapstructure:"risk" json:"risk"`
	Scorer       ScorerConfig       `mapstructure:"scorer" json:"scorer"`
	Router       RouterConfig       `mapstructure:"router" json:"router"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" json:"orchestrator"`
	Instruments  []InstrumentConfig `mapstructure:"instruments" json:"instruments"`
}

// RiskConfig consolidates sizing and portfolio-invariant parameters in one
// validated block (resolves spec Open Question #3).
type RiskConfig struct {
	PerTradeRiskPct    float64        `mapstructure:"per_trade_risk_pct" json:"per_trade_risk_pct"`
	PortfolioRiskCap   float64        `mapstructure:"portfolio_risk_cap" json:"portfolio_risk_cap"`
	CorrelatedCap      float64        `mapstructure:"correlated_cap" json:"correlated_cap"`
	CorrelationThreshold float64      `mapstructure:"correlation_threshold" json:"correlation_threshold"`
	LeverageCap        float64        `mapstructure:"leverage_cap" json:"leverage_cap"`
	DailyLossLimit     float64        `mapstructure:"daily_loss_limit" json:"daily_loss_limit"`
	MonthlyLossLimit   float64        `mapstructure:"monthly_loss_limit" json:"monthly_loss_limit"`
	SafeModeCooldown   time.Duration  `mapstructure:"safe_mode_cooldown" json:"safe_mode_cooldown"`
	KellyScale         float64        `mapstructure:"kelly_scale" json:"kelly_scale"`
	MaxPositionSizePct float64        `mapstructure:"max_position_size_pct" json:"max_position_size_pct"`
	DrawdownWindow     DrawdownWindow `mapstructure:"drawdown_window" json:"drawdown_window"`
}

// Validate enforces RiskConfig bounds; called by Config.Validate.
func (c RiskConfig) Validate() error {
	if c.PerTradeRiskPct <= 0 || c.PerTradeRiskPct > 0.1 {
		return fmt.Errorf("risk.per_trade_risk_pct %v out of (0, 0.1]", c.PerTradeRiskPct)
	}
	if c.PortfolioRiskCap <= 0 || c.PortfolioRiskCap > 1 {
		return fmt.Errorf("risk.portfolio_risk_cap %v out of (0, 1]", c.PortfolioRiskCap)
	}
	if c.CorrelationThreshold < 0 || c.CorrelationThreshold > 1 {
		return fmt.Errorf("risk.correlation_threshold %v out of [0,1]", c.CorrelationThreshold)
	}
	if c.KellyScale <= 0 || c.KellyScale > 1 {
		return fmt.Errorf("risk.kelly_scale %v out of (0, 1]", c.KellyScale)
	}
	switch c.DrawdownWindow {
	case DrawdownRealizedOnly, DrawdownMarkToMarket:
	default:
		return fmt.Errorf("risk.drawdown_window %q invalid", c.DrawdownWindow)
	}
	return nil
}

// DefaultRiskConfig mirrors the teacher's Default*Config convention.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		PerTradeRiskPct:      0.005,
		PortfolioRiskCap:     0.18,
		CorrelatedCap:        0.10,
		CorrelationThreshold: 0.7,
		LeverageCap:          3.0,
		DailyLossLimit:       0.05,
		MonthlyLossLimit:     0.15,
		SafeModeCooldown:     4 * time.Hour,
		KellyScale:           0.25, // quarter-Kelly
		MaxPositionSizePct:   0.20,
		DrawdownWindow:       DrawdownMarkToMarket,
	}
}

// ScorerWeights are the Confluence Scorer's component weights; they must
// sum to 1.0 within ±1e-6 (spec §4.5).
type ScorerWeights struct {
	Trend      float64 `mapstructure:"trend" json:"trend"`
	Momentum   float64 `mapstructure:"momentum" json:"momentum"`
	Volatility float64 `mapstructure:"volatility" json:"volatility"`
	Volume     float64 `mapstructure:"volume" json:"volume"`
	Pattern    float64 `mapstructure:"pattern" json:"pattern"`
	Analyst    float64 `mapstructure:"analyst" json:"analyst"`
}

func (w ScorerWeights) Sum() float64 {
	return w.Trend + w.Momentum + w.Volatility + w.Volume + w.Pattern + w.Analyst
}

func (w ScorerWeights) Validate() error {
	if math.Abs(w.Sum()-1.0) > 1e-6 {
		return fmt.Errorf("scorer.weights sum to %v, want 1.0 +/- 1e-6", w.Sum())
	}
	return nil
}

func DefaultScorerWeights() ScorerWeights {
	return ScorerWeights{Trend: 0.25, Momentum: 0.2, Volatility: 0.1, Volume: 0.1, Pattern: 0.2, Analyst: 0.15}
}

// ScorerConfig is the Confluence Scorer's configuration (spec §4.5, §6).
type ScorerConfig struct {
	Weights               ScorerWeights        `mapstructure:"weights" json:"weights"`
	EntryThreshold         float64             `mapstructure:"entry_threshold" json:"entry_threshold"`
	MinCalibratedConfidence float64            `mapstructure:"min_calibrated_confidence" json:"min_calibrated_confidence"`
	MinRiskReward          float64             `mapstructure:"min_risk_reward" json:"min_risk_reward"`
	TimeframeBaseWeights   map[Timeframe]float64 `mapstructure:"timeframe_base_weights" json:"timeframe_base_weights"`
	ATRStopMultiple        float64             `mapstructure:"atr_stop_multiple" json:"atr_stop_multiple"`
}

func (c ScorerConfig) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.EntryThreshold < 0 || c.EntryThreshold > 100 {
		return fmt.Errorf("scorer.entry_threshold %v out of [0,100]", c.EntryThreshold)
	}
	if c.MinRiskReward < 1 {
		return fmt.Errorf("scorer.min_risk_reward %v < 1", c.MinRiskReward)
	}
	sum := 0.0
	for _, w := range c.TimeframeBaseWeights {
		sum += w
	}
	if len(c.TimeframeBaseWeights) > 0 && math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("scorer.timeframe_base_weights sum to %v, want 1.0", sum)
	}
	return nil
}

func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		Weights:                DefaultScorerWeights(),
		EntryThreshold:         70,
		MinCalibratedConfidence: 0.6,
		MinRiskReward:          1.5,
		TimeframeBaseWeights: map[Timeframe]float64{
			Timeframe15m: 0.15, Timeframe1h: 0.3, Timeframe4h: 0.3, Timeframe1d: 0.25,
		},
		ATRStopMultiple: 1.0,
	}
}

// CircuitConfig is shared by the Analyst Router and Execution Client
// circuit breakers (spec §4.4, §4.7 — "same semantics as §4.4").
type CircuitConfig struct {
	Failures int           `mapstructure:"failures" json:"failures"`
	Window   time.Duration `mapstructure:"window" json:"window"`
	Cooldown time.Duration `mapstructure:"cooldown" json:"cooldown"`
	Cap      time.Duration `mapstructure:"cap" json:"cap"`
}

func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{Failures: 5, Window: 60 * time.Second, Cooldown: 30 * time.Second, Cap: 10 * time.Minute}
}

// RouterConfig is the Analyst Router's configuration (spec §4.4, §6).
type RouterConfig struct {
	Policy          RouterPolicy  `mapstructure:"policy" json:"policy"`
	SLAP95          time.Duration `mapstructure:"sla_p95" json:"sla_p95"`
	MinSuccessRate  float64       `mapstructure:"min_success_rate" json:"min_success_rate"`
	Circuit         CircuitConfig `mapstructure:"circuit" json:"circuit"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
	ConsensusSize   int           `mapstructure:"consensus_size" json:"consensus_size"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec" json:"rate_limit_per_sec"`
}

func (c RouterConfig) Validate() error {
	switch c.Policy {
	case PolicyAccuracyFirst, PolicyCostAware, PolicyLatencyAware, PolicyConsensus:
	default:
		return fmt.Errorf("router.policy %q invalid", c.Policy)
	}
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 {
		return fmt.Errorf("router.min_success_rate %v out of [0,1]", c.MinSuccessRate)
	}
	return nil
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Policy:          PolicyAccuracyFirst,
		SLAP95:          3 * time.Second,
		MinSuccessRate:  0.5,
		Circuit:         DefaultCircuitConfig(),
		CacheTTL:        5 * time.Minute,
		ConsensusSize:   3,
		RateLimitPerSec: 5,
	}
}

// OrchestratorConfig governs cadence, concurrency, SAFE_MODE and reload
// behavior (spec §4.10, §6).
type OrchestratorConfig struct {
	CadenceBounds          [2]time.Duration `mapstructure:"cadence_bounds" json:"cadence_bounds"`
	VolatilityThresholds   [2]float64       `mapstructure:"volatility_thresholds" json:"volatility_thresholds"`
	Concurrency            int              `mapstructure:"concurrency" json:"concurrency"`
	ConfigReloadInterval   time.Duration    `mapstructure:"config_reload_interval" json:"config_reload_interval"`
	SafeModeForceClose     bool             `mapstructure:"safe_mode_force_close" json:"safe_mode_force_close"`
	GracefulShutdown       time.Duration    `mapstructure:"graceful_shutdown" json:"graceful_shutdown"`
	DegradedGapBars        int              `mapstructure:"degraded_gap_bars" json:"degraded_gap_bars"`
	ClockSkewThreshold     time.Duration    `mapstructure:"clock_skew_threshold" json:"clock_skew_threshold"`
}

func (c OrchestratorConfig) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("orchestrator.concurrency %d must be > 0", c.Concurrency)
	}
	if c.CadenceBounds[0] <= 0 || c.CadenceBounds[1] < c.CadenceBounds[0] {
		return fmt.Errorf("orchestrator.cadence_bounds %v invalid", c.CadenceBounds)
	}
	return nil
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		CadenceBounds:        [2]time.Duration{15 * time.Minute, 4 * time.Hour},
		VolatilityThresholds: [2]float64{0.3, 0.7},
		Concurrency:          8,
		ConfigReloadInterval: 30 * time.Second,
		SafeModeForceClose:   false,
		GracefulShutdown:     30 * time.Second,
		DegradedGapBars:      3,
		ClockSkewThreshold:   250 * time.Millisecond,
	}
}

// InstrumentConfig is one configured tradeable symbol (spec §6).
type InstrumentConfig struct {
	Symbol          string          `mapstructure:"symbol" json:"symbol"`
	Enabled         bool            `mapstructure:"enabled" json:"enabled"`
	Timeframes      []Timeframe     `mapstructure:"timeframes" json:"timeframes"`
	Tick            decimal.Decimal `mapstructure:"tick" json:"tick"`
	Step            decimal.Decimal `mapstructure:"step" json:"step"`
	CorrelationGroup string         `mapstructure:"correlation_group" json:"correlation_group"`
}

// Validate validates the whole config tree in strict mode.
func (c Config) Validate() error {
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	if err := c.Scorer.Validate(); err != nil {
		return err
	}
	if err := c.Router.Validate(); err != nil {
		return err
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Instruments))
	for _, in := range c.Instruments {
		if in.Symbol == "" {
			return fmt.Errorf("instruments: empty symbol")
		}
		if seen[in.Symbol] {
			return fmt.Errorf("instruments: duplicate symbol %q", in.Symbol)
		}
		seen[in.Symbol] = true
		for _, tf := range in.Timeframes {
			if !tf.Valid() {
				return fmt.Errorf("instruments[%s]: invalid timeframe %q", in.Symbol, tf)
			}
		}
	}
	return nil
}

// DefaultConfig returns a complete, valid default configuration.
func DefaultConfig() Config {
	return Config{
		Risk:         DefaultRiskConfig(),
		Scorer:       DefaultScorerConfig(),
		Router:       DefaultRouterConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Instruments:  nil,
	}
}
