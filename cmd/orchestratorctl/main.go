// Command orchestratorctl is the operator-facing entry point for the
// autonomous trading orchestrator: `serve` runs the full L1-L10 pipeline
// plus its control surface, `backfill` fills historical bar gaps offline,
// and `reload-config`/`safe-mode`/`health` drive a running process's
// control surface from the command line.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-quant/orchestrator-core/internal/api"
	"github.com/atlas-quant/orchestrator-core/internal/events"
	"github.com/atlas-quant/orchestrator-core/internal/execution"
	"github.com/atlas-quant/orchestrator-core/internal/execution/adapters"
	"github.com/atlas-quant/orchestrator-core/internal/feed"
	"github.com/atlas-quant/orchestrator-core/internal/learning"
	"github.com/atlas-quant/orchestrator-core/internal/orchestrator"
	"github.com/atlas-quant/orchestrator-core/internal/patterns"
	"github.com/atlas-quant/orchestrator-core/internal/position"
	"github.com/atlas-quant/orchestrator-core/internal/risk"
	"github.com/atlas-quant/orchestrator-core/internal/router"
	"github.com/atlas-quant/orchestrator-core/internal/scorer"
	"github.com/atlas-quant/orchestrator-core/internal/state"
	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	logLevel   string

	dbDSN        string
	apiAddr      string
	venueName    string
	venueBaseURL string
	venueAPIKey  string
	venueSecret  string

	controlAddr string

	backfillSymbol    string
	backfillTimeframe string
	backfillStart     string
	backfillEnd       string

	safeModeReason string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestratorctl",
	Short: "Operate the autonomous trading orchestrator",
	Long:  "orchestratorctl runs and administers the L1-L10 trading orchestrator pipeline.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its control surface until signaled to stop",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fetch historical bars from the venue and persist them to the state store",
	Args:  cobra.NoArgs,
	RunE:  runBackfill,
}

var reloadConfigCmd = &cobra.Command{
	Use:   "reload-config",
	Short: "Ask a running orchestrator to validate and hot-swap a new config file",
	Args:  cobra.NoArgs,
	RunE:  runReloadConfig,
}

var safeModeCmd = &cobra.Command{
	Use:   "safe-mode",
	Short: "Trigger SAFE_MODE on a running orchestrator",
	Args:  cobra.NoArgs,
	RunE:  runSafeMode,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print a running orchestrator's health snapshot",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

// registerVenueFlags wires the db-dsn/venue-base-url/venue-api-key flags
// shared by serve and backfill onto fs, so the two subcommands can't drift
// out of sync on flag name, default, or help text.
func registerVenueFlags(fs *pflag.FlagSet) {
	fs.StringVar(&dbDSN, "db-dsn", os.Getenv("ORCHESTRATOR_DB_DSN"), "Postgres DSN for the state store")
	fs.StringVar(&venueBaseURL, "venue-base-url", "", "Execution venue REST base URL")
	fs.StringVar(&venueAPIKey, "venue-api-key", os.Getenv("ORCHESTRATOR_VENUE_API_KEY"), "Execution venue API key")
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	registerVenueFlags(serveCmd.Flags())
	serveCmd.Flags().StringVar(&apiAddr, "api-addr", "127.0.0.1:8090", "Listen address for the control surface")
	serveCmd.Flags().StringVar(&venueName, "venue-name", "primary", "Execution venue name")
	serveCmd.Flags().StringVar(&venueSecret, "venue-api-secret", os.Getenv("ORCHESTRATOR_VENUE_API_SECRET"), "Execution venue API secret")

	rootCmd.AddCommand(backfillCmd)
	registerVenueFlags(backfillCmd.Flags())
	backfillCmd.Flags().StringVarP(&backfillSymbol, "symbol", "s", "", "Symbol to backfill (required)")
	backfillCmd.Flags().StringVarP(&backfillTimeframe, "timeframe", "t", "1h", "Timeframe to backfill")
	backfillCmd.Flags().StringVar(&backfillStart, "start", "", "Backfill start, RFC3339 (required)")
	backfillCmd.Flags().StringVar(&backfillEnd, "end", "", "Backfill end, RFC3339 (defaults to now)")
	backfillCmd.MarkFlagRequired("symbol")
	backfillCmd.MarkFlagRequired("start")

	for _, cmd := range []*cobra.Command{reloadConfigCmd, safeModeCmd, healthCmd} {
		rootCmd.AddCommand(cmd)
		cmd.Flags().StringVar(&controlAddr, "control-addr", "http://127.0.0.1:8090", "Base URL of a running orchestrator's control surface")
	}
	safeModeCmd.Flags().StringVar(&safeModeReason, "reason", "", "Reason recorded for the SAFE_MODE transition (required)")
	safeModeCmd.MarkFlagRequired("reason")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// restHistoricalBars builds the feed.WebSocketVenue "historical" backfill
// closure: a GET against {baseURL}/history/{symbol}/{timeframe}, decoded as
// a JSON array of bars.
func restHistoricalBars(baseURL, apiKey string) func(context.Context, string, types.Timeframe, time.Time, time.Time) ([]types.Bar, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil

	return func(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error) {
		url := fmt.Sprintf("%s/history/%s/%s?from=%s&to=%s", baseURL, symbol, tf,
			from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("historical bars request: %w", err)
		}
		defer resp.Body.Close()

		var bars []types.Bar
		if err := json.NewDecoder(resp.Body).Decode(&bars); err != nil {
			return nil, fmt.Errorf("decode historical bars: %w", err)
		}
		return bars, nil
	}
}

func loadConfig(path string) (types.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return types.Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := types.DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return types.Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := setupLogger(logLevel)
	defer logger.Sync()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := state.Open(ctx, logger, dbDSN)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	ticks := make(map[string]decimal.Decimal, len(cfg.Instruments))
	steps := make(map[string]decimal.Decimal, len(cfg.Instruments))
	correlationGroups := make(map[string]string, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		ticks[inst.Symbol] = inst.Tick
		steps[inst.Symbol] = inst.Step
		if inst.CorrelationGroup != "" {
			correlationGroups[inst.Symbol] = inst.CorrelationGroup
		}
	}

	venue := adapters.NewHTTPVenue(adapters.HTTPVenueConfig{
		VenueName:  venueName,
		BaseURL:    venueBaseURL,
		APIKey:     venueAPIKey,
		APISecret:  venueSecret,
		MaxRetries: 3,
		RetryWait:  time.Second,
		Ticks:      ticks,
		Steps:      steps,
	})

	wsVenue := feed.NewWebSocketVenue(
		func(symbol string, tf types.Timeframe) string {
			return fmt.Sprintf("%s/stream/%s/%s", venueBaseURL, symbol, tf)
		},
		restHistoricalBars(venueBaseURL, venueAPIKey),
	)

	bus := events.NewBus(logger, events.DefaultConfig())
	defer bus.Stop()

	ingestor := feed.NewIngestor(logger, wsVenue, store, cfg.Orchestrator.ClockSkewThreshold, cfg.Orchestrator.DegradedGapBars)
	memory := learning.NewMemory(logger)
	detector := patterns.NewDetector(memory)

	rtr := router.NewRouter(logger, cfg.Router)
	rtr.Register(router.NewTechnicalFallbackAnalyst(), types.AnalystProfile{AnalystID: "technical_fallback", Capacity: 1000})

	scr := scorer.NewScorer(logger, cfg.Scorer, nil)
	gate := risk.NewGate(logger, cfg.Risk, correlationGroups, decimal.NewFromInt(100000))
	execClient := execution.NewClient(logger, venue, store, execution.Config{
		CircuitFailures: 5, CircuitWindow: time.Minute, CircuitCooldown: time.Minute,
	})
	positions := position.NewManager(logger, 3)

	orch := orchestrator.New(logger, cfg, configPath, orchestrator.Deps{
		Bus:       bus,
		Store:     store,
		Ingestor:  ingestor,
		Detector:  detector,
		Router:    rtr,
		Scorer:    scr,
		RiskGate:  gate,
		Execution: execClient,
		Positions: positions,
		Memory:    memory,
	})

	metrics := api.NewMetrics(bus)
	apiCfg := api.DefaultConfig()
	apiCfg.Addr = apiAddr
	server := api.NewServer(logger, apiCfg, orch, bus, metrics)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("control surface stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- orch.Run(ctx) }()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	orch.Stop()
	if err := <-errCh; err != nil && ctx.Err() == nil {
		logger.Error("orchestrator run error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("control surface shutdown error", zap.Error(err))
	}
	logger.Info("orchestratorctl stopped")
	return nil
}

func runBackfill(cmd *cobra.Command, args []string) error {
	logger := setupLogger(logLevel)
	defer logger.Sync()

	start, err := time.Parse(time.RFC3339, backfillStart)
	if err != nil {
		return fmt.Errorf("parse --start: %w", err)
	}
	end := time.Now().UTC()
	if backfillEnd != "" {
		end, err = time.Parse(time.RFC3339, backfillEnd)
		if err != nil {
			return fmt.Errorf("parse --end: %w", err)
		}
	}

	ctx := context.Background()
	store, err := state.Open(ctx, logger, dbDSN)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	historical := restHistoricalBars(venueBaseURL, venueAPIKey)
	bars, err := historical(ctx, backfillSymbol, types.Timeframe(backfillTimeframe), start, end)
	if err != nil {
		return fmt.Errorf("fetch historical bars: %w", err)
	}
	if err := store.SaveBars(ctx, bars); err != nil {
		return fmt.Errorf("persist backfilled bars: %w", err)
	}

	logger.Info("backfill complete",
		zap.String("symbol", backfillSymbol), zap.String("timeframe", backfillTimeframe), zap.Int("bars", len(bars)))
	return nil
}

func runReloadConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	resp, err := http.Post(controlAddr+"/config/reload", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("POST /config/reload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload rejected: %s", resp.Status)
	}
	fmt.Println("config reloaded")
	return nil
}

func runSafeMode(cmd *cobra.Command, args []string) error {
	body, _ := json.Marshal(map[string]string{"reason": safeModeReason})
	resp, err := http.Post(controlAddr+"/safe-mode", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("POST /safe-mode: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("safe-mode request rejected: %s", resp.Status)
	}
	fmt.Println("safe_mode triggered")
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(controlAddr + "/health")
	if err != nil {
		return fmt.Errorf("GET /health: %w", err)
	}
	defer resp.Body.Close()

	var health orchestrator.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}

	fmt.Printf("mode: %s\n", health.Mode)
	if health.SafeModeReason != "" {
		fmt.Printf("safe_mode_reason: %s\n", health.SafeModeReason)
	}
	if len(health.DegradedComponents) > 0 {
		fmt.Printf("degraded: %v\n", health.DegradedComponents)
	}
	for component, age := range health.HeartbeatAge {
		fmt.Printf("  %s: %s\n", component, age)
	}
	return nil
}
