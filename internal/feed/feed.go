// Package feed is the L1 Feed Ingestor: it subscribes to a venue's bar
// stream over websocket, classifies and reports malformed payloads rather
// than silently dropping them, detects clock skew and gaps against the
// expected timeframe cadence, and backfills missing bars from the venue's
// REST history endpoint before handing a contiguous bar series upward.
package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/relvacode/iso8601"
	"github.com/shopspring/decimal"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

// ParseFailure is reported via OnParseFailure when a wire payload cannot be
// turned into a Bar, classified per spec §4.1/§7.
type ParseFailure struct {
	Symbol    string
	Kind      types.ParseFailureKind
	RawBytes  []byte
	Err       error
	Timestamp time.Time
}

// Venue is the minimal exchange contract the Feed Ingestor depends on: a
// live bar stream plus a REST history endpoint for backfill.
type Venue interface {
	StreamBars(ctx context.Context, symbol string, tf types.Timeframe) (<-chan []byte, error)
	HistoricalBars(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error)
}

// Archive persists accepted bars, normally backed by the StateStore.
type Archive interface {
	SaveBars(ctx context.Context, bars []types.Bar) error
	LatestBar(ctx context.Context, symbol string, tf types.Timeframe) (types.Bar, bool, error)
}

// Ingestor runs one (symbol, timeframe) subscription.
type Ingestor struct {
	logger  *zap.Logger
	venue   Venue
	archive Archive

	clockSkewThreshold time.Duration
	degradedGapBars    int

	mu              sync.Mutex
	lastBarTime     map[types.BarKey]time.Time
	onBar           func(types.Bar)
	onParseFailure  func(ParseFailure)
	onDegraded      func(symbol string, tf types.Timeframe, reason string)
	onRecovered     func(symbol string, tf types.Timeframe)
}

// NewIngestor constructs an Ingestor. callbacks are optional; nil callbacks
// are simply skipped.
func NewIngestor(logger *zap.Logger, venue Venue, archive Archive, clockSkewThreshold time.Duration, degradedGapBars int) *Ingestor {
	return &Ingestor{
		logger:             logger,
		venue:              venue,
		archive:            archive,
		clockSkewThreshold: clockSkewThreshold,
		degradedGapBars:    degradedGapBars,
		lastBarTime:        make(map[types.BarKey]time.Time),
	}
}

// OnBar registers the handler invoked for every accepted, validated Bar.
func (ing *Ingestor) OnBar(fn func(types.Bar)) { ing.onBar = fn }

// OnParseFailure registers the handler invoked when a wire payload fails to
// parse into a Bar.
func (ing *Ingestor) OnParseFailure(fn func(ParseFailure)) { ing.onParseFailure = fn }

// OnDegraded registers the handler invoked when a gap exceeding
// degraded_gap_bars is detected for (symbol, tf).
func (ing *Ingestor) OnDegraded(fn func(symbol string, tf types.Timeframe, reason string)) { ing.onDegraded = fn }

// OnRecovered registers the handler invoked once a previously degraded
// (symbol, tf) backfills cleanly.
func (ing *Ingestor) OnRecovered(fn func(symbol string, tf types.Timeframe)) { ing.onRecovered = fn }

// Run subscribes to symbol/tf and processes the stream until ctx is
// cancelled or the venue closes the stream.
func (ing *Ingestor) Run(ctx context.Context, symbol string, tf types.Timeframe) error {
	stream, err := ing.venue.StreamBars(ctx, symbol, tf)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", symbol, tf, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-stream:
			if !ok {
				return nil
			}
			ing.handleRaw(ctx, symbol, tf, raw)
		}
	}
}

func (ing *Ingestor) handleRaw(ctx context.Context, symbol string, tf types.Timeframe, raw []byte) {
	bar, err := parseBar(symbol, tf, raw)
	if err != nil {
		ing.reportParseFailure(raw, err)
		return
	}
	if err := bar.Validate(); err != nil {
		ing.reportParseFailure(raw, err)
		return
	}

	now := time.Now().UTC()
	if skew := now.Sub(bar.OpenTime.Add(tf.Duration())); skew > ing.clockSkewThreshold {
		ing.logger.Warn("bar arrived outside clock skew threshold",
			zap.String("symbol", symbol), zap.Duration("skew", skew))
	}

	ing.checkGapAndBackfill(ctx, symbol, tf, bar)

	ing.mu.Lock()
	ing.lastBarTime[bar.Key()] = bar.OpenTime
	ing.mu.Unlock()

	if ing.archive != nil {
		if err := ing.archive.SaveBars(ctx, []types.Bar{bar}); err != nil {
			ing.logger.Error("archive bar failed", zap.Error(err))
		}
	}
	if ing.onBar != nil {
		ing.onBar(bar)
	}
}

func (ing *Ingestor) reportParseFailure(raw []byte, err error) {
	kind := classifyFailure(err)
	if ing.onParseFailure != nil {
		ing.onParseFailure(ParseFailure{Kind: kind, RawBytes: raw, Err: err, Timestamp: time.Now().UTC()})
	}
	ing.logger.Warn("bar parse failure", zap.String("kind", string(kind)), zap.Error(err))
}

func classifyFailure(err error) types.ParseFailureKind {
	switch {
	case err == context.DeadlineExceeded:
		return types.ParseFailureTimeout
	case strings.Contains(err.Error(), "malformed"):
		return types.ParseFailureMalformed
	case strings.Contains(err.Error(), "schema mismatch"):
		return types.ParseFailureSchemaMismatch
	default:
		return types.ParseFailureSchemaMismatch
	}
}

// checkGapAndBackfill fetches missing bars between the last known bar and
// the newly arrived one when the gap exceeds one interval, and reports
// degraded/recovered transitions once the gap exceeds degradedGapBars.
func (ing *Ingestor) checkGapAndBackfill(ctx context.Context, symbol string, tf types.Timeframe, bar types.Bar) {
	ing.mu.Lock()
	last, ok := ing.lastBarTime[bar.Key()]
	ing.mu.Unlock()
	if !ok {
		return
	}
	gap := bar.OpenTime.Sub(last)
	missingBars := int(gap/tf.Duration()) - 1
	if missingBars <= 0 {
		return
	}
	if missingBars > ing.degradedGapBars && ing.onDegraded != nil {
		ing.onDegraded(symbol, tf, fmt.Sprintf("%d bar gap detected", missingBars))
	}

	backfilled, err := ing.venue.HistoricalBars(ctx, symbol, tf, last.Add(tf.Duration()), bar.OpenTime)
	if err != nil {
		ing.logger.Error("backfill failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if ing.archive != nil && len(backfilled) > 0 {
		if err := ing.archive.SaveBars(ctx, backfilled); err != nil {
			ing.logger.Error("archive backfilled bars failed", zap.Error(err))
			return
		}
	}
	if missingBars > ing.degradedGapBars && ing.onRecovered != nil {
		ing.onRecovered(symbol, tf)
	}
}

// parseBar decodes a venue bar payload using fastjson for allocation-light
// parsing, then validates the timestamp with the RFC 3339/ISO 8601 parser
// used across the pack rather than trusting the venue's epoch-millis
// convention blindly.
func parseBar(symbol string, tf types.Timeframe, raw []byte) (types.Bar, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(raw)
	if err != nil {
		return types.Bar{}, fmt.Errorf("malformed bar payload: %w", err)
	}

	openTimeStr := string(v.GetStringBytes("open_time"))
	var openTime time.Time
	if openTimeStr != "" {
		openTime, err = iso8601.ParseString(openTimeStr)
		if err != nil {
			return types.Bar{}, fmt.Errorf("invalid open_time %q: %w", openTimeStr, err)
		}
	} else if ms := v.GetInt64("open_time_ms"); ms != 0 {
		openTime = time.UnixMilli(ms).UTC()
	} else {
		return types.Bar{}, fmt.Errorf("schema mismatch: missing open_time")
	}

	open := v.Get("open")
	high := v.Get("high")
	low := v.Get("low")
	close := v.Get("close")
	volume := v.Get("volume")
	if open == nil || high == nil || low == nil || close == nil || volume == nil {
		return types.Bar{}, fmt.Errorf("schema mismatch: missing OHLCV field")
	}

	return types.Bar{
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  types.AlignToTimeframe(openTime, tf),
		Open:      decimal.NewFromFloat(open.GetFloat64()),
		High:      decimal.NewFromFloat(high.GetFloat64()),
		Low:       decimal.NewFromFloat(low.GetFloat64()),
		Close:     decimal.NewFromFloat(close.GetFloat64()),
		Volume:    decimal.NewFromFloat(volume.GetFloat64()),
	}, nil
}

// WebSocketVenue is a Venue backed by a gorilla/websocket connection for
// the live stream and an HTTP client for REST backfill.
type WebSocketVenue struct {
	dialer     *websocket.Dialer
	wsURL      func(symbol string, tf types.Timeframe) string
	historical func(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error)
}

// NewWebSocketVenue constructs a WebSocketVenue. historical may be nil if
// the venue never needs backfill (e.g. a paper venue with a bounded
// history).
func NewWebSocketVenue(wsURL func(string, types.Timeframe) string, historical func(context.Context, string, types.Timeframe, time.Time, time.Time) ([]types.Bar, error)) *WebSocketVenue {
	return &WebSocketVenue{dialer: websocket.DefaultDialer, wsURL: wsURL, historical: historical}
}

func (v *WebSocketVenue) StreamBars(ctx context.Context, symbol string, tf types.Timeframe) (<-chan []byte, error) {
	conn, _, err := v.dialer.DialContext(ctx, v.wsURL(symbol, tf), nil)
	if err != nil {
		return nil, err
	}
	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (v *WebSocketVenue) HistoricalBars(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error) {
	if v.historical == nil {
		return nil, nil
	}
	return v.historical(ctx, symbol, tf, from, to)
}
