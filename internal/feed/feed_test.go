package feed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeVenue struct {
	historical    []types.Bar
	historicalErr error
}

func (f *fakeVenue) StreamBars(ctx context.Context, symbol string, tf types.Timeframe) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (f *fakeVenue) HistoricalBars(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error) {
	return f.historical, f.historicalErr
}

type fakeArchive struct {
	saved []types.Bar
}

func (f *fakeArchive) SaveBars(ctx context.Context, bars []types.Bar) error {
	f.saved = append(f.saved, bars...)
	return nil
}

func (f *fakeArchive) LatestBar(ctx context.Context, symbol string, tf types.Timeframe) (types.Bar, bool, error) {
	return types.Bar{}, false, nil
}

func barJSON(openTime time.Time) []byte {
	return []byte(fmt.Sprintf(`{"open_time":%q,"open":100,"high":102,"low":99,"close":101,"volume":10}`, openTime.Format(time.RFC3339)))
}

func TestParseBarValid(t *testing.T) {
	openTime := types.AlignToTimeframe(time.Now().UTC(), types.Timeframe1h)
	bar, err := parseBar("BTCUSD", types.Timeframe1h, barJSON(openTime))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSD", bar.Symbol)
	assert.NoError(t, bar.Validate())
}

func TestParseBarMalformedJSON(t *testing.T) {
	_, err := parseBar("BTCUSD", types.Timeframe1h, []byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, types.ParseFailureMalformed, classifyFailure(err))
}

func TestParseBarMissingField(t *testing.T) {
	_, err := parseBar("BTCUSD", types.Timeframe1h, []byte(`{"open_time":"2026-01-01T00:00:00Z","open":100}`))
	require.Error(t, err)
	assert.Equal(t, types.ParseFailureSchemaMismatch, classifyFailure(err))
}

func TestHandleRawEmitsOnBarForValidPayload(t *testing.T) {
	venue := &fakeVenue{}
	archive := &fakeArchive{}
	ing := NewIngestor(zap.NewNop(), venue, archive, time.Hour, 3)

	var got types.Bar
	ing.OnBar(func(b types.Bar) { got = b })

	openTime := types.AlignToTimeframe(time.Now().UTC(), types.Timeframe1h)
	ing.handleRaw(context.Background(), "BTCUSD", types.Timeframe1h, barJSON(openTime))

	assert.Equal(t, "BTCUSD", got.Symbol)
	assert.Len(t, archive.saved, 1)
}

func TestHandleRawReportsParseFailure(t *testing.T) {
	venue := &fakeVenue{}
	ing := NewIngestor(zap.NewNop(), venue, nil, time.Hour, 3)

	var failure ParseFailure
	ing.OnParseFailure(func(f ParseFailure) { failure = f })
	ing.handleRaw(context.Background(), "BTCUSD", types.Timeframe1h, []byte(`garbage`))

	assert.Equal(t, types.ParseFailureMalformed, failure.Kind)
}

func TestCheckGapAndBackfillTriggersDegradedOnLargeGap(t *testing.T) {
	venue := &fakeVenue{historical: []types.Bar{}}
	archive := &fakeArchive{}
	ing := NewIngestor(zap.NewNop(), venue, archive, time.Hour, 2)

	base := types.AlignToTimeframe(time.Now().UTC(), types.Timeframe1h)
	first := types.Bar{Symbol: "BTCUSD", Timeframe: types.Timeframe1h, OpenTime: base,
		Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100), Volume: decimal.NewFromInt(1)}
	ing.lastBarTime[first.Key()] = first.OpenTime

	var degraded bool
	ing.OnDegraded(func(symbol string, tf types.Timeframe, reason string) { degraded = true })

	later := first
	later.OpenTime = base.Add(5 * time.Hour)
	ing.checkGapAndBackfill(context.Background(), "BTCUSD", types.Timeframe1h, later)

	assert.True(t, degraded)
}
