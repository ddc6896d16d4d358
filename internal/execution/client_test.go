package execution

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeVenue struct {
	name       string
	tick, step decimal.Decimal
	submitted  []types.OrderIntent
	records    map[string]types.ExecutionRecord
	submitErr  error
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{name: "fake", tick: decimal.NewFromFloat(0.5), step: decimal.NewFromFloat(0.01), records: make(map[string]types.ExecutionRecord)}
}

func (f *fakeVenue) Name() string { return f.name }
func (f *fakeVenue) TickSize(string) decimal.Decimal { return f.tick }
func (f *fakeVenue) StepSize(string) decimal.Decimal { return f.step }

func (f *fakeVenue) SubmitOrder(ctx context.Context, intent types.OrderIntent) (types.ExecutionRecord, error) {
	if f.submitErr != nil {
		return types.ExecutionRecord{}, f.submitErr
	}
	f.submitted = append(f.submitted, intent)
	rec := types.ExecutionRecord{
		ClientID: intent.ClientID, Status: types.ExecutionFilled,
		Fills: []types.Fill{{ClientID: intent.ClientID, Qty: intent.Quantity, Price: intent.LimitPrice, Ts: time.Now()}},
	}
	f.records[intent.ClientID] = rec
	return rec, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, clientID string) error { return nil }

func (f *fakeVenue) QueryOrder(ctx context.Context, clientID string) (types.ExecutionRecord, bool, error) {
	rec, ok := f.records[clientID]
	return rec, ok, nil
}

func testConfig() Config {
	return Config{CircuitFailures: 3, CircuitWindow: time.Minute, CircuitCooldown: time.Second}
}

func TestSubmitRoundsPriceAndQuantityToVenue(t *testing.T) {
	venue := newFakeVenue()
	c := NewClient(zap.NewNop(), venue, nil, testConfig())

	intent := types.OrderIntent{ClientID: "c1", Symbol: "BTCUSD", Side: types.OrderSideBuy, Quantity: decimal.NewFromFloat(1.005), LimitPrice: decimal.NewFromFloat(100.3)}
	_, err := c.Submit(context.Background(), intent)
	require.NoError(t, err)

	require.Len(t, venue.submitted, 1)
	assert.True(t, venue.submitted[0].Quantity.Equal(decimal.NewFromFloat(1.00)))
	assert.True(t, venue.submitted[0].LimitPrice.Equal(decimal.NewFromFloat(100.0)))
}

func TestSubmitIsIdempotentOnRepeatedClientID(t *testing.T) {
	venue := newFakeVenue()
	c := NewClient(zap.NewNop(), venue, nil, testConfig())
	intent := types.OrderIntent{ClientID: "c1", Symbol: "BTCUSD", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(1), LimitPrice: decimal.NewFromInt(100)}

	_, err := c.Submit(context.Background(), intent)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), intent)
	require.NoError(t, err)

	assert.Len(t, venue.submitted, 1)
}

func TestRecoverInFlightResubmitsWhenVenueHasNoRecord(t *testing.T) {
	venue := newFakeVenue()
	c := NewClient(zap.NewNop(), venue, nil, testConfig())
	intent := types.OrderIntent{ClientID: "c2", Symbol: "BTCUSD", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(1), LimitPrice: decimal.NewFromInt(100)}

	c.RecoverInFlight(context.Background(), []types.OrderIntent{intent})
	assert.Len(t, venue.submitted, 1)
}

func TestRecoverInFlightRehydratesWhenVenueHasRecord(t *testing.T) {
	venue := newFakeVenue()
	venue.records["c3"] = types.ExecutionRecord{ClientID: "c3", Status: types.ExecutionFilled, Fills: []types.Fill{{Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(100)}}}
	c := NewClient(zap.NewNop(), venue, nil, testConfig())

	intent := types.OrderIntent{ClientID: "c3", Symbol: "BTCUSD", Quantity: decimal.NewFromInt(1)}
	c.RecoverInFlight(context.Background(), []types.OrderIntent{intent})

	assert.Empty(t, venue.submitted)
}
