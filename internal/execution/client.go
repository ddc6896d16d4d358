// Package execution is the L7 Execution Client: it submits OrderIntents
// to a venue idempotently keyed on client_id, reconciles partial fills,
// and rounds prices/quantities to the venue's tick/step without ever
// exceeding the risk the intent was sized for.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Venue is the exchange-facing contract the Execution Client submits
// against. Implementations live under adapters/.
type Venue interface {
	Name() string
	SubmitOrder(ctx context.Context, intent types.OrderIntent) (types.ExecutionRecord, error)
	CancelOrder(ctx context.Context, clientID string) error
	QueryOrder(ctx context.Context, clientID string) (types.ExecutionRecord, bool, error)
	TickSize(symbol string) decimal.Decimal
	StepSize(symbol string) decimal.Decimal
}

// Persister is the StateStore subset the Execution Client needs for crash
// recovery and audit.
type Persister interface {
	SaveIntent(ctx context.Context, intent types.OrderIntent) error
	SaveExecution(ctx context.Context, rec types.ExecutionRecord) error
	SaveFill(ctx context.Context, clientID string, f types.Fill) error
}

// Client submits and reconciles orders against one venue, enforcing
// idempotency and rounding discipline per spec §4.7.
type Client struct {
	logger  *zap.Logger
	venue   Venue
	store   Persister
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	records map[string]types.ExecutionRecord
}

// Config configures circuit-breaker behavior for one venue.
type Config struct {
	CircuitFailures int
	CircuitWindow   time.Duration
	CircuitCooldown time.Duration
}

// NewClient constructs a Client wired with a per-venue circuit breaker,
// matching the Analyst Router's §4.4 breaker semantics per spec §4.7.
func NewClient(logger *zap.Logger, venue Venue, store Persister, cfg Config) *Client {
	st := gobreaker.Settings{
		Name:     venue.Name(),
		Interval: cfg.CircuitWindow,
		Timeout:  cfg.CircuitCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CircuitFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("venue circuit state change", zap.String("venue", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Client{
		logger:  logger,
		venue:   venue,
		store:   store,
		breaker: gobreaker.NewCircuitBreaker(st),
		records: make(map[string]types.ExecutionRecord),
	}
}

// Submit rounds the intent to the venue's tick/step, persists it before
// ever touching the network, then submits — or, if client_id is already
// known, returns the existing record untouched (idempotent resubmission).
func (c *Client) Submit(ctx context.Context, intent types.OrderIntent) (types.ExecutionRecord, error) {
	intent = c.roundToVenue(intent)

	c.mu.Lock()
	if existing, ok := c.records[intent.ClientID]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveIntent(ctx, intent); err != nil {
			return types.ExecutionRecord{}, fmt.Errorf("persist intent %s: %w", intent.ClientID, err)
		}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.venue.SubmitOrder(ctx, intent)
	})
	if err != nil {
		return types.ExecutionRecord{}, fmt.Errorf("submit order %s: %w", intent.ClientID, err)
	}
	rec := result.(types.ExecutionRecord)
	rec.Recompute(intent.Quantity)

	c.mu.Lock()
	c.records[intent.ClientID] = rec
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveExecution(ctx, rec); err != nil {
			c.logger.Error("persist execution failed", zap.Error(err))
		}
	}
	return rec, nil
}

// Cancel requests cancellation of a non-terminal order.
func (c *Client) Cancel(ctx context.Context, clientID string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.venue.CancelOrder(ctx, clientID)
	})
	return err
}

// Reconcile re-queries the venue for clientID and folds any new fills into
// the local record, recomputing avg_fill_price/remaining_qty exactly. This
// is how a restarted process rehydrates in-flight orders per spec §4.7.
func (c *Client) Reconcile(ctx context.Context, clientID string, requestedQty decimal.Decimal) (types.ExecutionRecord, error) {
	rec, found, err := c.venue.QueryOrder(ctx, clientID)
	if err != nil {
		return types.ExecutionRecord{}, fmt.Errorf("query order %s: %w", clientID, err)
	}
	if !found {
		return types.ExecutionRecord{}, fmt.Errorf("order %s not found at venue", clientID)
	}
	rec.Recompute(requestedQty)

	c.mu.Lock()
	prior, hadPrior := c.records[clientID]
	c.records[clientID] = rec
	c.mu.Unlock()

	if c.store != nil {
		newFills := diffFills(prior, rec)
		for _, f := range newFills {
			if err := c.store.SaveFill(ctx, clientID, f); err != nil {
				c.logger.Error("persist fill failed", zap.Error(err))
			}
		}
		if err := c.store.SaveExecution(ctx, rec); err != nil {
			c.logger.Error("persist execution failed", zap.Error(err))
		}
	}
	_ = hadPrior
	return rec, nil
}

func diffFills(prior, current types.ExecutionRecord) []types.Fill {
	if len(current.Fills) <= len(prior.Fills) {
		return nil
	}
	return current.Fills[len(prior.Fills):]
}

// RecoverInFlight re-queries every order that was left in a non-terminal
// status before a crash, per spec §4.7's restart recovery procedure.
func (c *Client) RecoverInFlight(ctx context.Context, inFlight []types.OrderIntent) {
	for _, intent := range inFlight {
		rec, found, err := c.venue.QueryOrder(ctx, intent.ClientID)
		if err != nil {
			c.logger.Error("recovery query failed", zap.String("client_id", intent.ClientID), zap.Error(err))
			continue
		}
		if found {
			rec.Recompute(intent.Quantity)
			c.mu.Lock()
			c.records[intent.ClientID] = rec
			c.mu.Unlock()
			continue
		}
		if _, err := c.Submit(ctx, intent); err != nil {
			c.logger.Error("recovery resubmit failed", zap.String("client_id", intent.ClientID), zap.Error(err))
		}
	}
}

// roundToVenue snaps price fields to the venue's tick size and Quantity to
// its step size, always rounding so the realized risk never exceeds what
// the intent was sized for (buy prices round down, sell prices round up;
// quantity always rounds down).
func (c *Client) roundToVenue(intent types.OrderIntent) types.OrderIntent {
	tick := c.venue.TickSize(intent.Symbol)
	step := c.venue.StepSize(intent.Symbol)

	if !intent.LimitPrice.IsZero() && tick.IsPositive() {
		if intent.Side == types.OrderSideBuy {
			intent.LimitPrice = roundDownToStep(intent.LimitPrice, tick)
		} else {
			intent.LimitPrice = roundUpToStep(intent.LimitPrice, tick)
		}
	}
	if step.IsPositive() {
		intent.Quantity = roundDownToStep(intent.Quantity, step)
	}
	return intent
}

func roundDownToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	units := v.Div(step).Floor()
	return units.Mul(step)
}

func roundUpToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	units := v.Div(step).Ceil()
	return units.Mul(step)
}
