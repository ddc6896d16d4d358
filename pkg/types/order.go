package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderIntent is the Risk Gate's admitted, sizeable request to submit an
// order. ClientID is a deterministic UUID derived from (signal_id,
// attempt_counter) so retries and restarts never create a second venue
// order — see Execution Client idempotency (spec §4.7).
type OrderIntent struct {
	ClientID      string          `json:"client_id"`
	SignalID      string          `json:"parent_signal_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"` // positive, lot-aligned
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	RiskPct       decimal.Decimal `json:"risk_pct"`
	Leverage      decimal.Decimal `json:"leverage"`
	AttemptCounter int            `json:"attempt_counter"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Fill is one partial or full execution against an OrderIntent.
type Fill struct {
	ID       int64           `json:"id" db:"id"`
	ClientID string          `json:"client_id" db:"client_id"`
	Qty      decimal.Decimal `json:"qty" db:"qty"`
	Price    decimal.Decimal `json:"price" db:"price"`
	Fee      decimal.Decimal `json:"fee" db:"fee"`
	Ts       time.Time       `json:"ts" db:"ts"`
}

// ExecutionRecord tracks an OrderIntent's lifecycle at the venue.
type ExecutionRecord struct {
	ClientID      string          `json:"client_id" db:"client_id"`
	ExchangeOrderID string        `json:"exchange_order_id,omitempty" db:"venue_order_id"`
	Status        ExecutionStatus `json:"status" db:"status"`
	Fills         []Fill          `json:"fills" db:"-"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price" db:"avg_price"`
	FilledQty     decimal.Decimal `json:"filled_qty" db:"filled_qty"`
	RemainingQty  decimal.Decimal `json:"remaining_qty" db:"remaining_qty"`
	LastUpdate    time.Time       `json:"last_update" db:"last_update"`
}

// Recompute derives FilledQty/AvgFillPrice/RemainingQty from Fills, enforcing
// the ExecutionRecord invariant of spec §3.6.
func (e *ExecutionRecord) Recompute(requestedQty decimal.Decimal) {
	filled := decimal.Zero
	notional := decimal.Zero
	for _, f := range e.Fills {
		filled = filled.Add(f.Qty)
		notional = notional.Add(f.Qty.Mul(f.Price))
	}
	e.FilledQty = filled
	e.RemainingQty = requestedQty.Sub(filled)
	if filled.IsPositive() {
		e.AvgFillPrice = notional.Div(filled)
	}
}
