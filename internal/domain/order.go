// Package domain holds the plain Go types the Trade Lifecycle Engine
// operates on: Order, its lifecycle Status, the candlestick Interval
// enum, and the value types (Candle, SymbolFilters, Balance) exchange
// adapters normalize onto. Nothing here depends on any one exchange's
// wire format.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of a plan. Only LONG is supported; the type keeps
// room for a future SHORT value but nothing in this engine branches on it.
type Side string

const (
	SideLong Side = "LONG"
)

// Order is the unit of work: a user's declarative trade plan plus its
// evolving execution state.
type Order struct {
	ID         uuid.UUID
	UserID     string
	ExchangeID string
	APIKeyID   string
	IsTestnet  bool

	Symbol   string
	Side     Side
	Quantity decimal.Decimal

	EntryPrice    decimal.Decimal
	MaxEntry      decimal.Decimal
	EntryInterval Interval

	TakeProfit   *decimal.Decimal
	StopLoss     *decimal.Decimal
	StopInterval Interval

	Status Status

	ExecutedPrice *decimal.Decimal
	ExecutedAt    *time.Time
	ClosedAt      *time.Time
	TPOrderID     string

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// NewPendingOrder builds a new Order in PENDING status (or IN_EXECUTION if
// the entry is Market, per spec.md §3 "Created as PENDING (or IN_EXECUTION
// if Market + immediate)"), validating invariants before returning it.
func NewPendingOrder(o Order, now time.Time) (Order, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.CreatedAt = now
	o.UpdatedAt = now
	o.Version = 0
	if o.EntryInterval == IntervalMarket {
		o.Status = StatusInExecution
	} else {
		o.Status = StatusPending
	}

	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

// Validate enforces the data-model invariants that do not depend on
// runtime state (invariants 1 and 2; the remaining invariants are enforced
// by the repository's AtomicTransition and the lifecycle engine, not by
// construction).
func (o Order) Validate() error {
	if o.Side != SideLong {
		return fmt.Errorf("unsupported side %q: only LONG is supported", o.Side)
	}
	if o.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if o.Quantity.Sign() <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if o.EntryPrice.Sign() <= 0 {
		return fmt.Errorf("entry_price must be positive")
	}
	if o.MaxEntry.LessThan(o.EntryPrice) {
		return fmt.Errorf("max_entry (%s) must be >= entry_price (%s)", o.MaxEntry, o.EntryPrice)
	}
	if err := o.EntryInterval.Validate(); err != nil {
		return fmt.Errorf("entry_interval: %w", err)
	}
	if o.StopLoss != nil || o.TakeProfit != nil {
		if err := o.StopInterval.Validate(); err != nil {
			return fmt.Errorf("stop_interval: %w", err)
		}
	}
	if o.TakeProfit != nil && !o.TakeProfit.GreaterThan(o.EntryPrice) {
		return fmt.Errorf("take_profit (%s) must be > entry_price (%s)", o.TakeProfit, o.EntryPrice)
	}
	if o.StopLoss != nil && !o.StopLoss.LessThan(o.EntryPrice) {
		return fmt.Errorf("stop_loss (%s) must be < entry_price (%s)", o.StopLoss, o.EntryPrice)
	}
	if o.TakeProfit != nil && o.StopLoss != nil {
		if !o.StopLoss.LessThan(o.EntryPrice) || !o.EntryPrice.LessThan(*o.TakeProfit) {
			return fmt.Errorf("invariant violated: stop_loss < entry_price < take_profit")
		}
	}
	return nil
}

// IsEditable reports whether the order may accept a Patch: non-terminal
// and not currently IN_EXECUTION (the critical section).
func (o Order) IsEditable() bool {
	return !o.Status.IsTerminal() && o.Status != StatusInExecution
}

// Patch describes a user-driven edit to a non-terminal order: TP/SL/
// max_entry/entry_price/intervals only, per the control API.
type Patch struct {
	TakeProfit    *decimal.Decimal
	StopLoss      *decimal.Decimal
	MaxEntry      *decimal.Decimal
	EntryPrice    *decimal.Decimal
	EntryInterval *Interval
	StopInterval  *Interval
}

// Apply returns a copy of o with the patch's non-nil fields overlaid, then
// validates the result. The caller is responsible for re-pegging any live
// TP order if the result changes TakeProfit on an EXECUTED order.
func (p Patch) Apply(o Order) (Order, error) {
	if p.TakeProfit != nil {
		o.TakeProfit = p.TakeProfit
	}
	if p.StopLoss != nil {
		o.StopLoss = p.StopLoss
	}
	if p.MaxEntry != nil {
		o.MaxEntry = *p.MaxEntry
	}
	if p.EntryPrice != nil {
		o.EntryPrice = *p.EntryPrice
	}
	if p.EntryInterval != nil {
		o.EntryInterval = *p.EntryInterval
	}
	if p.StopInterval != nil {
		o.StopInterval = *p.StopInterval
	}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}
