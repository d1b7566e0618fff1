// Package core declares the capability interfaces every other package in
// this repository programs against: the logger, the clock, the exchange
// adapter, the order repository, the symbol cache, and the notification
// sink. Concrete implementations live in sibling packages (pkg/logging,
// internal/clock, internal/exchange, internal/repository,
// internal/symbolcache, internal/notify); nothing in core imports them.
package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nunzio993/cryptoBot/internal/domain"
)

// ILogger is the structured logging contract every component logs
// through. Fields are variadic key/value pairs, matching the teacher's
// logging convention.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Clock is the source of "now" for the lifecycle engine, the
// reconciliation worker and the SQLite repository; replaceable in tests so
// their time comparisons do not read the wall clock directly.
type Clock interface {
	Now() time.Time
}

// MarketBuyResult is the normalized result of a market buy.
type MarketBuyResult struct {
	OrderID      string
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Status       domain.OrderState
}

// LimitSellResult is the normalized result of placing a resting limit
// sell.
type LimitSellResult struct {
	OrderID string
	Status  domain.OrderState
}

// MarketSellResult is the normalized result of a market sell (used to
// close a position at SL, on manual close, or to flatten after an
// external-sell/close operation).
type MarketSellResult struct {
	OrderID      string
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Status       domain.OrderState
}

// OpenOrder is one resting order as reported by list_open_orders.
type OpenOrder struct {
	OrderID string
	Side    string
	Price   decimal.Decimal
	Qty     decimal.Decimal
	Type    string
}

// Exchange is the uniform capability surface implemented once per
// exchange (Binance, Bybit, ...). Every operation is a suspension point
// with a bounded, cancellable timeout; implementations normalize sides to
// upper-case BUY/SELL, return decimals never binary floats, and return the
// adapter failure taxonomy from pkg/apperrors.
type Exchange interface {
	Name() string

	SpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Balance(ctx context.Context, asset string) (domain.Balance, error)
	AllAssets(ctx context.Context) ([]domain.Balance, error)

	// LastClosedCandle returns the most recent fully closed candle on the
	// given interval, ascending-by-open_time ordering already applied.
	LastClosedCandle(ctx context.Context, symbol string, interval domain.Interval) (domain.Candle, error)

	SymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error)

	// PlaceMarketBuy expects qty already floored to lot_step and checked
	// against min_notional by the caller. The Binance and Bybit adapters
	// return FilterViolation without a wire call only for a non-positive
	// qty; they do not check min_notional themselves.
	PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (MarketBuyResult, error)
	PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (LimitSellResult, error)
	PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (MarketSellResult, error)

	// CancelOrder returns cancelled=true if the order is gone, including
	// when it was already gone (NotFound is non-fatal here).
	CancelOrder(ctx context.Context, symbol, orderID string) (cancelled bool, err error)
	ListOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
}

// OrderFilter selects a subset of orders for GetOrders.
type OrderFilter struct {
	UserID     string
	ExchangeID string
	Status     *domain.Status
}

// Repository is the durable Order Repository: the sole mechanism for
// status changes is AtomicTransition, which enforces the IN_EXECUTION
// critical section (invariant 6) by compare-and-swap on the stored
// status.
type Repository interface {
	Create(ctx context.Context, order domain.Order) error
	Load(ctx context.Context, id uuid.UUID) (domain.Order, error)
	ListNonTerminal(ctx context.Context) ([]domain.Order, error)
	ListByFilter(ctx context.Context, filter OrderFilter) ([]domain.Order, error)

	// AtomicTransition succeeds only if the stored status equals expected,
	// in which case mutate is applied to a copy of the loaded order and
	// persisted (with UpdatedAt and Version bumped) in the same
	// transaction. Returns apperrors.ErrConflict, without writing, if the
	// stored status has already moved.
	AtomicTransition(ctx context.Context, id uuid.UUID, expected domain.Status, mutate func(*domain.Order)) (domain.Order, error)

	// Patch applies a user-driven edit; callers must have already checked
	// Order.IsEditable and, for EXECUTED orders with a TP change, must
	// re-peg the resting TP order before calling Patch so the stored
	// tp_order_id never drifts from the exchange.
	Patch(ctx context.Context, id uuid.UUID, patch domain.Patch) (domain.Order, error)
}

// SymbolCache is the TTL-bounded symbol metadata cache (Component C).
type SymbolCache interface {
	Get(ctx context.Context, exchange Exchange, symbol string) (domain.SymbolFilters, error)
	Invalidate(exchangeName, symbol string)
}

// Notifier is the Notification Sink collaborator: exactly the one method
// the specification names, notify(user_id, message).
type Notifier interface {
	Notify(ctx context.Context, userID, message string) error
}
