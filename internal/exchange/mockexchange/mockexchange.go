// Package mockexchange implements core.Exchange entirely in memory, used
// by internal/trigger, internal/lifecycle, and internal/reconcile tests.
// Grounded on the teacher's internal/mock/engine_mocks.go (sequential
// order IDs, mutex-guarded maps, instant fill for market orders), scoped
// down to the capability surface of spec.md §4.B since this module drops
// the teacher's futures/margin/position mocks.
package mockexchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/internal/domain"
	"github.com/nunzio993/cryptoBot/pkg/apperrors"
)

// Exchange is a fully in-memory core.Exchange double. Every field is
// settable directly by tests (no builder ceremony) since test scenarios
// need fine control over candles, balances, and filters.
type Exchange struct {
	mu sync.Mutex

	name string

	Prices  map[string]decimal.Decimal
	Candles map[string]map[domain.Interval][]domain.Candle
	Filters map[string]domain.SymbolFilters
	Assets  map[string]domain.Balance

	OpenOrders map[string][]core.OpenOrder // keyed by symbol

	nextOrderID int

	// Err* let a test force a specific operation to fail once.
	ErrSpotPrice       error
	ErrLastCandle      error
	ErrPlaceMarketBuy  error
	ErrPlaceLimitSell  error
	ErrPlaceMarketSell error
	ErrCancelOrder     error

	// PlacedBuys/PlacedSells record every call for assertions.
	PlacedBuys  []PlacedOrder
	PlacedSells []PlacedOrder
}

// PlacedOrder records one call to a placement method.
type PlacedOrder struct {
	Symbol string
	Qty    decimal.Decimal
	Price  decimal.Decimal
}

// New returns an empty mock exchange named name ("bybit", "binance", ...).
func New(name string) *Exchange {
	return &Exchange{
		name:       name,
		Prices:     make(map[string]decimal.Decimal),
		Candles:    make(map[string]map[domain.Interval][]domain.Candle),
		Filters:    make(map[string]domain.SymbolFilters),
		Assets:     make(map[string]domain.Balance),
		OpenOrders: make(map[string][]core.OpenOrder),
	}
}

func (e *Exchange) Name() string { return e.name }

// SetCandles installs the candle series returned for (symbol, interval).
func (e *Exchange) SetCandles(symbol string, interval domain.Interval, candles []domain.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Candles[symbol] == nil {
		e.Candles[symbol] = make(map[domain.Interval][]domain.Candle)
	}
	e.Candles[symbol][interval] = candles
}

func (e *Exchange) SpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ErrSpotPrice != nil {
		err := e.ErrSpotPrice
		e.ErrSpotPrice = nil
		return decimal.Zero, err
	}
	price, ok := e.Prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price set for %s", apperrors.ErrUnavailable, symbol)
	}
	return price, nil
}

func (e *Exchange) Balance(ctx context.Context, asset string) (domain.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.Assets[asset]
	if !ok {
		return domain.Balance{Asset: asset}, nil
	}
	return b, nil
}

func (e *Exchange) AllAssets(ctx context.Context) ([]domain.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Balance, 0, len(e.Assets))
	for _, b := range e.Assets {
		out = append(out, b)
	}
	return out, nil
}

func (e *Exchange) LastClosedCandle(ctx context.Context, symbol string, interval domain.Interval) (domain.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ErrLastCandle != nil {
		err := e.ErrLastCandle
		e.ErrLastCandle = nil
		return domain.Candle{}, err
	}
	series, ok := e.Candles[symbol][interval]
	if !ok || len(series) == 0 {
		return domain.Candle{}, fmt.Errorf("%w: no candles for %s/%s", apperrors.ErrUnavailable, symbol, interval)
	}
	// Test fixtures install only already-closed candles; return the last one.
	return series[len(series)-1], nil
}

func (e *Exchange) SymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.Filters[symbol]
	if !ok {
		return domain.SymbolFilters{}, fmt.Errorf("%w: no filters for %s", apperrors.ErrNotFound, symbol)
	}
	return f, nil
}

func (e *Exchange) PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (core.MarketBuyResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ErrPlaceMarketBuy != nil {
		err := e.ErrPlaceMarketBuy
		e.ErrPlaceMarketBuy = nil
		return core.MarketBuyResult{}, err
	}
	e.nextOrderID++
	price := e.Prices[symbol]
	e.PlacedBuys = append(e.PlacedBuys, PlacedOrder{Symbol: symbol, Qty: qty, Price: price})
	return core.MarketBuyResult{
		OrderID:      fmt.Sprintf("buy-%d", e.nextOrderID),
		FilledQty:    qty,
		AvgFillPrice: price,
		Status:       domain.OrderStateFilled,
	}, nil
}

func (e *Exchange) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (core.LimitSellResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ErrPlaceLimitSell != nil {
		err := e.ErrPlaceLimitSell
		e.ErrPlaceLimitSell = nil
		return core.LimitSellResult{}, err
	}
	e.nextOrderID++
	id := fmt.Sprintf("tp-%d", e.nextOrderID)
	e.OpenOrders[symbol] = append(e.OpenOrders[symbol], core.OpenOrder{
		OrderID: id, Side: "SELL", Price: price, Qty: qty, Type: "LIMIT",
	})
	return core.LimitSellResult{OrderID: id, Status: domain.OrderStateNew}, nil
}

func (e *Exchange) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (core.MarketSellResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ErrPlaceMarketSell != nil {
		err := e.ErrPlaceMarketSell
		e.ErrPlaceMarketSell = nil
		return core.MarketSellResult{}, err
	}
	e.nextOrderID++
	price := e.Prices[symbol]
	e.PlacedSells = append(e.PlacedSells, PlacedOrder{Symbol: symbol, Qty: qty, Price: price})
	return core.MarketSellResult{
		OrderID:      fmt.Sprintf("sell-%d", e.nextOrderID),
		FilledQty:    qty,
		AvgFillPrice: price,
		Status:       domain.OrderStateFilled,
	}, nil
}

// CancelOrder removes orderID from the resting book for symbol. Like the
// real adapters, a missing order is reported as a successful cancel.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ErrCancelOrder != nil {
		err := e.ErrCancelOrder
		e.ErrCancelOrder = nil
		return false, err
	}
	orders := e.OpenOrders[symbol]
	for i, o := range orders {
		if o.OrderID == orderID {
			e.OpenOrders[symbol] = append(orders[:i], orders[i+1:]...)
			return true, nil
		}
	}
	return true, nil
}

func (e *Exchange) ListOpenOrders(ctx context.Context, symbol string) ([]core.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.OpenOrder, len(e.OpenOrders[symbol]))
	copy(out, e.OpenOrders[symbol])
	return out, nil
}
