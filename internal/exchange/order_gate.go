package exchange

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/shopspring/decimal"

	"github.com/nunzio993/cryptoBot/internal/core"
)

// RateGate wraps a core.Exchange with a per-credential token bucket on the
// write path (place/cancel), so one tenant's burst of placements never
// exhausts another tenant's share of the exchange's rate limit. Read-path
// calls (SpotPrice, Balance, LastClosedCandle, SymbolFilters,
// ListOpenOrders) pass straight through: they are already bounded by the
// tick cadence and the Symbol Metadata Cache. Grounded on the teacher's
// internal/trading/order/executor.go rate.Limiter usage, narrowed from a
// single shared limiter to one instance per wrapped Exchange so each
// tenant's credential set gets its own independent bucket.
type RateGate struct {
	core.Exchange
	limiter *rate.Limiter
}

// NewRateGate wraps exchange with a limiter allowing limit requests/second
// and the given burst, matching the constructor shape of the teacher's
// NewOrderExecutor (25/sec, burst 30, tuned per-exchange in practice).
func NewRateGate(exchange core.Exchange, limit rate.Limit, burst int) *RateGate {
	return &RateGate{
		Exchange: exchange,
		limiter:  rate.NewLimiter(limit, burst),
	}
}

func (g *RateGate) PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (core.MarketBuyResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return core.MarketBuyResult{}, err
	}
	return g.Exchange.PlaceMarketBuy(ctx, symbol, qty)
}

func (g *RateGate) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (core.LimitSellResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return core.LimitSellResult{}, err
	}
	return g.Exchange.PlaceLimitSell(ctx, symbol, qty, price)
}

func (g *RateGate) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (core.MarketSellResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return core.MarketSellResult{}, err
	}
	return g.Exchange.PlaceMarketSell(ctx, symbol, qty)
}

func (g *RateGate) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return g.Exchange.CancelOrder(ctx, symbol, orderID)
}

var _ core.Exchange = (*RateGate)(nil)
