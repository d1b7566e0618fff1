// Package reconcile implements the Reconciliation Worker (spec.md §4.G):
// a slow-tick sweep that cross-checks exchange state against stored state
// and corrects drift the lifecycle engine's own tick does not catch —
// stale IN_EXECUTION orders, TP-fill-vs-external-cancellation, and
// external sells. Grounded on internal/risk/reconciler.go's run-loop and
// status-tracking shape, retargeted from grid-slot/position reconciliation
// to the order lifecycle this specification owns.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/internal/domain"
	"github.com/nunzio993/cryptoBot/internal/notify"
	"github.com/nunzio993/cryptoBot/pkg/apperrors"
	"github.com/nunzio993/cryptoBot/pkg/tradingutils"
)

// ExchangeRegistry resolves an order's exchange_id to its adapter; the
// same shape as internal/lifecycle.ExchangeRegistry, kept as a separate
// type here so this package has no dependency on internal/lifecycle.
type ExchangeRegistry interface {
	Get(exchangeID string) (core.Exchange, bool)
}

// Result summarizes one reconciliation pass, queryable for ops visibility
// the way the teacher's GetStatus exposes lastResult.
type Result struct {
	RanAt                 time.Time
	StaleRecovered        int
	TPReconciled          int
	ExternalSellsDetected int
	Errors                int
}

// Worker runs the slow-tick reconciliation sweep.
type Worker struct {
	repo      core.Repository
	exchanges ExchangeRegistry
	cache     core.SymbolCache
	notifier  core.Notifier
	clock     core.Clock
	logger    core.ILogger

	staleThreshold time.Duration
	sellBuffer     decimal.Decimal

	mu         sync.RWMutex
	lastResult Result
}

// New builds a Worker. staleThreshold is spec.md §4.F's "stale_threshold"
// (suggested 60s); sellBuffer is the same ε fee-dust fraction used by
// internal/lifecycle.
func New(
	repo core.Repository,
	exchanges ExchangeRegistry,
	cache core.SymbolCache,
	notifier core.Notifier,
	clk core.Clock,
	logger core.ILogger,
	staleThreshold time.Duration,
	sellBuffer decimal.Decimal,
) *Worker {
	return &Worker{
		repo:           repo,
		exchanges:      exchanges,
		cache:          cache,
		notifier:       notifier,
		clock:          clk,
		logger:         logger.WithField("component", "reconcile"),
		staleThreshold: staleThreshold,
		sellBuffer:     sellBuffer,
	}
}

// LastResult returns the outcome of the most recently completed pass.
func (w *Worker) LastResult() Result {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastResult
}

// Run is the scheduler's slow-tick callback: sweeps every non-terminal
// order for the three checks of spec.md §4.G.
func (w *Worker) Run(ctx context.Context) {
	orders, err := w.repo.ListNonTerminal(ctx)
	if err != nil {
		w.logger.Error("failed to list non-terminal orders for reconciliation", "error", err)
		return
	}

	result := Result{RanAt: w.clock.Now()}
	for _, order := range orders {
		switch order.Status {
		case domain.StatusInExecution:
			w.reconcileStale(ctx, order, &result)
		case domain.StatusExecuted:
			w.reconcileExecuted(ctx, order, &result)
		}
	}

	w.mu.Lock()
	w.lastResult = result
	w.mu.Unlock()

	w.logger.Info("reconciliation pass completed",
		"stale_recovered", result.StaleRecovered,
		"tp_reconciled", result.TPReconciled,
		"external_sells", result.ExternalSellsDetected,
		"errors", result.Errors)
}

// reconcileStale implements spec.md §4.G.1: an order stuck IN_EXECUTION
// longer than stale_threshold is either completed (base balance present)
// or rolled back to PENDING.
func (w *Worker) reconcileStale(ctx context.Context, order domain.Order, result *Result) {
	if w.clock.Now().Sub(order.UpdatedAt) < w.staleThreshold {
		return
	}

	exchange, ok := w.exchanges.Get(order.ExchangeID)
	if !ok {
		w.logger.Error("unknown exchange_id during stale sweep", "order_id", order.ID, "exchange_id", order.ExchangeID)
		result.Errors++
		return
	}

	baseAsset, _ := tradingutils.SplitSymbol(order.Symbol)
	balance, err := exchange.Balance(ctx, baseAsset)
	if err != nil {
		w.logger.Warn("base balance unavailable during stale sweep", "order_id", order.ID, "error", err)
		result.Errors++
		return
	}

	expected := tradingutils.ApplySellBuffer(order.Quantity, w.sellBuffer)
	if balance.Free.GreaterThanOrEqual(expected) {
		price := order.EntryPrice
		if order.ExecutedPrice != nil {
			price = *order.ExecutedPrice
		} else if spot, err := exchange.SpotPrice(ctx, order.Symbol); err == nil {
			price = spot
		}
		now := w.clock.Now()
		final, err := w.repo.AtomicTransition(ctx, order.ID, domain.StatusInExecution, func(o *domain.Order) {
			o.Status = domain.StatusExecuted
			if o.ExecutedPrice == nil {
				o.ExecutedPrice = &price
			}
			if o.ExecutedAt == nil {
				o.ExecutedAt = &now
			}
		})
		if err != nil {
			if apperrors.Kind(err) != apperrors.ErrConflict {
				result.Errors++
			}
			return
		}
		result.StaleRecovered++
		w.notify(ctx, final, "EXECUTED", price, order.Quantity)
		return
	}

	_, err = w.repo.AtomicTransition(ctx, order.ID, domain.StatusInExecution, func(o *domain.Order) {
		o.Status = domain.StatusPending
	})
	if err != nil {
		if apperrors.Kind(err) != apperrors.ErrConflict {
			result.Errors++
		}
		return
	}
	result.StaleRecovered++
}

// reconcileExecuted implements spec.md §4.G.2 and §4.G.3 for one EXECUTED
// order: TP-fill-vs-cancellation disambiguation, then the external-sell
// sweep if the TP check did not already close the order.
func (w *Worker) reconcileExecuted(ctx context.Context, order domain.Order, result *Result) {
	exchange, ok := w.exchanges.Get(order.ExchangeID)
	if !ok {
		w.logger.Error("unknown exchange_id during executed sweep", "order_id", order.ID, "exchange_id", order.ExchangeID)
		result.Errors++
		return
	}

	if order.TPOrderID != "" {
		closed := w.reconcileTP(ctx, order, exchange, result)
		if closed {
			return
		}
	}

	w.sweepExternalSell(ctx, order, exchange, result)
}

// reconcileTP returns true if it moved order to a terminal status (TP
// fill) so the caller should not also run the external-sell sweep.
func (w *Worker) reconcileTP(ctx context.Context, order domain.Order, exchange core.Exchange, result *Result) bool {
	openOrders, err := exchange.ListOpenOrders(ctx, order.Symbol)
	if err != nil {
		w.logger.Warn("list_open_orders failed during tp reconciliation", "order_id", order.ID, "error", err)
		result.Errors++
		return false
	}
	for _, oo := range openOrders {
		if oo.OrderID == order.TPOrderID {
			return false // still resting, nothing to reconcile
		}
	}

	updated, err := w.repo.AtomicTransition(ctx, order.ID, domain.StatusExecuted, func(o *domain.Order) {
		o.Status = domain.StatusInExecution
	})
	if err != nil {
		if apperrors.Kind(err) != apperrors.ErrConflict {
			result.Errors++
		}
		return false
	}

	baseAsset, _ := tradingutils.SplitSymbol(order.Symbol)
	balance, err := exchange.Balance(ctx, baseAsset)
	if err != nil {
		w.restore(ctx, updated, domain.StatusExecuted)
		result.Errors++
		return false
	}

	threshold := tradingutils.ApplySellBuffer(order.Quantity, w.sellBuffer)
	if balance.Free.LessThan(threshold) {
		now := w.clock.Now()
		price := decimal.Zero
		if order.TakeProfit != nil {
			price = *order.TakeProfit
		}
		final, err := w.repo.AtomicTransition(ctx, order.ID, domain.StatusInExecution, func(o *domain.Order) {
			o.Status = domain.StatusClosedTP
			o.ClosedAt = &now
		})
		if err != nil {
			result.Errors++
			return false
		}
		result.TPReconciled++
		w.notify(ctx, final, "CLOSED_TP", price, order.Quantity)
		return true
	}

	// Base balance intact: the TP was externally cancelled. Re-place it,
	// respecting the same validation a user edit would.
	filters, err := w.cache.Get(ctx, exchange, order.Symbol)
	if err != nil {
		w.restore(ctx, updated, domain.StatusExecuted)
		result.Errors++
		return false
	}

	var newTPOrderID string
	if order.TakeProfit != nil {
		tpQty := tradingutils.FloorToStep(tradingutils.ApplySellBuffer(order.Quantity, w.sellBuffer), filters.LotStep)
		tpPrice := tradingutils.RoundToTick(*order.TakeProfit, filters.TickSize)
		if tradingutils.MeetsMinNotional(tpQty, tpPrice, filters.MinNotional) {
			sellResult, err := exchange.PlaceLimitSell(ctx, order.Symbol, tpQty, tpPrice)
			if err != nil {
				w.logger.Warn("tp re-placement failed after external cancellation", "order_id", order.ID, "error", err)
			} else {
				newTPOrderID = sellResult.OrderID
			}
		} else {
			w.logger.Info("tp no longer meets min_notional, running SL-only", "order_id", order.ID)
		}
	}

	final, err := w.repo.AtomicTransition(ctx, order.ID, domain.StatusInExecution, func(o *domain.Order) {
		o.Status = domain.StatusExecuted
		o.TPOrderID = newTPOrderID
	})
	if err != nil {
		result.Errors++
		return false
	}
	result.TPReconciled++
	w.notify(ctx, final, "TP externally cancelled, re-placed", decimal.Zero, decimal.Zero)
	return false
}

// sweepExternalSell implements spec.md §4.G.3: the same check the engine
// runs per-tick, performed globally so orders the engine's own tick missed
// (e.g. because of a crash) are still caught.
func (w *Worker) sweepExternalSell(ctx context.Context, order domain.Order, exchange core.Exchange, result *Result) {
	baseAsset, _ := tradingutils.SplitSymbol(order.Symbol)
	balance, err := exchange.Balance(ctx, baseAsset)
	if err != nil {
		w.logger.Warn("base balance unavailable during external-sell sweep", "order_id", order.ID, "error", err)
		result.Errors++
		return
	}
	threshold := tradingutils.ApplySellBuffer(order.Quantity, w.sellBuffer)
	if !balance.Free.LessThan(threshold) {
		return
	}

	updated, err := w.repo.AtomicTransition(ctx, order.ID, domain.StatusExecuted, func(o *domain.Order) {
		o.Status = domain.StatusInExecution
	})
	if err != nil {
		if apperrors.Kind(err) != apperrors.ErrConflict {
			result.Errors++
		}
		return
	}

	if updated.TPOrderID != "" {
		if _, err := exchange.CancelOrder(ctx, updated.Symbol, updated.TPOrderID); err != nil {
			w.logger.Warn("tp cancel failed during external-sell sweep", "order_id", updated.ID, "error", err)
		}
	}

	now := w.clock.Now()
	final, err := w.repo.AtomicTransition(ctx, order.ID, domain.StatusInExecution, func(o *domain.Order) {
		o.Status = domain.StatusClosedExternally
		o.ClosedAt = &now
	})
	if err != nil {
		result.Errors++
		return
	}
	result.ExternalSellsDetected++
	w.notify(ctx, final, "CLOSED_EXTERNALLY", decimal.Zero, decimal.Zero)
}

func (w *Worker) restore(ctx context.Context, order domain.Order, target domain.Status) {
	_, err := w.repo.AtomicTransition(ctx, order.ID, domain.StatusInExecution, func(o *domain.Order) {
		o.Status = target
	})
	if err != nil {
		w.logger.Error("failed to restore order status", "order_id", order.ID, "target", target, "error", err)
	}
}

func (w *Worker) notify(ctx context.Context, order domain.Order, transition string, price, qty decimal.Decimal) {
	event := notify.Event{
		OrderID:    order.ID.String(),
		UserID:     order.UserID,
		Symbol:     order.Symbol,
		Transition: transition,
		Price:      price.String(),
		Qty:        qty.String(),
		Timestamp:  w.clock.Now(),
	}
	if err := w.notifier.Notify(ctx, order.UserID, event.FormatMessage()); err != nil {
		w.logger.Warn("notification delivery failed", "order_id", order.ID, "error", err)
	}
}
