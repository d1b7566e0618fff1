// Package lifecycle implements the Trade Lifecycle Engine (spec.md §4.F):
// the per-order state machine driven by the scheduler's fast tick. Each
// non-terminal order is processed independently through the repository's
// optimistic critical section (IN_EXECUTION), fanned out over a bounded
// worker pool, grounded on the teacher's engine/simple/engine.go tick-loop
// shape and trimmed to the state machine this specification actually
// needs (no grid slots, no position manager).
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/internal/domain"
	"github.com/nunzio993/cryptoBot/internal/notify"
	"github.com/nunzio993/cryptoBot/internal/trigger"
	"github.com/nunzio993/cryptoBot/pkg/apperrors"
	"github.com/nunzio993/cryptoBot/pkg/concurrency"
	"github.com/nunzio993/cryptoBot/pkg/tradingutils"
)

// ExchangeRegistry resolves an order's exchange_id to the live adapter
// routing its calls. Built once at wiring time per spec.md §5's "adapter
// clients are lazily built, cached for process lifetime."
type ExchangeRegistry interface {
	Get(exchangeID string) (core.Exchange, bool)
}

// StaticRegistry is the simplest ExchangeRegistry: a fixed map built at
// startup. Built by cmd/engine's buildExchangeRegistry and by the tests.
type StaticRegistry map[string]core.Exchange

func (r StaticRegistry) Get(exchangeID string) (core.Exchange, bool) {
	ex, ok := r[exchangeID]
	return ex, ok
}

// SplitParams describes a user-initiated split of an EXECUTED order into
// two, per spec.md §4.F's "Split (only EXECUTED)" operation.
type SplitParams struct {
	SplitQty decimal.Decimal
	TP1      *decimal.Decimal
	SL1      *decimal.Decimal
	TP2      *decimal.Decimal
	SL2      *decimal.Decimal
}

// Engine is the Trade Lifecycle Engine. One Engine instance serves every
// tenant and every exchange; routing to the right adapter happens per
// order via the ExchangeRegistry.
type Engine struct {
	repo      core.Repository
	exchanges ExchangeRegistry
	cache     core.SymbolCache
	notifier  core.Notifier
	clock     core.Clock
	logger    core.ILogger
	pool      *concurrency.WorkerPool

	// feeMargin pads the quote-asset balance check before a market buy
	// (spec.md §4.F "free balance >= qty*price*(1+fee_margin)").
	feeMargin decimal.Decimal
	// sellBuffer is the ε fee-dust buffer applied only on sell paths
	// where the wallet balance is uncertain post-fees (spec.md §9 open
	// question resolution), never on TP price.
	sellBuffer decimal.Decimal

	// placementMu guards filterViolations, insufficientBalanceNotified,
	// and pausedCredentials: the small bits of per-order/per-credential
	// state the §7 error policies need beyond what the repository tracks.
	placementMu                 sync.Mutex
	filterViolations            map[uuid.UUID]int
	insufficientBalanceNotified map[string]time.Time
	pausedCredentials           map[string]bool
}

// New builds an Engine. pool is the bounded fan-out pool for Tick;
// feeMargin and sellBuffer are fractions (e.g. 0.001 for 0.1%).
func New(
	repo core.Repository,
	exchanges ExchangeRegistry,
	cache core.SymbolCache,
	notifier core.Notifier,
	clk core.Clock,
	logger core.ILogger,
	pool *concurrency.WorkerPool,
	feeMargin, sellBuffer decimal.Decimal,
) *Engine {
	return &Engine{
		repo:                        repo,
		exchanges:                   exchanges,
		cache:                       cache,
		notifier:                    notifier,
		clock:                       clk,
		logger:                      logger.WithField("component", "lifecycle"),
		pool:                        pool,
		feeMargin:                   feeMargin,
		sellBuffer:                  sellBuffer,
		filterViolations:            make(map[uuid.UUID]int),
		insufficientBalanceNotified: make(map[string]time.Time),
		pausedCredentials:           make(map[string]bool),
	}
}

// Start begins serving ticks; the scheduler calls Tick, this just marks
// the engine live for logging purposes.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("lifecycle engine started")
	return nil
}

// Stop drains the worker pool. Any order left IN_EXECUTION at this point
// is recovered by the Reconciliation Worker on next start, per spec.md
// §5's shutdown discipline.
func (e *Engine) Stop() {
	e.pool.Stop()
	e.logger.Info("lifecycle engine stopped")
}

// Tick is the scheduler's fast-tick callback: loads every non-terminal
// order and processes each independently, bounded by the worker pool.
func (e *Engine) Tick(ctx context.Context) {
	orders, err := e.repo.ListNonTerminal(ctx)
	if err != nil {
		e.logger.Error("failed to list non-terminal orders", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, o := range orders {
		order := o
		wg.Add(1)
		submitErr := e.pool.Submit(func() {
			defer wg.Done()
			e.processOrder(ctx, order)
		})
		if submitErr != nil {
			e.logger.Warn("tick worker pool rejected order", "order_id", order.ID, "error", submitErr)
			wg.Done()
		}
	}
	wg.Wait()
}

// processOrder implements step 1 of spec.md §4.F's tick procedure:
// acquire the critical section, then dispatch to the PENDING or EXECUTED
// branch. Market orders are created already IN_EXECUTION with no
// executed_at yet (domain.NewPendingOrder); those are processed as the
// PENDING branch without a fresh acquisition, since nothing else could be
// contending for a brand-new order.
func (e *Engine) processOrder(ctx context.Context, order domain.Order) {
	switch order.Status {
	case domain.StatusPending:
		updated, err := e.repo.AtomicTransition(ctx, order.ID, domain.StatusPending, func(o *domain.Order) {
			o.Status = domain.StatusInExecution
		})
		if err != nil {
			if apperrors.Kind(err) != apperrors.ErrConflict {
				e.logger.Error("failed to acquire critical section", "order_id", order.ID, "error", err)
			}
			return
		}
		e.handlePending(ctx, updated)

	case domain.StatusExecuted:
		updated, err := e.repo.AtomicTransition(ctx, order.ID, domain.StatusExecuted, func(o *domain.Order) {
			o.Status = domain.StatusInExecution
		})
		if err != nil {
			if apperrors.Kind(err) != apperrors.ErrConflict {
				e.logger.Error("failed to acquire critical section", "order_id", order.ID, "error", err)
			}
			return
		}
		e.handleExecuted(ctx, updated)

	case domain.StatusInExecution:
		if order.ExecutedAt == nil {
			e.handlePending(ctx, order)
		}
		// Already-executed orders stuck in IN_EXECUTION are stale; the
		// Reconciliation Worker's sweep owns recovering them.
	}
}

// restore reverts order back to target from IN_EXECUTION, releasing the
// critical section without a status change.
func (e *Engine) restore(ctx context.Context, order domain.Order, target domain.Status) {
	_, err := e.repo.AtomicTransition(ctx, order.ID, domain.StatusInExecution, func(o *domain.Order) {
		o.Status = target
	})
	if err != nil {
		e.logger.Error("failed to restore order status", "order_id", order.ID, "target", target, "error", err)
	}
}

// transitionTerminal moves order from IN_EXECUTION to a terminal status,
// stamping closed_at, and notifies on success.
func (e *Engine) transitionTerminal(ctx context.Context, order domain.Order, target domain.Status, price, qty decimal.Decimal) {
	now := e.clock.Now()
	final, err := e.repo.AtomicTransition(ctx, order.ID, domain.StatusInExecution, func(o *domain.Order) {
		o.Status = target
		o.ClosedAt = &now
	})
	if err != nil {
		e.logger.Error("failed to commit terminal transition", "order_id", order.ID, "target", target, "error", err)
		return
	}
	e.notifyTransition(ctx, final, string(target), price, qty)
}

func (e *Engine) notifyTransition(ctx context.Context, order domain.Order, transition string, price, qty decimal.Decimal) {
	event := notify.Event{
		OrderID:    order.ID.String(),
		UserID:     order.UserID,
		Symbol:     order.Symbol,
		Transition: transition,
		Price:      price.String(),
		Qty:        qty.String(),
		Timestamp:  e.clock.Now(),
	}
	if err := e.notifier.Notify(ctx, order.UserID, event.FormatMessage()); err != nil {
		e.logger.Warn("notification delivery failed", "order_id", order.ID, "error", err)
	}
}

// notifyInsufficientBalanceOnce implements spec.md §7's InsufficientBalance
// policy: notify at most once per 24h per user, so a user who cannot fund
// several orders at once isn't paged once per order per tick.
func (e *Engine) notifyInsufficientBalanceOnce(ctx context.Context, order domain.Order) {
	const window = 24 * time.Hour
	now := e.clock.Now()

	e.placementMu.Lock()
	last, notified := e.insufficientBalanceNotified[order.UserID]
	if notified && now.Sub(last) < window {
		e.placementMu.Unlock()
		return
	}
	e.insufficientBalanceNotified[order.UserID] = now
	e.placementMu.Unlock()

	e.notifyTransition(ctx, order, "insufficient_balance", decimal.Zero, decimal.Zero)
}

// bumpFilterViolation increments and returns the consecutive FilterViolation
// count for order.ID, so the caller can tell a first occurrence (retry once)
// from a recurrence (cancel) per spec.md §7.
func (e *Engine) bumpFilterViolation(id uuid.UUID) int {
	e.placementMu.Lock()
	defer e.placementMu.Unlock()
	e.filterViolations[id]++
	return e.filterViolations[id]
}

// clearFilterViolation resets the FilterViolation counter for id, called on
// every successful placement and before cancelling for a recurrence.
func (e *Engine) clearFilterViolation(id uuid.UUID) {
	e.placementMu.Lock()
	defer e.placementMu.Unlock()
	delete(e.filterViolations, id)
}

// pauseCredentials marks apiKeyID's orders to be skipped on every tick
// until ResumeCredentials is called, per spec.md §7's "further orders on
// same credentials pause until user updates."
func (e *Engine) pauseCredentials(apiKeyID string) {
	if apiKeyID == "" {
		return
	}
	e.placementMu.Lock()
	e.pausedCredentials[apiKeyID] = true
	e.placementMu.Unlock()
}

// credentialsPaused reports whether apiKeyID is currently paused.
func (e *Engine) credentialsPaused(apiKeyID string) bool {
	if apiKeyID == "" {
		return false
	}
	e.placementMu.Lock()
	defer e.placementMu.Unlock()
	return e.pausedCredentials[apiKeyID]
}

// ResumeCredentials clears the auth-error pause for apiKeyID. The host
// application calls this once the user has updated the failing
// credentials (spec.md §7); the engine has no other way to learn that,
// since credential storage and rotation are out of its scope (spec.md §1).
func (e *Engine) ResumeCredentials(apiKeyID string) {
	e.placementMu.Lock()
	delete(e.pausedCredentials, apiKeyID)
	e.placementMu.Unlock()
}

// handlePending implements spec.md §4.F step 2: evaluate the entry
// trigger and, on FIRE, place the market buy and install the TP. order is
// already IN_EXECUTION.
func (e *Engine) handlePending(ctx context.Context, order domain.Order) {
	if e.credentialsPaused(order.APIKeyID) {
		e.logger.Debug("api_key paused after auth error, waiting for user to update credentials", "order_id", order.ID, "api_key_id", order.APIKeyID)
		e.restore(ctx, order, domain.StatusPending)
		return
	}

	exchange, ok := e.exchanges.Get(order.ExchangeID)
	if !ok {
		e.logger.Error("unknown exchange_id, restoring PENDING", "order_id", order.ID, "exchange_id", order.ExchangeID)
		e.restore(ctx, order, domain.StatusPending)
		return
	}

	decision, err := trigger.EntryTrigger(ctx, order, exchange)
	if err != nil {
		e.logger.Warn("entry trigger evaluation failed, restoring PENDING", "order_id", order.ID, "error", err)
		e.restore(ctx, order, domain.StatusPending)
		return
	}

	switch decision {
	case trigger.EntryCancel:
		e.transitionTerminal(ctx, order, domain.StatusCancelled, decimal.Zero, decimal.Zero)
		return
	case trigger.EntryWait:
		e.restore(ctx, order, domain.StatusPending)
		return
	}

	filters, err := e.cache.Get(ctx, exchange, order.Symbol)
	if err != nil {
		e.logger.Warn("symbol_filters unavailable, restoring PENDING", "order_id", order.ID, "error", err)
		e.restore(ctx, order, domain.StatusPending)
		return
	}

	qty := tradingutils.FloorToStep(order.Quantity, filters.LotStep)

	price, err := exchange.SpotPrice(ctx, order.Symbol)
	if err != nil {
		e.logger.Warn("spot_price unavailable, restoring PENDING", "order_id", order.ID, "error", err)
		e.restore(ctx, order, domain.StatusPending)
		return
	}

	if !tradingutils.MeetsMinNotional(qty, price, filters.MinNotional) {
		e.logger.Info("order below min_notional this tick, waiting", "order_id", order.ID)
		e.restore(ctx, order, domain.StatusPending)
		return
	}

	_, quoteAsset := tradingutils.SplitSymbol(order.Symbol)
	if quoteAsset != "" {
		balance, err := exchange.Balance(ctx, quoteAsset)
		if err != nil {
			e.logger.Warn("quote balance unavailable, restoring PENDING", "order_id", order.ID, "error", err)
			e.restore(ctx, order, domain.StatusPending)
			return
		}
		required := qty.Mul(price).Mul(decimal.NewFromInt(1).Add(e.feeMargin))
		if balance.Free.LessThan(required) {
			e.logger.Info("insufficient quote balance this tick, waiting", "order_id", order.ID)
			e.restore(ctx, order, domain.StatusPending)
			return
		}
	}

	buyResult, err := exchange.PlaceMarketBuy(ctx, order.Symbol, qty)
	if err != nil {
		if apperrors.IsTransient(err) || apperrors.Kind(err) == apperrors.ErrTransient {
			e.logger.Warn("market buy transient failure, restoring PENDING", "order_id", order.ID, "error", err)
			e.restore(ctx, order, domain.StatusPending)
			return
		}
		switch apperrors.Kind(err) {
		case apperrors.ErrInsufficientBalance:
			// spec.md §7: restore PENDING, notify once per 24h per user.
			e.logger.Warn("insufficient balance, restoring PENDING", "order_id", order.ID, "error", err)
			e.restore(ctx, order, domain.StatusPending)
			e.notifyInsufficientBalanceOnce(ctx, order)
		case apperrors.ErrFilterViolation:
			// spec.md §7: evict symbol metadata, restore PENDING for one
			// retry; if it recurs on the next attempt, CANCEL with reason
			// "filter".
			e.cache.Invalidate(exchange.Name(), order.Symbol)
			if e.bumpFilterViolation(order.ID) > 1 {
				e.logger.Error("filter violation recurred, cancelling order", "order_id", order.ID, "error", err)
				e.clearFilterViolation(order.ID)
				e.transitionTerminal(ctx, order, domain.StatusCancelled, decimal.Zero, decimal.Zero)
				return
			}
			e.logger.Warn("filter violation, evicted symbol cache, restoring PENDING for one retry", "order_id", order.ID, "error", err)
			e.restore(ctx, order, domain.StatusPending)
		case apperrors.ErrAuthError:
			e.pauseCredentials(order.APIKeyID)
			e.logger.Error("auth error placing market buy, cancelling order and pausing credentials", "order_id", order.ID, "api_key_id", order.APIKeyID, "error", err)
			e.transitionTerminal(ctx, order, domain.StatusCancelled, decimal.Zero, decimal.Zero)
		default:
			e.logger.Error("market buy rejected, cancelling order", "order_id", order.ID, "error", err)
			e.transitionTerminal(ctx, order, domain.StatusCancelled, decimal.Zero, decimal.Zero)
		}
		return
	}
	e.clearFilterViolation(order.ID)

	executedPrice := buyResult.AvgFillPrice
	if executedPrice.IsZero() {
		executedPrice = price
	}
	now := e.clock.Now()

	var tpOrderID string
	if order.TakeProfit != nil {
		tpQty := tradingutils.FloorToStep(tradingutils.ApplySellBuffer(buyResult.FilledQty, e.sellBuffer), filters.LotStep)
		tpPrice := tradingutils.RoundToTick(*order.TakeProfit, filters.TickSize)
		if tradingutils.MeetsMinNotional(tpQty, tpPrice, filters.MinNotional) {
			sellResult, err := exchange.PlaceLimitSell(ctx, order.Symbol, tpQty, tpPrice)
			if err != nil {
				e.logger.Warn("tp placement failed, running SL-only until next tick", "order_id", order.ID, "error", err)
			} else {
				tpOrderID = sellResult.OrderID
			}
		} else {
			e.logger.Info("tp qty/price below min_notional, running SL-only", "order_id", order.ID)
		}
	}

	final, err := e.repo.AtomicTransition(ctx, order.ID, domain.StatusInExecution, func(o *domain.Order) {
		o.Status = domain.StatusExecuted
		o.ExecutedPrice = &executedPrice
		o.ExecutedAt = &now
		o.TPOrderID = tpOrderID
	})
	if err != nil {
		e.logger.Error("failed to commit EXECUTED transition", "order_id", order.ID, "error", err)
		return
	}
	e.notifyTransition(ctx, final, string(domain.StatusExecuted), executedPrice, buyResult.FilledQty)
}

// handleExecuted implements spec.md §4.F step 3: SL check, TP-fill check,
// external-sell check, in that order, restoring EXECUTED if none fires.
// order is already IN_EXECUTION.
func (e *Engine) handleExecuted(ctx context.Context, order domain.Order) {
	exchange, ok := e.exchanges.Get(order.ExchangeID)
	if !ok {
		e.logger.Error("unknown exchange_id, restoring EXECUTED", "order_id", order.ID, "exchange_id", order.ExchangeID)
		e.restore(ctx, order, domain.StatusExecuted)
		return
	}

	if order.StopLoss != nil {
		decision, err := trigger.StopTrigger(ctx, order, exchange)
		if err != nil {
			e.logger.Warn("stop trigger evaluation failed", "order_id", order.ID, "error", err)
		} else if decision == trigger.StopHit {
			e.closePosition(ctx, order, exchange, domain.StatusClosedSL)
			return
		}
	}

	if order.TPOrderID != "" {
		openOrders, err := exchange.ListOpenOrders(ctx, order.Symbol)
		if err != nil {
			e.logger.Warn("list_open_orders failed", "order_id", order.ID, "error", err)
		} else {
			stillOpen := false
			for _, oo := range openOrders {
				if oo.OrderID == order.TPOrderID {
					stillOpen = true
					break
				}
			}
			if !stillOpen {
				price := decimal.Zero
				if order.TakeProfit != nil {
					price = *order.TakeProfit
				}
				e.transitionTerminal(ctx, order, domain.StatusClosedTP, price, order.Quantity)
				return
			}
		}
	}

	baseAsset, _ := tradingutils.SplitSymbol(order.Symbol)
	if baseAsset != "" {
		balance, err := exchange.Balance(ctx, baseAsset)
		if err != nil {
			e.logger.Warn("base balance unavailable", "order_id", order.ID, "error", err)
		} else {
			threshold := tradingutils.ApplySellBuffer(order.Quantity, e.sellBuffer)
			if balance.Free.LessThan(threshold) {
				e.transitionTerminal(ctx, order, domain.StatusClosedExternally, decimal.Zero, decimal.Zero)
				return
			}
		}
	}

	e.restore(ctx, order, domain.StatusExecuted)
}

// closePosition cancels the resting TP (best-effort, NotFound tolerated),
// sells the wallet's floored base balance at market, and transitions order
// to target. order is already IN_EXECUTION. Shared by the SL-HIT path and
// ClosePosition.
func (e *Engine) closePosition(ctx context.Context, order domain.Order, exchange core.Exchange, target domain.Status) {
	if order.TPOrderID != "" {
		if _, err := exchange.CancelOrder(ctx, order.Symbol, order.TPOrderID); err != nil && apperrors.Kind(err) != apperrors.ErrNotFound {
			e.logger.Warn("tp cancel failed before close, proceeding anyway", "order_id", order.ID, "error", err)
		}
	}

	sellQty := order.Quantity
	baseAsset, _ := tradingutils.SplitSymbol(order.Symbol)
	if baseAsset != "" {
		if balance, err := exchange.Balance(ctx, baseAsset); err == nil {
			sellQty = tradingutils.ApplySellBuffer(balance.Free, e.sellBuffer)
		}
	}
	if filters, err := e.cache.Get(ctx, exchange, order.Symbol); err == nil {
		sellQty = tradingutils.FloorToStep(sellQty, filters.LotStep)
	}

	sellResult, err := exchange.PlaceMarketSell(ctx, order.Symbol, sellQty)
	if err != nil {
		e.logger.Error("market sell on close failed, restoring EXECUTED", "order_id", order.ID, "error", err)
		e.restore(ctx, order, domain.StatusExecuted)
		return
	}
	e.transitionTerminal(ctx, order, target, sellResult.AvgFillPrice, sellResult.FilledQty)
}

// CreateOrder implements the control API's create_order: validates
// invariants and persists PENDING (or IN_EXECUTION for an immediate
// Market entry).
func (e *Engine) CreateOrder(ctx context.Context, plan domain.Order) (domain.Order, error) {
	order, err := domain.NewPendingOrder(plan, e.clock.Now())
	if err != nil {
		return domain.Order{}, fmt.Errorf("create_order: %w", err)
	}
	if err := e.repo.Create(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("create_order: %w", err)
	}
	return order, nil
}

// CancelOrder transitions a PENDING order to CANCELLED (user-initiated;
// the entry-trigger CANCEL path uses transitionTerminal directly instead).
func (e *Engine) CancelOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	order, err := e.repo.Load(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("cancel_order: %w", err)
	}
	if order.Status != domain.StatusPending {
		return domain.Order{}, fmt.Errorf("cancel_order: order %s is not PENDING (status=%s)", id, order.Status)
	}
	now := e.clock.Now()
	final, err := e.repo.AtomicTransition(ctx, id, domain.StatusPending, func(o *domain.Order) {
		o.Status = domain.StatusCancelled
		o.ClosedAt = &now
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("cancel_order: %w", err)
	}
	e.notifyTransition(ctx, final, string(domain.StatusCancelled), decimal.Zero, decimal.Zero)
	return final, nil
}

// ClosePosition implements the control API's close_position: cancels the
// TP and market-sells the wallet balance of an EXECUTED order.
func (e *Engine) ClosePosition(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	order, err := e.repo.Load(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("close_position: %w", err)
	}
	if order.Status != domain.StatusExecuted {
		return domain.Order{}, fmt.Errorf("close_position: order %s is not EXECUTED (status=%s)", id, order.Status)
	}
	updated, err := e.repo.AtomicTransition(ctx, id, domain.StatusExecuted, func(o *domain.Order) {
		o.Status = domain.StatusInExecution
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("close_position: %w", err)
	}
	exchange, ok := e.exchanges.Get(updated.ExchangeID)
	if !ok {
		e.restore(ctx, updated, domain.StatusExecuted)
		return domain.Order{}, fmt.Errorf("close_position: unknown exchange_id %s", updated.ExchangeID)
	}
	e.closePosition(ctx, updated, exchange, domain.StatusClosedManual)
	return e.repo.Load(ctx, id)
}

// UpdateOrder implements the control API's update_order: applies patch to
// a non-terminal, non-IN_EXECUTION order, re-pegging the resting TP if the
// order is EXECUTED and take_profit changed. Validation of the new TP
// precedes cancellation of the old one, so a rejected edit leaves the
// original TP live.
func (e *Engine) UpdateOrder(ctx context.Context, id uuid.UUID, patch domain.Patch) (domain.Order, error) {
	order, err := e.repo.Load(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("update_order: %w", err)
	}
	if !order.IsEditable() {
		return domain.Order{}, fmt.Errorf("update_order: order %s is not editable (status=%s)", id, order.Status)
	}

	if order.Status != domain.StatusExecuted {
		final, err := e.repo.Patch(ctx, id, patch)
		if err != nil {
			return domain.Order{}, fmt.Errorf("update_order: %w", err)
		}
		return final, nil
	}

	updated, err := e.repo.AtomicTransition(ctx, id, domain.StatusExecuted, func(o *domain.Order) {
		o.Status = domain.StatusInExecution
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("update_order: %w", err)
	}

	candidate, err := patch.Apply(updated)
	if err != nil {
		e.restore(ctx, updated, domain.StatusExecuted)
		return domain.Order{}, fmt.Errorf("update_order: %w", err)
	}

	exchange, ok := e.exchanges.Get(updated.ExchangeID)
	if !ok {
		e.restore(ctx, updated, domain.StatusExecuted)
		return domain.Order{}, fmt.Errorf("update_order: unknown exchange_id %s", updated.ExchangeID)
	}

	newTPOrderID := updated.TPOrderID
	if patch.TakeProfit != nil && candidate.TakeProfit != nil {
		filters, err := e.cache.Get(ctx, exchange, updated.Symbol)
		if err != nil {
			e.restore(ctx, updated, domain.StatusExecuted)
			return domain.Order{}, fmt.Errorf("update_order: %w", err)
		}
		tpQty := tradingutils.FloorToStep(tradingutils.ApplySellBuffer(updated.Quantity, e.sellBuffer), filters.LotStep)
		tpPrice := tradingutils.RoundToTick(*candidate.TakeProfit, filters.TickSize)
		if !tradingutils.MeetsMinNotional(tpQty, tpPrice, filters.MinNotional) {
			e.restore(ctx, updated, domain.StatusExecuted)
			return domain.Order{}, fmt.Errorf("update_order: new take_profit fails min_notional, old tp_order_id %s unchanged", updated.TPOrderID)
		}
		if updated.TPOrderID != "" {
			if _, err := exchange.CancelOrder(ctx, updated.Symbol, updated.TPOrderID); err != nil && apperrors.Kind(err) != apperrors.ErrNotFound {
				e.restore(ctx, updated, domain.StatusExecuted)
				return domain.Order{}, fmt.Errorf("update_order: cancel old tp: %w", err)
			}
		}
		sellResult, err := exchange.PlaceLimitSell(ctx, updated.Symbol, tpQty, tpPrice)
		if err != nil {
			e.restore(ctx, updated, domain.StatusExecuted)
			return domain.Order{}, fmt.Errorf("update_order: place new tp: %w", err)
		}
		newTPOrderID = sellResult.OrderID
	}

	final, err := e.repo.AtomicTransition(ctx, id, domain.StatusInExecution, func(o *domain.Order) {
		o.Status = domain.StatusExecuted
		o.TakeProfit = candidate.TakeProfit
		o.StopLoss = candidate.StopLoss
		o.MaxEntry = candidate.MaxEntry
		o.EntryPrice = candidate.EntryPrice
		o.EntryInterval = candidate.EntryInterval
		o.StopInterval = candidate.StopInterval
		o.TPOrderID = newTPOrderID
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("update_order: %w", err)
	}
	return final, nil
}

// SplitOrder implements the control API's split_order: carves an EXECUTED
// order into two, each with its own TP/SL, sharing the parent's
// executed_price. The parent becomes CLOSED_MANUAL (split out); new orders
// are created directly EXECUTED. Best-effort atomic at the engine level:
// both legs are validated against symbol filters before either TP is
// placed, so a validation failure leaves the parent order untouched.
func (e *Engine) SplitOrder(ctx context.Context, id uuid.UUID, params SplitParams) (domain.Order, domain.Order, error) {
	order, err := e.repo.Load(ctx, id)
	if err != nil {
		return domain.Order{}, domain.Order{}, fmt.Errorf("split_order: %w", err)
	}
	if order.Status != domain.StatusExecuted {
		return domain.Order{}, domain.Order{}, fmt.Errorf("split_order: order %s is not EXECUTED (status=%s)", id, order.Status)
	}
	if params.SplitQty.Sign() <= 0 || params.SplitQty.GreaterThanOrEqual(order.Quantity) {
		return domain.Order{}, domain.Order{}, fmt.Errorf("split_order: split_qty must be in (0, quantity)")
	}
	remainingQty := order.Quantity.Sub(params.SplitQty)

	updated, err := e.repo.AtomicTransition(ctx, id, domain.StatusExecuted, func(o *domain.Order) {
		o.Status = domain.StatusInExecution
	})
	if err != nil {
		return domain.Order{}, domain.Order{}, fmt.Errorf("split_order: %w", err)
	}

	exchange, ok := e.exchanges.Get(updated.ExchangeID)
	if !ok {
		e.restore(ctx, updated, domain.StatusExecuted)
		return domain.Order{}, domain.Order{}, fmt.Errorf("split_order: unknown exchange_id %s", updated.ExchangeID)
	}

	filters, err := e.cache.Get(ctx, exchange, updated.Symbol)
	if err != nil {
		e.restore(ctx, updated, domain.StatusExecuted)
		return domain.Order{}, domain.Order{}, fmt.Errorf("split_order: %w", err)
	}

	leg1Qty := tradingutils.FloorToStep(tradingutils.ApplySellBuffer(params.SplitQty, e.sellBuffer), filters.LotStep)
	leg2Qty := tradingutils.FloorToStep(tradingutils.ApplySellBuffer(remainingQty, e.sellBuffer), filters.LotStep)

	if params.TP1 != nil {
		tp1Price := tradingutils.RoundToTick(*params.TP1, filters.TickSize)
		if !tradingutils.MeetsMinNotional(leg1Qty, tp1Price, filters.MinNotional) {
			e.restore(ctx, updated, domain.StatusExecuted)
			return domain.Order{}, domain.Order{}, fmt.Errorf("split_order: leg 1 take_profit fails min_notional")
		}
	}
	if params.TP2 != nil {
		tp2Price := tradingutils.RoundToTick(*params.TP2, filters.TickSize)
		if !tradingutils.MeetsMinNotional(leg2Qty, tp2Price, filters.MinNotional) {
			e.restore(ctx, updated, domain.StatusExecuted)
			return domain.Order{}, domain.Order{}, fmt.Errorf("split_order: leg 2 take_profit fails min_notional")
		}
	}

	if updated.TPOrderID != "" {
		if _, err := exchange.CancelOrder(ctx, updated.Symbol, updated.TPOrderID); err != nil && apperrors.Kind(err) != apperrors.ErrNotFound {
			e.restore(ctx, updated, domain.StatusExecuted)
			return domain.Order{}, domain.Order{}, fmt.Errorf("split_order: cancel parent tp: %w", err)
		}
	}

	leg1 := e.buildSplitLeg(updated, params.SplitQty, params.TP1, params.SL1)
	leg2 := e.buildSplitLeg(updated, remainingQty, params.TP2, params.SL2)

	if params.TP1 != nil {
		tp1Price := tradingutils.RoundToTick(*params.TP1, filters.TickSize)
		sellResult, err := exchange.PlaceLimitSell(ctx, updated.Symbol, leg1Qty, tp1Price)
		if err == nil {
			leg1.TPOrderID = sellResult.OrderID
		} else {
			e.logger.Warn("split leg 1 tp placement failed, SL-only", "order_id", leg1.ID, "error", err)
		}
	}
	if params.TP2 != nil {
		tp2Price := tradingutils.RoundToTick(*params.TP2, filters.TickSize)
		sellResult, err := exchange.PlaceLimitSell(ctx, updated.Symbol, leg2Qty, tp2Price)
		if err == nil {
			leg2.TPOrderID = sellResult.OrderID
		} else {
			e.logger.Warn("split leg 2 tp placement failed, SL-only", "order_id", leg2.ID, "error", err)
		}
	}

	if err := e.repo.Create(ctx, leg1); err != nil {
		return domain.Order{}, domain.Order{}, fmt.Errorf("split_order: persist leg 1: %w", err)
	}
	if err := e.repo.Create(ctx, leg2); err != nil {
		return domain.Order{}, domain.Order{}, fmt.Errorf("split_order: persist leg 2: %w", err)
	}

	now := e.clock.Now()
	if _, err := e.repo.AtomicTransition(ctx, id, domain.StatusInExecution, func(o *domain.Order) {
		o.Status = domain.StatusClosedManual
		o.ClosedAt = &now
	}); err != nil {
		e.logger.Error("failed to close parent order after split", "order_id", id, "error", err)
	}

	return leg1, leg2, nil
}

func (e *Engine) buildSplitLeg(parent domain.Order, qty decimal.Decimal, tp, sl *decimal.Decimal) domain.Order {
	now := e.clock.Now()
	return domain.Order{
		ID:            uuid.New(),
		UserID:        parent.UserID,
		ExchangeID:    parent.ExchangeID,
		APIKeyID:      parent.APIKeyID,
		IsTestnet:     parent.IsTestnet,
		Symbol:        parent.Symbol,
		Side:          parent.Side,
		Quantity:      qty,
		EntryPrice:    parent.EntryPrice,
		MaxEntry:      parent.MaxEntry,
		EntryInterval: parent.EntryInterval,
		TakeProfit:    tp,
		StopLoss:      sl,
		StopInterval:  parent.StopInterval,
		Status:        domain.StatusExecuted,
		ExecutedPrice: parent.ExecutedPrice,
		ExecutedAt:    parent.ExecutedAt,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       0,
	}
}

// GetOrders implements the control API's get_orders: a query over
// status/user/exchange.
func (e *Engine) GetOrders(ctx context.Context, filter core.OrderFilter) ([]domain.Order, error) {
	return e.repo.ListByFilter(ctx, filter)
}
