// Package durable wraps the Trade Lifecycle Engine's PENDING-to-EXECUTED
// placement sequence in a DBOS workflow: market buy, persist EXECUTED,
// install TP each become a durable step, so a process crash between any
// two of them resumes from the last completed step on restart instead of
// depending solely on the Reconciliation Worker to notice the drift.
// Grounded on the teacher's internal/engine/durable/workflow.go
// (RunAsStep-per-side-effect shape), retargeted from grid order actions to
// the three-step order placement sequence this specification defines.
package durable

import (
	"context"
	"fmt"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/internal/domain"
	"github.com/nunzio993/cryptoBot/pkg/apperrors"
	"github.com/nunzio993/cryptoBot/pkg/tradingutils"
)

// PlacementInput is the durable workflow's input: everything needed to run
// the placement sequence for one order without re-reading mutable state
// mid-workflow (DBOS replays steps from their recorded results, not by
// re-executing the surrounding code).
type PlacementInput struct {
	OrderID    uuid.UUID
	ExchangeID string
	Symbol     string
	Quantity   decimal.Decimal
	TakeProfit *decimal.Decimal
	SellBuffer decimal.Decimal
}

// PlacementWorkflows holds the collaborators the durable placement
// sequence calls into at each step. It depends on core interfaces only,
// matching the teacher's TradingWorkflows shape.
type PlacementWorkflows struct {
	repo      core.Repository
	exchanges ExchangeRegistry
	cache     core.SymbolCache
	logger    core.ILogger
}

// ExchangeRegistry resolves an order's exchange_id to its adapter; kept
// local so this package does not import internal/lifecycle.
type ExchangeRegistry interface {
	Get(exchangeID string) (core.Exchange, bool)
}

// NewPlacementWorkflows builds a PlacementWorkflows.
func NewPlacementWorkflows(repo core.Repository, exchanges ExchangeRegistry, cache core.SymbolCache, logger core.ILogger) *PlacementWorkflows {
	return &PlacementWorkflows{repo: repo, exchanges: exchanges, cache: cache, logger: logger.WithField("component", "durable_placement")}
}

// PlaceAndInstallTP is the durable workflow: four steps (market buy,
// persist EXECUTED, install TP, persist tp_order_id), each one
// recorded by DBOS so a crash between steps resumes here instead of
// re-running an already-completed buy.
func (w *PlacementWorkflows) PlaceAndInstallTP(ctx dbos.DBOSContext, input any) (any, error) {
	in := input.(PlacementInput)

	exchange, ok := w.exchanges.Get(in.ExchangeID)
	if !ok {
		return nil, fmt.Errorf("unknown exchange_id %q", in.ExchangeID)
	}

	buyRaw, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return exchange.PlaceMarketBuy(ctx, in.Symbol, in.Quantity)
	})
	if err != nil {
		return nil, fmt.Errorf("place_market_buy step: %w", err)
	}
	buy := buyRaw.(core.MarketBuyResult)

	_, err = ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return w.repo.AtomicTransition(ctx, in.OrderID, domain.StatusInExecution, func(o *domain.Order) {
			o.Status = domain.StatusExecuted
			price := buy.AvgFillPrice
			o.ExecutedPrice = &price
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persist_executed step: %w", err)
	}

	if in.TakeProfit == nil {
		return nil, nil
	}

	tpOrderIDRaw, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		filters, err := w.cache.Get(ctx, exchange, in.Symbol)
		if err != nil {
			return "", err
		}
		tpQty := tradingutils.FloorToStep(tradingutils.ApplySellBuffer(buy.FilledQty, in.SellBuffer), filters.LotStep)
		tpPrice := tradingutils.RoundToTick(*in.TakeProfit, filters.TickSize)
		if !tradingutils.MeetsMinNotional(tpQty, tpPrice, filters.MinNotional) {
			return "", nil
		}
		sell, err := exchange.PlaceLimitSell(ctx, in.Symbol, tpQty, tpPrice)
		if err != nil {
			if apperrors.Kind(err) == apperrors.ErrFilterViolation {
				return "", nil
			}
			return "", err
		}
		return sell.OrderID, nil
	})
	if err != nil {
		return nil, fmt.Errorf("install_tp step: %w", err)
	}
	tpOrderID := tpOrderIDRaw.(string)
	if tpOrderID == "" {
		return nil, nil
	}

	_, err = ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return w.repo.AtomicTransition(ctx, in.OrderID, domain.StatusExecuted, func(o *domain.Order) {
			o.TPOrderID = tpOrderID
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persist_tp_order_id step: %w", err)
	}
	return nil, nil
}
