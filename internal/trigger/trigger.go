// Package trigger implements the Candle Trigger Evaluator (spec.md §4.E):
// two stateless functions over an Order and an Exchange adapter,
// deciding entry and stop-loss firing from the last closed candle.
package trigger

import (
	"context"
	"fmt"

	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/internal/domain"
)

// EntryDecision is the result of evaluating an order's entry trigger.
type EntryDecision string

const (
	EntryFire   EntryDecision = "FIRE"
	EntryWait   EntryDecision = "WAIT"
	EntryCancel EntryDecision = "CANCEL"
)

// StopDecision is the result of evaluating an order's stop-loss trigger.
type StopDecision string

const (
	StopHit StopDecision = "HIT"
	StopOK  StopDecision = "OK"
)

// EntryTrigger implements spec.md §4.E's entry_trigger: Market fires
// immediately; otherwise the last closed candle on entry_interval decides
// FIRE/WAIT/CANCEL. Close above max_entry cancels (the market ran away);
// close at or above entry_price fires; otherwise wait.
func EntryTrigger(ctx context.Context, order domain.Order, exchange core.Exchange) (EntryDecision, error) {
	if order.EntryInterval == domain.IntervalMarket {
		return EntryFire, nil
	}

	candle, err := exchange.LastClosedCandle(ctx, order.Symbol, order.EntryInterval)
	if err != nil {
		return EntryWait, fmt.Errorf("fetching last closed candle: %w", err)
	}

	if candle.Close.GreaterThan(order.MaxEntry) {
		return EntryCancel, nil
	}
	if candle.Close.GreaterThanOrEqual(order.EntryPrice) {
		return EntryFire, nil
	}
	return EntryWait, nil
}

// StopTrigger implements spec.md §4.E's stop_trigger: HIT when the last
// closed candle on stop_interval closes at or below stop_loss. Uses
// *close*, never *low* — fixed by spec.md §9's open question resolution,
// the plan's SL is a trend signal, not a tick-level stop. Callers must
// only invoke this when order.StopLoss is set.
func StopTrigger(ctx context.Context, order domain.Order, exchange core.Exchange) (StopDecision, error) {
	if order.StopLoss == nil {
		return StopOK, fmt.Errorf("stop_trigger called on order %s with no stop_loss set", order.ID)
	}

	candle, err := exchange.LastClosedCandle(ctx, order.Symbol, order.StopInterval)
	if err != nil {
		return StopOK, fmt.Errorf("fetching last closed candle: %w", err)
	}

	if candle.Close.LessThanOrEqual(*order.StopLoss) {
		return StopHit, nil
	}
	return StopOK, nil
}
