package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is a single OHLCV bar, normalized to decimals and ascending by
// OpenTime by every adapter before it reaches the trigger evaluator.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// IsClosed reports whether the candle's interval boundary has passed as of
// now: open_time + interval_ms <= now. A candle still forming must never
// be used as the trigger candle.
func (c Candle) IsClosed(interval Interval, now time.Time) bool {
	closeTime := c.OpenTime.Add(time.Duration(interval.Milliseconds()) * time.Millisecond)
	return !closeTime.After(now)
}

// LastClosedCandle scans candles (ascending by OpenTime, as adapters must
// return them) and returns the one with the greatest OpenTime that has
// actually closed, or false if none has.
func LastClosedCandle(candles []Candle, interval Interval, now time.Time) (Candle, bool) {
	var best Candle
	found := false
	for _, c := range candles {
		if !c.IsClosed(interval, now) {
			continue
		}
		if !found || c.OpenTime.After(best.OpenTime) {
			best = c
			found = true
		}
	}
	return best, found
}

// SymbolFilters is the exchange-mandated quantization for a symbol: the
// quantity increment, price increment, and minimum order value.
type SymbolFilters struct {
	Symbol      string
	LotStep     decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// Balance is a (free, locked) pair for one asset.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}
