// Package tradingutils holds the pure-function decimal math shared by the
// exchange adapters and the lifecycle engine: step/tick rounding and the
// fee-dust safety buffer used on sell paths.
package tradingutils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// knownQuoteAssets lists the stable quote suffixes spec.md §3 assumes for
// every symbol (BASEQUOTE, quote always a stable).
var knownQuoteAssets = []string{"USDC", "USDT", "FDUSD", "BUSD", "TUSD", "USD"}

// SplitSymbol separates a BASEQUOTE symbol into its base and quote asset
// codes, used wherever a caller needs the wallet balance a placement or a
// sell will draw against. Returns quote="" if no known stable suffix
// matches.
func SplitSymbol(symbol string) (base, quote string) {
	for _, q := range knownQuoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	return symbol, ""
}

// FloorToStep rounds qty down to the nearest multiple of step. A zero or
// negative step is treated as "no step constraint" and qty is returned
// unchanged, matching exchanges that report lot_step=0 for unrestricted
// assets.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// RoundToTick rounds price down to the nearest multiple of tick. Sells are
// always rounded down, never up, so a resting limit order never asks for a
// better price than requested.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// MeetsMinNotional reports whether qty*price satisfies minNotional.
func MeetsMinNotional(qty, price, minNotional decimal.Decimal) bool {
	return qty.Mul(price).GreaterThanOrEqual(minNotional)
}

// DefaultSellBuffer is the 0.001 buffer fraction (a 0.999 safety factor on
// quantity) applied only where
// floor-to-step would otherwise ask for more base asset than the wallet
// actually holds after fees.
var DefaultSellBuffer = decimal.NewFromFloat(0.001)

// ApplySellBuffer discounts qty by buffer (fraction, e.g. 0.001 for 0.1%)
// before floor-to-step is applied. It exists for the two sell paths where
// the wallet balance is uncertain post-fees (TP quantity computed from a
// fill, and wallet-balance sells on close/external-sell); it must never be
// applied to a TP's price, and never to a buy.
func ApplySellBuffer(qty, buffer decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	return qty.Mul(one.Sub(buffer))
}
