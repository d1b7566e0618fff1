package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSplitSymbolKnownQuotes(t *testing.T) {
	cases := []struct {
		symbol, base, quote string
	}{
		{"BTCUSDC", "BTC", "USDC"},
		{"ETHUSDT", "ETH", "USDT"},
		{"SOLBUSD", "SOL", "BUSD"},
	}
	for _, c := range cases {
		base, quote := SplitSymbol(c.symbol)
		assert.Equal(t, c.base, base, c.symbol)
		assert.Equal(t, c.quote, quote, c.symbol)
	}
}

func TestSplitSymbolUnknownQuoteReturnsEmpty(t *testing.T) {
	base, quote := SplitSymbol("WEIRDPAIR")
	assert.Equal(t, "WEIRDPAIR", base)
	assert.Equal(t, "", quote)
}

func TestFloorToStep(t *testing.T) {
	assert.True(t, FloorToStep(dec("0.12349"), dec("0.0001")).Equal(dec("0.1234")))
	assert.True(t, FloorToStep(dec("1.5"), dec("1")).Equal(dec("1")))
}

func TestFloorToStepZeroStepIsNoOp(t *testing.T) {
	assert.True(t, FloorToStep(dec("0.12349"), decimal.Zero).Equal(dec("0.12349")))
}

func TestRoundToTickAlwaysRoundsDown(t *testing.T) {
	assert.True(t, RoundToTick(dec("95000.37"), dec("0.5")).Equal(dec("95000")))
	assert.True(t, RoundToTick(dec("95000.49"), dec("1")).Equal(dec("95000")))
}

func TestMeetsMinNotionalBoundary(t *testing.T) {
	// qty * price == min_notional must pass (spec.md §8 boundary behaviour)
	assert.True(t, MeetsMinNotional(dec("1"), dec("10"), dec("10")))
	assert.False(t, MeetsMinNotional(dec("1"), dec("9.99"), dec("10")))
}

func TestApplySellBufferDiscountsQuantity(t *testing.T) {
	result := ApplySellBuffer(dec("1"), dec("0.001"))
	assert.True(t, result.Equal(dec("0.999")))
}
