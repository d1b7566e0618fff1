package symbolcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nunzio993/cryptoBot/internal/domain"
	"github.com/nunzio993/cryptoBot/internal/exchange/mockexchange"
	"github.com/nunzio993/cryptoBot/pkg/apperrors"
)

// countingExchange wraps mockexchange and counts SymbolFilters calls.
type countingExchange struct {
	*mockexchange.Exchange
	calls int64
}

func (c *countingExchange) SymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	atomic.AddInt64(&c.calls, 1)
	time.Sleep(10 * time.Millisecond)
	return c.Exchange.SymbolFilters(ctx, symbol)
}

func TestGetCachesWithinTTL(t *testing.T) {
	ex := &countingExchange{Exchange: mockexchange.New("bybit")}
	ex.Filters["BTCUSDC"] = domain.SymbolFilters{Symbol: "BTCUSDC", LotStep: decimal.RequireFromString("0.0001")}

	c := New(time.Hour)
	f1, err := c.Get(context.Background(), ex, "BTCUSDC")
	require.NoError(t, err)
	f2, err := c.Get(context.Background(), ex, "BTCUSDC")
	require.NoError(t, err)

	assert.True(t, f1.LotStep.Equal(f2.LotStep))
	assert.EqualValues(t, 1, atomic.LoadInt64(&ex.calls))
}

func TestGetRefetchesAfterTTL(t *testing.T) {
	ex := &countingExchange{Exchange: mockexchange.New("bybit")}
	ex.Filters["BTCUSDC"] = domain.SymbolFilters{Symbol: "BTCUSDC"}

	c := New(10 * time.Millisecond)
	_, err := c.Get(context.Background(), ex, "BTCUSDC")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = c.Get(context.Background(), ex, "BTCUSDC")
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt64(&ex.calls))
}

func TestInvalidateForcesRefetch(t *testing.T) {
	ex := &countingExchange{Exchange: mockexchange.New("bybit")}
	ex.Filters["BTCUSDC"] = domain.SymbolFilters{Symbol: "BTCUSDC"}

	c := New(time.Hour)
	_, err := c.Get(context.Background(), ex, "BTCUSDC")
	require.NoError(t, err)
	c.Invalidate("bybit", "BTCUSDC")
	_, err = c.Get(context.Background(), ex, "BTCUSDC")
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt64(&ex.calls))
}

func TestConcurrentMissesCollapseIntoOneFetch(t *testing.T) {
	ex := &countingExchange{Exchange: mockexchange.New("bybit")}
	ex.Filters["BTCUSDC"] = domain.SymbolFilters{Symbol: "BTCUSDC"}

	c := New(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), ex, "BTCUSDC")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&ex.calls))
}

func TestGetPropagatesNotFound(t *testing.T) {
	ex := mockexchange.New("bybit")
	c := New(time.Hour)
	_, err := c.Get(context.Background(), ex, "UNKNOWN")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrNotFound, apperrors.Kind(err))
}
