package durable

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/internal/domain"
	"github.com/nunzio993/cryptoBot/internal/exchange/mockexchange"
	"github.com/nunzio993/cryptoBot/internal/repository"
	"github.com/nunzio993/cryptoBot/internal/symbolcache"
	"github.com/nunzio993/cryptoBot/pkg/logging"
)

// stubRegistry is the durable.ExchangeRegistry used by the workflow
// tests, the same shape as internal/lifecycle.StaticRegistry kept local
// so this package stays independent of internal/lifecycle.
type stubRegistry map[string]core.Exchange

func (r stubRegistry) Get(exchangeID string) (core.Exchange, bool) {
	ex, ok := r[exchangeID]
	return ex, ok
}

// MockDBOSContext drives RunAsStep by actually executing the step
// function (to trigger its real side effects against the test's
// repo/exchange/cache doubles) and then returning the canned result at
// the matching index, mirroring the teacher's
// internal/engine/durable/workflow_test.go MockDBOSContext.
type MockDBOSContext struct {
	dbos.DBOSContext
	StepResults []any
	StepErrors  []error
	StepIndex   int
}

func (m *MockDBOSContext) RunAsStep(ctx dbos.DBOSContext, fn dbos.StepFunc, opts ...dbos.StepOption) (any, error) {
	if m.StepIndex >= len(m.StepResults) {
		return nil, fmt.Errorf("unexpected step call at index %d", m.StepIndex)
	}
	_, _ = fn(context.Background())

	res := m.StepResults[m.StepIndex]
	err := m.StepErrors[m.StepIndex]
	m.StepIndex++
	return res, err
}

func testLogger(t *testing.T) core.ILogger {
	t.Helper()
	logger, err := logging.NewZapLogger("DEBUG")
	require.NoError(t, err)
	return logger
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedOrder(t *testing.T, repo core.Repository, tp *decimal.Decimal) domain.Order {
	t.Helper()
	now := time.Now()
	order := domain.Order{
		ID:            uuid.New(),
		UserID:        "u1",
		ExchangeID:    "binance-1",
		Symbol:        "BTCUSDC",
		Side:          domain.SideLong,
		Quantity:      d("0.01"),
		EntryPrice:    d("91000"),
		MaxEntry:      d("92000"),
		EntryInterval: domain.IntervalMarket,
		TakeProfit:    tp,
		StopInterval:  domain.IntervalMarket,
		Status:        domain.StatusInExecution,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, repo.Create(context.Background(), order))
	return order
}

func TestPlaceAndInstallTPHappyPath(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	tp := d("95000")
	order := seedOrder(t, repo, &tp)

	ex := mockexchange.New("binance-1")
	ex.Filters["BTCUSDC"] = domain.SymbolFilters{
		Symbol:      "BTCUSDC",
		LotStep:     d("0.0001"),
		TickSize:    d("0.5"),
		MinNotional: d("5"),
	}
	registry := stubRegistry{"binance-1": ex}
	cache := symbolcache.New(time.Hour)

	w := NewPlacementWorkflows(repo, registry, cache, testLogger(t))

	input := PlacementInput{
		OrderID:    order.ID,
		ExchangeID: "binance-1",
		Symbol:     "BTCUSDC",
		Quantity:   d("0.01"),
		TakeProfit: &tp,
		SellBuffer: d("0.001"),
	}

	mockCtx := &MockDBOSContext{
		StepResults: []any{
			core.MarketBuyResult{OrderID: "buy-1", FilledQty: d("0.01"), AvgFillPrice: d("91450")}, // place_market_buy
			domain.Order{}, // persist_executed
			"tp-1",         // install_tp
			domain.Order{}, // persist_tp_order_id
		},
		StepErrors: []error{nil, nil, nil, nil},
	}

	result, err := w.PlaceAndInstallTP(mockCtx, input)
	require.NoError(t, err)
	assert.Nil(t, result)

	assert.Len(t, ex.PlacedBuys, 1)
	assert.True(t, ex.PlacedBuys[0].Qty.Equal(d("0.01")))
	assert.Len(t, ex.PlacedSells, 1)
	assert.True(t, ex.PlacedSells[0].Price.Equal(d("95000")))

	stored, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, "tp-1", stored.TPOrderID)
}

func TestPlaceAndInstallTPSkipsTPStepWhenNoTakeProfit(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	order := seedOrder(t, repo, nil)

	ex := mockexchange.New("binance-1")
	registry := stubRegistry{"binance-1": ex}
	cache := symbolcache.New(time.Hour)

	w := NewPlacementWorkflows(repo, registry, cache, testLogger(t))

	input := PlacementInput{
		OrderID:    order.ID,
		ExchangeID: "binance-1",
		Symbol:     "BTCUSDC",
		Quantity:   d("0.01"),
		SellBuffer: d("0.001"),
	}

	mockCtx := &MockDBOSContext{
		StepResults: []any{
			core.MarketBuyResult{OrderID: "buy-1", FilledQty: d("0.01"), AvgFillPrice: d("91450")},
			domain.Order{},
		},
		StepErrors: []error{nil, nil},
	}

	result, err := w.PlaceAndInstallTP(mockCtx, input)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Empty(t, ex.PlacedSells)
}

func TestPlaceAndInstallTPUnknownExchangeFailsBeforeAnyStep(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	order := seedOrder(t, repo, nil)
	registry := stubRegistry{}
	cache := symbolcache.New(time.Hour)

	w := NewPlacementWorkflows(repo, registry, cache, testLogger(t))

	input := PlacementInput{OrderID: order.ID, ExchangeID: "missing", Symbol: "BTCUSDC", Quantity: d("0.01")}
	mockCtx := &MockDBOSContext{}

	_, err := w.PlaceAndInstallTP(mockCtx, input)
	assert.Error(t, err)
	assert.Equal(t, 0, mockCtx.StepIndex)
}

func TestPlaceAndInstallTPPropagatesPlacementStepFailure(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	tp := d("95000")
	order := seedOrder(t, repo, &tp)

	ex := mockexchange.New("binance-1")
	registry := stubRegistry{"binance-1": ex}
	cache := symbolcache.New(time.Hour)

	w := NewPlacementWorkflows(repo, registry, cache, testLogger(t))

	input := PlacementInput{
		OrderID:    order.ID,
		ExchangeID: "binance-1",
		Symbol:     "BTCUSDC",
		Quantity:   d("0.01"),
		TakeProfit: &tp,
		SellBuffer: d("0.001"),
	}

	mockCtx := &MockDBOSContext{
		StepResults: []any{nil},
		StepErrors:  []error{fmt.Errorf("exchange unavailable")},
	}

	_, err := w.PlaceAndInstallTP(mockCtx, input)
	assert.Error(t, err)
}
