package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nunzio993/cryptoBot/internal/clock"
	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/internal/domain"
	"github.com/nunzio993/cryptoBot/internal/exchange/mockexchange"
	"github.com/nunzio993/cryptoBot/internal/repository"
	"github.com/nunzio993/cryptoBot/internal/symbolcache"
	"github.com/nunzio993/cryptoBot/pkg/logging"
)

type staticRegistry map[string]core.Exchange

func (r staticRegistry) Get(exchangeID string) (core.Exchange, bool) {
	ex, ok := r[exchangeID]
	return ex, ok
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(ctx context.Context, userID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger(t *testing.T) core.ILogger {
	t.Helper()
	l, err := logging.NewZapLogger("DEBUG")
	require.NoError(t, err)
	return l
}

func testFilters() domain.SymbolFilters {
	return domain.SymbolFilters{
		Symbol:      "BTCUSDC",
		LotStep:     d("0.0001"),
		TickSize:    d("0.01"),
		MinNotional: d("10"),
	}
}

func newTestWorker(t *testing.T, ex *mockexchange.Exchange, staleThreshold time.Duration) (*Worker, *repository.InMemoryRepository, *recordingNotifier, *clock.Fake) {
	t.Helper()
	repo := repository.NewInMemoryRepository()
	cache := symbolcache.New(time.Hour)
	notifier := &recordingNotifier{}
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	w := New(repo, staticRegistry{"bybit": ex}, cache, notifier, fake, testLogger(t), staleThreshold, d("0.001"))
	return w, repo, notifier, fake
}

func executedOrder(ex string, tpOrderID string) domain.Order {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	executedAt := now
	price := d("90000")
	tp := d("95000")
	sl := d("85000")
	return domain.Order{
		ID:            uuid.New(),
		UserID:        "user-1",
		ExchangeID:    ex,
		Symbol:        "BTCUSDC",
		Side:          domain.SideLong,
		Quantity:      d("0.01"),
		EntryPrice:    price,
		MaxEntry:      price,
		EntryInterval: domain.IntervalMarket,
		TakeProfit:    &tp,
		StopLoss:      &sl,
		StopInterval:  domain.Interval1h,
		Status:        domain.StatusExecuted,
		ExecutedPrice: &price,
		ExecutedAt:    &executedAt,
		TPOrderID:     tpOrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func inExecutionOrder(ex string) domain.Order {
	o := executedOrder(ex, "")
	o.Status = domain.StatusInExecution
	o.ExecutedPrice = nil
	o.ExecutedAt = nil
	return o
}

func TestReconcileStaleInExecutionRecoversWhenBalancePresent(t *testing.T) {
	ex := mockexchange.New("bybit")
	ex.Assets["BTC"] = domain.Balance{Asset: "BTC", Free: d("0.01")}
	ex.Prices["BTCUSDC"] = d("91000")

	w, repo, notifier, fake := newTestWorker(t, ex, time.Minute)
	order := inExecutionOrder("bybit")
	require.NoError(t, repo.Create(context.Background(), order))

	fake.Advance(2 * time.Minute)
	w.Run(context.Background())

	got, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, got.Status)
	require.NotNil(t, got.ExecutedPrice)
	assert.True(t, got.ExecutedPrice.Equal(d("91000")))
	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, 1, w.LastResult().StaleRecovered)
}

func TestReconcileStaleInExecutionRestoresWhenBalanceAbsent(t *testing.T) {
	ex := mockexchange.New("bybit")
	// no BTC balance: the market buy never happened.

	w, repo, _, fake := newTestWorker(t, ex, time.Minute)
	order := inExecutionOrder("bybit")
	require.NoError(t, repo.Create(context.Background(), order))

	fake.Advance(2 * time.Minute)
	w.Run(context.Background())

	got, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestReconcileStaleInExecutionIgnoredBeforeThreshold(t *testing.T) {
	ex := mockexchange.New("bybit")
	w, repo, _, fake := newTestWorker(t, ex, time.Hour)
	order := inExecutionOrder("bybit")
	require.NoError(t, repo.Create(context.Background(), order))

	fake.Advance(time.Second)
	w.Run(context.Background())

	got, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInExecution, got.Status)
}

func TestReconcileTPFillClosesOrder(t *testing.T) {
	ex := mockexchange.New("bybit")
	// TP order no longer resting (filled); base balance is gone too.
	ex.Assets["BTC"] = domain.Balance{Asset: "BTC", Free: d("0")}

	w, repo, notifier, _ := newTestWorker(t, ex, time.Minute)
	order := executedOrder("bybit", "tp-1")
	require.NoError(t, repo.Create(context.Background(), order))

	w.Run(context.Background())

	got, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosedTP, got.Status)
	require.NotNil(t, got.ClosedAt)
	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, 1, w.LastResult().TPReconciled)
}

func TestReconcileTPExternallyCancelledIsRePlaced(t *testing.T) {
	ex := mockexchange.New("bybit")
	ex.Filters["BTCUSDC"] = testFilters()
	// TP order gone but base balance still intact: someone cancelled the
	// resting sell without selling the asset.
	ex.Assets["BTC"] = domain.Balance{Asset: "BTC", Free: d("0.01")}

	w, repo, notifier, _ := newTestWorker(t, ex, time.Minute)
	order := executedOrder("bybit", "tp-1")
	require.NoError(t, repo.Create(context.Background(), order))

	w.Run(context.Background())

	got, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, got.Status)
	assert.NotEqual(t, "tp-1", got.TPOrderID)
	assert.NotEmpty(t, got.TPOrderID)
	assert.Len(t, ex.OpenOrders["BTCUSDC"], 1)
	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, 1, w.LastResult().TPReconciled)
}

func TestReconcileTPStillRestingIsLeftAlone(t *testing.T) {
	ex := mockexchange.New("bybit")
	ex.OpenOrders["BTCUSDC"] = []core.OpenOrder{{OrderID: "tp-1", Side: "SELL", Price: d("95000"), Qty: d("0.01"), Type: "LIMIT"}}
	ex.Assets["BTC"] = domain.Balance{Asset: "BTC", Free: d("0.01")}

	w, repo, notifier, _ := newTestWorker(t, ex, time.Minute)
	order := executedOrder("bybit", "tp-1")
	require.NoError(t, repo.Create(context.Background(), order))

	w.Run(context.Background())

	got, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, got.Status)
	assert.Equal(t, "tp-1", got.TPOrderID)
	assert.Equal(t, 0, notifier.count())
}

func TestReconcileExternalSellSweepClosesOrderWithoutTP(t *testing.T) {
	ex := mockexchange.New("bybit")
	// no TPOrderID set, and base asset is gone: a manual external sell.
	ex.Assets["BTC"] = domain.Balance{Asset: "BTC", Free: d("0")}

	w, repo, notifier, _ := newTestWorker(t, ex, time.Minute)
	order := executedOrder("bybit", "")
	require.NoError(t, repo.Create(context.Background(), order))

	w.Run(context.Background())

	got, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosedExternally, got.Status)
	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, 1, w.LastResult().ExternalSellsDetected)
}

func TestReconcileExternalSellSweepLeavesIntactPositionAlone(t *testing.T) {
	ex := mockexchange.New("bybit")
	ex.Assets["BTC"] = domain.Balance{Asset: "BTC", Free: d("0.01")}

	w, repo, notifier, _ := newTestWorker(t, ex, time.Minute)
	order := executedOrder("bybit", "")
	require.NoError(t, repo.Create(context.Background(), order))

	w.Run(context.Background())

	got, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, got.Status)
	assert.Equal(t, 0, notifier.count())
}
