package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nunzio993/cryptoBot/internal/config"
	"github.com/nunzio993/cryptoBot/internal/domain"
	"github.com/nunzio993/cryptoBot/pkg/apperrors"
	"github.com/nunzio993/cryptoBot/pkg/logging"
)

func newTestExchange(t *testing.T, srv *httptest.Server) *Exchange {
	t.Helper()
	logger, err := logging.NewZapLogger("DEBUG")
	require.NoError(t, err)
	cfg := config.ExchangeConfig{
		Exchange:  "binance",
		APIKey:    "test-key",
		SecretKey: "test-secret",
		BaseURL:   srv.URL,
	}
	return New(cfg, logger, 2*time.Second)
}

func TestSpotPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		fmt.Fprint(w, `{"symbol":"BTCUSDC","price":"91450.50"}`)
	}))
	defer srv.Close()

	e := newTestExchange(t, srv)
	price, err := e.SpotPrice(context.Background(), "BTCUSDC")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("91450.50")))
}

func TestLastClosedCandleAscending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		fmt.Fprint(w, `[
			[1000000000000,"91000","91200","90900","91100","12",1000299999],
			[1000300000000,"91600","91700","91500","91650","10",1000599999]
		]`)
	}))
	defer srv.Close()

	e := newTestExchange(t, srv)
	candle, err := e.LastClosedCandle(context.Background(), "BTCUSDC", domain.Interval5m)
	require.NoError(t, err)
	assert.True(t, candle.Close.Equal(decimal.RequireFromString("91650")))
}

func TestPlaceMarketBuySignsQueryString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		fmt.Fprint(w, `{"orderId":123456,"status":"FILLED","executedQty":"0.001","fills":[{"price":"91450","qty":"0.001"}]}`)
	}))
	defer srv.Close()

	e := newTestExchange(t, srv)
	result, err := e.PlaceMarketBuy(context.Background(), "BTCUSDC", decimal.RequireFromString("0.001"))
	require.NoError(t, err)
	assert.Equal(t, "123456", result.OrderID)
	assert.True(t, result.AvgFillPrice.Equal(decimal.RequireFromString("91450")))
}

func TestPlaceMarketBuyRejectsNonPositiveQty(t *testing.T) {
	e := newTestExchange(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("must not hit the wire for a non-positive quantity")
	})))
	_, err := e.PlaceMarketBuy(context.Background(), "BTCUSDC", decimal.Zero)
	require.ErrorIs(t, err, apperrors.ErrFilterViolation)
}

func TestCancelOrderTreatsUnknownOrderAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2013,"msg":"Order does not exist."}`)
	}))
	defer srv.Close()

	e := newTestExchange(t, srv)
	cancelled, err := e.CancelOrder(context.Background(), "BTCUSDC", "gone")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestAuthErrorIsNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"code":-2015,"msg":"Invalid API-key"}`)
	}))
	defer srv.Close()

	e := newTestExchange(t, srv)
	_, err := e.AllAssets(context.Background())
	require.Error(t, err)
	assert.False(t, apperrors.IsTransient(err))
	assert.Equal(t, apperrors.ErrAuthError, apperrors.Kind(err))
}

func TestRateLimitedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"code":-1003,"msg":"Too many requests"}`)
	}))
	defer srv.Close()

	e := newTestExchange(t, srv)
	_, err := e.SpotPrice(context.Background(), "BTCUSDC")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestHandleKlinePushWarmsCandleCacheAndSkipsRESTFetch(t *testing.T) {
	e := newTestExchange(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("must not hit the wire once the candle cache is warm")
	})))

	pushTimeMs := time.Now().Add(-time.Hour).UnixMilli()
	push := fmt.Sprintf(`{"k":{"t":%d,"o":"91000","h":"91700","l":"90900","c":"91650","v":"12","x":true}}`, pushTimeMs)
	e.handleKlinePush("BTCUSDC", domain.Interval5m, []byte(push))

	candle, err := e.LastClosedCandle(context.Background(), "BTCUSDC", domain.Interval5m)
	require.NoError(t, err)
	assert.True(t, candle.Close.Equal(decimal.RequireFromString("91650")))
}

func TestHandleKlinePushIgnoresUnclosedBar(t *testing.T) {
	e := newTestExchange(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[[1000000000000,"91000","91200","90900","91100","12",1000299999]]`)
	})))

	push := `{"k":{"t":1700000000000,"o":"91000","h":"91700","l":"90900","c":"91650","v":"12","x":false}}`
	e.handleKlinePush("BTCUSDC", domain.Interval5m, []byte(push))

	_, ok := e.cachedClosedCandle("BTCUSDC", domain.Interval5m)
	assert.False(t, ok, "an unclosed bar must never populate the cache")
}
