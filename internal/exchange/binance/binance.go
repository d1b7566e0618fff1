// Package binance implements core.Exchange against Binance's spot REST
// API. Grounded on the teacher's binance_spot.go: HMAC-over-querystring
// signing and the /api/v3 endpoint layout are kept; request/response
// shapes are rewritten to return core's normalized result types instead
// of the teacher's protobuf Order/Account messages (grpc/protobuf are
// dropped module-wide, see DESIGN.md).
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nunzio993/cryptoBot/internal/config"
	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/internal/domain"
	"github.com/nunzio993/cryptoBot/internal/exchange/base"
	"github.com/nunzio993/cryptoBot/pkg/apperrors"
	pkghttp "github.com/nunzio993/cryptoBot/pkg/http"
)

const (
	defaultBaseURL    = "https://api.binance.com"
	testnetBaseURL    = "https://testnet.binance.vision"
	defaultWSBaseURL  = "wss://stream.binance.com:9443"
	testnetWSBaseURL  = "wss://testnet.binance.vision"
)

// intervalCodes maps domain.Interval onto Binance's kline "interval"
// query parameter.
var intervalCodes = map[domain.Interval]string{
	domain.Interval5m:    "5m",
	domain.Interval15m:   "15m",
	domain.Interval1h:    "1h",
	domain.Interval4h:    "4h",
	domain.IntervalDaily: "1d",
}

// Exchange implements core.Exchange for Binance spot.
type Exchange struct {
	*base.Adapter

	wsBaseURL string

	candleMu    sync.RWMutex
	candleCache map[string]domain.Candle
}

// New builds a Binance adapter bounded by timeout on every call.
func New(cfg config.ExchangeConfig, logger core.ILogger, timeout time.Duration) *Exchange {
	baseURL := cfg.BaseURL
	wsBaseURL := defaultWSBaseURL
	if baseURL == "" {
		if cfg.IsTestnet {
			baseURL = testnetBaseURL
			wsBaseURL = testnetWSBaseURL
		} else {
			baseURL = defaultBaseURL
		}
		cfg.BaseURL = baseURL
	} else if cfg.IsTestnet {
		wsBaseURL = testnetWSBaseURL
	}

	a := base.NewAdapter("binance", cfg, logger, timeout)
	e := &Exchange{Adapter: a, wsBaseURL: wsBaseURL, candleCache: make(map[string]domain.Candle)}
	a.SignRequest = e.signRequest
	a.ParseError = e.parseError
	a.MapOrderStatus = e.mapOrderStatus
	return e
}

func (e *Exchange) Name() string { return "binance" }

// signRequest appends timestamp and HMAC-SHA256 signature query
// parameters, Binance's documented scheme for SIGNED endpoints.
func (e *Exchange) signRequest(req *http.Request, body []byte) error {
	q := req.URL.Query()
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	q.Set("recvWindow", "5000")

	mac := hmac.New(sha256.New, []byte(string(e.Config.SecretKey)))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-MBX-APIKEY", string(e.Config.APIKey))
	return nil
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// parseError maps a Binance error code onto the apperrors taxonomy.
// https://binance-docs.github.io/apidocs/spot/en/#error-codes
func (e *Exchange) parseError(statusCode int, body []byte) error {
	var berr binanceError
	if err := json.Unmarshal(body, &berr); err != nil {
		if statusCode >= 500 {
			return apperrors.ErrTransient
		}
		return fmt.Errorf("%w: binance error (unmarshal failed): %s", apperrors.ErrTransient, string(body))
	}
	switch berr.Code {
	case -1021, -1022, -2014, -2015:
		return apperrors.ErrAuthError
	case -1003:
		return apperrors.ErrRateLimited
	case -2010, -2011:
		return apperrors.ErrFilterViolation
	case -2013:
		return apperrors.ErrNotFound
	case -1013:
		return apperrors.ErrFilterViolation
	default:
		if statusCode == http.StatusTooManyRequests || statusCode == 418 {
			return apperrors.ErrRateLimited
		}
		if statusCode >= 500 {
			return apperrors.ErrTransient
		}
		return fmt.Errorf("binance error %d: %s", berr.Code, berr.Msg)
	}
}

func (e *Exchange) mapOrderStatus(raw string) domain.OrderState {
	switch raw {
	case "NEW", "PENDING_NEW":
		return domain.OrderStateNew
	case "PARTIALLY_FILLED":
		return domain.OrderStatePartial
	case "FILLED":
		return domain.OrderStateFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStateCancelled
	case "REJECTED":
		return domain.OrderStateRejected
	default:
		return domain.OrderStateUnknown
	}
}

func (e *Exchange) getSigned(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if q == nil {
		q = url.Values{}
	}
	u := e.Config.BaseURL + path + "?" + q.Encode()
	return e.ExecuteRequest(ctx, http.MethodGet, u, nil)
}

// execute runs req through the resilient pkg/http client shared with
// ExecuteRequest, translating a non-2xx response into a classified
// pkg/apperrors value via parseError.
func (e *Exchange) execute(req *http.Request) ([]byte, error) {
	body, err := e.HTTPClient.ExecuteRequest(req)
	if err != nil {
		var apiErr *pkghttp.APIError
		if errors.As(err, &apiErr) {
			return nil, e.parseError(apiErr.StatusCode, apiErr.Body)
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
	}
	return body, nil
}

func (e *Exchange) getPublic(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := e.Config.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return e.execute(req)
}

func (e *Exchange) postSigned(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := e.Config.BaseURL + path
	if q == nil {
		q = url.Values{}
	}
	// Binance signs POST params as query string, not as a JSON body.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.URL.RawQuery = q.Encode()
	if err := e.signRequest(req, nil); err != nil {
		return nil, err
	}
	return e.execute(req)
}

func (e *Exchange) deleteSigned(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := e.Config.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.URL.RawQuery = q.Encode()
	if err := e.signRequest(req, nil); err != nil {
		return nil, err
	}
	return e.execute(req)
}

// SpotPrice fetches the latest traded price.
func (e *Exchange) SpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := e.getPublic(ctx, "/api/v3/ticker/price", url.Values{"symbol": {symbol}})
	if err != nil {
		return decimal.Zero, err
	}
	var parsed struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return decimal.Zero, fmt.Errorf("%w: parsing ticker/price: %v", apperrors.ErrUnavailable, err)
	}
	price := e.ParseDecimal(parsed.Price)
	if price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: non-positive price for %s", apperrors.ErrUnavailable, symbol)
	}
	return price, nil
}

// Balance returns one asset's free/locked balance from the spot account.
func (e *Exchange) Balance(ctx context.Context, asset string) (domain.Balance, error) {
	all, err := e.AllAssets(ctx)
	if err != nil {
		return domain.Balance{}, err
	}
	for _, b := range all {
		if strings.EqualFold(b.Asset, asset) {
			return b, nil
		}
	}
	return domain.Balance{Asset: asset, Free: decimal.Zero, Locked: decimal.Zero}, nil
}

// AllAssets lists every non-dust balance on the spot account.
func (e *Exchange) AllAssets(ctx context.Context) ([]domain.Balance, error) {
	body, err := e.getSigned(ctx, "/api/v3/account", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: parsing account: %v", apperrors.ErrTransient, err)
	}
	out := make([]domain.Balance, 0, len(parsed.Balances))
	for _, b := range parsed.Balances {
		out = append(out, domain.Balance{
			Asset:  b.Asset,
			Free:   e.ParseDecimal(b.Free),
			Locked: e.ParseDecimal(b.Locked),
		})
	}
	return out, nil
}

// candleCacheKey identifies one symbol/interval pair in candleCache.
func candleCacheKey(symbol string, interval domain.Interval) string {
	return symbol + "|" + string(interval)
}

// klineStreamEvent is the subset of Binance's single-stream kline push
// message (wss://stream.binance.com:9443/ws/<symbol>@kline_<interval>) this
// adapter needs: the nested "k" object carries the bar itself plus an "x"
// flag that is true once the bar has closed.
type klineStreamEvent struct {
	Kline struct {
		OpenTimeMs int64  `json:"t"`
		Open       string `json:"o"`
		High       string `json:"h"`
		Low        string `json:"l"`
		Close      string `json:"c"`
		Volume     string `json:"v"`
		Closed     bool   `json:"x"`
	} `json:"k"`
}

// StartCandleStream subscribes to symbol's interval kline stream and keeps
// candleCache warm with the latest closed bar, so LastClosedCandle can
// answer from memory between REST polls instead of hitting /api/v3/klines
// on every fast tick. Optional: the lifecycle engine works correctly
// without it, just at the cost of one REST round-trip per tick per symbol.
func (e *Exchange) StartCandleStream(ctx context.Context, symbol string, interval domain.Interval) error {
	code, ok := intervalCodes[interval]
	if !ok {
		return fmt.Errorf("%w: no candle interval for %q", apperrors.ErrUnavailable, interval)
	}
	stream := strings.ToLower(symbol) + "@kline_" + code
	wsURL := e.wsBaseURL + "/ws/" + stream

	e.StartWebSocketStream(ctx, wsURL, func(raw []byte) {
		e.handleKlinePush(symbol, interval, raw)
	}, nil, stream)
	return nil
}

// handleKlinePush decodes one kline push message and, if it reports a
// closed bar, refreshes candleCache. Split out from StartCandleStream's
// websocket callback so the decode/cache logic is unit-testable without a
// live connection.
func (e *Exchange) handleKlinePush(symbol string, interval domain.Interval, raw []byte) {
	var evt klineStreamEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		e.Logger.Warn("discarding malformed kline push", "symbol", symbol, "error", err)
		return
	}
	if !evt.Kline.Closed {
		return
	}
	candle := domain.Candle{
		OpenTime: time.UnixMilli(evt.Kline.OpenTimeMs),
		Open:     e.ParseDecimal(evt.Kline.Open),
		High:     e.ParseDecimal(evt.Kline.High),
		Low:      e.ParseDecimal(evt.Kline.Low),
		Close:    e.ParseDecimal(evt.Kline.Close),
		Volume:   e.ParseDecimal(evt.Kline.Volume),
	}
	e.candleMu.Lock()
	e.candleCache[candleCacheKey(symbol, interval)] = candle
	e.candleMu.Unlock()
}

func (e *Exchange) cachedClosedCandle(symbol string, interval domain.Interval) (domain.Candle, bool) {
	e.candleMu.RLock()
	candle, ok := e.candleCache[candleCacheKey(symbol, interval)]
	e.candleMu.RUnlock()
	if !ok || !candle.IsClosed(interval, time.Now()) {
		return domain.Candle{}, false
	}
	return candle, true
}

// LastClosedCandle answers from candleCache when StartCandleStream has
// already warmed it; otherwise it fetches recent klines (Binance returns
// them ascending by open time already) and returns the most recent one
// whose interval boundary has passed.
func (e *Exchange) LastClosedCandle(ctx context.Context, symbol string, interval domain.Interval) (domain.Candle, error) {
	if candle, ok := e.cachedClosedCandle(symbol, interval); ok {
		return candle, nil
	}

	code, ok := intervalCodes[interval]
	if !ok {
		return domain.Candle{}, fmt.Errorf("%w: no candle interval for %q", apperrors.ErrUnavailable, interval)
	}
	q := url.Values{"symbol": {symbol}, "interval": {code}, "limit": {"5"}}
	body, err := e.getPublic(ctx, "/api/v3/klines", q)
	if err != nil {
		return domain.Candle{}, err
	}
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Candle{}, fmt.Errorf("%w: parsing klines: %v", apperrors.ErrUnavailable, err)
	}

	candles := make([]domain.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		openMs := int64(row[0].(float64))
		candles = append(candles, domain.Candle{
			OpenTime: time.UnixMilli(openMs),
			Open:     e.ParseDecimal(fmt.Sprint(row[1])),
			High:     e.ParseDecimal(fmt.Sprint(row[2])),
			Low:      e.ParseDecimal(fmt.Sprint(row[3])),
			Close:    e.ParseDecimal(fmt.Sprint(row[4])),
			Volume:   e.ParseDecimal(fmt.Sprint(row[5])),
		})
	}

	candle, found := domain.LastClosedCandle(candles, interval, time.Now())
	if !found {
		return domain.Candle{}, fmt.Errorf("%w: no closed candle for %s/%s", apperrors.ErrUnavailable, symbol, interval)
	}
	return candle, nil
}

// SymbolFilters fetches lot_step/tick_size/min_notional from the public
// exchange-info endpoint.
func (e *Exchange) SymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	body, err := e.getPublic(ctx, "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}})
	if err != nil {
		return domain.SymbolFilters{}, err
	}
	var parsed struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
				Notional    string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.SymbolFilters{}, fmt.Errorf("%w: parsing exchangeInfo: %v", apperrors.ErrTransient, err)
	}
	if len(parsed.Symbols) == 0 {
		return domain.SymbolFilters{}, fmt.Errorf("%w: symbol %s", apperrors.ErrNotFound, symbol)
	}
	filters := domain.SymbolFilters{Symbol: symbol}
	for _, f := range parsed.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			filters.LotStep = e.ParseDecimal(f.StepSize)
		case "PRICE_FILTER":
			filters.TickSize = e.ParseDecimal(f.TickSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			if f.MinNotional != "" {
				filters.MinNotional = e.ParseDecimal(f.MinNotional)
			} else if f.Notional != "" {
				filters.MinNotional = e.ParseDecimal(f.Notional)
			}
		}
	}
	return filters, nil
}

// PlaceMarketBuy places a spot market buy for the given base-asset
// quantity (quoteOrderQty is intentionally not used: the caller always
// pre-floors a base-asset qty to lot_step per spec.md §4.B).
func (e *Exchange) PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (core.MarketBuyResult, error) {
	if qty.Sign() <= 0 {
		return core.MarketBuyResult{}, apperrors.ErrFilterViolation
	}
	q := url.Values{
		"symbol":   {symbol},
		"side":     {"BUY"},
		"type":     {"MARKET"},
		"quantity": {qty.String()},
	}
	body, err := e.postSigned(ctx, "/api/v3/order", q)
	if err != nil {
		return core.MarketBuyResult{}, err
	}
	return e.parseOrderResponse(body)
}

// PlaceLimitSell installs a resting GTC limit sell.
func (e *Exchange) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (core.LimitSellResult, error) {
	if qty.Sign() <= 0 || price.Sign() <= 0 {
		return core.LimitSellResult{}, apperrors.ErrFilterViolation
	}
	q := url.Values{
		"symbol":      {symbol},
		"side":        {"SELL"},
		"type":        {"LIMIT"},
		"timeInForce": {"GTC"},
		"quantity":    {qty.String()},
		"price":       {price.String()},
	}
	body, err := e.postSigned(ctx, "/api/v3/order", q)
	if err != nil {
		return core.LimitSellResult{}, err
	}
	result, err := e.parseOrderResponse(body)
	if err != nil {
		return core.LimitSellResult{}, err
	}
	return core.LimitSellResult{OrderID: result.OrderID, Status: result.Status}, nil
}

// PlaceMarketSell places an immediate spot market sell.
func (e *Exchange) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (core.MarketSellResult, error) {
	if qty.Sign() <= 0 {
		return core.MarketSellResult{}, apperrors.ErrFilterViolation
	}
	q := url.Values{
		"symbol":   {symbol},
		"side":     {"SELL"},
		"type":     {"MARKET"},
		"quantity": {qty.String()},
	}
	body, err := e.postSigned(ctx, "/api/v3/order", q)
	if err != nil {
		return core.MarketSellResult{}, err
	}
	result, err := e.parseOrderResponse(body)
	if err != nil {
		return core.MarketSellResult{}, err
	}
	return core.MarketSellResult{OrderID: result.OrderID, FilledQty: result.FilledQty, AvgFillPrice: result.AvgFillPrice, Status: result.Status}, nil
}

func (e *Exchange) parseOrderResponse(body []byte) (core.MarketBuyResult, error) {
	var parsed struct {
		OrderID int64  `json:"orderId"`
		Status  string `json:"status"`
		Fills   []struct {
			Price string `json:"price"`
			Qty   string `json:"qty"`
		} `json:"fills"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return core.MarketBuyResult{}, fmt.Errorf("%w: parsing order response: %v", apperrors.ErrTransient, err)
	}

	filledQty := e.ParseDecimal(parsed.ExecutedQty)
	avgPrice := decimal.Zero
	if len(parsed.Fills) > 0 {
		var notional decimal.Decimal
		var totalQty decimal.Decimal
		for _, f := range parsed.Fills {
			p := e.ParseDecimal(f.Price)
			q := e.ParseDecimal(f.Qty)
			notional = notional.Add(p.Mul(q))
			totalQty = totalQty.Add(q)
		}
		if totalQty.Sign() > 0 {
			avgPrice = notional.Div(totalQty)
		}
	}

	return core.MarketBuyResult{
		OrderID:      strconv.FormatInt(parsed.OrderID, 10),
		FilledQty:    filledQty,
		AvgFillPrice: avgPrice,
		Status:       e.SafeMapOrderStatus(parsed.Status),
	}, nil
}

// CancelOrder cancels a resting order by exchange order ID.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	q := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	_, err := e.deleteSigned(ctx, "/api/v3/order", q)
	if err != nil {
		if apperrors.Kind(err) == apperrors.ErrNotFound {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// ListOpenOrders lists resting orders for a symbol.
func (e *Exchange) ListOpenOrders(ctx context.Context, symbol string) ([]core.OpenOrder, error) {
	body, err := e.getSigned(ctx, "/api/v3/openOrders", url.Values{"symbol": {symbol}})
	if err != nil {
		return nil, err
	}
	var parsed []struct {
		OrderID int64  `json:"orderId"`
		Side    string `json:"side"`
		Price   string `json:"price"`
		Qty     string `json:"origQty"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: parsing openOrders: %v", apperrors.ErrTransient, err)
	}
	out := make([]core.OpenOrder, 0, len(parsed))
	for _, o := range parsed {
		out = append(out, core.OpenOrder{
			OrderID: strconv.FormatInt(o.OrderID, 10),
			Side:    strings.ToUpper(o.Side),
			Price:   e.ParseDecimal(o.Price),
			Qty:     e.ParseDecimal(o.Qty),
			Type:    strings.ToUpper(o.Type),
		})
	}
	return out, nil
}
