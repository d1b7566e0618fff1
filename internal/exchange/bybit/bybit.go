// Package bybit implements core.Exchange against Bybit's v5 unified REST
// API, spot category. Grounded on the teacher's bybit.go: the HMAC
// request signing (timestamp + key + recv_window + body) and the v5
// error-code table are kept; the order/account/candle shapes are
// rewritten to return core's normalized result types instead of the
// teacher's protobuf Order/Account/Candle messages, since this module
// drops grpc/protobuf entirely (see DESIGN.md).
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nunzio993/cryptoBot/internal/config"
	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/internal/domain"
	"github.com/nunzio993/cryptoBot/internal/exchange/base"
	"github.com/nunzio993/cryptoBot/pkg/apperrors"
)

const (
	defaultBaseURL = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"
	category       = "spot"
	recvWindow     = "5000"
)

// intervalCodes maps domain.Interval onto Bybit's kline "interval" query
// parameter. Market has no candle counterpart and is never looked up.
var intervalCodes = map[domain.Interval]string{
	domain.Interval5m:    "5",
	domain.Interval15m:   "15",
	domain.Interval1h:    "60",
	domain.Interval4h:    "240",
	domain.IntervalDaily: "D",
}

// Exchange implements core.Exchange for Bybit spot.
type Exchange struct {
	*base.Adapter
}

// New builds a Bybit adapter. timeout bounds every operation per
// spec.md §4.B ("every operation has a bounded timeout").
func New(cfg config.ExchangeConfig, logger core.ILogger, timeout time.Duration) *Exchange {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.IsTestnet {
			baseURL = testnetBaseURL
		} else {
			baseURL = defaultBaseURL
		}
		cfg.BaseURL = baseURL
	}

	a := base.NewAdapter("bybit", cfg, logger, timeout)
	e := &Exchange{Adapter: a}
	a.SignRequest = e.signRequest
	a.ParseError = e.parseError
	a.MapOrderStatus = e.mapOrderStatus
	return e
}

func (e *Exchange) Name() string { return "bybit" }

// signRequest implements the v5 HMAC scheme: sign(timestamp + api_key +
// recv_window + queryStringOrBody) with the account secret.
func (e *Exchange) signRequest(req *http.Request, body []byte) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	signPayload := timestamp + string(e.Config.APIKey) + recvWindow
	if req.Method == http.MethodGet {
		signPayload += req.URL.RawQuery
	} else {
		signPayload += string(body)
	}

	mac := hmac.New(sha256.New, []byte(string(e.Config.SecretKey)))
	mac.Write([]byte(signPayload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", string(e.Config.APIKey))
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

// bybitEnvelope is the common v5 response wrapper.
type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// parseError maps a v5 retCode onto the apperrors taxonomy.
// https://bybit-exchange.github.io/docs/v5/error
func (e *Exchange) parseError(statusCode int, body []byte) error {
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: bybit error (unmarshal failed): %s", apperrors.ErrTransient, string(body))
	}
	switch env.RetCode {
	case 0:
		return nil
	case 10003, 10004:
		return apperrors.ErrAuthError
	case 10002:
		return apperrors.ErrFilterViolation
	case 10006:
		return apperrors.ErrRateLimited
	case 110001:
		return apperrors.ErrNotFound
	case 110007:
		return apperrors.ErrInsufficientBalance
	case 170193, 170194, 130006:
		return apperrors.ErrFilterViolation
	default:
		if statusCode >= 500 {
			return apperrors.ErrTransient
		}
		return fmt.Errorf("bybit error %d: %s", env.RetCode, env.RetMsg)
	}
}

// mapOrderStatus maps Bybit's orderStatus strings onto domain.OrderState.
func (e *Exchange) mapOrderStatus(raw string) domain.OrderState {
	switch raw {
	case "New", "Created", "PartiallyFilledCanceled":
		return domain.OrderStateNew
	case "PartiallyFilled":
		return domain.OrderStatePartial
	case "Filled":
		return domain.OrderStateFilled
	case "Cancelled", "Deactivated":
		return domain.OrderStateCancelled
	case "Rejected":
		return domain.OrderStateRejected
	default:
		return domain.OrderStateUnknown
	}
}

func (e *Exchange) get(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	u := e.Config.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	body, err := e.ExecuteRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding bybit response: %v", apperrors.ErrTransient, err)
	}
	if env.RetCode != 0 {
		return nil, e.parseError(http.StatusOK, body)
	}
	return env.Result, nil
}

func (e *Exchange) post(ctx context.Context, path string, payload map[string]interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	respBody, err := e.ExecuteRequest(ctx, http.MethodPost, e.Config.BaseURL+path, b)
	if err != nil {
		return nil, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding bybit response: %v", apperrors.ErrTransient, err)
	}
	if env.RetCode != 0 {
		return nil, e.parseError(http.StatusOK, respBody)
	}
	return env.Result, nil
}

// SpotPrice fetches the last traded price via /v5/market/tickers.
func (e *Exchange) SpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{"category": {category}, "symbol": {symbol}}
	result, err := e.get(ctx, "/v5/market/tickers", q)
	if err != nil {
		return decimal.Zero, err
	}
	var parsed struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return decimal.Zero, fmt.Errorf("%w: parsing tickers: %v", apperrors.ErrUnavailable, err)
	}
	if len(parsed.List) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no ticker data for %s", apperrors.ErrUnavailable, symbol)
	}
	price := e.ParseDecimal(parsed.List[0].LastPrice)
	if price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: non-positive price for %s", apperrors.ErrUnavailable, symbol)
	}
	return price, nil
}

// Balance fetches one asset's free/locked balance from the unified
// account wallet.
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

// AllAssets lists every coin balance in the unified trading account.
func (e *Exchange) AllAssets(ctx context.Context) ([]domain.Balance, error) {
	q := url.Values{"accountType": {"UNIFIED"}}
	result, err := e.get(ctx, "/v5/account/wallet-balance", q)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				Locked              string `json:"locked"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("%w: parsing wallet balance: %v", apperrors.ErrTransient, err)
	}
	var out []domain.Balance
	for _, acct := range parsed.List {
		for _, c := range acct.Coin {
			total := e.ParseDecimal(c.WalletBalance)
			locked := e.ParseDecimal(c.Locked)
			free := total.Sub(locked)
			if free.Sign() < 0 {
				free = decimal.Zero
			}
			out = append(out, domain.Balance{Asset: c.Coin, Free: free, Locked: locked})
		}
	}
	return out, nil
}

// LastClosedCandle fetches recent klines and returns the most recent one
// whose interval boundary has passed, per spec.md §4.B normalization
// rules (ascending by open_time; reverse if the exchange returns
// newest-first).
func (e *Exchange) LastClosedCandle(ctx context.Context, symbol string, interval domain.Interval) (domain.Candle, error) {
	code, ok := intervalCodes[interval]
	if !ok {
		return domain.Candle{}, fmt.Errorf("%w: no candle interval for %q", apperrors.ErrUnavailable, interval)
	}
	q := url.Values{"category": {category}, "symbol": {symbol}, "interval": {code}, "limit": {"5"}}
	result, err := e.get(ctx, "/v5/market/kline", q)
	if err != nil {
		return domain.Candle{}, err
	}
	var parsed struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return domain.Candle{}, fmt.Errorf("%w: parsing kline: %v", apperrors.ErrUnavailable, err)
	}

	candles := make([]domain.Candle, 0, len(parsed.List))
	for _, row := range parsed.List {
		if len(row) < 6 {
			continue
		}
		openMs, _ := strconv.ParseInt(row[0], 10, 64)
		candles = append(candles, domain.Candle{
			OpenTime: time.UnixMilli(openMs),
			Open:     e.ParseDecimal(row[1]),
			High:     e.ParseDecimal(row[2]),
			Low:      e.ParseDecimal(row[3]),
			Close:    e.ParseDecimal(row[4]),
			Volume:   e.ParseDecimal(row[5]),
		})
	}
	// Bybit returns klines newest-first; reverse to ascending by open_time.
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })

	candle, found := domain.LastClosedCandle(candles, interval, time.Now())
	if !found {
		return domain.Candle{}, fmt.Errorf("%w: no closed candle for %s/%s", apperrors.ErrUnavailable, symbol, interval)
	}
	return candle, nil
}

// SymbolFilters fetches lot_step/tick_size/min_notional via
// /v5/market/instruments-info.
func (e *Exchange) SymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	q := url.Values{"category": {category}, "symbol": {symbol}}
	result, err := e.get(ctx, "/v5/market/instruments-info", q)
	if err != nil {
		return domain.SymbolFilters{}, err
	}
	var parsed struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
				MinOrderQty   string `json:"minOrderQty"`
				QtyStep       string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			MinNotionalValue string `json:"minNotionalValue"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return domain.SymbolFilters{}, fmt.Errorf("%w: parsing instruments-info: %v", apperrors.ErrTransient, err)
	}
	if len(parsed.List) == 0 {
		return domain.SymbolFilters{}, fmt.Errorf("%w: symbol %s", apperrors.ErrNotFound, symbol)
	}
	info := parsed.List[0]
	minNotional := e.ParseDecimal(info.MinNotionalValue)
	if minNotional.Sign() == 0 {
		minNotional = decimal.NewFromInt(5) // Bybit spot's floor when unspecified.
	}
	return domain.SymbolFilters{
		Symbol:      symbol,
		LotStep:     e.ParseDecimal(info.LotSizeFilter.QtyStep),
		TickSize:    e.ParseDecimal(info.PriceFilter.TickSize),
		MinNotional: minNotional,
	}, nil
}

// PlaceMarketBuy places a spot market buy. qty must already be floored to
// lot_step by the caller (the lifecycle engine); this adapter re-checks
// defensively and returns FilterViolation without a wire call if it is
// non-positive.
func (e *Exchange) PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (core.MarketBuyResult, error) {
	if qty.Sign() <= 0 {
		return core.MarketBuyResult{}, apperrors.ErrFilterViolation
	}
	payload := map[string]interface{}{
		"category":  category,
		"symbol":    symbol,
		"side":      "Buy",
		"orderType": "Market",
		"qty":       qty.String(),
	}
	result, err := e.post(ctx, "/v5/order/create", payload)
	if err != nil {
		return core.MarketBuyResult{}, err
	}
	var parsed struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return core.MarketBuyResult{}, fmt.Errorf("%w: parsing order/create: %v", apperrors.ErrTransient, err)
	}
	// Bybit's order/create response does not include fill data, so report
	// NEW with a zero AvgFillPrice here; the lifecycle engine then falls
	// back to the spot price it read before the buy.
	return core.MarketBuyResult{
		OrderID:   parsed.OrderID,
		FilledQty: qty,
		Status:    domain.OrderStateNew,
	}, nil
}

// PlaceLimitSell installs a resting limit sell, pre-rounded by the caller
// to tick_size and floored to lot_step.
func (e *Exchange) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (core.LimitSellResult, error) {
	if qty.Sign() <= 0 || price.Sign() <= 0 {
		return core.LimitSellResult{}, apperrors.ErrFilterViolation
	}
	payload := map[string]interface{}{
		"category":  category,
		"symbol":    symbol,
		"side":      "Sell",
		"orderType": "Limit",
		"qty":       qty.String(),
		"price":     price.String(),
		"timeInForce": "GTC",
	}
	result, err := e.post(ctx, "/v5/order/create", payload)
	if err != nil {
		return core.LimitSellResult{}, err
	}
	var parsed struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return core.LimitSellResult{}, fmt.Errorf("%w: parsing order/create: %v", apperrors.ErrTransient, err)
	}
	return core.LimitSellResult{OrderID: parsed.OrderID, Status: domain.OrderStateNew}, nil
}

// PlaceMarketSell places an immediate spot market sell, used to close a
// position on SL hit, manual close, or flattening after external-sell
// detection.
func (e *Exchange) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (core.MarketSellResult, error) {
	if qty.Sign() <= 0 {
		return core.MarketSellResult{}, apperrors.ErrFilterViolation
	}
	payload := map[string]interface{}{
		"category":  category,
		"symbol":    symbol,
		"side":      "Sell",
		"orderType": "Market",
		"qty":       qty.String(),
	}
	result, err := e.post(ctx, "/v5/order/create", payload)
	if err != nil {
		return core.MarketSellResult{}, err
	}
	var parsed struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return core.MarketSellResult{}, fmt.Errorf("%w: parsing order/create: %v", apperrors.ErrTransient, err)
	}
	return core.MarketSellResult{OrderID: parsed.OrderID, FilledQty: qty, Status: domain.OrderStateNew}, nil
}

// CancelOrder cancels a resting order; Bybit's ErrNotFound (order already
// gone) is treated as a successful cancellation per spec.md §4.B.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	payload := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := e.post(ctx, "/v5/order/cancel", payload)
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
	q := url.Values{"category": {category}, "symbol": {symbol}}
	result, err := e.get(ctx, "/v5/order/realtime", q)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		List []struct {
			OrderID   string `json:"orderId"`
			Side      string `json:"side"`
			Price     string `json:"price"`
			Qty       string `json:"qty"`
			OrderType string `json:"orderType"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("%w: parsing order/realtime: %v", apperrors.ErrTransient, err)
	}
	out := make([]core.OpenOrder, 0, len(parsed.List))
	for _, o := range parsed.List {
		out = append(out, core.OpenOrder{
			OrderID: o.OrderID,
			Side:    strings.ToUpper(o.Side),
			Price:   e.ParseDecimal(o.Price),
			Qty:     e.ParseDecimal(o.Qty),
			Type:    strings.ToUpper(o.OrderType),
		})
	}
	return out, nil
}
