// Package base provides common scaffolding shared by every exchange
// adapter: HTTP execution, decimal/timestamp parsing, and pluggable
// exchange-specific signing/error-parsing/status-mapping hooks.
package base

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nunzio993/cryptoBot/internal/config"
	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/internal/domain"
	"github.com/nunzio993/cryptoBot/pkg/apperrors"
	pkghttp "github.com/nunzio993/cryptoBot/pkg/http"
	"github.com/nunzio993/cryptoBot/pkg/websocket"

	"github.com/shopspring/decimal"
)

// SignRequestFunc signs an outgoing request with exchange-specific
// credentials (query-string HMAC for Binance, header HMAC for Bybit).
type SignRequestFunc func(req *http.Request, body []byte) error

// ParseErrorFunc turns a non-2xx response body into a classified error
// from pkg/apperrors.
type ParseErrorFunc func(statusCode int, body []byte) error

// MapOrderStatusFunc maps an exchange-native order status string onto
// domain.OrderState.
type MapOrderStatusFunc func(rawStatus string) domain.OrderState

// Adapter provides common functionality for all exchange adapters. A
// concrete adapter embeds *Adapter and sets the three hooks above in its
// constructor.
type Adapter struct {
	Name       string
	Config     config.ExchangeConfig
	Logger     core.ILogger
	HTTPClient *pkghttp.Client

	SignRequest    SignRequestFunc
	ParseError     ParseErrorFunc
	MapOrderStatus MapOrderStatusFunc
}

// NewAdapter creates a new base adapter with common configuration.
// HTTPClient is pkg/http's resilient client (failsafe-go retry and
// circuit breaker, OTel tracing/metrics) rather than a bare *http.Client:
// every exchange call is a suspension point per spec.md §4.B, and the
// same retry/circuit-breaker policy that protects the notification
// webhook protects exchange reads and writes too. baseURL is left empty
// and signer nil because each adapter builds and signs its own full
// request (Binance query-string HMAC, Bybit header HMAC) before calling
// ExecuteRequest, which bypasses pkg/http's baseURL/signer convenience
// path and just runs the request through the resilience pipeline.
func NewAdapter(name string, cfg config.ExchangeConfig, logger core.ILogger, timeout time.Duration) *Adapter {
	return &Adapter{
		Name:       name,
		Config:     cfg,
		Logger:     logger.WithField("exchange", name),
		HTTPClient: pkghttp.NewClient("", timeout, nil),
	}
}

// GetName returns the exchange name.
func (a *Adapter) GetName() string { return a.Name }

// ExecuteRequest executes a signed HTTP request through the resilient
// pkg/http client and returns the raw response body, or a classified
// apperrors value on failure. Retries and circuit-breaking for transient
// failures (network errors, 5xx, 429) already happened inside
// a.HTTPClient.ExecuteRequest before this returns; a non-nil error here
// means the pipeline gave up or the response carried a non-2xx status.
func (a *Adapter) ExecuteRequest(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if a.SignRequest != nil {
		if err := a.SignRequest(req, body); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	respBody, err := a.HTTPClient.ExecuteRequest(req)
	if err != nil {
		var apiErr *pkghttp.APIError
		if errors.As(err, &apiErr) {
			if a.ParseError != nil {
				if parseErr := a.ParseError(apiErr.StatusCode, apiErr.Body); parseErr != nil {
					return nil, parseErr
				}
			}
			return nil, fmt.Errorf("%w: HTTP %d: %s", apperrors.ErrTransient, apiErr.StatusCode, string(apiErr.Body))
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
	}

	return respBody, nil
}

// SafeMapOrderStatus maps an exchange-specific order status string,
// defaulting to domain.OrderStateUnknown if no mapper is set.
func (a *Adapter) SafeMapOrderStatus(rawStatus string) domain.OrderState {
	if a.MapOrderStatus != nil {
		return a.MapOrderStatus(rawStatus)
	}
	return domain.OrderStateUnknown
}

// ParseDecimal safely parses a string to decimal, logging and returning
// zero on failure rather than panicking on malformed adapter output.
func (a *Adapter) ParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		a.Logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseTimestamp safely parses a millisecond Unix timestamp.
func (a *Adapter) ParseTimestamp(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// StartPollingStream runs fetchFunc on a fixed interval until ctx is done,
// invoking callback with each successful result. Used to warm the candle
// cache between ticks where no websocket stream is configured.
func (a *Adapter) StartPollingStream(
	ctx context.Context,
	fetchFunc func(context.Context) (interface{}, error),
	callback func(interface{}),
	interval time.Duration,
	streamName string,
) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				a.Logger.Info(streamName+" stream stopped", "reason", ctx.Err())
				return
			case <-ticker.C:
				data, err := fetchFunc(ctx)
				if err != nil {
					a.Logger.Warn(streamName+" polling failed", "error", err)
					continue
				}
				callback(data)
			}
		}
	}()

	a.Logger.Info(streamName + " stream started")
}

// StartWebSocketStream starts a websocket stream with common lifecycle
// management, stopping it when ctx is cancelled.
func (a *Adapter) StartWebSocketStream(ctx context.Context, wsURL string, onMessage func([]byte), onConnected func(), streamName string) {
	client := websocket.NewClient(wsURL, onMessage, a.Logger)
	if onConnected != nil {
		client.SetOnConnected(onConnected)
	}
	client.Start()

	go func() {
		<-ctx.Done()
		a.Logger.Info(streamName + " websocket stopping")
		client.Stop()
	}()

	a.Logger.Info(streamName + " websocket started")
}
