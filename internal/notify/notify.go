// Package notify implements the Notification Sink collaborator (spec.md
// §6): three implementations of the one-method core.Notifier. Grounded
// on the teacher's internal/alert/alert.go fan-out-to-channels shape, but
// scoped to the single method the spec's core actually consumes — the
// Telegram/dashboard delivery channels are external collaborators per
// spec.md §1's Non-goals.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/pkg/retry"
)

// Event is the notification format of spec.md §6: one event per
// transition, with the order_id/user_id/symbol/transition/price/qty/
// timestamp fields. FormatMessage renders it to the plain-text message
// core.Notifier expects.
type Event struct {
	OrderID    string
	UserID     string
	Symbol     string
	Transition string
	Price      string
	Qty        string
	Timestamp  time.Time
}

// FormatMessage renders e as the plain-text message spec.md §6 describes.
func (e Event) FormatMessage() string {
	return fmt.Sprintf("order=%s symbol=%s transition=%s price=%s qty=%s at=%s",
		e.OrderID, e.Symbol, e.Transition, e.Price, e.Qty, e.Timestamp.Format(time.RFC3339))
}

// LogSink writes every notification through core.ILogger at Info level.
// Fire-and-forget: the lifecycle engine never blocks a transition waiting
// on a notification (DESIGN.md decision 6).
type LogSink struct {
	logger core.ILogger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger core.ILogger) *LogSink {
	return &LogSink{logger: logger.WithField("component", "notify")}
}

func (s *LogSink) Notify(ctx context.Context, userID, message string) error {
	s.logger.Info("notification", "user_id", userID, "message", message)
	return nil
}

// WebhookSink POSTs a JSON payload {user_id, message} to a configured
// URL, channel-agnostic (the teacher's internal/alert/telegram.go builds
// a Telegram-specific request; this generalizes the request-building
// shape to any webhook receiver).
type WebhookSink struct {
	url        string
	httpClient *http.Client
	logger     core.ILogger
}

// NewWebhookSink builds a WebhookSink posting to url with a bounded
// per-call timeout.
func NewWebhookSink(url string, timeout time.Duration, logger core.ILogger) *WebhookSink {
	return &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.WithField("component", "notify_webhook"),
	}
}

type webhookPayload struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// webhookRetryPolicy caps webhook delivery at a handful of quick retries;
// a notification is best-effort (DESIGN.md decision 6) so it never holds
// up the lifecycle engine waiting on a flaky receiver for long.
var webhookRetryPolicy = retry.RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

func (s *WebhookSink) Notify(ctx context.Context, userID, message string) error {
	body, err := json.Marshal(webhookPayload{UserID: userID, Message: message})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	return retry.Do(ctx, webhookRetryPolicy, isTransientWebhookError, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("send webhook: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return retryUnrecoverable{fmt.Errorf("webhook returned status %d", resp.StatusCode)}
		}
		return nil
	})
}

// retryUnrecoverable marks an error as not worth retrying (a 4xx response
// means the payload or URL is wrong, not that the receiver is down).
type retryUnrecoverable struct{ err error }

func (r retryUnrecoverable) Error() string { return r.err.Error() }

func isTransientWebhookError(err error) bool {
	_, unrecoverable := err.(retryUnrecoverable)
	return !unrecoverable
}

// MultiSink fans a notification out to every configured sink
// concurrently, logging (not propagating) any individual sink's error —
// matching the teacher's AlertManager.Alert, which never blocks the
// trading path on delivery failure.
type MultiSink struct {
	sinks  []core.Notifier
	logger core.ILogger
}

// NewMultiSink builds a MultiSink fanning out to every given sink.
func NewMultiSink(logger core.ILogger, sinks ...core.Notifier) *MultiSink {
	return &MultiSink{sinks: sinks, logger: logger.WithField("component", "notify_multi")}
}

func (m *MultiSink) Notify(ctx context.Context, userID, message string) error {
	for _, s := range m.sinks {
		go func(sink core.Notifier) {
			timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sink.Notify(timeoutCtx, userID, message); err != nil {
				m.logger.Error("notification sink failed", "error", err)
			}
		}(s)
	}
	return nil
}
