package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names, one instrument per lifecycle/reconciliation event (spec.md
// §2 components F and G). Only the non-terminal gauge is fed at present
// (through SetNonTerminalCount); nothing records to the counters or
// histograms.
const (
	MetricOrdersNonTerminal  = "github.com/nunzio993/cryptoBot_orders_non_terminal"
	MetricOrdersCreatedTotal = "github.com/nunzio993/cryptoBot_orders_created_total"
	MetricOrdersExecutedTotal = "github.com/nunzio993/cryptoBot_orders_executed_total"
	MetricOrdersClosedTotal  = "github.com/nunzio993/cryptoBot_orders_closed_total"
	MetricOrdersCancelledTotal = "github.com/nunzio993/cryptoBot_orders_cancelled_total"
	MetricReconcileDriftTotal = "github.com/nunzio993/cryptoBot_reconcile_drift_total"
	MetricAdapterErrorsTotal = "github.com/nunzio993/cryptoBot_adapter_errors_total"
	MetricAdapterLatencyMs   = "github.com/nunzio993/cryptoBot_adapter_latency_ms"
	MetricTickDurationMs     = "github.com/nunzio993/cryptoBot_tick_duration_ms"
)

// MetricsHolder holds initialized instruments. One process-wide instance,
// reached through GetGlobalMetrics, mirroring the teacher's singleton
// pattern (pkg/telemetry/metrics.go kept, relabelled for order lifecycle
// rather than market-making PnL/delta/quality concerns).
type MetricsHolder struct {
	OrdersCreatedTotal    metric.Int64Counter
	OrdersExecutedTotal   metric.Int64Counter
	OrdersClosedTotal     metric.Int64Counter
	OrdersCancelledTotal  metric.Int64Counter
	ReconcileDriftTotal   metric.Int64Counter
	AdapterErrorsTotal    metric.Int64Counter
	AdapterLatency        metric.Float64Histogram
	TickDuration          metric.Float64Histogram
	OrdersNonTerminal     metric.Int64ObservableGauge

	mu                sync.RWMutex
	nonTerminalByUser map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			nonTerminalByUser: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersCreatedTotal, err = meter.Int64Counter(MetricOrdersCreatedTotal, metric.WithDescription("Total orders created"))
	if err != nil {
		return err
	}
	m.OrdersExecutedTotal, err = meter.Int64Counter(MetricOrdersExecutedTotal, metric.WithDescription("Total orders transitioned to EXECUTED"))
	if err != nil {
		return err
	}
	m.OrdersClosedTotal, err = meter.Int64Counter(MetricOrdersClosedTotal, metric.WithDescription("Total orders transitioned to a CLOSED_* terminal status"))
	if err != nil {
		return err
	}
	m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal, metric.WithDescription("Total orders transitioned to CANCELLED"))
	if err != nil {
		return err
	}
	m.ReconcileDriftTotal, err = meter.Int64Counter(MetricReconcileDriftTotal, metric.WithDescription("Total drift corrections applied by the reconciliation worker"))
	if err != nil {
		return err
	}
	m.AdapterErrorsTotal, err = meter.Int64Counter(MetricAdapterErrorsTotal, metric.WithDescription("Total exchange adapter calls that returned an error"))
	if err != nil {
		return err
	}
	m.AdapterLatency, err = meter.Float64Histogram(MetricAdapterLatencyMs, metric.WithDescription("Latency of exchange adapter calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	m.TickDuration, err = meter.Float64Histogram(MetricTickDurationMs, metric.WithDescription("Wall-clock duration of one fast-tick or slow-tick sweep"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrdersNonTerminal, err = meter.Int64ObservableGauge(MetricOrdersNonTerminal, metric.WithDescription("Current non-terminal order count"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for user, val := range m.nonTerminalByUser {
				obs.Observe(val, metric.WithAttributes(attribute.String("user_id", user)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetNonTerminalCount records the current non-terminal order count observed
// for one user_id. cmd/engine refreshes it after every fast tick under the
// single key "all".
func (m *MetricsHolder) SetNonTerminalCount(userID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonTerminalByUser[userID] = count
}
