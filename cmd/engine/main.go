// Command engine is the process entry point: it wires configuration,
// logging, telemetry, the order repository, one exchange adapter per
// configured credential set, the symbol metadata cache, the trigger
// evaluator (consumed transitively through internal/lifecycle), the
// Trade Lifecycle Engine, the Reconciliation Worker, and the
// notification sink together, then runs until an interrupt/TERM signal
// asks it to stop. Grounded on the teacher's cmd/live_server/main.go
// wiring order and graceful-shutdown handling (signal.NotifyContext,
// ordered Stop calls); the gRPC control plane and WebSocket hub it also
// wires are dropped since this process exposes its control API as plain
// Go methods on *lifecycle.Engine, consumed in-process (spec.md §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/nunzio993/cryptoBot/internal/clock"
	"github.com/nunzio993/cryptoBot/internal/config"
	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/internal/exchange"
	"github.com/nunzio993/cryptoBot/internal/exchange/binance"
	"github.com/nunzio993/cryptoBot/internal/exchange/bybit"
	"github.com/nunzio993/cryptoBot/internal/exchange/mockexchange"
	"github.com/nunzio993/cryptoBot/internal/lifecycle"
	"github.com/nunzio993/cryptoBot/internal/notify"
	"github.com/nunzio993/cryptoBot/internal/reconcile"
	"github.com/nunzio993/cryptoBot/internal/repository"
	"github.com/nunzio993/cryptoBot/internal/symbolcache"
	"github.com/nunzio993/cryptoBot/pkg/concurrency"
	"github.com/nunzio993/cryptoBot/pkg/logging"
	"github.com/nunzio993/cryptoBot/pkg/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/engine.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("engine version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("starting engine", "version", version, "build_time", buildTime, "engine_type", cfg.App.EngineType)

	var tel *telemetry.Telemetry
	if cfg.Telemetry.EnableMetrics {
		tel, err = telemetry.Setup("cryptobot-engine")
		if err != nil {
			logger.Warn("failed to initialize telemetry, continuing without it", "error", err)
		} else {
			logger.Info("telemetry initialized")
		}
	}

	clk := clock.Real{}

	repo, err := repository.OpenSQLite(cfg.App.DatabaseURL, logger, clk)
	if err != nil {
		logger.Fatal("failed to open order repository", "error", err)
	}
	defer repo.Close()

	adapterTimeout := time.Duration(cfg.Timing.AdapterTimeoutSeconds) * time.Second
	registry, err := buildExchangeRegistry(cfg, logger, adapterTimeout)
	if err != nil {
		logger.Fatal("failed to build exchange registry", "error", err)
	}

	cache := symbolcache.New(time.Duration(cfg.Timing.SymbolCacheTTLSeconds) * time.Second)

	sink := buildNotifier(cfg, logger)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "LifecycleEnginePool",
		MaxWorkers:  cfg.Concurrency.WorkerPoolSize,
		MaxCapacity: cfg.Concurrency.WorkerPoolSize * 4,
		NonBlocking: true,
	}, logger)

	if cfg.App.EngineType == "durable" {
		// The durable engine (internal/lifecycle/durable) requires a
		// dbos.DBOSContext built from a Postgres-backed DBOS connection
		// string. No construction API for one appears anywhere in the
		// retrieved reference pack (DESIGN.md's internal/lifecycle/durable note),
		// so this entry point does not fabricate one; operators who need
		// the durable variant build internal/lifecycle/durable.Engine
		// directly in their own composition root with a dbosCtx they
		// construct from their DBOS deployment.
		logger.Fatal("engine_type=durable requires a caller-supplied dbos.DBOSContext; this entry point only wires the simple engine")
	}

	feeMargin := decimal.NewFromFloat(0.001)
	sellBuffer := decimal.NewFromFloat(0.001)

	eng := lifecycle.New(repo, registry, cache, sink, clk, logger, pool, feeMargin, sellBuffer)

	reconciler := reconcile.New(
		repo,
		registry,
		cache,
		sink,
		clk,
		logger,
		time.Duration(cfg.Timing.StaleThresholdSeconds)*time.Second,
		sellBuffer,
	)

	metrics := telemetry.GetGlobalMetrics()

	sched := clock.New(
		logger,
		time.Duration(cfg.Timing.FastTickSeconds)*time.Second,
		time.Duration(cfg.Timing.SlowTickSeconds)*time.Second,
		func(ctx context.Context) {
			eng.Tick(ctx)
			if orders, err := repo.ListNonTerminal(ctx); err == nil {
				metrics.SetNonTerminalCount("all", int64(len(orders)))
			}
		},
		func(ctx context.Context) {
			reconciler.Run(ctx)
			result := reconciler.LastResult()
			logger.Info("reconciliation pass complete",
				"stale_recovered", result.StaleRecovered,
				"tp_reconciled", result.TPReconciled,
				"external_sells", result.ExternalSellsDetected,
				"errors", result.Errors,
			)
		},
	)

	if err := eng.Start(context.Background()); err != nil {
		logger.Fatal("failed to start lifecycle engine", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sched.Start(ctx)

	logger.Info("engine is running")
	<-ctx.Done()
	logger.Info("received shutdown signal, shutting down")

	sched.Stop()
	eng.Stop()

	if tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.System.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}

	logger.Info("engine stopped")
}

// buildExchangeRegistry constructs one adapter per configured credential
// set, keyed by its config map key (an exchange_id in spec.md §3's
// sense), each wrapped in a RateGate giving that credential set its own
// write-path rate limit independent of every other tenant's.
func buildExchangeRegistry(cfg *config.Config, logger core.ILogger, timeout time.Duration) (lifecycle.StaticRegistry, error) {
	registry := make(lifecycle.StaticRegistry, len(cfg.Exchanges))

	for exchangeID, exCfg := range cfg.Exchanges {
		var adapter core.Exchange
		switch exCfg.Exchange {
		case "binance":
			adapter = binance.New(exCfg, logger, timeout)
		case "bybit":
			adapter = bybit.New(exCfg, logger, timeout)
		case "mock":
			adapter = mockexchange.New(exchangeID)
		default:
			return nil, fmt.Errorf("unknown exchange kind %q for %q", exCfg.Exchange, exchangeID)
		}
		registry[exchangeID] = exchange.NewRateGate(adapter, rate.Limit(10), 20)
	}

	return registry, nil
}

// buildNotifier fans out to the log sink always, plus a webhook sink when
// configured, matching the teacher's AlertManager multi-channel dispatch
// (internal/alert/alert.go) narrowed to the generic channels this
// specification's Notification Sink names.
func buildNotifier(cfg *config.Config, logger core.ILogger) core.Notifier {
	sinks := []core.Notifier{notify.NewLogSink(logger)}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, 10*time.Second, logger))
	}
	return notify.NewMultiSink(logger, sinks...)
}
