package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/nunzio993/cryptoBot/internal/core"
)

// Engine runs the durable placement workflow through a DBOS runtime. It is
// an alternative to internal/lifecycle.Engine calling the exchange
// directly: operators who need placement to survive a process crash
// mid-sequence wire this in instead, at the cost of the DBOS runtime
// dependency (a Postgres-backed workflow store).
type Engine struct {
	dbosCtx   dbos.DBOSContext
	workflows *PlacementWorkflows
	logger    core.ILogger
}

// NewEngine builds a durable Engine. dbosCtx is constructed by the caller's
// own composition root from the operator's DBOS connection string; this
// package never constructs one itself, and cmd/engine does not wire this
// engine.
func NewEngine(dbosCtx dbos.DBOSContext, repo core.Repository, exchanges ExchangeRegistry, cache core.SymbolCache, logger core.ILogger) *Engine {
	return &Engine{
		dbosCtx:   dbosCtx,
		workflows: NewPlacementWorkflows(repo, exchanges, cache, logger),
		logger:    logger.WithField("component", "durable_engine"),
	}
}

// Start launches the DBOS runtime so workflows can be dispatched.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("starting durable placement engine")
	return e.dbosCtx.Launch()
}

// Stop shuts the DBOS runtime down, allowing in-flight steps to finish.
func (e *Engine) Stop() error {
	e.logger.Info("stopping durable placement engine")
	e.dbosCtx.Shutdown(30 * time.Second)
	return nil
}

// Place dispatches the buy-then-TP sequence as a durable workflow and
// blocks for its result, mirroring the synchronous placement
// internal/lifecycle.Engine.handlePending performs inline.
func (e *Engine) Place(ctx context.Context, input PlacementInput) error {
	handle, err := e.dbosCtx.RunWorkflow(e.dbosCtx, e.workflows.PlaceAndInstallTP, input)
	if err != nil {
		return fmt.Errorf("failed to start placement workflow: %w", err)
	}
	_, err = handle.GetResult()
	return err
}
