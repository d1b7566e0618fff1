package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nunzio993/cryptoBot/internal/core"
)

// Scheduler owns the two periodic streams of spec.md §4.A: a fast tick
// driving the lifecycle engine and a slow tick driving reconciliation.
// Both streams are non-reentrant: if a stream's work is still running
// when its next tick would fire, that tick is dropped, never queued. The
// initial tick of each stream fires immediately on Start.
type Scheduler struct {
	logger core.ILogger

	fastInterval time.Duration
	slowInterval time.Duration

	onFastTick func(ctx context.Context)
	onSlowTick func(ctx context.Context)

	fastBusy atomic.Bool
	slowBusy atomic.Bool

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Scheduler. onFastTick and onSlowTick must not block
// forever; each is given the scheduler's running context and is expected
// to respect ctx cancellation on shutdown.
func New(logger core.ILogger, fastInterval, slowInterval time.Duration, onFastTick, onSlowTick func(ctx context.Context)) *Scheduler {
	return &Scheduler{
		logger:       logger.WithField("component", "scheduler"),
		fastInterval: fastInterval,
		slowInterval: slowInterval,
		onFastTick:   onFastTick,
		onSlowTick:   onSlowTick,
		cron:         cron.New(),
	}
}

// Start begins both ticker loops. The initial tick of each fires
// immediately, then on its own interval thereafter.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.runStream(ctx, "fast", s.fastInterval, &s.fastBusy, s.onFastTick)
	go s.runStream(ctx, "slow", s.slowInterval, &s.slowBusy, s.onSlowTick)

	s.cron.Start()
	s.logger.Info("scheduler started", "fast_interval", s.fastInterval, "slow_interval", s.slowInterval)
}

// Stop cancels both streams' contexts and waits for the currently running
// tick (if any) to finish, bounded by the caller's own shutdown timeout.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.logger.Info("scheduler stopped")
}

// ScheduleCron registers a cron-expression-driven maintenance job (e.g. a
// daily symbol-cache warm) alongside the two tick streams. It is not
// subject to the non-reentrant-per-stream rule; jobs are expected to be
// cheap and idempotent.
func (s *Scheduler) ScheduleCron(spec string, job func()) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, job)
}

func (s *Scheduler) runStream(ctx context.Context, name string, interval time.Duration, busy *atomic.Bool, fn func(context.Context)) {
	defer s.wg.Done()

	fire := func() {
		if !busy.CompareAndSwap(false, true) {
			s.logger.Debug(name+" tick dropped: previous tick still running", "stream", name)
			return
		}
		defer busy.Store(false)
		fn(ctx)
	}

	fire() // initial tick fires immediately on startup

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire()
		}
	}
}
