package clock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nunzio993/cryptoBot/internal/core"
	"github.com/nunzio993/cryptoBot/pkg/logging"
)

func testLogger(t *testing.T) core.ILogger {
	t.Helper()
	logger, err := logging.NewZapLogger("DEBUG")
	require.NoError(t, err)
	return logger
}

func TestSchedulerFiresInitialTickImmediately(t *testing.T) {
	var fastCount, slowCount int64
	s := New(testLogger(t), time.Hour, time.Hour,
		func(ctx context.Context) { atomic.AddInt64(&fastCount, 1) },
		func(ctx context.Context) { atomic.AddInt64(&slowCount, 1) },
	)

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&fastCount) == 1 && atomic.LoadInt64(&slowCount) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerDropsOverlappingTicks(t *testing.T) {
	var running int32
	var overlapDetected atomic.Bool
	var completions int64

	s := New(testLogger(t), 5*time.Millisecond, time.Hour,
		func(ctx context.Context) {
			if !atomic.CompareAndSwapInt32(&running, 0, 1) {
				overlapDetected.Store(true)
				return
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt64(&completions, 1)
			atomic.StoreInt32(&running, 0)
		},
		func(ctx context.Context) {},
	)

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	assert.False(t, overlapDetected.Load(), "no two fast ticks should run concurrently")
	assert.Less(t, atomic.LoadInt64(&completions), int64(10), "a busy tick must be dropped, not queued")
}

func TestSchedulerStopWaitsForInFlightTick(t *testing.T) {
	done := make(chan struct{})
	s := New(testLogger(t), time.Hour, time.Hour,
		func(ctx context.Context) {
			time.Sleep(20 * time.Millisecond)
			close(done)
		},
		func(ctx context.Context) {},
	)

	s.Start(context.Background())
	s.Stop()

	select {
	case <-done:
	default:
		t.Fatal("Stop returned before the in-flight tick finished")
	}
}
