package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseTracksActive(t *testing.T) {
	l := NewLimiter(2)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))
	assert.Equal(t, int64(2), l.CurrentActive())

	l.Release()
	assert.Equal(t, int64(1), l.CurrentActive())

	metrics := l.GetMetrics()
	assert.Equal(t, int64(2), metrics.TotalAcquired)
	assert.Equal(t, int64(1), metrics.TotalReleased)
	assert.Equal(t, int64(2), metrics.PeakConcurrent)
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	l.Release()
	require.NoError(t, l.Acquire(context.Background()))
}

func TestReleaseWithoutAcquireIsIgnored(t *testing.T) {
	l := NewLimiter(1)
	l.Release()
	assert.Equal(t, int64(0), l.CurrentActive())
}

func TestGoSyncFeedsCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	l := NewLimiterWithCircuitBreaker(4, cb)
	ctx := context.Background()

	boom := errors.New("boom")
	require.Error(t, l.GoSync(ctx, func() error { return boom }))
	assert.False(t, cb.IsOpen())

	require.Error(t, l.GoSync(ctx, func() error { return boom }))
	assert.True(t, cb.IsOpen())

	// an open breaker rejects admission outright
	err := l.Acquire(ctx)
	require.Error(t, err)
}

func TestGoRunsConcurrently(t *testing.T) {
	l := NewLimiter(4)
	ctx := context.Background()

	var mu sync.Mutex
	done := 0
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		require.NoError(t, l.Go(ctx, func() error {
			defer wg.Done()
			mu.Lock()
			done++
			mu.Unlock()
			return nil
		}))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, done)
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, 20*time.Millisecond)

	cb.RecordFailure()
	assert.True(t, cb.IsOpen())

	// after the reset timeout the breaker probes in half-open state
	assert.Eventually(t, func() bool { return !cb.IsOpen() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	// one failure during the probe reopens it
	cb.RecordFailure()
	assert.True(t, cb.IsOpen())
}

func TestCircuitBreakerClosesAfterProbeSuccesses(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	require.Eventually(t, func() bool { return !cb.IsOpen() }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		cb.RecordSuccess()
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, int64(0), cb.GetConsecutiveFailures())
}

func TestLoadConfigPriorities(t *testing.T) {
	t.Setenv("DAEDALUS_MAX_CONCURRENT_CASES", "7")
	t.Setenv("DAEDALUS_DISPATCH_WORKERS", "3")
	t.Setenv("DAEDALUS_RECOVERY_MODE", "PARALLEL")

	cfg := LoadConfig()
	assert.Equal(t, 7, cfg.MaxConcurrentCases)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
	assert.Equal(t, 3, cfg.DispatchWorkers)
	assert.Equal(t, RecoveryModeParallel, cfg.RecoveryMode)
}

func TestLoadConfigMultiplierAndDefaults(t *testing.T) {
	t.Setenv("DAEDALUS_MAX_CONCURRENT_CASES", "")
	t.Setenv("DAEDALUS_CONCURRENCY_MULTIPLIER", "2")
	t.Setenv("DAEDALUS_RECOVERY_MODE", "sideways")

	cfg := LoadConfig()
	assert.Equal(t, cfg.EffectiveCPUs*2, cfg.MaxConcurrentCases)
	// unknown modes fall back to the deterministic default
	assert.Equal(t, RecoveryModeSequential, cfg.RecoveryMode)
}

func TestLoadConfigAutoDetect(t *testing.T) {
	t.Setenv("DAEDALUS_MAX_CONCURRENT_CASES", "")
	t.Setenv("DAEDALUS_CONCURRENCY_MULTIPLIER", "")
	t.Setenv("KUBERNETES_SERVICE_HOST", "")

	cfg := LoadConfig()
	assert.Equal(t, ConfigSourceAutoDetect, cfg.Source)
	assert.GreaterOrEqual(t, cfg.MaxConcurrentCases, 1)
	assert.GreaterOrEqual(t, cfg.DispatchWorkers, 1)
}
