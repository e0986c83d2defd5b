// Package concurrency bounds how much work the engine takes on at once:
// live cases are admitted through a semaphore-based limiter and a circuit
// breaker sheds load when downstream failures pile up.
package concurrency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks limiter performance counters
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
	mu              sync.RWMutex
}

// Limiter provides semaphore-based admission control with observability.
// The engine acquires a slot per live case and releases it when the case
// reaches a terminal status.
type Limiter struct {
	sem            chan struct{}
	active         int64
	metrics        *Metrics
	circuitBreaker *CircuitBreaker
}

// NewLimiter creates a limiter admitting at most maxConcurrent holders
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		metrics:        &Metrics{},
		circuitBreaker: NewCircuitBreaker(100, 30*time.Second), // 100 failures in 30s opens circuit
	}
}

// NewLimiterWithCircuitBreaker creates a limiter with custom circuit breaker settings
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		metrics:        &Metrics{},
		circuitBreaker: cb,
	}
}

// Acquire blocks until a slot is free, the context expires, or the circuit
// breaker is open.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker.IsOpen() {
		return fmt.Errorf("circuit breaker is open")
	}

	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		waitTime := time.Since(start)
		atomic.AddInt64(&l.metrics.TotalWaitTimeNs, waitTime.Nanoseconds())
		atomic.AddInt64(&l.metrics.TotalAcquired, 1)

		current := atomic.AddInt64(&l.active, 1)
		l.updatePeak(current)

		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.metrics.TotalReleased, 1)
	default:
		// Release without a matching Acquire; ignore
	}
}

// Go runs fn in a goroutine once a slot is acquired. The slot is released
// when fn returns and its outcome feeds the circuit breaker.
func (l *Limiter) Go(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}

	go func() {
		defer l.Release()

		if err := fn(); err != nil {
			l.circuitBreaker.RecordFailure()
		} else {
			l.circuitBreaker.RecordSuccess()
		}
	}()

	return nil
}

// GoSync runs fn synchronously under a slot and returns its error
func (l *Limiter) GoSync(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}

	defer l.Release()

	if err := fn(); err != nil {
		l.circuitBreaker.RecordFailure()
		return err
	}

	l.circuitBreaker.RecordSuccess()
	return nil
}

// CurrentActive returns the current number of held slots
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// GetMetrics returns a copy of the current metrics
func (l *Limiter) GetMetrics() Metrics {
	l.metrics.mu.RLock()
	defer l.metrics.mu.RUnlock()

	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.metrics.TotalAcquired),
		TotalReleased:   atomic.LoadInt64(&l.metrics.TotalReleased),
		PeakConcurrent:  atomic.LoadInt64(&l.metrics.PeakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.metrics.TotalWaitTimeNs),
	}
}

// GetAverageWaitTime calculates the average wait time for acquiring a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	metrics := l.GetMetrics()
	if metrics.TotalAcquired == 0 {
		return 0
	}

	avgNs := metrics.TotalWaitTimeNs / metrics.TotalAcquired
	return time.Duration(avgNs)
}

// Reset resets the metrics (useful for testing or periodic resets)
func (l *Limiter) Reset() {
	atomic.StoreInt64(&l.metrics.TotalAcquired, 0)
	atomic.StoreInt64(&l.metrics.TotalReleased, 0)
	atomic.StoreInt64(&l.metrics.PeakConcurrent, 0)
	atomic.StoreInt64(&l.metrics.TotalWaitTimeNs, 0)
}

// updatePeak updates the peak concurrent count if current is higher
func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.metrics.PeakConcurrent)
		if current <= peak {
			break
		}
		if atomic.CompareAndSwapInt64(&l.metrics.PeakConcurrent, peak, current) {
			break
		}
	}
}

// GetCircuitBreakerState returns the current state of the circuit breaker
func (l *Limiter) GetCircuitBreakerState() string {
	if l.circuitBreaker.IsOpen() {
		return "open"
	}
	return "closed"
}
