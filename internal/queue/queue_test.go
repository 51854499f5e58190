package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPolicy retries fast enough for tests.
func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestScheduleFiresAfterDelay(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	q := New(testPolicy(), func(_ context.Context, _ string) error {
		calls.Add(1)
		return nil
	})
	defer q.Shutdown()

	q.Schedule("sess-1", 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return !q.Pending("sess-1")
	}, time.Second, time.Millisecond)
}

func TestScheduleCoalescesBursts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	q := New(testPolicy(), func(_ context.Context, _ string) error {
		calls.Add(1)
		return nil
	})
	defer q.Shutdown()

	for i := 0; i < 10; i++ {
		q.Schedule("sess-1", 20*time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return calls.Load() > 0
	}, time.Second, time.Millisecond)

	// Give any spurious extra firings a chance to show up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIndependentSessionsFireSeparately(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := make(map[string]int)
	q := New(testPolicy(), func(_ context.Context, sessionID string) error {
		mu.Lock()
		defer mu.Unlock()
		seen[sessionID]++
		return nil
	})
	defer q.Shutdown()

	q.Schedule("sess-1", time.Millisecond)
	q.Schedule("sess-2", time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["sess-1"] == 1 && seen["sess-2"] == 1
	}, time.Second, time.Millisecond)
}

func TestRetryUntilSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	q := New(testPolicy(), func(_ context.Context, _ string) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	defer q.Shutdown()

	q.Schedule("sess-1", 0)

	require.Eventually(t, func() bool {
		return calls.Load() == 3 && !q.Pending("sess-1")
	}, time.Second, time.Millisecond)
}

func TestExhaustionAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	failErr := errors.New("permanent outage")
	var calls atomic.Int32
	var exhausted atomic.Int32
	var lastErr error
	var mu sync.Mutex

	q := New(testPolicy(), func(_ context.Context, _ string) error {
		calls.Add(1)
		return failErr
	}, WithExhaustedFunc(func(_ string, err error) {
		exhausted.Add(1)
		mu.Lock()
		lastErr = err
		mu.Unlock()
	}))
	defer q.Shutdown()

	q.Schedule("sess-1", 0)

	require.Eventually(t, func() bool {
		return exhausted.Load() == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, q.Pending("sess-1"))
	mu.Lock()
	assert.ErrorIs(t, lastErr, failErr)
	mu.Unlock()
}

func TestCancelDropsPendingTask(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	q := New(testPolicy(), func(_ context.Context, _ string) error {
		calls.Add(1)
		return nil
	})
	defer q.Shutdown()

	q.Schedule("sess-1", 50*time.Millisecond)
	q.Cancel("sess-1")
	q.Cancel("sess-1")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, q.Pending("sess-1"))
}

func TestScheduleDuringInFlightRearms(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	var calls atomic.Int32
	q := New(testPolicy(), func(_ context.Context, _ string) error {
		if calls.Add(1) == 1 {
			<-block
		}
		return nil
	})
	defer q.Shutdown()

	q.Schedule("sess-1", 0)
	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, time.Millisecond)

	// The first attempt is still running; this intent must not be lost.
	q.Schedule("sess-1", 0)
	close(block)

	require.Eventually(t, func() bool {
		return calls.Load() == 2 && !q.Pending("sess-1")
	}, time.Second, time.Millisecond)
}

func TestScheduleResetsRetryBudget(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var exhausted atomic.Int32
	q := New(RetryPolicy{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2.0},
		func(_ context.Context, _ string) error {
			if calls.Add(1) < 3 {
				return errors.New("flaky")
			}
			return nil
		}, WithExhaustedFunc(func(_ string, _ error) {
			exhausted.Add(1)
		}))
	defer q.Shutdown()

	q.Schedule("sess-1", 0)
	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, time.Millisecond)

	// A fresh schedule discards the failed attempt's budget, so two more
	// failures would be needed for exhaustion, but the third call succeeds.
	q.Schedule("sess-1", 0)

	require.Eventually(t, func() bool {
		return calls.Load() == 3 && !q.Pending("sess-1")
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), exhausted.Load())
}

func TestShutdownCancelsInFlight(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	q := New(testPolicy(), func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	q.Schedule("sess-1", 0)
	<-started

	done := make(chan struct{})
	go func() {
		q.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return after cancelling in-flight work")
	}

	// No work is accepted after shutdown.
	q.Schedule("sess-2", 0)
	assert.False(t, q.Pending("sess-2"))
}

// manualTimers records requested timers so the backoff schedule can be
// inspected and fired deterministically.
type manualTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (m *manualTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.fns = append(m.fns, fn)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return timer
}

func (m *manualTimers) fire(i int) {
	m.mu.Lock()
	fn := m.fns[i]
	m.mu.Unlock()
	fn()
}

func (m *manualTimers) recorded() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.delays...)
}

func TestBackoffScheduleIsBoundedExponential(t *testing.T) {
	t.Parallel()

	timers := &manualTimers{}
	q := New(RetryPolicy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond, Multiplier: 2.0},
		func(_ context.Context, _ string) error {
			return errors.New("always failing")
		}, withAfterFunc(timers.afterFunc))
	defer q.Shutdown()

	q.Schedule("sess-1", 0)
	timers.fire(0) // initial attempt fails
	timers.fire(1) // retry 1 fails
	timers.fire(2) // retry 2 fails
	timers.fire(3) // retry 3 fails, budget spent

	// Delays double from the base and are capped by MaxDelay.
	assert.Equal(t, []time.Duration{
		0,
		10 * time.Millisecond,
		20 * time.Millisecond,
		25 * time.Millisecond,
	}, timers.recorded())
	assert.False(t, q.Pending("sess-1"))
}

type hintedError struct {
	hint time.Duration
}

func (e *hintedError) Error() string                 { return "rate limited" }
func (e *hintedError) RetryAfterHint() time.Duration { return e.hint }

func TestRetryAfterHintOverridesBackoff(t *testing.T) {
	t.Parallel()

	timers := &manualTimers{}
	q := New(RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2.0},
		func(_ context.Context, _ string) error {
			return &hintedError{hint: time.Minute}
		}, withAfterFunc(timers.afterFunc))
	defer q.Shutdown()

	q.Schedule("sess-1", 0)
	timers.fire(0)

	// The server hint wins over the backoff schedule but is still capped.
	delays := timers.recorded()
	require.Len(t, delays, 2)
	assert.Equal(t, 40*time.Millisecond, delays[1])
}

func TestSupersededTimerCallbackDoesNotRun(t *testing.T) {
	t.Parallel()

	timers := &manualTimers{}
	var calls atomic.Int32
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32

	q := New(testPolicy(), func(_ context.Context, _ string) error {
		calls.Add(1)
		cur := inFlight.Add(1)
		for {
			seen := maxInFlight.Load()
			if cur <= seen || maxInFlight.CompareAndSwap(seen, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}, withAfterFunc(timers.afterFunc))
	defer q.Shutdown()

	// Timer.Stop can return false with the callback already dispatched,
	// so a superseding Schedule may leave both the old and the new
	// callback running. Model that by invoking both recorded callbacks.
	q.Schedule("sess-1", 50*time.Millisecond)
	q.Schedule("sess-1", 50*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			timers.fire(i)
		}(i)
	}
	wg.Wait()

	// Only the latest intent runs, and never two attempts at once.
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestAttemptsReporting(t *testing.T) {
	t.Parallel()

	timers := &manualTimers{}
	q := New(testPolicy(), func(_ context.Context, _ string) error {
		return errors.New("failing")
	}, withAfterFunc(timers.afterFunc))
	defer q.Shutdown()

	assert.Equal(t, 0, q.Attempts("sess-1"))

	q.Schedule("sess-1", 0)
	timers.fire(0)
	assert.Equal(t, 1, q.Attempts("sess-1"))

	timers.fire(1)
	assert.Equal(t, 2, q.Attempts("sess-1"))
}
