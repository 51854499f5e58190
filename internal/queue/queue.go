// Package queue implements the coalescing per-session reconciliation queue.
// Bursts of observation events collapse into at most one outstanding
// propagation per session, with bounded exponential-backoff retries.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// PropagateFunc performs the actual propagation for a session. It is
// injected by the mapping engine.
type PropagateFunc func(ctx context.Context, sessionID string) error

// ExhaustedFunc is called when the retry budget for a session is spent.
type ExhaustedFunc func(sessionID string, lastErr error)

// RetryPolicy bounds the automatic retries performed after a failed
// propagation. It is an explicit object so the backoff schedule can be
// tested in isolation.
type RetryPolicy struct {
	// MaxAttempts is the total number of propagation attempts (initial
	// attempt included) before the queue gives up.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Multiplier is the backoff growth factor.
	Multiplier float64
}

// DefaultRetryPolicy returns the retry policy used in production.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	// Deterministic schedule; jitter buys nothing for per-key retries.
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// retryAfterHinter is implemented by errors that carry a server-suggested
// retry delay (rate-limit responses).
type retryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// entry tracks the pending work for one session. States: waiting (timer
// armed), in flight (propagation running), in flight with a superseding
// schedule parked behind it. gen identifies the currently armed timer:
// Timer.Stop can return false with the callback already dispatched, so a
// late callback carrying an old generation must not run.
type entry struct {
	timer      *time.Timer
	gen        uint64
	attempts   int
	back       *backoff.ExponentialBackOff
	inFlight   bool
	rearmed    bool
	rearmDelay time.Duration
}

// Queue is the coalescing delayed-task scheduler. At most one task is
// pending per session; a new Schedule supersedes an earlier one that has not
// fired yet, and per-session propagation attempts never overlap. Different
// sessions propagate independently and concurrently.
type Queue struct {
	propagate   PropagateFunc
	onExhausted ExhaustedFunc
	policy      RetryPolicy
	afterFunc   func(time.Duration, func()) *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// Option configures the queue.
type Option func(*Queue)

// WithExhaustedFunc sets the callback invoked when a session's retry budget
// is spent.
func WithExhaustedFunc(fn ExhaustedFunc) Option {
	return func(q *Queue) {
		q.onExhausted = fn
	}
}

// withAfterFunc overrides timer creation. Test hook.
func withAfterFunc(fn func(time.Duration, func()) *time.Timer) Option {
	return func(q *Queue) {
		q.afterFunc = fn
	}
}

// New creates a reconciliation queue that invokes propagate when a task
// fires.
func New(policy RetryPolicy, propagate PropagateFunc, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		propagate: propagate,
		policy:    policy,
		afterFunc: time.AfterFunc,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Schedule arms a propagation for the session after the given delay. If a
// task is already pending for the session it is cancelled and replaced; only
// the latest request survives. Retry state from a previous failure sequence
// is discarded, a fresh intent starts a fresh budget.
func (q *Queue) Schedule(sessionID string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	e, ok := q.entries[sessionID]
	if !ok {
		e = &entry{}
		q.entries[sessionID] = e
	}

	e.attempts = 0
	e.back = nil

	if e.inFlight {
		// A propagation is running right now. Park the new intent; it
		// is armed as soon as the in-flight attempt returns, which
		// keeps per-session attempts strictly sequential.
		e.rearmed = true
		e.rearmDelay = delay
		return
	}

	if e.timer != nil {
		e.timer.Stop()
	}
	q.arm(sessionID, e, delay)
}

// arm starts the timer for the entry's next firing. Caller holds q.mu.
func (q *Queue) arm(sessionID string, e *entry, delay time.Duration) {
	e.gen++
	gen := e.gen
	e.timer = q.afterFunc(delay, func() { q.fire(sessionID, gen) })
}

// Cancel drops any pending task for the session. If a propagation is in
// flight its outcome is discarded. Cancelling an unknown session is a no-op.
func (q *Queue) Cancel(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[sessionID]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(q.entries, sessionID)
}

// Pending reports whether the session has a task waiting or in flight.
func (q *Queue) Pending(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[sessionID]
	return ok
}

// Attempts returns the number of failed attempts in the session's current
// retry sequence. Zero when the session is idle or has not failed yet.
func (q *Queue) Attempts(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[sessionID]; ok {
		return e.attempts
	}
	return 0
}

// Shutdown stops all timers, cancels in-flight propagations, and waits for
// them to return. The queue accepts no work afterwards.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for id, e := range q.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(q.entries, id)
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// fire runs on the timer goroutine when a task comes due.
func (q *Queue) fire(sessionID string, gen uint64) {
	q.mu.Lock()
	e, ok := q.entries[sessionID]
	if !ok || q.closed || e.inFlight || gen != e.gen {
		// Superseded: the entry is gone, a newer timer replaced this
		// one, or an attempt is already running.
		q.mu.Unlock()
		return
	}
	e.inFlight = true
	e.timer = nil
	q.wg.Add(1)
	q.mu.Unlock()

	err := q.propagate(q.ctx, sessionID)

	q.finish(sessionID, e, err)
}

// finish settles the outcome of a propagation attempt and decides whether
// the session retries, rearms, or goes idle.
func (q *Queue) finish(sessionID string, e *entry, err error) {
	var exhaustedErr error

	q.mu.Lock()

	current, ok := q.entries[sessionID]
	if !ok || current != e {
		// Cancelled while in flight; the outcome is void.
		q.mu.Unlock()
		q.wg.Done()
		return
	}

	e.inFlight = false

	switch {
	case e.rearmed:
		// A newer intent arrived during the attempt and supersedes
		// whatever just happened.
		e.rearmed = false
		e.attempts = 0
		e.back = nil
		q.arm(sessionID, e, e.rearmDelay)

	case err == nil:
		delete(q.entries, sessionID)

	case errors.Is(err, context.Canceled):
		delete(q.entries, sessionID)

	default:
		e.attempts++
		if e.attempts >= q.policy.MaxAttempts {
			delete(q.entries, sessionID)
			exhaustedErr = err
		} else {
			if e.back == nil {
				e.back = q.policy.newBackOff()
			}
			delay := q.nextDelay(e, err)
			slog.Debug("Propagation failed, retrying",
				"session_id", sessionID,
				"attempt", e.attempts,
				"delay", delay,
				"error", err)
			q.arm(sessionID, e, delay)
		}
	}

	q.mu.Unlock()
	q.wg.Done()

	if exhaustedErr != nil {
		slog.Warn("Propagation retry budget exhausted",
			"session_id", sessionID,
			"attempts", q.policy.MaxAttempts,
			"error", exhaustedErr)
		if q.onExhausted != nil {
			q.onExhausted(sessionID, exhaustedErr)
		}
	}
}

// nextDelay picks the backoff delay for the next retry, honoring a
// server-provided Retry-After hint when it is longer.
func (q *Queue) nextDelay(e *entry, err error) time.Duration {
	delay := e.back.NextBackOff()

	var hinter retryAfterHinter
	if errors.As(err, &hinter) {
		if hint := hinter.RetryAfterHint(); hint > delay {
			delay = min(hint, q.policy.MaxDelay)
		}
	}
	return delay
}
