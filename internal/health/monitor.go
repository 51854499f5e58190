// Package health runs the periodic sweep that revalidates every link
// against gateway ground truth. It is the self-healing pass that catches
// deletion events the service never saw.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/stagelink/stagelink-server/internal/linkage"
	"github.com/stagelink/stagelink-server/internal/validator"
)

const (
	defaultSweepInterval = 10 * time.Minute
	// sweepJitter spreads sweeps out so several instances sharing a
	// gateway do not hit it in lockstep.
	sweepJitter = 30 * time.Second
)

// LinkRegistry is the slice of the mapping engine the monitor needs: a read
// snapshot of the links plus the two transitions a sweep can trigger.
type LinkRegistry interface {
	// Links returns a snapshot of all current links.
	Links() []linkage.Link

	// MarkHealthy restores the Healthy classification after a successful
	// validation.
	MarkHealthy(sessionID string)

	// RemoveBroken archives and removes a link the sweep found broken.
	RemoveBroken(ctx context.Context, sessionID, reason string)
}

// Monitor periodically validates every link. Valid links are marked
// Healthy, broken ones are handed back to the engine for archive-and-remove,
// and links with unknown validation are left untouched.
type Monitor struct {
	registry LinkRegistry
	check    *validator.Validator
	interval time.Duration

	// mu guards cancelFunc and stopped: Start and Stop run on different
	// goroutines, and Stop may land before Start has published its cancel.
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	stopped    bool
	done       chan struct{}
}

// Option configures the monitor.
type Option func(*Monitor)

// WithInterval overrides the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.interval = d
	}
}

// New creates a health monitor for the given link registry.
func New(registry LinkRegistry, check *validator.Validator, opts ...Option) *Monitor {
	m := &Monitor{
		registry: registry,
		check:    check,
		interval: defaultSweepInterval,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// sweepInterval returns the configured interval with jitter applied. Small
// configured intervals (tests) are used as-is.
func (m *Monitor) sweepInterval() time.Duration {
	if m.interval <= 2*sweepJitter {
		return m.interval
	}
	//nolint:gosec // G404: non-cryptographic randomness is fine for jitter
	offset := time.Duration(rand.Int64N(int64(2 * sweepJitter))) - sweepJitter
	return m.interval + offset
}

// Start runs the sweep loop. Blocks until the context is cancelled. Starting
// after Stop is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	m.cancelFunc = cancel
	m.mu.Unlock()

	slog.Info("Starting link health monitor", "interval", m.interval)

	defer func() {
		close(m.done)
		slog.Info("Link health monitor shutting down")
	}()

	ticker := time.NewTicker(m.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(sweepCtx)
			ticker.Reset(m.sweepInterval())
		case <-sweepCtx.Done():
			return nil
		}
	}
}

// Stop cancels the sweep loop and waits for it to finish. Stopping a monitor
// that never started just prevents it from starting.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancelFunc
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-m.done
	}
	return nil
}

// Sweep validates every link in one pass over a table snapshot; the table
// keeps serving mutations while the sweep runs.
func (m *Monitor) Sweep(ctx context.Context) {
	links := m.registry.Links()

	var healthy, broken, unknown int
	for _, link := range links {
		if ctx.Err() != nil {
			return
		}

		result := m.check.Validate(ctx, link)
		switch {
		case result.Valid():
			m.registry.MarkHealthy(link.SessionID)
			healthy++

		case result.Broken():
			slog.Info("Health sweep found broken link",
				"session_id", link.SessionID,
				"thread_id", link.ThreadID,
				"session", result.Session.String(),
				"thread", result.Thread.String(),
				"thread_finalized", result.ThreadFinalized)
			m.registry.RemoveBroken(ctx, link.SessionID, sweepReason(result))
			broken++

		default:
			// Nothing authoritative was learned; leave the link as it
			// is rather than acting on a flaky call.
			unknown++
		}
	}

	slog.Debug("Health sweep complete",
		"links", len(links),
		"healthy", healthy,
		"broken", broken,
		"unknown", unknown)
}

func sweepReason(result validator.Result) string {
	switch {
	case result.Session == validator.PresenceAbsent:
		return "session gone"
	case result.Thread == validator.PresenceAbsent:
		return "thread gone"
	default:
		return fmt.Sprintf("thread finalized (session %s)", result.Session.String())
	}
}
