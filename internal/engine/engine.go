// Package engine implements the mapping engine: the façade that owns the
// link table and composes the reconciliation queue, validator, gateway, and
// repository into the bind/observe/unbind lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stagelink/stagelink-server/internal/gateway"
	"github.com/stagelink/stagelink-server/internal/linkage"
	"github.com/stagelink/stagelink-server/internal/queue"
	"github.com/stagelink/stagelink-server/internal/repository"
	"github.com/stagelink/stagelink-server/internal/telemetry"
	"github.com/stagelink/stagelink-server/internal/validator"
)

const (
	defaultDebounce     = 3 * time.Second
	defaultSyncInterval = 5 * time.Minute
)

// ErrThreadLinked is returned by Bind when the target thread is already
// linked to another live session and the existing link is not an upgradable
// placeholder.
var ErrThreadLinked = errors.New("thread is already linked to another session")

// PlaceholderFunc decides whether an existing link is a standalone
// placeholder that Bind may upgrade to point at a real session. The exact
// convention is deployment-specific, so it is pluggable.
type PlaceholderFunc func(link linkage.Link) bool

// PrefixPlaceholder returns a PlaceholderFunc matching links whose session
// ID carries the given prefix.
func PrefixPlaceholder(prefix string) PlaceholderFunc {
	return func(link linkage.Link) bool {
		return prefix != "" && strings.HasPrefix(link.SessionID, prefix)
	}
}

// Engine is the mapping engine. All table mutations funnel through it;
// propagation work for different sessions runs concurrently on the queue.
type Engine struct {
	gw    gateway.Gateway
	repo  repository.Repository
	table *linkage.Table
	queue *queue.Queue
	check *validator.Validator

	// mu serializes the mutating operations. The table has its own lock
	// for single calls, but the duplicate-secondary check and the insert
	// it guards must be one atomic sequence.
	mu sync.Mutex

	debounce        time.Duration
	syncInterval    time.Duration
	staleAfter      time.Duration
	recoverAttempts int
	recoverDelay    time.Duration
	retryPolicy     queue.RetryPolicy
	placeholder     PlaceholderFunc
	metrics         *telemetry.EngineMetrics
}

// Option configures the engine.
type Option func(*Engine)

// WithDebounce sets the debounce window applied to observed occupancy
// changes.
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) {
		e.debounce = d
	}
}

// WithSyncInterval sets the period of the table-to-repository write-through.
func WithSyncInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.syncInterval = d
	}
}

// WithStaleAfter drops persisted links during recovery when their last
// update is older than the given age and validation came back unknown.
// Zero disables the age check.
func WithStaleAfter(d time.Duration) Option {
	return func(e *Engine) {
		e.staleAfter = d
	}
}

// WithRecoveryRetry bounds the startup retry loop used when the gateway or
// repository is not ready yet.
func WithRecoveryRetry(attempts int, delay time.Duration) Option {
	return func(e *Engine) {
		e.recoverAttempts = attempts
		e.recoverDelay = delay
	}
}

// WithPlaceholderFunc sets the placeholder-upgrade predicate used by Bind.
func WithPlaceholderFunc(fn PlaceholderFunc) Option {
	return func(e *Engine) {
		e.placeholder = fn
	}
}

// WithRetryPolicy sets the propagation retry policy.
func WithRetryPolicy(policy queue.RetryPolicy) Option {
	return func(e *Engine) {
		e.retryPolicy = policy
	}
}

// WithMetrics sets the engine metrics. Nil metrics are a no-op.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates a mapping engine on the given gateway and repository.
func New(gw gateway.Gateway, repo repository.Repository, opts ...Option) *Engine {
	e := &Engine{
		gw:              gw,
		repo:            repo,
		table:           linkage.NewTable(),
		check:           validator.New(gw),
		debounce:        defaultDebounce,
		syncInterval:    defaultSyncInterval,
		recoverAttempts: 5,
		recoverDelay:    2 * time.Second,
		placeholder:     PrefixPlaceholder("standalone-"),
		retryPolicy:     queue.DefaultRetryPolicy(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.queue = queue.New(e.retryPolicy, e.propagate, queue.WithExhaustedFunc(e.onExhausted))
	return e
}

// Bind links a live session to a thread. Both resources must exist and the
// thread must be writable. A thread already linked elsewhere is rejected,
// except when the existing link is an upgradable placeholder: then the old
// link is rewritten to the real session, explicitly and logged, never
// silently. On success the link is persisted and an immediate propagation is
// scheduled.
func (e *Engine) Bind(ctx context.Context, sessionID, threadID string) (linkage.Link, error) {
	if _, err := e.gw.GetSession(ctx, sessionID); err != nil {
		return linkage.Link{}, fmt.Errorf("session %s: %w", sessionID, err)
	}

	thread, err := e.gw.GetThread(ctx, threadID)
	if err != nil {
		return linkage.Link{}, fmt.Errorf("thread %s: %w", threadID, err)
	}
	if thread.Finalized() {
		return linkage.Link{}, fmt.Errorf("thread %s: %w", threadID, gateway.ErrAlreadyArchived)
	}

	// The gateway round-trips above run unlocked; everything from the
	// duplicate check to the insert must not interleave with another
	// mutation, or two sessions can both claim the same thread.
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.table.BySecondary(threadID); ok && existing.SessionID != sessionID {
		if !e.placeholder(existing) {
			return linkage.Link{}, fmt.Errorf("%w: thread %s is linked to session %s",
				ErrThreadLinked, threadID, existing.SessionID)
		}
		slog.Info("Upgrading placeholder link to real session",
			"thread_id", threadID,
			"placeholder_session_id", existing.SessionID,
			"session_id", sessionID)
		e.dropLinkLocked(ctx, existing.SessionID)
	}

	// Re-linking a session replaces its previous link.
	if old, ok := e.table.Get(sessionID); ok {
		slog.Info("Replacing existing link for session",
			"session_id", sessionID,
			"old_thread_id", old.ThreadID,
			"thread_id", threadID)
		e.dropLinkLocked(ctx, sessionID)
	}

	link, err := e.table.Put(sessionID, threadID)
	if err != nil {
		return linkage.Link{}, err
	}

	if err := e.repo.Upsert(ctx, link); err != nil {
		// Persistence failure never blocks in-memory operation; the
		// periodic sync will retry the write.
		slog.Error("Failed to persist link",
			"session_id", sessionID,
			"thread_id", threadID,
			"error", err)
	}

	slog.Info("Linked session to thread", "session_id", sessionID, "thread_id", threadID)
	e.metrics.RecordLinks(ctx, int64(e.table.Len()))
	e.queue.Schedule(sessionID, 0)
	return link, nil
}

// Unbind removes the link for the session, archiving its thread on a
// best-effort basis. Unbinding an unknown session is a no-op; calling it
// twice never errors the caller.
func (e *Engine) Unbind(ctx context.Context, sessionID string) error {
	e.removeLinked(ctx, sessionID, "explicit unbind")
	return nil
}

// Observe records an occupancy change for the session. Without a link it is
// a no-op; an unchanged count schedules nothing.
func (e *Engine) Observe(_ context.Context, sessionID string, count int) {
	link, ok := e.table.Get(sessionID)
	if !ok {
		return
	}
	if count == link.LastKnownCount {
		return
	}
	e.queue.Schedule(sessionID, e.debounce)
}

// Get returns the link for the session with derived health applied.
func (e *Engine) Get(sessionID string) (linkage.Link, bool) {
	link, ok := e.table.Get(sessionID)
	if !ok {
		return linkage.Link{}, false
	}
	return e.deriveHealth(link), true
}

// Links returns a snapshot of all links with derived health applied:
// a healthy link with retries in flight reports as Degraded.
func (e *Engine) Links() []linkage.Link {
	links := e.table.Snapshot()
	for i, link := range links {
		links[i] = e.deriveHealth(link)
	}
	return links
}

func (e *Engine) deriveHealth(link linkage.Link) linkage.Link {
	if link.Health == linkage.HealthHealthy && e.queue.Attempts(link.SessionID) > 0 {
		link.Health = linkage.HealthDegraded
	}
	return link
}

// MarkHealthy restores the Healthy classification for the session's link.
// Called by the health monitor after a successful validation.
func (e *Engine) MarkHealthy(sessionID string) {
	link, ok := e.table.Get(sessionID)
	if !ok || link.Health == linkage.HealthHealthy {
		return
	}
	e.table.SetHealth(sessionID, linkage.HealthHealthy)
}

// RemoveBroken archives and removes a link the validator found broken.
// Called by the health monitor.
func (e *Engine) RemoveBroken(ctx context.Context, sessionID, reason string) {
	e.removeLinked(ctx, sessionID, reason)
}

// removeLinked archives and removes the session's link if it exists. The
// lookup and the removal happen under the mutation lock so a concurrent Bind
// cannot slip between them.
func (e *Engine) removeLinked(ctx context.Context, sessionID, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	link, ok := e.table.Get(sessionID)
	if !ok {
		return
	}
	e.archiveAndRemoveLocked(ctx, link, reason)
}

// Run drives the periodic table-to-repository sync until the context is
// cancelled, then shuts down the queue.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.SyncToRepository(ctx); err != nil {
				slog.Error("Periodic repository sync failed", "error", err)
			}
		case <-ctx.Done():
			e.queue.Shutdown()
			return nil
		}
	}
}

// SyncToRepository writes the whole table through to the repository. A crash
// loses at most one sync interval of state; startup recovery revalidates
// everything anyway.
func (e *Engine) SyncToRepository(ctx context.Context) error {
	links := e.table.Snapshot()

	var failed int
	for _, link := range links {
		if err := e.repo.Upsert(ctx, link); err != nil {
			failed++
			slog.Error("Failed to sync link to repository",
				"session_id", link.SessionID,
				"error", err)
		}
	}

	slog.Debug("Synced link table to repository", "links", len(links), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("failed to sync %d of %d links", failed, len(links))
	}
	return nil
}

// propagate is the queue's propagation function: fetch ground truth for the
// session and mirror it onto the thread. A transient error is returned for
// the queue to retry; an authoritatively gone session triggers
// archive-and-remove instead of further retries.
func (e *Engine) propagate(ctx context.Context, sessionID string) error {
	link, ok := e.table.Get(sessionID)
	if !ok {
		// Link was removed after this task was scheduled.
		return nil
	}

	start := time.Now()

	session, err := e.gw.GetSession(ctx, sessionID)
	if errors.Is(err, gateway.ErrNotFound) {
		e.removeLinked(ctx, sessionID, "session gone")
		return nil
	}
	if err != nil {
		e.metrics.RecordPropagation(ctx, time.Since(start), false)
		return err
	}

	err = e.gw.WriteOccupancy(ctx, link.ThreadID, session.Occupancy, session.Capacity)
	if errors.Is(err, gateway.ErrNotFound) {
		// The thread itself is gone; nothing left to archive.
		slog.Warn("Thread no longer exists, dropping link",
			"session_id", sessionID,
			"thread_id", link.ThreadID)
		e.mu.Lock()
		e.dropLinkLocked(ctx, sessionID)
		e.metrics.RecordLinks(ctx, int64(e.table.Len()))
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		e.metrics.RecordPropagation(ctx, time.Since(start), false)
		return err
	}

	e.table.SetCount(sessionID, session.Occupancy)
	e.metrics.RecordPropagation(ctx, time.Since(start), true)
	slog.Debug("Propagated occupancy",
		"session_id", sessionID,
		"thread_id", link.ThreadID,
		"occupancy", session.Occupancy)
	return nil
}

// onExhausted marks the link Error after the retry budget is spent. The
// link is kept; a later sweep or a fresh observation may recover it.
func (e *Engine) onExhausted(sessionID string, lastErr error) {
	e.table.SetHealth(sessionID, linkage.HealthError)
	e.metrics.RecordExhausted(context.Background())
	slog.Error("Marking link unhealthy after exhausted retries",
		"session_id", sessionID,
		"error", lastErr)
}

// archiveAndRemoveLocked archives the thread (best-effort) and removes the
// link from table and repository. Archive failure is logged, never fatal, and
// an already-archived thread counts as success. Caller holds e.mu.
func (e *Engine) archiveAndRemoveLocked(ctx context.Context, link linkage.Link, reason string) {
	e.queue.Cancel(link.SessionID)

	err := e.gw.ArchiveThread(ctx, link.ThreadID)
	switch {
	case err == nil:
		e.metrics.RecordArchive(ctx)
	case errors.Is(err, gateway.ErrAlreadyArchived), errors.Is(err, gateway.ErrNotFound):
		// Idempotence over strict correctness.
	default:
		slog.Warn("Failed to archive thread, removing link anyway",
			"session_id", link.SessionID,
			"thread_id", link.ThreadID,
			"error", err)
	}

	e.dropLinkLocked(ctx, link.SessionID)
	e.metrics.RecordLinks(ctx, int64(e.table.Len()))
	slog.Info("Removed link",
		"session_id", link.SessionID,
		"thread_id", link.ThreadID,
		"reason", reason)
}

// dropLinkLocked removes the link from the table and the repository without
// touching the thread. Caller holds e.mu.
func (e *Engine) dropLinkLocked(ctx context.Context, sessionID string) {
	e.queue.Cancel(sessionID)
	e.table.Remove(sessionID)
	if err := e.repo.Delete(ctx, sessionID); err != nil {
		slog.Error("Failed to delete link from repository",
			"session_id", sessionID,
			"error", err)
	}
}
