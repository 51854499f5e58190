package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stagelink/stagelink-server/internal/linkage"
)

// RecoverOnStartup rebuilds the in-memory table from the repository. Every
// persisted link is revalidated against gateway ground truth: valid links
// are restored, broken ones are deleted from the repository, and links whose
// validation came back unknown are kept for the next health sweep unless
// they have gone stale. Nothing is dropped without a log entry.
//
// The initial load tolerates a repository or gateway that is not ready yet
// by retrying a bounded number of times instead of failing startup outright.
func (e *Engine) RecoverOnStartup(ctx context.Context) error {
	links, err := e.loadAllWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted links: %w", err)
	}

	var restored, discarded, unknown int
	for _, link := range links {
		result := e.check.Validate(ctx, link)

		switch {
		case result.Valid():
			if err := e.table.Restore(link); err != nil {
				slog.Warn("Skipping duplicate persisted link",
					"session_id", link.SessionID,
					"thread_id", link.ThreadID)
				continue
			}
			restored++

		case result.Broken():
			slog.Info("Discarding invalid persisted link",
				"session_id", link.SessionID,
				"thread_id", link.ThreadID,
				"session", result.Session.String(),
				"thread", result.Thread.String(),
				"thread_finalized", result.ThreadFinalized)
			if err := e.repo.Delete(ctx, link.SessionID); err != nil {
				slog.Error("Failed to delete invalid link from repository",
					"session_id", link.SessionID,
					"error", err)
			}
			discarded++

		default:
			if e.staleAfter > 0 && time.Since(link.UpdatedAt) > e.staleAfter {
				slog.Info("Discarding stale persisted link, validation unavailable",
					"session_id", link.SessionID,
					"thread_id", link.ThreadID,
					"updated_at", link.UpdatedAt)
				if err := e.repo.Delete(ctx, link.SessionID); err != nil {
					slog.Error("Failed to delete stale link from repository",
						"session_id", link.SessionID,
						"error", err)
				}
				discarded++
				continue
			}
			// Transient failure during validation; keep the link and
			// let the health sweep settle it.
			if err := e.table.Restore(link); err == nil {
				unknown++
			}
		}
	}

	e.metrics.RecordLinks(ctx, int64(e.table.Len()))
	slog.Info("Startup recovery complete",
		"persisted", len(links),
		"restored", restored,
		"discarded", discarded,
		"unvalidated", unknown)
	return nil
}

func (e *Engine) loadAllWithRetry(ctx context.Context) ([]linkage.Link, error) {
	var lastErr error
	for attempt := 1; attempt <= e.recoverAttempts; attempt++ {
		links, err := e.repo.LoadAll(ctx)
		if err == nil {
			return links, nil
		}
		lastErr = err

		slog.Warn("Repository not ready during startup recovery",
			"attempt", attempt,
			"max_attempts", e.recoverAttempts,
			"error", err)
		if attempt == e.recoverAttempts {
			break
		}

		timer := time.NewTimer(e.recoverDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}
