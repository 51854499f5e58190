// Package gateway defines the client contract for the remote platform that
// hosts live sessions and discussion threads, plus the error taxonomy the
// rest of the service keys its decisions on.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Session is a live session (voice/stage room) on the platform. Sessions are
// ephemeral and can disappear at any time outside our control.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Occupancy int       `json:"occupancy"`
	Capacity  int       `json:"capacity"`
	StartedAt time.Time `json:"started_at"`
}

// Thread is a durable discussion thread mirroring state about a session.
type Thread struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Archived bool   `json:"archived"`
	Locked   bool   `json:"locked"`
}

// Finalized reports whether the thread can no longer be written to.
func (t *Thread) Finalized() bool {
	return t.Archived || t.Locked
}

// Gateway is the remote resource gateway. Calls may fail, time out, or
// report that a resource does not exist; see the error taxonomy below for
// how callers must tell those apart.
//
//go:generate mockgen -destination=mocks/mock_gateway.go -package=mocks github.com/stagelink/stagelink-server/internal/gateway Gateway
type Gateway interface {
	// GetSession fetches a live session. Returns ErrNotFound if the
	// session does not exist.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// GetThread fetches a discussion thread. Returns ErrNotFound if the
	// thread does not exist.
	GetThread(ctx context.Context, threadID string) (*Thread, error)

	// WriteOccupancy mirrors the session occupancy onto the thread.
	WriteOccupancy(ctx context.Context, threadID string, count, capacity int) error

	// ArchiveThread archives the thread. Returns ErrAlreadyArchived if
	// the thread is already archived or locked; callers treat that as
	// success.
	ArchiveThread(ctx context.Context, threadID string) error
}

// Sentinel errors for authoritative gateway responses.
var (
	// ErrNotFound means the platform authoritatively reported the
	// resource as absent. It is never returned for timeouts or
	// rate-limits.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyArchived means the thread is already archived or locked.
	ErrAlreadyArchived = errors.New("thread already archived")
)

// TransientError wraps failures that are worth retrying: timeouts,
// rate-limits, 5xx responses, connection resets. A TransientError must never
// be interpreted as resource absence.
type TransientError struct {
	Err error

	// RetryAfter is the server-suggested wait before retrying, zero when
	// the server gave no hint.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient gateway error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RetryAfterHint returns the server-suggested retry delay, zero when absent.
func (e *TransientError) RetryAfterHint() time.Duration {
	return e.RetryAfter
}

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
