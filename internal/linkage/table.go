package linkage

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyLinked is returned when a session already has a link in the table.
// The caller must remove the existing link before putting a new one.
var ErrAlreadyLinked = errors.New("session is already linked")

// Table is the process-wide map of session ID to link. It is owned by the
// mapping engine; nothing else mutates it. All operations are safe for
// concurrent use, and Snapshot returns a copy so iteration never races with
// mutation.
type Table struct {
	mu    sync.RWMutex
	links map[string]*Link
}

// NewTable creates an empty link table.
func NewTable() *Table {
	return &Table{
		links: make(map[string]*Link),
	}
}

// Put inserts a new link for the given session. It fails with
// ErrAlreadyLinked if the session is already present.
func (t *Table) Put(sessionID, threadID string) (Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.links[sessionID]; exists {
		return Link{}, ErrAlreadyLinked
	}

	now := time.Now().UTC()
	link := &Link{
		SessionID: sessionID,
		ThreadID:  threadID,
		Health:    HealthHealthy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.links[sessionID] = link
	return *link, nil
}

// Restore inserts a previously persisted link, keeping its counts and
// timestamps. Used by startup recovery. Fails with ErrAlreadyLinked if the
// session is already present.
func (t *Table) Restore(link Link) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.links[link.SessionID]; exists {
		return ErrAlreadyLinked
	}

	stored := link
	t.links[link.SessionID] = &stored
	return nil
}

// Remove deletes the link for the given session. Removing an absent session
// is a no-op.
func (t *Table) Remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.links, sessionID)
}

// Get returns a copy of the link for the given session.
func (t *Table) Get(sessionID string) (Link, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	link, ok := t.links[sessionID]
	if !ok {
		return Link{}, false
	}
	return *link, true
}

// BySecondary returns a copy of the link targeting the given thread, if any.
func (t *Table) BySecondary(threadID string) (Link, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, link := range t.links {
		if link.ThreadID == threadID {
			return *link, true
		}
	}
	return Link{}, false
}

// SetCount records a confirmed successful occupancy write. It must only be
// called after the gateway acknowledged the write, never optimistically.
func (t *Table) SetCount(sessionID string, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	link, ok := t.links[sessionID]
	if !ok {
		return
	}
	link.LastKnownCount = count
	link.Health = HealthHealthy
	link.UpdatedAt = time.Now().UTC()
}

// SetHealth updates the health classification for the given session's link.
func (t *Table) SetHealth(sessionID string, health Health) {
	t.mu.Lock()
	defer t.mu.Unlock()

	link, ok := t.links[sessionID]
	if !ok {
		return
	}
	link.Health = health
	link.UpdatedAt = time.Now().UTC()
}

// Len returns the number of links in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.links)
}

// Snapshot returns a copy of all links. The result is detached from the
// table, so callers may iterate while the table keeps changing.
func (t *Table) Snapshot() []Link {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Link, 0, len(t.links))
	for _, link := range t.links {
		out = append(out, *link)
	}
	return out
}
