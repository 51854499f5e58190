// Package linkage holds the in-memory session-to-thread link table that the
// mapping engine operates on.
package linkage

import "time"

// Health classifies the operability of a link.
type Health string

const (
	// HealthHealthy means the last propagation for this link succeeded
	HealthHealthy Health = "Healthy"

	// HealthDegraded means a propagation is being retried. This is a derived
	// reporting label, it is never stored in the table.
	HealthDegraded Health = "Degraded"

	// HealthError means the retry budget for the last propagation was spent
	HealthError Health = "Error"
)

// Link associates one live session with the thread that mirrors it.
type Link struct {
	// SessionID identifies the live session on the platform. Unique key.
	SessionID string `yaml:"sessionId" json:"session_id"`

	// ThreadID identifies the discussion thread the session state is
	// mirrored onto. At most one active link targets a given thread.
	ThreadID string `yaml:"threadId" json:"thread_id"`

	// LastKnownCount is the occupancy value of the last confirmed
	// successful write to the thread. Used to suppress redundant writes.
	LastKnownCount int `yaml:"lastKnownCount" json:"last_known_count"`

	// Health is the current health classification
	Health Health `yaml:"health" json:"health"`

	// CreatedAt is when the link was first established
	CreatedAt time.Time `yaml:"createdAt" json:"created_at"`

	// UpdatedAt is the time of the last confirmed mutation
	UpdatedAt time.Time `yaml:"updatedAt" json:"updated_at"`
}
