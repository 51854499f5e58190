package engine

import (
	"context"
	"log/slog"
)

// EventType identifies an inbound platform notification.
type EventType string

const (
	// EventSessionCreated means a live session appeared on the platform
	EventSessionCreated EventType = "session.created"

	// EventSessionDeleted means a live session ended or was deleted
	EventSessionDeleted EventType = "session.deleted"

	// EventOccupancyChanged means a session's occupancy count changed
	EventOccupancyChanged EventType = "occupancy.changed"
)

// Event is an inbound notification from the platform event source.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Occupancy int       `json:"occupancy,omitempty"`
}

// HandleEvent dispatches an inbound platform event. Events for unlinked
// sessions are ignored; session deletion triggers archive-and-remove.
// Unrecognized event types are logged and dropped, never an error — the
// platform adds event types faster than we consume them.
func (e *Engine) HandleEvent(ctx context.Context, event Event) {
	switch event.Type {
	case EventOccupancyChanged:
		e.Observe(ctx, event.SessionID, event.Occupancy)

	case EventSessionDeleted:
		e.removeLinked(ctx, event.SessionID, "session deleted event")

	case EventSessionCreated:
		// Links are created explicitly, not from session lifecycle.
		slog.Debug("Session created", "session_id", event.SessionID)

	default:
		slog.Debug("Ignoring unrecognized event type",
			"type", string(event.Type),
			"session_id", event.SessionID)
	}
}
