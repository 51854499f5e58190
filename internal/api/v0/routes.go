// Package v0 provides the REST API handlers for link management.
package v0

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stagelink/stagelink-server/internal/engine"
	"github.com/stagelink/stagelink-server/internal/gateway"
	"github.com/stagelink/stagelink-server/internal/linkage"
	"github.com/stagelink/stagelink-server/internal/versions"
)

// LinkService is the slice of the mapping engine the API exposes.
type LinkService interface {
	Bind(ctx context.Context, sessionID, threadID string) (linkage.Link, error)
	Unbind(ctx context.Context, sessionID string) error
	Get(sessionID string) (linkage.Link, bool)
	Links() []linkage.Link
	HandleEvent(ctx context.Context, event engine.Event)
}

// BindRequest is the request body for creating a link
type BindRequest struct {
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id"`
}

// LinkListResponse is the response body for listing links
type LinkListResponse struct {
	Links []linkage.Link `json:"links"`
	Total int            `json:"total"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes defines the routes for the link API with dependency injection
type Routes struct {
	service LinkService
}

// Router creates a new router for the link API
func Router(svc LinkService) http.Handler {
	routes := &Routes{service: svc}

	r := chi.NewRouter()

	r.Get("/links", routes.listLinks)
	r.Post("/links", routes.bind)
	r.Get("/links/{sessionID}", routes.getLink)
	r.Delete("/links/{sessionID}", routes.unbind)

	r.Post("/events", routes.handleEvent)

	return r
}

// HealthRouter creates a router for the health and version endpoints
func HealthRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, versions.GetVersionInfo())
	})
	return r
}

// listLinks handles GET /v0/links
func (rr *Routes) listLinks(w http.ResponseWriter, _ *http.Request) {
	links := rr.service.Links()
	writeJSON(w, http.StatusOK, LinkListResponse{
		Links: links,
		Total: len(links),
	})
}

// getLink handles GET /v0/links/{sessionID}
func (rr *Routes) getLink(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	link, ok := rr.service.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "no link for session "+sessionID)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// bind handles POST /v0/links
func (rr *Routes) bind(w http.ResponseWriter, r *http.Request) {
	var req BindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "session_id and thread_id are required")
		return
	}

	link, err := rr.service.Bind(r.Context(), req.SessionID, req.ThreadID)
	if err != nil {
		writeBindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

// unbind handles DELETE /v0/links/{sessionID}
func (rr *Routes) unbind(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := rr.service.Unbind(r.Context(), sessionID); err != nil {
		slog.Error("Failed to unbind session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to unbind session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// eventRequest is the inbound platform webhook payload
type eventRequest struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Occupancy int    `json:"occupancy,omitempty"`
}

// handleEvent handles POST /v0/events
func (rr *Routes) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event body")
		return
	}
	if req.Type == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "type and session_id are required")
		return
	}
	if req.ID == "" {
		// Correlation ID for platforms that do not send one.
		req.ID = uuid.NewString()
	}

	slog.Debug("Received platform event",
		"event_id", req.ID,
		"type", req.Type,
		"session_id", req.SessionID)

	rr.service.HandleEvent(r.Context(), engine.Event{
		Type:      engine.EventType(req.Type),
		SessionID: req.SessionID,
		Occupancy: req.Occupancy,
	})

	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": req.ID})
}

func writeBindError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrThreadLinked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, gateway.ErrAlreadyArchived):
		writeError(w, http.StatusConflict, err.Error())
	case gateway.IsTransient(err):
		writeError(w, http.StatusBadGateway, "platform temporarily unavailable")
	default:
		slog.Error("Bind failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create link")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
