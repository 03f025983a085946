package handler

import (
	"context"
	"net/http"
	"time"
)

// ConnChecker reports whether the event bus connection is up.
type ConnChecker interface {
	IsConnected() bool
}

// Pinger checks a database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	bus ConnChecker
	db  Pinger
}

// NewHealthHandler creates a new health handler. A nil bus means event
// publishing is disabled and is not checked.
func NewHealthHandler(bus ConnChecker, db Pinger) *HealthHandler {
	return &HealthHandler{
		bus: bus,
		db:  db,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unavailable",
		})
		return
	}

	if h.bus != nil && !h.bus.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
