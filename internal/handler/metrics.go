package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lexflow/lead-pipeline/internal/middleware"
	"github.com/lexflow/lead-pipeline/internal/model"
	"github.com/lexflow/lead-pipeline/pkg/logger"
)

// maxStatsWindow bounds how far back a stats query may look.
const maxStatsWindow = 90 * 24 * time.Hour

// AgentStats computes per-agent performance counters.
type AgentStats interface {
	ComputeAgentMetrics(ctx context.Context, tenantID, agentID string, window time.Duration) (*model.AgentMetrics, error)
	ComputeTenantMetrics(ctx context.Context, tenantID string, window time.Duration) (*model.TenantMetricsResponse, error)
}

// StatsHandler handles agent performance endpoints.
type StatsHandler struct {
	stats  AgentStats
	logger *logger.Logger
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(stats AgentStats, log *logger.Logger) *StatsHandler {
	return &StatsHandler{
		stats:  stats,
		logger: log,
	}
}

// parseWindow reads ?window=, accepting Go durations such as 24h or 168h.
// Zero means the aggregator default.
func parseWindow(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return 0, nil
	}
	window, err := time.ParseDuration(raw)
	if err != nil || window <= 0 || window > maxStatsWindow {
		return 0, errors.New("window must be a positive duration up to 2160h")
	}
	return window, nil
}

// AgentMetrics handles GET /api/v1/agents/:agentID/metrics
func (h *StatsHandler) AgentMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := chi.URLParam(r, "agentID")

	if err := middleware.ValidateAgentID(agentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	window, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.stats.ComputeAgentMetrics(ctx, middleware.GetTenantID(ctx), agentID, window)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			h.logger.Error("failed to compute agent metrics", zap.String("agent_id", agentID), zap.Error(err))
		}
		writeErr(w, err, "failed to compute agent metrics")
		return
	}

	writeJSON(w, http.StatusOK, m)
}

// TenantMetrics handles GET /api/v1/metrics/agents
func (h *StatsHandler) TenantMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	window, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.stats.ComputeTenantMetrics(ctx, tenantID, window)
	if err != nil {
		h.logger.Error("failed to compute tenant metrics", zap.String("tenant_id", tenantID), zap.Error(err))
		writeErr(w, err, "failed to compute metrics")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
