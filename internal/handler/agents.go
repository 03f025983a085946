package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lexflow/lead-pipeline/internal/middleware"
	"github.com/lexflow/lead-pipeline/internal/model"
	"github.com/lexflow/lead-pipeline/pkg/logger"
)

// AgentAdmin manages a tenant's agent profiles.
type AgentAdmin interface {
	Create(ctx context.Context, a *model.AgentProfile) error
	Update(ctx context.Context, a *model.AgentProfile) error
	Delete(ctx context.Context, tenantID, agentID string) error
	Get(ctx context.Context, tenantID, agentID string) (*model.AgentProfile, error)
	List(ctx context.Context, tenantID string) ([]model.AgentProfile, error)
}

// EntrySettings reads and changes the agent type new sessions start with.
type EntrySettings interface {
	EntryAgentType(ctx context.Context, tenantID string) (model.AgentType, error)
	SetEntryAgentType(ctx context.Context, tenantID string, entry model.AgentType) error
}

// AgentHandler handles agent profile endpoints.
type AgentHandler struct {
	agents   AgentAdmin
	settings EntrySettings
	logger   *logger.Logger
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(agents AgentAdmin, settings EntrySettings, log *logger.Logger) *AgentHandler {
	return &AgentHandler{
		agents:   agents,
		settings: settings,
		logger:   log,
	}
}

// Create handles POST /api/v1/agents
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agentType, err := model.ParseAgentType(string(req.Type))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rules, err := model.DecodeRules(agentType, req.EscalationRules)
	if err != nil {
		writeErr(w, err, err.Error())
		return
	}

	agent := &model.AgentProfile{
		TenantID:           tenantID,
		Name:               req.Name,
		Type:               agentType,
		LegalArea:          req.LegalArea,
		PromptBase:         req.PromptBase,
		Personality:        req.Personality,
		SpecializationTags: req.SpecializationTags,
		EscalationRules:    rules,
		MaxInteractions:    req.MaxInteractions,
		Active:             req.Active == nil || *req.Active,
	}
	if err := h.agents.Create(ctx, agent); err != nil {
		h.writeAgentError(w, err, "failed to create agent")
		return
	}

	h.logger.Info("agent created",
		zap.String("tenant_id", tenantID),
		zap.String("agent_id", agent.ID),
		zap.String("agent_type", string(agent.Type)),
	)
	writeJSON(w, http.StatusCreated, agent)
}

// List handles GET /api/v1/agents
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	agents, err := h.agents.List(ctx, tenantID)
	if err != nil {
		h.logger.Error("failed to list agents", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if agents == nil {
		agents = []model.AgentProfile{}
	}

	writeJSON(w, http.StatusOK, &model.ListAgentsResponse{
		Agents: agents,
		Total:  len(agents),
	})
}

// Get handles GET /api/v1/agents/:agentID
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := chi.URLParam(r, "agentID")

	if err := middleware.ValidateAgentID(agentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	agent, err := h.agents.Get(ctx, middleware.GetTenantID(ctx), agentID)
	if err != nil {
		h.writeAgentError(w, err, "agent not found")
		return
	}

	writeJSON(w, http.StatusOK, agent)
}

// Update handles PUT /api/v1/agents/:agentID
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	agentID := chi.URLParam(r, "agentID")

	if err := middleware.ValidateAgentID(agentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.UpdateAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agent, err := h.agents.Get(ctx, tenantID, agentID)
	if err != nil {
		h.writeAgentError(w, err, "agent not found")
		return
	}

	if req.Name != nil {
		if err := middleware.ValidateName(*req.Name); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		agent.Name = *req.Name
	}
	if req.LegalArea != nil {
		agent.LegalArea = *req.LegalArea
	}
	if req.PromptBase != nil {
		agent.PromptBase = *req.PromptBase
	}
	if req.Personality != nil {
		agent.Personality = *req.Personality
	}
	if req.SpecializationTags != nil {
		agent.SpecializationTags = req.SpecializationTags
	}
	if req.MaxInteractions != nil {
		agent.MaxInteractions = *req.MaxInteractions
	}
	if req.Active != nil {
		agent.Active = *req.Active
	}
	if len(req.EscalationRules) > 0 {
		rules, err := model.DecodeRules(agent.Type, req.EscalationRules)
		if err != nil {
			writeErr(w, err, err.Error())
			return
		}
		agent.EscalationRules = rules
	}

	if err := h.agents.Update(ctx, agent); err != nil {
		h.writeAgentError(w, err, "failed to update agent")
		return
	}

	h.logger.Info("agent updated",
		zap.String("tenant_id", tenantID),
		zap.String("agent_id", agent.ID),
		zap.Bool("active", agent.Active),
	)
	writeJSON(w, http.StatusOK, agent)
}

// Delete handles DELETE /api/v1/agents/:agentID
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	agentID := chi.URLParam(r, "agentID")

	if err := middleware.ValidateAgentID(agentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.agents.Delete(ctx, tenantID, agentID); err != nil {
		h.writeAgentError(w, err, "agent not found")
		return
	}

	h.logger.Info("agent deleted", zap.String("tenant_id", tenantID), zap.String("agent_id", agentID))
	w.WriteHeader(http.StatusNoContent)
}

// EntryAgentResponse is the body of the entry agent settings endpoints.
type EntryAgentResponse struct {
	EntryAgentType model.AgentType `json:"entry_agent_type"`
}

// GetEntryAgent handles GET /api/v1/settings/entry-agent
func (h *AgentHandler) GetEntryAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entry, err := h.settings.EntryAgentType(ctx, middleware.GetTenantID(ctx))
	if err != nil {
		h.logger.Error("failed to load entry agent type", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}

	writeJSON(w, http.StatusOK, &EntryAgentResponse{EntryAgentType: entry})
}

// SetEntryAgent handles PUT /api/v1/settings/entry-agent
func (h *AgentHandler) SetEntryAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	var req EntryAgentResponse
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.settings.SetEntryAgentType(ctx, tenantID, req.EntryAgentType); err != nil {
		h.writeAgentError(w, err, "failed to update settings")
		return
	}

	entry, err := h.settings.EntryAgentType(ctx, tenantID)
	if err != nil {
		h.logger.Error("failed to load entry agent type", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}

	h.logger.Info("entry agent type changed", zap.String("tenant_id", tenantID), zap.String("entry_agent_type", string(entry)))
	writeJSON(w, http.StatusOK, &EntryAgentResponse{EntryAgentType: entry})
}

func (h *AgentHandler) writeAgentError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrInvalidRule):
		writeErr(w, err, err.Error())
	case errors.Is(err, model.ErrDuplicateActiveAgent):
		writeErr(w, err, "another active agent already has this type")
	case errors.Is(err, model.ErrNotFound):
		writeErr(w, err, "agent not found")
	default:
		h.logger.Error(message, zap.Error(err))
		writeErr(w, err, message)
	}
}
