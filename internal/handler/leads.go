// Package handler provides HTTP handlers for the API.
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

// LeadPipeline processes inbound lead messages and exposes session state.
type LeadPipeline interface {
	ProcessLead(ctx context.Context, in model.InboundLead) (*model.ProcessResult, error)
	Session(ctx context.Context, key model.SessionKey) (*model.LeadSession, error)
	Interactions(ctx context.Context, key model.SessionKey) ([]model.InteractionRecord, error)
	Resolve(ctx context.Context, key model.SessionKey, status model.SessionStatus, reason string) (*model.LeadSession, error)
	Verify(ctx context.Context, key model.SessionKey) (*model.VerifySessionResponse, error)
}

// DefaultFallbackReply is sent back for the lead when the pipeline cannot answer.
const DefaultFallbackReply = "Recebemos sua mensagem! Em breve um de nossos especialistas vai retornar o contato."

// LeadHandler handles lead processing and session endpoints.
type LeadHandler struct {
	pipeline      LeadPipeline
	fallbackReply string
	logger        *logger.Logger
}

// NewLeadHandler creates a new lead handler.
func NewLeadHandler(pipeline LeadPipeline, fallbackReply string, log *logger.Logger) *LeadHandler {
	if fallbackReply == "" {
		fallbackReply = DefaultFallbackReply
	}
	return &LeadHandler{
		pipeline:      pipeline,
		fallbackReply: fallbackReply,
		logger:        log,
	}
}

// ProcessResponse is the reply to a processed lead message.
type ProcessResponse struct {
	Reply      string             `json:"reply"`
	Session    *model.LeadSession `json:"session"`
	Escalation *model.Escalation  `json:"escalation,omitempty"`
	RecordID   string             `json:"record_id"`
	Duplicate  bool               `json:"duplicate,omitempty"`
}

// Process handles POST /api/v1/leads/process
func (h *LeadHandler) Process(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	var req model.ProcessLeadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateLeadID(req.LeadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	channel, err := model.ParseChannel(req.Channel)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown channel")
		return
	}

	res, err := h.pipeline.ProcessLead(ctx, model.InboundLead{
		TenantID:  tenantID,
		LeadID:    req.LeadID,
		Channel:   channel,
		Message:   req.Message,
		MessageID: req.MessageID,
	})
	if err != nil {
		h.writeProcessError(w, r, req.LeadID, err)
		return
	}

	writeJSON(w, http.StatusOK, &ProcessResponse{
		Reply:      res.Reply,
		Session:    res.Session,
		Escalation: res.Escalation,
		RecordID:   res.Record.ID,
		Duplicate:  res.Duplicate,
	})
}

// writeProcessError answers a failed message. The channel adapter still gets
// something to send the lead unless the request itself was bad.
func (h *LeadHandler) writeProcessError(w http.ResponseWriter, r *http.Request, leadID string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: "failed to process lead message", Code: model.ErrorCode(err)}

	switch {
	case errors.Is(err, context.Canceled):
		return
	case status == http.StatusBadRequest:
		resp.Error = err.Error()
	case errors.Is(err, model.ErrSessionTerminated):
		resp.Error = "lead session is closed"
	default:
		resp.FallbackReply = h.fallbackReply
		if model.IsRetryable(err) {
			w.Header().Set("Retry-After", "5")
		}
	}

	fields := []zap.Field{
		zap.String("tenant_id", middleware.GetTenantID(r.Context())),
		zap.String("lead_id", leadID),
		zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		zap.String("code", resp.Code),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("lead processing failed", fields...)
	} else {
		h.logger.Warn("lead processing rejected", fields...)
	}
	writeJSON(w, status, resp)
}

// sessionKey reads the session key from the URL path.
func sessionKey(r *http.Request) (model.SessionKey, error) {
	leadID := chi.URLParam(r, "leadID")
	if err := middleware.ValidateLeadID(leadID); err != nil {
		return model.SessionKey{}, err
	}
	channel, err := model.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		return model.SessionKey{}, errors.New("unknown channel")
	}
	return model.SessionKey{
		TenantID: middleware.GetTenantID(r.Context()),
		LeadID:   leadID,
		Channel:  channel,
	}, nil
}

// GetSession handles GET /api/v1/leads/:leadID/sessions/:channel
func (h *LeadHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	key, err := sessionKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.pipeline.Session(r.Context(), key)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			h.logger.Error("failed to load session", zap.String("session", key.String()), zap.Error(err))
		}
		writeErr(w, err, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// ListInteractions handles GET /api/v1/leads/:leadID/sessions/:channel/interactions
func (h *LeadHandler) ListInteractions(w http.ResponseWriter, r *http.Request) {
	key, err := sessionKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.pipeline.Interactions(r.Context(), key)
	if err != nil {
		h.logger.Error("failed to list interactions", zap.String("session", key.String()), zap.Error(err))
		writeErr(w, err, "failed to list interactions")
		return
	}
	if records == nil {
		records = []model.InteractionRecord{}
	}

	writeJSON(w, http.StatusOK, &model.ListInteractionsResponse{
		Interactions: records,
		Total:        len(records),
	})
}

// Resolve handles POST /api/v1/leads/:leadID/sessions/:channel/resolve
func (h *LeadHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	key, err := sessionKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.ResolveSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.pipeline.Resolve(r.Context(), key, req.Status, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidInput):
			writeErr(w, err, "status must be qualified, closed or abandoned")
		case errors.Is(err, model.ErrNotFound):
			writeErr(w, err, "session not found")
		case errors.Is(err, model.ErrSessionTerminated):
			writeErr(w, err, "session already terminated")
		default:
			h.logger.Error("failed to resolve session", zap.String("session", key.String()), zap.Error(err))
			writeErr(w, err, "failed to resolve session")
		}
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// Verify handles GET /api/v1/leads/:leadID/sessions/:channel/verify
func (h *LeadHandler) Verify(w http.ResponseWriter, r *http.Request) {
	key, err := sessionKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.pipeline.Verify(r.Context(), key)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			h.logger.Error("failed to verify session", zap.String("session", key.String()), zap.Error(err))
		}
		writeErr(w, err, "failed to verify session")
		return
	}

	writeJSON(w, http.StatusOK, report)
}
