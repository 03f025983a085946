package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexflow/lead-pipeline/internal/middleware"
	"github.com/lexflow/lead-pipeline/internal/model"
	"github.com/lexflow/lead-pipeline/internal/store"
	"github.com/lexflow/lead-pipeline/pkg/logger"
)

const testSecret = "handler-test-secret"

type fakePipeline struct {
	process func(in model.InboundLead) (*model.ProcessResult, error)
	last    model.InboundLead
}

func (p *fakePipeline) ProcessLead(ctx context.Context, in model.InboundLead) (*model.ProcessResult, error) {
	p.last = in
	return p.process(in)
}

func (p *fakePipeline) Session(ctx context.Context, key model.SessionKey) (*model.LeadSession, error) {
	if key.LeadID == "known" {
		return model.NewLeadSession(key, model.AgentTypeSDR, time.Now()), nil
	}
	return nil, fmt.Errorf("session %s: %w", key, model.ErrNotFound)
}

func (p *fakePipeline) Interactions(ctx context.Context, key model.SessionKey) ([]model.InteractionRecord, error) {
	return nil, nil
}

func (p *fakePipeline) Resolve(ctx context.Context, key model.SessionKey, status model.SessionStatus, reason string) (*model.LeadSession, error) {
	if status != model.StatusQualified {
		return nil, fmt.Errorf("%w: status %q", model.ErrInvalidInput, status)
	}
	s := model.NewLeadSession(key, model.AgentTypeSDR, time.Now())
	s.Status = status
	return s, nil
}

func (p *fakePipeline) Verify(ctx context.Context, key model.SessionKey) (*model.VerifySessionResponse, error) {
	return &model.VerifySessionResponse{Consistent: true}, nil
}

type fakeStats struct{}

func (fakeStats) ComputeAgentMetrics(ctx context.Context, tenantID, agentID string, window time.Duration) (*model.AgentMetrics, error) {
	return &model.AgentMetrics{AgentID: agentID, Window: window}, nil
}

func (fakeStats) ComputeTenantMetrics(ctx context.Context, tenantID string, window time.Duration) (*model.TenantMetricsResponse, error) {
	return &model.TenantMetricsResponse{Agents: []model.AgentMetrics{}}, nil
}

type fakeSubscriber struct {
	events chan model.PipelineEvent
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, tenantID string, after uint64) (<-chan model.PipelineEvent, error) {
	return s.events, nil
}

type testServer struct {
	*httptest.Server
	pipeline *fakePipeline
	feed     *fakeSubscriber
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.Nop()
	pipeline := &fakePipeline{process: func(in model.InboundLead) (*model.ProcessResult, error) {
		sess := model.NewLeadSession(in.Key(), model.AgentTypeSDR, time.Now())
		sess.InteractionCount = 1
		return &model.ProcessResult{
			Reply:   "Olá! Como posso ajudar?",
			Session: sess,
			Record:  &model.InteractionRecord{ID: "rec-1"},
		}, nil
	}}
	feed := &fakeSubscriber{events: make(chan model.PipelineEvent, 4)}

	router := NewRouter(RouterConfig{JWTSecret: testSecret}, Handlers{
		Health: NewHealthHandler(nil, db),
		Leads:  NewLeadHandler(pipeline, "", log),
		Agents: NewAgentHandler(store.NewAgentStore(db), store.NewTenantSettings(db, model.AgentTypeSDR), log),
		Stats:  NewStatsHandler(fakeStats{}, log),
		Feed:   NewFeedHandler(feed, 10*time.Millisecond, log),
	}, log)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, pipeline: pipeline, feed: feed}
}

func token(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "adapter-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "tenant-1",
		Scopes:   scopes,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, body string, scopes ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, scopes...))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProcess(t *testing.T) {
	srv := newTestServer(t)
	body := `{"lead_id":"+5511999990000","channel":"WhatsApp","message":"Quanto custa?","message_id":"wamid-1"}`

	resp := srv.do(t, http.MethodPost, "/api/v1/leads/process", body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "processing needs leads:write")

	resp = srv.do(t, http.MethodPost, "/api/v1/leads/process", body, middleware.ScopeLeadsWrite)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[ProcessResponse](t, resp)
	assert.Equal(t, "Olá! Como posso ajudar?", out.Reply)
	assert.Equal(t, "rec-1", out.RecordID)

	in := srv.pipeline.last
	assert.Equal(t, "tenant-1", in.TenantID, "tenant comes from the token")
	assert.Equal(t, model.ChannelWhatsApp, in.Channel)
	assert.Equal(t, "wamid-1", in.MessageID)
}

func TestProcess_BadRequests(t *testing.T) {
	srv := newTestServer(t)
	for name, body := range map[string]string{
		"malformed json":  `{`,
		"empty message":   `{"lead_id":"l1","channel":"chat","message":""}`,
		"bad lead id":     `{"lead_id":"has space","channel":"chat","message":"oi"}`,
		"unknown channel": `{"lead_id":"l1","channel":"fax","message":"oi"}`,
	} {
		resp := srv.do(t, http.MethodPost, "/api/v1/leads/process", body, middleware.ScopeLeadsWrite)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
		assert.Empty(t, decode[ErrorResponse](t, resp).FallbackReply, name)
	}
}

func TestProcess_ErrorMapping(t *testing.T) {
	tests := []struct {
		err      error
		status   int
		code     string
		fallback bool
	}{
		{fmt.Errorf("x: %w", model.ErrAgentNotConfigured), http.StatusUnprocessableEntity, "agent_not_configured", true},
		{fmt.Errorf("x: %w", model.ErrAgentInvocationFailed), http.StatusServiceUnavailable, "agent_invocation_failed", true},
		{fmt.Errorf("x: %w", model.ErrSessionWriteConflict), http.StatusConflict, "session_write_conflict", true},
		{fmt.Errorf("x: %w", model.ErrSessionTerminated), http.StatusConflict, "session_terminated", false},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal", true},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv := newTestServer(t)
			srv.pipeline.process = func(model.InboundLead) (*model.ProcessResult, error) { return nil, tt.err }

			resp := srv.do(t, http.MethodPost, "/api/v1/leads/process",
				`{"lead_id":"l1","channel":"chat","message":"oi"}`, middleware.ScopeLeadsWrite)
			assert.Equal(t, tt.status, resp.StatusCode)
			out := decode[ErrorResponse](t, resp)
			assert.Equal(t, tt.code, out.Code)
			assert.NotContains(t, out.Error, "disk on fire", "internal details stay in the logs")
			if tt.fallback {
				assert.Equal(t, DefaultFallbackReply, out.FallbackReply)
			} else {
				assert.Empty(t, out.FallbackReply)
			}
		})
	}
}

func TestSessionEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, http.MethodGet, "/api/v1/leads/known/sessions/chat", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.AgentTypeSDR, decode[model.LeadSession](t, resp).CurrentAgentType)

	resp = srv.do(t, http.MethodGet, "/api/v1/leads/unknown/sessions/chat", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/v1/leads/known/sessions/fax", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/v1/leads/known/sessions/chat/interactions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[model.ListInteractionsResponse](t, resp)
	assert.NotNil(t, list.Interactions)
	assert.Zero(t, list.Total)

	resp = srv.do(t, http.MethodPost, "/api/v1/leads/known/sessions/chat/resolve", `{"status":"qualified"}`, middleware.ScopeLeadsWrite)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StatusQualified, decode[model.LeadSession](t, resp).Status)

	resp = srv.do(t, http.MethodPost, "/api/v1/leads/known/sessions/chat/resolve", `{"status":"escalated"}`, middleware.ScopeLeadsWrite)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/v1/leads/known/sessions/chat/verify", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[model.VerifySessionResponse](t, resp).Consistent)
}

func TestAgentEndpoints(t *testing.T) {
	srv := newTestServer(t)
	create := `{
		"name": "Ana",
		"type": "SDR",
		"legal_area": "Direito Previdenciário",
		"prompt_base": "Você qualifica leads.",
		"escalation_rules": [{"next_agent_type": "closer", "trigger_keywords": ["proposta"], "confidence_threshold": 0.5}],
		"max_interactions": 5
	}`

	resp := srv.do(t, http.MethodPost, "/api/v1/agents", create)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/api/v1/agents", create, middleware.ScopeAgentsWrite)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	agent := decode[model.AgentProfile](t, resp)
	assert.Equal(t, model.AgentTypeSDR, agent.Type)
	assert.True(t, agent.Active)
	require.Len(t, agent.EscalationRules, 1)
	assert.Equal(t, model.ConditionKeywordRatio, agent.EscalationRules[0].Condition)

	resp = srv.do(t, http.MethodPost, "/api/v1/agents", create, middleware.ScopeAgentsWrite)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "one active agent per type")

	resp = srv.do(t, http.MethodPost, "/api/v1/agents",
		`{"type":"cs","prompt_base":"p","escalation_rules":[{"next_agent_type":"cs","confidence_threshold":0.5}]}`,
		middleware.ScopeAgentsWrite)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_rule", decode[ErrorResponse](t, resp).Code)

	resp = srv.do(t, http.MethodPost, "/api/v1/agents",
		`{"type":"cs","prompt_base":"p","escalation_rules":[{"next":"closer"}]}`,
		middleware.ScopeAgentsWrite)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "unknown rule fields are rejected")

	resp = srv.do(t, http.MethodPut, "/api/v1/agents/"+agent.ID, `{"active":false,"max_interactions":3}`, middleware.ScopeAgentsWrite)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[model.AgentProfile](t, resp)
	assert.False(t, updated.Active)
	assert.Equal(t, 3, updated.MaxInteractions)
	assert.Len(t, updated.EscalationRules, 1, "omitted rules are kept")

	resp = srv.do(t, http.MethodGet, "/api/v1/agents", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[model.ListAgentsResponse](t, resp).Total)

	resp = srv.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID+"/metrics?window=168h", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 168*time.Hour, decode[model.AgentMetrics](t, resp).Window)

	resp = srv.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID+"/metrics?window=forever", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/v1/agents/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodDelete, "/api/v1/agents/"+agent.ID, "", middleware.ScopeAgentsWrite)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEntryAgentSettings(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, http.MethodGet, "/api/v1/settings/entry-agent", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.AgentTypeSDR, decode[EntryAgentResponse](t, resp).EntryAgentType)

	resp = srv.do(t, http.MethodPut, "/api/v1/settings/entry-agent", `{"entry_agent_type":"cs"}`, middleware.ScopeAgentsWrite)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.AgentTypeCS, decode[EntryAgentResponse](t, resp).EntryAgentType)

	resp = srv.do(t, http.MethodPut, "/api/v1/settings/entry-agent", `{"entry_agent_type":"Not Valid!"}`, middleware.ScopeAgentsWrite)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFeed(t *testing.T) {
	srv := newTestServer(t)
	srv.feed.events <- model.PipelineEvent{ID: "rec-1:escalated", Type: model.EventTypeEscalated, Sequence: 7}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/feed", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	seen := map[string]bool{}
	reader := bufio.NewReader(resp.Body)
	for !(seen["event: escalated"] && seen["id: 7"] && seen["event: heartbeat"]) {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen[strings.TrimSpace(line)] = true
	}
	assert.True(t, seen["event: connected"])
	assert.True(t, seen["event: escalated"])
	assert.True(t, seen["id: 7"])
	assert.True(t, seen["event: heartbeat"])
}

func TestFeed_RejectsBadCursor(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.do(t, http.MethodGet, "/api/v1/feed?after_sequence=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnauthenticated(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
