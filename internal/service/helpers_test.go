package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lexflow/lead-pipeline/internal/model"
	"github.com/lexflow/lead-pipeline/internal/responder"
	"github.com/lexflow/lead-pipeline/internal/store"
	"github.com/lexflow/lead-pipeline/pkg/logger"
)

// fakeGenerator replies through a script and records every prompt.
type fakeGenerator struct {
	mu      sync.Mutex
	prompts []responder.Prompt
	reply   func(p responder.Prompt) (string, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, p responder.Prompt) (*responder.Reply, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, p)
	reply := g.reply
	g.mu.Unlock()

	text := "Certo, pode me contar mais?"
	if reply != nil {
		var err error
		if text, err = reply(p); err != nil {
			return nil, err
		}
	}
	return &responder.Reply{Text: text, Model: "fake", LatencyMs: 100, Attempts: 1}, nil
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *fakeGenerator) Script(fn func(p responder.Prompt) (string, error)) {
	g.mu.Lock()
	g.reply = fn
	g.mu.Unlock()
}

// replies returns a script that answers with texts in order, repeating the last one.
func replies(texts ...string) func(responder.Prompt) (string, error) {
	var mu sync.Mutex
	i := 0
	return func(responder.Prompt) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		text := texts[min(i, len(texts)-1)]
		i++
		return text, nil
	}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*model.PipelineEvent
	err    error
}

func (p *fakePublisher) PublishEvent(ctx context.Context, event *model.PipelineEvent) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.events = append(p.events, event)
	return uint64(len(p.events)), nil
}

func (p *fakePublisher) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(p.events))
	for i, e := range p.events {
		ids[i] = e.ID
	}
	return ids
}

func (p *fakePublisher) Types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]model.EventType, len(p.events))
	for i, e := range p.events {
		types[i] = e.Type
	}
	return types
}

// gatedPublisher holds every publish until release is closed.
type gatedPublisher struct {
	fakePublisher
	release chan struct{}
	entered chan struct{}
}

func (p *gatedPublisher) PublishEvent(ctx context.Context, event *model.PipelineEvent) (uint64, error) {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	select {
	case <-p.release:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return p.fakePublisher.PublishEvent(ctx, event)
}

type harness struct {
	agents       *store.AgentStore
	sessions     *store.SessionStore
	interactions *store.InteractionLog
	settings     *store.TenantSettings
	gen          *fakeGenerator
	pub          *fakePublisher
	dispatcher   *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		agents:       store.NewAgentStore(db),
		sessions:     store.NewSessionStore(db),
		interactions: store.NewInteractionLog(db),
		settings:     store.NewTenantSettings(db, model.AgentTypeSDR),
		gen:          &fakeGenerator{},
		pub:          &fakePublisher{},
	}
	h.dispatcher = h.newDispatcher(t, h.pub, logger.Nop())
	return h
}

// newDispatcher builds a dispatcher over the harness stores. Pending events
// are flushed when the test ends.
func (h *harness) newDispatcher(t *testing.T, pub EventPublisher, log *logger.Logger) *Dispatcher {
	t.Helper()
	d := NewDispatcher(Dependencies{
		Agents:       h.agents,
		Sessions:     h.sessions,
		Interactions: h.interactions,
		Entries:      h.settings,
		Generator:    h.gen,
		Publisher:    pub,
	}, DispatcherConfig{}, log)
	t.Cleanup(d.Close)
	return d
}

// published waits until at least n events reached the harness publisher.
func (h *harness) published(t *testing.T, n int) []model.EventType {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.pub.Types()) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.pub.Types()
}

func (h *harness) addAgent(t *testing.T, tenant string, agentType model.AgentType, maxInteractions int, rules ...model.EscalationRule) *model.AgentProfile {
	t.Helper()
	a := &model.AgentProfile{
		TenantID:        tenant,
		Name:            string(agentType),
		Type:            agentType,
		LegalArea:       "Direito Trabalhista",
		PromptBase:      "Você atende leads de um escritório de advocacia.",
		EscalationRules: rules,
		MaxInteractions: maxInteractions,
		Active:          true,
	}
	require.NoError(t, h.agents.Create(context.Background(), a))
	return a
}

func rule(next model.AgentType, threshold float64, keywords ...string) model.EscalationRule {
	return model.EscalationRule{
		NextAgentType:       next,
		TriggerKeywords:     keywords,
		ConfidenceThreshold: threshold,
	}
}

func inbound(lead, message, messageID string) model.InboundLead {
	return model.InboundLead{
		TenantID:  "tenant-1",
		LeadID:    lead,
		Channel:   model.ChannelWhatsApp,
		Message:   message,
		MessageID: messageID,
	}
}

func sessionKey(lead string) model.SessionKey {
	return model.SessionKey{TenantID: "tenant-1", LeadID: lead, Channel: model.ChannelWhatsApp}
}
