package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lexflow/lead-pipeline/internal/model"
)

// AgentCatalog lists configured agents, active or not.
type AgentCatalog interface {
	Get(ctx context.Context, tenantID, agentID string) (*model.AgentProfile, error)
	List(ctx context.Context, tenantID string) ([]model.AgentProfile, error)
}

// AgentLogReader reads the records attributed to one agent.
type AgentLogReader interface {
	ListByAgent(ctx context.Context, tenantID, agentID string, since time.Time) ([]model.InteractionRecord, error)
}

// OpenSessionCounter counts non-terminal sessions routed to an agent type.
type OpenSessionCounter interface {
	CountOpen(ctx context.Context, tenantID string, agentType model.AgentType) (int, error)
}

// DefaultStatsWindow is used when a caller asks for a non-positive window.
const DefaultStatsWindow = 24 * time.Hour

// StatsAggregator derives per-agent counters from the interaction log. It
// only reads committed data and never takes session locks.
type StatsAggregator struct {
	agents   AgentCatalog
	log      AgentLogReader
	sessions OpenSessionCounter
	now      func() time.Time
}

// NewStatsAggregator creates a stats aggregator.
func NewStatsAggregator(agents AgentCatalog, log AgentLogReader, sessions OpenSessionCounter) *StatsAggregator {
	return &StatsAggregator{
		agents:   agents,
		log:      log,
		sessions: sessions,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ComputeAgentMetrics aggregates one agent's activity over the trailing window.
//
// A conversion is a message where the agent handed the lead onward, or a
// resolution marking the lead qualified while the agent owned it.
func (s *StatsAggregator) ComputeAgentMetrics(ctx context.Context, tenantID, agentID string, window time.Duration) (*model.AgentMetrics, error) {
	agent, err := s.agents.Get(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	return s.compute(ctx, agent, window)
}

// ComputeTenantMetrics aggregates every agent of the tenant concurrently.
func (s *StatsAggregator) ComputeTenantMetrics(ctx context.Context, tenantID string, window time.Duration) (*model.TenantMetricsResponse, error) {
	if window <= 0 {
		window = DefaultStatsWindow
	}
	agents, err := s.agents.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	results := make([]model.AgentMetrics, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range agents {
		i := i
		g.Go(func() error {
			m, err := s.compute(gctx, &agents[i], window)
			if err != nil {
				return err
			}
			results[i] = *m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &model.TenantMetricsResponse{
		Agents: results,
		Since:  s.now().Add(-window),
	}, nil
}

func (s *StatsAggregator) compute(ctx context.Context, agent *model.AgentProfile, window time.Duration) (*model.AgentMetrics, error) {
	if window <= 0 {
		window = DefaultStatsWindow
	}
	records, err := s.log.ListByAgent(ctx, agent.TenantID, agent.ID, s.now().Add(-window))
	if err != nil {
		return nil, err
	}

	m := &model.AgentMetrics{
		AgentID:   agent.ID,
		AgentType: agent.Type,
		Window:    window,
	}
	leads := make(map[model.SessionKey]struct{})
	var latencyTotal int64
	for _, rec := range records {
		switch rec.Kind {
		case model.RecordKindMessage:
			m.TotalInteractions++
			latencyTotal += rec.LatencyMs
			leads[rec.Key()] = struct{}{}
			if rec.Escalated {
				m.Escalations++
				m.SuccessfulConversions++
			}
		case model.RecordKindResolution:
			if rec.Status == model.StatusQualified {
				m.SuccessfulConversions++
				leads[rec.Key()] = struct{}{}
			}
		}
		if rec.ConfigError != "" {
			m.Errors++
		}
	}

	m.LeadsHandled = len(leads)
	if m.TotalInteractions > 0 {
		m.AvgResponseTime = time.Duration(latencyTotal/int64(m.TotalInteractions)) * time.Millisecond
	}
	if m.LeadsHandled > 0 {
		m.SuccessRate = float64(m.SuccessfulConversions) / float64(m.LeadsHandled)
	}

	m.ActiveConversations, err = s.sessions.CountOpen(ctx, agent.TenantID, agent.Type)
	if err != nil {
		return nil, err
	}
	return m, nil
}
