// Package service implements the lead escalation pipeline: the dispatcher
// that processes inbound lead messages, operator resolutions, the inactivity
// sweeper and per-agent statistics.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lexflow/lead-pipeline/internal/escalation"
	"github.com/lexflow/lead-pipeline/internal/model"
	"github.com/lexflow/lead-pipeline/internal/responder"
	"github.com/lexflow/lead-pipeline/pkg/logger"
	"github.com/lexflow/lead-pipeline/pkg/metrics"
	"github.com/lexflow/lead-pipeline/pkg/tracing"
)

// AgentDirectory hands out point-in-time views of a tenant's active agents.
type AgentDirectory interface {
	Snapshot(ctx context.Context, tenantID string) (*model.AgentSet, error)
}

// SessionRepository stores lead sessions and appends their records atomically.
type SessionRepository interface {
	Get(ctx context.Context, key model.SessionKey) (*model.LeadSession, error)
	Commit(ctx context.Context, next *model.LeadSession, expectedVersion int64, rec *model.InteractionRecord) error
	ListIdle(ctx context.Context, before time.Time, limit int) ([]model.LeadSession, error)
}

// InteractionReader reads the interaction log.
type InteractionReader interface {
	ListBySession(ctx context.Context, key model.SessionKey) ([]model.InteractionRecord, error)
	RecentMessages(ctx context.Context, key model.SessionKey, limit int) ([]model.InteractionRecord, error)
	FindByMessageID(ctx context.Context, key model.SessionKey, messageID string) (*model.InteractionRecord, error)
}

// EntryResolver returns the agent type new sessions start with.
type EntryResolver interface {
	EntryAgentType(ctx context.Context, tenantID string) (model.AgentType, error)
}

// EventPublisher fans committed pipeline events out to subscribers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.PipelineEvent) (uint64, error)
}

// Dependencies are the collaborators of a Dispatcher.
type Dependencies struct {
	Agents       AgentDirectory
	Sessions     SessionRepository
	Interactions InteractionReader
	Entries      EntryResolver
	Generator    responder.Generator
	Publisher    EventPublisher // optional
}

// DispatcherConfig tunes the Dispatcher.
type DispatcherConfig struct {
	WriteAttempts   int
	HistoryLimit    int
	MaxMessageBytes int
	PublishTimeout  time.Duration
	PublishQueue    int
}

func (c *DispatcherConfig) withDefaults() {
	if c.WriteAttempts <= 0 {
		c.WriteAttempts = 3
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 100 * 1024
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.PublishQueue <= 0 {
		c.PublishQueue = 1024
	}
}

// Dispatcher processes inbound lead messages. It is safe for concurrent use;
// messages on the same session are serialized, different sessions run in parallel.
type Dispatcher struct {
	deps   Dependencies
	cfg    DispatcherConfig
	locker *SessionLocker
	events *eventQueue
	logger *logger.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher. Call Close to flush pending events.
func NewDispatcher(deps Dependencies, cfg DispatcherConfig, log *logger.Logger) *Dispatcher {
	cfg.withDefaults()
	d := &Dispatcher{
		deps:   deps,
		cfg:    cfg,
		locker: NewSessionLocker(),
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if deps.Publisher != nil {
		d.events = newEventQueue(deps.Publisher, cfg.PublishQueue, cfg.PublishTimeout, log)
	}
	return d
}

// ProcessLead runs one inbound message through the session's current agent,
// applies the routing decision and durably records it before returning.
// A lost write race is retried from a fresh read.
func (d *Dispatcher) ProcessLead(ctx context.Context, in model.InboundLead) (*model.ProcessResult, error) {
	const op = "dispatcher.ProcessLead"

	if err := d.validate(&in); err != nil {
		return nil, model.NewPipelineError(op, err, "")
	}

	ctx, span := tracing.StartSpan(ctx, op,
		attribute.String("tenant.id", in.TenantID),
		attribute.String("lead.id", in.LeadID),
		attribute.String("lead.channel", string(in.Channel)),
	)
	defer span.End()

	log := d.logger.WithSession(in.TenantID, in.LeadID, string(in.Channel))

	var lastErr error
	for attempt := 1; attempt <= d.cfg.WriteAttempts; attempt++ {
		res, err := d.processOnce(ctx, in, log)
		if err == nil {
			d.recordOutcome(in.TenantID, res)
			return res, nil
		}
		if !errors.Is(err, model.ErrSessionWriteConflict) {
			tracing.RecordError(span, err)
			metrics.LeadsProcessedTotal.WithLabelValues(in.TenantID, "", model.ErrorCode(err)).Inc()
			return nil, err
		}
		metrics.SessionWriteConflictsTotal.WithLabelValues(in.TenantID).Inc()
		log.Warn("session write conflict, retrying", zap.Int("attempt", attempt), zap.Error(err))
		lastErr = err
	}

	err := model.NewPipelineError(op, lastErr, fmt.Sprintf("gave up after %d attempts", d.cfg.WriteAttempts))
	tracing.RecordError(span, err)
	metrics.LeadsProcessedTotal.WithLabelValues(in.TenantID, "", model.ErrorCode(err)).Inc()
	return nil, err
}

func (d *Dispatcher) processOnce(ctx context.Context, in model.InboundLead, log *logger.Logger) (*model.ProcessResult, error) {
	const op = "dispatcher.ProcessLead"
	key := in.Key()

	unlock, err := d.locker.Lock(ctx, key)
	if err != nil {
		return nil, model.NewPipelineError(op, err, "acquire session lock")
	}
	defer unlock()

	if in.MessageID != "" {
		res, err := d.replayDuplicate(ctx, key, in.MessageID)
		if err != nil || res != nil {
			return res, err
		}
	}

	now := d.now()
	sess, err := d.deps.Sessions.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound):
		entry, err := d.deps.Entries.EntryAgentType(ctx, key.TenantID)
		if err != nil {
			return nil, fmt.Errorf("resolve entry agent: %w", err)
		}
		sess = model.NewLeadSession(key, entry, now)
	default:
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Status.IsTerminal() {
		return nil, model.NewPipelineError(op, model.ErrSessionTerminated, fmt.Sprintf("session is %s", sess.Status))
	}

	agents, err := d.deps.Agents.Snapshot(ctx, key.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	agent, ok := agents.ForType(sess.CurrentAgentType)
	if !ok {
		log.Warn("no active agent for session", zap.String("agent_type", string(sess.CurrentAgentType)))
		return nil, model.NewPipelineError(op, model.ErrAgentNotConfigured,
			fmt.Sprintf("no active %s agent", sess.CurrentAgentType))
	}

	var history []model.InteractionRecord
	if sess.Version > 0 {
		history, err = d.deps.Interactions.RecentMessages(ctx, key, d.cfg.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	}

	reply, err := d.deps.Generator.Generate(ctx, responder.Prompt{
		Agent:   agent,
		History: history,
		Message: in.Message,
	})
	if err != nil {
		log.WithAgent(agent.ID, string(agent.Type)).Error("agent invocation failed", zap.Error(err))
		return nil, model.NewPipelineError(op, err, "agent "+agent.ID)
	}

	decision := escalation.Evaluate(sess.CurrentAgentType, reply.Text, agent.EscalationRules)
	t := route(sess, agent, agents, decision)

	rec := &model.InteractionRecord{
		ID:            uuid.Must(uuid.NewV7()).String(),
		TenantID:      key.TenantID,
		LeadID:        key.LeadID,
		Channel:       key.Channel,
		AgentID:       agent.ID,
		MessageID:     in.MessageID,
		Kind:          model.RecordKindMessage,
		Timestamp:     now,
		InboundText:   in.Message,
		OutboundText:  reply.Text,
		FromAgentType: sess.CurrentAgentType,
		Status:        sess.Status,
		LatencyMs:     reply.LatencyMs,
	}
	if t.escalation != nil {
		to := t.escalation.To
		rec.Escalated = true
		rec.Forced = t.escalation.Forced
		rec.ToAgentType = &to
	}
	if t.closed {
		rec.Status = model.StatusClosed
		rec.Reason = "interaction limit reached"
	}
	if t.targetMissing != nil {
		rec.ConfigError = fmt.Sprintf("%s: %s", model.ErrEscalationTargetMissing, t.targetMissing.To)
	}

	next := sess.Clone()
	next.Apply(rec)

	// Nothing has been written yet; a cancelled caller leaves no trace.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("before commit: %w", err)
	}
	if err := d.deps.Sessions.Commit(ctx, next, sess.Version, rec); err != nil {
		if errors.Is(err, model.ErrSessionWriteConflict) {
			return nil, model.NewPipelineError(op, err, "")
		}
		return nil, fmt.Errorf("commit session: %w", err)
	}

	esc := t.escalation
	if esc != nil {
		metrics.RecordEscalation(key.TenantID, string(esc.From), string(esc.To), esc.Forced)
		log.Info("lead escalated",
			zap.String("from", string(esc.From)),
			zap.String("to", string(esc.To)),
			zap.Bool("forced", esc.Forced),
			zap.Float64("confidence", esc.Confidence),
		)
	}
	if miss := t.targetMissing; miss != nil {
		metrics.EscalationTargetMissingTotal.WithLabelValues(key.TenantID, string(miss.From), string(miss.To)).Inc()
		log.Error("escalation target missing",
			zap.String("from", string(miss.From)),
			zap.String("to", string(miss.To)),
			zap.Int("rule_index", miss.RuleIndex),
			zap.Error(model.ErrEscalationTargetMissing),
		)
		if esc == nil {
			esc = miss
		}
	}
	if t.closed {
		log.Info("session closed at interaction limit",
			zap.String("agent_type", string(sess.CurrentAgentType)),
			zap.Int("max_interactions", agent.MaxInteractions),
		)
	}

	d.publish(rec, t)

	return &model.ProcessResult{
		Reply:      reply.Text,
		Session:    next,
		Record:     rec,
		Escalation: esc,
	}, nil
}

// replayDuplicate returns the committed result of a message already seen, or nil.
func (d *Dispatcher) replayDuplicate(ctx context.Context, key model.SessionKey, messageID string) (*model.ProcessResult, error) {
	rec, err := d.deps.Interactions.FindByMessageID(ctx, key, messageID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check message id: %w", err)
	}
	sess, err := d.deps.Sessions.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &model.ProcessResult{
		Reply:     rec.OutboundText,
		Session:   sess,
		Record:    rec,
		Duplicate: true,
	}, nil
}

func (d *Dispatcher) validate(in *model.InboundLead) error {
	in.TenantID = strings.TrimSpace(in.TenantID)
	in.LeadID = strings.TrimSpace(in.LeadID)
	in.MessageID = strings.TrimSpace(in.MessageID)
	switch {
	case in.TenantID == "":
		return fmt.Errorf("%w: tenant ID is required", model.ErrInvalidInput)
	case in.LeadID == "":
		return fmt.Errorf("%w: lead ID is required", model.ErrInvalidInput)
	case len(in.LeadID) > 128 || len(in.MessageID) > 128:
		return fmt.Errorf("%w: identifier too long", model.ErrInvalidInput)
	}
	channel, err := model.ParseChannel(string(in.Channel))
	if err != nil {
		return err
	}
	in.Channel = channel
	switch {
	case strings.TrimSpace(in.Message) == "":
		return fmt.Errorf("%w: message is required", model.ErrInvalidInput)
	case !utf8.ValidString(in.Message):
		return fmt.Errorf("%w: message is not valid UTF-8", model.ErrInvalidInput)
	case len(in.Message) > d.cfg.MaxMessageBytes:
		return fmt.Errorf("%w: message exceeds %d bytes", model.ErrInvalidInput, d.cfg.MaxMessageBytes)
	}
	return nil
}

func (d *Dispatcher) recordOutcome(tenantID string, res *model.ProcessResult) {
	outcome := "ok"
	switch {
	case res.Duplicate:
		outcome = "duplicate"
	case res.Record.Escalated:
		outcome = "escalated"
	case res.Session.Status == model.StatusClosed:
		outcome = "closed"
	}
	metrics.LeadsProcessedTotal.WithLabelValues(tenantID, string(res.Record.FromAgentType), outcome).Inc()
}
