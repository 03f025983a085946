package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexflow/lead-pipeline/internal/model"
	"github.com/lexflow/lead-pipeline/pkg/metrics"
)

// Resolve moves a session to qualified, closed or abandoned by appending a
// resolution record. Terminal sessions cannot be resolved again.
func (d *Dispatcher) Resolve(ctx context.Context, key model.SessionKey, status model.SessionStatus, reason string) (*model.LeadSession, error) {
	return d.resolve(ctx, key, status, reason, nil)
}

// resolve appends a resolution record. guard, when set, is re-checked under
// the session lock and may veto the resolution.
func (d *Dispatcher) resolve(ctx context.Context, key model.SessionKey, status model.SessionStatus, reason string, guard func(*model.LeadSession) bool) (*model.LeadSession, error) {
	const op = "dispatcher.Resolve"

	switch status {
	case model.StatusQualified, model.StatusClosed, model.StatusAbandoned:
	default:
		return nil, model.NewPipelineError(op, model.ErrInvalidInput, fmt.Sprintf("cannot resolve to %q", status))
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.WriteAttempts; attempt++ {
		sess, rec, err := d.resolveOnce(ctx, key, status, strings.TrimSpace(reason), guard)
		if err == nil {
			if rec != nil {
				metrics.SessionsResolvedTotal.WithLabelValues(key.TenantID, string(status)).Inc()
				d.logger.WithSession(key.TenantID, key.LeadID, string(key.Channel)).Info("session resolved",
					zap.String("status", string(status)),
					zap.String("reason", rec.Reason),
				)
				d.publish(rec, transition{})
			}
			return sess, nil
		}
		if !errors.Is(err, model.ErrSessionWriteConflict) {
			return nil, err
		}
		metrics.SessionWriteConflictsTotal.WithLabelValues(key.TenantID).Inc()
		lastErr = err
	}
	return nil, model.NewPipelineError(op, lastErr, fmt.Sprintf("gave up after %d attempts", d.cfg.WriteAttempts))
}

func (d *Dispatcher) resolveOnce(ctx context.Context, key model.SessionKey, status model.SessionStatus, reason string, guard func(*model.LeadSession) bool) (*model.LeadSession, *model.InteractionRecord, error) {
	const op = "dispatcher.Resolve"

	unlock, err := d.locker.Lock(ctx, key)
	if err != nil {
		return nil, nil, model.NewPipelineError(op, err, "acquire session lock")
	}
	defer unlock()

	sess, err := d.deps.Sessions.Get(ctx, key)
	if err != nil {
		return nil, nil, model.NewPipelineError(op, err, "")
	}
	if sess.Status.IsTerminal() {
		return nil, nil, model.NewPipelineError(op, model.ErrSessionTerminated, fmt.Sprintf("session is %s", sess.Status))
	}
	if guard != nil && !guard(sess) {
		return sess, nil, nil
	}

	var agentID string
	if agents, err := d.deps.Agents.Snapshot(ctx, key.TenantID); err == nil {
		if agent, ok := agents.ForType(sess.CurrentAgentType); ok {
			agentID = agent.ID
		}
	}

	rec := &model.InteractionRecord{
		ID:            uuid.Must(uuid.NewV7()).String(),
		TenantID:      key.TenantID,
		LeadID:        key.LeadID,
		Channel:       key.Channel,
		AgentID:       agentID,
		Kind:          model.RecordKindResolution,
		Timestamp:     d.now(),
		FromAgentType: sess.CurrentAgentType,
		Status:        status,
		Reason:        reason,
	}
	next := sess.Clone()
	next.Apply(rec)

	if err := d.deps.Sessions.Commit(ctx, next, sess.Version, rec); err != nil {
		if errors.Is(err, model.ErrSessionWriteConflict) {
			return nil, nil, model.NewPipelineError(op, err, "")
		}
		return nil, nil, fmt.Errorf("commit resolution: %w", err)
	}
	return next, rec, nil
}

// Session returns the stored session.
func (d *Dispatcher) Session(ctx context.Context, key model.SessionKey) (*model.LeadSession, error) {
	return d.deps.Sessions.Get(ctx, key)
}

// Interactions returns the session's interaction log in order.
func (d *Dispatcher) Interactions(ctx context.Context, key model.SessionKey) ([]model.InteractionRecord, error) {
	return d.deps.Interactions.ListBySession(ctx, key)
}

// Verify replays the session's log and compares the result with the stored session.
func (d *Dispatcher) Verify(ctx context.Context, key model.SessionKey) (*model.VerifySessionResponse, error) {
	records, err := d.deps.Interactions.ListBySession(ctx, key)
	if err != nil {
		return nil, err
	}
	stored, err := d.deps.Sessions.Get(ctx, key)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	if stored == nil && len(records) == 0 {
		return nil, fmt.Errorf("session %s: %w", key, model.ErrNotFound)
	}

	replayed := model.Replay(key, records)
	consistent := model.SameRouting(stored, replayed)
	if !consistent {
		d.logger.WithSession(key.TenantID, key.LeadID, string(key.Channel)).Error("session diverged from interaction log",
			zap.Int("records", len(records)),
		)
	}
	return &model.VerifySessionResponse{
		Consistent: consistent,
		Stored:     stored,
		Replayed:   replayed,
		Records:    len(records),
	}, nil
}
