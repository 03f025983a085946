package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lexflow/lead-pipeline/internal/model"
)

const sessionColumns = `tenant_id, lead_id, channel, current_agent_type, interaction_count,
	agent_interaction_count, status, last_activity_at, created_at, version`

// SessionStore persists lead sessions. Writes are conditional on the row
// version so that at most one writer wins per (tenant, lead, channel).
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a session store on db.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Get returns the stored session for key.
func (s *SessionStore) Get(ctx context.Context, key model.SessionKey) (*model.LeadSession, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM lead_sessions WHERE tenant_id = ? AND lead_id = ? AND channel = ?`,
		key.TenantID, key.LeadID, string(key.Channel))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", key, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// Commit stores next and appends rec in one transaction. expectedVersion is
// the version the caller read (0 for a session that was never stored). If
// another writer committed first, nothing is written and
// ErrSessionWriteConflict is returned. On success next.Version is advanced.
func (s *SessionStore) Commit(ctx context.Context, next *model.LeadSession, expectedVersion int64, rec *model.InteractionRecord) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return contention("begin commit", err)
	}
	defer tx.Rollback()

	newVersion := expectedVersion + 1
	if expectedVersion == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO lead_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			next.TenantID, next.LeadID, string(next.Channel), string(next.CurrentAgentType),
			next.InteractionCount, next.AgentInteractionCount, string(next.Status),
			toUnix(next.LastActivityAt), toUnix(next.CreatedAt), newVersion,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s created concurrently: %w", next.Key(), model.ErrSessionWriteConflict)
		}
		if err != nil {
			return contention("insert session", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE lead_sessions SET current_agent_type = ?, interaction_count = ?, agent_interaction_count = ?,
				status = ?, last_activity_at = ?, version = ?
			WHERE tenant_id = ? AND lead_id = ? AND channel = ? AND version = ?`,
			string(next.CurrentAgentType), next.InteractionCount, next.AgentInteractionCount,
			string(next.Status), toUnix(next.LastActivityAt), newVersion,
			next.TenantID, next.LeadID, string(next.Channel), expectedVersion,
		)
		if err != nil {
			return contention("update session", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s at version %d: %w", next.Key(), expectedVersion, model.ErrSessionWriteConflict)
		}
	}

	seq, err := insertRecord(ctx, tx, rec)
	if isUniqueViolation(err) {
		return fmt.Errorf("message %s already recorded: %w", rec.MessageID, model.ErrSessionWriteConflict)
	}
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return contention("commit session", err)
	}
	next.Version = newVersion
	rec.Sequence = seq
	return nil
}

// contention reports a busy database as a write conflict so the caller
// retries from a fresh read.
func contention(op string, err error) error {
	if isBusy(err) {
		return fmt.Errorf("%s: %v: %w", op, err, model.ErrSessionWriteConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ListIdle returns non-terminal sessions with no inbound activity since before.
func (s *SessionStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]model.LeadSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM lead_sessions
		WHERE status NOT IN ('closed', 'abandoned') AND last_activity_at < ?
		ORDER BY last_activity_at LIMIT ?`,
		toUnix(before), limit)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.LeadSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// CountOpen counts non-terminal sessions currently routed to agentType.
func (s *SessionStore) CountOpen(ctx context.Context, tenantID string, agentType model.AgentType) (int, error) {
	var n int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lead_sessions
		WHERE tenant_id = ? AND current_agent_type = ? AND status NOT IN ('closed', 'abandoned')`,
		tenantID, string(agentType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open sessions: %w", err)
	}
	return n, nil
}

func scanSession(row scanner) (*model.LeadSession, error) {
	var sess model.LeadSession
	var channel, agentType, status string
	var lastActivity, createdAt int64
	if err := row.Scan(&sess.TenantID, &sess.LeadID, &channel, &agentType, &sess.InteractionCount,
		&sess.AgentInteractionCount, &status, &lastActivity, &createdAt, &sess.Version); err != nil {
		return nil, err
	}
	sess.Channel = model.Channel(channel)
	sess.CurrentAgentType = model.AgentType(agentType)
	sess.Status = model.SessionStatus(status)
	sess.LastActivityAt = fromUnix(lastActivity)
	sess.CreatedAt = fromUnix(createdAt)
	return &sess, nil
}
