package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lexflow/lead-pipeline/internal/model"
)

const recordColumns = `seq, id, tenant_id, lead_id, channel, agent_id, message_id, kind, ts,
	inbound_text, outbound_text, escalated, forced, from_agent_type, to_agent_type, status,
	latency_ms, config_error, reason`

// InteractionLog reads the append-only interaction log. Records are only
// written through SessionStore.Commit, together with the session they advance.
type InteractionLog struct {
	db *DB
}

// NewInteractionLog creates an interaction log reader on db.
func NewInteractionLog(db *DB) *InteractionLog {
	return &InteractionLog{db: db}
}

// ListBySession returns every record of a session in log order.
func (l *InteractionLog) ListBySession(ctx context.Context, key model.SessionKey) ([]model.InteractionRecord, error) {
	return l.query(ctx,
		`SELECT `+recordColumns+` FROM interaction_records
		WHERE tenant_id = ? AND lead_id = ? AND channel = ? ORDER BY seq`,
		key.TenantID, key.LeadID, string(key.Channel))
}

// RecentMessages returns up to limit of the latest message records of a session, oldest first.
func (l *InteractionLog) RecentMessages(ctx context.Context, key model.SessionKey, limit int) ([]model.InteractionRecord, error) {
	records, err := l.query(ctx,
		`SELECT `+recordColumns+` FROM interaction_records
		WHERE tenant_id = ? AND lead_id = ? AND channel = ? AND kind = 'message'
		ORDER BY seq DESC LIMIT ?`,
		key.TenantID, key.LeadID, string(key.Channel), limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// FindByMessageID returns the record committed for an inbound message id.
func (l *InteractionLog) FindByMessageID(ctx context.Context, key model.SessionKey, messageID string) (*model.InteractionRecord, error) {
	row := l.db.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM interaction_records
		WHERE tenant_id = ? AND lead_id = ? AND channel = ? AND message_id = ?`,
		key.TenantID, key.LeadID, string(key.Channel), messageID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan interaction: %w", err)
	}
	return rec, nil
}

// ListByAgent returns a tenant's records attributed to agentID since the given time.
func (l *InteractionLog) ListByAgent(ctx context.Context, tenantID, agentID string, since time.Time) ([]model.InteractionRecord, error) {
	return l.query(ctx,
		`SELECT `+recordColumns+` FROM interaction_records
		WHERE tenant_id = ? AND agent_id = ? AND ts >= ? ORDER BY seq`,
		tenantID, agentID, toUnix(since))
}

func (l *InteractionLog) query(ctx context.Context, query string, args ...any) ([]model.InteractionRecord, error) {
	rows, err := l.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var records []model.InteractionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec *model.InteractionRecord) (int64, error) {
	var messageID, toAgent sql.NullString
	if rec.MessageID != "" {
		messageID = sql.NullString{String: rec.MessageID, Valid: true}
	}
	if rec.ToAgentType != nil {
		toAgent = sql.NullString{String: string(*rec.ToAgentType), Valid: true}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO interaction_records (id, tenant_id, lead_id, channel, agent_id, message_id, kind, ts,
			inbound_text, outbound_text, escalated, forced, from_agent_type, to_agent_type, status,
			latency_ms, config_error, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, rec.LeadID, string(rec.Channel), rec.AgentID, messageID, string(rec.Kind),
		toUnix(rec.Timestamp), rec.InboundText, rec.OutboundText, boolToInt(rec.Escalated), boolToInt(rec.Forced),
		string(rec.FromAgentType), toAgent, string(rec.Status), rec.LatencyMs, rec.ConfigError, rec.Reason,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, err
		}
		return 0, fmt.Errorf("insert interaction: %w", err)
	}
	return res.LastInsertId()
}

func scanRecord(row scanner) (*model.InteractionRecord, error) {
	var rec model.InteractionRecord
	var channel, kind, fromAgent, status string
	var messageID, toAgent sql.NullString
	var ts int64
	var escalated, forced int
	if err := row.Scan(&rec.Sequence, &rec.ID, &rec.TenantID, &rec.LeadID, &channel, &rec.AgentID, &messageID,
		&kind, &ts, &rec.InboundText, &rec.OutboundText, &escalated, &forced, &fromAgent, &toAgent, &status,
		&rec.LatencyMs, &rec.ConfigError, &rec.Reason); err != nil {
		return nil, err
	}
	rec.Channel = model.Channel(channel)
	rec.MessageID = messageID.String
	rec.Kind = model.RecordKind(kind)
	rec.Timestamp = fromUnix(ts)
	rec.Escalated = escalated == 1
	rec.Forced = forced == 1
	rec.FromAgentType = model.AgentType(fromAgent)
	if toAgent.Valid {
		t := model.AgentType(toAgent.String)
		rec.ToAgentType = &t
	}
	rec.Status = model.SessionStatus(status)
	return &rec, nil
}
