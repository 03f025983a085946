package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexflow/lead-pipeline/internal/model"
)

const agentColumns = `id, tenant_id, name, type, legal_area, prompt_base, personality,
	specialization_tags, escalation_rules, max_interactions, active, created_at, updated_at`

// AgentStore holds each tenant's configured agents. Reads for routing go
// through Snapshot, which hands out immutable point-in-time views; writes
// invalidate the tenant's cached view instead of mutating it.
type AgentStore struct {
	db  *DB
	now func() time.Time

	mu        sync.Mutex
	snapshots map[string]*model.AgentSet
	gen       map[string]uint64
}

// NewAgentStore creates an agent store on db.
func NewAgentStore(db *DB) *AgentStore {
	return &AgentStore{
		db:        db,
		now:       time.Now,
		snapshots: make(map[string]*model.AgentSet),
		gen:       make(map[string]uint64),
	}
}

// Create inserts a new agent profile. An empty ID is assigned a UUIDv7;
// a supplied ID must be a UUID.
func (s *AgentStore) Create(ctx context.Context, a *model.AgentProfile) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.Must(uuid.NewV7()).String()
	} else {
		id, err := model.ParseAgentID(a.ID)
		if err != nil {
			return err
		}
		a.ID = id
	}
	tags, rules, err := encodeAgentJSON(a)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err = s.db.db.ExecContext(ctx,
		`INSERT INTO agent_profiles (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.Name, string(a.Type), a.LegalArea, a.PromptBase, a.Personality,
		tags, rules, a.MaxInteractions, boolToInt(a.Active), toUnix(now), toUnix(now),
	)
	if err != nil {
		return s.mapWriteError(a, err)
	}
	s.invalidate(a.TenantID)
	return nil
}

// Update replaces an existing agent profile.
func (s *AgentStore) Update(ctx context.Context, a *model.AgentProfile) error {
	if err := a.Validate(); err != nil {
		return err
	}
	tags, rules, err := encodeAgentJSON(a)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	a.UpdatedAt = now

	res, err := s.db.db.ExecContext(ctx,
		`UPDATE agent_profiles SET name = ?, type = ?, legal_area = ?, prompt_base = ?, personality = ?,
			specialization_tags = ?, escalation_rules = ?, max_interactions = ?, active = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		a.Name, string(a.Type), a.LegalArea, a.PromptBase, a.Personality,
		tags, rules, a.MaxInteractions, boolToInt(a.Active), toUnix(now),
		a.TenantID, a.ID,
	)
	if err != nil {
		return s.mapWriteError(a, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", a.ID, model.ErrNotFound)
	}
	s.invalidate(a.TenantID)
	return nil
}

// Delete removes an agent profile.
func (s *AgentStore) Delete(ctx context.Context, tenantID, agentID string) error {
	res, err := s.db.db.ExecContext(ctx,
		"DELETE FROM agent_profiles WHERE tenant_id = ? AND id = ?", tenantID, agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, model.ErrNotFound)
	}
	s.invalidate(tenantID)
	return nil
}

// Get returns one agent profile.
func (s *AgentStore) Get(ctx context.Context, tenantID, agentID string) (*model.AgentProfile, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agent_profiles WHERE tenant_id = ? AND id = ?`, tenantID, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// List returns every agent profile of a tenant, active or not.
func (s *AgentStore) List(ctx context.Context, tenantID string) ([]model.AgentProfile, error) {
	return s.query(ctx,
		`SELECT `+agentColumns+` FROM agent_profiles WHERE tenant_id = ? ORDER BY type, created_at`, tenantID)
}

// ListActive returns the tenant's active agents, optionally filtered by type.
func (s *AgentStore) ListActive(ctx context.Context, tenantID string, agentType model.AgentType) ([]model.AgentProfile, error) {
	if agentType == "" {
		return s.query(ctx,
			`SELECT `+agentColumns+` FROM agent_profiles WHERE tenant_id = ? AND active = 1 ORDER BY type`, tenantID)
	}
	return s.query(ctx,
		`SELECT `+agentColumns+` FROM agent_profiles WHERE tenant_id = ? AND active = 1 AND type = ?`,
		tenantID, string(agentType))
}

// Snapshot returns an immutable view of the tenant's active agents. A routing
// decision made against one snapshot never observes a concurrent update.
func (s *AgentStore) Snapshot(ctx context.Context, tenantID string) (*model.AgentSet, error) {
	s.mu.Lock()
	if set, ok := s.snapshots[tenantID]; ok {
		s.mu.Unlock()
		return set, nil
	}
	gen := s.gen[tenantID]
	s.mu.Unlock()

	profiles, err := s.ListActive(ctx, tenantID, "")
	if err != nil {
		return nil, fmt.Errorf("load agent snapshot: %w", err)
	}
	set := model.NewAgentSet(tenantID, profiles, s.now().UTC())

	s.mu.Lock()
	// A write landed while loading; hand out the fresh set but do not cache it.
	if s.gen[tenantID] == gen {
		s.snapshots[tenantID] = set
	}
	s.mu.Unlock()
	return set, nil
}

func (s *AgentStore) invalidate(tenantID string) {
	s.mu.Lock()
	s.gen[tenantID]++
	delete(s.snapshots, tenantID)
	s.mu.Unlock()
}

func (s *AgentStore) mapWriteError(a *model.AgentProfile, err error) error {
	if isUniqueViolation(err) {
		if a.Active {
			return fmt.Errorf("agent type %s: %w", a.Type, model.ErrDuplicateActiveAgent)
		}
		return fmt.Errorf("agent %s already exists: %w", a.ID, model.ErrInvalidInput)
	}
	return fmt.Errorf("write agent: %w", err)
}

func (s *AgentStore) query(ctx context.Context, query string, args ...any) ([]model.AgentProfile, error) {
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []model.AgentProfile
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func encodeAgentJSON(a *model.AgentProfile) (string, string, error) {
	tags := a.SpecializationTags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("marshal specialization tags: %w", err)
	}
	rules := a.EscalationRules
	if rules == nil {
		rules = []model.EscalationRule{}
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return "", "", fmt.Errorf("marshal escalation rules: %w", err)
	}
	return string(tagsJSON), string(rulesJSON), nil
}

func scanAgent(row scanner) (*model.AgentProfile, error) {
	var a model.AgentProfile
	var agentType, tagsStr, rulesStr string
	var active int
	var createdAt, updatedAt int64
	if err := row.Scan(&a.ID, &a.TenantID, &a.Name, &agentType, &a.LegalArea, &a.PromptBase, &a.Personality,
		&tagsStr, &rulesStr, &a.MaxInteractions, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Type = model.AgentType(agentType)
	a.Active = active == 1
	a.CreatedAt = fromUnix(createdAt)
	a.UpdatedAt = fromUnix(updatedAt)

	if err := json.Unmarshal([]byte(tagsStr), &a.SpecializationTags); err != nil {
		return nil, fmt.Errorf("unmarshal specialization tags of agent %s: %w", a.ID, err)
	}
	rules, err := model.DecodeRules(a.Type, []byte(rulesStr))
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.ID, err)
	}
	a.EscalationRules = rules
	return &a, nil
}
