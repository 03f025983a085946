package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lexflow/lead-pipeline/internal/model"
)

// TenantSettings stores per-tenant pipeline settings.
type TenantSettings struct {
	db       *DB
	fallback model.AgentType
}

// NewTenantSettings creates a settings store. fallback is the entry agent
// type used for tenants that never configured one.
func NewTenantSettings(db *DB, fallback model.AgentType) *TenantSettings {
	if fallback == "" {
		fallback = model.AgentTypeSDR
	}
	return &TenantSettings{db: db, fallback: fallback}
}

// EntryAgentType returns the agent type new sessions of the tenant start with.
func (t *TenantSettings) EntryAgentType(ctx context.Context, tenantID string) (model.AgentType, error) {
	var entry string
	err := t.db.db.QueryRowContext(ctx,
		"SELECT entry_agent_type FROM tenant_settings WHERE tenant_id = ?", tenantID).Scan(&entry)
	if errors.Is(err, sql.ErrNoRows) {
		return t.fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("read tenant settings: %w", err)
	}
	return model.AgentType(entry), nil
}

// SetEntryAgentType configures the tenant's entry agent type.
func (t *TenantSettings) SetEntryAgentType(ctx context.Context, tenantID string, entry model.AgentType) error {
	parsed, err := model.ParseAgentType(string(entry))
	if err != nil {
		return err
	}
	_, err = t.db.db.ExecContext(ctx,
		`INSERT INTO tenant_settings (tenant_id, entry_agent_type, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET entry_agent_type = excluded.entry_agent_type, updated_at = excluded.updated_at`,
		tenantID, string(parsed), toUnix(time.Now()))
	if err != nil {
		return fmt.Errorf("write tenant settings: %w", err)
	}
	return nil
}
