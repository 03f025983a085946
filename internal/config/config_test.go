package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexflow/lead-pipeline/internal/middleware"
	"github.com/lexflow/lead-pipeline/internal/model"
	"github.com/lexflow/lead-pipeline/internal/store"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "sdr", cfg.DefaultEntryAgent)
	assert.Equal(t, 3, cfg.AgentMaxAttempts)
	assert.Equal(t, 20*time.Second, cfg.AgentTimeout)
	assert.Equal(t, "@every 1m", cfg.SweepSchedule)
	assert.Equal(t, 0.4, cfg.LLMTemperature)
	assert.Empty(t, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.NATSEnabled)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("AGENT_MAX_ATTEMPTS", "5")
	t.Setenv("AGENT_TIMEOUT", "3s")
	t.Setenv("LLM_TEMPERATURE", "0.9")
	t.Setenv("NATS_ENABLED", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://admin.example.com, https://painel.example.com,")
	t.Setenv("HISTORY_LIMIT", "not-a-number")
	t.Setenv("ENV", "development")

	cfg := Load()
	assert.Equal(t, 5, cfg.AgentMaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.AgentTimeout)
	assert.Equal(t, 0.9, cfg.LLMTemperature)
	assert.False(t, cfg.NATSEnabled)
	assert.Equal(t, []string{"https://admin.example.com", "https://painel.example.com"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 20, cfg.HistoryLimit, "unparseable values fall back to the default")
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestValidate(t *testing.T) {
	t.Setenv("DEFAULT_ENTRY_AGENT", "Not A Type")
	t.Setenv("AGENT_MAX_ATTEMPTS", "0")
	t.Setenv("LLM_TEMPERATURE", "3")

	err := Load().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_ENTRY_AGENT")
	assert.Contains(t, err.Error(), "AGENT_MAX_ATTEMPTS")
	assert.Contains(t, err.Error(), "LLM_TEMPERATURE")
}

const seedYAML = `
tenants:
  - id: escritorio-silva
    entry_agent_type: SDR
    agents:
      - name: Ana
        type: sdr
        legal_area: Direito Trabalhista
        prompt_base: Você qualifica leads trabalhistas.
        max_interactions: 6
        escalation_rules:
          - next_agent_type: closer
            trigger_keywords: [proposta, contratar]
            confidence_threshold: 0.7
      - name: Bruno
        type: closer
        prompt_base: Você fecha contratos.
      - name: Carla
        type: cs
        prompt_base: Você acompanha clientes.
        active: false
`

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, seed.Tenants, 1)

	tenant := seed.Tenants[0]
	assert.Equal(t, model.AgentTypeSDR, tenant.EntryAgentType)
	require.Len(t, tenant.Agents, 3)

	ana := tenant.Agents[0].AgentProfile
	assert.Equal(t, "escritorio-silva", ana.TenantID)
	assert.True(t, ana.Active)
	require.Len(t, ana.EscalationRules, 1)
	assert.Equal(t, model.ConditionKeywordRatio, ana.EscalationRules[0].Condition)
	assert.Equal(t, []string{"proposta", "contratar"}, ana.EscalationRules[0].TriggerKeywords)

	assert.False(t, tenant.Agents[2].AgentProfile.Active)
}

func TestParseSeed_Rejects(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown key":    "tenants:\n  - id: t\n    colour: blue\n",
		"missing tenant": "tenants:\n  - agents: []\n",
		"self rule": `
tenants:
  - id: t
    agents:
      - type: sdr
        prompt_base: p
        escalation_rules:
          - next_agent_type: sdr
            confidence_threshold: 0.5
`,
		"no prompt":         "tenants:\n  - id: t\n    agents:\n      - type: sdr\n",
		"readable agent id": "tenants:\n  - id: t\n    agents:\n      - id: sdr-principal\n        type: sdr\n        prompt_base: p\n",
	} {
		_, err := ParseSeed([]byte(doc))
		assert.Error(t, err, name)
	}

	seed, err := ParseSeed(nil)
	require.NoError(t, err)
	assert.Empty(t, seed.Tenants)
}

func TestParseSeed_CanonicalizesAgentID(t *testing.T) {
	doc := "tenants:\n  - id: t\n    agents:\n      - id: 0190F3A2-7C1B-7D4E-9A5B-3C2D1E0F4A6B\n        type: sdr\n        prompt_base: p\n"
	seed, err := ParseSeed([]byte(doc))
	require.NoError(t, err)

	id := seed.Tenants[0].Agents[0].ID
	assert.Equal(t, "0190f3a2-7c1b-7d4e-9a5b-3c2d1e0f4a6b", id)
	assert.NoError(t, middleware.ValidateAgentID(id), "seeded agents stay addressable through the API")
}

func TestSeedApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))
	seed, err := LoadSeed(path)
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	defer db.Close()

	target := struct {
		*store.AgentStore
		*store.TenantSettings
	}{store.NewAgentStore(db), store.NewTenantSettings(db, model.AgentTypeCS)}

	ctx := context.Background()
	n, err := seed.Apply(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entry, err := target.EntryAgentType(ctx, "escritorio-silva")
	require.NoError(t, err)
	assert.Equal(t, model.AgentTypeSDR, entry)

	snapshot, err := target.Snapshot(ctx, "escritorio-silva")
	require.NoError(t, err)
	assert.Equal(t, 2, snapshot.Len())

	n, err = seed.Apply(ctx, target)
	require.NoError(t, err)
	assert.Zero(t, n, "seeding is skipped once a tenant has agents")
}
