package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lexflow/lead-pipeline/internal/model"
)

// Seed is the YAML file provisioning agents for tenants at startup.
//
//	tenants:
//	  - id: escritorio-silva
//	    entry_agent_type: sdr
//	    agents:
//	      - name: Ana
//	        type: sdr
//	        prompt_base: Você qualifica leads trabalhistas.
//	        escalation_rules:
//	          - next_agent_type: closer
//	            trigger_keywords: [proposta, contratar]
//	            confidence_threshold: 0.7
type Seed struct {
	Tenants []TenantSeed `yaml:"tenants"`
}

// TenantSeed is one tenant's entry in the seed file.
type TenantSeed struct {
	ID             string          `yaml:"id"`
	EntryAgentType model.AgentType `yaml:"entry_agent_type"`
	Agents         []AgentSeed     `yaml:"agents"`
}

// AgentSeed is a seeded agent profile. Agents are active unless the file
// says otherwise.
type AgentSeed struct {
	model.AgentProfile `yaml:",inline"`
	Active             *bool `yaml:"active"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed decodes a seed document. Unknown keys are rejected.
func ParseSeed(raw []byte) (*Seed, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: seed file: %v", model.ErrInvalidInput, err)
	}

	for i := range seed.Tenants {
		t := &seed.Tenants[i]
		if t.ID == "" {
			return nil, fmt.Errorf("%w: seed tenant %d has no id", model.ErrInvalidInput, i)
		}
		if t.EntryAgentType != "" {
			entry, err := model.ParseAgentType(string(t.EntryAgentType))
			if err != nil {
				return nil, fmt.Errorf("seed tenant %s: %w", t.ID, err)
			}
			t.EntryAgentType = entry
		}
		for j := range t.Agents {
			a := &t.Agents[j].AgentProfile
			a.TenantID = t.ID
			if a.ID != "" {
				id, err := model.ParseAgentID(a.ID)
				if err != nil {
					return nil, fmt.Errorf("seed tenant %s agent %d: %w", t.ID, j, err)
				}
				a.ID = id
			}
			a.Active = t.Agents[j].Active == nil || *t.Agents[j].Active
			if err := a.Validate(); err != nil {
				return nil, fmt.Errorf("seed tenant %s agent %d: %w", t.ID, j, err)
			}
		}
	}
	return &seed, nil
}

// SeedTarget receives seeded configuration.
type SeedTarget interface {
	List(ctx context.Context, tenantID string) ([]model.AgentProfile, error)
	Create(ctx context.Context, a *model.AgentProfile) error
	SetEntryAgentType(ctx context.Context, tenantID string, entry model.AgentType) error
}

// Apply provisions the seed. Agents are only created for tenants that have
// none yet, so restarting never overwrites edits made through the API.
// It returns the number of agents created.
func (s *Seed) Apply(ctx context.Context, target SeedTarget) (int, error) {
	created := 0
	for _, t := range s.Tenants {
		existing, err := target.List(ctx, t.ID)
		if err != nil {
			return created, err
		}
		if len(existing) > 0 {
			continue
		}
		if t.EntryAgentType != "" {
			if err := target.SetEntryAgentType(ctx, t.ID, t.EntryAgentType); err != nil {
				return created, err
			}
		}
		for _, seeded := range t.Agents {
			a := seeded.AgentProfile
			if err := target.Create(ctx, &a); err != nil {
				return created, fmt.Errorf("seed tenant %s agent %s: %w", t.ID, a.Name, err)
			}
			created++
		}
	}
	return created, nil
}
