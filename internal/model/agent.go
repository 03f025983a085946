// Package model defines data structures for the lead escalation pipeline.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentType identifies a stage of the pipeline. The set is open: tenants may
// configure types beyond the built-in ones.
type AgentType string

const (
	AgentTypeSDR    AgentType = "sdr"
	AgentTypeCloser AgentType = "closer"
	AgentTypeCS     AgentType = "cs"
)

var agentTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// ParseAgentType normalizes and validates an agent type token.
func ParseAgentType(s string) (AgentType, error) {
	t := AgentType(strings.ToLower(strings.TrimSpace(s)))
	if !agentTypePattern.MatchString(string(t)) {
		return "", fmt.Errorf("%w: agent type %q", ErrInvalidInput, s)
	}
	return t, nil
}

// ParseAgentID validates an agent ID and returns its canonical form. Agent
// IDs are UUIDs so that every API route can address them.
func ParseAgentID(s string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: agent ID %q is not a UUID", ErrInvalidInput, s)
	}
	return id.String(), nil
}

// RuleCondition selects how a rule scores keyword matches.
type RuleCondition string

const (
	// ConditionKeywordRatio scores a rule by matched keywords over total keywords.
	ConditionKeywordRatio RuleCondition = "keyword_ratio"
	// ConditionKeywordAny scores any keyword match as full confidence.
	ConditionKeywordAny RuleCondition = "keyword_any"
)

// EscalationRule hands a lead to the next agent type when the current agent's
// reply carries enough of the trigger keywords.
type EscalationRule struct {
	Condition           RuleCondition `json:"condition" yaml:"condition"`
	NextAgentType       AgentType     `json:"next_agent_type" yaml:"next_agent_type"`
	TriggerKeywords     []string      `json:"trigger_keywords" yaml:"trigger_keywords"`
	ConfidenceThreshold float64       `json:"confidence_threshold" yaml:"confidence_threshold"`
}

// Normalize fills defaults and trims keywords in place.
func (r *EscalationRule) Normalize() {
	if r.Condition == "" {
		r.Condition = ConditionKeywordRatio
	}
	r.NextAgentType = AgentType(strings.ToLower(strings.TrimSpace(string(r.NextAgentType))))
	keywords := r.TriggerKeywords[:0]
	for _, kw := range r.TriggerKeywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	r.TriggerKeywords = keywords
}

// Validate checks a rule owned by an agent of type owner.
func (r EscalationRule) Validate(owner AgentType) error {
	switch r.Condition {
	case ConditionKeywordRatio, ConditionKeywordAny:
	default:
		return fmt.Errorf("%w: unknown condition %q", ErrInvalidRule, r.Condition)
	}
	if _, err := ParseAgentType(string(r.NextAgentType)); err != nil {
		return fmt.Errorf("%w: next agent type %q", ErrInvalidRule, r.NextAgentType)
	}
	if r.NextAgentType == owner {
		return fmt.Errorf("%w: rule escalates %s to itself", ErrInvalidRule, owner)
	}
	if r.ConfidenceThreshold < 0 || r.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence threshold %v outside [0,1]", ErrInvalidRule, r.ConfidenceThreshold)
	}
	return nil
}

// DecodeRules decodes the escalation rule blob stored on an agent row.
// Unknown fields and invalid rules are rejected so that malformed
// configuration surfaces at load time instead of at evaluation time.
func DecodeRules(owner AgentType, raw []byte) ([]EscalationRule, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var rules []EscalationRule
	if err := dec.Decode(&rules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := NormalizeRules(owner, rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// NormalizeRules normalizes and validates rules in declaration order.
func NormalizeRules(owner AgentType, rules []EscalationRule) error {
	for i := range rules {
		rules[i].Normalize()
		if err := rules[i].Validate(owner); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// AgentProfile is a tenant's configured agent.
type AgentProfile struct {
	ID                 string           `json:"id" yaml:"id"`
	TenantID           string           `json:"tenant_id" yaml:"tenant_id"`
	Name               string           `json:"name" yaml:"name"`
	Type               AgentType        `json:"type" yaml:"type"`
	LegalArea          string           `json:"legal_area" yaml:"legal_area"`
	PromptBase         string           `json:"prompt_base" yaml:"prompt_base"`
	Personality        string           `json:"personality" yaml:"personality"`
	SpecializationTags []string         `json:"specialization_tags" yaml:"specialization_tags"`
	EscalationRules    []EscalationRule `json:"escalation_rules" yaml:"escalation_rules"`
	MaxInteractions    int              `json:"max_interactions" yaml:"max_interactions"`
	Active             bool             `json:"active" yaml:"-"`
	CreatedAt          time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt          time.Time        `json:"updated_at" yaml:"-"`
}

// Validate normalizes the profile and checks its invariants.
func (a *AgentProfile) Validate() error {
	if strings.TrimSpace(a.TenantID) == "" {
		return fmt.Errorf("%w: tenant ID is required", ErrInvalidInput)
	}
	t, err := ParseAgentType(string(a.Type))
	if err != nil {
		return err
	}
	a.Type = t
	if strings.TrimSpace(a.PromptBase) == "" {
		return fmt.Errorf("%w: prompt base is required", ErrInvalidInput)
	}
	if a.MaxInteractions < 0 {
		return fmt.Errorf("%w: max interactions cannot be negative", ErrInvalidInput)
	}
	return NormalizeRules(a.Type, a.EscalationRules)
}

// Clone returns a deep copy so snapshots never share slices with callers.
func (a AgentProfile) Clone() AgentProfile {
	c := a
	c.SpecializationTags = append([]string(nil), a.SpecializationTags...)
	if a.EscalationRules != nil {
		c.EscalationRules = make([]EscalationRule, len(a.EscalationRules))
		for i, r := range a.EscalationRules {
			r.TriggerKeywords = append([]string(nil), r.TriggerKeywords...)
			c.EscalationRules[i] = r
		}
	}
	return c
}

// AgentSet is an immutable point-in-time view of a tenant's active agents.
type AgentSet struct {
	TenantID string
	TakenAt  time.Time
	byType   map[AgentType]AgentProfile
}

// NewAgentSet builds a snapshot from active profiles. Inactive profiles are ignored.
func NewAgentSet(tenantID string, profiles []AgentProfile, takenAt time.Time) *AgentSet {
	set := &AgentSet{
		TenantID: tenantID,
		TakenAt:  takenAt,
		byType:   make(map[AgentType]AgentProfile, len(profiles)),
	}
	for _, p := range profiles {
		if !p.Active || p.TenantID != tenantID {
			continue
		}
		set.byType[p.Type] = p.Clone()
	}
	return set
}

// ForType returns the active agent configured for t.
func (s *AgentSet) ForType(t AgentType) (AgentProfile, bool) {
	if s == nil {
		return AgentProfile{}, false
	}
	p, ok := s.byType[t]
	if !ok {
		return AgentProfile{}, false
	}
	return p.Clone(), true
}

// Len returns the number of active agents in the snapshot.
func (s *AgentSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byType)
}

// CreateAgentRequest is the request to create an agent profile.
type CreateAgentRequest struct {
	Name               string          `json:"name"`
	Type               AgentType       `json:"type"`
	LegalArea          string          `json:"legal_area"`
	PromptBase         string          `json:"prompt_base"`
	Personality        string          `json:"personality"`
	SpecializationTags []string        `json:"specialization_tags"`
	EscalationRules    json.RawMessage `json:"escalation_rules,omitempty"`
	MaxInteractions    int             `json:"max_interactions"`
	Active             *bool           `json:"active,omitempty"`
}

// UpdateAgentRequest is the request to update an agent profile. Nil fields are left unchanged.
type UpdateAgentRequest struct {
	Name               *string         `json:"name,omitempty"`
	LegalArea          *string         `json:"legal_area,omitempty"`
	PromptBase         *string         `json:"prompt_base,omitempty"`
	Personality        *string         `json:"personality,omitempty"`
	SpecializationTags []string        `json:"specialization_tags,omitempty"`
	EscalationRules    json.RawMessage `json:"escalation_rules,omitempty"`
	MaxInteractions    *int            `json:"max_interactions,omitempty"`
	Active             *bool           `json:"active,omitempty"`
}

// ListAgentsResponse is the response for listing agents.
type ListAgentsResponse struct {
	Agents []AgentProfile `json:"agents"`
	Total  int            `json:"total"`
}
