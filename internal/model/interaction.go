package model

import (
	"time"
)

// RecordKind distinguishes processed messages from resolutions.
type RecordKind string

const (
	RecordKindMessage    RecordKind = "message"
	RecordKindResolution RecordKind = "resolution"
)

// InteractionRecord is an immutable log entry written once per processed
// message or resolution. It is the system of record for session state.
type InteractionRecord struct {
	// Identity
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	LeadID    string  `json:"lead_id"`
	Channel   Channel `json:"channel"`
	AgentID   string  `json:"agent_id"`
	MessageID string  `json:"message_id,omitempty"`

	Kind      RecordKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`

	// Content
	InboundText  string `json:"inbound_text"`
	OutboundText string `json:"outbound_text"`

	// Routing decision
	Escalated     bool          `json:"escalated"`
	Forced        bool          `json:"forced,omitempty"`
	FromAgentType AgentType     `json:"from_agent_type"`
	ToAgentType   *AgentType    `json:"to_agent_type"`
	Status        SessionStatus `json:"status"`

	LatencyMs   int64  `json:"latency_ms,omitempty"`
	ConfigError string `json:"config_error,omitempty"`
	Reason      string `json:"reason,omitempty"`

	// Log position (populated on read)
	Sequence int64 `json:"sequence,omitempty"`
}

// Key returns the session key the record belongs to.
func (r *InteractionRecord) Key() SessionKey {
	return SessionKey{TenantID: r.TenantID, LeadID: r.LeadID, Channel: r.Channel}
}

// InboundLead is a normalized inbound message from a channel adapter.
type InboundLead struct {
	TenantID  string  `json:"tenant_id"`
	LeadID    string  `json:"lead_id"`
	Channel   Channel `json:"channel"`
	Message   string  `json:"message"`
	MessageID string  `json:"message_id,omitempty"`
}

// Key returns the session key of the lead conversation.
func (l InboundLead) Key() SessionKey {
	return SessionKey{TenantID: l.TenantID, LeadID: l.LeadID, Channel: l.Channel}
}

// Escalation describes a handoff decided while processing a message.
type Escalation struct {
	From          AgentType `json:"from"`
	To            AgentType `json:"to"`
	Forced        bool      `json:"forced,omitempty"`
	RuleIndex     int       `json:"rule_index"`
	Confidence    float64   `json:"confidence"`
	TargetMissing bool      `json:"target_missing,omitempty"`
}

// ProcessResult is the outcome of processing one inbound message.
type ProcessResult struct {
	Reply      string             `json:"reply"`
	Session    *LeadSession       `json:"session"`
	Record     *InteractionRecord `json:"record"`
	Escalation *Escalation        `json:"escalation,omitempty"`
	Duplicate  bool               `json:"duplicate,omitempty"`
}

// ProcessLeadRequest is the HTTP request to process an inbound lead message.
type ProcessLeadRequest struct {
	LeadID    string `json:"lead_id"`
	Channel   string `json:"channel"`
	Message   string `json:"message"`
	MessageID string `json:"message_id,omitempty"`
}

// ListInteractionsResponse is the response for listing a session's interactions.
type ListInteractionsResponse struct {
	Interactions []InteractionRecord `json:"interactions"`
	Total        int                 `json:"total"`
}
