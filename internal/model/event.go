package model

import (
	"time"
)

// EventType represents the type of pipeline event.
type EventType string

const (
	EventTypeInteraction   EventType = "interaction"
	EventTypeEscalated     EventType = "escalated"
	EventTypeTargetMissing EventType = "target_missing"
	EventTypeResolved      EventType = "resolved"
)

// PipelineEvent is published after a decision commits. Dashboards consume
// these; the database remains the durable log.
type PipelineEvent struct {
	ID        string             `json:"id"`
	TenantID  string             `json:"tenant_id"`
	LeadID    string             `json:"lead_id"`
	Channel   Channel            `json:"channel"`
	Type      EventType          `json:"type"`
	Reason    string             `json:"reason,omitempty"`
	Record    *InteractionRecord `json:"record,omitempty"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	Sequence  uint64             `json:"sequence,omitempty"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
