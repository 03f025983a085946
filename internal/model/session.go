package model

import (
	"fmt"
	"strings"
	"time"
)

// Channel is the transport a lead conversation arrives on.
type Channel string

const (
	ChannelChat     Channel = "chat"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelWeb      Channel = "web"
	ChannelTest     Channel = "test"
)

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ChannelChat, ChannelWhatsApp, ChannelWeb, ChannelTest:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, s)
}

// SessionStatus is the lifecycle state of a lead session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusQualified SessionStatus = "qualified"
	StatusEscalated SessionStatus = "escalated"
	StatusClosed    SessionStatus = "closed"
	StatusAbandoned SessionStatus = "abandoned"
)

// IsTerminal reports whether no further messages can be processed.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusAbandoned
}

// SessionKey identifies one lead conversation on one channel.
type SessionKey struct {
	TenantID string  `json:"tenant_id"`
	LeadID   string  `json:"lead_id"`
	Channel  Channel `json:"channel"`
}

func (k SessionKey) String() string {
	return k.TenantID + "/" + k.LeadID + "/" + string(k.Channel)
}

// LeadSession is the routing state of one lead conversation. It is a cache
// derived from the interaction log and is only changed through Apply.
type LeadSession struct {
	TenantID              string        `json:"tenant_id"`
	LeadID                string        `json:"lead_id"`
	Channel               Channel       `json:"channel"`
	CurrentAgentType      AgentType     `json:"current_agent_type"`
	InteractionCount      int           `json:"interaction_count"`
	AgentInteractionCount int           `json:"agent_interaction_count"`
	Status                SessionStatus `json:"status"`
	LastActivityAt        time.Time     `json:"last_activity_at"`
	CreatedAt             time.Time     `json:"created_at"`
	Version               int64         `json:"version"`
}

// NewLeadSession returns an unsaved session routed to the entry agent type.
func NewLeadSession(key SessionKey, entry AgentType, now time.Time) *LeadSession {
	return &LeadSession{
		TenantID:         key.TenantID,
		LeadID:           key.LeadID,
		Channel:          key.Channel,
		CurrentAgentType: entry,
		Status:           StatusActive,
		LastActivityAt:   now,
		CreatedAt:        now,
	}
}

// Key returns the session key.
func (s *LeadSession) Key() SessionKey {
	return SessionKey{TenantID: s.TenantID, LeadID: s.LeadID, Channel: s.Channel}
}

// Clone returns a copy of the session.
func (s *LeadSession) Clone() *LeadSession {
	c := *s
	return &c
}

// Apply advances the session by one interaction record. Live processing and
// log replay both go through here, so the log always reproduces the session.
func (s *LeadSession) Apply(rec *InteractionRecord) {
	switch rec.Kind {
	case RecordKindMessage:
		s.InteractionCount++
		s.AgentInteractionCount++
		if rec.Escalated {
			if rec.ToAgentType == nil {
				panic(fmt.Sprintf("interaction %s escalated without a target", rec.ID))
			}
			s.CurrentAgentType = *rec.ToAgentType
			s.AgentInteractionCount = 0
		}
		s.LastActivityAt = rec.Timestamp
	case RecordKindResolution:
	default:
		panic(fmt.Sprintf("interaction %s has unknown kind %q", rec.ID, rec.Kind))
	}
	s.Status = rec.Status
	s.mustBeValid()
}

func (s *LeadSession) mustBeValid() {
	if s.InteractionCount < 0 || s.AgentInteractionCount < 0 {
		panic(fmt.Sprintf("session %s has negative interaction count", s.Key()))
	}
	if s.AgentInteractionCount > s.InteractionCount {
		panic(fmt.Sprintf("session %s agent turns exceed total turns", s.Key()))
	}
}

// Replay reconstructs a session from its interaction records in log order.
// The entry agent type is taken from the first record. It returns nil when
// there is nothing to replay.
func Replay(key SessionKey, records []InteractionRecord) *LeadSession {
	if len(records) == 0 {
		return nil
	}
	s := NewLeadSession(key, records[0].FromAgentType, records[0].Timestamp)
	for i := range records {
		s.Apply(&records[i])
	}
	return s
}

// SameRouting reports whether two sessions agree on every field the log determines.
func SameRouting(a, b *LeadSession) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.CurrentAgentType == b.CurrentAgentType &&
		a.Status == b.Status &&
		a.InteractionCount == b.InteractionCount &&
		a.AgentInteractionCount == b.AgentInteractionCount
}

// ResolveSessionRequest is the request to resolve a lead session.
type ResolveSessionRequest struct {
	Status SessionStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// VerifySessionResponse reports whether the stored session matches its log.
type VerifySessionResponse struct {
	Consistent bool         `json:"consistent"`
	Stored     *LeadSession `json:"stored"`
	Replayed   *LeadSession `json:"replayed"`
	Records    int          `json:"records"`
}
