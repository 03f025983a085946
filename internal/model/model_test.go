package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRules(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr error
	}{
		{name: "empty", raw: "", want: 0},
		{name: "null", raw: "null", want: 0},
		{
			name: "defaults condition",
			raw:  `[{"next_agent_type":"Closer","trigger_keywords":[" proposta ",""],"confidence_threshold":0.5}]`,
			want: 1,
		},
		{
			name:    "unknown field",
			raw:     `[{"next_agent_type":"closer","keywords":["x"]}]`,
			wantErr: ErrInvalidRule,
		},
		{
			name:    "self escalation",
			raw:     `[{"next_agent_type":"sdr","trigger_keywords":["x"]}]`,
			wantErr: ErrInvalidRule,
		},
		{
			name:    "threshold out of range",
			raw:     `[{"next_agent_type":"closer","trigger_keywords":["x"],"confidence_threshold":1.5}]`,
			wantErr: ErrInvalidRule,
		},
		{
			name:    "unknown condition",
			raw:     `[{"condition":"sentiment","next_agent_type":"closer","trigger_keywords":["x"]}]`,
			wantErr: ErrInvalidRule,
		},
		{name: "not a list", raw: `{"next_agent_type":"closer"}`, wantErr: ErrInvalidRule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules, err := DecodeRules(AgentTypeSDR, []byte(tt.raw))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Len(t, rules, tt.want)
		})
	}

	rules, err := DecodeRules(AgentTypeSDR, []byte(`[{"next_agent_type":"Closer","trigger_keywords":[" proposta ",""]}]`))
	require.NoError(t, err)
	assert.Equal(t, ConditionKeywordRatio, rules[0].Condition)
	assert.Equal(t, AgentTypeCloser, rules[0].NextAgentType)
	assert.Equal(t, []string{"proposta"}, rules[0].TriggerKeywords)
}

func TestAgentSet(t *testing.T) {
	now := time.Now()
	profiles := []AgentProfile{
		{ID: "a", TenantID: "t1", Type: AgentTypeSDR, Active: true, SpecializationTags: []string{"civil"}},
		{ID: "b", TenantID: "t1", Type: AgentTypeCloser, Active: false},
		{ID: "c", TenantID: "t2", Type: AgentTypeCS, Active: true},
	}
	set := NewAgentSet("t1", profiles, now)

	assert.Equal(t, 1, set.Len())
	sdr, ok := set.ForType(AgentTypeSDR)
	require.True(t, ok)
	assert.Equal(t, "a", sdr.ID)

	_, ok = set.ForType(AgentTypeCloser)
	assert.False(t, ok, "inactive agents are excluded")
	_, ok = set.ForType(AgentTypeCS)
	assert.False(t, ok, "other tenants are excluded")

	sdr.SpecializationTags[0] = "changed"
	again, _ := set.ForType(AgentTypeSDR)
	assert.Equal(t, "civil", again.SpecializationTags[0])

	var empty *AgentSet
	assert.Equal(t, 0, empty.Len())
}

func TestReplay(t *testing.T) {
	key := SessionKey{TenantID: "t1", LeadID: "lead-1", Channel: ChannelChat}
	now := time.Now()
	closer := AgentTypeCloser
	records := []InteractionRecord{
		{ID: "1", Kind: RecordKindMessage, FromAgentType: AgentTypeSDR, Status: StatusActive, Timestamp: now},
		{ID: "2", Kind: RecordKindMessage, FromAgentType: AgentTypeSDR, Escalated: true, ToAgentType: &closer, Status: StatusActive, Timestamp: now.Add(time.Second)},
		{ID: "3", Kind: RecordKindMessage, FromAgentType: AgentTypeCloser, Status: StatusActive, Timestamp: now.Add(2 * time.Second)},
		{ID: "4", Kind: RecordKindResolution, FromAgentType: AgentTypeCloser, Status: StatusQualified, Timestamp: now.Add(3 * time.Second)},
	}

	s := Replay(key, records)
	require.NotNil(t, s)
	assert.Equal(t, AgentTypeCloser, s.CurrentAgentType)
	assert.Equal(t, 3, s.InteractionCount)
	assert.Equal(t, 1, s.AgentInteractionCount)
	assert.Equal(t, StatusQualified, s.Status)
	assert.Equal(t, now.Add(2*time.Second), s.LastActivityAt)

	assert.Nil(t, Replay(key, nil))
	assert.True(t, SameRouting(s, s.Clone()))
	assert.False(t, SameRouting(s, nil))
}

func TestApplyPanicsOnBrokenRecords(t *testing.T) {
	key := SessionKey{TenantID: "t1", LeadID: "lead-1", Channel: ChannelChat}

	s := NewLeadSession(key, AgentTypeSDR, time.Now())
	assert.Panics(t, func() {
		s.Apply(&InteractionRecord{ID: "x", Kind: RecordKindMessage, Escalated: true, Status: StatusActive})
	})

	s = NewLeadSession(key, AgentTypeSDR, time.Now())
	assert.Panics(t, func() {
		s.Apply(&InteractionRecord{ID: "y", Kind: "bogus"})
	})

	s = NewLeadSession(key, AgentTypeSDR, time.Now())
	s.InteractionCount = -2
	assert.Panics(t, func() {
		s.Apply(&InteractionRecord{ID: "z", Kind: RecordKindMessage, Status: StatusActive})
	})
}

func TestParseChannel(t *testing.T) {
	c, err := ParseChannel(" WhatsApp ")
	require.NoError(t, err)
	assert.Equal(t, ChannelWhatsApp, c)

	_, err = ParseChannel("fax")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestErrorCode(t *testing.T) {
	wrapped := NewPipelineError("dispatcher.ProcessLead", ErrSessionWriteConflict, "lead-1")
	assert.Equal(t, "session_write_conflict", ErrorCode(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, "dispatcher.ProcessLead: lead-1: session write conflict", wrapped.Error())

	assert.Equal(t, "agent_not_configured", ErrorCode(ErrAgentNotConfigured))
	assert.False(t, IsRetryable(ErrAgentNotConfigured))
	assert.Equal(t, "internal", ErrorCode(errors.New("boom")))
}
