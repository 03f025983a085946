package service

import (
	"github.com/lexflow/lead-pipeline/internal/escalation"
	"github.com/lexflow/lead-pipeline/internal/model"
)

// transition is the routing outcome of one processed message.
type transition struct {
	escalation    *model.Escalation
	targetMissing *model.Escalation
	capExceeded   bool
	closed        bool
}

// route decides where a session goes after agent replied. A matched rule
// whose target has no active agent leaves the lead where it is. Once the
// agent's turn cap is exceeded without an escalation, the lead is pushed to
// the first rule target that is configured, or the session closes.
func route(sess *model.LeadSession, agent model.AgentProfile, agents *model.AgentSet, d escalation.Decision) transition {
	var t transition
	current := sess.CurrentAgentType

	if d.Escalate {
		esc := &model.Escalation{
			From:       current,
			To:         d.NextAgentType,
			RuleIndex:  d.RuleIndex,
			Confidence: d.Confidence,
		}
		if _, ok := agents.ForType(d.NextAgentType); ok {
			t.escalation = esc
			return t
		}
		esc.TargetMissing = true
		t.targetMissing = esc
	}

	agentTurns := sess.AgentInteractionCount + 1
	if agent.MaxInteractions <= 0 || agentTurns <= agent.MaxInteractions {
		return t
	}

	t.capExceeded = true
	for i, rule := range agent.EscalationRules {
		if rule.NextAgentType == current {
			continue
		}
		if _, ok := agents.ForType(rule.NextAgentType); ok {
			t.escalation = &model.Escalation{
				From:      current,
				To:        rule.NextAgentType,
				Forced:    true,
				RuleIndex: i,
			}
			return t
		}
	}
	t.closed = true
	return t
}
