// Package escalation decides whether a lead moves on to the next agent type.
//
// Rules are judged against the reply the current agent produced, not the
// lead's inbound message: the specialized agent's own wording drives routing.
package escalation

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/lexflow/lead-pipeline/internal/model"
)

// Decision is the outcome of evaluating a reply against an agent's rules.
type Decision struct {
	Escalate      bool
	NextAgentType model.AgentType
	MatchedRule   *model.EscalationRule
	RuleIndex     int
	Confidence    float64
}

// None is the decision when no rule is satisfied.
func None() Decision {
	return Decision{RuleIndex: -1}
}

// Evaluate tests rules in declaration order and returns the first one whose
// confidence reaches its threshold. Rules never stack.
func Evaluate(current model.AgentType, outboundText string, rules []model.EscalationRule) Decision {
	if len(rules) == 0 {
		return None()
	}
	text := Fold(outboundText)

	for i := range rules {
		rule := &rules[i]
		if rule.NextAgentType == current {
			continue
		}
		confidence, matched := Score(rule, text)
		if matched == 0 {
			continue
		}
		if confidence >= rule.ConfidenceThreshold {
			return Decision{
				Escalate:      true,
				NextAgentType: rule.NextAgentType,
				MatchedRule:   rule,
				RuleIndex:     i,
				Confidence:    confidence,
			}
		}
	}
	return None()
}

// Score returns the confidence of a rule against already folded text and the
// number of keywords that matched. An empty keyword list never matches.
func Score(rule *model.EscalationRule, foldedText string) (float64, int) {
	if len(rule.TriggerKeywords) == 0 {
		return 0, 0
	}
	matched := 0
	for _, kw := range rule.TriggerKeywords {
		k := Fold(kw)
		if k != "" && strings.Contains(foldedText, k) {
			matched++
		}
	}
	if matched == 0 {
		return 0, 0
	}
	switch rule.Condition {
	case model.ConditionKeywordAny:
		return 1, matched
	default:
		return float64(matched) / float64(len(rule.TriggerKeywords)), matched
	}
}

// Fold lowercases s and strips diacritics so "Orçamento" compares equal to "orcamento".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
