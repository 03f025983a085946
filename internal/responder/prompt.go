package responder

import (
	"strings"

	"github.com/lexflow/lead-pipeline/internal/llm"
	"github.com/lexflow/lead-pipeline/internal/model"
)

// SystemPrompt assembles the agent's instructions from its profile.
func SystemPrompt(agent model.AgentProfile) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(agent.PromptBase))
	if agent.Personality != "" {
		b.WriteString("\n\nPersonalidade: ")
		b.WriteString(agent.Personality)
	}
	if agent.LegalArea != "" {
		b.WriteString("\nÁrea jurídica: ")
		b.WriteString(agent.LegalArea)
	}
	if len(agent.SpecializationTags) > 0 {
		b.WriteString("\nEspecializações: ")
		b.WriteString(strings.Join(agent.SpecializationTags, ", "))
	}
	return b.String()
}

// Transcript turns prior interaction records plus the new inbound message
// into alternating chat turns.
func Transcript(history []model.InteractionRecord, message string) []llm.ChatMessage {
	turns := make([]llm.ChatMessage, 0, 2*len(history)+1)
	for _, rec := range history {
		if rec.Kind != model.RecordKindMessage {
			continue
		}
		if rec.InboundText != "" {
			turns = append(turns, llm.ChatMessage{Role: llm.RoleUser, Content: rec.InboundText})
		}
		if rec.OutboundText != "" {
			turns = append(turns, llm.ChatMessage{Role: llm.RoleAssistant, Content: rec.OutboundText})
		}
	}
	return append(turns, llm.ChatMessage{Role: llm.RoleUser, Content: message})
}
