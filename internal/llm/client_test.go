package llm

import (
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	c, err := NewClient(ProviderOpenAI, "sk-test")
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())

	c, err = NewClient(ProviderAnthropic, "sk-ant-test")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Name())

	_, err = NewClient(ProviderAnthropic, "")
	assert.Error(t, err)

	_, err = NewClient("mistral", "key")
	assert.Error(t, err)
}

func TestOpenAIMessages_SystemFirst(t *testing.T) {
	msgs := openAIMessages(&CompletionRequest{
		System: "Você é um SDR.",
		Messages: []ChatMessage{
			{Role: RoleUser, Content: "oi"},
		},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "Você é um SDR.", msgs[0].Content)
	assert.Equal(t, RoleUser, msgs[1].Role)
}

func TestAnthropicTurns(t *testing.T) {
	turns := anthropicTurns(&CompletionRequest{
		System: "Você é um SDR.",
		Messages: []ChatMessage{
			{Role: RoleUser, Content: "oi"},
			{Role: RoleAssistant, Content: "olá"},
			{Role: RoleUser, Content: "quero um orçamento"},
		},
	})
	require.Len(t, turns, 3)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "Você é um SDR.\n\noi", turns[0].Content)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.Equal(t, "quero um orçamento", turns[2].Content)
}

func TestAnthropicTurns_LeadingAssistant(t *testing.T) {
	turns := anthropicTurns(&CompletionRequest{
		Messages: []ChatMessage{
			{Role: RoleAssistant, Content: "olá"},
			{Role: RoleUser, Content: "oi"},
		},
	})
	require.Len(t, turns, 3)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, RoleAssistant, turns[1].Role)
}
