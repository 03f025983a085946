package responder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexflow/lead-pipeline/internal/llm"
	"github.com/lexflow/lead-pipeline/internal/model"
	"github.com/lexflow/lead-pipeline/pkg/logger"
)

type fakeClient struct {
	mu      sync.Mutex
	calls   int
	replies []string
	errs    []error
	block   bool
	lastReq *llm.CompletionRequest
}

func (f *fakeClient) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.lastReq = req
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	text := ""
	if i < len(f.replies) {
		text = f.replies[i]
	}
	return &llm.CompletionResponse{Content: text, Model: "fake-1"}, nil
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

func fastConfig() Config {
	return Config{
		AttemptTimeout: 50 * time.Millisecond,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}
}

func testPrompt() Prompt {
	return Prompt{
		Agent: model.AgentProfile{
			ID:                 "agent-1",
			Type:               model.AgentTypeSDR,
			PromptBase:         "Você qualifica leads.",
			Personality:        "cordial",
			LegalArea:          "trabalhista",
			SpecializationTags: []string{"rescisão", "horas extras"},
		},
		History: []model.InteractionRecord{{
			Kind:         model.RecordKindMessage,
			InboundText:  "oi",
			OutboundText: "olá, em que posso ajudar?",
		}},
		Message: "fui demitido",
	}
}

func TestGenerate_Success(t *testing.T) {
	client := &fakeClient{replies: []string{"  Entendo, conte mais.  "}}
	r := New(client, fastConfig(), testLogger())

	reply, err := r.Generate(context.Background(), testPrompt())
	require.NoError(t, err)
	assert.Equal(t, "Entendo, conte mais.", reply.Text)
	assert.Equal(t, 1, reply.Attempts)
	assert.Equal(t, "fake-1", reply.Model)

	require.NotNil(t, client.lastReq)
	assert.Contains(t, client.lastReq.System, "Você qualifica leads.")
	assert.Contains(t, client.lastReq.System, "trabalhista")
	assert.Contains(t, client.lastReq.System, "rescisão, horas extras")
	require.Len(t, client.lastReq.Messages, 3)
	assert.Equal(t, "fui demitido", client.lastReq.Messages[2].Content)
}

func TestGenerate_RetriesTransientFailure(t *testing.T) {
	client := &fakeClient{
		errs:    []error{errors.New("503"), nil},
		replies: []string{"", "ok"},
	}
	r := New(client, fastConfig(), testLogger())

	reply, err := r.Generate(context.Background(), testPrompt())
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Text)
	assert.Equal(t, 2, reply.Attempts)
}

func TestGenerate_EmptyReplyIsRetried(t *testing.T) {
	client := &fakeClient{replies: []string{"", "   ", "finalmente"}}
	r := New(client, fastConfig(), testLogger())

	reply, err := r.Generate(context.Background(), testPrompt())
	require.NoError(t, err)
	assert.Equal(t, "finalmente", reply.Text)
	assert.Equal(t, 3, client.Calls())
}

func TestGenerate_ExhaustsAttempts(t *testing.T) {
	boom := errors.New("provider down")
	client := &fakeClient{errs: []error{boom, boom, boom, boom}}
	r := New(client, fastConfig(), testLogger())

	_, err := r.Generate(context.Background(), testPrompt())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAgentInvocationFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, client.Calls())
}

func TestGenerate_AttemptTimeout(t *testing.T) {
	client := &fakeClient{block: true}
	r := New(client, fastConfig(), testLogger())

	start := time.Now()
	_, err := r.Generate(context.Background(), testPrompt())
	assert.ErrorIs(t, err, model.ErrAgentInvocationFailed)
	assert.Equal(t, 3, client.Calls())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGenerate_CallerCancellationIsPermanent(t *testing.T) {
	client := &fakeClient{block: true}
	r := New(client, Config{AttemptTimeout: time.Minute, MaxAttempts: 5, InitialBackoff: time.Millisecond}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Generate(ctx, testPrompt())
	assert.ErrorIs(t, err, model.ErrAgentInvocationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, client.Calls())
}

func TestGenerate_BreakerOpens(t *testing.T) {
	boom := errors.New("provider down")
	client := &fakeClient{errs: []error{boom, boom, boom, boom, boom}}
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	cfg.BreakerMaxFailures = 2
	cfg.BreakerTimeout = time.Hour
	r := New(client, cfg, testLogger())

	_, err := r.Generate(context.Background(), testPrompt())
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, r.State())

	_, err = r.Generate(context.Background(), testPrompt())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, model.ErrAgentInvocationFailed)
	assert.Equal(t, 2, client.Calls(), "open breaker must not reach the provider")
}

func TestGenerate_NoClient(t *testing.T) {
	r := New(nil, fastConfig(), testLogger())
	_, err := r.Generate(context.Background(), testPrompt())
	assert.ErrorIs(t, err, model.ErrAgentInvocationFailed)
}

func TestTranscript_SkipsResolutions(t *testing.T) {
	turns := Transcript([]model.InteractionRecord{
		{Kind: model.RecordKindMessage, InboundText: "a", OutboundText: "b"},
		{Kind: model.RecordKindResolution, Reason: "qualified by operator"},
	}, "c")
	require.Len(t, turns, 3)
	assert.Equal(t, llm.RoleUser, turns[0].Role)
	assert.Equal(t, llm.RoleAssistant, turns[1].Role)
	assert.Equal(t, "c", turns[2].Content)
}
