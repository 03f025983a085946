// Package responder generates agent replies through an LLM provider with
// per-attempt timeouts, exponential backoff and a circuit breaker.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lexflow/lead-pipeline/internal/llm"
	"github.com/lexflow/lead-pipeline/internal/model"
	"github.com/lexflow/lead-pipeline/pkg/logger"
	"github.com/lexflow/lead-pipeline/pkg/metrics"
	"github.com/lexflow/lead-pipeline/pkg/tracing"
)

// Prompt is everything the agent sees for one turn.
type Prompt struct {
	Agent   model.AgentProfile
	History []model.InteractionRecord
	Message string
}

// Reply is a generated agent reply.
type Reply struct {
	Text      string
	Model     string
	LatencyMs int64
	Attempts  int
}

// Generator produces an agent's reply to an inbound message.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (*Reply, error)
}

var errEmptyReply = errors.New("provider returned an empty reply")

// Config tunes reply generation.
type Config struct {
	Model       string
	MaxTokens   int
	Temperature float64

	AttemptTimeout time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration

	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
	BreakerInterval    time.Duration
}

func (c *Config) withDefaults() {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 20 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.BreakerInterval <= 0 {
		c.BreakerInterval = time.Minute
	}
	if c.Temperature == 0 {
		c.Temperature = 0.4
	}
}

// LLMResponder is a Generator backed by an llm.Client.
type LLMResponder struct {
	client  llm.Client
	breaker *gobreaker.CircuitBreaker[*llm.CompletionResponse]
	cfg     Config
	log     *logger.Logger
}

// New creates a responder. A nil client yields a responder whose every
// invocation fails, so the pipeline still runs without provider credentials.
func New(client llm.Client, cfg Config, log *logger.Logger) *LLMResponder {
	cfg.withDefaults()

	name := "llm:none"
	if client != nil {
		name = "llm:" + client.Name()
	}
	breaker := gobreaker.NewCircuitBreaker[*llm.CompletionResponse](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &LLMResponder{
		client:  client,
		breaker: breaker,
		cfg:     cfg,
		log:     log,
	}
}

// State returns the circuit breaker state.
func (r *LLMResponder) State() gobreaker.State {
	return r.breaker.State()
}

// Generate asks the provider for the agent's reply. Failures after all
// attempts are reported as model.ErrAgentInvocationFailed.
func (r *LLMResponder) Generate(ctx context.Context, p Prompt) (*Reply, error) {
	if r.client == nil {
		return nil, fmt.Errorf("%w: no LLM provider configured", model.ErrAgentInvocationFailed)
	}

	ctx, span := tracing.StartSpan(ctx, "responder.Generate",
		attribute.String("agent.id", p.Agent.ID),
		attribute.String("agent.type", string(p.Agent.Type)),
	)
	defer span.End()

	req := &llm.CompletionRequest{
		Model:       r.cfg.Model,
		System:      SystemPrompt(p.Agent),
		Messages:    Transcript(p.History, p.Message),
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}

	start := time.Now()
	attempts := 0
	var resp *llm.CompletionResponse
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()

		out, err := r.breaker.Execute(func() (*llm.CompletionResponse, error) {
			return r.client.Complete(attemptCtx, req)
		})
		if err != nil {
			metrics.AgentInvocationAttempts.WithLabelValues(r.client.Name(), "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("provider %q circuit open: %w", r.client.Name(), err))
			}
			return err
		}
		if strings.TrimSpace(out.Content) == "" {
			metrics.AgentInvocationAttempts.WithLabelValues(r.client.Name(), "empty").Inc()
			return errEmptyReply
		}
		metrics.AgentInvocationAttempts.WithLabelValues(r.client.Name(), "ok").Inc()
		resp = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		r.log.Warn("agent invocation failed, retrying",
			zap.String("agent_id", p.Agent.ID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordInvocation(r.client.Name(), "error", elapsed.Seconds())
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("%w: after %d attempts: %w", model.ErrAgentInvocationFailed, attempts, err)
	}

	metrics.RecordInvocation(r.client.Name(), "ok", elapsed.Seconds())
	metrics.RecordTokens(resp.Model, resp.TokensIn, resp.TokensOut)
	span.SetAttributes(attribute.Int("attempts", attempts))

	return &Reply{
		Text:      strings.TrimSpace(resp.Content),
		Model:     resp.Model,
		LatencyMs: elapsed.Milliseconds(),
		Attempts:  attempts,
	}, nil
}
