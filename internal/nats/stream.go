package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/lexflow/lead-pipeline/internal/model"
	"github.com/lexflow/lead-pipeline/pkg/metrics"
)

const (
	// StreamName is the name of the pipeline events stream.
	StreamName = "LEADS"

	// SubjectPrefix is the prefix for all pipeline event subjects.
	SubjectPrefix = "leads"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
	maxAge time.Duration
}

// NewStreamManager creates a new stream manager. Events older than maxAge
// are discarded by the server; zero keeps them for 30 days.
func NewStreamManager(client *Client, maxAge time.Duration) *StreamManager {
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return &StreamManager{client: client, maxAge: maxAge}
}

// EnsureStream ensures the pipeline stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.maxAge,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  10 * time.Minute,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Lead pipeline interactions, escalations and resolutions",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// EnsureStreamWithRetry keeps calling EnsureStream with exponential backoff
// until it succeeds or ctx ends. It lets the server start while the event
// bus is still unreachable.
func (m *StreamManager) EnsureStreamWithRetry(ctx context.Context, maxInterval time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		return m.EnsureStream(ctx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		m.client.logger.Warn("pipeline stream not ready, retrying",
			zap.Duration("backoff", wait), zap.Error(err))
	})
}

// subjectToken encodes an identifier as a single subject token. The
// encoding is one-to-one, so distinct tenants never share a filter.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// EventSubject returns the subject for a pipeline event.
func EventSubject(tenantID, leadID string, channel model.Channel, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.%s.%s", SubjectPrefix,
		subjectToken(tenantID), subjectToken(leadID), subjectToken(string(channel)), eventType)
}

// TenantFilter returns the filter subject for every event of a tenant.
func TenantFilter(tenantID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, subjectToken(tenantID))
}

// PublishEvent publishes a pipeline event. The event ID doubles as the
// JetStream message ID so a republished event is deduplicated.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.PipelineEvent) (uint64, error) {
	subject := EventSubject(event.TenantID, event.LeadID, event.Channel, event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	return ack.Sequence, nil
}

// Subscribe streams a tenant's events, starting after afterSequence (or
// with new events only when it is zero). Delivery stops when ctx ends; the
// channel is never closed, so readers select on ctx as well.
func (m *StreamManager) Subscribe(ctx context.Context, tenantID string, afterSequence uint64) (<-chan model.PipelineEvent, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{TenantFilter(tenantID)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	}
	if afterSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSequence + 1
	}

	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	out := make(chan model.PipelineEvent, 64)
	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		event, err := decodeTenantEvent(msg.Data(), tenantID)
		if err != nil {
			m.client.logger.Warn("dropping pipeline event",
				zap.String("subject", msg.Subject()), zap.Error(err))
			return
		}
		if meta, err := msg.Metadata(); err == nil {
			event.Sequence = meta.Sequence.Stream
		}
		select {
		case out <- event:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume stream: %w", err)
	}

	go func() {
		<-ctx.Done()
		consumeCtx.Stop()
	}()
	return out, nil
}

// decodeTenantEvent decodes a stream message and rejects events that belong
// to another tenant.
func decodeTenantEvent(data []byte, tenantID string) (model.PipelineEvent, error) {
	var event model.PipelineEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return event, fmt.Errorf("malformed event: %w", err)
	}
	if event.TenantID != tenantID {
		return event, fmt.Errorf("event %s belongs to another tenant", event.ID)
	}
	return event, nil
}

// RefreshMetrics updates the stream size gauges.
func (m *StreamManager) RefreshMetrics(ctx context.Context) error {
	stream, err := m.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("failed to get stream: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	metrics.NATSStreamMessages.WithLabelValues(StreamName).Set(float64(info.State.Msgs))
	metrics.NATSStreamBytes.WithLabelValues(StreamName).Set(float64(info.State.Bytes))
	return nil
}
