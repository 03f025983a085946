package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lexflow/lead-pipeline/internal/model"
	"github.com/lexflow/lead-pipeline/pkg/logger"
	"github.com/lexflow/lead-pipeline/pkg/metrics"
)

// eventQueue publishes pipeline events on one background goroutine, in
// commit order. Records are already durable when they are queued, so a slow
// or unavailable event bus never holds a session lock or delays a reply.
type eventQueue struct {
	pub     EventPublisher
	timeout time.Duration
	logger  *logger.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan []*model.PipelineEvent
	done   chan struct{}
}

func newEventQueue(pub EventPublisher, size int, timeout time.Duration, log *logger.Logger) *eventQueue {
	q := &eventQueue{
		pub:     pub,
		timeout: timeout,
		logger:  log,
		ch:      make(chan []*model.PipelineEvent, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) run() {
	defer close(q.done)
	for events := range q.ch {
		for _, event := range events {
			ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
			_, err := q.pub.PublishEvent(ctx, event)
			cancel()
			if err != nil {
				q.failed(event, err)
			}
		}
	}
}

// enqueue never blocks. Events are dropped when the queue is full or closed.
func (q *eventQueue) enqueue(events []*model.PipelineEvent) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		for _, event := range events {
			q.failed(event, errQueueClosed)
		}
		return
	}
	select {
	case q.ch <- events:
	default:
		for _, event := range events {
			q.failed(event, errQueueFull)
		}
	}
}

// close stops accepting events and waits until queued ones are published.
func (q *eventQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	<-q.done
}

func (q *eventQueue) failed(event *model.PipelineEvent, err error) {
	metrics.EventPublishFailuresTotal.WithLabelValues(string(event.Type)).Inc()
	q.logger.Warn("failed to publish pipeline event",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("tenant_id", event.TenantID),
		zap.String("lead_id", event.LeadID),
		zap.Error(err),
	)
}

var (
	errQueueFull   = errors.New("event queue full")
	errQueueClosed = errors.New("event queue closed")
)

// publish hands a committed record's events to the queue. Failures are
// logged and counted but never returned.
func (d *Dispatcher) publish(rec *model.InteractionRecord, t transition) {
	if d.events == nil {
		return
	}
	d.events.enqueue(eventsFor(rec, t))
}

// Close flushes pending pipeline events. The dispatcher must not be used
// afterwards.
func (d *Dispatcher) Close() {
	if d.events != nil {
		d.events.close()
	}
}

// eventsFor derives the events of a record. Event IDs are derived from the
// record ID so a republished event deduplicates on the stream.
func eventsFor(rec *model.InteractionRecord, t transition) []*model.PipelineEvent {
	base := func(typ model.EventType) *model.PipelineEvent {
		return &model.PipelineEvent{
			ID:        rec.ID + ":" + string(typ),
			TenantID:  rec.TenantID,
			LeadID:    rec.LeadID,
			Channel:   rec.Channel,
			Type:      typ,
			Record:    rec,
			CreatedAt: rec.Timestamp,
		}
	}

	if rec.Kind == model.RecordKindResolution {
		ev := base(model.EventTypeResolved)
		ev.Reason = rec.Reason
		ev.Metadata = map[string]any{"status": rec.Status}
		return []*model.PipelineEvent{ev}
	}

	events := []*model.PipelineEvent{base(model.EventTypeInteraction)}
	if esc := t.escalation; esc != nil {
		ev := base(model.EventTypeEscalated)
		ev.Metadata = map[string]any{
			"from":       esc.From,
			"to":         esc.To,
			"forced":     esc.Forced,
			"confidence": esc.Confidence,
		}
		events = append(events, ev)
	}
	if miss := t.targetMissing; miss != nil {
		ev := base(model.EventTypeTargetMissing)
		ev.Reason = rec.ConfigError
		ev.Metadata = map[string]any{"from": miss.From, "to": miss.To, "rule_index": miss.RuleIndex}
		events = append(events, ev)
	}
	if t.closed {
		ev := base(model.EventTypeResolved)
		ev.Reason = rec.Reason
		ev.Metadata = map[string]any{"status": model.StatusClosed}
		events = append(events, ev)
	}
	return events
}
