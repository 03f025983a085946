package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lexflow/lead-pipeline/internal/middleware"
	"github.com/lexflow/lead-pipeline/internal/model"
	"github.com/lexflow/lead-pipeline/pkg/logger"
	"github.com/lexflow/lead-pipeline/pkg/metrics"
)

// EventSubscriber streams a tenant's pipeline events.
type EventSubscriber interface {
	Subscribe(ctx context.Context, tenantID string, afterSequence uint64) (<-chan model.PipelineEvent, error)
}

// FeedHandler serves the live dashboard feed over SSE.
type FeedHandler struct {
	events    EventSubscriber
	heartbeat time.Duration
	logger    *logger.Logger

	closeOnce sync.Once
	closing   chan struct{}
}

// NewFeedHandler creates a new feed handler.
func NewFeedHandler(events EventSubscriber, heartbeat time.Duration, log *logger.Logger) *FeedHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &FeedHandler{
		events:    events,
		heartbeat: heartbeat,
		logger:    log,
		closing:   make(chan struct{}),
	}
}

// Close ends every open feed so a graceful shutdown does not wait on them.
func (h *FeedHandler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// Feed handles GET /api/v1/feed
// Supports ?after_sequence=N (or Last-Event-ID) for resuming from a stream position.
func (h *FeedHandler) Feed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	var afterSequence uint64
	seqStr := r.URL.Query().Get("after_sequence")
	if seqStr == "" {
		seqStr = r.Header.Get("Last-Event-ID")
	}
	if seqStr != "" {
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_sequence")
			return
		}
		afterSequence = seq
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := h.events.Subscribe(ctx, tenantID, afterSequence)
	if err != nil {
		h.logger.Error("failed to subscribe to pipeline events", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "event feed unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", "", map[string]any{
		"tenant_id":      tenantID,
		"after_sequence": afterSequence,
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("feed client disconnected", zap.String("tenant_id", tenantID))
			return

		case <-h.closing:
			return

		case event := <-events:
			id := strconv.FormatUint(event.Sequence, 10)
			if err := sendSSEEvent(w, flusher, string(event.Type), id, event); err != nil {
				h.logger.Warn("failed to write feed event", zap.String("event_id", event.ID), zap.Error(err))
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", "", &model.HeartbeatEvent{
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event, id string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\n", event)
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
