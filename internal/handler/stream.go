package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pendo-health/counselling-platform/internal/middleware"
	"github.com/pendo-health/counselling-platform/internal/model"
	"github.com/pendo-health/counselling-platform/internal/service"
	"github.com/pendo-health/counselling-platform/pkg/logger"
	"github.com/pendo-health/counselling-platform/pkg/metrics"
)

// Subscriber hands out live subscriptions to the distribution rooms. The
// NATS stream manager implements it; tests use an in-process fake.
type Subscriber interface {
	SubscribeConversation(conversationID string, handler func(model.Message)) (func(), error)
	SubscribeQueue(handler func(model.QueueEvent)) (func(), error)
	SubscribeNotifications(handler func(model.Notification)) (func(), error)
}

const heartbeatInterval = 30 * time.Second

// StreamHandler serves the SSE rooms: one per conversation, a shared
// queue room, and a shared notification room. Every stream follows the
// replay-then-live discipline: durable state is re-fetched from the store
// on connect, so a reconnecting client never depends on events pushed
// while it was away.
type StreamHandler struct {
	conversationService *service.ConversationService
	queueService        *service.QueueService
	subscriber          Subscriber
	logger              *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(
	convSvc *service.ConversationService,
	queueSvc *service.QueueService,
	sub Subscriber,
	log *logger.Logger,
) *StreamHandler {
	return &StreamHandler{
		conversationService: convSvc,
		queueService:        queueSvc,
		subscriber:          sub,
		logger:              log,
	}
}

// Conversation handles GET /api/v1/conversations/{id}/stream
// Supports ?after_seq=N to skip messages the client already has.
func (h *StreamHandler) Conversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var afterSeq int64
	if seqStr := r.URL.Query().Get("after_seq"); seqStr != "" {
		if seq, err := strconv.ParseInt(seqStr, 10, 64); err == nil && seq >= 0 {
			afterSeq = seq
		}
	}

	// Unknown id is a plain 404, not an open stream that errors.
	if _, err := h.conversationService.Conversation(ctx, conversationID); err != nil {
		writeStoreError(w, err)
		return
	}

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	metrics.SSEConnectionsActive.WithLabelValues("conversation").Inc()
	defer metrics.SSEConnectionsActive.WithLabelValues("conversation").Dec()

	// Subscribe before replay so nothing published mid-replay is lost;
	// duplicates across the seam are dropped by the seq watermark.
	live := make(chan model.Message, 64)
	gap := make(chan struct{}, 1)
	unsubscribe, err := h.subscriber.SubscribeConversation(conversationID, func(msg model.Message) {
		select {
		case live <- msg:
		default:
			// Slow consumer; flag it so the loop backfills from the store.
			select {
			case gap <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		h.logger.Error("failed to subscribe to conversation room",
			zap.String("conversation_id", conversationID), zap.Error(err))
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code: "subscribe_error", Message: "failed to subscribe",
		})
		return
	}
	defer unsubscribe()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversation_id": conversationID,
	})

	lastSeq, replayed, err := h.replayMessages(ctx, w, flusher, conversationID, afterSeq)
	if err != nil {
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code: "replay_error", Message: "failed to replay messages",
		})
		return
	}

	sendSSEEvent(w, flusher, "replay_complete", map[string]any{
		"last_seq":      lastSeq,
		"message_count": replayed,
	})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-live:
			if msg.Seq <= lastSeq {
				continue
			}
			if msg.Seq > lastSeq+1 {
				// Deliveries were missed (dropped or never published);
				// the store has them all.
				lastSeq, _, err = h.replayMessages(ctx, w, flusher, conversationID, lastSeq)
				if err != nil {
					sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
						Code: "replay_error", Message: "failed to backfill messages",
					})
					return
				}
				continue
			}
			sendSSEEvent(w, flusher, "message", msg)
			lastSeq = msg.Seq
		case <-gap:
			lastSeq, _, err = h.replayMessages(ctx, w, flusher, conversationID, lastSeq)
			if err != nil {
				sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
					Code: "replay_error", Message: "failed to backfill messages",
				})
				return
			}
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{Timestamp: time.Now()})
		}
	}
}

// replayMessages streams the log after afterSeq and returns the new
// watermark. Used for the initial replay and to close delivery gaps in
// the live loop.
func (h *StreamHandler) replayMessages(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, conversationID string, afterSeq int64) (int64, int, error) {
	lastSeq := afterSeq
	sent := 0
	for {
		resp, err := h.conversationService.Messages(ctx, conversationID, lastSeq, 100)
		if err != nil {
			return lastSeq, sent, err
		}
		for _, msg := range resp.Messages {
			select {
			case <-ctx.Done():
				return lastSeq, sent, nil
			default:
			}
			sendSSEEvent(w, flusher, "message", msg)
			lastSeq = msg.Seq
			sent++
		}
		if !resp.HasMore {
			return lastSeq, sent, nil
		}
	}
}

// Queue handles GET /api/v1/queue/stream
//
// Sends the current queue snapshot, then live change events. An
// "assigned" or "ended" event is the signal to drop the entry from the
// local view; the snapshot itself only ever contains waiting
// conversations.
func (h *StreamHandler) Queue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	metrics.SSEConnectionsActive.WithLabelValues("queue").Inc()
	defer metrics.SSEConnectionsActive.WithLabelValues("queue").Dec()

	live := make(chan model.QueueEvent, 64)
	gap := make(chan struct{}, 1)
	unsubscribe, err := h.subscriber.SubscribeQueue(func(ev model.QueueEvent) {
		select {
		case live <- ev:
		default:
			select {
			case gap <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		h.logger.Error("failed to subscribe to queue room", zap.Error(err))
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code: "subscribe_error", Message: "failed to subscribe",
		})
		return
	}
	defer unsubscribe()

	snapshot, err := h.queueService.List(ctx)
	if err != nil {
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code: "snapshot_error", Message: "failed to load queue",
		})
		return
	}
	sendSSEEvent(w, flusher, "snapshot", snapshot)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-live:
			sendSSEEvent(w, flusher, string(ev.Type), ev)
		case <-gap:
			// Events were dropped; the snapshot makes the client whole.
			snapshot, err := h.queueService.List(ctx)
			if err != nil {
				sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
					Code: "snapshot_error", Message: "failed to load queue",
				})
				return
			}
			sendSSEEvent(w, flusher, "snapshot", snapshot)
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{Timestamp: time.Now()})
		}
	}
}

// Notifications handles GET /api/v1/notifications/stream
//
// Notifications are ephemeral: there is no replay, only live fan-out.
func (h *StreamHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	metrics.SSEConnectionsActive.WithLabelValues("notifications").Inc()
	defer metrics.SSEConnectionsActive.WithLabelValues("notifications").Dec()

	live := make(chan model.Notification, 16)
	gap := make(chan struct{}, 1)
	unsubscribe, err := h.subscriber.SubscribeNotifications(func(n model.Notification) {
		select {
		case live <- n:
		default:
			select {
			case gap <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		h.logger.Error("failed to subscribe to notification room", zap.Error(err))
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code: "subscribe_error", Message: "failed to subscribe",
		})
		return
	}
	defer unsubscribe()

	sendSSEEvent(w, flusher, "connected", map[string]string{"room": "notifications"})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-live:
			sendSSEEvent(w, flusher, "notification", n)
		case <-gap:
			// Nothing durable to backfill from; tell the client it
			// missed notifications.
			sendSSEEvent(w, flusher, "gap", map[string]string{"room": "notifications"})
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{Timestamp: time.Now()})
		}
	}
}

func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return flusher, true
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
