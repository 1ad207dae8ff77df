package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pendo-health/counselling-platform/internal/model"
)

const (
	// StreamName is the name of the counselling events stream.
	StreamName = "COUNSELLING"

	// SubjectPrefix is the prefix for all counselling subjects.
	SubjectPrefix = "counselling"
)

// StreamManager publishes domain events to JetStream and hands out live
// subscriptions. One room per conversation, a shared queue room for
// counsellors, and a shared notification room for dashboards.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the counselling stream exists.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Conversation messages, queue changes and notifications",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// MessageSubject returns the room subject for one conversation's messages.
func MessageSubject(conversationID string, role model.Role) string {
	return fmt.Sprintf("%s.conv.%s.msg.%s", SubjectPrefix, conversationID, role)
}

// ConversationFilter matches every message in one conversation room.
func ConversationFilter(conversationID string) string {
	return fmt.Sprintf("%s.conv.%s.msg.*", SubjectPrefix, conversationID)
}

// QueueSubject is the shared room for queue state changes.
func QueueSubject() string {
	return fmt.Sprintf("%s.queue.changed", SubjectPrefix)
}

// NotificationSubject returns the subject for out-of-band notifications.
func NotificationSubject(t model.NotificationType) string {
	return fmt.Sprintf("%s.notify.%s", SubjectPrefix, t)
}

// NotificationFilter matches all notification types.
func NotificationFilter() string {
	return fmt.Sprintf("%s.notify.*", SubjectPrefix)
}

// PublishMessage publishes a conversation message to its room.
func (m *StreamManager) PublishMessage(ctx context.Context, msg *model.Message) error {
	return m.publish(ctx, MessageSubject(msg.ConversationID, msg.Role), msg)
}

// PublishQueueEvent publishes a queue change to the shared queue room.
func (m *StreamManager) PublishQueueEvent(ctx context.Context, event *model.QueueEvent) error {
	return m.publish(ctx, QueueSubject(), event)
}

// PublishNotification publishes an out-of-band notification.
func (m *StreamManager) PublishNotification(ctx context.Context, n *model.Notification) error {
	return m.publish(ctx, NotificationSubject(n.Type), n)
}

func (m *StreamManager) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := m.client.JetStream().Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeConversation delivers live messages for one conversation room.
// Delivery is at-least-once for connected subscribers; a client that
// reconnects must replay from the store, not rely on this feed.
func (m *StreamManager) SubscribeConversation(conversationID string, handler func(model.Message)) (func(), error) {
	return m.subscribe(ConversationFilter(conversationID), func(data []byte) {
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		handler(msg)
	})
}

// SubscribeQueue delivers live queue change events.
func (m *StreamManager) SubscribeQueue(handler func(model.QueueEvent)) (func(), error) {
	return m.subscribe(QueueSubject(), func(data []byte) {
		var ev model.QueueEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		handler(ev)
	})
}

// SubscribeNotifications delivers live out-of-band notifications.
func (m *StreamManager) SubscribeNotifications(handler func(model.Notification)) (func(), error) {
	return m.subscribe(NotificationFilter(), func(data []byte) {
		var n model.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return
		}
		handler(n)
	})
}

func (m *StreamManager) subscribe(subject string, handler func([]byte)) (func(), error) {
	sub, err := m.client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
