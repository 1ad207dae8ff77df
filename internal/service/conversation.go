package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pendo-health/counselling-platform/internal/model"
	"github.com/pendo-health/counselling-platform/internal/store"
	"github.com/pendo-health/counselling-platform/pkg/logger"
	"github.com/pendo-health/counselling-platform/pkg/metrics"
)

// ConversationService handles the conversation log: getOrCreate, append
// and read. All state lives in the store; the publisher only accelerates
// delivery to connected clients.
type ConversationService struct {
	store     *store.Store
	publisher Publisher
	logger    *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(st *store.Store, pub Publisher, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:     st,
		publisher: pub,
		logger:    log,
	}
}

// GetOrCreate returns the student's open conversation, creating one if
// needed. A newly created conversation is announced on the queue room so
// every connected counsellor sees it waiting.
func (s *ConversationService) GetOrCreate(ctx context.Context, studentID string) (*model.Conversation, error) {
	conv, created, err := s.store.GetOrCreate(ctx, studentID)
	if err != nil {
		return nil, err
	}

	if created {
		metrics.ConversationsTotal.Inc()
		s.logger.Info("conversation created",
			zap.String("conversation_id", conv.ID),
			zap.String("student_id", studentID),
		)
		s.publishQueueEvent(ctx, model.QueueEventWaiting, conv)
	}

	return conv, nil
}

// Conversation returns a conversation's current state without its log.
func (s *ConversationService) Conversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	return s.store.Get(ctx, conversationID)
}

// Get returns a conversation with its full message log, in append order.
func (s *ConversationService) Get(ctx context.Context, conversationID string) (*model.ConversationResponse, error) {
	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	msgs, _, err := s.store.Messages(ctx, conversationID, 0, conv.MessageCount)
	if err != nil {
		return nil, err
	}

	return &model.ConversationResponse{
		Conversation: *conv,
		Messages:     msgs,
	}, nil
}

// Append adds a message to a conversation's log and fans it out to the
// conversation room. Whitespace-only text is a no-op, not an error: the
// caller gets (nil, nil) and nothing is stored or delivered.
func (s *ConversationService) Append(ctx context.Context, conversationID string, role model.Role, senderID, text string) (*model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if !role.Valid() {
		return nil, fmt.Errorf("invalid sender role %q", role)
	}

	msg, err := s.store.Append(ctx, conversationID, role, senderID, text)
	if err != nil {
		return nil, err
	}

	metrics.MessagesTotal.WithLabelValues(string(role)).Inc()

	if err := s.publisher.PublishMessage(ctx, msg); err != nil {
		// Subscribers recover via replay on reconnect.
		s.logger.Warn("failed to publish message",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}

	return msg, nil
}

// Messages returns a page of the conversation log after afterSeq.
func (s *ConversationService) Messages(ctx context.Context, conversationID string, afterSeq int64, limit int) (*model.ListMessagesResponse, error) {
	if _, err := s.store.Get(ctx, conversationID); err != nil {
		return nil, err
	}

	msgs, hasMore, err := s.store.Messages(ctx, conversationID, afterSeq, limit)
	if err != nil {
		return nil, err
	}

	resp := &model.ListMessagesResponse{
		Messages: msgs,
		HasMore:  hasMore,
	}
	if n := len(msgs); n > 0 {
		resp.LastSeq = msgs[n-1].Seq
	} else {
		resp.LastSeq = afterSeq
	}
	return resp, nil
}

// ListAll returns every conversation, newest first.
func (s *ConversationService) ListAll(ctx context.Context) ([]model.Conversation, error) {
	return s.store.ListAll(ctx)
}

func (s *ConversationService) publishQueueEvent(ctx context.Context, t model.QueueEventType, conv *model.Conversation) {
	ev := &model.QueueEvent{
		Type:         t,
		Conversation: *conv,
		OccurredAt:   time.Now().UTC(),
	}
	if err := s.publisher.PublishQueueEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to publish queue event",
			zap.String("conversation_id", conv.ID),
			zap.String("event_type", string(t)),
			zap.Error(err),
		)
	}
}
