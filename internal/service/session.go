package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pendo-health/counselling-platform/internal/model"
	"github.com/pendo-health/counselling-platform/internal/store"
	"github.com/pendo-health/counselling-platform/pkg/logger"
	"github.com/pendo-health/counselling-platform/pkg/metrics"
)

// SessionService is the session router: it owns the UNASSIGNED ->
// ASSIGNED -> ENDED state machine. There is no path back from ASSIGNED to
// UNASSIGNED; abandoned sessions are ended by the janitor, never released.
type SessionService struct {
	store        *store.Store
	conversation *ConversationService
	publisher    Publisher
	logger       *logger.Logger

	// idleTimeout is how long an assigned session may sit without any
	// message before the janitor ends it. Zero disables the janitor.
	idleTimeout time.Duration
}

// NewSessionService creates a new session service.
func NewSessionService(st *store.Store, conv *ConversationService, pub Publisher, log *logger.Logger, idleTimeout time.Duration) *SessionService {
	return &SessionService{
		store:        st,
		conversation: conv,
		publisher:    pub,
		logger:       log,
		idleTimeout:  idleTimeout,
	}
}

// Claim assigns a waiting conversation to a counsellor. Exactly one of N
// concurrent claimants wins; losers get store.ErrConflict and should
// refresh their queue view. The winner's assignment is announced on the
// queue room (so the entry vanishes everywhere) and in the conversation
// itself (so the student sees the counsellor arrive).
func (s *SessionService) Claim(ctx context.Context, conversationID, counsellorID string) (*model.Conversation, error) {
	conv, err := s.store.Claim(ctx, conversationID, counsellorID)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.RecordClaim("conflict")
		}
		return nil, err
	}

	metrics.RecordClaim("won")
	s.logger.Info("conversation claimed",
		zap.String("conversation_id", conversationID),
		zap.String("counsellor_id", counsellorID),
	)

	s.publishQueueEvent(ctx, model.QueueEventAssigned, conv)

	if _, err := s.conversation.Append(ctx, conversationID, model.RoleSystem, "router",
		"A counsellor has joined the conversation.",
	); err != nil {
		s.logger.Warn("failed to append join notice",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}

	return conv, nil
}

// End closes an assigned session. Idempotent: ending an already-ended
// session returns the same terminal state with no error and no duplicate
// side effects.
func (s *SessionService) End(ctx context.Context, conversationID string) (*model.Conversation, error) {
	return s.end(ctx, conversationID, "The session has ended.")
}

func (s *SessionService) end(ctx context.Context, conversationID, notice string) (*model.Conversation, error) {
	conv, ended, err := s.store.End(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !ended {
		return conv, nil
	}

	s.logger.Info("session ended", zap.String("conversation_id", conversationID))
	s.publishQueueEvent(ctx, model.QueueEventEnded, conv)

	if _, err := s.conversation.Append(ctx, conversationID, model.RoleSystem, "router", notice); err != nil {
		s.logger.Warn("failed to append end notice",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}

	return conv, nil
}

// OwnedSessions returns the open sessions assigned to a counsellor. A
// reconnecting client calls this and re-subscribes to each conversation
// from current store state instead of trusting buffered events.
func (s *SessionService) OwnedSessions(ctx context.Context, counsellorID string) ([]model.Conversation, error) {
	return s.store.OwnedSessions(ctx, counsellorID)
}

// RunJanitor periodically ends assigned sessions that have gone idle past
// the configured window. Returns when ctx is cancelled. No-op when the
// idle timeout is zero.
func (s *SessionService) RunJanitor(ctx context.Context) error {
	if s.idleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	interval := s.idleTimeout / 4
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepStale(ctx)
		}
	}
}

func (s *SessionService) sweepStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.idleTimeout)
	stale, err := s.store.StaleAssigned(ctx, cutoff)
	if err != nil {
		s.logger.Warn("janitor sweep failed", zap.Error(err))
		return
	}

	for _, conv := range stale {
		if _, err := s.end(ctx, conv.ID, "The session was closed due to inactivity."); err != nil {
			s.logger.Warn("janitor failed to end stale session",
				zap.String("conversation_id", conv.ID),
				zap.Error(err),
			)
		} else {
			s.logger.Info("stale session closed",
				zap.String("conversation_id", conv.ID),
				zap.Duration("idle_timeout", s.idleTimeout),
			)
		}
	}
}

func (s *SessionService) publishQueueEvent(ctx context.Context, t model.QueueEventType, conv *model.Conversation) {
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
