package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pendo-health/counselling-platform/internal/model"
	"github.com/pendo-health/counselling-platform/internal/store"
	"github.com/pendo-health/counselling-platform/pkg/logger"
	"github.com/pendo-health/counselling-platform/pkg/metrics"
)

// QueueService exposes the waiting queue and the escalation signal. The
// queue is derived state: any open conversation without a counsellor is
// in it, ordered escalated first, then risk, then arrival time.
type QueueService struct {
	store     *store.Store
	publisher Publisher
	logger    *logger.Logger
}

// NewQueueService creates a new queue service.
func NewQueueService(st *store.Store, pub Publisher, log *logger.Logger) *QueueService {
	return &QueueService{
		store:     st,
		publisher: pub,
		logger:    log,
	}
}

// List returns a snapshot of the waiting queue. The snapshot is recomputed
// per read; it is never maintained incrementally.
func (s *QueueService) List(ctx context.Context) (*model.QueueResponse, error) {
	convs, err := s.store.ListQueue(ctx)
	if err != nil {
		return nil, err
	}

	metrics.QueueDepth.Set(float64(len(convs)))

	return &model.QueueResponse{
		Conversations: convs,
		Total:         len(convs),
	}, nil
}

// Escalate raises a conversation's risk level. Severity is monotonic: a
// same-or-lower level keeps the current one and publishes nothing. Works
// on assigned conversations too; the raised level is recorded even though
// it no longer affects queue order.
func (s *QueueService) Escalate(ctx context.Context, conversationID string, level model.RiskLevel) (*model.Conversation, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("invalid risk level %q", level)
	}

	conv, changed, err := s.store.Escalate(ctx, conversationID, level)
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.EscalationsTotal.WithLabelValues(string(conv.Risk)).Inc()
		s.logger.Info("conversation escalated",
			zap.String("conversation_id", conversationID),
			zap.String("risk_level", string(conv.Risk)),
		)

		ev := &model.QueueEvent{
			Type:         model.QueueEventEscalated,
			Conversation: *conv,
			OccurredAt:   time.Now().UTC(),
		}
		if err := s.publisher.PublishQueueEvent(ctx, ev); err != nil {
			s.logger.Warn("failed to publish escalation",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}

	return conv, nil
}
