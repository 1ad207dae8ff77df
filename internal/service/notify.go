package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pendo-health/counselling-platform/internal/mail"
	"github.com/pendo-health/counselling-platform/internal/model"
	"github.com/pendo-health/counselling-platform/pkg/logger"
	"github.com/pendo-health/counselling-platform/pkg/metrics"
)

// NotificationService fans out ephemeral out-of-band events to counsellor
// dashboards and mirrors them to email. Notifications are not persisted
// by the core; a subscriber that is offline simply misses them.
type NotificationService struct {
	publisher Publisher
	mailer    mail.Mailer
	logger    *logger.Logger
}

// NewNotificationService creates a new notification service.
func NewNotificationService(pub Publisher, mailer mail.Mailer, log *logger.Logger) *NotificationService {
	return &NotificationService{
		publisher: pub,
		mailer:    mailer,
		logger:    log,
	}
}

// VideoSession announces a scheduled video session: email to both parties
// and a live notification on the shared notify room. Email failure is
// logged, not propagated; the dashboard alert must still go out.
func (s *NotificationService) VideoSession(ctx context.Context, req *model.VideoSessionRequest) (*model.Notification, error) {
	body := fmt.Sprintf(
		"A counselling session has been scheduled with %s.\n\nDate: %s\nTime: %s\n\nJoin here: %s\n",
		req.CounsellorName, req.Date, req.Time, req.MeetLink,
	)
	recipients := []string{req.StudentEmail, req.CounsellorEmail}
	if err := s.mailer.Send(ctx, recipients, "Your video session is ready", body); err != nil {
		s.logger.Warn("failed to send meeting email", zap.Error(err))
	}

	n := &model.Notification{
		ID:   uuid.Must(uuid.NewV7()).String(),
		Type: model.NotificationVideoSession,
		Payload: map[string]any{
			"counsellor_name": req.CounsellorName,
			"student_email":   req.StudentEmail,
			"date":            req.Date,
			"time":            req.Time,
			"meet_link":       req.MeetLink,
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := s.publisher.PublishNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to publish notification: %w", err)
	}

	metrics.NotificationsTotal.WithLabelValues(string(n.Type)).Inc()
	return n, nil
}
