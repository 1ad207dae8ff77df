// Package service provides business logic for the counselling platform.
package service

import (
	"context"

	"github.com/pendo-health/counselling-platform/internal/model"
)

// Publisher fans out domain events to connected subscribers. Delivery is
// at-least-once for clients connected at publish time; durable state lives
// in the store, so a publish failure degrades latency, not correctness.
type Publisher interface {
	PublishMessage(ctx context.Context, msg *model.Message) error
	PublishQueueEvent(ctx context.Context, event *model.QueueEvent) error
	PublishNotification(ctx context.Context, n *model.Notification) error
}
