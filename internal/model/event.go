package model

import (
	"time"
)

// QueueEventType classifies a queue change.
type QueueEventType string

const (
	QueueEventWaiting   QueueEventType = "waiting"
	QueueEventAssigned  QueueEventType = "assigned"
	QueueEventEscalated QueueEventType = "escalated"
	QueueEventEnded     QueueEventType = "ended"
)

// QueueEvent is published whenever a conversation's queue-relevant fields
// (assignment, risk, escalated) change. Subscribers treat it as a hint to
// re-fetch the queue snapshot rather than as authoritative state.
type QueueEvent struct {
	Type         QueueEventType `json:"type"`
	Conversation Conversation   `json:"conversation"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// NotificationType tags an out-of-band notification.
type NotificationType string

const (
	NotificationVideoSession NotificationType = "video_session"
)

// Notification is an ephemeral out-of-band event fanned out to counsellor
// dashboards. The payload is opaque to the core.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Payload   map[string]any   `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
}

// VideoSessionRequest schedules a video session notification.
type VideoSessionRequest struct {
	StudentEmail    string `json:"student_email"`
	CounsellorEmail string `json:"counsellor_email"`
	CounsellorName  string `json:"counsellor_name"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	MeetLink        string `json:"meet_link"`
}

// HeartbeatEvent keeps an SSE connection alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent is sent on an SSE stream when delivery fails.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
