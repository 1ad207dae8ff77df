// Package model defines data structures for the counselling platform.
package model

import (
	"time"
)

// RiskLevel represents the assessed risk of a conversation.
type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank returns the ordering weight of a risk level. Higher means more urgent.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the risk level is one of the known values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskNone, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Max returns the higher of two risk levels. Escalation never lowers risk.
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.Rank() > r.Rank() {
		return other
	}
	return r
}

// State represents the lifecycle state of a conversation.
type State string

const (
	StateUnassigned State = "unassigned"
	StateAssigned   State = "assigned"
	StateEnded      State = "ended"
)

// Conversation represents a student-counsellor chat relationship.
type Conversation struct {
	ID           string     `json:"id"`
	StudentID    string     `json:"student_id"`
	CounsellorID *string    `json:"counsellor_id,omitempty"`
	Risk         RiskLevel  `json:"risk_level"`
	Escalated    bool       `json:"escalated"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	MessageCount int        `json:"message_count,omitempty"`
	LastMessage  *Message   `json:"last_message,omitempty"`
}

// State derives the lifecycle state from assignment and completion fields.
func (c *Conversation) State() State {
	if c.CompletedAt != nil {
		return StateEnded
	}
	if c.CounsellorID != nil {
		return StateAssigned
	}
	return StateUnassigned
}

// Queued reports whether the conversation is waiting for a counsellor.
func (c *Conversation) Queued() bool {
	return c.State() == StateUnassigned
}

// GetOrCreateConversationRequest is the request to open a conversation.
type GetOrCreateConversationRequest struct {
	StudentID string `json:"student_id"`
}

// ConversationResponse is a conversation returned with its message log.
type ConversationResponse struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// EscalateRequest is the request body for raising a conversation's risk.
type EscalateRequest struct {
	RiskLevel RiskLevel `json:"risk_level"`
}

// QueueResponse is a snapshot of the waiting queue.
type QueueResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}

// SessionsResponse lists the open sessions owned by a counsellor.
type SessionsResponse struct {
	Conversations []Conversation `json:"conversations"`
}
