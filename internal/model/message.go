package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleStudent    Role = "student"
	RoleCounsellor Role = "counsellor"
	RoleSystem     Role = "system"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleCounsellor, RoleSystem:
		return true
	}
	return false
}

// Message is one entry in a conversation's append-only log.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// Seq is assigned by the store at append time and is the sole
	// ordering authority. Client timestamps are informational.
	Seq int64 `json:"seq"`

	Role     Role   `json:"role"`
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`

	CreatedAt time.Time `json:"created_at"`
}

// AppendMessageRequest is the request to append a message to a conversation.
type AppendMessageRequest struct {
	Text string `json:"text"`
}

// AppendMessageResponse is returned after a successful append.
type AppendMessageResponse struct {
	Message *Message `json:"message,omitempty"`

	// Companion is the AI companion's reply, present only when the
	// append requested a companion response.
	Companion *Message `json:"companion,omitempty"`

	// Escalated is set when the companion flagged the exchange for
	// human intervention.
	Escalated bool `json:"escalated,omitempty"`
}

// ListMessagesResponse is the response for listing a conversation's log.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	LastSeq  int64     `json:"last_seq"`
}
