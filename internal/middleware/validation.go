package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateMessageText validates message text. Emptiness is not checked
// here: whitespace-only appends are a silent no-op at the service layer,
// never a user-visible error.
func ValidateMessageText(text string) error {
	if len(text) > 100000 {
		return errors.New("text exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateStudentID validates a student identifier (an opaque access code).
func ValidateStudentID(id string) error {
	if len(id) == 0 {
		return errors.New("student ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("student ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("student ID must be valid UTF-8")
	}
	return nil
}

// ValidateCounsellorID validates a counsellor identifier.
func ValidateCounsellorID(id string) error {
	if len(id) == 0 {
		return errors.New("counsellor ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("counsellor ID exceeds maximum length")
	}
	return nil
}
