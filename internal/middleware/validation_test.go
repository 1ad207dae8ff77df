package middleware

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidateMessageText(t *testing.T) {
	assert.NoError(t, ValidateMessageText("hello"))
	assert.NoError(t, ValidateMessageText(""), "emptiness is the service's call")
	assert.NoError(t, ValidateMessageText("   "))
	assert.Error(t, ValidateMessageText(strings.Repeat("a", 100001)))
	assert.Error(t, ValidateMessageText("bad \xff utf8"))
}

func TestValidateConversationID(t *testing.T) {
	assert.NoError(t, ValidateConversationID(uuid.Must(uuid.NewV7()).String()))
	assert.Error(t, ValidateConversationID("not-a-uuid"))
	assert.Error(t, ValidateConversationID(""))
}

func TestValidateStudentID(t *testing.T) {
	assert.NoError(t, ValidateStudentID("NRB-1234"))
	assert.Error(t, ValidateStudentID(""))
	assert.Error(t, ValidateStudentID(strings.Repeat("x", 65)))
}
