package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pendo-health/counselling-platform/internal/middleware"
	"github.com/pendo-health/counselling-platform/internal/model"
	"github.com/pendo-health/counselling-platform/internal/service"
	"github.com/pendo-health/counselling-platform/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	conversationService *service.ConversationService
	companionService    *service.CompanionService
	logger              *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	convSvc *service.ConversationService,
	companionSvc *service.CompanionService,
	log *logger.Logger,
) *MessageHandler {
	return &MessageHandler{
		conversationService: convSvc,
		companionService:    companionSvc,
		logger:              log,
	}
}

// List handles GET /api/v1/conversations/{id}/messages
// Supports ?after_seq=N for resuming from a known point.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	afterSeq := int64(0)
	limit := 50

	if seq := r.URL.Query().Get("after_seq"); seq != "" {
		if parsed, err := strconv.ParseInt(seq, 10, 64); err == nil && parsed >= 0 {
			afterSeq = parsed
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	resp, err := h.conversationService.Messages(ctx, conversationID, afterSeq, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Append handles POST /api/v1/conversations/{id}/messages
//
// The sender role is derived from the caller's token, never from the
// body. With ?companion=true a student message also gets an AI companion
// reply, which may escalate the conversation.
func (h *MessageHandler) Append(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.AppendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	role := senderRole(middleware.GetRole(ctx))
	if role == "" {
		writeError(w, http.StatusForbidden, "role cannot send messages")
		return
	}

	msg, err := h.conversationService.Append(ctx, conversationID, role, middleware.GetUserID(ctx), req.Text)
	if err != nil {
		h.logger.Error("failed to append message",
			zap.String("conversation_id", conversationID), zap.Error(err))
		writeStoreError(w, err)
		return
	}
	if msg == nil {
		// Whitespace-only input: silently accepted, nothing stored.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := &model.AppendMessageResponse{Message: msg}

	if role == model.RoleStudent && r.URL.Query().Get("companion") == "true" && h.companionService.Enabled() {
		companionMsg, escalated, err := h.companionService.Respond(ctx, conversationID)
		if err != nil {
			// The student's message is already stored and delivered;
			// a companion failure must not undo that.
			h.logger.Warn("companion reply failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		} else {
			resp.Companion = companionMsg
			resp.Escalated = escalated
		}
	}

	writeJSON(w, http.StatusCreated, resp)
}

func senderRole(authRole string) model.Role {
	switch authRole {
	case middleware.RoleStudent:
		return model.RoleStudent
	case middleware.RoleCounsellor:
		return model.RoleCounsellor
	case middleware.RoleAdmin:
		return model.RoleSystem
	}
	return ""
}
