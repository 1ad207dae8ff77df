package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pendo-health/counselling-platform/internal/middleware"
	"github.com/pendo-health/counselling-platform/internal/model"
	"github.com/pendo-health/counselling-platform/internal/service"
	"github.com/pendo-health/counselling-platform/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// GetOrCreate handles POST /api/v1/conversations
//
// Returns the student's open conversation, creating it on first contact.
// Calling it twice before the session ends returns the same conversation.
func (h *ConversationHandler) GetOrCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.GetOrCreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StudentID == "" {
		// Students act on their own behalf; the token subject is the code.
		req.StudentID = middleware.GetUserID(ctx)
	}
	if err := middleware.ValidateStudentID(req.StudentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.GetOrCreate(ctx, req.StudentID)
	if err != nil {
		h.logger.Error("failed to get or create conversation", zap.Error(err))
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Get handles GET /api/v1/conversations/{id}
//
// Returns full current state including the log, ordered by append order.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.Get(ctx, conversationID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListAll handles GET /api/v1/admin/conversations
func (h *ConversationHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	convs, err := h.service.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": convs,
		"total":         len(convs),
	})
}
