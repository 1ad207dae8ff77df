package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pendo-health/counselling-platform/internal/middleware"
	"github.com/pendo-health/counselling-platform/internal/model"
	"github.com/pendo-health/counselling-platform/internal/service"
	"github.com/pendo-health/counselling-platform/pkg/logger"
)

// SessionHandler handles claim, end and rejoin endpoints.
type SessionHandler struct {
	service *service.SessionService
	logger  *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(svc *service.SessionService, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		service: svc,
		logger:  log,
	}
}

// Claim handles POST /api/v1/conversations/{id}/claim
//
// Atomic: of N concurrent claimants exactly one gets 200; the rest get
// 409 and should drop the entry from their queue view without alerting
// the counsellor.
func (h *SessionHandler) Claim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The claimant is always the token subject; a body cannot claim on
	// someone else's behalf.
	counsellorID := middleware.GetUserID(ctx)
	if err := middleware.ValidateCounsellorID(counsellorID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.Claim(ctx, conversationID, counsellorID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// End handles POST /api/v1/conversations/{id}/end
//
// Idempotent: a duplicate end click returns the same terminal state.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.End(ctx, conversationID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Owned handles GET /api/v1/sessions
//
// Returns the caller's open sessions. A reconnecting counsellor client
// calls this and re-subscribes to each conversation stream; it must not
// rely on events buffered before the drop.
func (h *SessionHandler) Owned(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counsellorID := middleware.GetUserID(ctx)

	if err := middleware.ValidateCounsellorID(counsellorID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	convs, err := h.service.OwnedSessions(ctx, counsellorID)
	if err != nil {
		h.logger.Error("failed to list owned sessions",
			zap.String("counsellor_id", counsellorID), zap.Error(err))
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.SessionsResponse{Conversations: convs})
}
