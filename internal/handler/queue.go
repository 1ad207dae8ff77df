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

// QueueHandler handles the counsellor queue and the escalation signal.
type QueueHandler struct {
	service *service.QueueService
	logger  *logger.Logger
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(svc *service.QueueService, log *logger.Logger) *QueueHandler {
	return &QueueHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/v1/queue
//
// A snapshot of waiting conversations: escalated first, then by risk,
// then first come first served.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list queue", zap.Error(err))
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Escalate handles POST /api/v1/conversations/{id}/escalate
//
// Consumed by the triage classifier. Severity never decreases: escalating
// to a lower level than current is accepted and ignored.
func (h *QueueHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.EscalateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.RiskLevel.Valid() {
		writeError(w, http.StatusBadRequest, "invalid risk level")
		return
	}

	conv, err := h.service.Escalate(ctx, conversationID, req.RiskLevel)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}
