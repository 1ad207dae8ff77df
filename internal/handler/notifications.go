package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pendo-health/counselling-platform/internal/model"
	"github.com/pendo-health/counselling-platform/internal/service"
	"github.com/pendo-health/counselling-platform/pkg/logger"
)

// NotificationHandler handles out-of-band notification endpoints.
type NotificationHandler struct {
	service *service.NotificationService
	logger  *logger.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(svc *service.NotificationService, log *logger.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: svc,
		logger:  log,
	}
}

// VideoSession handles POST /api/v1/notifications/video
//
// Emails both parties and alerts connected counsellor dashboards. The
// meeting link itself is produced by an external scheduler; the payload
// is opaque here.
func (h *NotificationHandler) VideoSession(w http.ResponseWriter, r *http.Request) {
	var req model.VideoSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MeetLink == "" || req.StudentEmail == "" {
		writeError(w, http.StatusBadRequest, "meet_link and student_email are required")
		return
	}

	n, err := h.service.VideoSession(r.Context(), &req)
	if err != nil {
		h.logger.Error("failed to publish video notification", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to send notification")
		return
	}

	writeJSON(w, http.StatusCreated, n)
}
