// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pendo-health/counselling-platform/internal/store"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeStoreError maps store errors onto the HTTP taxonomy: NotFound is
// 404, a lost claim or wrong-state end is 409 (a soft refresh signal, not
// a failure), and transient datastore trouble is 503 with Retry-After.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conversation already claimed or ended")
	case store.IsTransient(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "datastore temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
