// Package alerts exposes the alert query API.
package alerts

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"minewatch/internal/apperr"
	"minewatch/internal/storage"
)

// Handler handles the /alerts/ routes.
type Handler struct {
	store  storage.AlertStore
	logger *slog.Logger
}

// NewHandler creates an alerts Handler.
func NewHandler(store storage.AlertStore, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// HandleList handles GET /alerts/. Supported filters: host_id, since
// (RFC 3339) and limit. The body is a bare alert array, newest-first with
// the source event joined in, capped at the default page size.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter := storage.AlertFilter{
		HostID: r.URL.Query().Get("host_id"),
	}

	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(w, apperr.Validation("invalid since timestamp, want RFC 3339"))
			return
		}
		filter.Since = ts
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			respondError(w, apperr.Validation("invalid limit"))
			return
		}
		filter.Limit = n
	}

	alerts, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list alerts", "error", err)
		respondError(w, apperr.Wrap(apperr.CodePersistence, "failed to list alerts", err))
		return
	}

	respondJSON(w, http.StatusOK, alerts)
}

// HandleByEvent handles GET /alerts/by-event/{id}.
func (h *Handler) HandleByEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, apperr.Validation("invalid event id"))
		return
	}

	alerts, err := h.store.FindByEvent(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to find alerts", "error", err, "event_id", id)
		respondError(w, apperr.Wrap(apperr.CodePersistence, "failed to find alerts", err))
		return
	}

	respondJSON(w, http.StatusOK, alerts)
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	respondJSON(w, apperr.HTTPStatus(code), map[string]any{
		"ok":    false,
		"code":  string(code),
		"error": apperr.PublicMessage(err),
	})
}
