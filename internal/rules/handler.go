// Package rules exposes the ruleset management API and the builtin IOC
// catalog.
package rules

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"minewatch/internal/apperr"
	"minewatch/internal/schema"
	"minewatch/internal/storage"
)

// Handler handles the /rulesets/ routes.
type Handler struct {
	store     storage.RuleStore
	validator *schema.Validator
	logger    *slog.Logger
}

// NewHandler creates a rules Handler.
func NewHandler(store storage.RuleStore, validator *schema.Validator, logger *slog.Logger) *Handler {
	return &Handler{
		store:     store,
		validator: validator,
		logger:    logger,
	}
}

// HandleList handles GET /rulesets/. The body is a bare rule array,
// newest-first, disabled ones included.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list rules", "error", err)
		respondError(w, apperr.Wrap(apperr.CodePersistence, "failed to list rules", err))
		return
	}
	respondJSON(w, http.StatusOK, rules)
}

// HandleCreate handles POST /rulesets/rules.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var in schema.RuleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, apperr.Validation("invalid JSON: %v", err))
		return
	}
	if err := h.validator.ValidateRule(&in); err != nil {
		respondError(w, apperr.Wrap(apperr.CodeValidation, err.Error(), err))
		return
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}

	rule := schema.Rule{
		ID:          uuid.New(),
		Type:        in.Type,
		Pattern:     in.Pattern,
		Description: in.Description,
		Enabled:     enabled,
		Tags:        tags,
		Vendor:      in.Vendor,
		SID:         in.SID,
		Name:        in.Name,
		Body:        in.Body,
	}

	created, err := h.store.Create(r.Context(), rule)
	if err != nil {
		h.logger.Error("failed to create rule", "error", err, "pattern", in.Pattern)
		respondError(w, apperr.Wrap(apperr.CodePersistence, "failed to create rule", err))
		return
	}

	h.logger.Info("rule created",
		"rule_id", created.ID,
		"type", created.Type,
		"pattern", created.Pattern,
		"enabled", created.Enabled,
	)
	respondJSON(w, http.StatusCreated, created)
}

// ToggleRequest is the body of PATCH /rulesets/{id}/toggle. Enabled is
// required so a toggle always states the desired end state.
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// HandleToggle handles PATCH /rulesets/{id}/toggle.
func (h *Handler) HandleToggle(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, apperr.Validation("invalid rule id"))
		return
	}

	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.Validation("invalid JSON: %v", err))
		return
	}
	if req.Enabled == nil {
		respondError(w, apperr.Validation("enabled is required"))
		return
	}

	updated, err := h.store.Toggle(r.Context(), id, *req.Enabled)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, apperr.NotFound("rule"))
			return
		}
		h.logger.Error("failed to toggle rule", "error", err, "rule_id", id)
		respondError(w, apperr.Wrap(apperr.CodePersistence, "failed to toggle rule", err))
		return
	}

	h.logger.Info("rule toggled", "rule_id", id, "enabled", *req.Enabled)
	respondJSON(w, http.StatusOK, updated)
}

// HandleDelete handles DELETE /rulesets/{id}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, apperr.Validation("invalid rule id"))
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, apperr.NotFound("rule"))
			return
		}
		h.logger.Error("failed to delete rule", "error", err, "rule_id", id)
		respondError(w, apperr.Wrap(apperr.CodePersistence, "failed to delete rule", err))
		return
	}

	h.logger.Info("rule deleted", "rule_id", id)
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleDeleteAutoGenerated handles DELETE /rulesets/auto-generated: bulk
// removal of machine-generated rules, hand-authored ones untouched.
func (h *Handler) HandleDeleteAutoGenerated(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.DeleteByTag(r.Context(), schema.TagAutoGenerated)
	if err != nil {
		h.logger.Error("failed to delete auto-generated rules", "error", err)
		respondError(w, apperr.Wrap(apperr.CodePersistence, "failed to delete auto-generated rules", err))
		return
	}

	h.logger.Info("auto-generated rules deleted", "count", n)
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": n})
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
