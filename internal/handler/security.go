package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ComUnity/audit-service/compliance/incident"
	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/middleware"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
)

// SecurityHandler serves security event triage and the human review
// queue.
type SecurityHandler struct {
	manager *incident.Manager
	flags   repository.ReviewFlagRepository
}

func NewSecurityHandler(manager *incident.Manager, flags repository.ReviewFlagRepository) *SecurityHandler {
	return &SecurityHandler{manager: manager, flags: flags}
}

// ListEvents handles GET /v1/security/events.
func (h *SecurityHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := parseEventFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := h.manager.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// GetEvent handles GET /v1/security/events/{id}.
func (h *SecurityHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apperr.NewValidation("id", "must be a UUID"))
		return
	}

	event, err := h.manager.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

type resolveEventRequest struct {
	Status models.EventStatus `json:"status"`
}

// ResolveEvent handles POST /v1/security/events/{id}/resolve.
func (h *SecurityHandler) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apperr.NewValidation("id", "must be a UUID"))
		return
	}

	var req resolveEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var resolvedBy *uuid.UUID
	if actorID, ok := middleware.UserIDFromContext(r.Context()); ok {
		resolvedBy = &actorID
	}

	if err := h.manager.Resolve(r.Context(), id, req.Status, resolvedBy); err != nil {
		writeError(w, err)
		return
	}

	event, err := h.manager.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// ListReviewFlags handles GET /v1/security/review-flags.
func (h *SecurityHandler) ListReviewFlags(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, apperr.NewValidation("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	flags, err := h.flags.ListOpen(r.Context(), limit)
	if err != nil {
		writeError(w, apperr.NewSystem("review_flags.list", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flags": flags,
		"count": len(flags),
	})
}

// ReviewFlag handles POST /v1/security/review-flags/{id}/review.
func (h *SecurityHandler) ReviewFlag(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apperr.NewValidation("id", "must be a UUID"))
		return
	}

	if err := h.flags.MarkReviewed(r.Context(), id, time.Now().UTC()); err != nil {
		if err == repository.ErrNotFound {
			writeError(w, err)
			return
		}
		writeError(w, apperr.NewSystem("review_flags.mark_reviewed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviewed": true})
}

func parseEventFilter(r *http.Request) (repository.SecurityEventFilter, error) {
	var f repository.SecurityEventFilter
	params := r.URL.Query()

	if v := params.Get("actorId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, apperr.NewValidation("actorId", "must be a UUID")
		}
		f.ActorID = &id
	}
	if v := params.Get("type"); v != "" {
		f.Type = models.SecurityEventType(v)
	}
	if v := params.Get("status"); v != "" {
		f.Status = models.EventStatus(v)
	}
	if v := params.Get("severity"); v != "" {
		f.Severity = models.Severity(v)
	}
	if v := params.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, apperr.NewValidation("since", "must be RFC 3339")
		}
		f.Since = &t
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, apperr.NewValidation("limit", "must be a non-negative integer")
		}
		f.Limit = n
	}
	if v := params.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, apperr.NewValidation("offset", "must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}
