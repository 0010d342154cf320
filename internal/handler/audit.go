package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ComUnity/audit-service/compliance/audit"
	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/middleware"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
)

// AuditHandler serves the audit trail: querying entries, exporting
// them, and verifying their checksums.
type AuditHandler struct {
	recorder *audit.Recorder
	verifier *audit.Verifier
}

func NewAuditHandler(recorder *audit.Recorder, verifier *audit.Verifier) *AuditHandler {
	return &AuditHandler{recorder: recorder, verifier: verifier}
}

// ListEntries handles GET /v1/audit/entries.
func (h *AuditHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q, err := parseAuditQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	page, err := h.recorder.Query(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetEntry handles GET /v1/audit/entries/{id}.
func (h *AuditHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apperr.NewValidation("id", "must be a UUID"))
		return
	}

	entry, err := h.recorder.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// VerifyEntry handles POST /v1/audit/entries/{id}/verify. A tampered
// entry is still a successful verification, the result reports
// isValid=false and the fields that moved.
func (h *AuditHandler) VerifyEntry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apperr.NewValidation("id", "must be a UUID"))
		return
	}

	result, err := h.verifier.Verify(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type verifyBatchRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

// VerifyBatch handles POST /v1/audit/verify.
func (h *AuditHandler) VerifyBatch(w http.ResponseWriter, r *http.Request) {
	var req verifyBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, apperr.NewValidation("ids", "must not be empty"))
		return
	}

	result, err := h.verifier.VerifyBatch(r.Context(), req.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Export handles GET /v1/audit/export. The response is the rendered
// blob itself; the export checksum travels in a header so the download
// can be re-verified offline.
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	q, err := parseAuditQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	format := audit.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = audit.FormatJSON
	}

	var requestedBy *uuid.UUID
	if actorID, ok := middleware.UserIDFromContext(r.Context()); ok {
		requestedBy = &actorID
	}

	result, err := h.recorder.Export(r.Context(), q, format, requestedBy)
	if err != nil {
		writeError(w, err)
		return
	}

	filename := fmt.Sprintf("audit-export-%s.%s", time.Now().UTC().Format("20060102T150405Z"), format)
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("X-Export-Checksum", result.Checksum)
	w.Header().Set("X-Export-Rows", strconv.Itoa(result.Rows))
	if result.Truncated {
		w.Header().Set("X-Export-Truncated", "true")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func parseAuditQuery(r *http.Request) (repository.AuditQuery, error) {
	var q repository.AuditQuery
	params := r.URL.Query()

	if v := params.Get("actorId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return q, apperr.NewValidation("actorId", "must be a UUID")
		}
		q.ActorID = &id
	}
	if v := params.Get("action"); v != "" {
		q.Action = models.Action(v)
	}
	q.Resource = params.Get("resource")
	q.ResourceID = params.Get("resourceId")
	q.Search = params.Get("search")

	if v := params.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, apperr.NewValidation("from", "must be RFC 3339")
		}
		q.From = &t
	}
	if v := params.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, apperr.NewValidation("to", "must be RFC 3339")
		}
		q.To = &t
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, apperr.NewValidation("limit", "must be a non-negative integer")
		}
		q.Limit = n
	}
	if v := params.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, apperr.NewValidation("offset", "must be a non-negative integer")
		}
		q.Offset = n
	}
	return q, nil
}
