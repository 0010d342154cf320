package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/middleware"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/service"
)

// SessionHandler serves a user's own session inventory. Tokens never
// leave the create path, listing returns metadata only.
type SessionHandler struct {
	sessions *service.SessionRegistry
}

func NewSessionHandler(sessions *service.SessionRegistry) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

type sessionView struct {
	ID                uuid.UUID `json:"id"`
	CreatedAt         time.Time `json:"createdAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
	IPAddress         string    `json:"ipAddress,omitempty"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
	Current           bool      `json:"current"`
}

func newSessionView(s *models.Session, currentID uuid.UUID) sessionView {
	return sessionView{
		ID:                s.ID,
		CreatedAt:         s.CreatedAt,
		ExpiresAt:         s.ExpiresAt,
		IPAddress:         s.IPAddress,
		DeviceFingerprint: s.DeviceFingerprint,
		Current:           s.ID == currentID,
	}
}

// ListSessions handles GET /v1/sessions.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	currentID, _ := middleware.SessionIDFromContext(r.Context())

	sessions, err := h.sessions.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, newSessionView(s, currentID))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": views,
		"count":    len(views),
	})
}

// TerminateSession handles DELETE /v1/sessions/{id}. Users can only
// terminate their own sessions.
func (h *SessionHandler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apperr.NewValidation("id", "must be a UUID"))
		return
	}

	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.UserID != userID {
		writeJSONError(w, http.StatusForbidden, "forbidden")
		return
	}

	ip, ua := requestMeta(r)
	meta := service.SessionMetadata{IPAddress: ip, UserAgent: ua}
	if err := h.sessions.Terminate(r.Context(), id, "terminated by user", meta); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"terminated": true})
}

// Logout handles POST /v1/logout, terminating the calling session.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := middleware.SessionIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	ip, ua := requestMeta(r)
	meta := service.SessionMetadata{IPAddress: ip, UserAgent: ua}
	if err := h.sessions.Terminate(r.Context(), sessionID, "logout", meta); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loggedOut": true})
}
