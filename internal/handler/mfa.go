package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ComUnity/audit-service/internal/middleware"
	"github.com/ComUnity/audit-service/internal/service"
)

// MFAHandler serves TOTP enrollment and verification for the
// authenticated user.
type MFAHandler struct {
	mfa *service.MFAProvider
}

func NewMFAHandler(mfa *service.MFAProvider) *MFAHandler {
	return &MFAHandler{mfa: mfa}
}

// Setup handles POST /v1/mfa/setup. The secret and backup codes are
// returned exactly once; only their hashes survive server-side.
func (h *MFAHandler) Setup(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ip, ua := requestMeta(r)
	result, err := h.mfa.Setup(ctx, userID, ip, ua)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type verifyMFARequest struct {
	Token string `json:"token"`
}

// Verify handles POST /v1/mfa/verify.
func (h *MFAHandler) Verify(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req verifyMFARequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ip, ua := requestMeta(r)
	err := h.mfa.Verify(ctx, userID, req.Token, ip, ua)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"verified": true})
	case errors.Is(err, service.ErrMFAInvalid):
		writeJSONError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrMFANotEnrolled):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, err)
	}
}
