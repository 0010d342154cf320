package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/middleware"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/util/logger"
)

// Request bodies larger than this are rejected before decoding.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
		},
	})
}

// writeError maps the error taxonomy onto HTTP statuses. Rate limits
// carry Retry-After and lockouts carry the unlock time so clients can
// back off instead of polling.
func writeError(w http.ResponseWriter, err error) {
	if ve, ok := apperr.AsValidation(err); ok {
		writeJSONError(w, http.StatusBadRequest, ve.Error())
		return
	}
	var authErr *apperr.AuthenticationError
	if errors.As(err, &authErr) {
		writeJSONError(w, http.StatusUnauthorized, authErr.Error())
		return
	}
	if rl, ok := apperr.AsRateLimit(err); ok {
		secs := int(rl.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSONError(w, http.StatusTooManyRequests, rl.Error())
		return
	}
	if lo, ok := apperr.AsLockout(err); ok {
		writeJSON(w, http.StatusLocked, map[string]any{
			"error": map[string]any{
				"code":        http.StatusLocked,
				"message":     lo.Error(),
				"lockedUntil": lo.LockedUntil.UTC().Format(time.RFC3339),
			},
		})
		return
	}
	var integrityErr *apperr.IntegrityError
	if errors.As(err, &integrityErr) {
		writeJSONError(w, http.StatusConflict, integrityErr.Error())
		return
	}
	if errors.Is(err, repository.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	logger.Error("Request failed", "error", err)
	writeJSONError(w, http.StatusInternalServerError, "internal error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// requestMeta pulls the caller's IP and user agent for audit
// attribution, preferring the fingerprint middleware's proxy-aware
// client IP over the raw peer address.
func requestMeta(r *http.Request) (ip, userAgent string) {
	userAgent = r.UserAgent()
	if fp, ok := middleware.FingerprintFromContext(r.Context()); ok && fp.ClientIP != "" {
		return fp.ClientIP, userAgent
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, userAgent
	}
	return host, userAgent
}
