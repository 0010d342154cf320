package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/service"
	"github.com/ComUnity/audit-service/internal/util"
	"github.com/ComUnity/audit-service/internal/util/logger"
	"github.com/google/uuid"
)

const (
	ctxUserIDKey    ctxKey = 2
	ctxSessionIDKey ctxKey = 3
)

// UserIDFromContext returns the authenticated user, if any.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxUserIDKey).(uuid.UUID)
	return id, ok
}

// SessionIDFromContext returns the authenticated session, if any.
func SessionIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxSessionIDKey).(uuid.UUID)
	return id, ok
}

// Authenticator validates the bearer token, loads its session, and
// attaches user and session ids to the context. Authenticated requests
// slide the session expiry forward, best-effort.
func Authenticator(tokens *util.TokenManager, sessions *service.SessionRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeAuthError(w, "missing bearer token")
				return
			}

			claims, err := tokens.Parse(raw)
			if err != nil {
				writeAuthError(w, "invalid token")
				return
			}
			sessionID, err := uuid.Parse(claims.SessionID)
			if err != nil {
				writeAuthError(w, "invalid token")
				return
			}

			sess, err := sessions.Get(r.Context(), sessionID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					writeAuthError(w, "session terminated")
					return
				}
				logger.Error("Session lookup failed", "sessionId", sessionID, "error", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if sess.Expired(time.Now().UTC()) {
				writeAuthError(w, "session expired")
				return
			}
			// The token subject and the stored session must agree.
			if claims.Subject != sess.UserID.String() {
				writeAuthError(w, "invalid token")
				return
			}

			meta := service.SessionMetadata{
				IPAddress: clientIPString(r),
				UserAgent: r.UserAgent(),
			}
			if err := sessions.Touch(r.Context(), sessionID, meta); err != nil &&
				!errors.Is(err, repository.ErrNotFound) && !errors.Is(err, service.ErrSessionExpired) {
				logger.Warn("Session touch failed", "sessionId", sessionID, "error", err)
			}

			ctx := context.WithValue(r.Context(), ctxUserIDKey, sess.UserID)
			ctx = context.WithValue(ctx, ctxSessionIDKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// clientIPString prefers the fingerprint's resolved IP, which honors
// trusted proxies, and falls back to RemoteAddr.
func clientIPString(r *http.Request) string {
	if fp, ok := FingerprintFromContext(r.Context()); ok {
		return fp.ClientIP
	}
	return remoteAddrIP(r.RemoteAddr).String()
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    http.StatusUnauthorized,
			"message": message,
		},
	})
}
