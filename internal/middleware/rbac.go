package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ComUnity/audit-service/compliance/audit"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/util/logger"
	"github.com/google/uuid"
)

func roleLevel(r models.Role) int {
	switch r {
	case models.RoleUser:
		return 1
	case models.RoleAdmin:
		return 2
	case models.RoleSuperAdmin:
		return 3
	}
	return 0
}

// RequireRole gates a route behind a minimum role. Denials are audited
// as PERMISSION_DENIED so repeated probing of privileged routes shows
// up in anomaly detection; locked accounts are rejected here too.
func RequireRole(permission string, minRole models.Role, users repository.UserSecurityRepository, recorder *audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				writeAuthError(w, "authentication required")
				return
			}

			us, err := users.Get(r.Context(), userID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					deny(w, r, recorder, permission, minRole, userID, "no security profile")
					return
				}
				logger.Error("User security lookup failed", "userId", userID, "error", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			now := time.Now().UTC()
			if !us.Active {
				deny(w, r, recorder, permission, minRole, userID, "account disabled")
				return
			}
			if us.Locked(now) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusLocked)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{
						"code":        http.StatusLocked,
						"message":     "account locked",
						"lockedUntil": us.LockedUntil,
					},
				})
				return
			}
			if roleLevel(us.Role) < roleLevel(minRole) {
				deny(w, r, recorder, permission, minRole, userID, "insufficient role")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, r *http.Request, recorder *audit.Recorder, permission string, minRole models.Role, userID uuid.UUID, reason string) {
	if recorder != nil {
		actorID := userID
		_, err := recorder.Record(r.Context(), audit.RecordInput{
			ActorID:   &actorID,
			Action:    models.ActionPermissionDenied,
			Resource:  models.ResourceUserSecurity,
			Payload:   models.NewPermissionPayload(permission, false, minRole, reason),
			IPAddress: clientIPString(r),
			UserAgent: r.UserAgent(),
		})
		if err != nil {
			logger.Error("Failed to audit permission denial", "userId", userID, "permission", permission, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    http.StatusForbidden,
			"message": "forbidden",
		},
	})
}
