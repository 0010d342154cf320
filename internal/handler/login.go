package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ComUnity/audit-service/compliance/audit"
	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/middleware"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/service"
	"github.com/ComUnity/audit-service/internal/util"
	"github.com/ComUnity/audit-service/internal/util/logger"
)

// LoginHandler runs the identifier+OTP login flow: lock state, code
// verification, the MFA gate, then session issuance. Every attempt
// lands in the audit trail as LOGIN_SUCCESS or LOGIN_FAILED, which is
// the stream the anomaly detector watches.
type LoginHandler struct {
	users    repository.UserSecurityRepository
	otp      *service.OTPService
	mfa      *service.MFAProvider
	sessions *service.SessionRegistry
	recorder *audit.Recorder
	now      func() time.Time
}

func NewLoginHandler(
	users repository.UserSecurityRepository,
	otp *service.OTPService,
	mfa *service.MFAProvider,
	sessions *service.SessionRegistry,
	recorder *audit.Recorder,
) *LoginHandler {
	return &LoginHandler{
		users:    users,
		otp:      otp,
		mfa:      mfa,
		sessions: sessions,
		recorder: recorder,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (h *LoginHandler) SetClock(now func() time.Time) {
	if now != nil {
		h.now = now
	}
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Code       string `json:"code"`
	MFAToken   string `json:"mfaToken,omitempty"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	SessionID uuid.UUID `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserID    uuid.UUID `json:"userId"`
	Role      string    `json:"role"`
}

// Login handles POST /v1/login.
func (h *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	// 1. Parse and validate the request.
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	identifier := util.NormalizeIdentifier(req.Identifier)
	if !util.ValidIdentifier(identifier) {
		writeError(w, apperr.NewValidation("identifier", "must be an e-mail address or mobile number"))
		return
	}
	if req.Code == "" {
		writeError(w, apperr.NewValidation("code", "must not be empty"))
		return
	}

	ip, ua := requestMeta(r)
	location := ""
	if fp, ok := middleware.FingerprintFromContext(ctx); ok {
		location = fp.IPBucket
	}

	// 2. Look up the security profile.
	us, err := h.users.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.auditFailure(ctx, nil, identifier, "unknown identifier", location, ip, ua)
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, apperr.NewSystem("login.lookup", err))
		return
	}

	// 3. Lock and active gates run before any code is burned.
	if us.Locked(h.now()) {
		h.auditFailure(ctx, &us.UserID, identifier, "account locked", location, ip, ua)
		writeError(w, &apperr.LockoutError{LockedUntil: *us.LockedUntil})
		return
	}
	if !us.Active {
		h.auditFailure(ctx, &us.UserID, identifier, "account disabled", location, ip, ua)
		writeJSONError(w, http.StatusForbidden, "account disabled")
		return
	}

	// 4. Verify the one-time code.
	if err := h.otp.Verify(ctx, identifier, req.Code, ip, ua); err != nil {
		switch {
		case errors.Is(err, service.ErrOTPInvalid),
			errors.Is(err, service.ErrOTPExpired),
			errors.Is(err, service.ErrOTPUsed),
			errors.Is(err, service.ErrOTPMaxAttempts),
			errors.Is(err, service.ErrOTPNotFound):
			h.auditFailure(ctx, &us.UserID, identifier, err.Error(), location, ip, ua)
			// The reason stays in the audit trail; the caller only
			// learns that the credentials did not work.
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		default:
			writeError(w, err)
		}
		return
	}

	// 5. MFA gate.
	if ok := h.mfaGate(ctx, w, us, req.MFAToken, identifier, location, ip, ua); !ok {
		return
	}

	// 6. Issue the session.
	meta := service.SessionMetadata{IPAddress: ip, UserAgent: ua}
	if fp, fOK := middleware.FingerprintFromContext(ctx); fOK {
		meta.DeviceFingerprint = fp.DeviceKey
	}
	sess, err := h.sessions.Create(ctx, us.UserID, meta)
	if err != nil {
		writeError(w, err)
		return
	}

	// 7. Record the success the detector's location check feeds on.
	if _, err := h.recorder.Record(ctx, audit.RecordInput{
		ActorID:    &us.UserID,
		Action:     models.ActionLoginSuccess,
		Resource:   models.ResourceUser,
		ResourceID: us.UserID.String(),
		Payload:    models.NewLoginPayload(identifier, true, "", location),
		IPAddress:  ip,
		UserAgent:  ua,
	}); err != nil {
		logger.Error("Failed to audit login success", "user_id", us.UserID, "error", err)
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		SessionID: sess.ID,
		ExpiresAt: sess.ExpiresAt,
		UserID:    us.UserID,
		Role:      string(us.Role),
	})
}

// mfaGate enforces step-up authentication when the user's posture
// requires it. Returns false after writing the response when the login
// must not proceed.
func (h *LoginHandler) mfaGate(ctx context.Context, w http.ResponseWriter, us *models.UserSecurity, token, identifier, location, ip, ua string) bool {
	required, err := h.mfa.IsRequired(ctx, us.UserID, "LOGIN")
	if err != nil {
		writeError(w, err)
		return false
	}
	if !required {
		return true
	}

	enrolled, err := h.mfa.Enrolled(ctx, us.UserID)
	if err != nil {
		writeError(w, err)
		return false
	}
	if !enrolled {
		// An unenrolled user cannot present a token. Refusing the login
		// outright would strand them, so the gap is logged instead.
		logger.Warn("MFA required but not enrolled", "user_id", us.UserID)
		return true
	}

	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]any{
				"code":    http.StatusUnauthorized,
				"message": "mfa token required",
			},
			"mfaRequired": true,
		})
		return false
	}

	if err := h.mfa.Verify(ctx, us.UserID, token, ip, ua); err != nil {
		switch {
		case errors.Is(err, service.ErrMFAInvalid):
			h.auditFailure(ctx, &us.UserID, identifier, "mfa token mismatch", location, ip, ua)
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		default:
			if _, locked := apperr.AsLockout(err); locked {
				h.auditFailure(ctx, &us.UserID, identifier, "mfa locked", location, ip, ua)
			}
			writeError(w, err)
		}
		return false
	}
	return true
}

func (h *LoginHandler) auditFailure(ctx context.Context, actorID *uuid.UUID, identifier, reason, location, ip, ua string) {
	resourceID := identifier
	if actorID != nil {
		resourceID = actorID.String()
	}
	if _, err := h.recorder.Record(ctx, audit.RecordInput{
		ActorID:    actorID,
		Action:     models.ActionLoginFailed,
		Resource:   models.ResourceUser,
		ResourceID: resourceID,
		Payload:    models.NewLoginPayload(identifier, false, reason, location),
		IPAddress:  ip,
		UserAgent:  ua,
	}); err != nil {
		logger.Error("Failed to audit login failure", "identifier", util.MaskIdentifier(identifier), "error", err)
	}
}
