package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ComUnity/audit-service/internal/service"
	"github.com/ComUnity/audit-service/internal/util"
)

// OTPHandler serves one-time code issuance and verification.
type OTPHandler struct {
	otp *service.OTPService
}

func NewOTPHandler(otp *service.OTPService) *OTPHandler {
	return &OTPHandler{otp: otp}
}

type generateOTPRequest struct {
	Identifier string `json:"identifier"`
}

// Generate handles POST /v1/otp/generate.
func (h *OTPHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ip, ua := requestMeta(r)
	res, err := h.otp.Generate(ctx, req.Identifier, ip, ua)
	if err != nil {
		writeError(w, err)
		return
	}

	// Echo the masked identifier, not what the caller typed.
	writeJSON(w, http.StatusOK, map[string]any{
		"identifier": util.MaskIdentifier(res.Identifier),
		"expiresAt":  res.ExpiresAt,
	})
}

type verifyOTPRequest struct {
	Identifier string `json:"identifier"`
	Code       string `json:"code"`
}

// Verify handles POST /v1/otp/verify.
func (h *OTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ip, ua := requestMeta(r)
	err := h.otp.Verify(ctx, req.Identifier, req.Code, ip, ua)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"verified": true})
	case errors.Is(err, service.ErrOTPInvalid),
		errors.Is(err, service.ErrOTPExpired),
		errors.Is(err, service.ErrOTPUsed),
		errors.Is(err, service.ErrOTPMaxAttempts),
		errors.Is(err, service.ErrOTPNotFound):
		writeJSONError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, err)
	}
}
