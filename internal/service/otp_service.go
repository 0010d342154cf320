package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ComUnity/audit-service/compliance/audit"
	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/securitystore"
	"github.com/ComUnity/audit-service/internal/telemetry"
	"github.com/ComUnity/audit-service/internal/util"
	"github.com/ComUnity/audit-service/internal/util/logger"
	"github.com/ComUnity/audit-service/pkg/security"
	"github.com/google/uuid"
)

var (
	ErrOTPNotFound    = errors.New("otp not found")
	ErrOTPExpired     = errors.New("otp expired")
	ErrOTPUsed        = errors.New("otp already used")
	ErrOTPInvalid     = errors.New("otp code mismatch")
	ErrOTPMaxAttempts = errors.New("otp attempts exhausted")
)

// Sender delivers a one-time code to an identifier. Production wiring
// decides the channel; the service never sees delivery details.
type Sender interface {
	Send(ctx context.Context, identifier, message string) error
}

// LogSender logs instead of delivering. Default wiring for
// environments without an SMS or mail gateway.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, identifier, message string) error {
	logger.Info("OTP delivery (log only)", "identifier", util.MaskIdentifier(identifier))
	return nil
}

// OTPConfig tunes code issuance and verification.
type OTPConfig struct {
	CodeLength  int           `yaml:"code_length"`  // default 6
	Expiry      time.Duration `yaml:"expiry"`       // default 5m
	MaxAttempts int           `yaml:"max_attempts"` // default 3
	RateLimit   int           `yaml:"rate_limit"`   // default 3 per window
	RateWindow  time.Duration `yaml:"rate_window"`  // default 5m
}

// GenerateResult is what callers may expose about a freshly issued
// code. The plaintext only travels through the Sender.
type GenerateResult struct {
	Identifier string    `json:"identifier"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// OTPService issues and verifies one-time codes. Codes are stored
// hash-only; the keyed hash binds a code to its identifier so a code
// issued for one identifier never verifies for another.
type OTPService struct {
	config   OTPConfig
	otps     repository.OTPRepository
	limiter  securitystore.RateLimiter
	keys     security.KeySource
	sender   Sender
	recorder *audit.Recorder
	now      func() time.Time
}

func NewOTPService(cfg OTPConfig, otps repository.OTPRepository, limiter securitystore.RateLimiter, keys security.KeySource, sender Sender, recorder *audit.Recorder) *OTPService {
	if cfg.CodeLength < 4 || cfg.CodeLength > 8 {
		cfg.CodeLength = 6
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 3
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = 5 * time.Minute
	}
	if sender == nil {
		sender = LogSender{}
	}
	return &OTPService{
		config:   cfg,
		otps:     otps,
		limiter:  limiter,
		keys:     keys,
		sender:   sender,
		recorder: recorder,
		now:      time.Now,
	}
}

// SetClock replaces the clock. Test hook.
func (s *OTPService) SetClock(now func() time.Time) {
	s.now = now
}

// Generate issues a fresh code for the identifier and dispatches it
// through the delivery channel. Exceeding the issuance rate returns a
// RateLimitError carrying the time until the window resets.
func (s *OTPService) Generate(ctx context.Context, identifier, ipAddress, userAgent string) (*GenerateResult, error) {
	normalized := util.NormalizeIdentifier(identifier)
	if !util.ValidIdentifier(normalized) {
		return nil, apperr.NewValidation("identifier", "must be an e-mail address or mobile number")
	}

	count, retryAfter, err := s.limiter.Increment(ctx, "otp:generate:"+normalized, s.config.RateWindow)
	if err != nil {
		// A broken limiter must not take code issuance down with it.
		logger.Warn("OTP rate limiter unavailable, allowing issuance", "error", err)
	} else if count > int64(s.config.RateLimit) {
		return nil, &apperr.RateLimitError{RetryAfter: retryAfter}
	}

	now := s.now().UTC()
	if _, err := s.otps.PurgeExpired(ctx, normalized, now); err != nil {
		logger.Warn("Failed to purge expired OTP records", "identifier", util.MaskIdentifier(normalized), "error", err)
	}

	code, err := generateCode(s.config.CodeLength)
	if err != nil {
		return nil, apperr.NewSystem("otp.generate_code", err)
	}
	hash, err := s.codeHash(ctx, normalized, code)
	if err != nil {
		return nil, apperr.NewSystem("otp.hash_code", err)
	}

	rec := &models.OTPRecord{
		ID:         uuid.New(),
		Identifier: normalized,
		CodeHash:   hash,
		ExpiresAt:  now.Add(s.config.Expiry),
		CreatedAt:  now,
	}
	if err := s.otps.Insert(ctx, rec); err != nil {
		return nil, apperr.NewSystem("otp.store", err)
	}

	if err := s.sender.Send(ctx, normalized, code); err != nil {
		// The code is undeliverable; retire the record so it cannot
		// linger as a live credential.
		if mErr := s.otps.MarkUsed(ctx, rec.ID); mErr != nil && !errors.Is(mErr, repository.ErrNotFound) {
			logger.Error("Failed to retire undeliverable OTP", "id", rec.ID, "error", mErr)
		}
		return nil, apperr.NewSystem("otp.deliver", err)
	}

	s.audit(ctx, models.ActionCreate, rec.ID.String(), models.NewGenericPayload(models.JSONMap{
		"event":      "issued",
		"identifier": util.MaskIdentifier(normalized),
	}), ipAddress, userAgent)
	telemetry.CountOTPIssued()

	logger.Info("OTP issued",
		"identifier", util.MaskIdentifier(normalized),
		"expiresAt", rec.ExpiresAt)

	return &GenerateResult{Identifier: normalized, ExpiresAt: rec.ExpiresAt}, nil
}

// Verify checks a code against the latest record for the identifier.
// A nil return means the code matched and the record is now used.
func (s *OTPService) Verify(ctx context.Context, identifier, code, ipAddress, userAgent string) error {
	normalized := util.NormalizeIdentifier(identifier)

	rec, err := s.otps.Latest(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			telemetry.CountOTPVerification("not_found")
			return ErrOTPNotFound
		}
		return apperr.NewSystem("otp.load", err)
	}

	now := s.now().UTC()
	switch {
	case rec.IsUsed:
		telemetry.CountOTPVerification("used")
		return ErrOTPUsed
	case now.After(rec.ExpiresAt):
		telemetry.CountOTPVerification("expired")
		return ErrOTPExpired
	case rec.Attempts >= s.config.MaxAttempts:
		telemetry.CountOTPVerification("max_attempts")
		return ErrOTPMaxAttempts
	}

	expected, err := s.codeHash(ctx, normalized, code)
	if err != nil {
		return apperr.NewSystem("otp.hash_code", err)
	}
	if subtle.ConstantTimeCompare([]byte(rec.CodeHash), []byte(expected)) != 1 {
		attempts, aErr := s.otps.IncrementAttempts(ctx, rec.ID)
		if aErr != nil {
			return apperr.NewSystem("otp.count_attempt", aErr)
		}
		s.audit(ctx, models.ActionVerify, rec.ID.String(), models.NewGenericPayload(models.JSONMap{
			"event":      "mismatch",
			"identifier": util.MaskIdentifier(normalized),
			"attempts":   attempts,
		}), ipAddress, userAgent)
		if attempts >= s.config.MaxAttempts {
			telemetry.CountOTPVerification("max_attempts")
			return ErrOTPMaxAttempts
		}
		telemetry.CountOTPVerification("invalid")
		return ErrOTPInvalid
	}

	if err := s.otps.MarkUsed(ctx, rec.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Lost the race against a concurrent verify of the same code.
			telemetry.CountOTPVerification("used")
			return ErrOTPUsed
		}
		return apperr.NewSystem("otp.mark_used", err)
	}

	s.audit(ctx, models.ActionVerify, rec.ID.String(), models.NewGenericPayload(models.JSONMap{
		"event":      "verified",
		"identifier": util.MaskIdentifier(normalized),
	}), ipAddress, userAgent)
	telemetry.CountOTPVerification("success")
	return nil
}

// codeHash keys HMAC-SHA256 over identifier and code so equal codes
// issued to different identifiers store different hashes.
func (s *OTPService) codeHash(ctx context.Context, identifier, code string) (string, error) {
	key, err := s.keys.Key(ctx, security.KeyOTPHash)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(identifier + ":" + code))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (s *OTPService) audit(ctx context.Context, action models.Action, resourceID string, payload models.Payload, ipAddress, userAgent string) {
	if s.recorder == nil {
		return
	}
	_, err := s.recorder.Record(ctx, audit.RecordInput{
		Action:     action,
		Resource:   models.ResourceOTP,
		ResourceID: resourceID,
		Payload:    payload,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
	})
	if err != nil {
		logger.Error("Failed to audit OTP operation", "action", action, "error", err)
	}
}

func generateCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	digits := make([]byte, length)
	for i := range buf {
		digits[i] = byte(int(buf[i])%10) + '0'
	}
	return string(digits), nil
}
