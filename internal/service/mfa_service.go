package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/ComUnity/audit-service/compliance/audit"
	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/telemetry"
	"github.com/ComUnity/audit-service/internal/util/logger"
	"github.com/ComUnity/audit-service/pkg/security"
	"github.com/google/uuid"
)

var (
	ErrMFANotEnrolled = errors.New("mfa not enrolled")
	ErrMFAInvalid     = errors.New("mfa token mismatch")
)

// EventSink receives security events raised outside passive audit
// evaluation. The anomaly detector implements it.
type EventSink interface {
	Emit(ctx context.Context, event *models.SecurityEvent) error
}

// MFAConfig tunes enrollment and verification.
type MFAConfig struct {
	Issuer       string        `yaml:"issuer"`        // otpauth issuer label, default audit-service
	BackupCodes  int           `yaml:"backup_codes"`  // default 10
	DriftSteps   int           `yaml:"drift_steps"`   // default 2
	MaxFailures  int           `yaml:"max_failures"`  // default 5
	LockDuration time.Duration `yaml:"lock_duration"` // default 30m
	SensitiveOps []string      `yaml:"sensitive_operations"`
}

// SetupResult carries everything enrollment hands back exactly once.
// Backup codes are plaintext here and hash-only everywhere else.
type SetupResult struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioningUri"`
	BackupCodes     []string `json:"backupCodes"`
}

// MFAProvider enrolls users in TOTP and verifies their tokens, falling
// back to single-use backup codes. Repeated failures lock verification
// and raise a security event through the sink.
type MFAProvider struct {
	config   MFAConfig
	mfa      repository.MFARepository
	users    repository.UserSecurityRepository
	keys     security.KeySource
	recorder *audit.Recorder
	sink     EventSink
	now      func() time.Time
}

func NewMFAProvider(cfg MFAConfig, mfa repository.MFARepository, users repository.UserSecurityRepository, keys security.KeySource, recorder *audit.Recorder, sink EventSink) *MFAProvider {
	if cfg.Issuer == "" {
		cfg.Issuer = "audit-service"
	}
	if cfg.BackupCodes <= 0 {
		cfg.BackupCodes = 10
	}
	if cfg.DriftSteps <= 0 {
		cfg.DriftSteps = 2
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 30 * time.Minute
	}
	if len(cfg.SensitiveOps) == 0 {
		cfg.SensitiveOps = []string{"USER_DELETE", "ROLE_CHANGE", "BULK_EXPORT", "SECURITY_SETTINGS"}
	}
	return &MFAProvider{
		config:   cfg,
		mfa:      mfa,
		users:    users,
		keys:     keys,
		recorder: recorder,
		sink:     sink,
		now:      time.Now,
	}
}

// SetClock replaces the clock. Test hook.
func (p *MFAProvider) SetClock(now func() time.Time) {
	p.now = now
}

// Setup enrolls the user: fresh TOTP secret, backup codes, and the
// provisioning URI for the authenticator app. Re-running Setup replaces
// any existing enrollment.
func (p *MFAProvider) Setup(ctx context.Context, userID uuid.UUID, ipAddress, userAgent string) (*SetupResult, error) {
	secret, err := newTOTPSecret()
	if err != nil {
		return nil, apperr.NewSystem("mfa.generate_secret", err)
	}

	codes := make([]string, p.config.BackupCodes)
	hashes := make([]string, p.config.BackupCodes)
	for i := range codes {
		code, err := newBackupCode()
		if err != nil {
			return nil, apperr.NewSystem("mfa.generate_backup_code", err)
		}
		hash, err := p.backupHash(ctx, code)
		if err != nil {
			return nil, apperr.NewSystem("mfa.hash_backup_code", err)
		}
		codes[i] = code
		hashes[i] = hash
	}

	now := p.now().UTC()
	state := &models.MFAState{
		UserID:      userID,
		Secret:      secret,
		BackupCodes: hashes,
		EnabledAt:   now,
		UpdatedAt:   now,
	}
	if err := p.mfa.Save(ctx, state); err != nil {
		return nil, apperr.NewSystem("mfa.save", err)
	}

	p.audit(ctx, models.ActionCreate, userID, models.NewGenericPayload(models.JSONMap{
		"event":       "enrolled",
		"backupCodes": len(codes),
	}), ipAddress, userAgent)

	logger.Info("MFA enrolled", "userId", userID)

	return &SetupResult{
		Secret:          secret,
		ProvisioningURI: otpauthURI(p.config.Issuer, p.accountLabel(ctx, userID), secret),
		BackupCodes:     codes,
	}, nil
}

// Enrolled reports whether the user has an MFA enrollment.
func (p *MFAProvider) Enrolled(ctx context.Context, userID uuid.UUID) (bool, error) {
	_, err := p.mfa.Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.NewSystem("mfa.load", err)
	}
	return true, nil
}

// Verify checks a TOTP token, falling back to backup codes. The lockout
// check runs first so a locked user cannot burn backup codes.
func (p *MFAProvider) Verify(ctx context.Context, userID uuid.UUID, token, ipAddress, userAgent string) error {
	state, err := p.mfa.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrMFANotEnrolled
		}
		return apperr.NewSystem("mfa.load", err)
	}

	now := p.now().UTC()
	if state.Locked(now) {
		telemetry.CountMFAVerification("locked")
		return &apperr.LockoutError{LockedUntil: *state.LockedUntil}
	}

	matched, err := totpMatch(state.Secret, strings.TrimSpace(token), now, p.config.DriftSteps)
	if err != nil {
		return apperr.NewSystem("mfa.totp", err)
	}
	method := "totp"

	if !matched {
		hash, hErr := p.backupHash(ctx, token)
		if hErr != nil {
			return apperr.NewSystem("mfa.hash_backup_code", hErr)
		}
		consumed, cErr := p.mfa.ConsumeBackupCode(ctx, userID, hash)
		if cErr != nil {
			return apperr.NewSystem("mfa.consume_backup_code", cErr)
		}
		matched = consumed
		method = "backup_code"
	}

	if matched {
		if err := p.mfa.ResetFailures(ctx, userID); err != nil {
			logger.Warn("Failed to reset MFA failure counter", "userId", userID, "error", err)
		}
		p.audit(ctx, models.ActionVerify, userID, models.NewGenericPayload(models.JSONMap{
			"event":  "verified",
			"method": method,
		}), ipAddress, userAgent)
		telemetry.CountMFAVerification("success")
		return nil
	}

	failures, err := p.mfa.IncrementFailures(ctx, userID)
	if err != nil {
		return apperr.NewSystem("mfa.count_failure", err)
	}
	p.audit(ctx, models.ActionVerify, userID, models.NewGenericPayload(models.JSONMap{
		"event":    "mismatch",
		"attempts": failures,
	}), ipAddress, userAgent)

	if failures >= p.config.MaxFailures {
		until := now.Add(p.config.LockDuration)
		if err := p.mfa.SetLock(ctx, userID, until); err != nil {
			logger.Error("Failed to lock MFA verification", "userId", userID, "error", err)
		}
		p.emitLockout(ctx, userID, failures, until)
		telemetry.CountMFAVerification("lockout")
		return &apperr.LockoutError{LockedUntil: until}
	}

	telemetry.CountMFAVerification("failure")
	return ErrMFAInvalid
}

// IsRequired decides whether the operation demands a verified MFA
// token: always for SUPER_ADMIN, while a response-imposed requirement
// is in force, and for the configured sensitive operations.
func (p *MFAProvider) IsRequired(ctx context.Context, userID uuid.UUID, operation string) (bool, error) {
	us, err := p.users.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, apperr.NewSystem("mfa.load_user", err)
	}
	if us.Role == models.RoleSuperAdmin {
		return true, nil
	}
	if us.MFARequiredUntil != nil && p.now().UTC().Before(*us.MFARequiredUntil) {
		return true, nil
	}
	op := strings.ToUpper(strings.TrimSpace(operation))
	for _, sensitive := range p.config.SensitiveOps {
		if op == strings.ToUpper(sensitive) {
			return true, nil
		}
	}
	return false, nil
}

func (p *MFAProvider) emitLockout(ctx context.Context, userID uuid.UUID, failures int, until time.Time) {
	if p.sink == nil {
		return
	}
	actorID := userID
	event := &models.SecurityEvent{
		Type:        models.EventMFALockout,
		Severity:    models.SeverityHigh,
		ActorID:     &actorID,
		Description: "MFA verification locked after repeated failures",
		Details: models.JSONMap{
			"failures":    failures,
			"lockedUntil": until,
		},
	}
	if err := p.sink.Emit(ctx, event); err != nil {
		logger.Error("Failed to emit MFA lockout event", "userId", userID, "error", err)
	}
}

// backupHash keys HMAC-SHA256 over the normalized code. Codes compare
// case-insensitively with hyphens ignored.
func (p *MFAProvider) backupHash(ctx context.Context, code string) (string, error) {
	key, err := p.keys.Key(ctx, security.KeyBackupCode)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(normalizeBackupCode(code)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (p *MFAProvider) accountLabel(ctx context.Context, userID uuid.UUID) string {
	us, err := p.users.Get(ctx, userID)
	if err != nil || us.Identifier == "" {
		return userID.String()
	}
	return us.Identifier
}

func (p *MFAProvider) audit(ctx context.Context, action models.Action, userID uuid.UUID, payload models.Payload, ipAddress, userAgent string) {
	if p.recorder == nil {
		return
	}
	actorID := userID
	_, err := p.recorder.Record(ctx, audit.RecordInput{
		ActorID:    &actorID,
		Action:     action,
		Resource:   models.ResourceMFA,
		ResourceID: userID.String(),
		Payload:    payload,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
	})
	if err != nil {
		logger.Error("Failed to audit MFA operation", "action", action, "error", err)
	}
}

// Ambiguous glyphs are left out of backup codes.
const backupAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newBackupCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 9)
	for i, b := range buf {
		pos := i
		if i >= 4 {
			pos++
		}
		out[pos] = backupAlphabet[int(b)%len(backupAlphabet)]
	}
	out[4] = '-'
	return string(out), nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}
