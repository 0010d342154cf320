package service

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/audit-service/compliance/audit"
	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/securitystore"
	"github.com/ComUnity/audit-service/pkg/security"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{t: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// captureSender records delivered codes instead of sending them.
type captureSender struct {
	mu    sync.Mutex
	codes []string
}

func (s *captureSender) Send(ctx context.Context, identifier, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, message)
	return nil
}

func (s *captureSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		return ""
	}
	return s.codes[len(s.codes)-1]
}

type failingSender struct{}

func (failingSender) Send(ctx context.Context, identifier, message string) error {
	return errors.New("sms gateway unreachable")
}

type failingLimiter struct{}

func (failingLimiter) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("redis connection refused")
}

func testKeys(t *testing.T) security.KeySource {
	t.Helper()
	enc := base64.StdEncoding.EncodeToString
	keys, err := security.NewStaticKeySource(map[string]string{
		security.KeyOTPHash:    enc([]byte("otp-hash-key-for-tests-0123456789")),
		security.KeyBackupCode: enc([]byte("backup-code-key-for-tests-0123456789")),
	})
	require.NoError(t, err)
	return keys
}

type otpFixture struct {
	clock    *testClock
	audits   repository.AuditRepository
	otps     repository.OTPRepository
	recorder *audit.Recorder
	sender   *captureSender
	svc      *OTPService
}

func newOTPFixture(t *testing.T, cfg OTPConfig) *otpFixture {
	t.Helper()

	f := &otpFixture{
		clock:  newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		audits: repository.NewMemoryAuditRepository(),
		otps:   repository.NewMemoryOTPRepository(),
		sender: &captureSender{},
	}

	f.recorder = audit.NewRecorder(audit.RecorderConfig{}, f.audits, nil)
	f.recorder.SetClock(f.clock.Now)

	store := securitystore.NewMemoryStore()
	store.SetClock(f.clock.Now)

	f.svc = NewOTPService(cfg, f.otps, store, testKeys(t), f.sender, f.recorder)
	f.svc.SetClock(f.clock.Now)
	return f
}

func TestOTPGenerate_IssuedCodeVerifies(t *testing.T) {
	ctx := context.Background()
	f := newOTPFixture(t, OTPConfig{})

	res, err := f.svc.Generate(ctx, " Parent@Example.COM ", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	assert.Equal(t, "parent@example.com", res.Identifier)
	assert.Equal(t, f.clock.Now().UTC().Add(5*time.Minute), res.ExpiresAt)

	code := f.sender.last()
	require.Len(t, code, 6)

	require.NoError(t, f.svc.Verify(ctx, "parent@example.com", code, "10.0.0.1", "test-agent"))

	// Issuance and verification both leave a trail.
	page, err := f.recorder.Query(ctx, repository.AuditQuery{Resource: models.ResourceOTP})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestOTPGenerate_RejectsUnusableIdentifier(t *testing.T) {
	ctx := context.Background()
	f := newOTPFixture(t, OTPConfig{})

	_, err := f.svc.Generate(ctx, "not an identifier", "10.0.0.1", "test-agent")
	ve, ok := apperr.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, "identifier", ve.Field)
	assert.Empty(t, f.sender.codes)
}

func TestOTPGenerate_RateLimitResetsWithWindow(t *testing.T) {
	ctx := context.Background()
	f := newOTPFixture(t, OTPConfig{})

	for i := 0; i < 3; i++ {
		_, err := f.svc.Generate(ctx, "9876543210", "10.0.0.1", "test-agent")
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	_, err := f.svc.Generate(ctx, "9876543210", "10.0.0.1", "test-agent")
	re, ok := apperr.AsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, re.RetryAfter)

	// The same caller asking for a different identifier is not throttled.
	_, err = f.svc.Generate(ctx, "parent@example.com", "10.0.0.1", "test-agent")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.svc.Generate(ctx, "9876543210", "10.0.0.1", "test-agent")
	require.NoError(t, err)
}

func TestOTPGenerate_BrokenLimiterStillIssues(t *testing.T) {
	ctx := context.Background()
	f := newOTPFixture(t, OTPConfig{})

	svc := NewOTPService(OTPConfig{}, f.otps, failingLimiter{}, testKeys(t), f.sender, f.recorder)
	svc.SetClock(f.clock.Now)

	for i := 0; i < 10; i++ {
		_, err := svc.Generate(ctx, "parent@example.com", "10.0.0.1", "test-agent")
		require.NoError(t, err)
	}
	assert.Len(t, f.sender.codes, 10)
}

func TestOTPGenerate_UndeliverableCodeIsRetired(t *testing.T) {
	ctx := context.Background()
	f := newOTPFixture(t, OTPConfig{})

	svc := NewOTPService(OTPConfig{}, f.otps, securitystore.NewMemoryStore(), testKeys(t), failingSender{}, f.recorder)
	svc.SetClock(f.clock.Now)

	_, err := svc.Generate(ctx, "parent@example.com", "10.0.0.1", "test-agent")
	require.Error(t, err)

	// The stored record must not remain live after delivery failed.
	err = f.svc.Verify(ctx, "parent@example.com", "000000", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, ErrOTPUsed)
}

func TestOTPVerify_CodeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	f := newOTPFixture(t, OTPConfig{})

	_, err := f.svc.Generate(ctx, "parent@example.com", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	code := f.sender.last()

	require.NoError(t, f.svc.Verify(ctx, "parent@example.com", code, "10.0.0.1", "test-agent"))

	err = f.svc.Verify(ctx, "parent@example.com", code, "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, ErrOTPUsed)
}

func TestOTPVerify_ExpiredCode(t *testing.T) {
	ctx := context.Background()
	f := newOTPFixture(t, OTPConfig{Expiry: 2 * time.Minute})

	_, err := f.svc.Generate(ctx, "parent@example.com", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	code := f.sender.last()

	f.clock.Advance(2*time.Minute + time.Second)

	err = f.svc.Verify(ctx, "parent@example.com", code, "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, ErrOTPExpired)
}

func TestOTPVerify_NothingIssued(t *testing.T) {
	ctx := context.Background()
	f := newOTPFixture(t, OTPConfig{})

	err := f.svc.Verify(ctx, "parent@example.com", "123456", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, ErrOTPNotFound)
}

func TestOTPVerify_AttemptsExhaust(t *testing.T) {
	ctx := context.Background()
	f := newOTPFixture(t, OTPConfig{})

	_, err := f.svc.Generate(ctx, "parent@example.com", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	code := f.sender.last()
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	err = f.svc.Verify(ctx, "parent@example.com", wrong, "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, ErrOTPInvalid)
	err = f.svc.Verify(ctx, "parent@example.com", wrong, "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, ErrOTPInvalid)
	err = f.svc.Verify(ctx, "parent@example.com", wrong, "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, ErrOTPMaxAttempts)

	// Exhausted means exhausted: the right code no longer verifies.
	err = f.svc.Verify(ctx, "parent@example.com", code, "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, ErrOTPMaxAttempts)
}

func TestOTPVerify_LatestCodeWins(t *testing.T) {
	ctx := context.Background()
	f := newOTPFixture(t, OTPConfig{})

	_, err := f.svc.Generate(ctx, "parent@example.com", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	first := f.sender.last()

	f.clock.Advance(time.Minute)
	_, err = f.svc.Generate(ctx, "parent@example.com", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	second := f.sender.last()

	if first != second {
		err = f.svc.Verify(ctx, "parent@example.com", first, "10.0.0.1", "test-agent")
		assert.ErrorIs(t, err, ErrOTPInvalid)
	}
	require.NoError(t, f.svc.Verify(ctx, "parent@example.com", second, "10.0.0.1", "test-agent"))
}

func TestOTPVerify_IdentifierFormsAgree(t *testing.T) {
	ctx := context.Background()
	f := newOTPFixture(t, OTPConfig{})

	// Issued against the international form, verified with the local one.
	_, err := f.svc.Generate(ctx, "+91 98765 43210", "10.0.0.1", "test-agent")
	require.NoError(t, err)

	require.NoError(t, f.svc.Verify(ctx, "9876543210", f.sender.last(), "10.0.0.1", "test-agent"))
}
