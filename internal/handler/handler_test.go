package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/audit-service/compliance/audit"
	"github.com/ComUnity/audit-service/compliance/incident"
	"github.com/ComUnity/audit-service/internal/middleware"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/securitystore"
	"github.com/ComUnity/audit-service/internal/service"
	"github.com/ComUnity/audit-service/internal/util"
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

// testEnv is the full HTTP surface over memory stores, mirroring the
// production wiring. Session tokens are validated against the wall
// clock, so the fixture clock starts at real time instead of a fixed
// date.
type testEnv struct {
	clock    *testClock
	sender   *captureSender
	audits   repository.AuditRepository
	users    repository.UserSecurityRepository
	flags    repository.ReviewFlagRepository
	recorder *audit.Recorder
	verifier *audit.Verifier
	tokens   *util.TokenManager
	otp      *service.OTPService
	mfa      *service.MFAProvider
	sessions *service.SessionRegistry
	manager  *incident.Manager
	router   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		clock:  newTestClock(time.Now().UTC().Truncate(time.Second)),
		sender: &captureSender{},
		audits: repository.NewMemoryAuditRepository(),
		users:  repository.NewMemoryUserSecurityRepository(),
		flags:  repository.NewMemoryReviewFlagRepository(),
	}

	env.recorder = audit.NewRecorder(audit.RecorderConfig{}, env.audits, nil)
	env.recorder.SetClock(env.clock.Now)
	env.verifier = audit.NewVerifier(audit.VerifierConfig{}, env.audits)
	env.verifier.SetClock(env.clock.Now)

	enc := base64.StdEncoding.EncodeToString
	keys, err := security.NewStaticKeySource(map[string]string{
		security.KeyOTPHash:    enc([]byte("otp-hash-key-for-tests-0123456789")),
		security.KeyBackupCode: enc([]byte("backup-code-key-for-tests-0123456789")),
	})
	require.NoError(t, err)

	store := securitystore.NewMemoryStore()
	store.SetClock(env.clock.Now)

	env.otp = service.NewOTPService(service.OTPConfig{}, repository.NewMemoryOTPRepository(), store, keys, env.sender, env.recorder)
	env.otp.SetClock(env.clock.Now)

	env.mfa = service.NewMFAProvider(service.MFAConfig{}, repository.NewMemoryMFARepository(), env.users, keys, env.recorder, nil)
	env.mfa.SetClock(env.clock.Now)

	keyring, err := util.NewKeyring([]byte("0123456789abcdef0123456789abcdef"), nil)
	require.NoError(t, err)
	env.tokens = util.NewTokenManager(util.TokenConfig{Audience: []string{"platform"}}, keyring)
	env.tokens.SetClock(env.clock.Now)

	env.sessions = service.NewSessionRegistry(service.SessionConfig{}, repository.NewMemorySessionRepository(), env.tokens, env.recorder)
	env.sessions.SetClock(env.clock.Now)

	env.manager = incident.NewManager(repository.NewMemorySecurityEventRepository(), env.recorder, nil)
	env.manager.SetClock(env.clock.Now)

	env.router = newTestRouter(env)
	return env
}

// newTestRouter mounts the handlers the way main does, minus the role
// gate; role enforcement has its own coverage in the middleware
// package.
func newTestRouter(env *testEnv) http.Handler {
	otpHandler := NewOTPHandler(env.otp)
	loginHandler := NewLoginHandler(env.users, env.otp, env.mfa, env.sessions, env.recorder)
	loginHandler.SetClock(env.clock.Now)
	sessionHandler := NewSessionHandler(env.sessions)
	mfaHandler := NewMFAHandler(env.mfa)
	auditHandler := NewAuditHandler(env.recorder, env.verifier)
	securityHandler := NewSecurityHandler(env.manager, env.flags)

	r := chi.NewRouter()
	r.Post("/v1/otp/generate", otpHandler.Generate)
	r.Post("/v1/otp/verify", otpHandler.Verify)
	r.Post("/v1/login", loginHandler.Login)

	r.Group(func(pr chi.Router) {
		pr.Use(middleware.Authenticator(env.tokens, env.sessions))
		pr.Get("/v1/sessions", sessionHandler.ListSessions)
		pr.Delete("/v1/sessions/{id}", sessionHandler.TerminateSession)
		pr.Post("/v1/logout", sessionHandler.Logout)
		pr.Post("/v1/mfa/setup", mfaHandler.Setup)
		pr.Post("/v1/mfa/verify", mfaHandler.Verify)
	})

	r.Get("/v1/audit/entries", auditHandler.ListEntries)
	r.Get("/v1/audit/entries/{id}", auditHandler.GetEntry)
	r.Post("/v1/audit/entries/{id}/verify", auditHandler.VerifyEntry)
	r.Post("/v1/audit/verify", auditHandler.VerifyBatch)
	r.Get("/v1/audit/export", auditHandler.Export)
	r.Get("/v1/security/events", securityHandler.ListEvents)
	r.Get("/v1/security/events/{id}", securityHandler.GetEvent)
	r.Post("/v1/security/events/{id}/resolve", securityHandler.ResolveEvent)
	r.Get("/v1/security/review-flags", securityHandler.ListReviewFlags)
	r.Post("/v1/security/review-flags/{id}/review", securityHandler.ReviewFlag)
	return r
}

func (env *testEnv) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "test-agent")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func errMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "response carries no error object: %s", rec.Body.String())
	msg, _ := e["message"].(string)
	return msg
}

func (env *testEnv) seedUser(t *testing.T, identifier string, role models.Role) *models.UserSecurity {
	t.Helper()
	us := &models.UserSecurity{
		UserID:     uuid.New(),
		Identifier: identifier,
		Role:       role,
		Active:     true,
		UpdatedAt:  env.clock.Now().UTC(),
	}
	require.NoError(t, env.users.Save(context.Background(), us))
	return us
}

// issueCode requests a fresh one-time code and returns the plaintext
// the capture sender saw.
func (env *testEnv) issueCode(t *testing.T, identifier string) string {
	t.Helper()
	_, err := env.otp.Generate(context.Background(), identifier, "10.0.0.1", "test-agent")
	require.NoError(t, err)
	return env.sender.last()
}
