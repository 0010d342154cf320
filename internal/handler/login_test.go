package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
)

func TestLogin_IssuesVerifiableSessionToken(t *testing.T) {
	env := newTestEnv(t)
	us := env.seedUser(t, "parent@example.com", models.RoleUser)
	code := env.issueCode(t, "parent@example.com")

	rec := env.do(t, http.MethodPost, "/v1/login", "", map[string]string{
		"identifier": "parent@example.com",
		"code":       code,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, us.UserID.String(), body["userId"])
	assert.Equal(t, "USER", body["role"])

	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	claims, err := env.tokens.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, body["sessionId"], claims.SessionID)
	assert.Equal(t, us.UserID.String(), claims.Subject)

	page, err := env.recorder.Query(context.Background(), repository.AuditQuery{Action: models.ActionLoginSuccess})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.NotNil(t, page.Entries[0].ActorID)
	assert.Equal(t, us.UserID, *page.Entries[0].ActorID)
}

func TestLogin_UnknownIdentifierLeavesUnattributedTrail(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/login", "", map[string]string{
		"identifier": "stranger@example.com",
		"code":       "123456",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid credentials", errMessage(t, rec))

	page, err := env.recorder.Query(context.Background(), repository.AuditQuery{Action: models.ActionLoginFailed})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	entry := page.Entries[0]
	assert.Nil(t, entry.ActorID)
	require.NotNil(t, entry.Payload.Login)
	assert.Equal(t, "unknown identifier", entry.Payload.Login.Reason)
	assert.Equal(t, "stranger@example.com", entry.Payload.Login.Identifier)
}

func TestLogin_WrongCodeHidesTheReason(t *testing.T) {
	env := newTestEnv(t)
	us := env.seedUser(t, "parent@example.com", models.RoleUser)
	code := env.issueCode(t, "parent@example.com")
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	rec := env.do(t, http.MethodPost, "/v1/login", "", map[string]string{
		"identifier": "parent@example.com",
		"code":       wrong,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	// The caller sees a generic refusal; the trail keeps the detail.
	assert.Equal(t, "invalid credentials", errMessage(t, rec))

	page, err := env.recorder.Query(context.Background(), repository.AuditQuery{Action: models.ActionLoginFailed})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.NotNil(t, page.Entries[0].ActorID)
	assert.Equal(t, us.UserID, *page.Entries[0].ActorID)
	require.NotNil(t, page.Entries[0].Payload.Login)
	assert.Equal(t, "otp code mismatch", page.Entries[0].Payload.Login.Reason)
}

func TestLogin_LockedAccountIsRefusedBeforeBurningCodes(t *testing.T) {
	env := newTestEnv(t)
	us := env.seedUser(t, "parent@example.com", models.RoleUser)
	until := env.clock.Now().UTC().Add(30 * time.Minute)
	us.LockedUntil = &until
	require.NoError(t, env.users.Save(context.Background(), us))

	code := env.issueCode(t, "parent@example.com")

	rec := env.do(t, http.MethodPost, "/v1/login", "", map[string]string{
		"identifier": "parent@example.com",
		"code":       code,
	})
	require.Equal(t, http.StatusLocked, rec.Code)
	body := decodeBody(t, rec)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, e["lockedUntil"])

	// The code survived the refused attempt and still works once the
	// lock is lifted.
	us.LockedUntil = nil
	require.NoError(t, env.users.Save(context.Background(), us))
	rec = env.do(t, http.MethodPost, "/v1/login", "", map[string]string{
		"identifier": "parent@example.com",
		"code":       code,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestLogin_DisabledAccount(t *testing.T) {
	env := newTestEnv(t)
	us := env.seedUser(t, "parent@example.com", models.RoleUser)
	us.Active = false
	require.NoError(t, env.users.Save(context.Background(), us))
	code := env.issueCode(t, "parent@example.com")

	rec := env.do(t, http.MethodPost, "/v1/login", "", map[string]string{
		"identifier": "parent@example.com",
		"code":       code,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "account disabled", errMessage(t, rec))
}

func TestLogin_RejectsMalformedInput(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/login", "", map[string]string{
		"identifier": "not an identifier",
		"code":       "123456",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/login", "", map[string]string{
		"identifier": "parent@example.com",
		"code":       "",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_SuperAdminMustPresentMFAToken(t *testing.T) {
	env := newTestEnv(t)
	us := env.seedUser(t, "admin@example.com", models.RoleSuperAdmin)
	setup, err := env.mfa.Setup(context.Background(), us.UserID, "10.0.0.1", "test-agent")
	require.NoError(t, err)

	code := env.issueCode(t, "admin@example.com")
	rec := env.do(t, http.MethodPost, "/v1/login", "", map[string]string{
		"identifier": "admin@example.com",
		"code":       code,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["mfaRequired"])

	// The challenge burned the code; a fresh one plus a backup code
	// completes the login.
	code = env.issueCode(t, "admin@example.com")
	rec = env.do(t, http.MethodPost, "/v1/login", "", map[string]string{
		"identifier": "admin@example.com",
		"code":       code,
		"mfaToken":   setup.BackupCodes[0],
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestLogin_WrongMFAToken(t *testing.T) {
	env := newTestEnv(t)
	us := env.seedUser(t, "admin@example.com", models.RoleSuperAdmin)
	_, err := env.mfa.Setup(context.Background(), us.UserID, "10.0.0.1", "test-agent")
	require.NoError(t, err)

	code := env.issueCode(t, "admin@example.com")
	rec := env.do(t, http.MethodPost, "/v1/login", "", map[string]string{
		"identifier": "admin@example.com",
		"code":       code,
		"mfaToken":   "XXXX-XXXX",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid credentials", errMessage(t, rec))

	page, err := env.recorder.Query(context.Background(), repository.AuditQuery{Action: models.ActionLoginFailed})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.NotNil(t, page.Entries[0].Payload.Login)
	assert.Equal(t, "mfa token mismatch", page.Entries[0].Payload.Login.Reason)
}

func TestLogin_MFARequiredButNotEnrolledProceeds(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "admin@example.com", models.RoleSuperAdmin)
	code := env.issueCode(t, "admin@example.com")

	rec := env.do(t, http.MethodPost, "/v1/login", "", map[string]string{
		"identifier": "admin@example.com",
		"code":       code,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}
