package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/audit-service/compliance/audit"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/util"
)

type sessionFixture struct {
	clock    *testClock
	audits   repository.AuditRepository
	sessions repository.SessionRepository
	tokens   *util.TokenManager
	recorder *audit.Recorder
	registry *SessionRegistry
}

// Session tokens are validated against the wall clock, so the fixture
// clock starts at real time instead of a fixed date.
func newSessionFixture(t *testing.T, cfg SessionConfig) *sessionFixture {
	t.Helper()

	keyring, err := util.NewKeyring([]byte("session-signing-key-0123456789ab"), nil)
	require.NoError(t, err)

	f := &sessionFixture{
		clock:    newTestClock(time.Now().UTC().Truncate(time.Second)),
		audits:   repository.NewMemoryAuditRepository(),
		sessions: repository.NewMemorySessionRepository(),
		tokens:   util.NewTokenManager(util.TokenConfig{}, keyring),
	}
	f.tokens.SetClock(f.clock.Now)

	f.recorder = audit.NewRecorder(audit.RecorderConfig{}, f.audits, nil)
	f.recorder.SetClock(f.clock.Now)

	f.registry = NewSessionRegistry(cfg, f.sessions, f.tokens, f.recorder)
	f.registry.SetClock(f.clock.Now)
	return f
}

func (f *sessionFixture) meta() SessionMetadata {
	return SessionMetadata{
		IPAddress:         "10.0.0.1",
		UserAgent:         "test-agent",
		DeviceFingerprint: "fp-abc123",
	}
}

func TestSessionCreate_MintsVerifiableToken(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{})
	userID := uuid.New()

	session, err := f.registry.Create(ctx, userID, f.meta())
	require.NoError(t, err)
	assert.Equal(t, userID, session.UserID)
	assert.Equal(t, f.clock.Now().UTC().Add(24*time.Hour), session.ExpiresAt)
	assert.Equal(t, "10.0.0.1", session.IPAddress)
	assert.Equal(t, "fp-abc123", session.DeviceFingerprint)

	claims, err := f.tokens.Parse(session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.ID.String(), claims.SessionID)
	assert.Equal(t, userID.String(), claims.Subject)

	page, err := f.recorder.Query(ctx, repository.AuditQuery{
		Action:   models.ActionCreate,
		Resource: models.ResourceSession,
	})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.NotNil(t, page.Entries[0].Payload.Session)
	assert.Equal(t, "created", page.Entries[0].Payload.Session.Event)
}

func TestSessionCreate_EvictsOldestBeyondCap(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{MaxPerUser: 3})
	userID := uuid.New()

	var created []*models.Session
	for i := 0; i < 4; i++ {
		s, err := f.registry.Create(ctx, userID, f.meta())
		require.NoError(t, err)
		created = append(created, s)
		f.clock.Advance(time.Minute)
	}

	_, err := f.registry.Get(ctx, created[0].ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	remaining, err := f.registry.ListByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	assert.Equal(t, created[1].ID, remaining[0].ID)
	assert.Equal(t, created[3].ID, remaining[2].ID)

	page, err := f.recorder.Query(ctx, repository.AuditQuery{
		Action:   models.ActionDelete,
		Resource: models.ResourceSession,
	})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.NotNil(t, page.Entries[0].ResourceID)
	assert.Equal(t, created[0].ID.String(), *page.Entries[0].ResourceID)
	require.NotNil(t, page.Entries[0].Payload.Session)
	assert.Equal(t, "evicted by session cap", page.Entries[0].Payload.Session.Reason)
}

func TestSessionTouch_SlidesExpiryForward(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{TTL: time.Hour})
	userID := uuid.New()

	session, err := f.registry.Create(ctx, userID, f.meta())
	require.NoError(t, err)
	firstExpiry := session.ExpiresAt

	// Inside the granularity window the touch is absorbed.
	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.registry.Touch(ctx, session.ID, f.meta()))

	got, err := f.registry.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, firstExpiry, got.ExpiresAt)

	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.registry.Touch(ctx, session.ID, f.meta()))

	got, err = f.registry.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().UTC().Add(time.Hour), got.ExpiresAt)

	// Only the effective extension hits the trail.
	page, err := f.recorder.Query(ctx, repository.AuditQuery{
		Action:   models.ActionUpdate,
		Resource: models.ResourceSession,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestSessionTouch_ExpiredSession(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{TTL: time.Hour})
	userID := uuid.New()

	session, err := f.registry.Create(ctx, userID, f.meta())
	require.NoError(t, err)

	f.clock.Advance(time.Hour)

	err = f.registry.Touch(ctx, session.ID, f.meta())
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSessionTouch_UnknownSession(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{})

	err := f.registry.Touch(ctx, uuid.New(), f.meta())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSessionTerminate_DeletesAndRecordsReason(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{})
	userID := uuid.New()

	session, err := f.registry.Create(ctx, userID, f.meta())
	require.NoError(t, err)

	require.NoError(t, f.registry.Terminate(ctx, session.ID, "user logout", f.meta()))

	_, err = f.registry.Get(ctx, session.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	page, err := f.recorder.Query(ctx, repository.AuditQuery{
		Action:   models.ActionDelete,
		Resource: models.ResourceSession,
	})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.NotNil(t, page.Entries[0].Payload.Session)
	assert.Equal(t, "terminated", page.Entries[0].Payload.Session.Event)
	assert.Equal(t, "user logout", page.Entries[0].Payload.Session.Reason)

	err = f.registry.Terminate(ctx, session.ID, "user logout", f.meta())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSessionListByUser_OldestFirst(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{})
	userID := uuid.New()
	other := uuid.New()

	first, err := f.registry.Create(ctx, userID, f.meta())
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.registry.Create(ctx, other, f.meta())
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.registry.Create(ctx, userID, f.meta())
	require.NoError(t, err)

	sessions, err := f.registry.ListByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, first.ID, sessions[0].ID)
	assert.Equal(t, second.ID, sessions[1].ID)
}
