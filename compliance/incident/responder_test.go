package incident

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
)

// failingClaims simulates a claim store outage.
type failingClaims struct{}

func (failingClaims) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, errors.New("claim store unreachable")
}

func (f *incidentFixture) createEvent(t *testing.T, event *models.SecurityEvent) *models.SecurityEvent {
	t.Helper()
	require.NoError(t, f.manager.CreateEvent(context.Background(), event))
	return event
}

func TestDispatch_LockAccountTemporary(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{})
	ctx := context.Background()

	userID := f.addUser(t, "parent1@example.com")
	event := f.createEvent(t, &models.SecurityEvent{
		Type:     models.EventMultipleFailedLogins,
		Severity: models.SeverityHigh,
		ActorID:  &userID,
	})

	require.NoError(t, f.responder.Dispatch(ctx, event, models.ResponseLockAccountTemporary))

	us, err := f.users.Get(ctx, userID)
	require.NoError(t, err)
	assert.False(t, us.Active)
	require.NotNil(t, us.LockedUntil)
	assert.Equal(t, f.clock.Now().UTC().Add(30*time.Minute), *us.LockedUntil)

	stored, err := f.events.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusInvestigating, stored.Status)
	require.NotNil(t, stored.AutomatedResponse)
	assert.Equal(t, string(models.ResponseLockAccountTemporary), *stored.AutomatedResponse)
}

func TestDispatch_CustomLockDuration(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{})
	ctx := context.Background()

	responder := NewResponder(ResponderConfig{LockDuration: 10 * time.Minute},
		f.users, f.flags, f.manager, f.recorder, f.store)
	responder.SetClock(f.clock.Now)

	userID := f.addUser(t, "parent1@example.com")
	event := f.createEvent(t, &models.SecurityEvent{
		Type:     models.EventMultipleFailedLogins,
		Severity: models.SeverityHigh,
		ActorID:  &userID,
	})

	require.NoError(t, responder.Dispatch(ctx, event, models.ResponseLockAccountTemporary))

	us, err := f.users.Get(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, us.LockedUntil)
	assert.Equal(t, f.clock.Now().UTC().Add(10*time.Minute), *us.LockedUntil)
}

func TestDispatch_RequireMFA(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{})
	ctx := context.Background()

	userID := f.addUser(t, "teacher@example.com")
	event := f.createEvent(t, &models.SecurityEvent{
		Type:     models.EventUnusualLocation,
		Severity: models.SeverityMedium,
		ActorID:  &userID,
	})

	require.NoError(t, f.responder.Dispatch(ctx, event, models.ResponseRequireMFA))

	us, err := f.users.Get(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, us.MFARequiredUntil)
	assert.Equal(t, f.clock.Now().UTC().Add(24*time.Hour), *us.MFARequiredUntil)
	// Forcing MFA must not lock anyone out.
	assert.True(t, us.Active)
	assert.Nil(t, us.LockedUntil)
}

func TestDispatch_FlagForReview(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{})
	ctx := context.Background()

	userID := f.addUser(t, "parent1@example.com")
	event := f.createEvent(t, &models.SecurityEvent{
		Type:     models.EventPrivilegeEscalation,
		Severity: models.SeverityHigh,
		ActorID:  &userID,
	})

	require.NoError(t, f.responder.Dispatch(ctx, event, models.ResponseFlagForReview))

	flags, err := f.flags.ListOpen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, event.ID, flags[0].EventID)
	assert.Equal(t, models.SeverityHigh, flags[0].Priority)
	require.NotNil(t, flags[0].ActorID)
	assert.Equal(t, userID, *flags[0].ActorID)
}

func TestDispatch_RepeatIsNoOp(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{})
	ctx := context.Background()

	userID := f.addUser(t, "parent1@example.com")
	event := f.createEvent(t, &models.SecurityEvent{
		Type:     models.EventMultipleFailedLogins,
		Severity: models.SeverityHigh,
		ActorID:  &userID,
	})

	require.NoError(t, f.responder.Dispatch(ctx, event, models.ResponseLockAccountTemporary))
	first, err := f.users.Get(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, first.LockedUntil)

	// A later replay inside the idempotency window changes nothing: the
	// lock deadline stays where the first dispatch put it.
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.responder.Dispatch(ctx, event, models.ResponseLockAccountTemporary))

	second, err := f.users.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, *first.LockedUntil, *second.LockedUntil)

	// And the trail shows a single response action.
	page, err := f.recorder.Query(ctx, repository.AuditQuery{
		Action:   models.ActionUpdate,
		Resource: models.ResourceUserSecurity,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestDispatch_DistinctResponsesBothApply(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{})
	ctx := context.Background()

	userID := f.addUser(t, "parent1@example.com")
	event := f.createEvent(t, &models.SecurityEvent{
		Type:     models.EventSuspiciousLogin,
		Severity: models.SeverityHigh,
		ActorID:  &userID,
	})

	require.NoError(t, f.responder.Dispatch(ctx, event, models.ResponseRequireMFA))
	require.NoError(t, f.responder.Dispatch(ctx, event, models.ResponseFlagForReview))

	us, err := f.users.Get(ctx, userID)
	require.NoError(t, err)
	assert.NotNil(t, us.MFARequiredUntil)

	flags, err := f.flags.ListOpen(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, flags, 1)
}

func TestDispatch_RejectsUnknownResponse(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{})

	userID := f.addUser(t, "parent1@example.com")
	event := f.createEvent(t, &models.SecurityEvent{
		Type:     models.EventMultipleFailedLogins,
		Severity: models.SeverityHigh,
		ActorID:  &userID,
	})

	err := f.responder.Dispatch(context.Background(), event, models.ResponseType("NUKE_FROM_ORBIT"))
	ve, ok := apperr.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, "responseType", ve.Field)
}

func TestDispatch_AccountResponsesNeedActor(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{})
	ctx := context.Background()

	event := f.createEvent(t, &models.SecurityEvent{
		Type:     models.EventMultipleFailedLogins,
		Severity: models.SeverityHigh,
	})

	for _, response := range []models.ResponseType{
		models.ResponseLockAccountTemporary,
		models.ResponseRequireMFA,
	} {
		err := f.responder.Dispatch(ctx, event, response)
		ve, ok := apperr.AsValidation(err)
		require.True(t, ok, "response %s", response)
		assert.Equal(t, "actorId", ve.Field)
	}

	// Flagging needs no actor.
	require.NoError(t, f.responder.Dispatch(ctx, event, models.ResponseFlagForReview))
	flags, err := f.flags.ListOpen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Nil(t, flags[0].ActorID)
}

func TestDispatch_BrokenClaimStoreStillResponds(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{})
	ctx := context.Background()

	responder := NewResponder(ResponderConfig{}, f.users, f.flags, f.manager, f.recorder, failingClaims{})
	responder.SetClock(f.clock.Now)

	userID := f.addUser(t, "parent1@example.com")
	event := f.createEvent(t, &models.SecurityEvent{
		Type:     models.EventMultipleFailedLogins,
		Severity: models.SeverityHigh,
		ActorID:  &userID,
	})

	require.NoError(t, responder.Dispatch(ctx, event, models.ResponseLockAccountTemporary))

	us, err := f.users.Get(ctx, userID)
	require.NoError(t, err)
	assert.False(t, us.Active)
}
