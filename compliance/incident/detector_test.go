package incident

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/audit-service/compliance/audit"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/securitystore"
)

// testClock is a hand-cranked clock shared by every component in a
// fixture, so windows and TTLs move together.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
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

type incidentFixture struct {
	clock     *testClock
	audits    repository.AuditRepository
	events    repository.SecurityEventRepository
	users     repository.UserSecurityRepository
	flags     repository.ReviewFlagRepository
	store     *securitystore.MemoryStore
	recorder  *audit.Recorder
	manager   *Manager
	responder *Responder
	detector  *Detector
}

// newIncidentFixture wires the full detection pipeline against memory
// stores: recorder feeds detector, detector raises through manager,
// responder acts and records back through the recorder.
func newIncidentFixture(t *testing.T, cfg DetectorConfig) *incidentFixture {
	t.Helper()
	f := &incidentFixture{
		clock:  newTestClock(),
		audits: repository.NewMemoryAuditRepository(),
		events: repository.NewMemorySecurityEventRepository(),
		users:  repository.NewMemoryUserSecurityRepository(),
		flags:  repository.NewMemoryReviewFlagRepository(),
		store:  securitystore.NewMemoryStore(),
	}
	f.store.SetClock(f.clock.Now)

	f.recorder = audit.NewRecorder(audit.RecorderConfig{}, f.audits, nil)
	f.recorder.SetClock(f.clock.Now)

	f.manager = NewManager(f.events, f.recorder, nil)
	f.manager.SetClock(f.clock.Now)

	f.responder = NewResponder(ResponderConfig{}, f.users, f.flags, f.manager, f.recorder, f.store)
	f.responder.SetClock(f.clock.Now)

	f.detector = NewDetector(cfg, f.audits, f.manager, f.responder, f.store)
	f.detector.SetClock(f.clock.Now)

	f.recorder.SetEvaluator(f.detector)
	return f
}

func (f *incidentFixture) addUser(t *testing.T, identifier string) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	require.NoError(t, f.users.Save(context.Background(), &models.UserSecurity{
		UserID:     userID,
		Identifier: identifier,
		Role:       models.RoleUser,
		Active:     true,
		UpdatedAt:  f.clock.Now(),
	}))
	return userID
}

func (f *incidentFixture) recordFailedLogin(t *testing.T, actorID *uuid.UUID, identifier, ip string) {
	t.Helper()
	resourceID := identifier
	if actorID != nil {
		resourceID = actorID.String()
	}
	_, err := f.recorder.Record(context.Background(), audit.RecordInput{
		ActorID:    actorID,
		Action:     models.ActionLoginFailed,
		Resource:   models.ResourceUser,
		ResourceID: resourceID,
		Payload:    models.NewLoginPayload(identifier, false, "invalid code", ip),
		IPAddress:  ip,
		UserAgent:  "test-agent",
	})
	require.NoError(t, err)
}

func (f *incidentFixture) recordSuccessfulLogin(t *testing.T, actorID uuid.UUID, identifier, location string) {
	t.Helper()
	_, err := f.recorder.Record(context.Background(), audit.RecordInput{
		ActorID:    &actorID,
		Action:     models.ActionLoginSuccess,
		Resource:   models.ResourceUser,
		ResourceID: actorID.String(),
		Payload:    models.NewLoginPayload(identifier, true, "", location),
		IPAddress:  location,
		UserAgent:  "test-agent",
	})
	require.NoError(t, err)
}

func (f *incidentFixture) recordDeniedPermission(t *testing.T, actorID uuid.UUID, permission string, role models.Role) {
	t.Helper()
	_, err := f.recorder.Record(context.Background(), audit.RecordInput{
		ActorID:  &actorID,
		Action:   models.ActionPermissionDenied,
		Resource: models.ResourceAuditLog,
		Payload:  models.NewPermissionPayload(permission, false, role, "insufficient role"),
	})
	require.NoError(t, err)
}

func (f *incidentFixture) listEvents(t *testing.T, filter repository.SecurityEventFilter) []*models.SecurityEvent {
	t.Helper()
	events, err := f.events.List(context.Background(), filter)
	require.NoError(t, err)
	return events
}

func TestFailedLoginStorm_LocksAccount(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{Enabled: true})
	ctx := context.Background()

	userID := f.addUser(t, "parent1@example.com")

	// Four failures inside the window raise nothing.
	for i := 0; i < 4; i++ {
		f.recordFailedLogin(t, &userID, "parent1@example.com", "203.0.113.0/24")
		f.clock.Advance(time.Minute)
	}
	assert.Empty(t, f.listEvents(t, repository.SecurityEventFilter{}))

	// The fifth crosses the threshold.
	f.recordFailedLogin(t, &userID, "parent1@example.com", "203.0.113.0/24")

	events := f.listEvents(t, repository.SecurityEventFilter{})
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, models.EventMultipleFailedLogins, event.Type)
	assert.Equal(t, models.SeverityHigh, event.Severity)
	require.NotNil(t, event.ActorID)
	assert.Equal(t, userID, *event.ActorID)
	assert.Equal(t, "parent1@example.com", event.Details["identifier"])
	assert.Equal(t, 5, event.Details["count"])

	// The automated lock took the account out for 30 minutes.
	us, err := f.users.Get(ctx, userID)
	require.NoError(t, err)
	assert.False(t, us.Active)
	require.NotNil(t, us.LockedUntil)
	assert.Equal(t, f.clock.Now().UTC().Add(30*time.Minute), *us.LockedUntil)
	assert.Contains(t, us.LockReason, event.ID.String())

	// The event carries its response and moved to triage.
	stored, err := f.events.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusInvestigating, stored.Status)
	require.NotNil(t, stored.AutomatedResponse)
	assert.Equal(t, string(models.ResponseLockAccountTemporary), *stored.AutomatedResponse)

	// The lock itself is on the audit trail.
	page, err := f.recorder.Query(ctx, repository.AuditQuery{
		Action:   models.ActionUpdate,
		Resource: models.ResourceUserSecurity,
	})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.NotNil(t, page.Entries[0].Payload.Response)
	assert.Equal(t, models.ResponseLockAccountTemporary, page.Entries[0].Payload.Response.ResponseType)
	assert.Equal(t, event.ID.String(), page.Entries[0].Payload.Response.EventID)
}

func TestFailedLoginStorm_OpenEventSuppressesRepeats(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{Enabled: true})

	userID := f.addUser(t, "parent1@example.com")
	for i := 0; i < 5; i++ {
		f.recordFailedLogin(t, &userID, "parent1@example.com", "203.0.113.0/24")
	}
	require.Len(t, f.listEvents(t, repository.SecurityEventFilter{}), 1)

	// Continued abuse rides the open event.
	f.clock.Advance(time.Minute)
	f.recordFailedLogin(t, &userID, "parent1@example.com", "203.0.113.0/24")
	assert.Len(t, f.listEvents(t, repository.SecurityEventFilter{}), 1)

	// Once closed, fresh abuse raises a fresh event.
	events := f.listEvents(t, repository.SecurityEventFilter{})
	require.NoError(t, f.manager.Resolve(context.Background(), events[0].ID, models.EventStatusResolved, nil))

	f.clock.Advance(time.Minute)
	f.recordFailedLogin(t, &userID, "parent1@example.com", "203.0.113.0/24")
	assert.Len(t, f.listEvents(t, repository.SecurityEventFilter{}), 2)
}

func TestFailedLoginStorm_WindowExpires(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{Enabled: true})

	userID := f.addUser(t, "parent1@example.com")
	for i := 0; i < 4; i++ {
		f.recordFailedLogin(t, &userID, "parent1@example.com", "203.0.113.0/24")
	}

	// The window slides past the earlier failures.
	f.clock.Advance(16 * time.Minute)
	f.recordFailedLogin(t, &userID, "parent1@example.com", "203.0.113.0/24")

	assert.Empty(t, f.listEvents(t, repository.SecurityEventFilter{}))
}

func TestFailedLoginStorm_UnattributedTrackedByIdentifier(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{Enabled: true})

	// Nobody matches the identifier, so there is no actor to lock.
	for i := 0; i < 5; i++ {
		f.recordFailedLogin(t, nil, "ghost@example.com", "203.0.113.0/24")
	}

	events := f.listEvents(t, repository.SecurityEventFilter{})
	require.Len(t, events, 1)
	assert.Nil(t, events[0].ActorID)
	assert.Equal(t, models.EventStatusDetected, events[0].Status)
	assert.Nil(t, events[0].AutomatedResponse)

	// Same identifier is suppressed by the open event.
	f.recordFailedLogin(t, nil, "ghost@example.com", "203.0.113.0/24")
	assert.Len(t, f.listEvents(t, repository.SecurityEventFilter{}), 1)

	// A different identifier under attack gets its own event.
	for i := 0; i < 5; i++ {
		f.recordFailedLogin(t, nil, "other@example.com", "203.0.113.0/24")
	}
	assert.Len(t, f.listEvents(t, repository.SecurityEventFilter{}), 2)
}

func TestDetector_DisabledEvaluatesNothing(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{Enabled: false})

	userID := f.addUser(t, "parent1@example.com")
	for i := 0; i < 6; i++ {
		f.recordFailedLogin(t, &userID, "parent1@example.com", "203.0.113.0/24")
	}

	assert.Empty(t, f.listEvents(t, repository.SecurityEventFilter{}))
}

func TestUnusualLocation_NewLocationRequiresMFA(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{Enabled: true})
	ctx := context.Background()

	userID := f.addUser(t, "teacher@example.com")

	// First login establishes the baseline silently.
	f.recordSuccessfulLogin(t, userID, "teacher@example.com", "203.0.113.0/24")
	assert.Empty(t, f.listEvents(t, repository.SecurityEventFilter{}))

	// A repeat from the same place stays quiet.
	f.clock.Advance(time.Hour)
	f.recordSuccessfulLogin(t, userID, "teacher@example.com", "203.0.113.0/24")
	assert.Empty(t, f.listEvents(t, repository.SecurityEventFilter{}))

	// A new location raises the event and forces MFA.
	f.clock.Advance(time.Hour)
	f.recordSuccessfulLogin(t, userID, "teacher@example.com", "198.51.100.0/24")

	events := f.listEvents(t, repository.SecurityEventFilter{})
	require.Len(t, events, 1)
	assert.Equal(t, models.EventUnusualLocation, events[0].Type)
	assert.Equal(t, models.SeverityMedium, events[0].Severity)
	assert.Equal(t, "198.51.100.0/24", events[0].Details["location"])

	us, err := f.users.Get(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, us.MFARequiredUntil)
	assert.Equal(t, f.clock.Now().UTC().Add(24*time.Hour), *us.MFARequiredUntil)

	// The new location is remembered; logging in from it again is
	// normal.
	f.clock.Advance(time.Hour)
	f.recordSuccessfulLogin(t, userID, "teacher@example.com", "198.51.100.0/24")
	assert.Len(t, f.listEvents(t, repository.SecurityEventFilter{}), 1)
}

func TestUnusualLocation_UnknownLocationSkipped(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{Enabled: true})

	userID := f.addUser(t, "teacher@example.com")
	f.recordSuccessfulLogin(t, userID, "teacher@example.com", "203.0.113.0/24")

	// Entries without a usable location cannot trip the rule.
	f.clock.Advance(time.Hour)
	_, err := f.recorder.Record(context.Background(), audit.RecordInput{
		ActorID:    &userID,
		Action:     models.ActionLoginSuccess,
		Resource:   models.ResourceUser,
		ResourceID: userID.String(),
		Payload:    models.NewLoginPayload("teacher@example.com", true, "", ""),
	})
	require.NoError(t, err)

	assert.Empty(t, f.listEvents(t, repository.SecurityEventFilter{}))
}

func TestPrivilegeProbing_RepeatedAdminDenialsFlagged(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{Enabled: true})
	ctx := context.Background()

	userID := f.addUser(t, "parent1@example.com")

	f.recordDeniedPermission(t, userID, "audit:read", models.RoleAdmin)
	f.clock.Advance(time.Minute)
	f.recordDeniedPermission(t, userID, "audit:export", models.RoleSuperAdmin)
	assert.Empty(t, f.listEvents(t, repository.SecurityEventFilter{}))

	f.clock.Advance(time.Minute)
	f.recordDeniedPermission(t, userID, "security:triage", models.RoleAdmin)

	events := f.listEvents(t, repository.SecurityEventFilter{})
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, models.EventPrivilegeEscalation, event.Type)
	assert.Equal(t, models.SeverityHigh, event.Severity)

	flags, err := f.flags.ListOpen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, event.ID, flags[0].EventID)
	assert.Equal(t, models.SeverityHigh, flags[0].Priority)

	// A fourth denial rides the open event.
	f.clock.Advance(time.Minute)
	f.recordDeniedPermission(t, userID, "audit:read", models.RoleAdmin)
	assert.Len(t, f.listEvents(t, repository.SecurityEventFilter{}), 1)
}

func TestPrivilegeProbing_UserLevelDenialsIgnored(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{Enabled: true})

	userID := f.addUser(t, "parent1@example.com")
	for i := 0; i < 4; i++ {
		f.recordDeniedPermission(t, userID, "sessions:list", models.RoleUser)
		f.clock.Advance(time.Minute)
	}

	assert.Empty(t, f.listEvents(t, repository.SecurityEventFilter{}))
}

func TestEvaluate_SkipsIncidentMachineryEntries(t *testing.T) {
	f := newIncidentFixture(t, DetectorConfig{Enabled: true})
	ctx := context.Background()

	responseEntry := &models.AuditEntry{
		ID:      uuid.New(),
		Action:  models.ActionUpdate,
		Payload: models.NewResponseActionPayload(uuid.NewString(), models.ResponseRequireMFA, "applied"),
	}
	events, err := f.detector.Evaluate(ctx, responseEntry)
	require.NoError(t, err)
	assert.Nil(t, events)

	eventEntry := &models.AuditEntry{
		ID:      uuid.New(),
		Action:  models.ActionCreate,
		Payload: models.NewSecurityEventPayload(uuid.NewString(), models.EventMFALockout, models.SeverityMedium),
	}
	events, err = f.detector.Evaluate(ctx, eventEntry)
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestEmit_BypassesPassiveEvaluation(t *testing.T) {
	// Emit carries externally detected events even with evaluation off.
	f := newIncidentFixture(t, DetectorConfig{Enabled: false})
	ctx := context.Background()

	userID := f.addUser(t, "parent1@example.com")
	err := f.detector.Emit(ctx, &models.SecurityEvent{
		Type:        models.EventMFALockout,
		Severity:    models.SeverityMedium,
		ActorID:     &userID,
		Description: "5 failed MFA attempts",
	})
	require.NoError(t, err)

	events := f.listEvents(t, repository.SecurityEventFilter{})
	require.Len(t, events, 1)
	assert.Equal(t, models.EventMFALockout, events[0].Type)

	flags, err := f.flags.ListOpen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, events[0].ID, flags[0].EventID)
}
