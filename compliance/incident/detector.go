package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/securitystore"
	"github.com/ComUnity/audit-service/internal/util/logger"
	"github.com/google/uuid"
)

// DetectorConfig holds the detection thresholds and windows. Zero values
// are clamped to the documented defaults in NewDetector.
type DetectorConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	FailedLoginThreshold    int           `yaml:"failed_login_threshold"`    // default 5
	FailedLoginWindow       time.Duration `yaml:"failed_login_window"`       // default 15m
	PrivEscalationThreshold int           `yaml:"priv_escalation_threshold"` // default 3
	PrivEscalationWindow    time.Duration `yaml:"priv_escalation_window"`    // default 1h
	LocationLookback        time.Duration `yaml:"location_lookback"`         // default 720h
}

var adminRoles = []models.Role{models.RoleAdmin, models.RoleSuperAdmin}

// Detector evaluates freshly recorded audit entries against the
// detection rules. Windows are computed by range scans against the
// audit store, never in-process counters, so detection stays correct
// across instances.
type Detector struct {
	config    DetectorConfig
	audits    repository.AuditRepository
	manager   *Manager
	responder *Responder
	locations securitystore.LocationStore
	now       func() time.Time
}

// NewDetector builds a Detector with clamped defaults. A nil responder
// turns off automated responses and leaves detection on.
func NewDetector(
	cfg DetectorConfig,
	audits repository.AuditRepository,
	manager *Manager,
	responder *Responder,
	locations securitystore.LocationStore,
) *Detector {
	if cfg.FailedLoginThreshold <= 0 {
		cfg.FailedLoginThreshold = 5
	}
	if cfg.FailedLoginWindow <= 0 {
		cfg.FailedLoginWindow = 15 * time.Minute
	}
	if cfg.PrivEscalationThreshold <= 0 {
		cfg.PrivEscalationThreshold = 3
	}
	if cfg.PrivEscalationWindow <= 0 {
		cfg.PrivEscalationWindow = time.Hour
	}
	if cfg.LocationLookback <= 0 {
		cfg.LocationLookback = 30 * 24 * time.Hour
	}
	return &Detector{
		config:    cfg,
		audits:    audits,
		manager:   manager,
		responder: responder,
		locations: locations,
		now:       time.Now,
	}
}

// SetClock replaces the clock. Test hook.
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// Evaluate runs the detection rules against one recorded entry and
// returns any security events it raised. Entries produced by the
// incident machinery itself are skipped so responses and event records
// cannot feed back into detection.
func (d *Detector) Evaluate(ctx context.Context, entry *models.AuditEntry) ([]*models.SecurityEvent, error) {
	if !d.config.Enabled {
		return nil, nil
	}
	switch entry.Payload.Category {
	case models.PayloadResponseAction, models.PayloadSecurityEvent:
		return nil, nil
	}

	var (
		event *models.SecurityEvent
		err   error
	)
	switch {
	case entry.Action == models.ActionLoginFailed && entry.Payload.Login != nil:
		event, err = d.checkFailedLogins(ctx, entry)
	case entry.Action == models.ActionLoginSuccess && entry.Payload.Login != nil:
		event, err = d.checkLoginLocation(ctx, entry)
	case entry.Action == models.ActionPermissionDenied && entry.Payload.Permission != nil:
		event, err = d.checkPrivilegeProbing(ctx, entry)
	}
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, nil
	}

	if err := d.manager.CreateEvent(ctx, event); err != nil {
		return nil, err
	}
	d.respond(ctx, event)
	return []*models.SecurityEvent{event}, nil
}

// Emit records an externally detected event (the MFA provider raises
// MFA_LOCKOUT this way) and dispatches its mapped response. Emit works
// even when passive evaluation is disabled.
func (d *Detector) Emit(ctx context.Context, event *models.SecurityEvent) error {
	if err := d.manager.CreateEvent(ctx, event); err != nil {
		return err
	}
	d.respond(ctx, event)
	return nil
}

func (d *Detector) checkFailedLogins(ctx context.Context, entry *models.AuditEntry) (*models.SecurityEvent, error) {
	login := entry.Payload.Login
	since := d.now().UTC().Add(-d.config.FailedLoginWindow)

	count, err := d.audits.CountLoginFailures(ctx, login.Identifier, since)
	if err != nil {
		return nil, apperr.NewSystem("detector.count_login_failures", err)
	}
	if count < d.config.FailedLoginThreshold {
		return nil, nil
	}
	if d.suppressed(ctx, models.EventMultipleFailedLogins, entry.ActorID, login.Identifier, since) {
		return nil, nil
	}
	return &models.SecurityEvent{
		Type:        models.EventMultipleFailedLogins,
		Severity:    models.SeverityHigh,
		ActorID:     entry.ActorID,
		Description: fmt.Sprintf("%d failed logins within %s", count, d.config.FailedLoginWindow),
		Details: models.JSONMap{
			"identifier": login.Identifier,
			"count":      count,
			"window":     d.config.FailedLoginWindow.String(),
			"ipAddress":  entry.IPAddress,
		},
	}, nil
}

func (d *Detector) checkLoginLocation(ctx context.Context, entry *models.AuditEntry) (*models.SecurityEvent, error) {
	if entry.ActorID == nil {
		return nil, nil
	}
	login := entry.Payload.Login
	location := login.Location
	if location == "" {
		location = entry.IPAddress
	}
	if location == "" || location == "unknown" {
		return nil, nil
	}
	uid := entry.ActorID.String()

	seen, err := d.locations.Seen(ctx, uid, location)
	if err != nil {
		// A broken location cache reads as cold; the audit store
		// below still answers.
		logger.Warn("Location lookup failed, falling back to audit store", "error", err)
	}
	if seen {
		d.remember(ctx, uid, location)
		return nil, nil
	}

	since := d.now().UTC().Add(-d.config.LocationLookback)
	known, err := d.audits.DistinctLoginLocations(ctx, *entry.ActorID, since, entry.ID)
	if err != nil {
		return nil, apperr.NewSystem("detector.login_locations", err)
	}
	for _, l := range known {
		d.remember(ctx, uid, l)
	}
	d.remember(ctx, uid, location)

	if len(known) == 0 {
		// First login inside the lookback establishes the baseline
		// instead of alarming.
		return nil, nil
	}
	for _, l := range known {
		if l == location {
			return nil, nil
		}
	}
	return &models.SecurityEvent{
		Type:        models.EventUnusualLocation,
		Severity:    models.SeverityMedium,
		ActorID:     entry.ActorID,
		Description: fmt.Sprintf("login from a location not seen in the last %s", d.config.LocationLookback),
		Details: models.JSONMap{
			"location":  location,
			"ipAddress": entry.IPAddress,
		},
	}, nil
}

// remember warms the location cache. TTL matches the lookback so the
// cache can never outlive what the audit store would answer.
func (d *Detector) remember(ctx context.Context, userID, location string) {
	if err := d.locations.Remember(ctx, userID, location, d.config.LocationLookback); err != nil {
		logger.Warn("Failed to cache login location", "user_id", userID, "error", err)
	}
}

func (d *Detector) checkPrivilegeProbing(ctx context.Context, entry *models.AuditEntry) (*models.SecurityEvent, error) {
	perm := entry.Payload.Permission
	if perm.Granted || entry.ActorID == nil {
		return nil, nil
	}
	if perm.ResourceRole != models.RoleAdmin && perm.ResourceRole != models.RoleSuperAdmin {
		return nil, nil
	}
	since := d.now().UTC().Add(-d.config.PrivEscalationWindow)

	count, err := d.audits.CountPermissionDenied(ctx, *entry.ActorID, adminRoles, since)
	if err != nil {
		return nil, apperr.NewSystem("detector.count_permission_denied", err)
	}
	if count < d.config.PrivEscalationThreshold {
		return nil, nil
	}
	if d.suppressed(ctx, models.EventPrivilegeEscalation, entry.ActorID, "", since) {
		return nil, nil
	}
	return &models.SecurityEvent{
		Type:        models.EventPrivilegeEscalation,
		Severity:    models.SeverityHigh,
		ActorID:     entry.ActorID,
		Description: fmt.Sprintf("%d denied admin-level permission checks within %s", count, d.config.PrivEscalationWindow),
		Details: models.JSONMap{
			"count":      count,
			"window":     d.config.PrivEscalationWindow.String(),
			"permission": perm.Permission,
		},
	}, nil
}

// suppressed reports whether an open event of the same type already
// covers this actor, or this identifier for unattributed logins, inside
// the window. Continued abuse rides the existing event instead of
// minting one per entry.
func (d *Detector) suppressed(ctx context.Context, t models.SecurityEventType, actorID *uuid.UUID, identifier string, since time.Time) bool {
	events, err := d.manager.List(ctx, repository.SecurityEventFilter{
		Type:    t,
		ActorID: actorID,
		Since:   &since,
		Limit:   50,
	})
	if err != nil {
		logger.Warn("Suppression lookup failed", "type", t, "error", err)
		return false
	}
	for _, ev := range events {
		if ev.Status != models.EventStatusDetected && ev.Status != models.EventStatusInvestigating {
			continue
		}
		if actorID == nil && identifier != "" {
			got, _ := ev.Details["identifier"].(string)
			if got != identifier {
				continue
			}
		}
		return true
	}
	return false
}

func (d *Detector) respond(ctx context.Context, event *models.SecurityEvent) {
	if d.responder == nil {
		return
	}
	response, ok := responseFor(event.Type)
	if !ok {
		return
	}
	if err := d.responder.Dispatch(ctx, event, response); err != nil {
		logger.Error("Automated response dispatch failed",
			"event_id", event.ID,
			"response", response,
			"error", err)
	}
}

// responseFor maps an event type to its automated response.
func responseFor(t models.SecurityEventType) (models.ResponseType, bool) {
	switch t {
	case models.EventMultipleFailedLogins, models.EventSessionHijacking:
		return models.ResponseLockAccountTemporary, true
	case models.EventUnusualLocation, models.EventSuspiciousLogin:
		return models.ResponseRequireMFA, true
	case models.EventPrivilegeEscalation, models.EventMFALockout:
		return models.ResponseFlagForReview, true
	}
	return "", false
}
