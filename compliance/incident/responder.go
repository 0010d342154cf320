package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/ComUnity/audit-service/compliance/audit"
	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/securitystore"
	"github.com/ComUnity/audit-service/internal/telemetry"
	"github.com/ComUnity/audit-service/internal/util/logger"
	"github.com/google/uuid"
)

// ResponderConfig holds automated response tunables.
type ResponderConfig struct {
	LockDuration       time.Duration `yaml:"lock_duration"`        // temporary account lock, default 30m
	RequireMFADuration time.Duration `yaml:"require_mfa_duration"` // forced-MFA window, default 24h
	IdempotencyTTL     time.Duration `yaml:"idempotency_ttl"`      // dispatch dedupe window, default 24h
}

// Responder executes automated responses to security events: temporary
// account locks, forced MFA windows, and review flags. Each
// (event, response) pair is dispatched at most once per idempotency
// window.
type Responder struct {
	config   ResponderConfig
	users    repository.UserSecurityRepository
	flags    repository.ReviewFlagRepository
	manager  *Manager
	recorder *audit.Recorder
	claims   securitystore.IdempotencyStore
	now      func() time.Time
}

// NewResponder builds a Responder with clamped defaults.
func NewResponder(
	cfg ResponderConfig,
	users repository.UserSecurityRepository,
	flags repository.ReviewFlagRepository,
	manager *Manager,
	recorder *audit.Recorder,
	claims securitystore.IdempotencyStore,
) *Responder {
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 30 * time.Minute
	}
	if cfg.RequireMFADuration <= 0 {
		cfg.RequireMFADuration = 24 * time.Hour
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &Responder{
		config:   cfg,
		users:    users,
		flags:    flags,
		manager:  manager,
		recorder: recorder,
		claims:   claims,
		now:      time.Now,
	}
}

// SetClock replaces the clock. Test hook.
func (r *Responder) SetClock(now func() time.Time) {
	r.now = now
}

// Dispatch applies one response to one event. A repeat dispatch of the
// same (event, response) pair within the idempotency window is a
// silent no-op. Account-mutating responses require an attributed actor.
func (r *Responder) Dispatch(ctx context.Context, event *models.SecurityEvent, response models.ResponseType) error {
	if !response.Valid() {
		return apperr.NewValidation("responseType", fmt.Sprintf("unknown response type %q", response))
	}

	key := fmt.Sprintf("response:dispatch:%s:%s", event.ID, response)
	claimed, err := r.claims.Claim(ctx, key, r.config.IdempotencyTTL)
	if err != nil {
		// A broken claim store must not suppress a protective
		// response; the worst case is a duplicate, and every
		// response below tolerates replay.
		logger.Warn("Idempotency claim failed, dispatching anyway", "key", key, "error", err)
	} else if !claimed {
		logger.Debug("Response already dispatched", "event_id", event.ID, "response", response)
		return nil
	}

	now := r.now().UTC()
	var resource, resourceID string

	switch response {
	case models.ResponseLockAccountTemporary:
		if event.ActorID == nil {
			return apperr.NewValidation("actorId", "required for LOCK_ACCOUNT_TEMPORARY")
		}
		until := now.Add(r.config.LockDuration)
		reason := fmt.Sprintf("security event %s (%s)", event.ID, event.Type)
		if err := r.users.Lock(ctx, *event.ActorID, until, reason, now); err != nil {
			telemetry.CountResponse(string(response), "failed")
			return apperr.NewSystem("responder.lock_account", err)
		}
		resource, resourceID = models.ResourceUserSecurity, event.ActorID.String()

	case models.ResponseRequireMFA:
		if event.ActorID == nil {
			return apperr.NewValidation("actorId", "required for REQUIRE_MFA")
		}
		until := now.Add(r.config.RequireMFADuration)
		if err := r.users.RequireMFA(ctx, *event.ActorID, until, now); err != nil {
			telemetry.CountResponse(string(response), "failed")
			return apperr.NewSystem("responder.require_mfa", err)
		}
		resource, resourceID = models.ResourceUserSecurity, event.ActorID.String()

	case models.ResponseFlagForReview:
		flag := &models.ReviewFlag{
			ID:        uuid.New(),
			EventID:   event.ID,
			ActorID:   event.ActorID,
			Priority:  event.Severity,
			CreatedAt: now,
		}
		if err := r.flags.Insert(ctx, flag); err != nil {
			telemetry.CountResponse(string(response), "failed")
			return apperr.NewSystem("responder.flag_for_review", err)
		}
		resource, resourceID = models.ResourceReviewFlag, flag.ID.String()
	}

	// The response took effect; bookkeeping failures below are logged
	// but never roll it back.
	if err := r.manager.MarkResponded(ctx, event.ID, response); err != nil {
		logger.Error("Failed to mark event responded", "event_id", event.ID, "error", err)
	}

	if _, err := r.recorder.Record(ctx, audit.RecordInput{
		ActorID:    event.ActorID,
		Action:     models.ActionUpdate,
		Resource:   resource,
		ResourceID: resourceID,
		Payload:    models.NewResponseActionPayload(event.ID.String(), response, "applied"),
	}); err != nil {
		logger.Error("Failed to audit response action", "event_id", event.ID, "error", err)
	}

	telemetry.CountResponse(string(response), "applied")
	logger.Info("Automated response applied",
		"event_id", event.ID,
		"response", response,
		"actor_id", actorString(event.ActorID))
	return nil
}
