package service

import (
	"context"
	"errors"
	"time"

	"github.com/ComUnity/audit-service/compliance/audit"
	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/telemetry"
	"github.com/ComUnity/audit-service/internal/util"
	"github.com/ComUnity/audit-service/internal/util/logger"
	"github.com/google/uuid"
)

// ErrSessionExpired reports a session that exists but has lapsed.
var ErrSessionExpired = errors.New("session expired")

// SessionConfig tunes session lifetime and the per-user cap.
type SessionConfig struct {
	TTL        time.Duration `yaml:"ttl"`          // default 24h
	MaxPerUser int           `yaml:"max_per_user"` // default 10
	// TouchGranularity bounds how often Touch actually extends a
	// session, which in turn bounds the audit volume an active
	// session generates. Default 1m.
	TouchGranularity time.Duration `yaml:"touch_granularity"`
}

// SessionMetadata is the request context a new session is bound to.
type SessionMetadata struct {
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
}

// SessionRegistry owns session lifecycle. Every mutation is audited so
// session activity feeds anomaly detection.
type SessionRegistry struct {
	config   SessionConfig
	sessions repository.SessionRepository
	tokens   *util.TokenManager
	recorder *audit.Recorder
	now      func() time.Time
}

func NewSessionRegistry(cfg SessionConfig, sessions repository.SessionRepository, tokens *util.TokenManager, recorder *audit.Recorder) *SessionRegistry {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 10
	}
	if cfg.TouchGranularity <= 0 {
		cfg.TouchGranularity = time.Minute
	}
	return &SessionRegistry{
		config:   cfg,
		sessions: sessions,
		tokens:   tokens,
		recorder: recorder,
		now:      time.Now,
	}
}

// SetClock replaces the clock. Test hook.
func (r *SessionRegistry) SetClock(now func() time.Time) {
	r.now = now
}

// Create mints a signed token, persists the session, and evicts the
// oldest sessions beyond the per-user cap.
func (r *SessionRegistry) Create(ctx context.Context, userID uuid.UUID, meta SessionMetadata) (*models.Session, error) {
	now := r.now().UTC()
	id := uuid.New()
	expiresAt := now.Add(r.config.TTL)

	token, err := r.tokens.Mint(id.String(), userID, expiresAt)
	if err != nil {
		return nil, apperr.NewSystem("session.mint_token", err)
	}

	session := &models.Session{
		ID:                id,
		UserID:            userID,
		Token:             token,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
		IPAddress:         meta.IPAddress,
		DeviceFingerprint: meta.DeviceFingerprint,
	}
	if err := r.sessions.Insert(ctx, session); err != nil {
		return nil, apperr.NewSystem("session.store", err)
	}

	r.evictBeyondCap(ctx, userID, meta)

	r.audit(ctx, userID, models.ActionCreate, id,
		models.NewSessionPayload(id.String(), "created", ""), meta)
	telemetry.CountSessionCreated()

	logger.Info("Session created", "sessionId", id, "userId", userID, "expiresAt", expiresAt)
	return session, nil
}

// Get loads a session. Missing sessions surface repository.ErrNotFound.
func (r *SessionRegistry) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s, err := r.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, apperr.NewSystem("session.load", err)
	}
	return s, nil
}

// ListByUser returns the user's sessions, oldest first.
func (r *SessionRegistry) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Session, error) {
	out, err := r.sessions.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.NewSystem("session.list", err)
	}
	return out, nil
}

// Touch slides the session's expiry forward from now. Extensions are
// applied at most once per granularity window, and the expiry never
// moves backward.
func (r *SessionRegistry) Touch(ctx context.Context, id uuid.UUID, meta SessionMetadata) error {
	s, err := r.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return apperr.NewSystem("session.load", err)
	}

	now := r.now().UTC()
	if s.Expired(now) {
		return ErrSessionExpired
	}

	newExpiry := now.Add(r.config.TTL)
	if newExpiry.Sub(s.ExpiresAt) < r.config.TouchGranularity {
		return nil
	}

	if err := r.sessions.ExtendExpiry(ctx, id, newExpiry); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return apperr.NewSystem("session.extend", err)
	}

	r.audit(ctx, s.UserID, models.ActionUpdate, id,
		models.NewSessionPayload(id.String(), "extended", ""), meta)
	return nil
}

// Terminate deletes the session and audits why. Terminating a session
// that is already gone is not an error.
func (r *SessionRegistry) Terminate(ctx context.Context, id uuid.UUID, reason string, meta SessionMetadata) error {
	s, err := r.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return apperr.NewSystem("session.load", err)
	}

	if err := r.sessions.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return apperr.NewSystem("session.delete", err)
	}

	r.audit(ctx, s.UserID, models.ActionDelete, id,
		models.NewSessionPayload(id.String(), "terminated", reason), meta)

	logger.Info("Session terminated", "sessionId", id, "userId", s.UserID, "reason", reason)
	return nil
}

// evictBeyondCap trims the user's oldest sessions over the cap. The
// session just created is the newest, so it survives.
func (r *SessionRegistry) evictBeyondCap(ctx context.Context, userID uuid.UUID, meta SessionMetadata) {
	existing, err := r.sessions.ListByUser(ctx, userID)
	if err != nil {
		logger.Warn("Failed to list sessions for cap eviction", "userId", userID, "error", err)
		return
	}
	if len(existing) <= r.config.MaxPerUser {
		return
	}
	for _, old := range existing[:len(existing)-r.config.MaxPerUser] {
		if err := r.sessions.Delete(ctx, old.ID); err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				logger.Error("Failed to evict session over cap", "sessionId", old.ID, "error", err)
			}
			continue
		}
		r.audit(ctx, userID, models.ActionDelete, old.ID,
			models.NewSessionPayload(old.ID.String(), "terminated", "evicted by session cap"), meta)
	}
}

func (r *SessionRegistry) audit(ctx context.Context, userID uuid.UUID, action models.Action, sessionID uuid.UUID, payload models.Payload, meta SessionMetadata) {
	if r.recorder == nil {
		return
	}
	actorID := userID
	_, err := r.recorder.Record(ctx, audit.RecordInput{
		ActorID:    &actorID,
		Action:     action,
		Resource:   models.ResourceSession,
		ResourceID: sessionID.String(),
		Payload:    payload,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
	})
	if err != nil {
		logger.Error("Failed to audit session operation", "action", action, "sessionId", sessionID, "error", err)
	}
}
