package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ComUnity/audit-service/internal/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that matched nothing. Services map
// it to their own typed errors.
var ErrNotFound = errors.New("repository: not found")

// AuditQuery filters and pages audit entries. Zero-value fields are
// ignored. Results are ordered newest first.
type AuditQuery struct {
	ActorID    *uuid.UUID
	Action     models.Action
	Resource   string
	ResourceID string
	From       *time.Time
	To         *time.Time

	// Search matches case-insensitively against resource, resource id,
	// and the payload text.
	Search string

	Limit  int
	Offset int
}

// AuditRepository is the append-only store of audit entries.
type AuditRepository interface {
	Insert(ctx context.Context, entry *models.AuditEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEntry, error)
	Query(ctx context.Context, q AuditQuery) ([]*models.AuditEntry, int, error)

	// Detection scans
	CountLoginFailures(ctx context.Context, identifier string, since time.Time) (int, error)
	CountPermissionDenied(ctx context.Context, actorID uuid.UUID, resourceRoles []models.Role, since time.Time) (int, error)

	// DistinctLoginLocations lists locations of successful logins for
	// the actor since the cutoff, skipping the entry named by
	// excluding (the one currently under evaluation).
	DistinctLoginLocations(ctx context.Context, actorID uuid.UUID, since time.Time, excluding uuid.UUID) ([]string, error)
}

// SecurityEventFilter filters security events.
type SecurityEventFilter struct {
	ActorID  *uuid.UUID
	Type     models.SecurityEventType
	Status   models.EventStatus
	Severity models.Severity
	Since    *time.Time
	Limit    int
	Offset   int
}

// SecurityEventRepository stores detected anomalies and their triage
// state.
type SecurityEventRepository interface {
	Insert(ctx context.Context, event *models.SecurityEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SecurityEvent, error)
	List(ctx context.Context, f SecurityEventFilter) ([]*models.SecurityEvent, error)
	SetResponse(ctx context.Context, id uuid.UUID, response string, status models.EventStatus) error
	Resolve(ctx context.Context, id uuid.UUID, status models.EventStatus, resolvedAt time.Time) error
}

// SessionRepository stores active sessions.
type SessionRepository interface {
	Insert(ctx context.Context, s *models.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Session, error)

	// ExtendExpiry moves expiry forward to expiresAt; it never shortens
	// a session. Returns ErrNotFound when the session does not exist.
	ExtendExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// OTPRepository stores issued one-time codes, hash-only.
type OTPRepository interface {
	Insert(ctx context.Context, rec *models.OTPRecord) error

	// Latest returns the most recently created record for the
	// identifier regardless of state, or ErrNotFound.
	Latest(ctx context.Context, identifier string) (*models.OTPRecord, error)

	// MarkUsed flips is_used exactly once. Returns ErrNotFound when
	// the record is missing or already used.
	MarkUsed(ctx context.Context, id uuid.UUID) error

	// IncrementAttempts bumps the attempt counter atomically and
	// returns the new value.
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)

	PurgeExpired(ctx context.Context, identifier string, now time.Time) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// MFARepository stores TOTP enrollments.
type MFARepository interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.MFAState, error)
	Save(ctx context.Context, state *models.MFAState) error

	// IncrementFailures bumps the failed-attempt counter atomically
	// and returns the new value.
	IncrementFailures(ctx context.Context, userID uuid.UUID) (int, error)
	ResetFailures(ctx context.Context, userID uuid.UUID) error
	SetLock(ctx context.Context, userID uuid.UUID, until time.Time) error

	// ConsumeBackupCode removes one matching hash atomically and
	// reports whether a code was consumed.
	ConsumeBackupCode(ctx context.Context, userID uuid.UUID, codeHash string) (bool, error)
}

// UserSecurityRepository stores per-user security posture.
type UserSecurityRepository interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.UserSecurity, error)
	GetByIdentifier(ctx context.Context, identifier string) (*models.UserSecurity, error)
	Save(ctx context.Context, us *models.UserSecurity) error
	Lock(ctx context.Context, userID uuid.UUID, until time.Time, reason string, at time.Time) error
	RequireMFA(ctx context.Context, userID uuid.UUID, until time.Time, at time.Time) error
}

// ReviewFlagRepository stores events queued for human review.
type ReviewFlagRepository interface {
	Insert(ctx context.Context, flag *models.ReviewFlag) error
	ListOpen(ctx context.Context, limit int) ([]*models.ReviewFlag, error)
	MarkReviewed(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteReviewedBefore(ctx context.Context, before time.Time) (int64, error)
}
