package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ComUnity/audit-service/internal/models"
	"github.com/google/uuid"
)

type postgresSecurityEventRepository struct {
	db *sql.DB
}

// NewPostgresSecurityEventRepository returns a SecurityEventRepository
// backed by PostgreSQL.
func NewPostgresSecurityEventRepository(db *sql.DB) SecurityEventRepository {
	return &postgresSecurityEventRepository{db: db}
}

const eventColumns = `id, event_type, severity, actor_id, description, details, status, detected_at, resolved_at, automated_response`

func (r *postgresSecurityEventRepository) Insert(ctx context.Context, event *models.SecurityEvent) error {
	details := event.Details
	if details == nil {
		details = models.JSONMap{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	const q = `
INSERT INTO security_events (id, event_type, severity, actor_id, description, details, status, detected_at, resolved_at, automated_response)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	_, err = r.db.ExecContext(ctx, q,
		event.ID,
		string(event.Type),
		string(event.Severity),
		uuid.NullUUID{UUID: deref(event.ActorID), Valid: event.ActorID != nil},
		event.Description,
		raw,
		string(event.Status),
		event.DetectedAt,
		sql.NullTime{Time: derefTime(event.ResolvedAt), Valid: event.ResolvedAt != nil},
		sql.NullString{String: derefStr(event.AutomatedResponse), Valid: event.AutomatedResponse != nil},
	)
	return err
}

func (r *postgresSecurityEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SecurityEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM security_events WHERE id = $1`
	event, err := scanSecurityEvent(r.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return event, err
}

func (r *postgresSecurityEventRepository) List(ctx context.Context, f SecurityEventFilter) ([]*models.SecurityEvent, error) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != nil {
		add("actor_id = $%d", *f.ActorID)
	}
	if f.Type != "" {
		add("event_type = $%d", string(f.Type))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.Since != nil {
		add("detected_at >= $%d", *f.Since)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := fmt.Sprintf(`SELECT %s FROM security_events%s ORDER BY detected_at DESC LIMIT $%d OFFSET $%d`,
		eventColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.SecurityEvent, 0, limit)
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (r *postgresSecurityEventRepository) SetResponse(ctx context.Context, id uuid.UUID, response string, status models.EventStatus) error {
	const q = `
UPDATE security_events
SET automated_response = $2, status = $3
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q, id, response, string(status))
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (r *postgresSecurityEventRepository) Resolve(ctx context.Context, id uuid.UUID, status models.EventStatus, resolvedAt time.Time) error {
	const q = `
UPDATE security_events
SET status = $2, resolved_at = $3
WHERE id = $1 AND status IN ('DETECTED', 'INVESTIGATING')
`
	res, err := r.db.ExecContext(ctx, q, id, string(status), resolvedAt)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func scanSecurityEvent(row rowScanner) (*models.SecurityEvent, error) {
	var (
		event      models.SecurityEvent
		eventType  string
		severity   string
		actorID    uuid.NullUUID
		details    []byte
		status     string
		resolvedAt sql.NullTime
		response   sql.NullString
	)
	err := row.Scan(&event.ID, &eventType, &severity, &actorID, &event.Description,
		&details, &status, &event.DetectedAt, &resolvedAt, &response)
	if err != nil {
		return nil, err
	}
	event.Type = models.SecurityEventType(eventType)
	event.Severity = models.Severity(severity)
	event.Status = models.EventStatus(status)
	if actorID.Valid {
		id := actorID.UUID
		event.ActorID = &id
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		event.ResolvedAt = &t
	}
	if response.Valid {
		s := response.String
		event.AutomatedResponse = &s
	}
	if err := json.Unmarshal(details, &event.Details); err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}
	event.DetectedAt = event.DetectedAt.UTC()
	return &event, nil
}

type postgresUserSecurityRepository struct {
	db *sql.DB
}

// NewPostgresUserSecurityRepository returns a UserSecurityRepository
// backed by PostgreSQL.
func NewPostgresUserSecurityRepository(db *sql.DB) UserSecurityRepository {
	return &postgresUserSecurityRepository{db: db}
}

const userSecurityColumns = `user_id, identifier, role, active, locked_until, lock_reason, mfa_required_until, updated_at`

func (r *postgresUserSecurityRepository) Get(ctx context.Context, userID uuid.UUID) (*models.UserSecurity, error) {
	q := `SELECT ` + userSecurityColumns + ` FROM user_security WHERE user_id = $1`
	us, err := scanUserSecurity(r.db.QueryRowContext(ctx, q, userID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return us, err
}

func (r *postgresUserSecurityRepository) GetByIdentifier(ctx context.Context, identifier string) (*models.UserSecurity, error) {
	q := `SELECT ` + userSecurityColumns + ` FROM user_security WHERE identifier = $1`
	us, err := scanUserSecurity(r.db.QueryRowContext(ctx, q, identifier))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return us, err
}

func (r *postgresUserSecurityRepository) Save(ctx context.Context, us *models.UserSecurity) error {
	const q = `
INSERT INTO user_security (user_id, identifier, role, active, locked_until, lock_reason, mfa_required_until, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (user_id) DO UPDATE SET
    identifier = EXCLUDED.identifier,
    role = EXCLUDED.role,
    active = EXCLUDED.active,
    locked_until = EXCLUDED.locked_until,
    lock_reason = EXCLUDED.lock_reason,
    mfa_required_until = EXCLUDED.mfa_required_until,
    updated_at = EXCLUDED.updated_at
`
	_, err := r.db.ExecContext(ctx, q,
		us.UserID,
		us.Identifier,
		string(us.Role),
		us.Active,
		sql.NullTime{Time: derefTime(us.LockedUntil), Valid: us.LockedUntil != nil},
		us.LockReason,
		sql.NullTime{Time: derefTime(us.MFARequiredUntil), Valid: us.MFARequiredUntil != nil},
		us.UpdatedAt,
	)
	return err
}

func (r *postgresUserSecurityRepository) Lock(ctx context.Context, userID uuid.UUID, until time.Time, reason string, at time.Time) error {
	const q = `
UPDATE user_security
SET active = FALSE, locked_until = $2, lock_reason = $3, updated_at = $4
WHERE user_id = $1
`
	res, err := r.db.ExecContext(ctx, q, userID, until, reason, at)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (r *postgresUserSecurityRepository) RequireMFA(ctx context.Context, userID uuid.UUID, until time.Time, at time.Time) error {
	const q = `
UPDATE user_security
SET mfa_required_until = $2, updated_at = $3
WHERE user_id = $1
`
	res, err := r.db.ExecContext(ctx, q, userID, until, at)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func scanUserSecurity(row rowScanner) (*models.UserSecurity, error) {
	var (
		us          models.UserSecurity
		role        string
		lockedUntil sql.NullTime
		lockReason  sql.NullString
		mfaUntil    sql.NullTime
	)
	err := row.Scan(&us.UserID, &us.Identifier, &role, &us.Active, &lockedUntil, &lockReason, &mfaUntil, &us.UpdatedAt)
	if err != nil {
		return nil, err
	}
	us.Role = models.Role(role)
	if lockedUntil.Valid {
		t := lockedUntil.Time.UTC()
		us.LockedUntil = &t
	}
	us.LockReason = lockReason.String
	if mfaUntil.Valid {
		t := mfaUntil.Time.UTC()
		us.MFARequiredUntil = &t
	}
	return &us, nil
}

type postgresReviewFlagRepository struct {
	db *sql.DB
}

// NewPostgresReviewFlagRepository returns a ReviewFlagRepository backed
// by PostgreSQL.
func NewPostgresReviewFlagRepository(db *sql.DB) ReviewFlagRepository {
	return &postgresReviewFlagRepository{db: db}
}

func (r *postgresReviewFlagRepository) Insert(ctx context.Context, flag *models.ReviewFlag) error {
	const q = `
INSERT INTO review_flags (id, event_id, actor_id, priority, created_at, reviewed_at)
VALUES ($1,$2,$3,$4,$5,$6)
`
	_, err := r.db.ExecContext(ctx, q,
		flag.ID,
		flag.EventID,
		uuid.NullUUID{UUID: deref(flag.ActorID), Valid: flag.ActorID != nil},
		string(flag.Priority),
		flag.CreatedAt,
		sql.NullTime{Time: derefTime(flag.ReviewedAt), Valid: flag.ReviewedAt != nil},
	)
	return err
}

func (r *postgresReviewFlagRepository) ListOpen(ctx context.Context, limit int) ([]*models.ReviewFlag, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, event_id, actor_id, priority, created_at, reviewed_at
FROM review_flags
WHERE reviewed_at IS NULL
ORDER BY created_at ASC
LIMIT $1
`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.ReviewFlag, 0, limit)
	for rows.Next() {
		var (
			flag       models.ReviewFlag
			actorID    uuid.NullUUID
			priority   string
			reviewedAt sql.NullTime
		)
		if err := rows.Scan(&flag.ID, &flag.EventID, &actorID, &priority, &flag.CreatedAt, &reviewedAt); err != nil {
			return nil, err
		}
		if actorID.Valid {
			id := actorID.UUID
			flag.ActorID = &id
		}
		flag.Priority = models.Severity(priority)
		if reviewedAt.Valid {
			t := reviewedAt.Time.UTC()
			flag.ReviewedAt = &t
		}
		out = append(out, &flag)
	}
	return out, rows.Err()
}

func (r *postgresReviewFlagRepository) MarkReviewed(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `
UPDATE review_flags
SET reviewed_at = $2
WHERE id = $1 AND reviewed_at IS NULL
`
	res, err := r.db.ExecContext(ctx, q, id, at)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (r *postgresReviewFlagRepository) DeleteReviewedBefore(ctx context.Context, before time.Time) (int64, error) {
	const q = `DELETE FROM review_flags WHERE reviewed_at IS NOT NULL AND reviewed_at < $1`
	res, err := r.db.ExecContext(ctx, q, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
