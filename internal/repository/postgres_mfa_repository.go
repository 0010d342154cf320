package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/ComUnity/audit-service/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

type postgresMFARepository struct {
	db *sql.DB
}

// NewPostgresMFARepository returns an MFARepository backed by
// PostgreSQL. Backup codes live in a text[] column so consumption is a
// single atomic statement.
func NewPostgresMFARepository(db *sql.DB) MFARepository {
	return &postgresMFARepository{db: db}
}

func (r *postgresMFARepository) Get(ctx context.Context, userID uuid.UUID) (*models.MFAState, error) {
	const q = `
SELECT user_id, secret, backup_codes, failed_attempts, locked_until, enabled_at, updated_at
FROM mfa_states
WHERE user_id = $1
`
	var (
		state       models.MFAState
		codes       pq.StringArray
		lockedUntil sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, userID).Scan(
		&state.UserID, &state.Secret, &codes, &state.FailedAttempts, &lockedUntil, &state.EnabledAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	state.BackupCodes = codes
	if lockedUntil.Valid {
		t := lockedUntil.Time.UTC()
		state.LockedUntil = &t
	}
	return &state, nil
}

func (r *postgresMFARepository) Save(ctx context.Context, state *models.MFAState) error {
	const q = `
INSERT INTO mfa_states (user_id, secret, backup_codes, failed_attempts, locked_until, enabled_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (user_id) DO UPDATE SET
    secret = EXCLUDED.secret,
    backup_codes = EXCLUDED.backup_codes,
    failed_attempts = EXCLUDED.failed_attempts,
    locked_until = EXCLUDED.locked_until,
    enabled_at = EXCLUDED.enabled_at,
    updated_at = EXCLUDED.updated_at
`
	_, err := r.db.ExecContext(ctx, q,
		state.UserID,
		state.Secret,
		pq.Array(state.BackupCodes),
		state.FailedAttempts,
		sql.NullTime{Time: derefTime(state.LockedUntil), Valid: state.LockedUntil != nil},
		state.EnabledAt,
		state.UpdatedAt,
	)
	return err
}

func (r *postgresMFARepository) IncrementFailures(ctx context.Context, userID uuid.UUID) (int, error) {
	const q = `
UPDATE mfa_states
SET failed_attempts = failed_attempts + 1, updated_at = now()
WHERE user_id = $1
RETURNING failed_attempts
`
	var n int
	err := r.db.QueryRowContext(ctx, q, userID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return n, err
}

func (r *postgresMFARepository) ResetFailures(ctx context.Context, userID uuid.UUID) error {
	const q = `
UPDATE mfa_states
SET failed_attempts = 0, locked_until = NULL, updated_at = now()
WHERE user_id = $1
`
	res, err := r.db.ExecContext(ctx, q, userID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (r *postgresMFARepository) SetLock(ctx context.Context, userID uuid.UUID, until time.Time) error {
	const q = `
UPDATE mfa_states
SET locked_until = $2, updated_at = now()
WHERE user_id = $1
`
	res, err := r.db.ExecContext(ctx, q, userID, until)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (r *postgresMFARepository) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, codeHash string) (bool, error) {
	const q = `
UPDATE mfa_states
SET backup_codes = array_remove(backup_codes, $2), updated_at = now()
WHERE user_id = $1 AND $2 = ANY(backup_codes)
`
	res, err := r.db.ExecContext(ctx, q, userID, codeHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
