package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/ComUnity/audit-service/internal/models"
	"github.com/google/uuid"
)

type postgresOTPRepository struct {
	db *sql.DB
}

// NewPostgresOTPRepository returns an OTPRepository backed by
// PostgreSQL. Rows carry only the keyed hash of the code.
func NewPostgresOTPRepository(db *sql.DB) OTPRepository {
	return &postgresOTPRepository{db: db}
}

const otpColumns = `id, identifier, code_hash, expires_at, attempts, is_used, created_at`

func (r *postgresOTPRepository) Insert(ctx context.Context, rec *models.OTPRecord) error {
	const q = `
INSERT INTO otp_records (id, identifier, code_hash, expires_at, attempts, is_used, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	_, err := r.db.ExecContext(ctx, q,
		rec.ID, rec.Identifier, rec.CodeHash, rec.ExpiresAt, rec.Attempts, rec.IsUsed, rec.CreatedAt)
	return err
}

func (r *postgresOTPRepository) Latest(ctx context.Context, identifier string) (*models.OTPRecord, error) {
	q := `SELECT ` + otpColumns + ` FROM otp_records WHERE identifier = $1 ORDER BY created_at DESC LIMIT 1`
	rec, err := scanOTPRecord(r.db.QueryRowContext(ctx, q, identifier))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (r *postgresOTPRepository) MarkUsed(ctx context.Context, id uuid.UUID) error {
	// The is_used guard makes single-use hold under concurrent verifies.
	const q = `
UPDATE otp_records
SET is_used = TRUE
WHERE id = $1 AND is_used = FALSE
`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (r *postgresOTPRepository) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	const q = `
UPDATE otp_records
SET attempts = attempts + 1
WHERE id = $1
RETURNING attempts
`
	var attempts int
	err := r.db.QueryRowContext(ctx, q, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return attempts, err
}

func (r *postgresOTPRepository) PurgeExpired(ctx context.Context, identifier string, now time.Time) (int64, error) {
	const q = `DELETE FROM otp_records WHERE identifier = $1 AND expires_at < $2`
	res, err := r.db.ExecContext(ctx, q, identifier, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *postgresOTPRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	const q = `DELETE FROM otp_records WHERE expires_at < $1`
	res, err := r.db.ExecContext(ctx, q, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanOTPRecord(row rowScanner) (*models.OTPRecord, error) {
	var rec models.OTPRecord
	err := row.Scan(&rec.ID, &rec.Identifier, &rec.CodeHash, &rec.ExpiresAt, &rec.Attempts, &rec.IsUsed, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}
