package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/ComUnity/audit-service/internal/models"
	"github.com/google/uuid"
)

type postgresSessionRepository struct {
	db *sql.DB
}

// NewPostgresSessionRepository returns a SessionRepository backed by
// PostgreSQL.
func NewPostgresSessionRepository(db *sql.DB) SessionRepository {
	return &postgresSessionRepository{db: db}
}

const sessionColumns = `id, user_id, token, created_at, expires_at, ip_address, device_fingerprint`

func (r *postgresSessionRepository) Insert(ctx context.Context, s *models.Session) error {
	const q = `
INSERT INTO sessions (id, user_id, token, created_at, expires_at, ip_address, device_fingerprint)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	_, err := r.db.ExecContext(ctx, q,
		s.ID, s.UserID, s.Token, s.CreatedAt, s.ExpiresAt, s.IPAddress, s.DeviceFingerprint)
	return err
}

func (r *postgresSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

func (r *postgresSessionRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *postgresSessionRepository) ExtendExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	// GREATEST keeps expiry monotonic under concurrent touches.
	const q = `
UPDATE sessions
SET expires_at = GREATEST(expires_at, $2)
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q, id, expiresAt)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (r *postgresSessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM sessions WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (r *postgresSessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	const q = `DELETE FROM sessions WHERE expires_at < $1`
	res, err := r.db.ExecContext(ctx, q, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.UserID, &s.Token, &s.CreatedAt, &s.ExpiresAt, &s.IPAddress, &s.DeviceFingerprint)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	return &s, nil
}
