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
	"github.com/lib/pq"
)

type postgresAuditRepository struct {
	db *sql.DB
}

// NewPostgresAuditRepository returns an AuditRepository backed by
// PostgreSQL. The audit_entries table is insert-only apart from the
// derived status column.
func NewPostgresAuditRepository(db *sql.DB) AuditRepository {
	return &postgresAuditRepository{db: db}
}

const auditColumns = `id, actor_id, action, resource, resource_id, payload, ip_address, user_agent, occurred_at, checksum, status`

func (r *postgresAuditRepository) Insert(ctx context.Context, entry *models.AuditEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	const q = `
INSERT INTO audit_entries (id, actor_id, action, resource, resource_id, payload, ip_address, user_agent, occurred_at, checksum, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	_, err = r.db.ExecContext(ctx, q,
		entry.ID,
		uuid.NullUUID{UUID: deref(entry.ActorID), Valid: entry.ActorID != nil},
		string(entry.Action),
		entry.Resource,
		sql.NullString{String: derefStr(entry.ResourceID), Valid: entry.ResourceID != nil},
		payload,
		entry.IPAddress,
		entry.UserAgent,
		entry.Timestamp,
		entry.Checksum,
		string(entry.Status),
	)
	return err
}

func (r *postgresAuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEntry, error) {
	q := `SELECT ` + auditColumns + ` FROM audit_entries WHERE id = $1`
	entry, err := scanAuditEntry(r.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return entry, err
}

func (r *postgresAuditRepository) Query(ctx context.Context, f AuditQuery) ([]*models.AuditEntry, int, error) {
	where, args := buildAuditWhere(f)

	var total int
	countQ := `SELECT COUNT(*) FROM audit_entries` + where
	if err := r.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := fmt.Sprintf(`SELECT %s FROM audit_entries%s ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		auditColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]*models.AuditEntry, 0, limit)
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, entry)
	}
	return out, total, rows.Err()
}

func (r *postgresAuditRepository) CountLoginFailures(ctx context.Context, identifier string, since time.Time) (int, error) {
	const q = `
SELECT COUNT(*)
FROM audit_entries
WHERE action = $1
  AND occurred_at >= $2
  AND payload->'login'->>'identifier' = $3
`
	var n int
	err := r.db.QueryRowContext(ctx, q, string(models.ActionLoginFailed), since, identifier).Scan(&n)
	return n, err
}

func (r *postgresAuditRepository) CountPermissionDenied(ctx context.Context, actorID uuid.UUID, resourceRoles []models.Role, since time.Time) (int, error) {
	roles := make([]string, 0, len(resourceRoles))
	for _, role := range resourceRoles {
		roles = append(roles, string(role))
	}
	const q = `
SELECT COUNT(*)
FROM audit_entries
WHERE action = $1
  AND actor_id = $2
  AND occurred_at >= $3
  AND payload->'permission'->>'resourceRole' = ANY($4)
`
	var n int
	err := r.db.QueryRowContext(ctx, q, string(models.ActionPermissionDenied), actorID, since, pq.Array(roles)).Scan(&n)
	return n, err
}

func (r *postgresAuditRepository) DistinctLoginLocations(ctx context.Context, actorID uuid.UUID, since time.Time, excluding uuid.UUID) ([]string, error) {
	const q = `
SELECT DISTINCT COALESCE(NULLIF(payload->'login'->>'location', ''), ip_address)
FROM audit_entries
WHERE action = $1
  AND actor_id = $2
  AND occurred_at >= $3
  AND id <> $4
`
	rows, err := r.db.QueryContext(ctx, q, string(models.ActionLoginSuccess), actorID, since, excluding)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

func buildAuditWhere(f AuditQuery) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.ActorID != nil {
		add("actor_id = $%d", *f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.Resource != "" {
		add("resource = $%d", f.Resource)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.From != nil {
		add("occurred_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("occurred_at < $%d", *f.To)
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(resource ILIKE $%d OR resource_id ILIKE $%d OR payload::text ILIKE $%d)", n, n, n))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(row rowScanner) (*models.AuditEntry, error) {
	var (
		entry      models.AuditEntry
		actorID    uuid.NullUUID
		resourceID sql.NullString
		payload    []byte
		action     string
		status     string
	)
	err := row.Scan(&entry.ID, &actorID, &action, &entry.Resource, &resourceID,
		&payload, &entry.IPAddress, &entry.UserAgent, &entry.Timestamp, &entry.Checksum, &status)
	if err != nil {
		return nil, err
	}
	if actorID.Valid {
		id := actorID.UUID
		entry.ActorID = &id
	}
	if resourceID.Valid {
		rid := resourceID.String
		entry.ResourceID = &rid
	}
	entry.Action = models.Action(action)
	entry.Status = models.RecordStatus(status)
	if err := json.Unmarshal(payload, &entry.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	entry.Timestamp = entry.Timestamp.UTC()
	return &entry, nil
}

func deref(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.UUID{}
	}
	return *id
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
