package audit

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
)

func newVerifierFixture(t *testing.T) (*Recorder, *Verifier, repository.AuditRepository) {
	t.Helper()
	repo := repository.NewMemoryAuditRepository()
	rec := NewRecorder(RecorderConfig{}, repo, nil)
	ver := NewVerifier(VerifierConfig{}, repo)
	return rec, ver, repo
}

// tamper rewrites the stored entry through mutate while keeping the
// original checksum, simulating an out-of-band modification.
func tamper(t *testing.T, repo repository.AuditRepository, id uuid.UUID, mutate func(*models.AuditEntry)) {
	t.Helper()
	ctx := context.Background()
	entry, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	mutate(entry)
	require.NoError(t, repo.Insert(ctx, entry))
}

func TestVerify_IntactEntry(t *testing.T) {
	rec, ver, _ := newVerifierFixture(t)
	ctx := context.Background()

	id, err := rec.Record(ctx, recordInputFixture())
	require.NoError(t, err)

	res, err := ver.Verify(ctx, id)
	require.NoError(t, err)

	assert.True(t, res.IsValid)
	assert.Equal(t, id, res.EntryID)
	assert.Equal(t, res.StoredChecksum, res.ComputedChecksum)
	assert.Empty(t, res.TamperedFields)
	assert.False(t, res.FailureRecord)
	assert.NoError(t, res.Err())
}

func TestVerify_TamperedEntry(t *testing.T) {
	rec, ver, repo := newVerifierFixture(t)
	ctx := context.Background()

	id, err := rec.Record(ctx, recordInputFixture())
	require.NoError(t, err)

	tamper(t, repo, id, func(e *models.AuditEntry) {
		e.Payload = models.NewGenericPayload(models.JSONMap{"purpose": "rewritten"})
	})

	res, err := ver.Verify(ctx, id)
	require.NoError(t, err, "a tampered entry is a result, not an error")

	assert.False(t, res.IsValid)
	assert.Equal(t, []string{"checksum"}, res.TamperedFields)
	assert.NotEqual(t, res.StoredChecksum, res.ComputedChecksum)

	var ie *apperr.IntegrityError
	require.ErrorAs(t, res.Err(), &ie)
	assert.Equal(t, id, ie.EntryID)
}

func TestVerify_TamperedActor(t *testing.T) {
	rec, ver, repo := newVerifierFixture(t)
	ctx := context.Background()

	id, err := rec.Record(ctx, recordInputFixture())
	require.NoError(t, err)

	tamper(t, repo, id, func(e *models.AuditEntry) {
		other := uuid.New()
		e.ActorID = &other
	})

	res, err := ver.Verify(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
}

func TestVerify_FailureRecord(t *testing.T) {
	_, ver, repo := newVerifierFixture(t)
	ctx := context.Background()

	entry := &models.AuditEntry{
		ID:        uuid.New(),
		Action:    models.ActionRead,
		Resource:  models.ResourceUser,
		Payload:   models.NewFailureRecordPayload("connection reset", models.ActionRead, models.ResourceUser, ""),
		IPAddress: "unknown",
		UserAgent: "unknown",
		Checksum:  FailureChecksum,
		Status:    models.RecordStatusDegraded,
	}
	require.NoError(t, repo.Insert(ctx, entry))

	res, err := ver.Verify(ctx, entry.ID)
	require.NoError(t, err)

	assert.False(t, res.IsValid)
	assert.True(t, res.FailureRecord)
	assert.Equal(t, []string{"checksum"}, res.TamperedFields)
}

func TestVerify_MissingEntry(t *testing.T) {
	_, ver, _ := newVerifierFixture(t)

	_, err := ver.Verify(context.Background(), uuid.New())

	var ae *apperr.AuditError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.CodeIntegrityVerificationFailed, ae.Code)
}

func TestVerifyBatch_TotalsAddUp(t *testing.T) {
	repo := repository.NewMemoryAuditRepository()
	rec := NewRecorder(RecorderConfig{}, repo, nil)
	// Small chunks so the batch spans several rounds.
	ver := NewVerifier(VerifierConfig{ChunkSize: 2, Concurrency: 2}, repo)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		id, err := rec.Record(ctx, recordInputFixture())
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Tamper with two, leave two intact, and add three unknown ids.
	for _, id := range ids[:2] {
		tamper(t, repo, id, func(e *models.AuditEntry) { e.IPAddress = "203.0.113.9" })
	}
	ids = append(ids, uuid.New(), uuid.New(), uuid.New())

	res, err := ver.VerifyBatch(ctx, ids)
	require.NoError(t, err)

	assert.Equal(t, int64(7), res.Total)
	assert.Equal(t, int64(2), res.Valid)
	assert.Equal(t, int64(2), res.Invalid)
	assert.Equal(t, int64(3), res.Errors)
	assert.Equal(t, res.Total, res.Valid+res.Invalid+res.Errors)
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
}

func TestVerifyBatch_EmptyInput(t *testing.T) {
	_, ver, _ := newVerifierFixture(t)

	res, err := ver.VerifyBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Total)
}

func TestVerifyBatch_CanceledContext(t *testing.T) {
	rec, ver, _ := newVerifierFixture(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id, err := rec.Record(ctx, recordInputFixture())
		require.NoError(t, err)
		ids = append(ids, id)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := ver.VerifyBatch(canceled, ids)
	require.Error(t, err)

	var ae *apperr.AuditError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.CodeBatchVerificationFailed, ae.Code)
}
