package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// VerifierConfig holds batch verification tunables.
type VerifierConfig struct {
	ChunkSize   int `yaml:"chunk_size"`  // ids fetched per chunk
	Concurrency int `yaml:"concurrency"` // concurrent checks within a chunk
}

// IntegrityResult is the outcome of verifying one entry.
type IntegrityResult struct {
	EntryID          uuid.UUID `json:"entryId"`
	IsValid          bool      `json:"isValid"`
	TamperedFields   []string  `json:"tamperedFields,omitempty"`
	StoredChecksum   string    `json:"storedChecksum"`
	ComputedChecksum string    `json:"computedChecksum"`
	FailureRecord    bool      `json:"failureRecord,omitempty"`
	VerifiedAt       time.Time `json:"verifiedAt"`
}

// Err returns a typed IntegrityError when the result is invalid, nil
// otherwise.
func (r *IntegrityResult) Err() error {
	if r.IsValid {
		return nil
	}
	return &apperr.IntegrityError{EntryID: r.EntryID, TamperedFields: r.TamperedFields}
}

// BatchResult aggregates a batch verification. Total always equals
// Valid + Invalid + Errors.
type BatchResult struct {
	Total      int64 `json:"total"`
	Valid      int64 `json:"valid"`
	Invalid    int64 `json:"invalid"`
	Errors     int64 `json:"errors"`
	DurationMs int64 `json:"durationMs"`
}

// Verifier recomputes entry checksums against their stored values.
type Verifier struct {
	config VerifierConfig
	repo   repository.AuditRepository
	tracer trace.Tracer
	now    func() time.Time
}

// NewVerifier builds a Verifier with clamped defaults.
func NewVerifier(cfg VerifierConfig, repo repository.AuditRepository) *Verifier {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Verifier{
		config: cfg,
		repo:   repo,
		tracer: otel.Tracer("audit"),
		now:    time.Now,
	}
}

// SetClock replaces the clock. Test hook.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Verify loads one entry and recomputes its checksum. A mismatch is a
// normal outcome, not an error; only lookup or store failures error.
func (v *Verifier) Verify(ctx context.Context, id uuid.UUID) (*IntegrityResult, error) {
	entry, err := v.repo.GetByID(ctx, id)
	if err != nil {
		telemetry.CountIntegrityCheck("error")
		return nil, apperr.NewAudit(apperr.CodeIntegrityVerificationFailed, err)
	}
	result := v.verifyEntry(entry)
	if result.IsValid {
		telemetry.CountIntegrityCheck("valid")
	} else {
		telemetry.CountIntegrityCheck("invalid")
	}
	return result, nil
}

// verifyEntry is the pure check: same entry in, same result out.
func (v *Verifier) verifyEntry(entry *models.AuditEntry) *IntegrityResult {
	result := &IntegrityResult{
		EntryID:        entry.ID,
		StoredChecksum: entry.Checksum,
		VerifiedAt:     v.now().UTC(),
	}
	if entry.Checksum == FailureChecksum {
		// Degraded records never validate; they mark a write failure.
		result.FailureRecord = true
		result.TamperedFields = []string{"checksum"}
		return result
	}
	result.ComputedChecksum = ComputeChecksum(entry)
	if result.ComputedChecksum == entry.Checksum {
		result.IsValid = true
		return result
	}
	// The checksum covers the whole canonical form, so a mismatch
	// cannot be attributed to a single field.
	result.TamperedFields = []string{"checksum"}
	return result
}

// VerifyBatch verifies ids in chunks with bounded concurrency. Missing
// entries and per-entry store failures count toward Errors; a canceled
// context aborts the whole batch with an error and no result.
func (v *Verifier) VerifyBatch(ctx context.Context, ids []uuid.UUID) (*BatchResult, error) {
	start := v.now()
	ctx, span := v.tracer.Start(ctx, "audit.verify_batch",
		trace.WithAttributes(attribute.Int("batch.size", len(ids))))
	defer span.End()

	var valid, invalid, errCount atomic.Int64

	for lo := 0; lo < len(ids); lo += v.config.ChunkSize {
		hi := lo + v.config.ChunkSize
		if hi > len(ids) {
			hi = len(ids)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(v.config.Concurrency)
		for _, id := range ids[lo:hi] {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				entry, err := v.repo.GetByID(gctx, id)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					errCount.Add(1)
					telemetry.CountIntegrityCheck("error")
					return nil
				}
				if v.verifyEntry(entry).IsValid {
					valid.Add(1)
					telemetry.CountIntegrityCheck("valid")
				} else {
					invalid.Add(1)
					telemetry.CountIntegrityCheck("invalid")
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			span.RecordError(err)
			return nil, apperr.NewAudit(apperr.CodeBatchVerificationFailed, err)
		}
	}

	duration := v.now().Sub(start)
	telemetry.ObserveVerifyBatch(duration)

	result := &BatchResult{
		Total:      int64(len(ids)),
		Valid:      valid.Load(),
		Invalid:    invalid.Load(),
		Errors:     errCount.Load(),
		DurationMs: duration.Milliseconds(),
	}
	span.SetAttributes(
		attribute.Int64("batch.valid", result.Valid),
		attribute.Int64("batch.invalid", result.Invalid),
		attribute.Int64("batch.errors", result.Errors),
	)
	return result, nil
}
