package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/telemetry"
	"github.com/ComUnity/audit-service/internal/util/logger"
	"github.com/google/uuid"
)

const unknownValue = "unknown"

// RecorderConfig holds tunables for recording and retrieval.
type RecorderConfig struct {
	QueryLimit    int `yaml:"query_limit"`     // max page size for Query
	MaxExportRows int `yaml:"max_export_rows"` // hard cap on rows per export
}

// RecordInput is everything a caller supplies to record one action.
type RecordInput struct {
	ActorID    *uuid.UUID
	Action     models.Action
	Resource   string
	ResourceID string
	Payload    models.Payload
	IPAddress  string
	UserAgent  string
}

// Evaluator is notified after every successfully recorded entry. The
// anomaly detector implements it; errors are logged, never surfaced to
// the recording caller.
type Evaluator interface {
	Evaluate(ctx context.Context, entry *models.AuditEntry) ([]*models.SecurityEvent, error)
}

// QueryPage is one page of audit entries plus the unpaged total.
type QueryPage struct {
	Entries []*models.AuditEntry `json:"entries"`
	Total   int                  `json:"total"`
	HasMore bool                 `json:"hasMore"`
}

// RecorderStats tracks recording outcomes.
type RecorderStats struct {
	Recorded     int64      `json:"recorded"`
	Degraded     int64      `json:"degraded"`
	LastRecorded *time.Time `json:"last_recorded,omitempty"`
}

// Recorder writes tamper-evident audit entries and serves reads over
// them. A failed primary write degrades to a sentinel failure record so
// the caller's own transaction is never poisoned by audit trouble.
type Recorder struct {
	config  RecorderConfig
	repo    repository.AuditRepository
	shipper telemetry.Shipper

	evaluator Evaluator

	stats   RecorderStats
	statsMu sync.RWMutex

	now func() time.Time
}

// NewRecorder builds a Recorder. shipper may be nil when streaming is
// disabled.
func NewRecorder(cfg RecorderConfig, repo repository.AuditRepository, shipper telemetry.Shipper) *Recorder {
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = 100
	}
	if cfg.MaxExportRows <= 0 {
		cfg.MaxExportRows = 10000
	}
	if shipper == nil {
		shipper = telemetry.NopShipper{}
	}
	return &Recorder{
		config:  cfg,
		repo:    repo,
		shipper: shipper,
		now:     time.Now,
	}
}

// SetEvaluator attaches the anomaly detector. Wired after construction
// because the detector records through this same Recorder.
func (r *Recorder) SetEvaluator(e Evaluator) {
	r.evaluator = e
}

// SetClock replaces the clock. Test hook.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// Record validates input, stamps and checksums the entry, and persists
// it. On a primary write failure it writes a degraded failure record
// and returns an AuditError; it never panics and never re-raises the
// store error bare.
func (r *Recorder) Record(ctx context.Context, in RecordInput) (uuid.UUID, error) {
	if !in.Action.Valid() {
		return uuid.Nil, apperr.NewValidation("action", "unknown action "+string(in.Action))
	}
	if strings.TrimSpace(in.Resource) == "" {
		return uuid.Nil, apperr.NewValidation("resource", "must not be empty")
	}

	entry := r.buildEntry(in)
	entry.Checksum = ComputeChecksum(entry)

	if err := r.repo.Insert(ctx, entry); err != nil {
		logger.Error("Audit write failed, degrading to failure record",
			"action", in.Action, "resource", in.Resource, "error", err)
		telemetry.CountAuditWriteFailure()
		r.recordFailure(ctx, in, err)
		return uuid.Nil, apperr.NewAudit(apperr.CodeAuditLogFailed, err)
	}

	r.updateStats(func(s *RecorderStats) {
		s.Recorded++
		t := entry.Timestamp
		s.LastRecorded = &t
	})
	telemetry.CountAuditEntry(string(entry.Action))
	r.ship(entry)
	r.evaluate(ctx, entry)

	return entry.ID, nil
}

// buildEntry normalizes input into a stamped entry. The timestamp is
// truncated to microseconds so checksums survive the round-trip through
// the store.
func (r *Recorder) buildEntry(in RecordInput) *models.AuditEntry {
	payload := in.Payload
	if payload.Category == "" {
		payload.Category = models.PayloadGeneric
	}
	ip := in.IPAddress
	if ip == "" {
		ip = unknownValue
	}
	ua := in.UserAgent
	if ua == "" {
		ua = unknownValue
	}
	var resourceID *string
	if in.ResourceID != "" {
		rid := in.ResourceID
		resourceID = &rid
	}
	return &models.AuditEntry{
		ID:         uuid.New(),
		ActorID:    in.ActorID,
		Action:     in.Action,
		Resource:   in.Resource,
		ResourceID: resourceID,
		Payload:    payload,
		IPAddress:  ip,
		UserAgent:  ua,
		Timestamp:  r.now().UTC().Truncate(time.Microsecond),
		Status:     models.RecordStatusRecorded,
	}
}

// recordFailure writes the degraded record carrying the sentinel
// checksum. A second failure is logged and swallowed; by then there is
// nothing safe left to do.
func (r *Recorder) recordFailure(ctx context.Context, in RecordInput, writeErr error) {
	entry := &models.AuditEntry{
		ID:        uuid.New(),
		ActorID:   in.ActorID,
		Action:    in.Action,
		Resource:  in.Resource,
		Payload:   models.NewFailureRecordPayload(writeErr.Error(), in.Action, in.Resource, in.ResourceID),
		IPAddress: unknownValue,
		UserAgent: unknownValue,
		Timestamp: r.now().UTC().Truncate(time.Microsecond),
		Checksum:  FailureChecksum,
		Status:    models.RecordStatusDegraded,
	}
	if err := r.repo.Insert(ctx, entry); err != nil {
		logger.Error("Failure record write also failed, audit entry lost",
			"action", in.Action, "resource", in.Resource, "error", err)
		return
	}
	r.updateStats(func(s *RecorderStats) { s.Degraded++ })
}

func (r *Recorder) ship(entry *models.AuditEntry) {
	ev := telemetry.AuditEntryEvent{
		Timestamp: entry.Timestamp,
		EntryID:   entry.ID.String(),
		Action:    string(entry.Action),
		Resource:  entry.Resource,
		Category:  string(entry.Payload.Category),
		IPAddress: entry.IPAddress,
		Status:    string(entry.Status),
		Checksum:  entry.Checksum,
	}
	if entry.ActorID != nil {
		ev.ActorID = entry.ActorID.String()
	}
	if entry.ResourceID != nil {
		ev.ResourceID = *entry.ResourceID
	}
	r.shipper.Publish(ev)
}

func (r *Recorder) evaluate(ctx context.Context, entry *models.AuditEntry) {
	if r.evaluator == nil {
		return
	}
	if _, err := r.evaluator.Evaluate(ctx, entry); err != nil {
		logger.Error("Anomaly evaluation failed", "entry_id", entry.ID, "error", err)
	}
}

// Query returns one page of entries matching q, newest first. The page
// size is clamped to the configured limit.
func (r *Recorder) Query(ctx context.Context, q repository.AuditQuery) (*QueryPage, error) {
	if q.Limit <= 0 || q.Limit > r.config.QueryLimit {
		q.Limit = r.config.QueryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	entries, total, err := r.repo.Query(ctx, q)
	if err != nil {
		return nil, apperr.NewAudit(apperr.CodeAuditRetrievalFailed, err)
	}
	return &QueryPage{
		Entries: entries,
		Total:   total,
		HasMore: q.Offset+len(entries) < total,
	}, nil
}

// Get returns a single entry by id.
func (r *Recorder) Get(ctx context.Context, id uuid.UUID) (*models.AuditEntry, error) {
	entry, err := r.repo.GetByID(ctx, id)
	if err == repository.ErrNotFound {
		return nil, err
	}
	if err != nil {
		return nil, apperr.NewAudit(apperr.CodeAuditRetrievalFailed, err)
	}
	return entry, nil
}

// Stats returns a copy of the recorder statistics.
func (r *Recorder) Stats() RecorderStats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.stats
}

func (r *Recorder) updateStats(fn func(*RecorderStats)) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	fn(&r.stats)
}
