package repository

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ComUnity/audit-service/internal/models"
	"github.com/google/uuid"
)

// The memory implementations back the "memory" database driver and the
// test suites. They keep the same observable semantics as the
// PostgreSQL implementations, including atomic counter updates, behind
// a mutex.

type memoryAuditRepository struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]models.AuditEntry
	order   []uuid.UUID
}

// NewMemoryAuditRepository returns an in-memory AuditRepository.
func NewMemoryAuditRepository() AuditRepository {
	return &memoryAuditRepository{entries: make(map[uuid.UUID]models.AuditEntry)}
}

func (r *memoryAuditRepository) Insert(ctx context.Context, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ID] = *entry
	r.order = append(r.order, entry.ID)
	return nil
}

func (r *memoryAuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (r *memoryAuditRepository) Query(ctx context.Context, q AuditQuery) ([]*models.AuditEntry, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []models.AuditEntry
	for _, id := range r.order {
		entry := r.entries[id]
		if !auditMatches(&entry, q) {
			continue
		}
		matched = append(matched, entry)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	start := q.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	out := make([]*models.AuditEntry, 0, end-start)
	for i := start; i < end; i++ {
		entry := matched[i]
		out = append(out, &entry)
	}
	return out, total, nil
}

func auditMatches(entry *models.AuditEntry, q AuditQuery) bool {
	if q.ActorID != nil && (entry.ActorID == nil || *entry.ActorID != *q.ActorID) {
		return false
	}
	if q.Action != "" && entry.Action != q.Action {
		return false
	}
	if q.Resource != "" && entry.Resource != q.Resource {
		return false
	}
	if q.ResourceID != "" && (entry.ResourceID == nil || *entry.ResourceID != q.ResourceID) {
		return false
	}
	if q.From != nil && entry.Timestamp.Before(*q.From) {
		return false
	}
	if q.To != nil && !entry.Timestamp.Before(*q.To) {
		return false
	}
	if q.Search != "" && !auditSearchMatches(entry, q.Search) {
		return false
	}
	return true
}

func auditSearchMatches(entry *models.AuditEntry, search string) bool {
	needle := strings.ToLower(search)
	if strings.Contains(strings.ToLower(entry.Resource), needle) {
		return true
	}
	if entry.ResourceID != nil && strings.Contains(strings.ToLower(*entry.ResourceID), needle) {
		return true
	}
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(payload)), needle)
}

func (r *memoryAuditRepository) CountLoginFailures(ctx context.Context, identifier string, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, entry := range r.entries {
		if entry.Action != models.ActionLoginFailed || entry.Timestamp.Before(since) {
			continue
		}
		if entry.Payload.Login != nil && entry.Payload.Login.Identifier == identifier {
			n++
		}
	}
	return n, nil
}

func (r *memoryAuditRepository) CountPermissionDenied(ctx context.Context, actorID uuid.UUID, resourceRoles []models.Role, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, entry := range r.entries {
		if entry.Action != models.ActionPermissionDenied || entry.Timestamp.Before(since) {
			continue
		}
		if entry.ActorID == nil || *entry.ActorID != actorID || entry.Payload.Permission == nil {
			continue
		}
		for _, role := range resourceRoles {
			if entry.Payload.Permission.ResourceRole == role {
				n++
				break
			}
		}
	}
	return n, nil
}

func (r *memoryAuditRepository) DistinctLoginLocations(ctx context.Context, actorID uuid.UUID, since time.Time, excluding uuid.UUID) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, entry := range r.entries {
		if entry.ID == excluding {
			continue
		}
		if entry.Action != models.ActionLoginSuccess || entry.Timestamp.Before(since) {
			continue
		}
		if entry.ActorID == nil || *entry.ActorID != actorID {
			continue
		}
		loc := entry.IPAddress
		if entry.Payload.Login != nil && entry.Payload.Login.Location != "" {
			loc = entry.Payload.Login.Location
		}
		seen[loc] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for loc := range seen {
		out = append(out, loc)
	}
	return out, nil
}

type memorySecurityEventRepository struct {
	mu     sync.RWMutex
	events map[uuid.UUID]models.SecurityEvent
}

// NewMemorySecurityEventRepository returns an in-memory
// SecurityEventRepository.
func NewMemorySecurityEventRepository() SecurityEventRepository {
	return &memorySecurityEventRepository{events: make(map[uuid.UUID]models.SecurityEvent)}
}

func (r *memorySecurityEventRepository) Insert(ctx context.Context, event *models.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[event.ID] = *event
	return nil
}

func (r *memorySecurityEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SecurityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	event, ok := r.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &event, nil
}

func (r *memorySecurityEventRepository) List(ctx context.Context, f SecurityEventFilter) ([]*models.SecurityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []models.SecurityEvent
	for _, event := range r.events {
		if f.ActorID != nil && (event.ActorID == nil || *event.ActorID != *f.ActorID) {
			continue
		}
		if f.Type != "" && event.Type != f.Type {
			continue
		}
		if f.Status != "" && event.Status != f.Status {
			continue
		}
		if f.Severity != "" && event.Severity != f.Severity {
			continue
		}
		if f.Since != nil && event.DetectedAt.Before(*f.Since) {
			continue
		}
		matched = append(matched, event)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].DetectedAt.After(matched[j].DetectedAt)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*models.SecurityEvent, 0, end-start)
	for i := start; i < end; i++ {
		event := matched[i]
		out = append(out, &event)
	}
	return out, nil
}

func (r *memorySecurityEventRepository) SetResponse(ctx context.Context, id uuid.UUID, response string, status models.EventStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return ErrNotFound
	}
	event.AutomatedResponse = &response
	event.Status = status
	r.events[id] = event
	return nil
}

func (r *memorySecurityEventRepository) Resolve(ctx context.Context, id uuid.UUID, status models.EventStatus, resolvedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return ErrNotFound
	}
	if event.Status != models.EventStatusDetected && event.Status != models.EventStatusInvestigating {
		return ErrNotFound
	}
	event.Status = status
	event.ResolvedAt = &resolvedAt
	r.events[id] = event
	return nil
}

type memorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]models.Session
}

// NewMemorySessionRepository returns an in-memory SessionRepository.
func NewMemorySessionRepository() SessionRepository {
	return &memorySessionRepository{sessions: make(map[uuid.UUID]models.Session)}
}

func (r *memorySessionRepository) Insert(ctx context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = *s
	return nil
}

func (r *memorySessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *memorySessionRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Session
	for _, s := range r.sessions {
		if s.UserID != userID {
			continue
		}
		s := s
		out = append(out, &s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *memorySessionRepository) ExtendExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if expiresAt.After(s.ExpiresAt) {
		s.ExpiresAt = expiresAt
		r.sessions[id] = s
	}
	return nil
}

func (r *memorySessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(r.sessions, id)
	return nil
}

func (r *memorySessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if s.ExpiresAt.Before(before) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

type memoryOTPRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID]models.OTPRecord
	seq     map[uuid.UUID]int
	next    int
}

// NewMemoryOTPRepository returns an in-memory OTPRepository.
func NewMemoryOTPRepository() OTPRepository {
	return &memoryOTPRepository{
		records: make(map[uuid.UUID]models.OTPRecord),
		seq:     make(map[uuid.UUID]int),
	}
}

func (r *memoryOTPRepository) Insert(ctx context.Context, rec *models.OTPRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.records[rec.ID] = *rec
	r.seq[rec.ID] = r.next
	return nil
}

func (r *memoryOTPRepository) Latest(ctx context.Context, identifier string) (*models.OTPRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best    *models.OTPRecord
		bestSeq int
	)
	for id, rec := range r.records {
		if rec.Identifier != identifier {
			continue
		}
		if best == nil || r.seq[id] > bestSeq {
			rec := rec
			best = &rec
			bestSeq = r.seq[id]
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (r *memoryOTPRepository) MarkUsed(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.IsUsed {
		return ErrNotFound
	}
	rec.IsUsed = true
	r.records[id] = rec
	return nil
}

func (r *memoryOTPRepository) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return 0, ErrNotFound
	}
	rec.Attempts++
	r.records[id] = rec
	return rec.Attempts, nil
}

func (r *memoryOTPRepository) PurgeExpired(ctx context.Context, identifier string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.records {
		if rec.Identifier == identifier && rec.ExpiresAt.Before(now) {
			delete(r.records, id)
			delete(r.seq, id)
			n++
		}
	}
	return n, nil
}

func (r *memoryOTPRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.records {
		if rec.ExpiresAt.Before(before) {
			delete(r.records, id)
			delete(r.seq, id)
			n++
		}
	}
	return n, nil
}

type memoryMFARepository struct {
	mu     sync.Mutex
	states map[uuid.UUID]models.MFAState
}

// NewMemoryMFARepository returns an in-memory MFARepository.
func NewMemoryMFARepository() MFARepository {
	return &memoryMFARepository{states: make(map[uuid.UUID]models.MFAState)}
}

func (r *memoryMFARepository) Get(ctx context.Context, userID uuid.UUID) (*models.MFAState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := state
	out.BackupCodes = append([]string(nil), state.BackupCodes...)
	return &out, nil
}

func (r *memoryMFARepository) Save(ctx context.Context, state *models.MFAState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := *state
	saved.BackupCodes = append([]string(nil), state.BackupCodes...)
	r.states[state.UserID] = saved
	return nil
}

func (r *memoryMFARepository) IncrementFailures(ctx context.Context, userID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[userID]
	if !ok {
		return 0, ErrNotFound
	}
	state.FailedAttempts++
	r.states[userID] = state
	return state.FailedAttempts, nil
}

func (r *memoryMFARepository) ResetFailures(ctx context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[userID]
	if !ok {
		return ErrNotFound
	}
	state.FailedAttempts = 0
	state.LockedUntil = nil
	r.states[userID] = state
	return nil
}

func (r *memoryMFARepository) SetLock(ctx context.Context, userID uuid.UUID, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[userID]
	if !ok {
		return ErrNotFound
	}
	state.LockedUntil = &until
	r.states[userID] = state
	return nil
}

func (r *memoryMFARepository) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, codeHash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[userID]
	if !ok {
		return false, nil
	}
	for i, hash := range state.BackupCodes {
		if hash == codeHash {
			state.BackupCodes = append(state.BackupCodes[:i], state.BackupCodes[i+1:]...)
			r.states[userID] = state
			return true, nil
		}
	}
	return false, nil
}

type memoryUserSecurityRepository struct {
	mu      sync.RWMutex
	users   map[uuid.UUID]models.UserSecurity
	byIdent map[string]uuid.UUID
}

// NewMemoryUserSecurityRepository returns an in-memory
// UserSecurityRepository.
func NewMemoryUserSecurityRepository() UserSecurityRepository {
	return &memoryUserSecurityRepository{
		users:   make(map[uuid.UUID]models.UserSecurity),
		byIdent: make(map[string]uuid.UUID),
	}
}

func (r *memoryUserSecurityRepository) Get(ctx context.Context, userID uuid.UUID) (*models.UserSecurity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	us, ok := r.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &us, nil
}

func (r *memoryUserSecurityRepository) GetByIdentifier(ctx context.Context, identifier string) (*models.UserSecurity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIdent[identifier]
	if !ok {
		return nil, ErrNotFound
	}
	us := r.users[id]
	return &us, nil
}

func (r *memoryUserSecurityRepository) Save(ctx context.Context, us *models.UserSecurity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.users[us.UserID]; ok && prev.Identifier != us.Identifier {
		delete(r.byIdent, prev.Identifier)
	}
	r.users[us.UserID] = *us
	r.byIdent[us.Identifier] = us.UserID
	return nil
}

func (r *memoryUserSecurityRepository) Lock(ctx context.Context, userID uuid.UUID, until time.Time, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	us, ok := r.users[userID]
	if !ok {
		return ErrNotFound
	}
	us.Active = false
	us.LockedUntil = &until
	us.LockReason = reason
	us.UpdatedAt = at
	r.users[userID] = us
	return nil
}

func (r *memoryUserSecurityRepository) RequireMFA(ctx context.Context, userID uuid.UUID, until time.Time, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	us, ok := r.users[userID]
	if !ok {
		return ErrNotFound
	}
	us.MFARequiredUntil = &until
	us.UpdatedAt = at
	r.users[userID] = us
	return nil
}

type memoryReviewFlagRepository struct {
	mu    sync.Mutex
	flags map[uuid.UUID]models.ReviewFlag
}

// NewMemoryReviewFlagRepository returns an in-memory
// ReviewFlagRepository.
func NewMemoryReviewFlagRepository() ReviewFlagRepository {
	return &memoryReviewFlagRepository{flags: make(map[uuid.UUID]models.ReviewFlag)}
}

func (r *memoryReviewFlagRepository) Insert(ctx context.Context, flag *models.ReviewFlag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags[flag.ID] = *flag
	return nil
}

func (r *memoryReviewFlagRepository) ListOpen(ctx context.Context, limit int) ([]*models.ReviewFlag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*models.ReviewFlag
	for _, flag := range r.flags {
		if flag.ReviewedAt != nil {
			continue
		}
		flag := flag
		out = append(out, &flag)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryReviewFlagRepository) MarkReviewed(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	flag, ok := r.flags[id]
	if !ok || flag.ReviewedAt != nil {
		return ErrNotFound
	}
	flag.ReviewedAt = &at
	r.flags[id] = flag
	return nil
}

func (r *memoryReviewFlagRepository) DeleteReviewedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, flag := range r.flags {
		if flag.ReviewedAt != nil && flag.ReviewedAt.Before(before) {
			delete(r.flags, id)
			n++
		}
	}
	return n, nil
}
