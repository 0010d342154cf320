// Package incident watches the audit stream for anomalies and drives
// automated responses. The Detector evaluates entries as they are
// recorded, the Manager owns the security event lifecycle, and the
// Responder executes the mapped countermeasures.
package incident

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ComUnity/audit-service/compliance/audit"
	"github.com/ComUnity/audit-service/internal/apperr"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/telemetry"
	"github.com/ComUnity/audit-service/internal/util/logger"
	"github.com/google/uuid"
)

// ManagerStats tracks security event lifecycle counts.
type ManagerStats struct {
	TotalEvents    int64                              `json:"total_events"`
	OpenEvents     int64                              `json:"open_events"`
	ResolvedEvents int64                              `json:"resolved_events"`
	FalsePositives int64                              `json:"false_positives"`
	BySeverity     map[models.Severity]int64          `json:"by_severity"`
	ByType         map[models.SecurityEventType]int64 `json:"by_type"`
	LastDetected   time.Time                          `json:"last_detected"`
}

// Manager owns the security event lifecycle: creation by the detector,
// response bookkeeping by the responder, and triage transitions driven
// by reviewers.
type Manager struct {
	events   repository.SecurityEventRepository
	recorder *audit.Recorder
	shipper  telemetry.Shipper

	stats   ManagerStats
	statsMu sync.RWMutex
	now     func() time.Time
}

// NewManager wires the manager to its event store, the audit trail,
// and the stream shipper.
func NewManager(events repository.SecurityEventRepository, recorder *audit.Recorder, shipper telemetry.Shipper) *Manager {
	if shipper == nil {
		shipper = telemetry.NopShipper{}
	}
	return &Manager{
		events:   events,
		recorder: recorder,
		shipper:  shipper,
		stats: ManagerStats{
			BySeverity: make(map[models.Severity]int64),
			ByType:     make(map[models.SecurityEventType]int64),
		},
		now: time.Now,
	}
}

// SetClock replaces the clock. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// CreateEvent persists a freshly detected event, records it on the
// audit trail, and ships it to the stream pipeline. The event comes
// back with id, status, and detection time filled in.
func (m *Manager) CreateEvent(ctx context.Context, event *models.SecurityEvent) error {
	if event.Type == "" {
		return apperr.NewValidation("type", "must not be empty")
	}
	if event.Severity == "" {
		return apperr.NewValidation("severity", "must not be empty")
	}

	event.ID = uuid.New()
	event.Status = models.EventStatusDetected
	event.DetectedAt = m.now().UTC()
	if event.Details == nil {
		event.Details = models.JSONMap{}
	}

	if err := m.events.Insert(ctx, event); err != nil {
		return apperr.NewSystem("incident.create_event", err)
	}

	m.updateStats(func(s *ManagerStats) {
		s.TotalEvents++
		s.OpenEvents++
		s.BySeverity[event.Severity]++
		s.ByType[event.Type]++
		s.LastDetected = event.DetectedAt
	})
	telemetry.CountSecurityEvent(string(event.Type), string(event.Severity))

	m.audit(ctx, models.ActionCreate, event)
	m.ship(event)

	logger.Warn("Security event detected",
		"event_id", event.ID,
		"type", event.Type,
		"severity", event.Severity,
		"actor_id", actorString(event.ActorID))
	return nil
}

// Get returns one event by id. Passes repository.ErrNotFound through.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.SecurityEvent, error) {
	event, err := m.events.GetByID(ctx, id)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, err
		}
		return nil, apperr.NewSystem("incident.get_event", err)
	}
	return event, nil
}

// List returns events matching the filter, newest first.
func (m *Manager) List(ctx context.Context, f repository.SecurityEventFilter) ([]*models.SecurityEvent, error) {
	events, err := m.events.List(ctx, f)
	if err != nil {
		return nil, apperr.NewSystem("incident.list_events", err)
	}
	return events, nil
}

// MarkResponded stamps the automated response onto the event and moves
// it to INVESTIGATING. Called by the responder after a dispatch.
func (m *Manager) MarkResponded(ctx context.Context, id uuid.UUID, response models.ResponseType) error {
	if err := m.events.SetResponse(ctx, id, string(response), models.EventStatusInvestigating); err != nil {
		if err == repository.ErrNotFound {
			return err
		}
		return apperr.NewSystem("incident.mark_responded", err)
	}
	return nil
}

// Resolve closes an event as RESOLVED or FALSE_POSITIVE. Terminal
// events stay terminal; anything else is a validation error.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, status models.EventStatus, resolvedBy *uuid.UUID) error {
	if status != models.EventStatusResolved && status != models.EventStatusFalsePositive {
		return apperr.NewValidation("status", fmt.Sprintf("%s is not a terminal status", status))
	}

	event, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if event.Status == models.EventStatusResolved || event.Status == models.EventStatusFalsePositive {
		return apperr.NewValidation("status", fmt.Sprintf("event already closed as %s", event.Status))
	}

	resolvedAt := m.now().UTC()
	if err := m.events.Resolve(ctx, id, status, resolvedAt); err != nil {
		if err == repository.ErrNotFound {
			return err
		}
		return apperr.NewSystem("incident.resolve_event", err)
	}

	m.updateStats(func(s *ManagerStats) {
		s.OpenEvents--
		if status == models.EventStatusFalsePositive {
			s.FalsePositives++
		} else {
			s.ResolvedEvents++
		}
	})

	if _, err := m.recorder.Record(ctx, audit.RecordInput{
		ActorID:    resolvedBy,
		Action:     models.ActionUpdate,
		Resource:   models.ResourceSecurityEvent,
		ResourceID: id.String(),
		Payload:    models.NewSecurityEventPayload(id.String(), event.Type, event.Severity),
	}); err != nil {
		logger.Error("Failed to audit event resolution", "event_id", id, "error", err)
	}

	logger.Info("Security event closed",
		"event_id", id,
		"status", status,
		"type", event.Type)
	return nil
}

// Stats returns a copy of the lifecycle counters.
func (m *Manager) Stats() ManagerStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()

	out := m.stats
	out.BySeverity = make(map[models.Severity]int64, len(m.stats.BySeverity))
	for k, v := range m.stats.BySeverity {
		out.BySeverity[k] = v
	}
	out.ByType = make(map[models.SecurityEventType]int64, len(m.stats.ByType))
	for k, v := range m.stats.ByType {
		out.ByType[k] = v
	}
	return out
}

func (m *Manager) updateStats(fn func(*ManagerStats)) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	fn(&m.stats)
}

// audit writes the event onto the tamper-evident trail. The payload
// category security_event keeps the detector from re-evaluating it.
func (m *Manager) audit(ctx context.Context, action models.Action, event *models.SecurityEvent) {
	if _, err := m.recorder.Record(ctx, audit.RecordInput{
		ActorID:    event.ActorID,
		Action:     action,
		Resource:   models.ResourceSecurityEvent,
		ResourceID: event.ID.String(),
		Payload:    models.NewSecurityEventPayload(event.ID.String(), event.Type, event.Severity),
	}); err != nil {
		logger.Error("Failed to audit security event", "event_id", event.ID, "error", err)
	}
}

func (m *Manager) ship(event *models.SecurityEvent) {
	m.shipper.Publish(telemetry.SecurityEventEvent{
		Timestamp: event.DetectedAt,
		EventID:   event.ID.String(),
		ActorID:   actorString(event.ActorID),
		Type:      string(event.Type),
		Severity:  string(event.Severity),
		Status:    string(event.Status),
	})
}

func actorString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
