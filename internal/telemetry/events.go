package telemetry

import "time"

// AuditEntryEvent is the wire form of one recorded audit entry as
// shipped to the stream pipeline. @timestamp is the event time.
type AuditEntryEvent struct {
	Timestamp  time.Time `json:"@timestamp"`
	EntryID    string    `json:"entry_id"`
	ActorID    string    `json:"actor_id,omitempty"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resource_id,omitempty"`
	Category   string    `json:"category,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	Status     string    `json:"status,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
}

// SecurityEventEvent is the wire form of one detected security event.
type SecurityEventEvent struct {
	Timestamp time.Time `json:"@timestamp"`
	EventID   string    `json:"event_id"`
	ActorID   string    `json:"actor_id,omitempty"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Status    string    `json:"status,omitempty"`
	Response  string    `json:"response,omitempty"`
}

// RequestEvent is the wire form of one handled HTTP request.
type RequestEvent struct {
	Timestamp  time.Time `json:"@timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status_code"`
	DurationMs int64     `json:"duration_ms"`
	ActorID    string    `json:"actor_id,omitempty"`
	IPBucket   string    `json:"ip_bucket,omitempty"`
	UAHash     string    `json:"ua_hash,omitempty"`
}
