package models

// PayloadCategory discriminates the audit payload union.
type PayloadCategory string

const (
	PayloadLogin          PayloadCategory = "login"
	PayloadPermission     PayloadCategory = "permission_check"
	PayloadDataAccess     PayloadCategory = "data_access"
	PayloadSession        PayloadCategory = "session"
	PayloadResponseAction PayloadCategory = "response_action"
	PayloadSecurityEvent  PayloadCategory = "security_event"
	PayloadFailureRecord  PayloadCategory = "failure_record"
	PayloadExport         PayloadCategory = "export"
	PayloadGeneric        PayloadCategory = "generic"
)

// Payload is the structured body of an audit entry: a tagged union keyed
// by Category with exactly one variant set. The zero value is treated as
// an empty generic payload.
type Payload struct {
	Category   PayloadCategory        `json:"category"`
	Login      *LoginPayload          `json:"login,omitempty"`
	Permission *PermissionPayload     `json:"permission,omitempty"`
	DataAccess *DataAccessPayload     `json:"dataAccess,omitempty"`
	Session    *SessionPayload        `json:"session,omitempty"`
	Response   *ResponseActionPayload `json:"response,omitempty"`
	Event      *SecurityEventPayload  `json:"event,omitempty"`
	Failure    *FailureRecordPayload  `json:"failure,omitempty"`
	Export     *ExportPayload         `json:"export,omitempty"`
	Generic    JSONMap                `json:"generic,omitempty"`
}

// LoginPayload captures the outcome of an authentication attempt.
// Identifier is the normalized login identifier, kept even when the
// attempt could not be attributed to a user.
type LoginPayload struct {
	Identifier string `json:"identifier"`
	Success    bool   `json:"success"`
	Reason     string `json:"reason,omitempty"` // set on failure
	Location   string `json:"location,omitempty"`
}

// PermissionPayload captures a permission decision. ResourceRole is the
// role level of the resource the actor tried to touch.
type PermissionPayload struct {
	Permission   string `json:"permission"`
	Granted      bool   `json:"granted"`
	ResourceRole Role   `json:"resourceRole,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// DataAccessPayload captures reads and exports of domain data.
type DataAccessPayload struct {
	Fields  []string `json:"fields,omitempty"`
	Rows    int      `json:"rows,omitempty"`
	Purpose string   `json:"purpose,omitempty"`
}

// SessionPayload captures session lifecycle transitions.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
	Event     string `json:"event"` // created, extended, terminated
	Reason    string `json:"reason,omitempty"`
}

// ResponseActionPayload records an automated response that was applied
// because of a security event. Entries carrying it are excluded from
// anomaly evaluation so responses cannot feed back into detection.
type ResponseActionPayload struct {
	EventID      string       `json:"eventId"`
	ResponseType ResponseType `json:"responseType"`
	Outcome      string       `json:"outcome"`
}

// SecurityEventPayload records the emission of a security event itself.
// Like ResponseActionPayload it is skipped by the detector.
type SecurityEventPayload struct {
	EventID  string            `json:"eventId"`
	Type     SecurityEventType `json:"type"`
	Severity Severity          `json:"severity"`
}

// FailureRecordPayload marks a degraded entry written after the primary
// audit write failed.
type FailureRecordPayload struct {
	Error      string `json:"error"`
	Action     Action `json:"action"`
	Resource   string `json:"resource"`
	ResourceID string `json:"resourceId,omitempty"`
}

// ExportPayload records an export of audit data.
type ExportPayload struct {
	Format   string `json:"format"`
	Rows     int    `json:"rows"`
	Checksum string `json:"checksum"`
}

// NewLoginPayload builds a login payload.
func NewLoginPayload(identifier string, success bool, reason, location string) Payload {
	return Payload{
		Category: PayloadLogin,
		Login:    &LoginPayload{Identifier: identifier, Success: success, Reason: reason, Location: location},
	}
}

// NewPermissionPayload builds a permission-check payload.
func NewPermissionPayload(permission string, granted bool, resourceRole Role, reason string) Payload {
	return Payload{
		Category:   PayloadPermission,
		Permission: &PermissionPayload{Permission: permission, Granted: granted, ResourceRole: resourceRole, Reason: reason},
	}
}

// NewSessionPayload builds a session lifecycle payload.
func NewSessionPayload(sessionID, event, reason string) Payload {
	return Payload{
		Category: PayloadSession,
		Session:  &SessionPayload{SessionID: sessionID, Event: event, Reason: reason},
	}
}

// NewResponseActionPayload builds a response-action payload.
func NewResponseActionPayload(eventID string, rt ResponseType, outcome string) Payload {
	return Payload{
		Category: PayloadResponseAction,
		Response: &ResponseActionPayload{EventID: eventID, ResponseType: rt, Outcome: outcome},
	}
}

// NewSecurityEventPayload builds a security-event payload.
func NewSecurityEventPayload(eventID string, t SecurityEventType, sev Severity) Payload {
	return Payload{
		Category: PayloadSecurityEvent,
		Event:    &SecurityEventPayload{EventID: eventID, Type: t, Severity: sev},
	}
}

// NewFailureRecordPayload builds the degraded-entry payload.
func NewFailureRecordPayload(writeErr string, action Action, resource, resourceID string) Payload {
	return Payload{
		Category: PayloadFailureRecord,
		Failure:  &FailureRecordPayload{Error: writeErr, Action: action, Resource: resource, ResourceID: resourceID},
	}
}

// NewExportPayload builds an export payload.
func NewExportPayload(format string, rows int, checksum string) Payload {
	return Payload{
		Category: PayloadExport,
		Export:   &ExportPayload{Format: format, Rows: rows, Checksum: checksum},
	}
}

// NewGenericPayload wraps free-form attributes.
func NewGenericPayload(attrs JSONMap) Payload {
	return Payload{Category: PayloadGeneric, Generic: attrs}
}
