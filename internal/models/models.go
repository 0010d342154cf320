package models

import (
	"time"

	"github.com/google/uuid"
)

// Action identifies what an actor did to a resource.
type Action string

const (
	ActionCreate           Action = "CREATE"
	ActionRead             Action = "READ"
	ActionUpdate           Action = "UPDATE"
	ActionDelete           Action = "DELETE"
	ActionExport           Action = "EXPORT"
	ActionVerify           Action = "VERIFY"
	ActionLoginSuccess     Action = "LOGIN_SUCCESS"
	ActionLoginFailed      Action = "LOGIN_FAILED"
	ActionPermissionDenied Action = "PERMISSION_DENIED"
)

// Valid reports whether a is one of the known audit actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete,
		ActionExport, ActionVerify,
		ActionLoginSuccess, ActionLoginFailed, ActionPermissionDenied:
		return true
	}
	return false
}

// Well-known resource names. Resource is free-form so callers can audit
// domain objects this service never sees, but everything emitted from
// inside the service uses one of these.
const (
	ResourceUser          = "USER"
	ResourceUserSecurity  = "USER_SECURITY"
	ResourceSession       = "SESSION"
	ResourceOTP           = "OTP"
	ResourceMFA           = "MFA"
	ResourceAuditLog      = "AUDIT_LOG"
	ResourceSecurityEvent = "SECURITY_EVENT"
	ResourceReviewFlag    = "REVIEW_FLAG"
)

// RecordStatus is the only AuditEntry field that is derived rather than
// captured, and the only one allowed to differ between writes of the
// same logical entry.
type RecordStatus string

const (
	RecordStatusRecorded RecordStatus = "RECORDED"
	RecordStatusDegraded RecordStatus = "DEGRADED" // failure record written after a primary write failed
)

// AuditEntry is an append-only record of one action. Timestamp is
// truncated to microseconds before the checksum is computed so the value
// survives the round-trip through the store unchanged.
type AuditEntry struct {
	ID         uuid.UUID    `json:"id" db:"id"`
	ActorID    *uuid.UUID   `json:"actorId,omitempty" db:"actor_id"` // nil for unattributed actions (e.g. failed logins)
	Action     Action       `json:"action" db:"action"`
	Resource   string       `json:"resource" db:"resource"`
	ResourceID *string      `json:"resourceId,omitempty" db:"resource_id"`
	Payload    Payload      `json:"payload" db:"payload"`
	IPAddress  string       `json:"ipAddress" db:"ip_address"`
	UserAgent  string       `json:"userAgent" db:"user_agent"`
	Timestamp  time.Time    `json:"timestamp" db:"occurred_at"`
	Checksum   string       `json:"checksum" db:"checksum"`
	Status     RecordStatus `json:"status" db:"status"`
}

// SecurityEventType classifies a detected anomaly.
type SecurityEventType string

const (
	EventSuspiciousLogin      SecurityEventType = "SUSPICIOUS_LOGIN"
	EventMultipleFailedLogins SecurityEventType = "MULTIPLE_FAILED_LOGINS"
	EventUnusualLocation      SecurityEventType = "UNUSUAL_LOCATION"
	EventPrivilegeEscalation  SecurityEventType = "PRIVILEGE_ESCALATION"
	EventSessionHijacking     SecurityEventType = "SESSION_HIJACKING"
	EventMFALockout           SecurityEventType = "MFA_LOCKOUT"
)

// Severity of a security event.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// EventStatus tracks a security event through triage.
type EventStatus string

const (
	EventStatusDetected      EventStatus = "DETECTED"
	EventStatusInvestigating EventStatus = "INVESTIGATING"
	EventStatusResolved      EventStatus = "RESOLVED"
	EventStatusFalsePositive EventStatus = "FALSE_POSITIVE"
)

// SecurityEvent is one detected anomaly and its triage state.
type SecurityEvent struct {
	ID                uuid.UUID         `json:"id" db:"id"`
	Type              SecurityEventType `json:"type" db:"event_type"`
	Severity          Severity          `json:"severity" db:"severity"`
	ActorID           *uuid.UUID        `json:"actorId,omitempty" db:"actor_id"`
	Description       string            `json:"description" db:"description"`
	Details           JSONMap           `json:"details" db:"details"`
	Status            EventStatus       `json:"status" db:"status"`
	DetectedAt        time.Time         `json:"detectedAt" db:"detected_at"`
	ResolvedAt        *time.Time        `json:"resolvedAt,omitempty" db:"resolved_at"`
	AutomatedResponse *string           `json:"automatedResponse,omitempty" db:"automated_response"`
}

// ResponseType names an automated response to a security event.
type ResponseType string

const (
	ResponseLockAccountTemporary ResponseType = "LOCK_ACCOUNT_TEMPORARY"
	ResponseRequireMFA           ResponseType = "REQUIRE_MFA"
	ResponseFlagForReview        ResponseType = "FLAG_FOR_REVIEW"
)

// Valid reports whether r is a known response type.
func (r ResponseType) Valid() bool {
	switch r {
	case ResponseLockAccountTemporary, ResponseRequireMFA, ResponseFlagForReview:
		return true
	}
	return false
}

// Session is an authenticated session. Token is the signed bearer token
// handed to the client at creation.
type Session struct {
	ID                uuid.UUID `json:"id" db:"id"`
	UserID            uuid.UUID `json:"userId" db:"user_id"`
	Token             string    `json:"token,omitempty" db:"token"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
	ExpiresAt         time.Time `json:"expiresAt" db:"expires_at"`
	IPAddress         string    `json:"ipAddress,omitempty" db:"ip_address"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty" db:"device_fingerprint"`
}

// Expired reports whether the session has expired as of now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// OTPRecord is a single one-time code issued to an identifier. Only the
// keyed hash of the code is stored.
type OTPRecord struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Identifier string    `json:"identifier" db:"identifier"` // normalized email or phone
	CodeHash   string    `json:"-" db:"code_hash"`
	ExpiresAt  time.Time `json:"expiresAt" db:"expires_at"`
	Attempts   int       `json:"attempts" db:"attempts"`
	IsUsed     bool      `json:"isUsed" db:"is_used"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// MFAState holds a user's TOTP enrollment. BackupCodes are keyed hashes;
// each is removed when consumed.
type MFAState struct {
	UserID         uuid.UUID  `json:"userId" db:"user_id"`
	Secret         string     `json:"-" db:"secret"` // base32, no padding
	BackupCodes    []string   `json:"-" db:"backup_codes"`
	FailedAttempts int        `json:"failedAttempts" db:"failed_attempts"`
	LockedUntil    *time.Time `json:"lockedUntil,omitempty" db:"locked_until"`
	EnabledAt      time.Time  `json:"enabledAt" db:"enabled_at"`
	UpdatedAt      time.Time  `json:"updatedAt" db:"updated_at"`
}

// Locked reports whether MFA verification is locked out as of now.
func (m *MFAState) Locked(now time.Time) bool {
	return m.LockedUntil != nil && now.Before(*m.LockedUntil)
}

// Role of a platform user as seen by this service.
type Role string

const (
	RoleUser       Role = "USER"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// UserSecurity is the per-user security posture this service owns:
// lockout state, forced-MFA window, and the role used for gating.
type UserSecurity struct {
	UserID           uuid.UUID  `json:"userId" db:"user_id"`
	Identifier       string     `json:"identifier" db:"identifier"` // normalized login identifier
	Role             Role       `json:"role" db:"role"`
	Active           bool       `json:"active" db:"active"`
	LockedUntil      *time.Time `json:"lockedUntil,omitempty" db:"locked_until"`
	LockReason       string     `json:"lockReason,omitempty" db:"lock_reason"`
	MFARequiredUntil *time.Time `json:"mfaRequiredUntil,omitempty" db:"mfa_required_until"`
	UpdatedAt        time.Time  `json:"updatedAt" db:"updated_at"`
}

// Locked reports whether the account is locked as of now.
func (u *UserSecurity) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// ReviewFlag queues a security event for human review.
type ReviewFlag struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	EventID    uuid.UUID  `json:"eventId" db:"event_id"`
	ActorID    *uuid.UUID `json:"actorId,omitempty" db:"actor_id"`
	Priority   Severity   `json:"priority" db:"priority"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	ReviewedAt *time.Time `json:"reviewedAt,omitempty" db:"reviewed_at"`
}

// JSONMap is a simple type for JSON data
type JSONMap map[string]interface{}
