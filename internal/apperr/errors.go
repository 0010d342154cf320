// Package apperr defines the typed errors surfaced across service
// boundaries so callers can branch on failure class instead of string
// matching.
package apperr

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// RateLimitError reports that a caller exceeded a rate limit. RetryAfter
// is how long until the window resets.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// AuthenticationError reports a failed credential check. Reason is safe
// to log but not meant for end users.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// LockoutError reports that the subject is locked out until LockedUntil.
type LockoutError struct {
	LockedUntil time.Time
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("locked until %s", e.LockedUntil.UTC().Format(time.RFC3339))
}

// IntegrityError reports a tamper-evident check failure on one entry.
type IntegrityError struct {
	EntryID        uuid.UUID
	TamperedFields []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for entry %s, tampered fields %v", e.EntryID, e.TamperedFields)
}

// AuditCode classifies audit pipeline failures.
type AuditCode string

const (
	CodeAuditLogFailed              AuditCode = "AUDIT_LOG_FAILED"
	CodeAuditRetrievalFailed        AuditCode = "AUDIT_RETRIEVAL_FAILED"
	CodeIntegrityVerificationFailed AuditCode = "INTEGRITY_VERIFICATION_FAILED"
	CodeBatchVerificationFailed     AuditCode = "BATCH_VERIFICATION_FAILED"
)

// AuditError wraps a failure in the audit pipeline with a stable code.
type AuditError struct {
	Code AuditCode
	Err  error
}

func (e *AuditError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *AuditError) Unwrap() error { return e.Err }

// NewAudit wraps err under an audit code.
func NewAudit(code AuditCode, err error) *AuditError {
	return &AuditError{Code: code, Err: err}
}

// SystemError wraps an infrastructure failure (store, broker, clock)
// with the operation that hit it.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

// NewSystem wraps err under an operation name.
func NewSystem(op string, err error) *SystemError {
	return &SystemError{Op: op, Err: err}
}

// AsValidation unwraps err to a ValidationError if one is in the chain.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}

// AsRateLimit unwraps err to a RateLimitError if one is in the chain.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var re *RateLimitError
	ok := errors.As(err, &re)
	return re, ok
}

// AsLockout unwraps err to a LockoutError if one is in the chain.
func AsLockout(err error) (*LockoutError, bool) {
	var le *LockoutError
	ok := errors.As(err, &le)
	return le, ok
}
