// Package omserrors provides the unified error taxonomy for the OMS
// concurrency spine, adapted from the service layer's ServiceError pattern.
package omserrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a stable error kind surfaced to callers.
type Code string

const (
	CodeConflict          Code = "OCC_CONFLICT"
	CodeLockConflict      Code = "LOCK_CONFLICT"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeNotOwner          Code = "NOT_OWNER"
	CodeExpired           Code = "EXPIRED"
	CodeMergeConflicts    Code = "MERGE_CONFLICTS"
	CodeSemanticViolation Code = "SEMANTIC_VIOLATION"
	CodePolicyDenied      Code = "POLICY_DENIED"
	CodeDeadlineExceeded  Code = "DEADLINE_EXCEEDED"
	CodeStoreUnavailable  Code = "STORE_UNAVAILABLE"
	CodeIntegrityError    Code = "INTEGRITY_ERROR"
	CodeInvalidScope      Code = "INVALID_SCOPE"
	CodeNotFound          Code = "NOT_FOUND"
)

// Error is a structured error carrying a stable Code, an HTTP status for
// transport layers, and optional machine-readable Details.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches a key/value pair to the error's Details map.
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func new_(code Code, status int, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status}
}

func wrap(code Code, status int, message string, err error) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Conflict reports an OCC parent-commit mismatch.
func Conflict(resourceType, resourceID, expected, actual string) *Error {
	return new_(CodeConflict, http.StatusConflict, "parent commit mismatch").
		WithDetails("resource_type", resourceType).
		WithDetails("resource_id", resourceID).
		WithDetails("expected", expected).
		WithDetails("actual", actual)
}

// LockConflict reports that an acquire could not proceed because of
// existing active, non-expired locks.
func LockConflict(holders []string) *Error {
	return new_(CodeLockConflict, http.StatusConflict, "lock held by another owner").
		WithDetails("holders", holders)
}

// InvalidTransition reports a disallowed branch-state transition.
func InvalidTransition(from, to string) *Error {
	return new_(CodeInvalidTransition, http.StatusConflict, "invalid branch state transition").
		WithDetails("from", from).
		WithDetails("to", to)
}

// NotOwner reports a release/heartbeat attempted by a non-owner.
func NotOwner() *Error {
	return new_(CodeNotOwner, http.StatusForbidden, "caller does not own this lock")
}

// Expired reports a TTL or heartbeat expiry.
func Expired() *Error {
	return new_(CodeExpired, http.StatusGone, "lock has expired")
}

// MergeConflicts reports that a merge could not auto-resolve.
func MergeConflicts(count int) *Error {
	return new_(CodeMergeConflicts, http.StatusConflict, "merge produced unresolved conflicts").
		WithDetails("conflict_count", count)
}

// SemanticViolation reports a domain validator rejection.
func SemanticViolation(messages []string) *Error {
	return new_(CodeSemanticViolation, http.StatusUnprocessableEntity, "semantic validation failed").
		WithDetails("errors", messages)
}

// PolicyDenied reports an RBAC, issue-tracking, or override rule failure.
func PolicyDenied(reason string) *Error {
	return new_(CodePolicyDenied, http.StatusForbidden, reason)
}

// PolicyDeniedStatus allows the gate to surface 401/403/422 per spec.md §4.7/§8.
func PolicyDeniedStatus(reason string, status int) *Error {
	return new_(CodePolicyDenied, status, reason)
}

// DeadlineExceeded reports that the caller's deadline elapsed.
func DeadlineExceeded() *Error {
	return new_(CodeDeadlineExceeded, http.StatusGatewayTimeout, "deadline exceeded")
}

// StoreUnavailable reports the ledger, state store, or bus is down.
func StoreUnavailable(err error) *Error {
	return wrap(CodeStoreUnavailable, http.StatusServiceUnavailable, "backing store unavailable", err)
}

// IntegrityError reports a malformed author string or event envelope.
func IntegrityError(reason string) *Error {
	return new_(CodeIntegrityError, http.StatusBadRequest, reason)
}

// InvalidScope reports a RESOURCE-scope lock request missing type/id.
func InvalidScope() *Error {
	return new_(CodeInvalidScope, http.StatusBadRequest, "resource scope requires resource_type and resource_id")
}

// NotFound reports a missing entity.
func NotFound(what string) *Error {
	return new_(CodeNotFound, http.StatusNotFound, what+" not found")
}

// As extracts an *Error from err, mirroring errors.As for convenience.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
