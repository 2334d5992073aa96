package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors
var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrTooManyToScan      = errors.New("too many records to scan")
	ErrConfidentialOneWay = errors.New("a confidential program cannot be made non-confidential")
	ErrMergeImmutable     = errors.New("merge records are immutable")
)

// DenyReason distinguishes why an access check failed
type DenyReason string

const (
	DenyNoRole            DenyReason = "no_role"
	DenyExplicit          DenyReason = "explicit_deny"
	DenyBlockedClient     DenyReason = "blocked_client"
	DenyUnresolvableLevel DenyReason = "unresolvable_level"
)

// AuthorizationDeniedError is returned when an access check denies the caller
type AuthorizationDeniedError struct {
	Reason DenyReason
	Key    string
	Detail string
}

func (e *AuthorizationDeniedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("access denied (%s) for %s: %s", e.Reason, e.Key, e.Detail)
	}
	return fmt.Sprintf("access denied (%s) for %s", e.Reason, e.Key)
}

// UserMessage returns the message shown to end users for each denial reason.
// The raw reason code is never part of it.
func (e *AuthorizationDeniedError) UserMessage() string {
	switch e.Reason {
	case DenyNoRole:
		return "You do not have a role in the program this record belongs to."
	case DenyExplicit:
		return "Your role does not permit this action."
	case DenyBlockedClient, DenyUnresolvableLevel:
		// Deliberately generic: a block must not be discoverable from the message.
		return "You do not have access to this record."
	default:
		return "Access denied."
	}
}

// Violation is one failed merge precondition
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PreconditionViolationError carries every violated merge rule, never only the first
type PreconditionViolationError struct {
	Violations []Violation
}

func (e *PreconditionViolationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return "merge preconditions failed: " + strings.Join(msgs, "; ")
}

// InvalidStateTransitionError reports an erasure workflow operation that is not
// allowed from the current state
type InvalidStateTransitionError struct {
	Operation    string
	CurrentState string
	Detail       string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s: %s (current state: %s)", e.Operation, e.Detail, e.CurrentState)
}

// ConfigurationError is an operational failure that must abort the operation
type ConfigurationError struct {
	Component   string
	Detail      string
	MissingKeys map[Role][]string
}

func (e *ConfigurationError) Error() string {
	if len(e.MissingKeys) == 0 {
		return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Detail)
	}
	roles := make([]string, 0, len(e.MissingKeys))
	for role := range e.MissingKeys {
		roles = append(roles, string(role))
	}
	sort.Strings(roles)
	parts := make([]string, 0, len(roles))
	for _, role := range roles {
		parts = append(parts, fmt.Sprintf("%s missing [%s]", role, strings.Join(e.MissingKeys[Role(role)], ", ")))
	}
	return fmt.Sprintf("configuration error in %s: %s: %s", e.Component, e.Detail, strings.Join(parts, "; "))
}

// SinkFailureError wraps a failed audit sink write
type SinkFailureError struct {
	Sink string
	Err  error
}

func (e *SinkFailureError) Error() string {
	return fmt.Sprintf("audit sink %s failed: %v", e.Sink, e.Err)
}

func (e *SinkFailureError) Unwrap() error {
	return e.Err
}

// ErrorResponseWithCode is the JSON error body returned by handlers
type ErrorResponseWithCode struct {
	Code       string      `json:"code,omitempty"`
	Error      string      `json:"error"`
	Violations []Violation `json:"violations,omitempty"`
}
