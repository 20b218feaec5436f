package domain

import (
	"fmt"
)

// Error codes for the triage engine's failure taxonomy.
const (
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeHierarchyViolation = "HIERARCHY_VIOLATION"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodePersistence        = "PERSISTENCE_FAILURE"
	ErrCodeNotification       = "NOTIFICATION_FAILURE"
)

// InvalidTransitionError reports a state machine violation. It is always
// rejected locally, before any external call, and is never partially
// applied.
type InvalidTransitionError struct {
	ReferralID string
	From       Status
	FromTriage TriageStatus
	To         Status
	ToTriage   TriageStatus
	Detail     string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	from := string(e.From)
	if e.FromTriage != "" {
		from = fmt.Sprintf("%s/%s", e.From, e.FromTriage)
	}
	to := string(e.To)
	if e.ToTriage != "" {
		to = fmt.Sprintf("%s/%s", e.To, e.ToTriage)
	}
	return fmt.Sprintf("%s: referral %s cannot move %s -> %s: %s",
		ErrCodeInvalidTransition, e.ReferralID, from, to, e.Detail)
}

// ValidationError reports missing or malformed caller input, rejected
// synchronously before any state change.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: field '%s': %s", ErrCodeValidation, e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: message, Value: value}
}

// HierarchyViolationError reports a sub-referral operation that would break
// the forest invariant: a cycle, a second parent, or nesting beyond the
// permitted single level.
type HierarchyViolationError struct {
	ParentID string
	ChildID  string
	Detail   string
	Cycle    bool
}

// Error implements the error interface.
func (e *HierarchyViolationError) Error() string {
	code := ErrCodeHierarchyViolation
	if e.Cycle {
		code = ErrCodeCycleDetected
	}
	return fmt.Sprintf("%s: parent %s child %s: %s", code, e.ParentID, e.ChildID, e.Detail)
}

// PersistenceError reports a failed external collaborator call. The local
// in-memory state has already been rolled back to its pre-transition
// snapshot by the time this error reaches the caller; retry is a
// user-visible decision, never automatic inside the engine.
type PersistenceError struct {
	Op         string
	ReferralID string
	Err        error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s for referral %s: %v", ErrCodePersistence, e.Op, e.ReferralID, e.Err)
}

// Unwrap exposes the underlying collaborator error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NotificationError reports a failed external notification for a committed
// transition. The transition itself stands; the caller surfaces the failure
// for a user-visible retry.
type NotificationError struct {
	ReferralID string
	Action     string
	Err        error
}

// Error implements the error interface.
func (e *NotificationError) Error() string {
	return fmt.Sprintf("%s: %s notification for referral %s: %v", ErrCodeNotification, e.Action, e.ReferralID, e.Err)
}

// Unwrap exposes the underlying notifier error.
func (e *NotificationError) Unwrap() error {
	return e.Err
}
