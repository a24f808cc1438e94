package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Input and local state errors.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrClosed            = errors.New("closed")
)

// Remote and delivery errors.
var (
	ErrTransient = errors.New("transient network error")
	ErrConflict  = errors.New("version conflict")
	ErrPermanent = errors.New("permanent remote error")
	ErrDelivery  = errors.New("notification delivery failed")
)

// ValidationError rejects bad input before it reaches the change queue.
// Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// TransientNetworkError wraps a failure that is expected to clear on
// retry: dial errors, timeouts, dropped connections, 5xx responses.
type TransientNetworkError struct {
	Err error
}

func (e *TransientNetworkError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientNetworkError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// Transient wraps err as a TransientNetworkError. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientNetworkError{Err: err}
}

// PermanentRemoteError means the remote store rejected the change and
// will keep rejecting it (entity deleted, payload invalid upstream).
type PermanentRemoteError struct {
	Code    string
	Message string
}

func (e *PermanentRemoteError) Error() string {
	if e.Code == "" {
		return "remote rejected change: " + e.Message
	}

	return fmt.Sprintf("remote rejected change (%s): %s", e.Code, e.Message)
}

func (e *PermanentRemoteError) Unwrap() error { return ErrPermanent }

// ConflictError reports that the pushed base version no longer matches
// the remote. The remaining fields carry the authoritative remote
// version of the entity.
type ConflictError struct {
	EntityType string
	EntityID   string
	Version    int64
	Data       json.RawMessage
	Deleted    bool
	UpdatedAt  time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: remote at version %d",
		e.EntityType, e.EntityID, e.Version)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotificationDeliveryError wraps a failed push delivery attempt.
type NotificationDeliveryError struct {
	Err       error
	Retryable bool
}

func (e *NotificationDeliveryError) Error() string { return "delivery: " + e.Err.Error() }

func (e *NotificationDeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether the remote rejected the change for good.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// AsConflict extracts a ConflictError from err's chain.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}

	return nil, false
}
