package messaging

import (
	"errors"
	"fmt"
)

// Conflict codes carried by ConflictError. CodeRequestContended means the
// pair's requests changed while one was being created; retrying may succeed.
const (
	CodeAlreadyConnected       = "already_connected"
	CodeRequestAlreadySent     = "request_already_sent"
	CodeRequestAlreadyReceived = "request_already_received"
	CodeRequestResolved        = "request_resolved"
	CodeRequestContended       = "request_contended"
)

// ValidationError reports caller input that can never succeed as given.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictError reports an operation that clashes with existing state.
type ConflictError struct {
	Code           string
	Message        string
	ConversationID *int64
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ForbiddenError is returned for both missing resources and resources the
// caller may not touch, so the two cannot be told apart.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string {
	return "not found or not permitted"
}

// ErrForbidden is the shared ForbiddenError value.
var ErrForbidden error = &ForbiddenError{}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// IsForbidden reports whether err is a ForbiddenError.
func IsForbidden(err error) bool {
	var fe *ForbiddenError
	return errors.As(err, &fe)
}

// IsConflict reports whether err is a ConflictError with the given code.
// An empty code matches any conflict.
func IsConflict(err error, code string) bool {
	var ce *ConflictError
	if !errors.As(err, &ce) {
		return false
	}
	return code == "" || ce.Code == code
}
