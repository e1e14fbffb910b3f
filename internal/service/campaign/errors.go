package campaign

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/audience-dispatch/internal/domain"
)

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound         = errors.New("campaign not found")
	ErrTemplateNotFound = errors.New("message template not found")
	ErrNoDispatcher     = errors.New("dispatch is not configured")
)

// FieldError is one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports invalid input; it maps to HTTP 400.
type ValidationError struct {
	Errors []FieldError
}

// NewValidationError builds a single-field ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: message}}}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// StateConflictError is returned when an operation is not allowed in the
// campaign's current status; it maps to HTTP 409.
type StateConflictError struct {
	Op      string
	Current domain.CampaignStatus
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s campaign in status %q", e.Op, e.Current)
}
