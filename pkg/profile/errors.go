package profile

import (
	"errors"
	"fmt"

	"github.com/chambrid/proxy-profiles/pkg/reorder"
	"github.com/chambrid/proxy-profiles/pkg/v2config"
)

// ProfileError represents a profile-related error
type ProfileError struct {
	Type      string
	ProfileID string
	Field     string
	Message   string
	Cause     error
}

func (e *ProfileError) Error() string {
	if e.ProfileID != "" && e.Field != "" {
		return fmt.Sprintf("%s: profile '%s', field '%s': %s", e.Type, e.ProfileID, e.Field, e.Message)
	} else if e.ProfileID != "" {
		return fmt.Sprintf("%s: profile '%s': %s", e.Type, e.ProfileID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ProfileError) Unwrap() error {
	return e.Cause
}

// IsProfileError checks if an error is or wraps a ProfileError
func IsProfileError(err error) bool {
	var pe *ProfileError
	return errors.As(err, &pe)
}

// Error type constants
const (
	ErrorTypeNotFound   = "NotFoundError"
	ErrorTypeIndexRange = "IndexOutOfRangeError"
	ErrorTypeValidation = "ValidationError"
	ErrorTypeBusy       = "BusyError"
	ErrorTypeStorage    = "StorageError"
	ErrorTypeTemplate   = "TemplateError"
)

// NewNotFoundError creates a new not found error
func NewNotFoundError(id string) *ProfileError {
	return &ProfileError{
		Type:      ErrorTypeNotFound,
		ProfileID: id,
		Message:   "profile not found",
	}
}

// NewIndexOutOfRangeError creates a new index error from a reorder failure
func NewIndexOutOfRangeError(cause error) *ProfileError {
	return &ProfileError{
		Type:    ErrorTypeIndexRange,
		Message: cause.Error(),
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(id, field, message string) *ProfileError {
	return &ProfileError{
		Type:      ErrorTypeValidation,
		ProfileID: id,
		Field:     field,
		Message:   message,
	}
}

// NewPayloadError wraps a payload validation failure so that errors.As can
// still reach the *v2config.ValidationError
func NewPayloadError(id string, cause error) *ProfileError {
	pe := &ProfileError{
		Type:      ErrorTypeValidation,
		ProfileID: id,
		Message:   cause.Error(),
		Cause:     cause,
	}
	var ve *v2config.ValidationError
	if errors.As(cause, &ve) {
		pe.Field = ve.Field
		pe.Message = ve.Reason
	}
	return pe
}

// NewBusyError creates a new busy error
func NewBusyError(id string) *ProfileError {
	return &ProfileError{
		Type:      ErrorTypeBusy,
		ProfileID: id,
		Message:   "another replace for this profile is still in progress",
	}
}

// NewStorageError creates a new storage error
func NewStorageError(message string, cause error) *ProfileError {
	return &ProfileError{
		Type:    ErrorTypeStorage,
		Message: message,
		Cause:   cause,
	}
}

// NewTemplateError creates a new template error
func NewTemplateError(template, message string, cause error) *ProfileError {
	return &ProfileError{
		Type:      ErrorTypeTemplate,
		ProfileID: template,
		Message:   message,
		Cause:     cause,
	}
}

func isType(err error, typ string) bool {
	var pe *ProfileError
	return errors.As(err, &pe) && pe.Type == typ
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsIndexOutOfRange reports whether err is an IndexOutOfRangeError
func IsIndexOutOfRange(err error) bool {
	if isType(err, ErrorTypeIndexRange) {
		return true
	}
	var re *reorder.IndexOutOfRangeError
	return errors.As(err, &re)
}

// IsValidation reports whether err is a name or payload validation failure
func IsValidation(err error) bool { return isType(err, ErrorTypeValidation) }

// IsBusy reports whether err is a BusyError
func IsBusy(err error) bool { return isType(err, ErrorTypeBusy) }

// IsStorage reports whether err is a StorageError
func IsStorage(err error) bool { return isType(err, ErrorTypeStorage) }
