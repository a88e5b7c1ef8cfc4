package eavkit

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error.
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypePersistence   ErrorType = "persistence"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeInternal      ErrorType = "internal"
)

// Error codes.
const (
	ErrCodeUnsupportedType   = "UNSUPPORTED_TYPE"
	ErrCodeAttributeInUse    = "ATTRIBUTE_IN_USE"
	ErrCodeAttributeNotFound = "ATTRIBUTE_NOT_FOUND"
	ErrCodeSetNotFound       = "ATTRIBUTE_SET_NOT_FOUND"
	ErrCodeValueStorePersist = "VALUE_STORE_PERSIST_FAILED"
	ErrCodeMissingConfig     = "MISSING_CONFIGURATION"
	ErrCodeInvalidFilter     = "INVALID_FILTER"
	ErrCodeQueryFailed       = "QUERY_FAILED"
)

// EavError is the unified error type of the engine.
type EavError struct {
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EavError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s:%s] field '%s': %s", e.Type, e.Code, e.Field, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Type, e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

func (e *EavError) Unwrap() error {
	return e.Cause
}

// WithField adds field context to the error.
func (e *EavError) WithField(field string) *EavError {
	e.Field = field
	return e
}

// WithCause adds a cause to the error.
func (e *EavError) WithCause(cause error) *EavError {
	e.Cause = cause
	return e
}

// WithDetail adds a single detail to the error.
func (e *EavError) WithDetail(key string, value any) *EavError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewEavError creates a new EavError.
func NewEavError(errorType ErrorType, code, message string) *EavError {
	return &EavError{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewUnsupportedTypeError reports a raw type token that resolves to no known
// logical or custom type.
func NewUnsupportedTypeError(token string) *EavError {
	return &EavError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeUnsupportedType,
		Message: fmt.Sprintf("unsupported attribute type %q", token),
		Details: map[string]any{"token": token},
	}
}

// NewAttributeInUseError reports a delete blocked by the attribute-set
// integrity guard. The error is attached to the identifier field so callers
// can render it inline rather than treating it as a fault.
func NewAttributeInUseError(attributeID int64, memberships int) *EavError {
	return &EavError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeAttributeInUse,
		Message: "attribute is referenced by one or more attribute sets and cannot be deleted",
		Field:   "id",
		Details: map[string]any{
			"attribute_id": attributeID,
			"memberships":  memberships,
		},
	}
}

// NewAttributeNotFoundError reports a missing directory record.
func NewAttributeNotFoundError(identifier any) *EavError {
	return &EavError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeAttributeNotFound,
		Message: fmt.Sprintf("attribute %v not found", identifier),
	}
}

// NewValueStorePersistError reports a failed attribute value upsert. It is
// fatal to the enclosing host-record save.
func NewValueStorePersistError(entityTable, attributeName string, cause error) *EavError {
	return &EavError{
		Type:    ErrorTypePersistence,
		Code:    ErrCodeValueStorePersist,
		Message: fmt.Sprintf("persist attribute %q on %q", attributeName, entityTable),
		Cause:   cause,
		Details: map[string]any{
			"entity_table": entityTable,
			"attribute":    attributeName,
		},
	}
}

// NewConfigurationError reports missing or invalid configuration. Raised at
// the first operation that needs the setting, since configuration may be set
// incrementally.
func NewConfigurationError(field, message string) *EavError {
	return &EavError{
		Type:    ErrorTypeConfiguration,
		Code:    ErrCodeMissingConfig,
		Message: message,
		Field:   field,
	}
}

// IsUnsupportedTypeError checks if an error is an unsupported type error.
func IsUnsupportedTypeError(err error) bool {
	var ee *EavError
	return errors.As(err, &ee) && ee.Code == ErrCodeUnsupportedType
}

// IsAttributeInUseError checks if an error is a blocked-delete error.
func IsAttributeInUseError(err error) bool {
	var ee *EavError
	return errors.As(err, &ee) && ee.Code == ErrCodeAttributeInUse
}

// IsNotFoundError checks if an error reports a missing directory record.
func IsNotFoundError(err error) bool {
	var ee *EavError
	return errors.As(err, &ee) && ee.Type == ErrorTypeNotFound
}

// IsValueStorePersistError checks if an error is a persist failure.
func IsValueStorePersistError(err error) bool {
	var ee *EavError
	return errors.As(err, &ee) && ee.Code == ErrCodeValueStorePersist
}

// IsConfigurationError checks if an error is a configuration error.
func IsConfigurationError(err error) bool {
	var ee *EavError
	return errors.As(err, &ee) && ee.Type == ErrorTypeConfiguration
}
