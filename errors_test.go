package eavkit

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEavErrorFormatting(t *testing.T) {
	err := NewEavError(ErrorTypeValidation, ErrCodeInvalidFilter, "bad operator")
	assert.Equal(t, "[validation:INVALID_FILTER] bad operator", err.Error())

	err = err.WithField("op")
	assert.Equal(t, "[validation:INVALID_FILTER] field 'op': bad operator", err.Error())

	cause := errors.New("boom")
	err = NewEavError(ErrorTypePersistence, ErrCodeQueryFailed, "query failed").WithCause(cause)
	assert.Equal(t, "[persistence:QUERY_FAILED] query failed: boom", err.Error())
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestEavErrorDetails(t *testing.T) {
	err := NewEavError(ErrorTypeInternal, ErrCodeQueryFailed, "oops").
		WithDetail("table", "products").
		WithDetail("attempt", 2)

	require.NotNil(t, err.Details)
	assert.Equal(t, "products", err.Details["table"])
	assert.Equal(t, 2, err.Details["attempt"])
}

func TestAttributeInUseError(t *testing.T) {
	err := NewAttributeInUseError(42, 3)

	assert.True(t, IsAttributeInUseError(err))
	assert.False(t, IsNotFoundError(err))
	assert.Equal(t, "id", err.Field)
	assert.Equal(t, int64(42), err.Details["attribute_id"])
	assert.Equal(t, 3, err.Details["memberships"])
}

func TestNotFoundError(t *testing.T) {
	assert.True(t, IsNotFoundError(NewAttributeNotFoundError("color")))
	assert.True(t, IsNotFoundError(NewAttributeNotFoundError(int64(7))))
	assert.False(t, IsNotFoundError(errors.New("plain")))
	assert.False(t, IsNotFoundError(nil))
}

func TestValueStorePersistError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewValueStorePersistError("products", "color", cause)

	assert.True(t, IsValueStorePersistError(err))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "products", err.Details["entity_table"])
	assert.Equal(t, "color", err.Details["attribute"])
}

func TestErrorHelpersSeeThroughWrapping(t *testing.T) {
	inner := NewUnsupportedTypeError("blob")
	wrapped := fmt.Errorf("resolve: %w", inner)

	assert.True(t, IsUnsupportedTypeError(wrapped))
	assert.True(t, IsConfigurationError(fmt.Errorf("load: %w", NewConfigurationError("storage.jsonColumn", "missing"))))
}
