package qerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndType(t *testing.T) {
	err := New(ErrorTypeConnection, "server went away")

	assert.Equal(t, ErrorTypeConnection, TypeOf(err))
	assert.True(t, IsType(err, ErrorTypeConnection))
	assert.False(t, IsType(err, ErrorTypeTimeout))
	assert.Contains(t, err.Error(), "server went away")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(cause, ErrorTypeConnection, "failed to acquire connection")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to acquire connection")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeConnection, "x")))
	assert.True(t, IsRetryable(New(ErrorTypeTimeout, "x")))
	assert.True(t, IsRetryable(New(ErrorTypeAuthentication, "x")))

	assert.False(t, IsRetryable(New(ErrorTypeCircuitOpen, "x")))
	assert.False(t, IsRetryable(New(ErrorTypeQuery, "x")))
	assert.False(t, IsRetryable(New(ErrorTypeIntegrity, "x")))
	assert.False(t, IsRetryable(errors.New("untyped")))
	assert.False(t, IsRetryable(nil))
}

func TestTypeOfUnknown(t *testing.T) {
	assert.Equal(t, ErrorTypeInternal, TypeOf(errors.New("plain")))
	assert.Equal(t, ErrorTypeInternal, TypeOf(nil))
}

// Typed errors surviving a plain fmt.Errorf wrap must still be recognized.
func TestIsTypeThroughWrapping(t *testing.T) {
	inner := New(ErrorTypeSchema, "cannot coerce value")
	wrapped := fmt.Errorf("chunk 3: %w", inner)

	assert.True(t, IsType(wrapped, ErrorTypeSchema))
	assert.Equal(t, ErrorTypeSchema, TypeOf(wrapped))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeIntegrity, "row mismatch").
		WithDetail("expected", 100).
		WithDetail("exported", 99)

	require.NotNil(t, err.Details)
	assert.Equal(t, 100, err.Details["expected"])
	assert.Equal(t, 99, err.Details["exported"])
}

func TestNewf(t *testing.T) {
	err := Newf(ErrorTypeValidation, "bad row count %d", -1)
	assert.Contains(t, err.Error(), "bad row count -1")
	assert.Equal(t, ErrorTypeValidation, TypeOf(err))
}
