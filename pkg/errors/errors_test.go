package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrNotFound, ErrAlreadyExists, ErrInvalidInput, ErrInternal,
		ErrConflict, ErrServiceUnavail, ErrUpstream,
	}

	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinels %d and %d should be distinct", i, j)
		}
	}
}

func TestAppError_ErrorString(t *testing.T) {
	withCause := &AppError{Code: "STORE_UNAVAILABLE", Message: "store down", Err: fmt.Errorf("dial tcp: refused")}
	assert.Equal(t, "STORE_UNAVAILABLE: store down: dial tcp: refused", withCause.Error())

	bare := &AppError{Code: "NOT_FOUND", Message: "promotion not found"}
	assert.Equal(t, "NOT_FOUND: promotion not found", bare.Error())
}

func TestAppError_Unwrap(t *testing.T) {
	appErr := &AppError{Code: "NOT_FOUND", Message: "nope", Err: ErrNotFound}
	assert.True(t, errors.Is(appErr, ErrNotFound))
	assert.Nil(t, (&AppError{Code: "X"}).Unwrap())
}

func TestNew_KeepsCauseChain(t *testing.T) {
	domainErr := errors.New("unknown promotion")
	err := New("UNKNOWN_PROMOTION", http.StatusNotFound, "no such promotion", fmt.Errorf("%w: %w", domainErr, ErrNotFound))

	assert.Equal(t, http.StatusNotFound, err.Status)
	assert.ErrorIs(t, err, domainErr)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		code     string
		status   int
		sentinel error
	}{
		{"invalid input", InvalidInput("merchant id is required"), "INVALID_INPUT", http.StatusBadRequest, ErrInvalidInput},
		{"unavailable", Unavailable("postgres", errors.New("timeout")), "SERVICE_UNAVAILABLE", http.StatusServiceUnavailable, ErrServiceUnavail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.err)
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.Status)
			assert.ErrorIs(t, tt.err, tt.sentinel)
		})
	}
}

func TestInternal(t *testing.T) {
	inner := errors.New("boom")
	err := Internal(inner)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.ErrorIs(t, err, inner)
	assert.NotContains(t, err.Message, "boom")
}

func TestWrap(t *testing.T) {
	err := Wrap(ErrNotFound, "load active promotion")
	assert.Equal(t, "load active promotion: resource not found", err.Error())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"app error wins", InvalidInput("x"), http.StatusBadRequest},
		{"wrapped not found", fmt.Errorf("lookup: %w", ErrNotFound), http.StatusNotFound},
		{"already exists", ErrAlreadyExists, http.StatusConflict},
		{"conflict", ErrConflict, http.StatusConflict},
		{"invalid", ErrInvalidInput, http.StatusBadRequest},
		{"unavailable", fmt.Errorf("db: %w", ErrServiceUnavail), http.StatusServiceUnavailable},
		{"upstream", ErrUpstream, http.StatusBadGateway},
		{"unknown", errors.New("something"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
