package httpclient

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/promoflow/promoflow/pkg/errors"
)

func response(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body))}
}

func TestParseResponseError_StructuredBody(t *testing.T) {
	err := ParseResponseError(response(http.StatusConflict, `{"error":{"code":"JOB_EXISTS","message":"job happy-hour-42 exists"}}`))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "JOB_EXISTS", se.Code)
	assert.Equal(t, "job happy-hour-42 exists", se.Message)
	assert.Equal(t, "status 409 (JOB_EXISTS): job happy-hour-42 exists", err.Error())
}

func TestParseResponseError_UnstructuredBody(t *testing.T) {
	err := ParseResponseError(response(http.StatusBadGateway, "<html>bad gateway</html>"))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Empty(t, se.Code)
	assert.Equal(t, "<html>bad gateway</html>", se.Message)
}

func TestStatusError_SentinelMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, apperrors.ErrNotFound},
		{http.StatusConflict, apperrors.ErrAlreadyExists},
		{http.StatusBadRequest, apperrors.ErrInvalidInput},
		{http.StatusUnprocessableEntity, apperrors.ErrInvalidInput},
		{http.StatusServiceUnavailable, apperrors.ErrServiceUnavail},
		{http.StatusInternalServerError, apperrors.ErrUpstream},
		{http.StatusGatewayTimeout, apperrors.ErrUpstream},
	}
	for _, tt := range tests {
		err := ParseResponseError(response(tt.status, ""))
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}

	err := ParseResponseError(response(http.StatusTeapot, ""))
	assert.Nil(t, errors.Unwrap(err))
}
