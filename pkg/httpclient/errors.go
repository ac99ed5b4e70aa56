package httpclient

import (
	"encoding/json"
	"fmt"
	"net/http"

	apperrors "github.com/promoflow/promoflow/pkg/errors"
)

// StatusError reports a non-2xx response. Body holds at most 1 MiB of the
// response and the original body is closed.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func newStatusError(resp *http.Response) *StatusError {
	body := drain(resp)
	se := &StatusError{StatusCode: resp.StatusCode, Body: body, Message: string(body)}

	var envelope struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		se.Code = envelope.Error.Code
		se.Message = envelope.Error.Message
	}
	return se
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status onto the shared sentinel errors so callers can use
// errors.Is with apperrors.ErrNotFound and friends.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return apperrors.ErrNotFound
	case e.StatusCode == http.StatusConflict:
		return apperrors.ErrAlreadyExists
	case e.StatusCode == http.StatusBadRequest, e.StatusCode == http.StatusUnprocessableEntity:
		return apperrors.ErrInvalidInput
	case e.StatusCode == http.StatusServiceUnavailable:
		return apperrors.ErrServiceUnavail
	case e.StatusCode >= 500:
		return apperrors.ErrUpstream
	default:
		return nil
	}
}

// ParseResponseError consumes and closes a non-2xx response and returns it
// as a *StatusError.
func ParseResponseError(resp *http.Response) error {
	return newStatusError(resp)
}
