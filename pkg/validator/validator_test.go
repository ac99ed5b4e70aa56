package validator

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type promotionDef struct {
	Key      string `validate:"required,slug"`
	Path     string `validate:"required,max=64"`
	Schedule string `validate:"required,cron"`
}

func TestValidate_Success(t *testing.T) {
	err := Validate(promotionDef{Key: "happy-hour", Path: "happy-hour", Schedule: "0 9 * * 1"})
	assert.NoError(t, err)
}

func TestValidate_MissingRequired(t *testing.T) {
	err := Validate(promotionDef{Key: "birthday", Schedule: "0 8 * * *"})
	require.Error(t, err)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "is required", valErr.Fields()["Path"])
}

func TestValidate_Slug(t *testing.T) {
	for _, bad := range []string{"Happy-Hour", "happy hour", "-happy", "happy--hour", "happy_hour"} {
		err := Validate(promotionDef{Key: bad, Path: "p", Schedule: "0 9 * * 1"})
		var valErr *ValidationError
		require.ErrorAs(t, err, &valErr, bad)
		assert.Equal(t, "must be lowercase words separated by hyphens", valErr.Fields()["Key"], bad)
	}
}

func TestValidate_Cron(t *testing.T) {
	for _, bad := range []string{"every monday", "0 9 * *", "61 9 * * 1", "@every 5m"} {
		err := Validate(promotionDef{Key: "happy-hour", Path: "p", Schedule: bad})
		var valErr *ValidationError
		require.ErrorAs(t, err, &valErr, bad)
		assert.Contains(t, valErr.Fields(), "Schedule", bad)
	}
}

func TestParseCron(t *testing.T) {
	_, err := ParseCron("0 10 * * 1,4")
	assert.NoError(t, err)

	_, err = ParseCron("0 10 * * * *")
	assert.Error(t, err)
}

func TestVar_MerchantID(t *testing.T) {
	assert.NoError(t, Var("merchant_id", "42", "required,merchant_id"))
	assert.NoError(t, Var("merchant_id", "shop_Main_7", "required,merchant_id"))

	err := Var("merchant_id", "shop-7", "required,merchant_id")
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "must be 1-100 letters, digits or underscores", valErr.Fields()["merchant_id"])

	assert.Error(t, Var("merchant_id", strings.Repeat("a", 101), "required,merchant_id"))
	assert.Error(t, Var("merchant_id", "", "required,merchant_id"))
}

func TestValidationError_ErrorString(t *testing.T) {
	err := Validate(promotionDef{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field 'Key' is required")
	assert.Contains(t, err.Error(), "field 'Schedule' is required")
}

type reconcileRequest struct {
	Mode string `json:"mode" validate:"omitempty,oneof=repair report"`
}

func TestDecodeAndValidate_Success(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"mode":"report"}`))
	var dst reconcileRequest
	require.NoError(t, DecodeAndValidate(req, &dst))
	assert.Equal(t, "report", dst.Mode)
}

func TestDecodeAndValidate_EmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	var dst reconcileRequest
	require.NoError(t, DecodeAndValidate(req, &dst))
	assert.Empty(t, dst.Mode)
}

func TestDecodeAndValidate_EmptyChunkedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	req.ContentLength = -1
	var dst reconcileRequest
	require.NoError(t, DecodeAndValidate(req, &dst))
	assert.Empty(t, dst.Mode)
}

func TestDecodeAndValidate_WhitespaceOnlyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("  \n"))
	req.ContentLength = -1
	var dst reconcileRequest
	require.NoError(t, DecodeAndValidate(req, &dst))
}

func TestDecodeAndValidate_InvalidJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"mode":`))
	var dst reconcileRequest
	err := DecodeAndValidate(req, &dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode request body")
}

func TestDecodeAndValidate_ValidationFails(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"mode":"nuke"}`))
	var dst reconcileRequest
	err := DecodeAndValidate(req, &dst)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "must be one of: repair report", valErr.Fields()["Mode"])
}
