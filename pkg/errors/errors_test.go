package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("test error")
	require.NotNil(t, err)

	assert.Contains(t, err.Error(), "test error")
	assert.True(t, strings.HasPrefix(err.Location(), "errors_test.go:"), "location should point at the caller, got %s", err.Location())
}

func TestWrap(t *testing.T) {
	baseErr := errors.New("base error")
	err := Wrap(baseErr, "wrapped")
	require.NotNil(t, err)

	assert.Contains(t, err.Error(), "wrapped")
	assert.Contains(t, err.Error(), "base error")
	assert.Equal(t, baseErr, errors.Unwrap(err))

	assert.Nil(t, Wrap(nil, "nothing"))
}

func TestWrapKeepsCode(t *testing.T) {
	err := Wrap(NewUnsupportedFormat("notes.txt"), "upload rejected")
	assert.Equal(t, "UNSUPPORTED_FORMAT", err.GetCode())
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestWithFieldDoesNotMutate(t *testing.T) {
	base := New("test error")
	withField := base.WithField("key", "value")

	assert.Empty(t, base.GetFields())
	assert.Equal(t, "value", withField.GetFields()["key"])

	multi := base.WithFields(map[string]interface{}{"a": 1, "b": "two"})
	assert.Len(t, multi.GetFields(), 2)
}

func TestWithCode(t *testing.T) {
	err := New("test error").WithCode("TEST_CODE")
	assert.Equal(t, "TEST_CODE", err.GetCode())
	assert.Equal(t, "TEST_CODE", GetErrorCode(err))
}

func TestConstructorsMatchSentinels(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"UnsupportedFormat", NewUnsupportedFormat("a.txt"), ErrUnsupportedFormat},
		{"Validation", NewValidation("text is required"), ErrValidation},
		{"InvalidInput", NewInvalidInput("bad"), ErrInvalidInput},
		{"PayloadTooLarge", NewPayloadTooLarge(10), ErrPayloadTooLarge},
		{"DecodeFailed", NewDecodeFailed("/tmp/x.wav", errors.New("eof")), ErrDecodeFailed},
		{"ModelLoad", NewModelLoad("weights", errors.New("missing")), ErrModelLoad},
		{"Inference", NewInference("shape mismatch"), ErrInference},
		{"Internal", NewInternalError("boom"), ErrInternalError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, IsErrorType(tc.err, tc.sentinel))
			assert.NotEmpty(t, GetErrorLocation(tc.err))
		})
	}
}

func TestHTTPStatusFromError(t *testing.T) {
	testCases := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"UnsupportedFormat", NewUnsupportedFormat("a.txt"), http.StatusBadRequest},
		{"Validation", NewValidation("missing text"), http.StatusUnprocessableEntity},
		{"TooLarge", NewPayloadTooLarge(1), http.StatusRequestEntityTooLarge},
		{"Wrapped", Wrap(ErrInvalidInput, "wrapped"), http.StatusBadRequest},
		{"Decode", NewDecodeFailed("x.wav", errors.New("bad header")), http.StatusInternalServerError},
		{"Unknown", errors.New("unknown"), http.StatusInternalServerError},
		{"Nil", nil, http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expectedStatus, HTTPStatusFromError(tc.err))
		})
	}
}

func TestWriteErrorUnsupportedFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, NewUnsupportedFormat("notes.txt"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Unsupported audio format", body["error"])
	assert.Equal(t, "UNSUPPORTED_FORMAT", body["code"])
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, NewDecodeFailed("/tmp/secret-path.wav", errors.New("riff header missing")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-path")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Internal Server Error", body["error"])
	assert.Equal(t, "DECODE_FAILED", body["code"])
}

func TestWriteErrorPlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, ErrNotFound)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"resource not found"`)
}
