package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTP status code mappings, checked in order
var errorStatusCodes = []struct {
	err    error
	status int
}{
	{ErrUnsupportedFormat, http.StatusBadRequest},
	{ErrValidation, http.StatusUnprocessableEntity},
	{ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
	{ErrInvalidInput, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrMethodNotAllowed, http.StatusMethodNotAllowed},
	{ErrUnavailable, http.StatusServiceUnavailable},
	{ErrFailedPrecondition, http.StatusPreconditionFailed},
	{ErrDecodeFailed, http.StatusInternalServerError},
	{ErrModelLoad, http.StatusInternalServerError},
	{ErrInference, http.StatusInternalServerError},
	{ErrTokenizer, http.StatusInternalServerError},
	{ErrPublishFailed, http.StatusInternalServerError},
	{ErrInternalError, http.StatusInternalServerError},
}

// WriteError writes a standardized error response to the HTTP response writer.
// Server-side failures are reported without their internal detail.
func WriteError(w http.ResponseWriter, err error) {
	var statusCode int
	var response map[string]interface{}

	var serr *Error
	switch {
	case err == nil:
		statusCode = http.StatusInternalServerError
		response = map[string]interface{}{"error": "Unknown error"}
	case errors.As(err, &serr):
		statusCode = HTTPStatusFromError(serr)
		response = serr.AsJSON()
	default:
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{"error": err.Error()}
	}

	if statusCode >= http.StatusInternalServerError {
		response = map[string]interface{}{"error": http.StatusText(statusCode)}
		if code := GetErrorCode(err); code != "" {
			response["code"] = code
		}
	}

	WriteJSON(w, statusCode, response)
}

// WriteJSON writes v as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// HTTPStatusFromError determines the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	for _, m := range errorStatusCodes {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
