package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the application
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalError      = errors.New("internal error")
	ErrNotFound           = errors.New("resource not found")
	ErrMethodNotAllowed   = errors.New("method not allowed")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrUnavailable        = errors.New("service unavailable")
	ErrFailedPrecondition = errors.New("failed precondition")

	// Domain-specific error sentinel values
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrValidation        = errors.New("request validation failed")
	ErrDecodeFailed      = errors.New("audio decoding failed")
	ErrModelLoad         = errors.New("model load failed")
	ErrInference         = errors.New("inference failed")
	ErrTokenizer         = errors.New("tokenizer failure")
	ErrPublishFailed     = errors.New("event publish failed")
)

// Error represents a structured error with its creation site and additional context
type Error struct {
	original error
	message  string
	fields   map[string]interface{}

	// file and line record where the error was created
	file string
	line int

	// Code is an optional error code for categorization
	Code string
}

func newError(original error, message, code string, skip int, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(skip + 1)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return newError(errors.New(message), message, "", 1, fields)
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(err, message, GetErrorCode(err), 1, fields)
}

func (e *Error) clone(extra int) *Error {
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+extra),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return result
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(1)
	result.fields[key] = value
	return result
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode adds an error code to the error
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(0)
	result.Code = code
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Message returns the human readable message without the wrapped cause.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	if e.message == "" && e.original != nil {
		return e.original.Error()
	}
	return e.message
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// Is reports whether the wrapped sentinel matches target.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// AsJSON returns the error in the wire format used by the HTTP endpoints.
// The "error" key is always present.
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"error": e.Message(),
	}
	if e.Code != "" {
		result["code"] = e.Code
	}
	if len(e.fields) > 0 {
		result["context"] = e.fields
	}
	return result
}

// NewUnsupportedFormat rejects an upload whose extension has no decoder.
func NewUnsupportedFormat(filename string) *Error {
	return newError(ErrUnsupportedFormat, "Unsupported audio format", "UNSUPPORTED_FORMAT", 1,
		[]map[string]interface{}{{"filename": filename}})
}

// NewValidation reports a malformed or incomplete request body.
func NewValidation(message string, fields ...map[string]interface{}) *Error {
	return newError(ErrValidation, message, "VALIDATION_FAILED", 1, fields)
}

// NewInvalidInput creates a new ErrInvalidInput error with additional context
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return newError(ErrInvalidInput, message, "INVALID_INPUT", 1, fields)
}

// NewPayloadTooLarge reports a request body over the configured limit.
func NewPayloadTooLarge(limit int64) *Error {
	return newError(ErrPayloadTooLarge, fmt.Sprintf("payload exceeds %d bytes", limit), "PAYLOAD_TOO_LARGE", 1,
		[]map[string]interface{}{{"limit_bytes": limit}})
}

// NewDecodeFailed wraps a decoder failure for the given file.
func NewDecodeFailed(path string, cause error) *Error {
	e := newError(ErrDecodeFailed, fmt.Sprintf("decode %s: %v", path, cause), "DECODE_FAILED", 1, nil)
	e.fields["path"] = path
	return e
}

// NewModelLoad wraps a failure to read or validate model artefacts.
func NewModelLoad(what string, cause error) *Error {
	msg := fmt.Sprintf("load %s", what)
	if cause != nil {
		msg = fmt.Sprintf("load %s: %v", what, cause)
	}
	return newError(ErrModelLoad, msg, "MODEL_LOAD_FAILED", 1, nil)
}

// NewInference wraps a forward-pass failure.
func NewInference(message string, fields ...map[string]interface{}) *Error {
	return newError(ErrInference, message, "INFERENCE_FAILED", 1, fields)
}

// NewInternalError creates a new ErrInternalError with additional context
func NewInternalError(message string, fields ...map[string]interface{}) *Error {
	return newError(ErrInternalError, message, "INTERNAL_ERROR", 1, fields)
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}

// GetErrorLocation extracts location from an error if it's a structured error
func GetErrorLocation(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Location()
	}
	return ""
}
