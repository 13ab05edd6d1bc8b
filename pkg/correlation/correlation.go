package correlation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header names checked for an incoming correlation ID, in order
const (
	HTTPHeader          = "X-Correlation-ID"
	HTTPRequestIDHeader = "X-Request-ID"
	HTTPTraceIDHeader   = "X-Trace-ID"
)

// maxIDLength bounds IDs accepted from clients so they cannot bloat log lines
const maxIDLength = 128

type contextKey int

const (
	correlationIDKey contextKey = iota
	requestStartTimeKey
	clientIPKey
)

// ID represents a correlation ID
type ID string

// String returns the string representation of the correlation ID
func (id ID) String() string {
	return string(id)
}

// IsEmpty returns true if the correlation ID is empty
func (id ID) IsEmpty() bool {
	return id == ""
}

// New generates a random (version 4) correlation ID
func New() ID {
	return ID(uuid.NewString())
}

// FromString sanitizes a client supplied ID, generating a new one when it is
// empty or unusable.
func FromString(s string) ID {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxIDLength || strings.ContainsAny(s, "\r\n") {
		return New()
	}
	return ID(s)
}

// WithCorrelationID returns a new context with the correlation ID attached
func WithCorrelationID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// FromContext extracts the correlation ID from a context
func FromContext(ctx context.Context) ID {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey).(ID); ok {
		return id
	}
	return ""
}

// FromContextOrNew extracts the correlation ID from context or generates a new one
func FromContextOrNew(ctx context.Context) ID {
	if id := FromContext(ctx); !id.IsEmpty() {
		return id
	}
	return New()
}

// RequestStartTimeFromContext extracts the request start time from a context
func RequestStartTimeFromContext(ctx context.Context) (time.Time, bool) {
	if ctx == nil {
		return time.Time{}, false
	}
	t, ok := ctx.Value(requestStartTimeKey).(time.Time)
	return t, ok
}

// ClientIPFromContext extracts the client IP from a context
func ClientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// RequestInfo contains all correlation-related information for a request
type RequestInfo struct {
	CorrelationID ID
	StartTime     time.Time
	ClientIP      string
	Method        string
	Path          string
}

// ToContext attaches the request info to a context
func (r *RequestInfo) ToContext(ctx context.Context) context.Context {
	ctx = WithCorrelationID(ctx, r.CorrelationID)
	ctx = context.WithValue(ctx, requestStartTimeKey, r.StartTime)
	ctx = context.WithValue(ctx, clientIPKey, r.ClientIP)
	return ctx
}

// Duration returns the time elapsed since the request started
func (r *RequestInfo) Duration() time.Duration {
	return time.Since(r.StartTime)
}
