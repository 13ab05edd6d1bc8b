package correlation

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPMiddleware tags every request with a correlation ID and logs its outcome
type HTTPMiddleware struct {
	logger      *logrus.Logger
	logRequests bool
}

// NewHTTPMiddleware creates a new HTTP correlation middleware
func NewHTTPMiddleware(logger *logrus.Logger, logRequests bool) *HTTPMiddleware {
	return &HTTPMiddleware{
		logger:      logger,
		logRequests: logRequests,
	}
}

// Middleware wraps next with correlation tracking
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &RequestInfo{
			CorrelationID: FromString(extractCorrelationID(r)),
			StartTime:     time.Now(),
			ClientIP:      ClientIP(r),
			Method:        r.Method,
			Path:          r.URL.Path,
		}
		r = r.WithContext(info.ToContext(r.Context()))

		w.Header().Set(HTTPHeader, info.CorrelationID.String())

		rec := NewStatusRecorder(w)
		next.ServeHTTP(rec, r)

		if !m.logRequests || m.logger == nil {
			return
		}

		entry := m.logger.WithFields(logrus.Fields{
			"correlation_id": info.CorrelationID.String(),
			"method":         info.Method,
			"path":           info.Path,
			"status":         rec.Status(),
			"duration_ms":    info.Duration().Milliseconds(),
			"client_ip":      info.ClientIP,
		})
		switch {
		case rec.Status() >= 500:
			entry.Error("HTTP request completed with server error")
		case rec.Status() >= 400:
			entry.Warn("HTTP request completed with client error")
		default:
			entry.Debug("HTTP request completed")
		}
	})
}

func extractCorrelationID(r *http.Request) string {
	for _, h := range []string{HTTPHeader, HTTPRequestIDHeader, HTTPTraceIDHeader} {
		if id := r.Header.Get(h); id != "" {
			return id
		}
	}
	return ""
}

// ClientIP returns the originating client address, honouring proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StatusRecorder wraps http.ResponseWriter to capture the status code
type StatusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

// NewStatusRecorder wraps w. The status defaults to 200.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	if rec, ok := w.(*StatusRecorder); ok {
		return rec
	}
	return &StatusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader captures the status code
func (w *StatusRecorder) WriteHeader(statusCode int) {
	if !w.written {
		w.status = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *StatusRecorder) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Status returns the recorded status code
func (w *StatusRecorder) Status() int {
	return w.status
}

// Written reports whether anything has been sent to the client
func (w *StatusRecorder) Written() bool {
	return w.written
}

// Unwrap returns the underlying ResponseWriter (for http.ResponseController)
func (w *StatusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
