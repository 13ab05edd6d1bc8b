package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"emotion-server/pkg/correlation"
	"emotion-server/pkg/metrics"
	"emotion-server/pkg/util"
	"emotion-server/pkg/version"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// StatusProvider contributes a section to the /status document
type StatusProvider func() interface{}

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

type readinessEntry struct {
	name     string
	critical bool
	check    ReadinessCheck
}

// Server is the HTTP front end of one emotion service process
type Server struct {
	config     *Config
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	handler    http.Handler
	startTime  time.Time

	mu        sync.RWMutex
	status    map[string]StatusProvider
	readiness []readinessEntry
	listener  net.Listener
}

// NewServer creates the server and registers the ambient endpoints.
// Prediction routes are added by the handlers' RegisterHandlers.
func NewServer(logger *logrus.Logger, config *Config) *Server {
	if config == nil {
		config = NewDefaultConfig()
	}

	s := &Server{
		config:    config,
		logger:    logger,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		status:    make(map[string]StatusProvider),
	}

	s.Handle("GET /health/live", "/health/live", http.HandlerFunc(s.LivenessHandler))
	s.Handle("GET /health/ready", "/health/ready", http.HandlerFunc(s.ReadinessHandler))
	s.Handle("GET /status", "/status", http.HandlerFunc(s.statusHandler))

	if config.EnableMetrics {
		if h := metrics.Handler(); h != nil {
			s.mux.Handle("GET /metrics", h)
			logger.Info("Prometheus metrics endpoint enabled at /metrics")
		}
	} else {
		logger.Info("Metrics endpoint disabled")
	}

	// Outermost first: correlation ID, CORS, Server header, panic recovery
	origins := config.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{correlation.HTTPHeader},
		AllowCredentials: true,
	})

	var handler http.Handler = s.mux
	handler = util.NewPanicHandler(logger).Middleware(handler)
	handler = serverHeader(handler)
	handler = corsHandler.Handler(handler)
	handler = correlation.NewHTTPMiddleware(logger, true).Middleware(handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(config.Host, fmt.Sprintf("%d", config.Port)),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func serverHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", version.ServerHeader())
		next.ServeHTTP(w, r)
	})
}

// Handle registers h for pattern, recording request metrics under route
func (s *Server) Handle(pattern, route string, h http.Handler) {
	s.mux.Handle(pattern, instrument(route, h))
	s.logger.WithFields(logrus.Fields{
		"service": s.config.Name,
		"pattern": pattern,
	}).Debug("Registered HTTP handler")
}

func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := correlation.NewStatusRecorder(w)
		defer func() {
			metrics.RecordHTTPRequest(route, r.Method, rec.Status(), time.Since(start))
		}()
		next.ServeHTTP(rec, r)
	})
}

// Handler returns the fully wrapped root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// AddStatusProvider adds a named section to /status
func (s *Server) AddStatusProvider(name string, provider StatusProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[name] = provider
}

// AddReadinessCheck registers a dependency check. A failing critical check
// makes /health/ready return 503; a non-critical one only marks it degraded.
func (s *Server) AddReadinessCheck(name string, critical bool, check ReadinessCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readiness = append(s.readiness, readinessEntry{name: name, critical: critical, check: check})
}

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously.
func (s *Server) Start() error {
	if s.config.TLSEnabled && (s.config.TLSCertFile == "" || s.config.TLSKeyFile == "") {
		return fmt.Errorf("TLS is enabled but certificate or key path is missing")
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logger := s.logger.WithFields(logrus.Fields{
		"service": s.config.Name,
		"address": ln.Addr().String(),
		"tls":     s.config.TLSEnabled,
	})
	logger.Info("HTTP server listening")

	go func() {
		var err error
		if s.config.TLSEnabled {
			s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = s.httpServer.ServeTLS(ln, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.WithField("service", s.config.Name).Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}
