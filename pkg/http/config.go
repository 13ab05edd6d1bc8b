package http

import (
	"time"

	"emotion-server/pkg/config"
)

// Config holds the HTTP server configuration for one process
type Config struct {
	// Name identifies the process in logs and on /status ("text" or "audio")
	Name string

	Host string
	Port int

	EnableMetrics bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	CORSAllowedOrigins []string

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
}

// NewDefaultConfig returns a new default configuration
func NewDefaultConfig() *Config {
	return &Config{
		Name:               "emotion",
		Port:               8000,
		EnableMetrics:      true,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       120 * time.Second,
		IdleTimeout:        60 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		CORSAllowedOrigins: []string{"*"},
	}
}

// ConfigFrom builds the server configuration for the named process
func ConfigFrom(name string, port int, cfg config.HTTPConfig) *Config {
	return &Config{
		Name:               name,
		Host:               cfg.Host,
		Port:               port,
		EnableMetrics:      cfg.EnableMetrics,
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		IdleTimeout:        cfg.IdleTimeout,
		ShutdownTimeout:    cfg.ShutdownTimeout,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		TLSEnabled:         cfg.TLSEnabled,
		TLSCertFile:        cfg.TLSCertFile,
		TLSKeyFile:         cfg.TLSKeyFile,
	}
}
