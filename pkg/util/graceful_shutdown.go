package util

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulShutdown closes registered resources in priority order
type GracefulShutdown struct {
	resources []ShutdownResource
	mu        sync.Mutex
	logger    *logrus.Logger
	timeout   time.Duration
	seq       int
}

// ShutdownResource represents a resource that needs graceful shutdown
type ShutdownResource struct {
	Name     string
	Shutdown func(context.Context) error
	Priority int // Lower numbers shut down first

	order int
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a resource to be shut down. Resources with equal priority
// shut down in registration order.
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	resource.order = gs.seq
	gs.seq++
	gs.resources = append(gs.resources, resource)
	sort.SliceStable(gs.resources, func(i, j int) bool {
		if gs.resources[i].Priority != gs.resources[j].Priority {
			return gs.resources[i].Priority < gs.resources[j].Priority
		}
		return gs.resources[i].order < gs.resources[j].order
	})

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered resource for graceful shutdown")
}

// RegisterCloser registers an io.Closer for shutdown
func (gs *GracefulShutdown) RegisterCloser(name string, closer io.Closer, priority int) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(context.Context) error {
			return closer.Close()
		},
	})
}

// Shutdown stops every registered resource one at a time, sharing a single
// deadline. A resource that fails, panics or times out does not prevent the
// remaining ones from being attempted.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var shutdownErrors []error
	for _, res := range resources {
		if err := gs.shutdownOne(shutdownCtx, res); err != nil {
			shutdownErrors = append(shutdownErrors, err)
		}
	}

	if len(shutdownErrors) > 0 {
		return &MultiShutdownError{Errors: shutdownErrors}
	}

	gs.logger.Info("Graceful shutdown completed successfully")
	return nil
}

func (gs *GracefulShutdown) shutdownOne(ctx context.Context, res ShutdownResource) error {
	log := gs.logger.WithField("resource", res.Name)
	if ctx.Err() != nil {
		log.Warn("Shutdown deadline passed before resource could be stopped")
		return &ShutdownTimeoutError{Resource: res.Name}
	}
	log.Debug("Shutting down resource")

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("Panic during resource shutdown")
				done <- &ShutdownPanicError{Resource: res.Name, Panic: r}
			}
		}()
		done <- res.Shutdown(ctx)
	}()

	select {
	case err := <-done:
		if err == nil {
			log.Debug("Resource shut down successfully")
			return nil
		}
		if _, isPanic := err.(*ShutdownPanicError); isPanic {
			return err
		}
		log.WithError(err).Error("Error shutting down resource")
		return &ShutdownError{Resource: res.Name, Err: err}
	case <-ctx.Done():
		log.Warn("Shutdown timeout for resource")
		return &ShutdownTimeoutError{Resource: res.Name}
	}
}

// ShutdownError wraps a resource's own shutdown failure
type ShutdownError struct {
	Resource string
	Err      error
}

func (e *ShutdownError) Error() string {
	return "shutdown error for " + e.Resource + ": " + e.Err.Error()
}

func (e *ShutdownError) Unwrap() error {
	return e.Err
}

type ShutdownTimeoutError struct {
	Resource string
}

func (e *ShutdownTimeoutError) Error() string {
	return "shutdown timeout for " + e.Resource
}

type ShutdownPanicError struct {
	Resource string
	Panic    interface{}
}

func (e *ShutdownPanicError) Error() string {
	return fmt.Sprintf("panic during shutdown of %s: %v", e.Resource, e.Panic)
}

type MultiShutdownError struct {
	Errors []error
}

func (e *MultiShutdownError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return "errors during shutdown: " + strings.Join(msgs, "; ")
}

func (e *MultiShutdownError) Unwrap() []error {
	return e.Errors
}
