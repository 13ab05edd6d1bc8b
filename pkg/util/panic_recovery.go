package util

import (
	"fmt"
	"net/http"
	"runtime"
	"runtime/debug"

	"emotion-server/pkg/correlation"
	"emotion-server/pkg/errors"

	"github.com/sirupsen/logrus"
)

// PanicHandler provides centralized panic recovery and logging
type PanicHandler struct {
	logger *logrus.Logger
}

// NewPanicHandler creates a new panic handler
func NewPanicHandler(logger *logrus.Logger) *PanicHandler {
	return &PanicHandler{
		logger: logger,
	}
}

// Recover recovers from panics and logs them. It must be deferred directly.
func (ph *PanicHandler) Recover(component string) {
	if r := recover(); r != nil {
		ph.log(component, r, nil)
	}
}

// SafeGo starts a goroutine with panic recovery
func (ph *PanicHandler) SafeGo(component string, fn func()) {
	go func() {
		defer ph.Recover(component)
		fn()
	}()
}

// Middleware turns a panicking handler into a 500 response
func (ph *PanicHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := correlation.NewStatusRecorder(w)
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}

			ph.log("http", p, correlation.ContextFields(r.Context()))
			if !rec.Written() {
				errors.WriteError(rec, errors.NewInternalError(fmt.Sprintf("panic: %v", p)))
			}
		}()
		next.ServeHTTP(rec, r)
	})
}

func (ph *PanicHandler) log(component string, value interface{}, extra logrus.Fields) {
	var caller string
	if pc, file, line, ok := runtime.Caller(3); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fmt.Sprintf("%s:%d %s", file, line, fn.Name())
		} else {
			caller = fmt.Sprintf("%s:%d", file, line)
		}
	}

	ph.logger.WithFields(extra).WithFields(logrus.Fields{
		"component":   component,
		"panic_value": value,
		"caller":      caller,
		"stack_trace": string(debug.Stack()),
	}).Error("Panic recovered")
}
