package util

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestGracefulShutdownOrder(t *testing.T) {
	gs := NewGracefulShutdown(quietLogger(), time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	gs.Register(ShutdownResource{Name: "publisher", Priority: 20, Shutdown: record("publisher")})
	gs.Register(ShutdownResource{Name: "http", Priority: 10, Shutdown: record("http")})
	gs.Register(ShutdownResource{Name: "model", Priority: 20, Shutdown: record("model")})
	gs.RegisterCloser("logfile", closerFunc(func() error { return record("logfile")(nil) }), 30)

	require.NoError(t, gs.Shutdown(context.Background()))
	assert.Equal(t, []string{"http", "publisher", "model", "logfile"}, order)
}

func TestGracefulShutdownCollectsErrors(t *testing.T) {
	gs := NewGracefulShutdown(quietLogger(), 50*time.Millisecond)

	boom := errors.New("boom")
	ran := false
	gs.Register(ShutdownResource{Name: "failing", Priority: 1, Shutdown: func(context.Context) error { return boom }})
	gs.Register(ShutdownResource{Name: "panicking", Priority: 2, Shutdown: func(context.Context) error { panic("bad") }})
	gs.Register(ShutdownResource{Name: "stuck", Priority: 3, Shutdown: func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	}})
	gs.Register(ShutdownResource{Name: "last", Priority: 4, Shutdown: func(context.Context) error {
		ran = true
		return nil
	}})

	err := gs.Shutdown(context.Background())
	require.Error(t, err)

	var multi *MultiShutdownError
	require.ErrorAs(t, err, &multi)
	assert.Len(t, multi.Errors, 4)
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran, "deadline already passed when the last resource was reached")

	var panicErr *ShutdownPanicError
	assert.ErrorAs(t, err, &panicErr)
	var timeoutErr *ShutdownTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestPanicMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	handler := NewPanicHandler(logger).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal Server Error","code":"INTERNAL_ERROR"}`, rec.Body.String())
	assert.Contains(t, buf.String(), "Panic recovered")
	assert.Contains(t, buf.String(), "kaboom")
}

func TestSafeGoRecovers(t *testing.T) {
	logger, hook := test.NewNullLogger()

	NewPanicHandler(logger).SafeGo("worker", func() {
		panic("worker failed")
	})

	require.Eventually(t, func() bool {
		return hook.LastEntry() != nil
	}, time.Second, 10*time.Millisecond)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "worker", entry.Data["component"])
	assert.Equal(t, "worker failed", entry.Data["panic_value"])
}
