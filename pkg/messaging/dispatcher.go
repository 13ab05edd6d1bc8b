package messaging

import (
	"context"
	"sync"
	"time"

	"emotion-server/pkg/metrics"
	"emotion-server/pkg/util"

	"github.com/sirupsen/logrus"
)

// Dispatcher publishes events from a bounded queue on a background worker so
// request handlers never wait on the broker. Events are dropped when the
// queue is full.
type Dispatcher struct {
	publisher Publisher
	logger    *logrus.Logger
	queue     chan PredictionEvent
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts the worker. Close drains the queue.
func NewDispatcher(logger *logrus.Logger, publisher Publisher, size int) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	d := &Dispatcher{
		publisher: publisher,
		logger:    logger,
		queue:     make(chan PredictionEvent, size),
	}

	d.wg.Add(1)
	util.NewPanicHandler(logger).SafeGo("prediction-dispatcher", func() {
		defer d.wg.Done()
		d.run()
	})
	return d
}

func (d *Dispatcher) run() {
	for event := range d.queue {
		if err := d.publisher.Publish(context.Background(), event); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"event_id":       event.ID,
				"correlation_id": event.CorrelationID,
			}).Warn("Failed to publish prediction event")
		}
	}
}

// Enqueue schedules an event for publication, returning false if it was dropped
func (d *Dispatcher) Enqueue(event PredictionEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}
	select {
	case d.queue <- event:
		return true
	default:
		metrics.RecordAMQPPublish("dispatcher", "dropped")
		d.logger.WithField("event_id", event.ID).Warn("Prediction event queue full, dropping event")
		return false
	}
}

// Close stops accepting events and waits for queued ones to be published
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.publisher.Close()
}

// drainTimeout bounds Close when used through io.Closer
const drainTimeout = 5 * time.Second

// Shutdown adapts Close to the graceful shutdown hook signature
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, drainTimeout)
		defer cancel()
	}
	return d.Close(ctx)
}
