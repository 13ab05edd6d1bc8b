package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"emotion-server/pkg/errors"
	"emotion-server/pkg/metrics"
	"emotion-server/pkg/version"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// AMQPConfig holds AMQP publisher configuration
type AMQPConfig struct {
	URL          string
	QueueName    string
	ExchangeName string
	RoutingKey   string

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	ReconnectDelay time.Duration

	// MessageTTL expires unconsumed events so an absent consumer cannot fill the broker
	MessageTTL time.Duration
}

func (c *AMQPConfig) applyDefaults() {
	if c.RoutingKey == "" {
		c.RoutingKey = c.QueueName
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 500 * time.Millisecond
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = 12 * time.Hour
	}
}

// AMQPPublisher publishes prediction events to a durable queue and
// reconnects in the background when the broker connection drops.
type AMQPPublisher struct {
	logger    *logrus.Logger
	config    AMQPConfig
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	closed    bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewAMQPPublisher creates a publisher. Call Connect before publishing.
func NewAMQPPublisher(logger *logrus.Logger, config AMQPConfig) *AMQPPublisher {
	config.applyDefaults()
	return &AMQPPublisher{
		logger:   logger,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Connect dials the broker, opens a channel and declares the queue
func (p *AMQPPublisher) Connect(ctx context.Context) error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.connected {
		return nil
	}
	if p.closed {
		return errors.New("AMQP publisher is closed").WithCode("PUBLISHER_CLOSED")
	}
	if p.config.URL == "" || p.config.QueueName == "" {
		return errors.NewInvalidInput("AMQP URL or queue name not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
	defer cancel()

	conn, err := dialContext(ctx, func() (*amqp.Connection, error) {
		return amqp.DialConfig(p.config.URL, amqp.Config{
			Heartbeat: 10 * time.Second,
			Dial:      amqp.DefaultDial(p.config.ConnectTimeout),
			Properties: amqp.Table{
				"product": "emotion-server",
				"version": version.Version,
				"client":  version.UserAgent(),
			},
		})
	})
	if err != nil {
		if err == ctx.Err() {
			return errors.New(fmt.Sprintf("connection to AMQP server timed out after %s", p.config.ConnectTimeout)).
				WithCode("AMQP_CONNECT_TIMEOUT")
		}
		return errors.Wrap(err, "failed to connect to AMQP server").WithCode("AMQP_CONNECT_FAILED")
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open AMQP channel")
	}

	_, err = channel.QueueDeclare(
		p.config.QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return errors.Wrap(err, "failed to declare AMQP queue")
	}

	p.conn = conn
	p.channel = channel
	p.connected = true
	metrics.SetAMQPConnectionStatus(true)

	p.logger.WithFields(logrus.Fields{
		"queue":    p.config.QueueName,
		"exchange": p.config.ExchangeName,
	}).Info("Connected to AMQP server")

	go p.monitorConnection(conn.NotifyClose(make(chan *amqp.Error, 1)), p.stopChan)
	return nil
}

// monitorConnection reconnects after the broker closes the connection
func (p *AMQPPublisher) monitorConnection(closeChan <-chan *amqp.Error, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case amqpErr := <-closeChan:
		p.connMutex.Lock()
		p.connected = false
		p.channel = nil
		p.conn = nil
		p.connMutex.Unlock()
		metrics.SetAMQPConnectionStatus(false)

		entry := p.logger.WithField("queue", p.config.QueueName)
		if amqpErr != nil {
			entry = entry.WithField("reason", amqpErr.Reason)
		}
		entry.Warn("AMQP connection lost, reconnecting")
	}

	p.reconnect(stop, false)
}

// reconnect retries Connect every ReconnectDelay until it succeeds or the
// publisher is closed. With immediate set the first attempt is not delayed.
func (p *AMQPPublisher) reconnect(stop <-chan struct{}, immediate bool) {
	for attempt := 1; ; attempt++ {
		if !immediate || attempt > 1 {
			select {
			case <-stop:
				return
			case <-time.After(p.config.ReconnectDelay):
			}
		}

		if err := p.Connect(context.Background()); err != nil {
			p.logger.WithError(err).WithField("attempt", attempt).Warn("AMQP connect attempt failed")
			if errors.GetErrorCode(err) == "PUBLISHER_CLOSED" {
				return
			}
			continue
		}
		p.logger.WithField("attempt", attempt).Info("AMQP connection established")
		return
	}
}

// Start connects in the background so a broker outage at start-up does not
// block the service. Events published before the connection is up fail and
// are logged by the dispatcher.
func (p *AMQPPublisher) Start() {
	p.connMutex.RLock()
	stop := p.stopChan
	p.connMutex.RUnlock()
	go p.reconnect(stop, true)
}

// IsConnected returns the connection status
func (p *AMQPPublisher) IsConnected() bool {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	return p.connected
}

// Publish sends one persistent JSON message, bounded by PublishTimeout
func (p *AMQPPublisher) Publish(ctx context.Context, event PredictionEvent) error {
	p.connMutex.RLock()
	channel, connected := p.channel, p.connected
	p.connMutex.RUnlock()

	if !connected || channel == nil {
		metrics.RecordAMQPPublish(p.config.QueueName, "not_connected")
		return errors.Wrap(errors.ErrPublishFailed, "not connected to AMQP server")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal prediction event")
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- channel.Publish(
			p.config.ExchangeName,
			p.config.RoutingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:   "application/json",
				Body:          body,
				DeliveryMode:  amqp.Persistent,
				Timestamp:     event.Timestamp,
				MessageId:     event.ID,
				CorrelationId: event.CorrelationID,
				Type:          "prediction." + event.Modality,
				AppId:         version.UserAgent(),
				Expiration:    fmt.Sprintf("%d", p.config.MessageTTL.Milliseconds()),
			},
		)
	}()

	select {
	case err := <-done:
		if err != nil {
			metrics.RecordAMQPPublish(p.config.QueueName, "error")
			return errors.Wrap(err, "failed to publish prediction event").WithCode("PUBLISH_FAILED")
		}
	case <-ctx.Done():
		metrics.RecordAMQPPublish(p.config.QueueName, "timeout")
		return errors.Wrap(errors.ErrPublishFailed, fmt.Sprintf("publishing timed out after %s", p.config.PublishTimeout))
	}

	metrics.RecordAMQPPublish(p.config.QueueName, "success")
	p.logger.WithFields(logrus.Fields{
		"event_id":       event.ID,
		"correlation_id": event.CorrelationID,
		"modality":       event.Modality,
	}).Debug("Published prediction event")
	return nil
}

// Close stops reconnection and closes the channel and connection
func (p *AMQPPublisher) Close() error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stopChan)

	var firstErr error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.channel, p.conn = nil, nil
	if p.connected {
		p.connected = false
		metrics.SetAMQPConnectionStatus(false)
		p.logger.Info("Disconnected from AMQP server")
	}
	return firstErr
}

// dialContext runs dial until ctx is done. A connection that completes after
// ctx is done is closed instead of returned.
func dialContext[C io.Closer](ctx context.Context, dial func() (C, error)) (C, error) {
	type dialResult struct {
		conn C
		err  error
	}
	results := make(chan dialResult)
	go func() {
		conn, err := dial()
		select {
		case results <- dialResult{conn, err}:
		case <-ctx.Done():
			if err == nil {
				conn.Close()
			}
		}
	}()

	select {
	case res := <-results:
		return res.conn, res.err
	case <-ctx.Done():
		var zero C
		return zero, ctx.Err()
	}
}
