package main

import (
	"context"
	"fmt"
	"time"

	"emotion-server/pkg/audiomodel"
	"emotion-server/pkg/config"
	httpserver "emotion-server/pkg/http"
	"emotion-server/pkg/messaging"
	"emotion-server/pkg/metrics"
	"emotion-server/pkg/textmodel"
	"emotion-server/pkg/util"
	"emotion-server/pkg/version"

	"github.com/sirupsen/logrus"
)

// Shutdown order: stop taking requests, then drain queued events
const (
	priorityHTTP      = 0
	priorityMessaging = 10

	dispatcherQueueSize = 256
)

// serve loads the model for modality, starts the HTTP server and blocks
// until ctx is cancelled, then shuts everything down in order.
func serve(ctx context.Context, logger *logrus.Logger, cfg *config.Config, modality string) error {
	logger.WithFields(logrus.Fields{
		"version":  version.Version,
		"modality": modality,
	}).Info("Starting emotion service")

	metrics.StartMetrics(logger, cfg.HTTP.EnableMetrics)
	shutdown := util.NewGracefulShutdown(logger, cfg.HTTP.ShutdownTimeout+5*time.Second)

	server, err := buildServer(logger, cfg, modality, shutdown)
	if err != nil {
		// resources registered so far, such as the AMQP publisher, still need closing
		_ = shutdown.Shutdown(context.Background())
		return err
	}

	if err := server.Start(); err != nil {
		_ = shutdown.Shutdown(context.Background())
		return err
	}
	shutdown.Register(util.ShutdownResource{
		Name:     "http-server",
		Priority: priorityHTTP,
		Shutdown: server.Shutdown,
	})

	<-ctx.Done()
	logger.Info("Received shutdown signal, cleaning up...")

	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// buildServer loads the service for modality and wires it into a server
func buildServer(logger *logrus.Logger, cfg *config.Config, modality string, shutdown *util.GracefulShutdown) (*httpserver.Server, error) {
	var port int
	switch modality {
	case textmodel.Modality:
		port = cfg.Text.Port
	case audiomodel.Modality:
		port = cfg.Audio.Port
	default:
		return nil, fmt.Errorf("unknown modality %q", modality)
	}

	server := httpserver.NewServer(logger, httpserver.ConfigFrom(modality, port, cfg.HTTP))
	sink := startMessaging(logger, cfg.Messaging, server, shutdown)

	switch modality {
	case textmodel.Modality:
		svc, err := textmodel.LoadService(logger, cfg.Text)
		if err != nil {
			return nil, err
		}
		httpserver.NewTextHandler(logger, svc, sink).RegisterHandlers(server)
	case audiomodel.Modality:
		svc, err := audiomodel.LoadService(logger, cfg.Audio)
		if err != nil {
			return nil, err
		}
		httpserver.NewAudioHandler(logger, svc, sink, cfg.Audio.MaxUploadBytes, cfg.Audio.TempDir).RegisterHandlers(server)
	}
	metrics.SetModelLoaded(modality, true)
	return server, nil
}

// startMessaging connects the optional AMQP publisher. It returns a nil sink
// when no broker is configured.
func startMessaging(logger *logrus.Logger, cfg config.MessagingConfig, server *httpserver.Server, shutdown *util.GracefulShutdown) httpserver.EventSink {
	if !cfg.Enabled() {
		logger.Debug("AMQP_URL not set, prediction events are not published")
		return nil
	}

	publisher := messaging.NewAMQPPublisher(logger, messaging.AMQPConfig{
		URL:       cfg.AMQPUrl,
		QueueName: cfg.AMQPQueueName,
	})
	publisher.Start()

	dispatcher := messaging.NewDispatcher(logger, publisher, dispatcherQueueSize)
	shutdown.Register(util.ShutdownResource{
		Name:     "prediction-events",
		Priority: priorityMessaging,
		Shutdown: dispatcher.Shutdown,
	})

	server.AddReadinessCheck("amqp", false, func(context.Context) error {
		if !publisher.IsConnected() {
			return fmt.Errorf("not connected to %s", cfg.AMQPQueueName)
		}
		return nil
	})
	server.AddStatusProvider("messaging", func() interface{} {
		return map[string]interface{}{
			"queue":     cfg.AMQPQueueName,
			"connected": publisher.IsConnected(),
		}
	})

	logger.WithField("queue", cfg.AMQPQueueName).Info("Publishing prediction events over AMQP")
	return dispatcher
}
