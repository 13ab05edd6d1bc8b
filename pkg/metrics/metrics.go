package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true
	mu                 sync.RWMutex

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Inference metrics
	FeatureExtractionLatency *prometheus.HistogramVec
	InferenceLatency         *prometheus.HistogramVec
	PredictionsTotal         *prometheus.CounterVec
	NeutralFallbacksTotal    *prometheus.CounterVec
	PredictionErrors         *prometheus.CounterVec
	ModelLoaded              *prometheus.GaugeVec
	TokenizerCacheHits       *prometheus.CounterVec

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionStatus  prometheus.Gauge
)

// Init initializes all metrics and registers them with a private registry
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		HTTPRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emotion_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		)

		HTTPRequestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "emotion_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"route", "method"},
		)

		FeatureExtractionLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "emotion_feature_extraction_seconds",
				Help:    "Time spent turning raw input into model features",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"modality"},
		)

		InferenceLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "emotion_inference_seconds",
				Help:    "Time spent in the model forward pass",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"modality"},
		)

		PredictionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emotion_predictions_total",
				Help: "Predictions returned, by final emotion label",
			},
			[]string{"modality", "emotion"},
		)

		NeutralFallbacksTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emotion_neutral_fallbacks_total",
				Help: "Predictions replaced by neutral because confidence was under the threshold",
			},
			[]string{"modality"},
		)

		PredictionErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emotion_prediction_errors_total",
				Help: "Failed prediction requests",
			},
			[]string{"modality", "code"},
		)

		ModelLoaded = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "emotion_model_loaded",
				Help: "Whether the model for a modality is loaded (1) or not (0)",
			},
			[]string{"modality"},
		)

		TokenizerCacheHits = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emotion_tokenizer_cache_lookups_total",
				Help: "Tokenizer encoding cache lookups by result",
			},
			[]string{"result"},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emotion_amqp_published_messages_total",
				Help: "Total number of prediction events published to AMQP",
			},
			[]string{"queue", "status"},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "emotion_amqp_connection_status",
				Help: "AMQP connection status (1 = connected, 0 = disconnected)",
			},
		)

		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

			HTTPRequestsTotal,
			HTTPRequestDuration,

			FeatureExtractionLatency,
			InferenceLatency,
			PredictionsTotal,
			NeutralFallbacksTotal,
			PredictionErrors,
			ModelLoaded,
			TokenizerCacheHits,

			AMQPPublishedMessages,
			AMQPConnectionStatus,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsEnabled enables or disables metrics collection
func SetMetricsEnabled(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled and initialized
func IsMetricsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return metricsEnabled && registry != nil
}

// Handler returns the /metrics handler, or nil when metrics are disabled
func Handler() http.Handler {
	if !IsMetricsEnabled() {
		return nil
	}
	return promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          registry,
		},
	)
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if h := Handler(); h != nil {
		mux.Handle("GET "+defaultMetricsPath, h)
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		SetMetricsEnabled(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	SetMetricsEnabled(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

// RecordHTTPRequest records a completed HTTP request
func RecordHTTPRequest(route, method string, status int, duration time.Duration) {
	if !IsMetricsEnabled() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(route, method, statusClass(status)).Inc()
	HTTPRequestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// ObserveFeatureExtraction returns a function that records extraction time when called
func ObserveFeatureExtraction(modality string) func() {
	if !IsMetricsEnabled() {
		return func() {}
	}

	start := time.Now()
	return func() {
		FeatureExtractionLatency.WithLabelValues(modality).Observe(time.Since(start).Seconds())
	}
}

// ObserveInference returns a function that records forward pass time when called
func ObserveInference(modality string) func() {
	if !IsMetricsEnabled() {
		return func() {}
	}

	start := time.Now()
	return func() {
		InferenceLatency.WithLabelValues(modality).Observe(time.Since(start).Seconds())
	}
}

// RecordPrediction records a returned prediction
func RecordPrediction(modality, emotion string, fellBack bool) {
	if !IsMetricsEnabled() {
		return
	}
	PredictionsTotal.WithLabelValues(modality, emotion).Inc()
	if fellBack {
		NeutralFallbacksTotal.WithLabelValues(modality).Inc()
	}
}

// RecordPredictionError records a failed prediction
func RecordPredictionError(modality, code string) {
	if !IsMetricsEnabled() {
		return
	}
	if code == "" {
		code = "UNKNOWN"
	}
	PredictionErrors.WithLabelValues(modality, code).Inc()
}

// SetModelLoaded sets the model readiness gauge for a modality
func SetModelLoaded(modality string, loaded bool) {
	if !IsMetricsEnabled() {
		return
	}
	if loaded {
		ModelLoaded.WithLabelValues(modality).Set(1)
	} else {
		ModelLoaded.WithLabelValues(modality).Set(0)
	}
}

// RecordTokenizerCache records an encoding cache hit or miss
func RecordTokenizerCache(hit bool) {
	if !IsMetricsEnabled() {
		return
	}
	if hit {
		TokenizerCacheHits.WithLabelValues("hit").Inc()
	} else {
		TokenizerCacheHits.WithLabelValues("miss").Inc()
	}
}

// RecordAMQPPublish records metrics for an AMQP publish
func RecordAMQPPublish(queue, status string) {
	if IsMetricsEnabled() {
		AMQPPublishedMessages.WithLabelValues(queue, status).Inc()
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if !IsMetricsEnabled() {
		return
	}
	if connected {
		AMQPConnectionStatus.Set(1)
	} else {
		AMQPConnectionStatus.Set(0)
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
