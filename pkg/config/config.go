package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"emotion-server/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Audio     AudioConfig     `json:"audio"`
	Text      TextConfig      `json:"text"`
	Messaging MessagingConfig `json:"messaging"`
}

// HTTPConfig holds settings shared by both service processes
type HTTPConfig struct {
	Host            string        `json:"host" env:"HTTP_HOST" default:""`
	EnableMetrics   bool          `json:"enable_metrics" env:"HTTP_ENABLE_METRICS" default:"true"`
	ReadTimeout     time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"120s"`
	IdleTimeout     time.Duration `json:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`

	// CORSAllowedOrigins lists origins allowed by the CORS middleware. "*" allows any.
	CORSAllowedOrigins []string `json:"cors_allowed_origins" env:"HTTP_CORS_ALLOWED_ORIGINS" default:"*"`

	TLSEnabled  bool   `json:"tls_enabled" env:"HTTP_TLS_ENABLED" default:"false"`
	TLSCertFile string `json:"tls_cert_file" env:"HTTP_TLS_CERT_FILE"`
	TLSKeyFile  string `json:"tls_key_file" env:"HTTP_TLS_KEY_FILE"`
}

// LoggingConfig controls the process logger
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"LOG_FORMAT" default:"json"`
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// AudioConfig holds the audio emotion service settings
type AudioConfig struct {
	Port      int    `json:"port" env:"AUDIO_HTTP_PORT" default:"8001"`
	ModelPath string `json:"model_path" env:"AUDIO_MODEL_PATH" default:"audio_emotion.safetensors"`

	// Threshold is the minimum confidence before the label falls back to neutral
	Threshold float64 `json:"threshold" env:"AUDIO_CONFIDENCE_THRESHOLD" default:"0.50"`

	SampleRate int `json:"sample_rate" env:"AUDIO_SAMPLE_RATE" default:"16000"`
	MelBins    int `json:"mel_bins" env:"AUDIO_MEL_BINS" default:"64"`
	MaxFrames  int `json:"max_frames" env:"AUDIO_MAX_FRAMES" default:"300"`
	FFTSize    int `json:"fft_size" env:"AUDIO_FFT_SIZE" default:"1024"`
	HopLength  int `json:"hop_length" env:"AUDIO_HOP_LENGTH" default:"512"`

	MaxUploadBytes int64  `json:"max_upload_bytes" env:"AUDIO_MAX_UPLOAD_BYTES" default:"26214400"`
	TempDir        string `json:"temp_dir" env:"AUDIO_TEMP_DIR"`
}

// TextConfig holds the text emotion service settings
type TextConfig struct {
	Port         int    `json:"port" env:"TEXT_HTTP_PORT" default:"8000"`
	ModelPath    string `json:"model_path" env:"TEXT_MODEL_PATH" default:"emotion_roberta.safetensors"`
	TokenizerDir string `json:"tokenizer_dir" env:"TEXT_TOKENIZER_DIR" default:"tokenizer"`
	LabelsPath   string `json:"labels_path" env:"TEXT_LABELS_PATH" default:"id2label.json"`

	Threshold float64 `json:"threshold" env:"TEXT_CONFIDENCE_THRESHOLD" default:"0.40"`
	MaxLength int     `json:"max_length" env:"TEXT_MAX_LENGTH" default:"128"`

	NumHeads     int     `json:"num_heads" env:"TEXT_NUM_HEADS" default:"12"`
	LayerNormEps float64 `json:"layer_norm_eps" env:"TEXT_LAYER_NORM_EPS" default:"1e-5"`
	BPECacheSize int     `json:"bpe_cache_size" env:"TEXT_BPE_CACHE_SIZE" default:"10000"`
}

// MessagingConfig controls publication of prediction events
type MessagingConfig struct {
	AMQPUrl       string `json:"amqp_url" env:"AMQP_URL"`
	AMQPQueueName string `json:"amqp_queue_name" env:"AMQP_QUEUE_NAME" default:"emotion.predictions"`
}

// Enabled reports whether prediction events should be published
func (m MessagingConfig) Enabled() bool {
	return m.AMQPUrl != ""
}

// Load reads the .env file (if any) and the environment into a validated Config
func Load(logger *logrus.Logger) (*Config, error) {
	loadDotEnv(logger)

	config := &Config{}

	if err := loadHTTPConfig(logger, &config.HTTP); err != nil {
		return nil, errors.Wrap(err, "failed to load HTTP configuration")
	}

	if err := loadLoggingConfig(logger, &config.Logging); err != nil {
		return nil, errors.Wrap(err, "failed to load logging configuration")
	}

	if err := loadAudioConfig(logger, &config.Audio); err != nil {
		return nil, errors.Wrap(err, "failed to load audio configuration")
	}

	if err := loadTextConfig(logger, &config.Text); err != nil {
		return nil, errors.Wrap(err, "failed to load text configuration")
	}

	loadMessagingConfig(&config.Messaging)

	if err := validateConfig(logger, config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

// loadDotEnv loads the first .env file found in the usual locations
func loadDotEnv(logger *logrus.Logger) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		if loadErr := godotenv.Load(envFile); loadErr != nil {
			logger.WithError(loadErr).WithField("path", absPath).Warn("Failed to load .env file")
			continue
		}
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        absPath,
		}).Info("Successfully loaded .env file")
		return
	}

	logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
}

func loadHTTPConfig(logger *logrus.Logger, config *HTTPConfig) error {
	config.Host = getEnv("HTTP_HOST", "")
	config.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", true)

	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 120*time.Second)
	config.IdleTimeout = getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second)
	config.ShutdownTimeout = getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second)

	config.CORSAllowedOrigins = splitList(getEnv("HTTP_CORS_ALLOWED_ORIGINS", "*"))

	config.TLSEnabled = getEnvBool("HTTP_TLS_ENABLED", false)
	config.TLSCertFile = getEnv("HTTP_TLS_CERT_FILE", "")
	config.TLSKeyFile = getEnv("HTTP_TLS_KEY_FILE", "")
	if config.TLSEnabled && (config.TLSCertFile == "" || config.TLSKeyFile == "") {
		return errors.New("HTTP_TLS_ENABLED is set but HTTP_TLS_CERT_FILE or HTTP_TLS_KEY_FILE is empty")
	}

	if config.ReadTimeout <= 0 || config.WriteTimeout <= 0 {
		logger.Warn("Non-positive HTTP timeouts disable the corresponding deadline")
	}

	return nil
}

func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) error {
	config.Level = getEnv("LOG_LEVEL", "info")
	if _, err := logrus.ParseLevel(config.Level); err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
	return nil
}

func loadAudioConfig(logger *logrus.Logger, config *AudioConfig) error {
	config.Port = getEnvPort(logger, "AUDIO_HTTP_PORT", 8001)
	config.ModelPath = getEnv("AUDIO_MODEL_PATH", "audio_emotion.safetensors")
	config.Threshold = getEnvFloat("AUDIO_CONFIDENCE_THRESHOLD", 0.50)

	config.SampleRate = getEnvInt("AUDIO_SAMPLE_RATE", 16000)
	config.MelBins = getEnvInt("AUDIO_MEL_BINS", 64)
	config.MaxFrames = getEnvInt("AUDIO_MAX_FRAMES", 300)
	config.FFTSize = getEnvInt("AUDIO_FFT_SIZE", 1024)
	config.HopLength = getEnvInt("AUDIO_HOP_LENGTH", 512)

	config.MaxUploadBytes = int64(getEnvInt("AUDIO_MAX_UPLOAD_BYTES", 25<<20))
	config.TempDir = getEnv("AUDIO_TEMP_DIR", "")
	return nil
}

func loadTextConfig(logger *logrus.Logger, config *TextConfig) error {
	config.Port = getEnvPort(logger, "TEXT_HTTP_PORT", 8000)
	config.ModelPath = getEnv("TEXT_MODEL_PATH", "emotion_roberta.safetensors")
	config.TokenizerDir = getEnv("TEXT_TOKENIZER_DIR", "tokenizer")
	config.LabelsPath = getEnv("TEXT_LABELS_PATH", "id2label.json")

	config.Threshold = getEnvFloat("TEXT_CONFIDENCE_THRESHOLD", 0.40)
	config.MaxLength = getEnvInt("TEXT_MAX_LENGTH", 128)

	config.NumHeads = getEnvInt("TEXT_NUM_HEADS", 12)
	config.LayerNormEps = getEnvFloat("TEXT_LAYER_NORM_EPS", 1e-5)
	config.BPECacheSize = getEnvInt("TEXT_BPE_CACHE_SIZE", 10000)
	return nil
}

func loadMessagingConfig(config *MessagingConfig) {
	config.AMQPUrl = getEnv("AMQP_URL", "")
	config.AMQPQueueName = getEnv("AMQP_QUEUE_NAME", "emotion.predictions")
}

func validateConfig(logger *logrus.Logger, config *Config) error {
	for name, threshold := range map[string]float64{
		"AUDIO_CONFIDENCE_THRESHOLD": config.Audio.Threshold,
		"TEXT_CONFIDENCE_THRESHOLD":  config.Text.Threshold,
	} {
		if !(threshold >= 0 && threshold <= 1) {
			return errors.NewInvalidInput(fmt.Sprintf("%s must be within [0, 1], got %v", name, threshold))
		}
	}

	positive := []struct {
		name  string
		value int
	}{
		{"AUDIO_SAMPLE_RATE", config.Audio.SampleRate},
		{"AUDIO_MEL_BINS", config.Audio.MelBins},
		{"AUDIO_MAX_FRAMES", config.Audio.MaxFrames},
		{"AUDIO_FFT_SIZE", config.Audio.FFTSize},
		{"AUDIO_HOP_LENGTH", config.Audio.HopLength},
		{"TEXT_NUM_HEADS", config.Text.NumHeads},
		{"TEXT_BPE_CACHE_SIZE", config.Text.BPECacheSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.NewInvalidInput(fmt.Sprintf("%s must be positive, got %d", p.name, p.value))
		}
	}

	// <s> and </s> always occupy two positions
	if config.Text.MaxLength < 3 {
		return errors.NewInvalidInput(fmt.Sprintf("TEXT_MAX_LENGTH must be at least 3, got %d", config.Text.MaxLength))
	}

	if config.Audio.MaxUploadBytes <= 0 {
		return errors.NewInvalidInput("AUDIO_MAX_UPLOAD_BYTES must be positive")
	}

	if config.Audio.Port == config.Text.Port {
		logger.Warn("AUDIO_HTTP_PORT equals TEXT_HTTP_PORT; the two services cannot share a host")
	}

	if config.Logging.OutputFile != "" {
		f, err := os.OpenFile(config.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("cannot write to log file: %s", config.Logging.OutputFile))
		}
		f.Close()
	}

	return nil
}

// ApplyLogging applies the logging section to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvPort(logger *logrus.Logger, key string, defaultValue int) int {
	port := getEnvInt(key, defaultValue)
	if port < 1 || port > 65535 {
		logger.Warnf("Invalid %s value, using default: %d", key, defaultValue)
		return defaultValue
	}
	return port
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

// getEnvFloat retrieves an environment variable and converts it to float64
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return floatValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
