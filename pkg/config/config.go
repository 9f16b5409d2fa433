package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server defaults
const (
	DefaultPort            = "5000"
	DefaultTuyaBaseURL     = "https://openapi.tuyaeu.com"
	DefaultStorageBackend  = BackendPostgres
	DefaultDataDir         = "./data/tinyair"
	DefaultBadgerMemoryMB  = 32
	DefaultMQTTTopic       = "tinyair/readings"
	DefaultMQTTClientID    = "tinyair"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	ServerReadTimeout      = 10 * time.Second
	ServerWriteTimeout     = 30 * time.Second
	ShutdownTimeout        = 30 * time.Second
	BackgroundStopDeadline = 5 * time.Second
)

// Ingestion cadence and upstream limits
const (
	DefaultIngestInterval  = 10 * time.Minute
	DefaultReadCacheTTL    = 5 * time.Second
	DefaultUpstreamTimeout = 10 * time.Second
	CycleTimeout           = 60 * time.Second
	TokenRenewBefore       = 5 * time.Minute
	DefaultTokenLifetime   = 7200 * time.Second
	BadgerGCInterval       = 10 * time.Minute
)

// Storage backends
const (
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendMemory   = "memory"
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 64
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

var (
	// ErrMissingCredentials is returned when the Tuya client id or secret is not configured
	ErrMissingCredentials = errors.New("TUYA_CLIENT_ID and TUYA_SECRET are required")

	// ErrMissingDevice is returned when no target device is configured
	ErrMissingDevice = errors.New("TUYA_DEVICE_ID is required")

	// ErrMissingDatabaseURL is returned when the postgres backend has no connection string
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required for the postgres backend")
)

// Config holds everything supplied to the process at startup.
type Config struct {
	Port string

	TuyaBaseURL     string
	TuyaClientID    string
	TuyaSecret      string
	DeviceID        string
	UpstreamTimeout time.Duration

	StorageBackend string
	DatabaseURL    string
	DataDir        string
	BadgerMemoryMB int64

	IngestInterval time.Duration
	ReadCacheTTL   time.Duration

	MQTTBrokerURL string
	MQTTClientID  string
	MQTTTopic     string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables.
// Malformed values fall back to their defaults with a warning; Validate
// reports values that are required but missing.
func Load() Config {
	return Config{
		Port: getEnv("PORT", DefaultPort),

		TuyaBaseURL:     strings.TrimRight(getEnv("TUYA_BASE_URL", DefaultTuyaBaseURL), "/"),
		TuyaClientID:    os.Getenv("TUYA_CLIENT_ID"),
		TuyaSecret:      os.Getenv("TUYA_SECRET"),
		DeviceID:        os.Getenv("TUYA_DEVICE_ID"),
		UpstreamTimeout: getEnvDuration("UPSTREAM_TIMEOUT", DefaultUpstreamTimeout),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", DefaultStorageBackend)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DataDir:        getEnv("DATA_DIR", DefaultDataDir),
		BadgerMemoryMB: getEnvInt64("BADGER_MAX_MEMORY_MB", DefaultBadgerMemoryMB),

		IngestInterval: getEnvDuration("INGEST_INTERVAL", DefaultIngestInterval),
		ReadCacheTTL:   getEnvDuration("READ_CACHE_TTL", DefaultReadCacheTTL),

		MQTTBrokerURL: os.Getenv("MQTT_BROKER_URL"),
		MQTTClientID:  getEnv("MQTT_CLIENT_ID", DefaultMQTTClientID),
		MQTTTopic:     getEnv("MQTT_TOPIC", DefaultMQTTTopic),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", DefaultLogLevel)),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", DefaultLogFormat)),
	}
}

// Validate checks the configuration for values the process cannot start without.
func (c Config) Validate() error {
	if c.TuyaClientID == "" || c.TuyaSecret == "" {
		return ErrMissingCredentials
	}
	if c.DeviceID == "" {
		return ErrMissingDevice
	}

	switch c.StorageBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return ErrMissingDatabaseURL
		}
	case BackendBadger:
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required for the badger backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (want %s, %s or %s)",
			c.StorageBackend, BackendPostgres, BackendBadger, BackendMemory)
	}

	if c.IngestInterval <= 0 {
		return fmt.Errorf("INGEST_INTERVAL must be positive, got %v", c.IngestInterval)
	}
	if c.ReadCacheTTL < 0 {
		return fmt.Errorf("READ_CACHE_TTL must not be negative, got %v", c.ReadCacheTTL)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive, got %v", c.UpstreamTimeout)
	}
	return nil
}

// getEnv gets a string from environment variable or returns default.
func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		slog.Warn("invalid config value, using default", "key", key, "value", val, "default", defaultValue)
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "10m") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(val, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	slog.Warn("invalid config value, using default", "key", key, "value", val, "default", defaultValue.String())
	return defaultValue
}
