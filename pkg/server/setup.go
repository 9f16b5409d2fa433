package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/nicktill/tinyair/pkg/config"
	"github.com/nicktill/tinyair/pkg/ingest"
	"github.com/nicktill/tinyair/pkg/metrics"
	"github.com/nicktill/tinyair/pkg/publish"
	"github.com/nicktill/tinyair/pkg/readcache"
	"github.com/nicktill/tinyair/pkg/server/monitor"
	"github.com/nicktill/tinyair/pkg/service"
	"github.com/nicktill/tinyair/pkg/storage"
	"github.com/nicktill/tinyair/pkg/storage/badger"
	"github.com/nicktill/tinyair/pkg/storage/memory"
	"github.com/nicktill/tinyair/pkg/storage/postgres"
	"github.com/nicktill/tinyair/pkg/stream"
	"github.com/nicktill/tinyair/pkg/tuya"
)

const mqttConnectTimeout = 10 * time.Second

// App holds the wired components of a running server.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Store   storage.Store

	Credentials *tuya.CredentialCache
	Pipeline    *ingest.Pipeline
	Scheduler   *ingest.Scheduler
	Monitor     *monitor.IngestionMonitor
	Hub         *stream.Hub
	Publisher   *publish.Publisher // nil unless MQTT_BROKER_URL is set
	Service     *service.Service
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// InitializeStorage opens the configured backend and creates its schema.
func InitializeStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		logger.Info("connecting to postgres")
		store, err = postgres.Open(ctx, cfg.DatabaseURL)
	case config.BackendBadger:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		logger.Info("opening badger storage", "path", cfg.DataDir, "max_memory_mb", cfg.BadgerMemoryMB)
		store, err = badger.New(badger.Config{
			Path:        cfg.DataDir,
			MaxMemoryMB: cfg.BadgerMemoryMB,
		})
	case config.BackendMemory:
		logger.Warn("using in-memory storage, readings are lost on exit")
		store = memory.New()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	logger.Info("storage initialized", "backend", cfg.StorageBackend)
	return store, nil
}

// Initialize wires every component around store.
func Initialize(ctx context.Context, cfg config.Config, logger *slog.Logger, store storage.Store, m *metrics.Metrics) *App {
	client := tuya.NewClient(tuya.ClientConfig{
		BaseURL:  cfg.TuyaBaseURL,
		ClientID: cfg.TuyaClientID,
		Secret:   cfg.TuyaSecret,
		Timeout:  cfg.UpstreamTimeout,
		Metrics:  m,
	})
	creds := tuya.NewCredentialCache(client, logger.With("component", "credentials"), m)
	fetcher := tuya.NewFetcher(creds, client, logger.With("component", "fetcher"))
	cache := readcache.New(fetcher, cfg.DeviceID, cfg.ReadCacheTTL, m)

	hub := stream.NewHub(logger.With("component", "stream"))
	writer := ingest.NewWriter(store, logger.With("component", "writer"), m, hub)

	var pub *publish.Publisher
	if cfg.MQTTBrokerURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
		p, err := publish.Connect(connectCtx, publish.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.MQTTTopic,
		}, logger.With("component", "mqtt"))
		cancel()
		if err != nil {
			// Readings are still stored; only the fan-out is lost.
			logger.Error("mqtt publisher disabled", "broker", cfg.MQTTBrokerURL, "error", err)
		} else {
			pub = p
			writer.AddListener(pub)
		}
	}

	pipeline := ingest.NewPipeline(fetcher, writer, logger.With("component", "pipeline"), m)
	mon := monitor.NewIngestionMonitor(cfg.IngestInterval)
	scheduler := ingest.NewScheduler(pipeline, ingest.SchedulerConfig{
		DeviceID: cfg.DeviceID,
		Interval: cfg.IngestInterval,
		Recorder: mon,
		Logger:   logger.With("component", "scheduler"),
	})

	svc := service.New(service.Config{
		DeviceID:    cfg.DeviceID,
		Store:       store,
		Readings:    cache,
		Credentials: creds,
		Ingester:    pipeline,
		Monitor:     mon,
	})

	return &App{
		Config:      cfg,
		Logger:      logger,
		Metrics:     m,
		Store:       store,
		Credentials: creds,
		Pipeline:    pipeline,
		Scheduler:   scheduler,
		Monitor:     mon,
		Hub:         hub,
		Publisher:   pub,
		Service:     svc,
	}
}

// FetchInitialToken obtains the first access token. Failure is logged, not
// fatal: the first request that needs a token tries again.
func (a *App) FetchInitialToken(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, a.Config.UpstreamTimeout)
	defer cancel()
	if _, err := a.Credentials.EnsureValid(ctx); err != nil {
		a.Logger.Warn("initial token fetch failed", "error", err)
		return
	}
	cred, _ := a.Credentials.Current()
	a.Logger.Info("initial token obtained", "expires_at", cred.ExpiresAt.UTC().Format(time.RFC3339))
}

// Close releases the publisher and the store.
func (a *App) Close() error {
	if a.Publisher != nil {
		a.Publisher.Close()
	}
	return a.Store.Close()
}
