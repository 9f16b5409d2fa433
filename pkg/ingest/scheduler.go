package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nicktill/tinyair/pkg/config"
	"github.com/nicktill/tinyair/pkg/storage"
)

// Recorder keeps track of cycle outcomes. *monitor.IngestionMonitor satisfies it.
type Recorder interface {
	RecordSuccess()
	RecordSkip(reason string)
	RecordFailure(err error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	DeviceID string
	Interval time.Duration // defaults to config.DefaultIngestInterval
	Timeout  time.Duration // per cycle, defaults to config.CycleTimeout
	Recorder Recorder      // optional
	Logger   *slog.Logger
}

// Scheduler ingests a reading at start and then once per interval.
type Scheduler struct {
	pipeline *Pipeline
	deviceID string
	interval time.Duration
	timeout  time.Duration
	recorder Recorder
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler driving pipeline.
func NewScheduler(pipeline *Pipeline, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultIngestInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.CycleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		pipeline: pipeline,
		deviceID: cfg.DeviceID,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
	}
}

// Run blocks until ctx is cancelled. A failed cycle is logged and recorded;
// it never stops the loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("ingestion scheduler started", "device_id", s.deviceID, "interval", s.interval.String())

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ingestion scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one bounded cycle and reports its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	cycleID := uuid.NewString()
	logger := s.logger.With("cycle_id", cycleID, "device_id", s.deviceID)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.cycle(ctx)

	var fetchErr *FetchFailedError
	switch {
	case err == nil:
		logger.Info("reading saved",
			"raw_id", res.RawID,
			"metric_id", res.MetricID,
			"recorded_at", res.RecordedAt.Format(time.RFC3339))
		if s.recorder != nil {
			s.recorder.RecordSuccess()
		}
	case errors.Is(err, storage.ErrDuplicateInstant):
		logger.Info("reading already stored for this instant, skipped")
		if s.recorder != nil {
			s.recorder.RecordSkip("duplicate instant")
		}
	case errors.As(err, &fetchErr):
		logger.Warn("failed to fetch device status", "error", fetchErr.Err)
		if s.recorder != nil {
			s.recorder.RecordFailure(err)
		}
	default:
		logger.Error("failed to save reading", "error", err)
		if s.recorder != nil {
			s.recorder.RecordFailure(err)
		}
	}
}

// cycle turns a panic anywhere in fetch or write into an error.
func (s *Scheduler) cycle(ctx context.Context) (res storage.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingestion cycle panicked: %v", r)
		}
	}()
	return s.pipeline.Ingest(ctx, s.deviceID, TriggerScheduled)
}
