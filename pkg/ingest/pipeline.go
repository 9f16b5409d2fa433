package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nicktill/tinyair/pkg/metrics"
	"github.com/nicktill/tinyair/pkg/storage"
	"github.com/nicktill/tinyair/pkg/tuya"
)

// Triggers label what started an ingestion.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Fetcher reads the current device status. *tuya.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, deviceID string) (*tuya.Payload, error)
}

// FetchFailedError wraps an upstream failure that stopped an ingestion
// before anything was written.
type FetchFailedError struct {
	Err error
}

func (e *FetchFailedError) Error() string { return fmt.Sprintf("fetch failed: %v", e.Err) }

func (e *FetchFailedError) Unwrap() error { return e.Err }

// Pipeline runs one fetch and write for a device.
type Pipeline struct {
	fetcher Fetcher
	writer  *Writer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPipeline creates a Pipeline.
func NewPipeline(fetcher Fetcher, writer *Writer, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		fetcher: fetcher,
		writer:  writer,
		logger:  logger,
		metrics: m,
	}
}

// Ingest fetches the device status straight from upstream and writes it.
// Fetch failures come back as *FetchFailedError, write failures as returned
// by the Store.
func (p *Pipeline) Ingest(ctx context.Context, deviceID, trigger string) (storage.Result, error) {
	start := time.Now()

	payload, err := p.fetcher.Fetch(ctx, deviceID)
	if err != nil {
		p.metrics.IngestCycle(trigger, metrics.ResultFailure, time.Since(start))
		return storage.Result{}, &FetchFailedError{Err: err}
	}

	res, err := p.writer.Write(ctx, deviceID, payload)
	switch {
	case err == nil:
		p.metrics.IngestCycle(trigger, metrics.ResultSuccess, time.Since(start))
	case errors.Is(err, storage.ErrDuplicateInstant):
		p.metrics.IngestCycle(trigger, metrics.ResultDuplicate, time.Since(start))
	default:
		p.metrics.IngestCycle(trigger, metrics.ResultFailure, time.Since(start))
	}
	return res, err
}
