// Package ingest moves one device reading from the Tuya cloud into storage:
// fetch, normalize, write the three tables in one transaction, then notify
// listeners. The Scheduler repeats that on a fixed interval.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nicktill/tinyair/pkg/metrics"
	"github.com/nicktill/tinyair/pkg/normalize"
	"github.com/nicktill/tinyair/pkg/storage"
	"github.com/nicktill/tinyair/pkg/tuya"
)

// Event describes a committed reading.
type Event struct {
	DeviceID string
	Result   storage.Result
	Reading  normalize.Reading
	Payload  json.RawMessage
}

// Values returns the normalized values keyed by code, ready for JSON encoding.
func (ev Event) Values() map[string]any {
	out := make(map[string]any, len(ev.Reading.Values))
	for code, v := range ev.Reading.Values {
		out[string(code)] = v.Interface()
	}
	return out
}

// Listener is told about every committed reading. Listener errors are
// logged; they never undo or fail the write.
type Listener interface {
	OnIngest(ctx context.Context, ev Event) error
}

// Writer normalizes status payloads and stores them.
type Writer struct {
	store     storage.Store
	logger    *slog.Logger
	metrics   *metrics.Metrics
	listeners []Listener
	now       func() time.Time
}

// NewWriter creates a Writer on store.
func NewWriter(store storage.Store, logger *slog.Logger, m *metrics.Metrics, listeners ...Listener) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:     store,
		logger:    logger,
		metrics:   m,
		listeners: listeners,
		now:       time.Now,
	}
}

// AddListener registers l for readings committed from now on. Not safe to
// call concurrently with Write.
func (w *Writer) AddListener(l Listener) {
	w.listeners = append(w.listeners, l)
}

// Write stores p for deviceID. A reading already stored for the same
// instant yields storage.ErrDuplicateInstant and changes nothing.
func (w *Writer) Write(ctx context.Context, deviceID string, p *tuya.Payload) (storage.Result, error) {
	reading := normalize.Normalize(p, w.now())

	raw, err := json.Marshal(p)
	if err != nil {
		return storage.Result{}, &storage.Error{Op: "encode payload", Err: err}
	}

	if rejected := reading.Rejected(); len(rejected) > 0 {
		w.logger.Debug("values do not fit their column, stored as NULL",
			"device_id", deviceID, "codes", rejected)
	}

	res, err := w.store.Ingest(ctx, storage.Record{
		DeviceID:   deviceID,
		RecordedAt: reading.RecordedAt,
		Raw:        raw,
		Metric:     reading.Row(deviceID, raw),
	})
	if err != nil {
		return storage.Result{}, err
	}

	w.metrics.ReadingIngested(res.RecordedAt)
	w.notify(ctx, Event{
		DeviceID: deviceID,
		Result:   res,
		Reading:  reading,
		Payload:  raw,
	})
	return res, nil
}

func (w *Writer) notify(ctx context.Context, ev Event) {
	for _, l := range w.listeners {
		if err := l.OnIngest(ctx, ev); err != nil {
			w.logger.Warn("ingest listener failed", "device_id", ev.DeviceID, "error", err)
		}
	}
}
