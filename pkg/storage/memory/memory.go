package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyair/pkg/storage"
)

// Storage stores readings in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu        sync.RWMutex
	raw       []storage.RawReading
	metrics   []storage.MetricRow
	snapshots map[string]storage.SnapshotRow
	instants  map[instant]struct{}
	closed    bool
}

type instant struct {
	deviceID string
	micros   int64
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		raw:       make([]storage.RawReading, 0, 1024),
		metrics:   make([]storage.MetricRow, 0, 1024),
		snapshots: make(map[string]storage.SnapshotRow),
		instants:  make(map[instant]struct{}),
	}
}

// Init is a no-op for memory storage
func (s *Storage) Init(ctx context.Context) error {
	return nil
}

// Ingest stores rec under a single lock, so a duplicate leaves every table untouched.
func (s *Storage) Ingest(ctx context.Context, rec storage.Record) (storage.Result, error) {
	if err := ctx.Err(); err != nil {
		return storage.Result{}, storage.Wrap("ingest", err)
	}
	rec = rec.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.Result{}, storage.Wrap("ingest", storage.ErrClosed)
	}

	key := instant{deviceID: rec.DeviceID, micros: rec.RecordedAt.UnixMicro()}
	if _, exists := s.instants[key]; exists {
		return storage.Result{}, storage.ErrDuplicateInstant
	}

	rawID := int64(len(s.raw) + 1)
	metricID := int64(len(s.metrics) + 1)
	payload := clone(rec.Raw)

	s.raw = append(s.raw, storage.RawReading{
		ID:         rawID,
		DeviceID:   rec.DeviceID,
		RecordedAt: rec.RecordedAt,
		Payload:    payload,
	})

	row := rec.Metric
	row.ID = metricID
	row.Raw = clone(row.Raw)
	s.metrics = append(s.metrics, row)
	s.instants[key] = struct{}{}

	s.snapshots[rec.DeviceID] = storage.SnapshotRow{
		DeviceID:       rec.DeviceID,
		LastRecordedAt: rec.RecordedAt,
		Payload:        payload,
	}

	return storage.Result{RawID: rawID, MetricID: metricID, RecordedAt: rec.RecordedAt}, nil
}

// LatestRaw returns the raw reading of deviceID with the greatest recorded time
func (s *Storage) LatestRaw(ctx context.Context, deviceID string) (*storage.RawReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *storage.RawReading
	for i := range s.raw {
		r := &s.raw[i]
		if r.DeviceID != deviceID {
			continue
		}
		if latest == nil || !r.RecordedAt.Before(latest.RecordedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	out := *latest
	out.Payload = clone(out.Payload)
	return &out, nil
}

// LatestMetric returns the metric row of deviceID with the greatest recorded time
func (s *Storage) LatestMetric(ctx context.Context, deviceID string) (*storage.MetricRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *storage.MetricRow
	for i := range s.metrics {
		m := &s.metrics[i]
		if m.DeviceID != deviceID {
			continue
		}
		if latest == nil || m.RecordedAt.After(latest.RecordedAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	out := *latest
	out.Raw = clone(out.Raw)
	return &out, nil
}

// Snapshots lists every device snapshot ordered by device id
func (s *Storage) Snapshots(ctx context.Context) ([]storage.SnapshotRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.SnapshotRow, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		snap.Payload = clone(snap.Payload)
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeviceID < out[j].DeviceID
	})
	return out, nil
}

// Close marks the storage closed; later ingests fail with ErrClosed
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		RawReadings: uint64(len(s.raw)),
		MetricRows:  uint64(len(s.metrics)),
		Snapshots:   uint64(len(s.snapshots)),
	}

	var oldest, newest time.Time
	for _, r := range s.raw {
		if oldest.IsZero() || r.RecordedAt.Before(oldest) {
			oldest = r.RecordedAt
		}
		if newest.IsZero() || r.RecordedAt.After(newest) {
			newest = r.RecordedAt
		}
		stats.SizeBytes += uint64(len(r.Payload))
	}
	stats.Oldest = oldest
	stats.Newest = newest

	return stats, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
