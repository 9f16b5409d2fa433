// Package storagetest holds the behaviour every storage.Store must share.
// Backend test files call Run with a constructor for a fresh, empty store.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/tinyair/pkg/storage"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty, initialised store. It should register its own cleanup.
type Factory func(t *testing.T) storage.Store

// Run executes the shared store tests.
func Run(t *testing.T, newStore Factory) {
	t.Run("IngestAndRead", func(t *testing.T) { testIngestAndRead(t, newStore(t)) })
	t.Run("DuplicateInstant", func(t *testing.T) { testDuplicateInstant(t, newStore(t)) })
	t.Run("SnapshotOverwrite", func(t *testing.T) { testSnapshotOverwrite(t, newStore(t)) })
	t.Run("LatestByRecordedAt", func(t *testing.T) { testLatestByRecordedAt(t, newStore(t)) })
	t.Run("LatestBeyondNanosecondRange", func(t *testing.T) { testLatestBeyondNanosecondRange(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("ConcurrentDuplicates", func(t *testing.T) { testConcurrentDuplicates(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
}

// Base is the recorded time used by the shared tests: 2023-11-14T22:13:20Z.
var Base = time.UnixMilli(1700000000000).UTC()

func f64(v float64) *float64 { return &v }

// NewRecord builds a record for deviceID at Base+offset with a single temperature column.
func NewRecord(deviceID string, offset time.Duration, temp float64) storage.Record {
	return NewRecordAt(deviceID, Base.Add(offset), temp)
}

// NewRecordAt builds a record for deviceID at a fixed time.
func NewRecordAt(deviceID string, at time.Time, temp float64) storage.Record {
	raw, _ := json.Marshal(map[string]any{
		"success": true,
		"t":       at.UnixMilli(),
		"result":  []map[string]any{{"code": "temp_current", "value": temp}},
	})
	return storage.Record{
		DeviceID:   deviceID,
		RecordedAt: at,
		Raw:        raw,
		Metric:     storage.MetricRow{TempCurrent: f64(temp)},
	}
}

func testIngestAndRead(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rec := NewRecord("dev1", 0, 235)
	aqi := "good"
	charging := true
	rec.Metric.AirQualityIndex = &aqi
	rec.Metric.ChargeState = &charging

	res, err := s.Ingest(ctx, rec)
	require.NoError(t, err)
	require.Positive(t, res.RawID)
	require.Positive(t, res.MetricID)
	require.True(t, res.RecordedAt.Equal(Base))

	raw, err := s.LatestRaw(ctx, "dev1")
	require.NoError(t, err)
	require.Equal(t, res.RawID, raw.ID)
	require.Equal(t, "dev1", raw.DeviceID)
	require.True(t, raw.RecordedAt.Equal(Base))
	require.JSONEq(t, string(rec.Raw), string(raw.Payload))

	m, err := s.LatestMetric(ctx, "dev1")
	require.NoError(t, err)
	require.Equal(t, res.MetricID, m.ID)
	require.True(t, m.RecordedAt.Equal(Base))
	require.NotNil(t, m.TempCurrent)
	require.Equal(t, 235.0, *m.TempCurrent)
	require.Nil(t, m.HumidityValue)
	require.Equal(t, &aqi, m.AirQualityIndex)
	require.Equal(t, &charging, m.ChargeState)
	require.JSONEq(t, string(rec.Raw), string(m.Raw))

	snaps, err := s.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, "dev1", snaps[0].DeviceID)
	require.True(t, snaps[0].LastRecordedAt.Equal(Base))
	require.JSONEq(t, string(rec.Raw), string(snaps[0].Payload))
}

func testDuplicateInstant(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.Ingest(ctx, NewRecord("dev1", 0, 20))
	require.NoError(t, err)

	_, err = s.Ingest(ctx, NewRecord("dev1", 0, 99))
	require.ErrorIs(t, err, storage.ErrDuplicateInstant)

	// nothing of the rejected reading is visible
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.RawReadings)
	require.Equal(t, uint64(1), stats.MetricRows)

	m, err := s.LatestMetric(ctx, "dev1")
	require.NoError(t, err)
	require.Equal(t, 20.0, *m.TempCurrent)

	snaps, err := s.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Contains(t, string(snaps[0].Payload), "20")
	require.NotContains(t, string(snaps[0].Payload), "99")

	// same instant on another device is fine
	_, err = s.Ingest(ctx, NewRecord("dev2", 0, 99))
	require.NoError(t, err)
}

func testSnapshotOverwrite(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.Ingest(ctx, NewRecord("dev1", 0, 20))
	require.NoError(t, err)
	_, err = s.Ingest(ctx, NewRecord("dev1", 10*time.Minute, 21))
	require.NoError(t, err)
	_, err = s.Ingest(ctx, NewRecord("dev0", 0, 5))
	require.NoError(t, err)

	snaps, err := s.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, "dev0", snaps[0].DeviceID)
	require.Equal(t, "dev1", snaps[1].DeviceID)
	require.True(t, snaps[1].LastRecordedAt.Equal(Base.Add(10*time.Minute)))
}

func testLatestByRecordedAt(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.Ingest(ctx, NewRecord("dev1", time.Hour, 30))
	require.NoError(t, err)
	_, err = s.Ingest(ctx, NewRecord("dev1", 0, 10))
	require.NoError(t, err)

	m, err := s.LatestMetric(ctx, "dev1")
	require.NoError(t, err)
	require.Equal(t, 30.0, *m.TempCurrent)
	require.True(t, m.RecordedAt.Equal(Base.Add(time.Hour)))

	raw, err := s.LatestRaw(ctx, "dev1")
	require.NoError(t, err)
	require.True(t, raw.RecordedAt.Equal(Base.Add(time.Hour)))
}

// Unix nanoseconds overflow in 2262; later readings must still sort last.
func testLatestBeyondNanosecondRange(t *testing.T, s storage.Store) {
	ctx := context.Background()
	far := time.UnixMilli(10000000000000).UTC() // 2286-11-20T17:46:40Z

	_, err := s.Ingest(ctx, NewRecord("dev1", 0, 10))
	require.NoError(t, err)
	_, err = s.Ingest(ctx, NewRecordAt("dev1", far, 20))
	require.NoError(t, err)

	m, err := s.LatestMetric(ctx, "dev1")
	require.NoError(t, err)
	require.True(t, m.RecordedAt.Equal(far), "latest metric at %v", m.RecordedAt)
	require.Equal(t, 20.0, *m.TempCurrent)

	raw, err := s.LatestRaw(ctx, "dev1")
	require.NoError(t, err)
	require.True(t, raw.RecordedAt.Equal(far), "latest raw at %v", raw.RecordedAt)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.True(t, stats.Oldest.Equal(Base))
	require.True(t, stats.Newest.Equal(far))

	_, err = s.Ingest(ctx, NewRecordAt("dev1", far, 30))
	require.ErrorIs(t, err, storage.ErrDuplicateInstant)
}

func testNotFound(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.LatestRaw(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.LatestMetric(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	snaps, err := s.Snapshots(ctx)
	require.NoError(t, err)
	require.Empty(t, snaps)
}

func testConcurrentDuplicates(t *testing.T, s storage.Store) {
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Ingest(ctx, NewRecord("dev1", 0, float64(i)))
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, storage.ErrDuplicateInstant):
			dup++
		default:
			t.Fatalf("unexpected ingest error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, n-1, dup)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.RawReadings)
	require.Equal(t, uint64(1), stats.MetricRows)
	require.Equal(t, uint64(1), stats.Snapshots)
}

func testStats(t *testing.T, s storage.Store) {
	ctx := context.Background()

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.RawReadings)

	_, err = s.Ingest(ctx, NewRecord("dev1", 0, 1))
	require.NoError(t, err)
	_, err = s.Ingest(ctx, NewRecord("dev1", time.Minute, 2))
	require.NoError(t, err)

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.RawReadings)
	require.Equal(t, uint64(2), stats.MetricRows)
	require.Equal(t, uint64(1), stats.Snapshots)
	require.True(t, stats.Oldest.Equal(Base))
	require.True(t, stats.Newest.Equal(Base.Add(time.Minute)))
}
