package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists sensor readings. Implementations: memory (testing),
// badger (embedded), postgres (production).
type Store interface {
	Reader

	// Init creates the schema if it does not exist yet. Safe to call repeatedly.
	Init(ctx context.Context) error

	// Ingest appends rec to the raw log and the metrics table and upserts the
	// device snapshot, all in one transaction. If a metric row already exists
	// for (DeviceID, RecordedAt) nothing is written and ErrDuplicateInstant is returned.
	Ingest(ctx context.Context, rec Record) (Result, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// Reader is the query side of a Store. Lookups with no rows return ErrNotFound.
type Reader interface {
	// LatestRaw returns the most recently recorded raw reading of deviceID
	LatestRaw(ctx context.Context, deviceID string) (*RawReading, error)

	// LatestMetric returns the metric row of deviceID with the greatest RecordedAt
	LatestMetric(ctx context.Context, deviceID string) (*MetricRow, error)

	// Snapshots lists every device snapshot ordered by device id
	Snapshots(ctx context.Context) ([]SnapshotRow, error)
}

// RawReading is one entry of the append-only raw log.
type RawReading struct {
	ID         int64           `json:"id"`
	DeviceID   string          `json:"device_id"`
	RecordedAt time.Time       `json:"recorded_at"`
	Payload    json.RawMessage `json:"raw"`
}

// MetricRow is the columnar projection of one reading. A nil column means
// the device did not report that code or reported a value of the wrong kind.
type MetricRow struct {
	ID                int64           `json:"id"`
	DeviceID          string          `json:"device_id"`
	RecordedAt        time.Time       `json:"recorded_at"`
	AirQualityIndex   *string         `json:"air_quality_index"`
	TempCurrent       *float64        `json:"temp_current"`
	HumidityValue     *float64        `json:"humidity_value"`
	CO2Value          *float64        `json:"co2_value"`
	CH2OValue         *float64        `json:"ch2o_value"`
	PM25Value         *float64        `json:"pm25_value"`
	PM1               *float64        `json:"pm1"`
	PM10              *float64        `json:"pm10"`
	BatteryPercentage *float64        `json:"battery_percentage"`
	ChargeState       *bool           `json:"charge_state"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// SnapshotRow is the latest payload of a device.
type SnapshotRow struct {
	DeviceID       string          `json:"device_id"`
	LastRecordedAt time.Time       `json:"last_recorded_at"`
	Payload        json.RawMessage `json:"raw"`
}

// Record is everything one ingestion writes. Metric.DeviceID and
// Metric.RecordedAt are overwritten with the record's own values.
type Record struct {
	DeviceID   string
	RecordedAt time.Time
	Raw        json.RawMessage
	Metric     MetricRow
}

// Result identifies the rows an ingestion created.
type Result struct {
	RawID      int64     `json:"raw_id"`
	MetricID   int64     `json:"metric_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Stats provides storage health and usage info
type Stats struct {
	RawReadings uint64    `json:"raw_readings"`
	MetricRows  uint64    `json:"metric_rows"`
	Snapshots   uint64    `json:"snapshots"`
	Oldest      time.Time `json:"oldest"`
	Newest      time.Time `json:"newest"`

	// SizeBytes is the on-disk size where the backend can tell, 0 otherwise
	SizeBytes uint64 `json:"size_bytes"`
}

// Normalize returns rec with the metric row keyed like the record and the
// recorded time truncated to the microsecond precision every backend keeps.
func (rec Record) Normalize() Record {
	rec.RecordedAt = rec.RecordedAt.UTC().Truncate(time.Microsecond)
	rec.Metric.DeviceID = rec.DeviceID
	rec.Metric.RecordedAt = rec.RecordedAt
	if rec.Metric.Raw == nil {
		rec.Metric.Raw = rec.Raw
	}
	return rec
}
