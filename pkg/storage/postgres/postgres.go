// Package postgres is the relational storage.Store, built on database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/nicktill/tinyair/pkg/storage"
)

const (
	codeUniqueViolation = "23505"
	constraintInstant   = "uq_device_time"
)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer every few minutes plus API reads; a small pool is plenty.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. The Store takes ownership and closes it.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storage.Wrap("init", fmt.Errorf("failed to create schema: %w", err))
		}
	}
	return nil
}

// Ingest runs the three writes in one transaction and rolls back on any error.
func (s *Store) Ingest(ctx context.Context, rec storage.Record) (storage.Result, error) {
	rec = rec.Normalize()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Result{}, storage.Wrap("ingest", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	raw := string(rec.Raw)
	res := storage.Result{RecordedAt: rec.RecordedAt}

	if err := tx.QueryRowContext(ctx, insertRaw, rec.DeviceID, rec.RecordedAt, raw).Scan(&res.RawID); err != nil {
		return storage.Result{}, storage.Wrap("ingest", fmt.Errorf("failed to insert raw reading: %w", err))
	}

	m := rec.Metric
	err = tx.QueryRowContext(ctx, insertMetric,
		rec.DeviceID, rec.RecordedAt,
		m.AirQualityIndex, m.TempCurrent, m.HumidityValue, m.CO2Value,
		m.CH2OValue, m.PM25Value, m.PM1, m.PM10,
		m.BatteryPercentage, m.ChargeState, nullableJSON(m.Raw),
	).Scan(&res.MetricID)
	if err != nil {
		if isDuplicateInstant(err) {
			return storage.Result{}, storage.ErrDuplicateInstant
		}
		return storage.Result{}, storage.Wrap("ingest", fmt.Errorf("failed to insert metric row: %w", err))
	}

	if _, err := tx.ExecContext(ctx, upsertSnapshot, rec.DeviceID, rec.RecordedAt, raw); err != nil {
		return storage.Result{}, storage.Wrap("ingest", fmt.Errorf("failed to upsert snapshot: %w", err))
	}

	if err := tx.Commit(); err != nil {
		if isDuplicateInstant(err) {
			return storage.Result{}, storage.ErrDuplicateInstant
		}
		return storage.Result{}, storage.Wrap("ingest", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return res, nil
}

// LatestRaw returns the raw reading of deviceID with the greatest recorded time
func (s *Store) LatestRaw(ctx context.Context, deviceID string) (*storage.RawReading, error) {
	var r storage.RawReading
	var raw []byte
	err := s.db.QueryRowContext(ctx, selectLatestRaw, deviceID).Scan(&r.ID, &r.DeviceID, &r.RecordedAt, &raw)
	if err != nil {
		return nil, lookupError("latest raw", err)
	}
	r.RecordedAt = r.RecordedAt.UTC()
	r.Payload = raw
	return &r, nil
}

// LatestMetric returns the metric row of deviceID with the greatest recorded time
func (s *Store) LatestMetric(ctx context.Context, deviceID string) (*storage.MetricRow, error) {
	var (
		m       storage.MetricRow
		aqi     sql.NullString
		nums    [8]sql.NullFloat64
		charge  sql.NullBool
		rawJSON []byte
	)
	err := s.db.QueryRowContext(ctx, selectLatestMetric, deviceID).Scan(
		&m.ID, &m.DeviceID, &m.RecordedAt,
		&aqi, &nums[0], &nums[1], &nums[2],
		&nums[3], &nums[4], &nums[5], &nums[6],
		&nums[7], &charge, &rawJSON,
	)
	if err != nil {
		return nil, lookupError("latest metric", err)
	}

	m.RecordedAt = m.RecordedAt.UTC()
	if aqi.Valid {
		m.AirQualityIndex = &aqi.String
	}
	cols := []**float64{
		&m.TempCurrent, &m.HumidityValue, &m.CO2Value,
		&m.CH2OValue, &m.PM25Value, &m.PM1, &m.PM10,
		&m.BatteryPercentage,
	}
	for i, col := range cols {
		if nums[i].Valid {
			v := nums[i].Float64
			*col = &v
		}
	}
	if charge.Valid {
		m.ChargeState = &charge.Bool
	}
	m.Raw = rawJSON
	return &m, nil
}

// Snapshots lists every device snapshot ordered by device id
func (s *Store) Snapshots(ctx context.Context) ([]storage.SnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx, selectSnapshots)
	if err != nil {
		return nil, storage.Wrap("snapshots", fmt.Errorf("failed to execute query: %w", err))
	}
	defer rows.Close()

	out := []storage.SnapshotRow{}
	for rows.Next() {
		var snap storage.SnapshotRow
		var raw []byte
		if err := rows.Scan(&snap.DeviceID, &snap.LastRecordedAt, &raw); err != nil {
			return nil, storage.Wrap("snapshots", fmt.Errorf("failed to scan row: %w", err))
		}
		snap.LastRecordedAt = snap.LastRecordedAt.UTC()
		snap.Payload = raw
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("snapshots", err)
	}
	return out, nil
}

// Stats returns storage statistics
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	var (
		stats          storage.Stats
		oldest, newest sql.NullTime
		size           sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, selectStats).Scan(
		&stats.RawReadings, &stats.MetricRows, &stats.Snapshots,
		&oldest, &newest, &size,
	)
	if err != nil {
		return nil, storage.Wrap("stats", err)
	}
	if oldest.Valid {
		stats.Oldest = oldest.Time.UTC()
	}
	if newest.Valid {
		stats.Newest = newest.Time.UTC()
	}
	if size.Valid && size.Int64 > 0 {
		stats.SizeBytes = uint64(size.Int64)
	}
	return &stats, nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// isDuplicateInstant reports whether err is the unique violation of (device_id, recorded_at).
func isDuplicateInstant(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == codeUniqueViolation && pqErr.Constraint == constraintInstant
}

func lookupError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return storage.Wrap(op, err)
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
