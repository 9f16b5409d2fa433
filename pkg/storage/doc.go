/*
Package storage defines where tinyair keeps sensor readings.

Every reading lands in three shapes at once:

  - raw log (sensor_readings): append-only, the filtered Tuya document verbatim
  - metrics (sensor_metrics): one typed column per known data point code,
    unique on (device_id, recorded_at)
  - snapshot (sensor_snapshot): the latest document per device, overwritten

Store.Ingest writes all three in one transaction. A reading whose instant is
already present in the metrics table is rejected as a whole with
ErrDuplicateInstant, so the raw log never holds a reading the metrics table
lacks.

Backends:

  - memory: mutex-guarded slices, for tests and STORAGE_BACKEND=memory
  - badger: embedded BadgerDB, zstd-compressed payloads
  - postgres: database/sql with lib/pq

Usage:

	store, err := postgres.Open(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
	    log.Fatal(err)
	}

	res, err := store.Ingest(ctx, storage.Record{
	    DeviceID:   "bf1234",
	    RecordedAt: time.UnixMilli(1700000000000),
	    Raw:        raw,
	    Metric:     row,
	})
	if errors.Is(err, storage.ErrDuplicateInstant) {
	    // already stored, skip
	}
*/
package storage
