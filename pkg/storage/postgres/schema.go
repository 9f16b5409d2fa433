package postgres

// schema creates the three tables and the latest-row index. Every statement
// is idempotent so Init can run on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sensor_readings (
		id          SERIAL PRIMARY KEY,
		device_id   TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		raw         JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sensor_snapshot (
		device_id        TEXT PRIMARY KEY,
		last_recorded_at TIMESTAMPTZ NOT NULL,
		raw              JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sensor_metrics (
		id                 SERIAL PRIMARY KEY,
		device_id          TEXT NOT NULL,
		recorded_at        TIMESTAMPTZ NOT NULL,
		air_quality_index  TEXT,
		temp_current       DOUBLE PRECISION,
		humidity_value     DOUBLE PRECISION,
		co2_value          DOUBLE PRECISION,
		ch2o_value         DOUBLE PRECISION,
		pm25_value         DOUBLE PRECISION,
		pm1                DOUBLE PRECISION,
		pm10               DOUBLE PRECISION,
		battery_percentage DOUBLE PRECISION,
		charge_state       BOOLEAN,
		raw                JSONB,
		CONSTRAINT uq_device_time UNIQUE (device_id, recorded_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_device_time
		ON sensor_metrics (device_id, recorded_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_device_time
		ON sensor_readings (device_id, recorded_at DESC)`,
}

const (
	insertRaw = `
		INSERT INTO sensor_readings (device_id, recorded_at, raw)
		VALUES ($1, $2, $3::jsonb)
		RETURNING id`

	insertMetric = `
		INSERT INTO sensor_metrics
		  (device_id, recorded_at,
		   air_quality_index, temp_current, humidity_value, co2_value,
		   ch2o_value, pm25_value, pm1, pm10,
		   battery_percentage, charge_state, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb)
		RETURNING id`

	upsertSnapshot = `
		INSERT INTO sensor_snapshot (device_id, last_recorded_at, raw)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (device_id) DO UPDATE
		  SET last_recorded_at = EXCLUDED.last_recorded_at,
		      raw = EXCLUDED.raw`

	selectLatestRaw = `
		SELECT id, device_id, recorded_at, raw
		FROM sensor_readings
		WHERE device_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`

	selectLatestMetric = `
		SELECT id, device_id, recorded_at,
		       air_quality_index, temp_current, humidity_value, co2_value,
		       ch2o_value, pm25_value, pm1, pm10,
		       battery_percentage, charge_state, raw
		FROM sensor_metrics
		WHERE device_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1`

	selectSnapshots = `
		SELECT device_id, last_recorded_at, raw
		FROM sensor_snapshot
		ORDER BY device_id`

	selectStats = `
		SELECT
		  (SELECT count(*) FROM sensor_readings),
		  (SELECT count(*) FROM sensor_metrics),
		  (SELECT count(*) FROM sensor_snapshot),
		  (SELECT min(recorded_at) FROM sensor_readings),
		  (SELECT max(recorded_at) FROM sensor_readings),
		  pg_total_relation_size('sensor_readings')
		    + pg_total_relation_size('sensor_metrics')
		    + pg_total_relation_size('sensor_snapshot')`
)
