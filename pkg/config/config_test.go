package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		TuyaClientID:    "client",
		TuyaSecret:      "secret",
		DeviceID:        "device",
		StorageBackend:  BackendMemory,
		IngestInterval:  DefaultIngestInterval,
		ReadCacheTTL:    DefaultReadCacheTTL,
		UpstreamTimeout: DefaultUpstreamTimeout,
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "TUYA_BASE_URL", "STORAGE_BACKEND", "INGEST_INTERVAL", "READ_CACHE_TTL", "UPSTREAM_TIMEOUT"} {
		t.Setenv(key, "")
	}
	t.Setenv("TUYA_CLIENT_ID", "abc")
	t.Setenv("TUYA_SECRET", "shh")
	t.Setenv("TUYA_DEVICE_ID", "dev1")
	t.Setenv("DATABASE_URL", "postgres://localhost/tinyair")

	cfg := Load()

	require.Equal(t, DefaultPort, cfg.Port)
	require.Equal(t, DefaultTuyaBaseURL, cfg.TuyaBaseURL)
	require.Equal(t, BackendPostgres, cfg.StorageBackend)
	require.Equal(t, DefaultIngestInterval, cfg.IngestInterval)
	require.Equal(t, DefaultReadCacheTTL, cfg.ReadCacheTTL)
	require.Equal(t, DefaultUpstreamTimeout, cfg.UpstreamTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("TUYA_BASE_URL", "https://openapi.tuyaus.com/")
	t.Setenv("STORAGE_BACKEND", "Badger")
	t.Setenv("INGEST_INTERVAL", "90")
	t.Setenv("READ_CACHE_TTL", "2s")
	t.Setenv("BADGER_MAX_MEMORY_MB", "not-a-number")

	cfg := Load()

	require.Equal(t, "9000", cfg.Port)
	require.Equal(t, "https://openapi.tuyaus.com", cfg.TuyaBaseURL)
	require.Equal(t, BackendBadger, cfg.StorageBackend)
	require.Equal(t, 90*time.Second, cfg.IngestInterval)
	require.Equal(t, 2*time.Second, cfg.ReadCacheTTL)
	require.Equal(t, int64(DefaultBadgerMemoryMB), cfg.BadgerMemoryMB)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing secret", mutate: func(c *Config) { c.TuyaSecret = "" }, wantErr: ErrMissingCredentials},
		{name: "missing client id", mutate: func(c *Config) { c.TuyaClientID = "" }, wantErr: ErrMissingCredentials},
		{name: "missing device", mutate: func(c *Config) { c.DeviceID = "" }, wantErr: ErrMissingDevice},
		{
			name: "postgres without url",
			mutate: func(c *Config) {
				c.StorageBackend = BackendPostgres
				c.DatabaseURL = ""
			},
			wantErr: ErrMissingDatabaseURL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := validConfig()
	cfg.StorageBackend = "sqlite"
	require.ErrorContains(t, cfg.Validate(), "unknown STORAGE_BACKEND")

	cfg = validConfig()
	cfg.IngestInterval = 0
	require.ErrorContains(t, cfg.Validate(), "INGEST_INTERVAL")
}
