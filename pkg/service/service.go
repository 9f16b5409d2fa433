// Package service exposes the read, token and ingestion operations served by
// the HTTP API, independent of transport.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/tinyair/pkg/ingest"
	"github.com/nicktill/tinyair/pkg/normalize"
	"github.com/nicktill/tinyair/pkg/server/monitor"
	"github.com/nicktill/tinyair/pkg/storage"
	"github.com/nicktill/tinyair/pkg/tuya"
)

// Name identifies the service in health and info documents.
const Name = "tinyair"

// Token states reported by Health.
const (
	TokenHealthValid   = "valid"
	TokenHealthNone    = "no_token"
	TokenHealthExpired = "expired"
)

// Store is the storage side of the service. Every storage.Store satisfies it.
type Store interface {
	storage.Reader
	Stats(ctx context.Context) (*storage.Stats, error)
}

// Readings returns the device's current status, possibly cached.
// *readcache.Cache satisfies it.
type Readings interface {
	Get(ctx context.Context) (*tuya.Payload, error)
}

// Credentials is the token side of the service. *tuya.CredentialCache satisfies it.
type Credentials interface {
	Status() tuya.TokenStatus
	Refresh(ctx context.Context) (tuya.Credential, error)
}

// Ingester runs one fetch and write. *ingest.Pipeline satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, deviceID, trigger string) (storage.Result, error)
}

// HealthReporter summarises scheduler health. *monitor.IngestionMonitor satisfies it.
type HealthReporter interface {
	IsHealthy() bool
	Status() monitor.IngestionStatus
}

// Config wires a Service. Monitor is optional.
type Config struct {
	DeviceID    string
	Store       Store
	Readings    Readings
	Credentials Credentials
	Ingester    Ingester
	Monitor     HealthReporter
}

// Service implements the exposed operations.
type Service struct {
	deviceID    string
	store       Store
	readings    Readings
	credentials Credentials
	ingester    Ingester
	monitor     HealthReporter
	started     time.Time
	now         func() time.Time
}

// New creates a Service.
func New(cfg Config) *Service {
	return &Service{
		deviceID:    cfg.DeviceID,
		store:       cfg.Store,
		readings:    cfg.Readings,
		credentials: cfg.Credentials,
		ingester:    cfg.Ingester,
		monitor:     cfg.Monitor,
		started:     time.Now(),
		now:         time.Now,
	}
}

// DeviceID returns the configured device.
func (s *Service) DeviceID() string {
	return s.deviceID
}

// LatestRaw returns the device's current status as received, minus denylisted codes.
func (s *Service) LatestRaw(ctx context.Context) (*tuya.Payload, error) {
	return s.readings.Get(ctx)
}

// Formatted is the display form of the current status.
type Formatted struct {
	Timestamp int64                       `json:"timestamp"`
	Sensors   []normalize.FormattedSensor `json:"sensors"`
}

// FormattedLatest returns the current status with a label and type per data point.
func (s *Service) FormattedLatest(ctx context.Context) (*Formatted, error) {
	p, err := s.readings.Get(ctx)
	if err != nil {
		return nil, err
	}
	return &Formatted{
		Timestamp: s.now().Unix(),
		Sensors:   normalize.Format(p),
	}, nil
}

// TokenInfo is the public view of the cached credential. The token itself is never exposed.
type TokenInfo struct {
	Status               string     `json:"status"`
	Message              string     `json:"message,omitempty"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	TimeRemainingSeconds *int64     `json:"time_remaining_seconds,omitempty"`
	IsValid              *bool      `json:"is_valid,omitempty"`
}

// TokenStatus reports the cached credential's state.
func (s *Service) TokenStatus() TokenInfo {
	st := s.credentials.Status()
	if st.State == tuya.TokenStateNone || st.State == "" {
		return TokenInfo{Status: tuya.TokenStateNone, Message: "no active token"}
	}
	expires := st.ExpiresAt.UTC()
	remaining := int64(st.Remaining / time.Second)
	valid := st.Valid
	return TokenInfo{
		Status:               st.State,
		ExpiresAt:            &expires,
		TimeRemainingSeconds: &remaining,
		IsValid:              &valid,
	}
}

// RefreshToken discards the cached credential and obtains a new one.
func (s *Service) RefreshToken(ctx context.Context) (time.Time, error) {
	cred, err := s.credentials.Refresh(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return cred.ExpiresAt.UTC(), nil
}

// IngestNow fetches the device status upstream, bypassing the read cache, and
// stores it. An empty deviceID means the configured device.
func (s *Service) IngestNow(ctx context.Context, deviceID string) (storage.Result, error) {
	return s.ingester.Ingest(ctx, s.device(deviceID), ingest.TriggerManual)
}

// LatestMetrics returns the newest metric row of deviceID, or nil if none is stored.
func (s *Service) LatestMetrics(ctx context.Context, deviceID string) (*storage.MetricRow, error) {
	row, err := s.store.LatestMetric(ctx, s.device(deviceID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return row, err
}

// LatestStoredRaw returns the newest raw reading of deviceID, or nil if none is stored.
func (s *Service) LatestStoredRaw(ctx context.Context, deviceID string) (*storage.RawReading, error) {
	raw, err := s.store.LatestRaw(ctx, s.device(deviceID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return raw, err
}

// Snapshots lists every device snapshot. The result is never nil.
func (s *Service) Snapshots(ctx context.Context) ([]storage.SnapshotRow, error) {
	rows, err := s.store.Snapshots(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []storage.SnapshotRow{}
	}
	return rows, nil
}

// Stats reports row counts and the stored time range.
func (s *Service) Stats(ctx context.Context) (*storage.Stats, error) {
	return s.store.Stats(ctx)
}

// HealthReport is the service health document.
type HealthReport struct {
	Status      string                   `json:"status"`
	Service     string                   `json:"service"`
	Timestamp   int64                    `json:"timestamp"`
	Uptime      string                   `json:"uptime"`
	TokenStatus string                   `json:"token_status"`
	Scheduler   *monitor.IngestionStatus `json:"scheduler,omitempty"`
}

// Healthy reports whether the scheduler is keeping up.
func (r HealthReport) Healthy() bool {
	return r.Status == "healthy"
}

// Health reports token and scheduler state.
func (s *Service) Health() HealthReport {
	now := s.now()
	report := HealthReport{
		Status:      "healthy",
		Service:     Name,
		Timestamp:   now.Unix(),
		Uptime:      now.Sub(s.started).Round(time.Second).String(),
		TokenStatus: tokenHealth(s.credentials.Status()),
	}
	if s.monitor != nil {
		st := s.monitor.Status()
		report.Scheduler = &st
		if !st.Healthy {
			report.Status = "degraded"
		}
	}
	return report
}

func tokenHealth(st tuya.TokenStatus) string {
	switch st.State {
	case tuya.TokenStateNone, "":
		return TokenHealthNone
	case tuya.TokenStateActive:
		return TokenHealthValid
	default:
		return TokenHealthExpired
	}
}

func (s *Service) device(deviceID string) string {
	if deviceID == "" {
		return s.deviceID
	}
	return deviceID
}
