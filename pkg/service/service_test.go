package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nicktill/tinyair/pkg/ingest"
	"github.com/nicktill/tinyair/pkg/server/monitor"
	"github.com/nicktill/tinyair/pkg/storage"
	"github.com/nicktill/tinyair/pkg/storage/memory"
	"github.com/nicktill/tinyair/pkg/storage/storagetest"
	"github.com/nicktill/tinyair/pkg/tuya"
	"github.com/stretchr/testify/require"
)

type fakeReadings struct {
	body string
	err  error
}

func (f *fakeReadings) Get(context.Context) (*tuya.Payload, error) {
	if f.err != nil {
		return nil, f.err
	}
	var p tuya.Payload
	if err := json.Unmarshal([]byte(f.body), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type fakeCredentials struct {
	status    tuya.TokenStatus
	cred      tuya.Credential
	err       error
	refreshes int
}

func (f *fakeCredentials) Status() tuya.TokenStatus { return f.status }

func (f *fakeCredentials) Refresh(context.Context) (tuya.Credential, error) {
	f.refreshes++
	return f.cred, f.err
}

type fakeIngester struct {
	device  string
	trigger string
	res     storage.Result
	err     error
}

func (f *fakeIngester) Ingest(_ context.Context, deviceID, trigger string) (storage.Result, error) {
	f.device, f.trigger = deviceID, trigger
	return f.res, f.err
}

func newTestService(store Store) (*Service, *fakeReadings, *fakeCredentials, *fakeIngester) {
	readings := &fakeReadings{body: `{"success":true,"t":1,"result":[{"code":"co2_value","value":500},{"code":"charge_state","value":true}]}`}
	creds := &fakeCredentials{}
	ingester := &fakeIngester{}
	if store == nil {
		store = memory.New()
	}
	svc := New(Config{
		DeviceID:    "dev1",
		Store:       store,
		Readings:    readings,
		Credentials: creds,
		Ingester:    ingester,
	})
	svc.now = func() time.Time { return time.Unix(1700000000, 0) }
	return svc, readings, creds, ingester
}

func TestFormattedLatest(t *testing.T) {
	svc, _, _, _ := newTestService(nil)

	f, err := svc.FormattedLatest(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), f.Timestamp)
	require.Len(t, f.Sensors, 2)
	require.Equal(t, "co2_value", f.Sensors[0].Code)
	require.Equal(t, "integer", f.Sensors[0].Type)
	require.Equal(t, "boolean", f.Sensors[1].Type)
}

func TestFormattedLatest_PropagatesFetchError(t *testing.T) {
	svc, readings, _, _ := newTestService(nil)
	readings.err = &tuya.FetchError{DeviceID: "dev1", Status: 503}

	_, err := svc.FormattedLatest(context.Background())
	var fetchErr *tuya.FetchError
	require.ErrorAs(t, err, &fetchErr)
}

func TestTokenStatus(t *testing.T) {
	svc, _, creds, _ := newTestService(nil)

	info := svc.TokenStatus()
	require.Equal(t, tuya.TokenStateNone, info.Status)
	require.NotEmpty(t, info.Message)
	require.Nil(t, info.ExpiresAt)

	expires := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)
	creds.status = tuya.TokenStatus{State: tuya.TokenStateActive, ExpiresAt: expires, Remaining: 90*time.Second + 500*time.Millisecond, Valid: true}
	info = svc.TokenStatus()
	require.Equal(t, tuya.TokenStateActive, info.Status)
	require.Equal(t, expires, *info.ExpiresAt)
	require.Equal(t, int64(90), *info.TimeRemainingSeconds)
	require.True(t, *info.IsValid)
}

func TestRefreshToken(t *testing.T) {
	svc, _, creds, _ := newTestService(nil)
	creds.cred = tuya.Credential{Token: "t", ExpiresAt: time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)}

	exp, err := svc.RefreshToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, creds.cred.ExpiresAt, exp)

	creds.err = &tuya.CredentialError{Err: errors.New("denied")}
	_, err = svc.RefreshToken(context.Background())
	require.Error(t, err)
	require.Equal(t, 2, creds.refreshes)
}

func TestIngestNow_DefaultsDevice(t *testing.T) {
	svc, _, _, ingester := newTestService(nil)

	_, err := svc.IngestNow(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "dev1", ingester.device)
	require.Equal(t, ingest.TriggerManual, ingester.trigger)

	ingester.err = storage.ErrDuplicateInstant
	_, err = svc.IngestNow(context.Background(), "dev2")
	require.ErrorIs(t, err, storage.ErrDuplicateInstant)
	require.Equal(t, "dev2", ingester.device)
}

func TestStoredReads_NotFoundIsNil(t *testing.T) {
	svc, _, _, _ := newTestService(nil)
	ctx := context.Background()

	row, err := svc.LatestMetrics(ctx, "")
	require.NoError(t, err)
	require.Nil(t, row)

	raw, err := svc.LatestStoredRaw(ctx, "")
	require.NoError(t, err)
	require.Nil(t, raw)

	snaps, err := svc.Snapshots(ctx)
	require.NoError(t, err)
	require.NotNil(t, snaps)
	require.Empty(t, snaps)
}

func TestStoredReads(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, err := store.Ingest(ctx, storagetest.NewRecord("dev1", 0, 21.5))
	require.NoError(t, err)

	svc, _, _, _ := newTestService(store)

	row, err := svc.LatestMetrics(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, "dev1", row.DeviceID)

	raw, err := svc.LatestStoredRaw(ctx, "dev1")
	require.NoError(t, err)
	require.NotNil(t, raw)

	snaps, err := svc.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.MetricRows)
}

func TestHealth(t *testing.T) {
	svc, _, creds, _ := newTestService(nil)

	report := svc.Health()
	require.True(t, report.Healthy())
	require.Equal(t, TokenHealthNone, report.TokenStatus)
	require.Nil(t, report.Scheduler)

	creds.status = tuya.TokenStatus{State: tuya.TokenStateExpired}
	require.Equal(t, TokenHealthExpired, svc.Health().TokenStatus)
	creds.status = tuya.TokenStatus{State: tuya.TokenStateActive, Valid: true}
	require.Equal(t, TokenHealthValid, svc.Health().TokenStatus)

	mon := monitor.NewIngestionMonitor(time.Minute)
	svc.monitor = mon
	report = svc.Health()
	require.False(t, report.Healthy())
	require.NotNil(t, report.Scheduler)

	mon.RecordSuccess()
	require.True(t, svc.Health().Healthy())
}
