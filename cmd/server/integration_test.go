package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nicktill/tinyair/pkg/config"
)

func startTuyaStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1.0/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"result":{"access_token":"tok","expire_time":7200}}`))
	})
	mux.HandleFunc("/v1.0/devices/dev1/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("access_token") != "tok" {
			w.Write([]byte(`{"success":false,"code":1010,"msg":"token invalid"}`))
			return
		}
		w.Write([]byte(`{"success":true,"t":1700000000000,"result":[{"code":"pm25_value","value":12},{"code":"charge_state","value":false},{"code":"alarm_volume","value":"mute"}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

// TestE2E_ScheduledIngestion starts the full server on the memory backend and
// waits for the scheduler's first cycle to land in storage.
func TestE2E_ScheduledIngestion(t *testing.T) {
	stub := startTuyaStub(t)

	cfg := config.Config{
		TuyaBaseURL:     stub.URL,
		TuyaClientID:    "cid",
		TuyaSecret:      "secret",
		DeviceID:        "dev1",
		UpstreamTimeout: 2 * time.Second,
		StorageBackend:  config.BackendMemory,
		IngestInterval:  time.Hour,
		ReadCacheTTL:    time.Second,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), ln)
	}()

	var health struct {
		Status      string `json:"status"`
		TokenStatus string `json:"token_status"`
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/api/health")
		if err == nil {
			json.NewDecoder(resp.Body).Decode(&health)
			resp.Body.Close()
			if health.Status == "healthy" {
				break
			}
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server never became healthy, last status %q", health.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if health.TokenStatus != "valid" {
		t.Errorf("token_status = %q, want valid", health.TokenStatus)
	}

	var latest struct {
		Success bool `json:"success"`
		Metrics *struct {
			PM25Value   *float64 `json:"pm25_value"`
			ChargeState *bool    `json:"charge_state"`
			RecordedAt  string   `json:"recorded_at"`
		} `json:"metrics"`
	}
	if code := getJSON(t, base+"/api/latest-metrics", &latest); code != http.StatusOK {
		t.Fatalf("latest-metrics status = %d", code)
	}
	if latest.Metrics == nil {
		t.Fatal("expected a stored metric row")
	}
	if latest.Metrics.PM25Value == nil || *latest.Metrics.PM25Value != 12 {
		t.Errorf("pm25_value = %v, want 12", latest.Metrics.PM25Value)
	}
	if latest.Metrics.ChargeState == nil || *latest.Metrics.ChargeState {
		t.Errorf("charge_state = %v, want false", latest.Metrics.ChargeState)
	}
	if latest.Metrics.RecordedAt != "2023-11-14T22:13:20Z" {
		t.Errorf("recorded_at = %q, want 2023-11-14T22:13:20Z", latest.Metrics.RecordedAt)
	}

	// The device has not produced a new reading, so a manual save is a duplicate.
	req, _ := http.NewRequest(http.MethodPost, base+"/api/save-now", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("save-now: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("save-now status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

// TestE2E_InvalidStorage checks that startup fails before serving.
func TestE2E_InvalidStorage(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	cfg := config.Config{StorageBackend: "cassandra"}
	err = run(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), ln)
	if err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}
