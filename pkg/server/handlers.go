package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/nicktill/tinyair/pkg/httpx"
	"github.com/nicktill/tinyair/pkg/ingest"
	"github.com/nicktill/tinyair/pkg/metrics"
	"github.com/nicktill/tinyair/pkg/service"
	"github.com/nicktill/tinyair/pkg/storage"
)

// Version is reported by the API info document.
const Version = "2.0"

// Handlers serves the HTTP API on top of a Service.
type Handlers struct {
	svc    *service.Service
	logger *slog.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(svc *service.Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger}
}

// SetupRoutes configures all HTTP routes for the server. stream may be nil.
func SetupRoutes(router *mux.Router, h *Handlers, m *metrics.Metrics, stream http.Handler) {
	router.Use(requestIDMiddleware)
	router.Use(m.Middleware)
	router.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)

	router.HandleFunc("/", h.handleInfo).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	// Without its own handler a method mismatch inside the subrouter surfaces as 404.
	api.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)

	// Live device status
	api.HandleFunc("/sensors", h.handleSensors).Methods("GET")
	api.HandleFunc("/sensors/formatted", h.handleSensorsFormatted).Methods("GET")

	// Credential management
	api.HandleFunc("/token", h.handleToken).Methods("GET")
	api.HandleFunc("/token/refresh", h.handleTokenRefresh).Methods("POST")

	// Ingestion and stored readings
	api.HandleFunc("/save-now", h.handleSaveNow).Methods("GET", "POST")
	api.HandleFunc("/latest-metrics", h.handleLatestMetrics).Methods("GET")
	api.HandleFunc("/snapshots", h.handleSnapshots).Methods("GET")
	api.HandleFunc("/readings/latest", h.handleLatestReading).Methods("GET")
	api.HandleFunc("/stats", h.handleStats).Methods("GET")

	api.HandleFunc("/health", h.handleHealth).Methods("GET")

	if stream != nil {
		api.Handle("/ws", stream).Methods("GET")
	}

	router.Handle("/metrics", m.Handler()).Methods("GET")
}

// handleInfo describes the API.
func (h *Handlers) handleInfo(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"name":    service.Name,
		"version": Version,
		"features": []string{
			"Automatic access token renewal",
			"Thread-safe token handling",
			"Scheduled and on-demand ingestion",
			"Raw log, columnar metrics and latest snapshot per device",
		},
		"endpoints": map[string]string{
			"/api/sensors":           "Current device status as received from Tuya",
			"/api/sensors/formatted": "Current device status with labels and value types",
			"/api/token":             "Current access token state",
			"/api/token/refresh":     "Renew the access token (POST)",
			"/api/save-now":          "Fetch and store a reading immediately",
			"/api/latest-metrics":    "Newest stored metric row (?device_id=)",
			"/api/snapshots":         "Latest stored payload per device",
			"/api/readings/latest":   "Newest stored raw reading (?device_id=)",
			"/api/stats":             "Storage statistics",
			"/api/health":            "Service, token and scheduler health",
			"/api/ws":                "WebSocket stream of ingested readings",
			"/metrics":               "Prometheus metrics",
		},
		"usage": map[string]any{
			"cors":    "enabled for all origins",
			"methods": []string{"GET", "POST"},
		},
	})
}

func (h *Handlers) handleSensors(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.LatestRaw(r.Context())
	if err != nil {
		h.logger.Warn("device status unavailable", "error", err, "request_id", requestID(r))
		httpx.RespondError(w, http.StatusBadGateway, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, p)
}

func (h *Handlers) handleSensorsFormatted(w http.ResponseWriter, r *http.Request) {
	f, err := h.svc.FormattedLatest(r.Context())
	if err != nil {
		h.logger.Warn("device status unavailable", "error", err, "request_id", requestID(r))
		httpx.RespondError(w, http.StatusBadGateway, err)
		return
	}
	httpx.RespondSuccess(w, map[string]any{
		"timestamp": f.Timestamp,
		"sensors":   f.Sensors,
	})
}

func (h *Handlers) handleToken(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, h.svc.TokenStatus())
}

func (h *Handlers) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	expires, err := h.svc.RefreshToken(r.Context())
	if err != nil {
		h.logger.Warn("manual token refresh failed", "error", err, "request_id", requestID(r))
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondSuccess(w, map[string]any{
		"message":    "token renewed",
		"expires_at": expires.Format(time.RFC3339),
	})
}

// handleSaveNow maps ingestion outcomes: duplicate instant 409, upstream
// failure 502, anything else 500.
func (h *Handlers) handleSaveNow(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.IngestNow(r.Context(), r.URL.Query().Get("device_id"))
	if err != nil {
		var fetchErr *ingest.FetchFailedError
		switch {
		case errors.Is(err, storage.ErrDuplicateInstant):
			httpx.RespondError(w, http.StatusConflict, err)
		case errors.As(err, &fetchErr):
			httpx.RespondError(w, http.StatusBadGateway, err)
		default:
			h.logger.Error("manual ingestion failed", "error", err, "request_id", requestID(r))
			httpx.RespondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	httpx.RespondSuccess(w, map[string]any{
		"reading_id":  res.RawID,
		"metric_id":   res.MetricID,
		"recorded_at": res.RecordedAt.Format(time.RFC3339Nano),
	})
}

func (h *Handlers) handleLatestMetrics(w http.ResponseWriter, r *http.Request) {
	deviceID := h.deviceParam(r)
	row, err := h.svc.LatestMetrics(r.Context(), deviceID)
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	httpx.RespondSuccess(w, map[string]any{
		"device_id": deviceID,
		"metrics":   row,
	})
}

func (h *Handlers) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	deviceID := h.deviceParam(r)
	raw, err := h.svc.LatestStoredRaw(r.Context(), deviceID)
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	httpx.RespondSuccess(w, map[string]any{
		"device_id": deviceID,
		"reading":   raw,
	})
}

func (h *Handlers) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	rows, err := h.svc.Snapshots(r.Context())
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	httpx.RespondSuccess(w, map[string]any{"snapshots": rows})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	httpx.RespondSuccess(w, map[string]any{"stats": stats})
}

// handleHealth returns 503 while the scheduler is unhealthy.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.svc.Health()
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	httpx.RespondJSON(w, status, report)
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed on "+r.URL.Path)
}

func (h *Handlers) deviceParam(r *http.Request) string {
	if id := r.URL.Query().Get("device_id"); id != "" {
		return id
	}
	return h.svc.DeviceID()
}

func (h *Handlers) storageError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("storage query failed", "path", r.URL.Path, "error", err, "request_id", requestID(r))
	httpx.RespondError(w, http.StatusInternalServerError, err)
}
