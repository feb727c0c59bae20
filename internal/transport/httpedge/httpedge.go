// Package httpedge is the HTTP Ingest Edge (spec §4.E) and the
// read-only API (spec §6), routed with chi exactly as the teacher's
// SetupDataRouter/SetupUIRouter did.
package httpedge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zaydabash/real-time-iot-edge-agent/internal/auth"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/domain"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/pipeline"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/ratelimit"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/store"
)

// Pipeline is the subset of internal/pipeline the edge needs.
type Pipeline interface {
	AcceptHTTPBatch(ctx context.Context, deviceID string, points []domain.Point) (pipeline.AcceptResult, error)
}

// Reader is the subset of the Persistence Gateway the read API needs.
type Reader interface {
	ListDevices(ctx context.Context) ([]store.DeviceSummary, error)
	GetDevice(ctx context.Context, id string) (domain.Device, error)
	InsertDevice(ctx context.Context, d domain.Device) error
	ListPoints(ctx context.Context, f store.PointFilter) ([]domain.Point, int64, error)
	ListAnomalies(ctx context.Context, f store.AnomalyFilter) ([]domain.Anomaly, int64, error)
	Stats(ctx context.Context) store.HealthStats
}

// Edge wires ingest + read endpoints behind auth and rate limiting.
type Edge struct {
	pipeline  Pipeline
	store     Reader
	checker   *auth.Checker
	limiter   *ratelimit.Store
	engine    string
	log       *zap.Logger
}

// New returns an Edge. engine names the configured anomaly engine, for
// the /api/health response.
func New(p Pipeline, st Reader, checker *auth.Checker, limiter *ratelimit.Store, engine string, log *zap.Logger) *Edge {
	if log == nil {
		log = zap.NewNop()
	}
	if !checker.Enabled() {
		log.Warn("INGEST_API_KEY not set: HTTP ingest is open to any caller")
	}
	return &Edge{pipeline: p, store: st, checker: checker, limiter: limiter, engine: engine, log: log}
}

// Router builds the chi router for the HTTP Ingest Edge and API.
func (e *Edge) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.With(e.checker.Middleware, e.rateLimit).Post("/api/ingest", e.handleIngest)

	r.Get("/api/devices", e.handleListDevices)
	r.Post("/api/devices", e.handleCreateDevice)
	r.Get("/api/devices/{id}", e.handleGetDevice)
	r.Get("/api/metrics", e.handleListMetrics)
	r.Get("/api/anomalies", e.handleListAnomalies)
	r.Get("/api/health", e.handleHealth)

	return r
}

func (e *Edge) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !e.limiter.Allow(clientKey(r)) {
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type ingestRequest struct {
	DeviceID string       `json:"deviceId"`
	Metrics  []wirePoint  `json:"metrics"`
}

type wirePoint struct {
	Ts           *time.Time `json:"ts"`
	TemperatureC float64    `json:"temperature_c"`
	VibrationG   float64    `json:"vibration_g"`
	HumidityPct  float64    `json:"humidity_pct"`
	VoltageV     float64    `json:"voltage_v"`
}

func (e *Edge) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.DeviceID == "" || len(req.Metrics) == 0 {
		writeError(w, http.StatusBadRequest, "deviceId and at least one metric are required")
		return
	}

	points := make([]domain.Point, len(req.Metrics))
	for i, m := range req.Metrics {
		p := domain.Point{
			TemperatureC: m.TemperatureC,
			VibrationG:   m.VibrationG,
			HumidityPct:  m.HumidityPct,
			VoltageV:     m.VoltageV,
		}
		if m.Ts != nil {
			p.Ts = *m.Ts
		}
		points[i] = p
	}

	res, err := e.pipeline.AcceptHTTPBatch(r.Context(), req.DeviceID, points)
	if err != nil {
		e.writePipelineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":           true,
		"deviceId":          req.DeviceID,
		"metricsInserted":   res.MetricsInserted,
		"anomaliesDetected": res.AnomaliesDetected,
	})
}

func (e *Edge) writePipelineError(w http.ResponseWriter, err error) {
	var unknownDeviceErr *pipeline.UnknownDeviceError
	var clientErr *pipeline.ClientError
	var storeErr *pipeline.StoreError
	switch {
	case errors.As(err, &unknownDeviceErr):
		writeError(w, http.StatusNotFound, unknownDeviceErr.Error())
	case errors.As(err, &clientErr):
		writeError(w, http.StatusBadRequest, clientErr.Error())
	case errors.As(err, &storeErr):
		writeError(w, http.StatusInternalServerError, "failed to persist batch")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (e *Edge) handleListDevices(w http.ResponseWriter, r *http.Request) {
	summaries, err := e.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	devices := make([]map[string]interface{}, len(summaries))
	for i, s := range summaries {
		devices[i] = map[string]interface{}{
			"id":        s.ID,
			"name":      s.Name,
			"location":  s.Location,
			"createdAt": s.CreatedAt,
			"_count":    map[string]int64{"metrics": s.MetricCount, "anomalies": s.AnomalyCount},
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices, "count": len(devices)})
}

type createDeviceRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

func (e *Edge) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	dev := domain.Device{ID: req.Name, Name: req.Name, Location: req.Location, CreatedAt: time.Now().UTC()}
	if err := e.store.InsertDevice(r.Context(), dev); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create device")
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

func (e *Edge) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dev, err := e.store.GetDevice(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (e *Edge) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	f := store.PointFilter{
		DeviceID: r.URL.Query().Get("deviceId"),
		Limit:    queryInt(r, "limit", 1000),
		Offset:   queryInt(r, "offset", 0),
	}
	f.From, f.To = queryTimeRange(r)

	points, total, err := e.store.ListPoints(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":    points,
		"pagination": paginationPayload(total, f.Limit, f.Offset),
	})
}

func (e *Edge) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	f := store.AnomalyFilter{
		DeviceID: r.URL.Query().Get("deviceId"),
		Detector: r.URL.Query().Get("type"),
		Limit:    queryInt(r, "limit", 1000),
		Offset:   queryInt(r, "offset", 0),
	}
	f.From, f.To = queryTimeRange(r)
	if flagged := r.URL.Query().Get("flagged"); flagged != "" {
		v := flagged == "true"
		f.Flagged = &v
	}

	anomalies, total, err := e.store.ListAnomalies(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list anomalies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies":  anomalies,
		"pagination": paginationPayload(total, f.Limit, f.Offset),
	})
}

func (e *Edge) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := e.store.Stats(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"database": map[string]interface{}{
			"connected": stats.Connected,
			"stats": map[string]int64{
				"devices":   stats.DeviceCount,
				"points":    stats.PointCount,
				"anomalies": stats.AnomalyCount,
			},
		},
		"anomalyEngine": e.engine,
	})
}

func paginationPayload(total int64, limit, offset int) map[string]interface{} {
	return map[string]interface{}{"total": total, "limit": limit, "offset": offset}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func queryTimeRange(r *http.Request) (from, to time.Time) {
	if raw := r.URL.Query().Get("from"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			from = t
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			to = t
		}
	}
	return from, to
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
