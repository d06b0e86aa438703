package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/roadlens/roadlens/internal/models"
	"github.com/roadlens/roadlens/internal/services"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	healthTimeout    = 2 * time.Second
)

// DetectionLister reads back stored detections, newest first.
type DetectionLister interface {
	List(ctx context.Context, limit int) ([]models.DetectionRecord, error)
}

// API serves the REST side of the service next to the streaming endpoint.
type API struct {
	Detector services.Detector
	Stream   *StreamHandler
	Store    DetectionLister // nil when no database is configured
	Metrics  *services.Metrics
	Registry *prometheus.Registry
	Version  string
	Logger   *zap.Logger

	started time.Time
}

// NewRouter wires every route and wraps the mux with CORS.
func NewRouter(api *API, corsOrigins string) http.Handler {
	if api.Logger == nil {
		api.Logger = zap.NewNop()
	}
	if api.Metrics == nil {
		api.Metrics = services.GetMetrics()
	}
	if api.started.IsZero() {
		api.started = time.Now()
	}

	mux := http.NewServeMux()
	if api.Stream != nil {
		mux.Handle("/ws", api.Stream)
	}
	mux.HandleFunc("/detections/", api.GetDetections)
	mux.HandleFunc("/api/health", api.Health)
	mux.HandleFunc("/api/metrics", api.MetricsJSON)
	if api.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(api.Registry, promhttp.HandlerOpts{}))
	}

	return cors.New(cors.Options{
		AllowedOrigins:   splitOrigins(corsOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	}).Handler(mux)
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) GetDetections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, models.ErrorReply{Error: "Detection storage is not configured"})
		return
	}

	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	records, err := a.Store.List(ctx, limit)
	if err != nil {
		a.Logger.Error("list detections", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.ErrorReply{Error: "Failed to retrieve detections: " + err.Error()})
		return
	}
	if records == nil {
		records = []models.DetectionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"detections": records})
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	st := models.HealthStatus{
		Status:  "healthy",
		Uptime:  time.Since(a.started),
		Version: a.Version,
	}
	if a.Stream != nil {
		st.ActiveConnections = a.Stream.Active()
	}
	if a.Detector != nil {
		st.DetectorBackend = a.Detector.Name()
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := a.Detector.Health(ctx)
		cancel()
		st.DetectorHealthy = err == nil
		if err != nil {
			a.Logger.Warn("detector unhealthy", zap.Error(err))
		}
	}
	code := http.StatusOK
	if !st.DetectorHealthy {
		st.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (a *API) MetricsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Metrics.Snapshot())
}
