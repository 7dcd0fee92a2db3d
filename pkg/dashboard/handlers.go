package dashboard

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"kb-health-agent/pkg/alerting"
	"kb-health-agent/pkg/analyzer"
	"kb-health-agent/pkg/query"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	defaultTrendHours = 24
	maxTrendHours     = 24 * 30
	defaultSlowLimit  = 10
	maxListLimit      = 500

	prometheusContentType = "text/plain; version=0.0.4; charset=utf-8"
)

type Handlers struct {
	backend    Backend
	aggregator *DataAggregator
	templates  *template.Template
}

func NewHandlers(backend Backend, aggregator *DataAggregator) *Handlers {
	templates := template.Must(template.New("").Funcs(GetTemplateFuncs()).ParseFS(templateFS, "templates/*.html"))
	return &Handlers{
		backend:    backend,
		aggregator: aggregator,
		templates:  templates,
	}
}

func (h *Handlers) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		start := time.Now()
		next.ServeHTTP(w, r)
		klog.V(4).Infof("API %s %s - %v", r.Method, r.URL.Path, time.Since(start))
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		klog.Errorf("Failed to encode JSON response: %v", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, APIError{
		Error:   http.StatusText(status),
		Code:    status,
		Message: message,
	})
}

func (h *Handlers) writeHTML(w http.ResponseWriter, status int, templateName string, data interface{}) {
	var buf bytes.Buffer
	if err := h.templates.ExecuteTemplate(&buf, templateName, data); err != nil {
		klog.Errorf("Failed to execute template %s: %v", templateName, err)
		http.Error(w, "Template execution failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// intParam reads a positive integer query parameter, clamped to max
func intParam(r *http.Request, name string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// timeParam accepts RFC 3339 or unix milliseconds
func timeParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// GET / - overview page
func (h *Handlers) HandleIndex(w http.ResponseWriter, r *http.Request) {
	h.writeHTML(w, http.StatusOK, "index.html", h.aggregator.GetSummary(r.Context()))
}

// GET /api/summary
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.aggregator.GetSummary(r.Context()))
}

// GET /api/status
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.backend.RealtimeStatus(r.Context()))
}

// GET /api/trends?hours=
func (h *Handlers) HandleTrends(w http.ResponseWriter, r *http.Request) {
	hours := intParam(r, "hours", defaultTrendHours, maxTrendHours)
	trends, err := h.backend.Trends(r.Context(), hours)
	if err != nil {
		// partial series are still worth showing
		klog.Errorf("Trends degraded: %v", err)
	}
	h.writeJSON(w, http.StatusOK, trends)
}

// GET /api/slow-operations?limit=
func (h *Handlers) HandleSlowOperations(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", defaultSlowLimit, maxListLimit)
	ops, err := h.backend.SlowOperations(r.Context(), limit)
	if err != nil {
		klog.Errorf("Slow operations degraded: %v", err)
		ops = []query.SlowOperation{}
	}
	h.writeJSON(w, http.StatusOK, ops)
}

// GET /api/bottlenecks?refresh=true
func (h *Handlers) HandleBottlenecks(w http.ResponseWriter, r *http.Request) {
	var found []analyzer.Bottleneck
	if r.URL.Query().Get("refresh") == "true" {
		found = h.backend.DetectBottlenecks(r.Context())
	} else {
		found = h.backend.Bottlenecks()
	}
	if found == nil {
		found = []analyzer.Bottleneck{}
	}
	h.writeJSON(w, http.StatusOK, found)
}

// GET /api/recommendations
func (h *Handlers) HandleRecommendations(w http.ResponseWriter, r *http.Request) {
	recs := h.backend.OptimizationRecommendations()
	if recs == nil {
		recs = []analyzer.Recommendation{}
	}
	h.writeJSON(w, http.StatusOK, recs)
}

// POST /api/recommendations/{id}/apply
func (h *Handlers) HandleApplyRecommendation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Recommendation ID required")
		return
	}

	opt, err := h.backend.ApplyOptimization(r.Context(), id)
	switch {
	case errors.Is(err, analyzer.ErrRecommendationNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.writeJSON(w, http.StatusOK, opt)
	}
}

// GET /api/health/components
func (h *Handlers) HandleComponentHealth(w http.ResponseWriter, r *http.Request) {
	health := h.backend.ComponentHealth()
	if health == nil {
		health = []analyzer.ComponentHealth{}
	}
	h.writeJSON(w, http.StatusOK, health)
}

// GET /api/alerts?history=true&hours=&limit=
func (h *Handlers) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	var alerts []alerting.Event
	if r.URL.Query().Get("history") == "true" {
		hours := intParam(r, "hours", defaultTrendHours, maxTrendHours)
		limit := intParam(r, "limit", 100, maxListLimit)
		since := time.Now().Add(-time.Duration(hours) * time.Hour)
		var err error
		if alerts, err = h.backend.AlertHistory(r.Context(), since, limit); err != nil {
			klog.Errorf("Failed to read alert history: %v", err)
		}
	} else {
		alerts = h.backend.ActiveAlerts()
	}
	if alerts == nil {
		alerts = []alerting.Event{}
	}
	h.writeJSON(w, http.StatusOK, alerts)
}

// GET /export/prometheus
func (h *Handlers) HandleExportPrometheus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", prometheusContentType)
	w.Write([]byte(h.backend.ExportPrometheus(r.Context())))
}

// GET /export/json
func (h *Handlers) HandleExportJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(h.backend.ExportJSON(r.Context()))
}

// GET /export/csv?metric=&from=&to=
func (h *Handlers) HandleExportCSV(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		h.writeError(w, http.StatusBadRequest, "metric is required")
		return
	}
	now := time.Now()
	from, err := timeParam(r, "from", now.Add(-24*time.Hour))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := timeParam(r, "to", now)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+metric+`.csv"`)
	w.Write([]byte(h.backend.ExportCSV(r.Context(), metric, from, to)))
}

// GET /healthz
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Ping(r.Context()); err != nil {
		klog.Warningf("Health check failed: %v", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
