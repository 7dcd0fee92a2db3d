package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"kb-health-agent/pkg/alerting"
	"kb-health-agent/pkg/analyzer"
	"kb-health-agent/pkg/config"
	"kb-health-agent/pkg/ingest"
	"kb-health-agent/pkg/query"
)

// Backend is the engine surface the dashboard reads and acts on
type Backend interface {
	RealtimeStatus(ctx context.Context) query.RealtimeStatus
	Trends(ctx context.Context, hours int) (query.Trends, error)
	SlowOperations(ctx context.Context, limit int) ([]query.SlowOperation, error)
	DetectBottlenecks(ctx context.Context) []analyzer.Bottleneck
	Bottlenecks() []analyzer.Bottleneck
	OptimizationRecommendations() []analyzer.Recommendation
	ApplyOptimization(ctx context.Context, recommendationID string) (analyzer.AppliedOptimization, error)
	ComponentHealth() []analyzer.ComponentHealth
	ActiveAlerts() []alerting.Event
	AlertHistory(ctx context.Context, since time.Time, limit int) ([]alerting.Event, error)
	ExportPrometheus(ctx context.Context) string
	ExportJSON(ctx context.Context) []byte
	ExportCSV(ctx context.Context, metric string, from, to time.Time) string
	Stats() ingest.Stats
	Ping(ctx context.Context) error
}

// Server serves the local dashboard and its JSON API
type Server struct {
	config     *config.DashboardConfig
	aggregator *DataAggregator
	handlers   *Handlers
	metrics    http.Handler

	httpServer *http.Server
}

// NewServer creates the dashboard. metrics may be nil, in which case /metrics is not served.
func NewServer(cfg *config.DashboardConfig, backend Backend, metrics http.Handler) *Server {
	aggregator := NewDataAggregator(backend, defaultRefreshInterval)
	return &Server{
		config:     cfg,
		aggregator: aggregator,
		handlers:   NewHandlers(backend, aggregator),
		metrics:    metrics,
	}
}

// Start serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		klog.Info("Dashboard is disabled, skipping start")
		return nil
	}

	go s.aggregator.Start(ctx)

	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		klog.Infof("Dashboard server listening on http://%s", s.config.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("dashboard server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		klog.Info("Shutting down dashboard server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("Dashboard server shutdown error: %v", err)
		}
		return nil
	case err := <-errChan:
		return err
	}
}

// Handler returns the routed mux
func (s *Server) Handler() http.Handler {
	h := s.handlers
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.HandleIndex)
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	mux.HandleFunc("/api/summary", h.corsMiddleware(get(h.HandleSummary)))
	mux.HandleFunc("/api/status", h.corsMiddleware(get(h.HandleStatus)))
	mux.HandleFunc("/api/trends", h.corsMiddleware(get(h.HandleTrends)))
	mux.HandleFunc("/api/slow-operations", h.corsMiddleware(get(h.HandleSlowOperations)))
	mux.HandleFunc("/api/bottlenecks", h.corsMiddleware(get(h.HandleBottlenecks)))
	mux.HandleFunc("/api/recommendations", h.corsMiddleware(get(h.HandleRecommendations)))
	mux.HandleFunc("/api/recommendations/{id}/apply", h.corsMiddleware(post(h.HandleApplyRecommendation)))
	mux.HandleFunc("/api/health/components", h.corsMiddleware(get(h.HandleComponentHealth)))
	mux.HandleFunc("/api/alerts", h.corsMiddleware(get(h.HandleAlerts)))

	mux.HandleFunc("GET /export/prometheus", h.HandleExportPrometheus)
	mux.HandleFunc("GET /export/json", h.HandleExportJSON)
	mux.HandleFunc("GET /export/csv", h.HandleExportCSV)

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

func get(next http.HandlerFunc) http.HandlerFunc {
	return onlyMethod(http.MethodGet, next)
}

func post(next http.HandlerFunc) http.HandlerFunc {
	return onlyMethod(http.MethodPost, next)
}

// onlyMethod rejects other methods after the CORS preflight has been answered
func onlyMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}
