package monitor

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"kb-health-agent/pkg/aggregator"
	"kb-health-agent/pkg/alerting"
	"kb-health-agent/pkg/events"
	"kb-health-agent/pkg/ingest"
)

const namespace = "kb_health_agent"

// StatsSource exposes the ingestion counters
type StatsSource interface {
	Stats() ingest.Stats
}

// Monitor exports the engine's own health as Prometheus metrics
type Monitor struct {
	registry *prometheus.Registry
	metrics  *Metrics
	bus      *events.Bus
}

type Metrics struct {
	FlushesCompleted prometheus.Counter
	FlushesFailed    prometheus.Counter
	PointsFlushed    prometheus.Counter

	AggregationRuns     prometheus.Counter
	AggregationFailures prometheus.Counter
	BucketsWritten      prometheus.Counter

	AlertsTriggered      *prometheus.CounterVec
	AlertsResolved       prometheus.Counter
	BottlenecksDetected  prometheus.Counter
	OptimizationsApplied prometheus.Counter

	CleanupRuns prometheus.Counter
	RowsDeleted prometheus.Counter

	AgentUp prometheus.Gauge
}

// New builds the registry. stats may be nil; when set, the ingestion counters
// are read on every scrape.
func New(bus *events.Bus, stats StatsSource) *Monitor {
	registry := prometheus.NewRegistry()

	metrics := &Metrics{
		FlushesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_completed_total",
			Help:      "Total number of successful buffer flushes",
		}),
		FlushesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_failed_total",
			Help:      "Total number of failed buffer flushes",
		}),
		PointsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_flushed_total",
			Help:      "Total number of raw points written to the store",
		}),
		AggregationRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_runs_total",
			Help:      "Total number of aggregation passes",
		}),
		AggregationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_failures_total",
			Help:      "Total number of metrics that failed to aggregate",
		}),
		BucketsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buckets_written_total",
			Help:      "Total number of aggregated buckets upserted",
		}),
		AlertsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_triggered_total",
			Help:      "Total number of alerts fired",
		}, []string{"severity"}),
		AlertsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_resolved_total",
			Help:      "Total number of alerts resolved",
		}),
		BottlenecksDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bottlenecks_detected_total",
			Help:      "Total number of bottlenecks detected",
		}),
		OptimizationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimizations_applied_total",
			Help:      "Total number of recommendations applied",
		}),
		CleanupRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_runs_total",
			Help:      "Total number of retention cleanup cycles",
		}),
		RowsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_deleted_total",
			Help:      "Total number of rows removed by retention cleanup",
		}),
		AgentUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "Whether the engine is up and running",
		}),
	}

	registry.MustRegister(
		metrics.FlushesCompleted,
		metrics.FlushesFailed,
		metrics.PointsFlushed,
		metrics.AggregationRuns,
		metrics.AggregationFailures,
		metrics.BucketsWritten,
		metrics.AlertsTriggered,
		metrics.AlertsResolved,
		metrics.BottlenecksDetected,
		metrics.OptimizationsApplied,
		metrics.CleanupRuns,
		metrics.RowsDeleted,
		metrics.AgentUp,
	)

	if stats != nil {
		registerStats(registry, stats)
	}

	return &Monitor{
		registry: registry,
		metrics:  metrics,
		bus:      bus,
	}
}

func registerStats(registry *prometheus.Registry, stats StatsSource) {
	gauge := func(name, help string, value func(ingest.Stats) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return value(stats.Stats()) })
	}
	registry.MustRegister(
		gauge("points_accepted", "Points accepted since start", func(s ingest.Stats) float64 { return float64(s.Accepted) }),
		gauge("points_rejected_unknown", "Points rejected for an unknown metric since start", func(s ingest.Stats) float64 { return float64(s.RejectedUnknown) }),
		gauge("points_sampled_out", "Points dropped by sampling since start", func(s ingest.Stats) float64 { return float64(s.RejectedSampled) }),
		gauge("points_evicted", "Points evicted on buffer overflow since start", func(s ingest.Stats) float64 { return float64(s.Evicted) }),
		gauge("points_buffered", "Points waiting for the next flush", func(s ingest.Stats) float64 { return float64(s.Buffered) }),
	)
}

// Run consumes engine events until ctx is done
func (m *Monitor) Run(ctx context.Context) error {
	klog.Info("Starting self-monitoring")
	m.metrics.AgentUp.Set(1)
	defer m.metrics.AgentUp.Set(0)

	ch, cancel := m.bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			m.Handle(event)
		}
	}
}

// Handle folds one event into the counters
func (m *Monitor) Handle(event events.Event) {
	switch event.Type {
	case events.EventTypeFlushCompleted:
		m.metrics.FlushesCompleted.Inc()
		m.metrics.PointsFlushed.Add(float64(event.Count))
	case events.EventTypeFlushFailed:
		m.metrics.FlushesFailed.Inc()
	case events.EventTypeAggregationDone:
		m.metrics.AggregationRuns.Inc()
		m.metrics.BucketsWritten.Add(float64(event.Count))
		if r, ok := event.Payload.(aggregator.Result); ok {
			m.metrics.AggregationFailures.Add(float64(r.Failures))
		}
	case events.EventTypeAlertTriggered:
		severity := "unknown"
		if ev, ok := event.Payload.(alerting.Event); ok {
			severity = string(ev.Severity)
		}
		m.metrics.AlertsTriggered.WithLabelValues(severity).Inc()
	case events.EventTypeAlertResolved:
		m.metrics.AlertsResolved.Inc()
	case events.EventTypeBottleneckDetected:
		m.metrics.BottlenecksDetected.Add(float64(event.Count))
	case events.EventTypeOptimizationApplied:
		m.metrics.OptimizationsApplied.Inc()
	case events.EventTypeCleanupDone:
		m.metrics.CleanupRuns.Inc()
		m.metrics.RowsDeleted.Add(float64(event.Count))
	}
}

func (m *Monitor) GetHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry backing the handler
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
