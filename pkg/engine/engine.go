package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"kb-health-agent/pkg/aggregator"
	"kb-health-agent/pkg/alerting"
	"kb-health-agent/pkg/analyzer"
	"kb-health-agent/pkg/config"
	"kb-health-agent/pkg/database"
	"kb-health-agent/pkg/events"
	"kb-health-agent/pkg/ingest"
	"kb-health-agent/pkg/metrics"
	"kb-health-agent/pkg/metricscollector"
	"kb-health-agent/pkg/monitor"
	"kb-health-agent/pkg/query"
	"kb-health-agent/pkg/retention"
)

// ErrAlreadyRunning is returned by Run when the engine loops are already started
var ErrAlreadyRunning = errors.New("engine already running")

// Engine owns one metrics pipeline: ingestion, aggregation, alerting,
// retention, bottleneck analysis and the read side.
type Engine struct {
	config *config.Config
	db     *database.Database
	bus    *events.Bus

	registry    *metrics.Registry
	points      *database.PointStore
	definitions *database.DefinitionStore
	aggregates  *database.AggregateStore
	alertStore  *database.AlertStore
	analysis    *database.AnalysisStore

	buffer     *ingest.Buffer
	reader     *ingest.MergedReader
	aggregator *aggregator.Engine
	alerts     *alerting.Engine
	analyzer   *analyzer.Analyzer
	retention  *retention.Manager
	query      *query.Surface
	monitor    *monitor.Monitor
	collector  *metricscollector.MetricsCollector

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New wires every component on top of db. Definitions persisted by earlier
// runs are restored; configured definitions win over stored ones.
func New(ctx context.Context, cfg *config.Config, db *database.Database) (*Engine, error) {
	e := &Engine{
		config:      cfg,
		db:          db,
		bus:         events.NewBus(),
		registry:    metrics.NewRegistry(metrics.DefaultDefinitions()...),
		points:      database.NewPointStore(db),
		definitions: database.NewDefinitionStore(db),
		aggregates:  database.NewAggregateStore(db),
		alertStore:  database.NewAlertStore(db),
		analysis:    database.NewAnalysisStore(db),
	}

	for _, def := range cfg.Metrics {
		if err := e.registry.Register(def); err != nil {
			return nil, fmt.Errorf("invalid metric definition %q: %w", def.Name, err)
		}
	}
	stored, err := e.definitions.ListDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load metric definitions: %w", err)
	}
	for _, def := range stored {
		e.registry.Ensure(def)
	}
	if err := e.definitions.SaveDefinitions(ctx, e.registry.List()); err != nil {
		return nil, fmt.Errorf("failed to persist metric definitions: %w", err)
	}

	e.buffer = ingest.NewBuffer(ingest.Config{
		FlushInterval:      cfg.Ingestion.FlushInterval,
		BatchSize:          cfg.Ingestion.BatchSize,
		MaxBufferPerMetric: cfg.Ingestion.MaxBufferPerMetric,
		SampleRate:         cfg.Ingestion.SampleRate,
		SampleRates:        cfg.Ingestion.SampleRates,
	}, e.registry, e.points, ingest.NewSampler(cfg.Ingestion.Sampler, cfg.Ingestion.Seed), e.bus)

	maxSeq, err := e.points.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read point sequence: %w", err)
	}
	e.buffer.SetSequence(maxSeq + 1)
	e.reader = ingest.NewMergedReader(e.buffer, e.points)

	e.aggregator = aggregator.New(aggregator.Config{
		Interval:    cfg.Aggregation.Interval,
		LateWindows: cfg.Aggregation.LateWindows,
	}, e.registry, e.reader, e.aggregates, e.bus)

	if err := e.setupAlerting(ctx); err != nil {
		return nil, err
	}
	if err := e.setupAnalyzer(); err != nil {
		return nil, err
	}

	e.retention = retention.New(retention.Config{
		Enabled:                cfg.Retention.Enabled,
		Interval:               cfg.Retention.Interval,
		AggregateRetentionDays: cfg.Retention.AggregateRetentionDays,
		AlertRetentionDays:     cfg.Retention.AlertRetentionDays,
		CompactAfterCleanup:    cfg.Retention.CompactAfterCleanup,
	}, e.registry, retention.Stores{
		Points:    e.points,
		Buckets:   e.aggregates,
		Alerts:    e.alertStore,
		History:   e.analysis,
		Compactor: db,
		Stats:     db,
	}, e.bus)

	e.query = query.New(cfg.Query, e.registry, query.Sources{
		Points:  e.reader,
		Recent:  e.reader,
		Slow:    e.points,
		Buckets: e.aggregates,
		Alerts:  e.alerts,
	})

	e.monitor = monitor.New(e.bus, e.buffer)
	e.collector = metricscollector.NewMetricsCollector(cfg.Collector, e)

	klog.Infof("Engine initialized with %d metrics, %d alert rules", len(e.registry.List()), len(e.alerts.Rules()))
	return e, nil
}

func (e *Engine) setupAlerting(ctx context.Context) error {
	e.alerts = alerting.NewEngine(alerting.Config{Coverage: e.config.Alerting.Coverage}, e.reader, e.alertStore, e.bus)
	if !e.config.Alerting.Enabled {
		klog.Info("Alerting is disabled")
		return nil
	}

	if err := e.alerts.SetRules(alerting.RulesFromConfig(e.config.Alerting.Rules)); err != nil {
		return fmt.Errorf("invalid alert rules: %w", err)
	}
	if err := e.alerts.Load(ctx); err != nil {
		return fmt.Errorf("failed to load open alerts: %w", err)
	}

	e.buffer.AddObserver(ingest.ObserverFunc(e.alerts.Observe))
	e.buffer.AfterFlush(func(ctx context.Context) {
		if err := e.alerts.PersistPending(ctx); err != nil {
			klog.Errorf("Failed to persist alert events: %v", err)
		}
	})
	e.aggregator.AfterRun(func(ctx context.Context) {
		e.alerts.Evaluate(ctx)
	})
	return nil
}

func (e *Engine) setupAnalyzer() error {
	cfg := e.config.Analyzer
	rules := analyzer.ApplyOverrides(analyzer.DefaultRules(), cfg.Rules)

	var advisor analyzer.Advisor
	ai, err := analyzer.NewAIAdvisor(&cfg.AIAdvisor)
	if err != nil {
		return fmt.Errorf("failed to create AI advisor: %w", err)
	}
	if ai != nil {
		advisor = ai
	}

	e.analyzer = analyzer.New(analyzer.Config{
		Interval:          cfg.Interval,
		PredictionHorizon: cfg.PredictionHorizon,
	}, rules, e.reader, e.analysis, advisor, e.bus)
	e.buffer.AddObserver(ingest.ObserverFunc(e.analyzer.Health().Observe))
	return nil
}

// Run starts the periodic loops and blocks until ctx is done or Shutdown is
// called. An engine runs at most once.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	e.cancel = cancel
	e.stopped = stopped
	e.mu.Unlock()
	defer close(stopped)
	defer cancel()

	klog.Info("Starting engine loops")
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.buffer.Run(gctx) })
	g.Go(func() error { return e.aggregator.Run(gctx) })
	g.Go(func() error { return e.retention.Run(gctx) })
	g.Go(func() error { return e.monitor.Run(gctx) })
	g.Go(func() error { return e.collector.Start(gctx) })
	if e.config.Analyzer.Enabled {
		g.Go(func() error { return e.analyzer.Run(gctx) })
	}

	err := g.Wait()
	klog.Info("Engine loops stopped")
	return err
}

// Shutdown stops the loops and drains buffered points and pending alert
// events to the store before returning.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	cancel, stopped := e.cancel, e.stopped
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-stopped:
		case <-ctx.Done():
			klog.Warning("Timed out waiting for engine loops to stop")
		}
	}

	err := e.buffer.Drain(ctx)
	if perr := e.alerts.PersistPending(ctx); perr != nil {
		err = errors.Join(err, perr)
	}
	if err != nil {
		return fmt.Errorf("shutdown drain incomplete: %w", err)
	}
	klog.Info("Engine drained")
	return nil
}

// Record accepts an observation for a registered metric. Rejections are
// counted, never returned.
func (e *Engine) Record(metric string, value float64, labels metrics.Labels) {
	e.buffer.Record(metric, value, labels, time.Time{})
}

// RecordAt is Record with an explicit observation time
func (e *Engine) RecordAt(metric string, value float64, labels metrics.Labels, ts time.Time) {
	e.buffer.Record(metric, value, labels, ts)
}

// MeasureOperation times fn and records its duration and error flag. Metrics
// registered on the fly are persisted so they survive a restart.
func (e *Engine) MeasureOperation(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...ingest.MeasureOption) error {
	_, known := e.registry.Get(name)
	err := e.buffer.MeasureOperation(ctx, name, fn, opts...)
	if !known {
		e.persistDefinitions(ctx, name, name+"_error")
	}
	return err
}

func (e *Engine) persistDefinitions(ctx context.Context, names ...string) {
	var defs []metrics.Definition
	for _, name := range names {
		if def, ok := e.registry.Get(name); ok {
			defs = append(defs, def)
		}
	}
	if err := e.definitions.SaveDefinitions(ctx, defs); err != nil {
		klog.Errorf("Failed to persist metric definitions %v: %v", names, err)
	}
}

// Register adds or overwrites a metric definition and persists it
func (e *Engine) Register(ctx context.Context, def metrics.Definition) error {
	if err := e.registry.Register(def); err != nil {
		return err
	}
	stored, _ := e.registry.Get(def.Name)
	return e.definitions.SaveDefinitions(ctx, []metrics.Definition{stored})
}

// Flush writes buffered points now
func (e *Engine) Flush(ctx context.Context) error {
	return e.buffer.Drain(ctx)
}

// Aggregate runs one aggregation pass, followed by periodic alert evaluation
func (e *Engine) Aggregate(ctx context.Context) aggregator.Result {
	result := e.aggregator.RunOnce(ctx)
	if e.config.Alerting.Enabled {
		e.alerts.Evaluate(ctx)
	}
	return result
}

// Cleanup runs one retention cycle
func (e *Engine) Cleanup(ctx context.Context) retention.CleanupReport {
	return e.retention.Cleanup(ctx)
}

func (e *Engine) RealtimeStatus(ctx context.Context) query.RealtimeStatus {
	return e.query.RealtimeStatus(ctx)
}

func (e *Engine) Trends(ctx context.Context, hours int) (query.Trends, error) {
	return e.query.Trends(ctx, hours)
}

func (e *Engine) SlowOperations(ctx context.Context, limit int) ([]query.SlowOperation, error) {
	return e.query.SlowOperations(ctx, limit)
}

func (e *Engine) ExportPrometheus(ctx context.Context) string {
	return e.query.ExportPrometheus(ctx)
}

func (e *Engine) ExportJSON(ctx context.Context) []byte {
	return e.query.ExportJSON(ctx)
}

func (e *Engine) ExportCSV(ctx context.Context, metric string, from, to time.Time) string {
	return e.query.ExportCSV(ctx, metric, from, to)
}

func (e *Engine) DetectBottlenecks(ctx context.Context) []analyzer.Bottleneck {
	return e.analyzer.DetectBottlenecks(ctx)
}

// Bottlenecks returns the result of the latest detection run
func (e *Engine) Bottlenecks() []analyzer.Bottleneck {
	return e.analyzer.Bottlenecks()
}

// OptimizationRecommendations returns the ranked recommendations of the latest detection run
func (e *Engine) OptimizationRecommendations() []analyzer.Recommendation {
	return e.analyzer.Recommendations()
}

func (e *Engine) ApplyOptimization(ctx context.Context, recommendationID string) (analyzer.AppliedOptimization, error) {
	return e.analyzer.ApplyOptimization(ctx, recommendationID)
}

// RegisterRemediator installs an automated fix used by ApplyOptimization
func (e *Engine) RegisterRemediator(component string, r analyzer.Remediator) {
	e.analyzer.RegisterRemediator(component, r)
}

func (e *Engine) ComponentHealth() []analyzer.ComponentHealth {
	return e.analyzer.Health().Snapshot()
}

func (e *Engine) ActiveAlerts() []alerting.Event {
	return e.alerts.ActiveAlerts()
}

// AlertHistory returns stored alert events fired since the given time, newest first
func (e *Engine) AlertHistory(ctx context.Context, since time.Time, limit int) ([]alerting.Event, error) {
	return e.alertStore.ListEvents(ctx, since.UnixMilli(), limit)
}

// BottleneckHistory returns stored bottlenecks detected since the given time
func (e *Engine) BottleneckHistory(ctx context.Context, since time.Time, limit int) ([]analyzer.Bottleneck, error) {
	return e.analysis.ListBottlenecks(ctx, since, limit)
}

func (e *Engine) AppliedOptimizations(ctx context.Context, limit int) ([]analyzer.AppliedOptimization, error) {
	return e.analysis.ListOptimizations(ctx, limit)
}

// Subscribe delivers engine events of the given types (all when none given)
func (e *Engine) Subscribe(buffer int, types ...events.EventType) (<-chan events.Event, func()) {
	return e.bus.Subscribe(buffer, types...)
}

func (e *Engine) Stats() ingest.Stats {
	return e.buffer.Stats()
}

func (e *Engine) Registry() *metrics.Registry {
	return e.registry
}

func (e *Engine) Monitor() *monitor.Monitor {
	return e.monitor
}

// Ping checks that the store is reachable
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.Ping(ctx)
}
