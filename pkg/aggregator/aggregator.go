package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"kb-health-agent/pkg/events"
	"kb-health-agent/pkg/metrics"
)

// ErrAggregation marks a failed aggregation of one metric
var ErrAggregation = errors.New("aggregation failed")

// Reader supplies raw points, buffered and stored
type Reader interface {
	PointsInRange(ctx context.Context, metric string, start, end int64) ([]metrics.DataPoint, error)
}

// Writer upserts buckets, one transaction per call
type Writer interface {
	UpsertBuckets(ctx context.Context, buckets []metrics.Bucket) error
}

type Config struct {
	Interval    time.Duration
	LateWindows int
}

// Result summarizes one aggregation pass
type Result struct {
	Metrics  int           `json:"metrics"`
	Buckets  int           `json:"buckets"`
	Failures int           `json:"failures"`
	Duration time.Duration `json:"duration"`
}

// Engine rolls raw points into fixed-width buckets. Every pass recomputes each
// bucket from the complete raw set of its window, so re-running over unchanged
// input yields identical statistics and late points are folded in.
type Engine struct {
	config   Config
	registry *metrics.Registry
	reader   Reader
	writer   Writer
	bus      *events.Bus
	now      func() time.Time

	mu         sync.RWMutex
	lastResult Result
	hooks      []func(ctx context.Context)
}

func New(config Config, registry *metrics.Registry, reader Reader, writer Writer, bus *events.Bus) *Engine {
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.LateWindows < 0 {
		config.LateWindows = 0
	}
	return &Engine{
		config:   config,
		registry: registry,
		reader:   reader,
		writer:   writer,
		bus:      bus,
		now:      time.Now,
	}
}

// AfterRun registers a function invoked after every scheduled pass
func (e *Engine) AfterRun(fn func(ctx context.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, fn)
}

// Run aggregates on the configured cadence until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	klog.Infof("Starting aggregation loop (interval %v)", e.config.Interval)
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.Info("Aggregation loop stopped")
			return nil
		case <-ticker.C:
			e.RunOnce(ctx)

			e.mu.RLock()
			hooks := e.hooks
			e.mu.RUnlock()
			for _, hook := range hooks {
				hook(ctx)
			}
		}
	}
}

// RunOnce aggregates every registered metric. A failing metric is logged and
// skipped; the others still run.
func (e *Engine) RunOnce(ctx context.Context) Result {
	start := time.Now()
	now := e.now().UnixMilli()

	var result Result
	for _, def := range e.registry.List() {
		result.Metrics++
		buckets, err := e.aggregateMetric(ctx, def, now)
		if err != nil {
			result.Failures++
			klog.Errorf("Aggregation of %s failed: %v", def.Name, err)
			continue
		}
		result.Buckets += len(buckets)
	}
	result.Duration = time.Since(start)

	e.mu.Lock()
	e.lastResult = result
	e.mu.Unlock()

	klog.V(2).Infof("Aggregation pass: %d metrics, %d buckets, %d failures in %v",
		result.Metrics, result.Buckets, result.Failures, result.Duration)
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.EventTypeAggregationDone, Source: "aggregator", Count: result.Buckets, Payload: result})
	}
	return result
}

// LastResult returns the result of the most recent pass
func (e *Engine) LastResult() Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastResult
}

// aggregateMetric covers the just-completed window plus LateWindows earlier ones
func (e *Engine) aggregateMetric(ctx context.Context, def metrics.Definition, now int64) ([]metrics.Bucket, error) {
	interval := def.IntervalMillis()
	end := metrics.BucketStart(now, interval)
	start := end - int64(e.config.LateWindows+1)*interval
	return e.AggregateRange(ctx, def, start, end)
}

// AggregateRange recomputes and upserts every bucket of def with points in
// [start, end). Windows with no raw points are left untouched.
func (e *Engine) AggregateRange(ctx context.Context, def metrics.Definition, start, end int64) ([]metrics.Bucket, error) {
	points, err := e.reader.PointsInRange(ctx, def.Name, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAggregation, def.Name, err)
	}
	if len(points) == 0 {
		return nil, nil
	}

	buckets := BuildBuckets(def, points, e.now().UnixMilli())
	if err := e.writer.UpsertBuckets(ctx, buckets); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAggregation, def.Name, err)
	}
	return buckets, nil
}

type groupKey struct {
	start    int64
	labelKey string
}

// BuildBuckets groups points by (window start, canonical label set) and
// summarizes each group. Output is ordered by start then label key.
func BuildBuckets(def metrics.Definition, points []metrics.DataPoint, updatedAt int64) []metrics.Bucket {
	interval := def.IntervalMillis()
	groups := make(map[groupKey][]metrics.DataPoint)
	labels := make(map[string]metrics.Labels)
	for _, p := range points {
		key := groupKey{start: metrics.BucketStart(p.Timestamp, interval), labelKey: p.Labels.Key()}
		groups[key] = append(groups[key], p)
		if _, ok := labels[key.labelKey]; !ok {
			labels[key.labelKey] = p.Labels
		}
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].start != keys[j].start {
			return keys[i].start < keys[j].start
		}
		return keys[i].labelKey < keys[j].labelKey
	})

	buckets := make([]metrics.Bucket, 0, len(keys))
	for _, k := range keys {
		b := metrics.Bucket{
			Metric:    def.Name,
			LabelKey:  k.labelKey,
			Labels:    labels[k.labelKey].Clone(),
			Start:     k.start,
			Interval:  interval,
			UpdatedAt: updatedAt,
		}
		metrics.Summarize(groups[k]).Apply(&b)
		buckets = append(buckets, b)
	}
	return buckets
}
