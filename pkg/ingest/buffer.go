package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"kb-health-agent/pkg/events"
	"kb-health-agent/pkg/metrics"
)

var (
	// ErrUnknownMetric rejects a point whose metric has no definition
	ErrUnknownMetric = errors.New("unknown metric")
	// ErrSampledOut rejects a point dropped by the sampler
	ErrSampledOut = errors.New("sampled out")
)

// Writer is the durable sink the buffer drains into
type Writer interface {
	InsertPoints(ctx context.Context, points []metrics.DataPoint) error
}

// Observer receives every accepted point synchronously. Implementations must
// stay in memory and return quickly.
type Observer interface {
	Observe(point metrics.DataPoint)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(point metrics.DataPoint)

func (f ObserverFunc) Observe(point metrics.DataPoint) { f(point) }

type Config struct {
	FlushInterval      time.Duration
	BatchSize          int
	MaxBufferPerMetric int
	SampleRate         float64
	SampleRates        map[string]float64
}

// Stats are the ingestion counters since start
type Stats struct {
	Accepted        int64 `json:"accepted"`
	RejectedUnknown int64 `json:"rejectedUnknown"`
	RejectedSampled int64 `json:"rejectedSampled"`
	Evicted         int64 `json:"evicted"`
	Flushed         int64 `json:"flushed"`
	FlushFailures   int64 `json:"flushFailures"`
	Buffered        int   `json:"buffered"`
}

// Buffer accepts observations from any goroutine and drains them to the
// durable store in batches.
type Buffer struct {
	config   Config
	registry *metrics.Registry
	writer   Writer
	sampler  Sampler
	bus      *events.Bus
	now      func() time.Time

	seq atomic.Int64

	mu       sync.Mutex
	buffers  map[string][]metrics.DataPoint
	inflight map[string][]metrics.DataPoint

	flushMu sync.Mutex
	flushCh chan struct{}

	obsMu     sync.RWMutex
	observers []Observer
	hooks     []func(ctx context.Context)

	accepted        atomic.Int64
	rejectedUnknown atomic.Int64
	rejectedSampled atomic.Int64
	evicted         atomic.Int64
	flushed         atomic.Int64
	flushFailures   atomic.Int64
}

// NewBuffer creates a buffer. bus may be nil.
func NewBuffer(config Config, registry *metrics.Registry, writer Writer, sampler Sampler, bus *events.Bus) *Buffer {
	if config.FlushInterval <= 0 {
		config.FlushInterval = 30 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.MaxBufferPerMetric <= 0 {
		config.MaxBufferPerMetric = 10000
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 1
	}
	if sampler == nil {
		sampler = NewSeededSampler(1)
	}
	return &Buffer{
		config:   config,
		registry: registry,
		writer:   writer,
		sampler:  sampler,
		bus:      bus,
		now:      time.Now,
		buffers:  make(map[string][]metrics.DataPoint),
		inflight: make(map[string][]metrics.DataPoint),
		flushCh:  make(chan struct{}, 1),
	}
}

// SetSequence makes the next accepted point use a sequence number above start
func (b *Buffer) SetSequence(start int64) {
	for {
		cur := b.seq.Load()
		if start <= cur || b.seq.CompareAndSwap(cur, start) {
			return
		}
	}
}

// AddObserver registers an in-memory consumer of accepted points
func (b *Buffer) AddObserver(o Observer) {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	b.observers = append(b.observers, o)
}

// AfterFlush registers a function run by the flush loop after every flush attempt
func (b *Buffer) AfterFlush(fn func(ctx context.Context)) {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Record accepts an observation. Unknown metrics and sampled-out points are
// dropped silently; the rejection is only counted and logged. A zero ts means now.
func (b *Buffer) Record(metric string, value float64, labels metrics.Labels, ts time.Time) {
	if _, err := b.record(metric, value, labels, ts); err != nil {
		klog.V(4).Infof("Point for %s rejected: %v", metric, err)
	}
}

func (b *Buffer) record(metric string, value float64, labels metrics.Labels, ts time.Time) (metrics.DataPoint, error) {
	if _, ok := b.registry.Get(metric); !ok {
		b.rejectedUnknown.Add(1)
		return metrics.DataPoint{}, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
	if !b.sampler.Keep(metric, b.sampleRate(metric)) {
		b.rejectedSampled.Add(1)
		return metrics.DataPoint{}, ErrSampledOut
	}
	if ts.IsZero() {
		ts = b.now()
	}

	point := metrics.DataPoint{
		Seq:       b.seq.Add(1),
		Metric:    metric,
		Timestamp: ts.UnixMilli(),
		Value:     value,
		Labels:    labels.Clone(),
	}

	b.mu.Lock()
	buf := append(b.buffers[metric], point)
	if len(buf) > b.config.MaxBufferPerMetric {
		drop := len(buf) / 2
		buf = append([]metrics.DataPoint(nil), buf[drop:]...)
		b.evicted.Add(int64(drop))
		klog.Warningf("Buffer for %s overflowed, evicted %d oldest points", metric, drop)
	}
	b.buffers[metric] = buf
	full := len(buf) >= b.config.BatchSize
	b.mu.Unlock()

	b.accepted.Add(1)
	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}

	b.obsMu.RLock()
	observers := b.observers
	b.obsMu.RUnlock()
	for _, o := range observers {
		o.Observe(point)
	}
	return point, nil
}

func (b *Buffer) sampleRate(metric string) float64 {
	if rate, ok := b.config.SampleRates[metric]; ok {
		return rate
	}
	return b.config.SampleRate
}

// Flush drains every metric and writes the points in one transaction. On
// failure the drained points go back to the front of their buffers.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	drained := b.buffers
	b.buffers = make(map[string][]metrics.DataPoint)
	b.inflight = drained
	b.mu.Unlock()

	var batch []metrics.DataPoint
	for _, points := range drained {
		batch = append(batch, points...)
	}
	if len(batch) == 0 {
		b.clearInflight()
		return nil
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Seq < batch[j].Seq })

	start := time.Now()
	if err := b.writer.InsertPoints(ctx, batch); err != nil {
		b.requeue(drained)
		b.flushFailures.Add(1)
		klog.Errorf("Failed to flush %d points, will retry next cycle: %v", len(batch), err)
		b.publish(events.Event{Type: events.EventTypeFlushFailed, Source: "ingest", Count: len(batch), Error: err.Error()})
		return err
	}

	b.clearInflight()
	b.flushed.Add(int64(len(batch)))
	klog.V(2).Infof("Flushed %d points in %v", len(batch), time.Since(start))
	b.publish(events.Event{Type: events.EventTypeFlushCompleted, Source: "ingest", Count: len(batch)})
	return nil
}

func (b *Buffer) requeue(drained map[string][]metrics.DataPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for metric, points := range drained {
		merged := append(append([]metrics.DataPoint(nil), points...), b.buffers[metric]...)
		if over := len(merged) - b.config.MaxBufferPerMetric; over > 0 {
			merged = merged[over:]
			b.evicted.Add(int64(over))
			klog.Warningf("Buffer for %s over capacity after failed flush, evicted %d oldest points", metric, over)
		}
		b.buffers[metric] = merged
	}
	b.inflight = make(map[string][]metrics.DataPoint)
}

func (b *Buffer) clearInflight() {
	b.mu.Lock()
	b.inflight = make(map[string][]metrics.DataPoint)
	b.mu.Unlock()
}

// Pending returns a copy of the not yet persisted points of metric, including
// those of a flush in progress.
func (b *Buffer) Pending(metric string) []metrics.DataPoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	inflight := b.inflight[metric]
	buffered := b.buffers[metric]
	out := make([]metrics.DataPoint, 0, len(inflight)+len(buffered))
	out = append(out, inflight...)
	return append(out, buffered...)
}

// Stats returns a snapshot of the ingestion counters
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	buffered := 0
	for _, points := range b.buffers {
		buffered += len(points)
	}
	b.mu.Unlock()

	return Stats{
		Accepted:        b.accepted.Load(),
		RejectedUnknown: b.rejectedUnknown.Load(),
		RejectedSampled: b.rejectedSampled.Load(),
		Evicted:         b.evicted.Load(),
		Flushed:         b.flushed.Load(),
		FlushFailures:   b.flushFailures.Load(),
		Buffered:        buffered,
	}
}

// Run flushes on the configured interval or when a metric reaches the batch
// size, until ctx is done. The final drain is left to the caller.
func (b *Buffer) Run(ctx context.Context) error {
	klog.Info("Starting ingestion flush loop")
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.Info("Ingestion flush loop stopped")
			return nil
		case <-ticker.C:
		case <-b.flushCh:
		}
		// errors are logged inside Flush and retried next cycle
		_ = b.Drain(ctx)
	}
}

// Drain flushes remaining points and runs the after-flush hooks once
func (b *Buffer) Drain(ctx context.Context) error {
	err := b.Flush(ctx)

	b.obsMu.RLock()
	hooks := b.hooks
	b.obsMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx)
	}
	return err
}

func (b *Buffer) publish(event events.Event) {
	if b.bus != nil {
		b.bus.Publish(event)
	}
}
