package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kb-health-agent/pkg/events"
	"kb-health-agent/pkg/metrics"
)

type fakeWriter struct {
	mu      sync.Mutex
	fail    bool
	batches [][]metrics.DataPoint
}

func (w *fakeWriter) InsertPoints(_ context.Context, points []metrics.DataPoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("disk full")
	}
	w.batches = append(w.batches, append([]metrics.DataPoint(nil), points...))
	return nil
}

func (w *fakeWriter) setFail(fail bool) {
	w.mu.Lock()
	w.fail = fail
	w.mu.Unlock()
}

func (w *fakeWriter) written() []metrics.DataPoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []metrics.DataPoint
	for _, b := range w.batches {
		out = append(out, b...)
	}
	return out
}

func newTestBuffer(config Config, writer Writer) *Buffer {
	registry := metrics.NewRegistry(
		metrics.Definition{Name: "db_query_ms", Kind: metrics.KindHistogram},
		metrics.Definition{Name: "cpu_usage_percent"},
	)
	return NewBuffer(config, registry, writer, NewCounterSampler(), nil)
}

func TestRecordRejectsUnknownMetric(t *testing.T) {
	b := newTestBuffer(Config{}, &fakeWriter{})

	_, err := b.record("nope", 1, nil, time.Time{})
	if !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("Expected ErrUnknownMetric, got %v", err)
	}
	b.Record("nope", 1, nil, time.Time{})

	stats := b.Stats()
	if stats.RejectedUnknown != 2 || stats.Accepted != 0 || stats.Buffered != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestRecordSampling(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		sampler Sampler
		want    int64
	}{
		{name: "full rate keeps all", config: Config{SampleRate: 1}, sampler: NewCounterSampler(), want: 100},
		{name: "counter keeps every second", config: Config{SampleRate: 0.5}, sampler: NewCounterSampler(), want: 50},
		{name: "per metric override", config: Config{SampleRate: 1, SampleRates: map[string]float64{"db_query_ms": 0.25}}, sampler: NewCounterSampler(), want: 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := metrics.NewRegistry(metrics.Definition{Name: "db_query_ms"})
			b := NewBuffer(tt.config, registry, &fakeWriter{}, tt.sampler, nil)
			for i := 0; i < 100; i++ {
				b.Record("db_query_ms", float64(i), nil, time.Time{})
			}
			stats := b.Stats()
			if stats.Accepted != tt.want {
				t.Errorf("Expected %d accepted, got %d", tt.want, stats.Accepted)
			}
			if stats.Accepted+stats.RejectedSampled != 100 {
				t.Errorf("Accepted and sampled-out should add up to 100: %+v", stats)
			}
		})
	}
}

func TestSeededSamplerIsDeterministic(t *testing.T) {
	a := NewSeededSampler(42)
	b := NewSeededSampler(42)
	kept := 0
	for i := 0; i < 1000; i++ {
		ka := a.Keep("m", 0.3)
		if ka != b.Keep("m", 0.3) {
			t.Fatalf("Samplers with the same seed diverged at draw %d", i)
		}
		if ka {
			kept++
		}
	}
	if kept < 200 || kept > 400 {
		t.Errorf("Expected roughly 300 kept at rate 0.3, got %d", kept)
	}
}

func TestBufferOverflowEvictsOldestHalf(t *testing.T) {
	b := newTestBuffer(Config{MaxBufferPerMetric: 10, BatchSize: 100}, &fakeWriter{})
	for i := 0; i <= 10; i++ {
		b.Record("db_query_ms", float64(i), nil, time.Time{})
	}

	pending := b.Pending("db_query_ms")
	if len(pending) != 6 {
		t.Fatalf("Expected 6 points after evicting half of 11, got %d", len(pending))
	}
	if pending[0].Value != 5 || pending[len(pending)-1].Value != 10 {
		t.Errorf("Expected values 5..10 to survive, got first=%v last=%v", pending[0].Value, pending[len(pending)-1].Value)
	}
	if got := b.Stats().Evicted; got != 5 {
		t.Errorf("Expected 5 evicted, got %d", got)
	}
}

func TestFlushWritesOneOrderedBatch(t *testing.T) {
	writer := &fakeWriter{}
	bus := events.NewBus()
	completed, cancel := bus.Subscribe(10, events.EventTypeFlushCompleted)
	defer cancel()

	registry := metrics.NewRegistry(metrics.Definition{Name: "db_query_ms"}, metrics.Definition{Name: "cpu_usage_percent"})
	b := NewBuffer(Config{}, registry, writer, nil, bus)
	b.Record("db_query_ms", 1, nil, time.Time{})
	b.Record("cpu_usage_percent", 2, nil, time.Time{})
	b.Record("db_query_ms", 3, nil, time.Time{})

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(writer.batches) != 1 {
		t.Fatalf("Expected a single batch, got %d", len(writer.batches))
	}
	batch := writer.batches[0]
	for i := 1; i < len(batch); i++ {
		if batch[i-1].Seq >= batch[i].Seq {
			t.Errorf("Batch not ordered by seq: %+v", batch)
		}
	}
	if b.Stats().Buffered != 0 {
		t.Errorf("Expected empty buffer after flush")
	}

	select {
	case ev := <-completed:
		if ev.Count != 3 {
			t.Errorf("Expected flush event count 3, got %d", ev.Count)
		}
	case <-time.After(time.Second):
		t.Error("Expected flush_completed event")
	}
}

func TestFlushFailurePushesBatchBack(t *testing.T) {
	writer := &fakeWriter{fail: true}
	b := newTestBuffer(Config{}, writer)

	for i := 0; i < 3; i++ {
		b.Record("db_query_ms", float64(i), nil, time.Time{})
	}
	if err := b.Flush(context.Background()); err == nil {
		t.Fatal("Expected flush error")
	}
	b.Record("db_query_ms", 3, nil, time.Time{})

	pending := b.Pending("db_query_ms")
	if len(pending) != 4 {
		t.Fatalf("Expected 4 pending points, got %d", len(pending))
	}
	for i, p := range pending {
		if p.Value != float64(i) {
			t.Errorf("Expected requeued batch in front, position %d has %v", i, p.Value)
		}
	}

	writer.setFail(false)
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Retry flush failed: %v", err)
	}
	if got := len(writer.written()); got != 4 {
		t.Errorf("Expected 4 points written after retry, got %d", got)
	}
	if stats := b.Stats(); stats.FlushFailures != 1 || stats.Flushed != 4 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestBatchSizeTriggersFlushLoop(t *testing.T) {
	writer := &fakeWriter{}
	b := newTestBuffer(Config{FlushInterval: time.Hour, BatchSize: 3}, writer)

	hookRuns := make(chan struct{}, 10)
	b.AfterFlush(func(context.Context) { hookRuns <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		b.Record("db_query_ms", float64(i), nil, time.Time{})
	}

	select {
	case <-hookRuns:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected size-triggered flush")
	}
	if got := len(writer.written()); got != 3 {
		t.Errorf("Expected 3 written points, got %d", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestObserversSeeAcceptedPointsOnly(t *testing.T) {
	b := newTestBuffer(Config{}, &fakeWriter{})
	var seen []metrics.DataPoint
	b.AddObserver(ObserverFunc(func(p metrics.DataPoint) { seen = append(seen, p) }))

	ts := time.UnixMilli(1700000000000)
	b.Record("db_query_ms", 6000, metrics.Labels{"operation": "select"}, ts)
	b.Record("unknown", 1, nil, ts)

	if len(seen) != 1 {
		t.Fatalf("Expected 1 observed point, got %d", len(seen))
	}
	if seen[0].Timestamp != ts.UnixMilli() || seen[0].Value != 6000 || seen[0].Labels["operation"] != "select" {
		t.Errorf("Unexpected observed point %+v", seen[0])
	}
}

func TestSetSequenceContinuesAfterStored(t *testing.T) {
	b := newTestBuffer(Config{}, &fakeWriter{})
	b.SetSequence(41)
	b.SetSequence(7)
	p, err := b.record("db_query_ms", 1, nil, time.Time{})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if p.Seq != 42 {
		t.Errorf("Expected seq 42, got %d", p.Seq)
	}
}

func TestConcurrentRecord(t *testing.T) {
	b := newTestBuffer(Config{BatchSize: 1 << 20, MaxBufferPerMetric: 1 << 20}, &fakeWriter{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b.Record("db_query_ms", float64(i), nil, time.Time{})
			}
		}()
	}
	wg.Wait()

	pending := b.Pending("db_query_ms")
	if len(pending) != 4000 {
		t.Fatalf("Expected 4000 buffered points, got %d", len(pending))
	}
	seen := make(map[int64]bool)
	for _, p := range pending {
		if seen[p.Seq] {
			t.Fatalf("Duplicate seq %d", p.Seq)
		}
		seen[p.Seq] = true
	}
}
