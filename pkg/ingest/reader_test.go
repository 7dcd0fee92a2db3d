package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"kb-health-agent/pkg/metrics"
)

type fakeStore struct {
	points []metrics.DataPoint
	err    error
}

func (s *fakeStore) PointsInRange(_ context.Context, metric string, start, end int64) ([]metrics.DataPoint, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []metrics.DataPoint
	for _, p := range s.points {
		if p.Metric == metric && p.Timestamp >= start && p.Timestamp < end {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) RecentPoints(_ context.Context, metric string, n int) ([]metrics.DataPoint, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []metrics.DataPoint
	for _, p := range s.points {
		if p.Metric == metric {
			out = append(out, p)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func TestMergedReaderDeduplicatesBySeq(t *testing.T) {
	b := newTestBuffer(Config{}, &fakeWriter{})
	b.SetSequence(1)
	b.Record("db_query_ms", 30, nil, time.UnixMilli(3000))
	b.Record("db_query_ms", 40, nil, time.UnixMilli(4000))

	store := &fakeStore{points: []metrics.DataPoint{
		{Seq: 1, Metric: "db_query_ms", Timestamp: 1000, Value: 10},
		// seq 2 is also still buffered, as during a flush that already committed
		{Seq: 2, Metric: "db_query_ms", Timestamp: 3000, Value: 30},
	}}
	r := NewMergedReader(b, store)

	got, err := r.PointsInRange(context.Background(), "db_query_ms", 0, 10000)
	if err != nil {
		t.Fatalf("PointsInRange failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 unique points, got %d: %+v", len(got), got)
	}
	for i, want := range []float64{10, 30, 40} {
		if got[i].Value != want {
			t.Errorf("Position %d: expected %v, got %v", i, want, got[i].Value)
		}
	}

	window, _ := r.PointsInRange(context.Background(), "db_query_ms", 3000, 4000)
	if len(window) != 1 || window[0].Value != 30 {
		t.Errorf("Expected the half-open window to hold only the 3000 point, got %+v", window)
	}

	recent, err := r.RecentPoints(context.Background(), "db_query_ms", 2)
	if err != nil {
		t.Fatalf("RecentPoints failed: %v", err)
	}
	if len(recent) != 2 || recent[0].Value != 30 || recent[1].Value != 40 {
		t.Errorf("Expected newest two points ascending, got %+v", recent)
	}
}

// racingStore takes its snapshot of the written points and then lets a flush
// commit, as when the flush loop runs between the reader's two reads.
type racingStore struct {
	writer *fakeWriter
	buffer *Buffer
}

func (s *racingStore) snapshotThenFlush(metric string) []metrics.DataPoint {
	var out []metrics.DataPoint
	for _, p := range s.writer.written() {
		if p.Metric == metric {
			out = append(out, p)
		}
	}
	s.buffer.Flush(context.Background())
	return out
}

func (s *racingStore) PointsInRange(_ context.Context, metric string, start, end int64) ([]metrics.DataPoint, error) {
	var out []metrics.DataPoint
	for _, p := range s.snapshotThenFlush(metric) {
		if p.Timestamp >= start && p.Timestamp < end {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *racingStore) RecentPoints(_ context.Context, metric string, n int) ([]metrics.DataPoint, error) {
	out := s.snapshotThenFlush(metric)
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func TestMergedReaderSeesPointsFlushedMidRead(t *testing.T) {
	tests := []struct {
		name string
		read func(r *MergedReader) ([]metrics.DataPoint, error)
	}{
		{"PointsInRange", func(r *MergedReader) ([]metrics.DataPoint, error) {
			return r.PointsInRange(context.Background(), "db_query_ms", 0, 10000)
		}},
		{"RecentPoints", func(r *MergedReader) ([]metrics.DataPoint, error) {
			return r.RecentPoints(context.Background(), "db_query_ms", 10)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := &fakeWriter{}
			b := newTestBuffer(Config{}, writer)
			b.SetSequence(1)
			for i := int64(1); i <= 5; i++ {
				b.Record("db_query_ms", float64(i*10), nil, time.UnixMilli(i*1000))
			}

			got, err := tt.read(NewMergedReader(b, &racingStore{writer: writer, buffer: b}))
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if n := len(writer.written()); n != 5 {
				t.Fatalf("Expected the flush to store 5 points, got %d", n)
			}
			if len(got) != 5 {
				t.Errorf("Expected all 5 accepted points, got %d", len(got))
			}
		})
	}
}

func TestMergedReaderPropagatesStoreErrors(t *testing.T) {
	b := newTestBuffer(Config{}, &fakeWriter{})
	r := NewMergedReader(b, &fakeStore{err: errors.New("locked")})
	if _, err := r.PointsInRange(context.Background(), "db_query_ms", 0, 1); err == nil {
		t.Error("Expected store error")
	}
}

func TestMeasureOperation(t *testing.T) {
	b := newTestBuffer(Config{}, &fakeWriter{})
	clock := time.UnixMilli(1700000000000)
	b.now = func() time.Time {
		clock = clock.Add(250 * time.Millisecond)
		return clock
	}

	wantErr := errors.New("query failed")
	err := b.MeasureOperation(context.Background(), "vector_search", func(context.Context) error {
		return wantErr
	}, WithLabels(metrics.Labels{"collection": "docs"}), WithComponent("search"))
	if err != wantErr {
		t.Fatalf("Expected fn error returned unchanged, got %v", err)
	}

	def, ok := b.registry.Get("vector_search")
	if !ok || def.Kind != metrics.KindHistogram || def.Component != "search" {
		t.Errorf("Expected auto-registered histogram, got %+v (found=%v)", def, ok)
	}
	if _, ok := b.registry.Get("vector_search_error"); !ok {
		t.Error("Expected error metric to be registered")
	}

	durations := b.Pending("vector_search")
	if len(durations) != 1 || durations[0].Value != 250 || durations[0].Labels["collection"] != "docs" {
		t.Errorf("Unexpected duration points %+v", durations)
	}
	errs := b.Pending("vector_search_error")
	if len(errs) != 1 || errs[0].Value != 1 {
		t.Errorf("Expected one error flag of 1, got %+v", errs)
	}

	if err := b.MeasureOperation(context.Background(), "vector_search", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Expected nil error, got %v", err)
	}
	errs = b.Pending("vector_search_error")
	if len(errs) != 2 || errs[1].Value != 0 {
		t.Errorf("Expected success flag of 0, got %+v", errs)
	}
}
