package query

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"kb-health-agent/pkg/alerting"
	"kb-health-agent/pkg/config"
	"kb-health-agent/pkg/metrics"
)

type fakeData struct {
	points  []metrics.DataPoint
	buckets []metrics.Bucket
	fail    bool
}

func (f *fakeData) PointsInRange(_ context.Context, metric string, start, end int64) ([]metrics.DataPoint, error) {
	if f.fail {
		return nil, errors.New("database is locked")
	}
	var out []metrics.DataPoint
	for _, p := range f.points {
		if p.Metric == metric && p.Timestamp >= start && p.Timestamp < end {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeData) RecentPoints(_ context.Context, metric string, n int) ([]metrics.DataPoint, error) {
	if f.fail {
		return nil, errors.New("database is locked")
	}
	var out []metrics.DataPoint
	for _, p := range f.points {
		if p.Metric == metric {
			out = append(out, p)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (f *fakeData) PointsAbove(_ context.Context, metric string, threshold float64, since int64, limit int) ([]metrics.DataPoint, error) {
	if f.fail {
		return nil, errors.New("database is locked")
	}
	var out []metrics.DataPoint
	for _, p := range f.points {
		if p.Metric == metric && p.Value > threshold && p.Timestamp >= since {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value > out[j].Value })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeData) BucketsInRange(_ context.Context, metric string, start, end int64) ([]metrics.Bucket, error) {
	if f.fail {
		return nil, errors.New("database is locked")
	}
	var out []metrics.Bucket
	for _, b := range f.buckets {
		if b.Metric == metric && b.Start >= start && b.Start < end {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeData) LatestBuckets(_ context.Context, metric string) ([]metrics.Bucket, error) {
	if f.fail {
		return nil, errors.New("database is locked")
	}
	latest := make(map[string]metrics.Bucket)
	for _, b := range f.buckets {
		if b.Metric != metric {
			continue
		}
		if cur, ok := latest[b.LabelKey]; !ok || b.Start > cur.Start {
			latest[b.LabelKey] = b
		}
	}
	var out []metrics.Bucket
	for _, b := range latest {
		out = append(out, b)
	}
	return out, nil
}

type fakeAlerts []alerting.Event

func (f fakeAlerts) ActiveAlerts() []alerting.Event { return f }

var testNow = time.UnixMilli(1_700_000_000_000)

func testConfig() config.QueryConfig {
	return config.QueryConfig{
		ResponseTimeMetric:    "db_query_ms",
		ErrorMetric:           "db_query_ms_error",
		CacheHitMetric:        "cache_hit_ratio",
		ResponseTimeThreshold: 1000,
		MinCacheHitRatio:      0.7,
		MaxActiveAlerts:       0,
		RealtimeWindow:        5 * time.Minute,
		TrendBuckets:          48,
		SlowThreshold:         1000,
		SlowLookback:          24 * time.Hour,
		SlowMetrics:           []string{"db_query_ms", "query_duration"},
	}
}

func newTestSurface(data *fakeData, alerts AlertSource) *Surface {
	s := New(testConfig(), metrics.NewRegistry(metrics.DefaultDefinitions()...), Sources{
		Points: data, Recent: data, Slow: data, Buckets: data, Alerts: alerts,
	})
	s.now = func() time.Time { return testNow }
	return s
}

func point(metric string, ago time.Duration, value float64, labels metrics.Labels) metrics.DataPoint {
	return metrics.DataPoint{Metric: metric, Timestamp: testNow.Add(-ago).UnixMilli(), Value: value, Labels: labels}
}

func TestRealtimeStatus(t *testing.T) {
	data := &fakeData{points: []metrics.DataPoint{
		point("db_query_ms", 10*time.Minute, 9000, nil),
		point("db_query_ms", 2*time.Minute, 500, nil),
		point("db_query_ms", time.Minute, 700, nil),
		point("cache_hit_ratio", time.Minute, 0.9, nil),
	}}

	status := newTestSurface(data, fakeAlerts{}).RealtimeStatus(context.Background())
	if !status.Healthy || status.AvgResponseTime != 600 || status.ResponseSamples != 2 {
		t.Errorf("Unexpected status %+v", status)
	}

	status = newTestSurface(data, fakeAlerts{{ID: "a1"}}).RealtimeStatus(context.Background())
	if status.Healthy || status.ActiveAlerts != 1 {
		t.Errorf("Active alert must make status unhealthy: %+v", status)
	}

	data.points = append(data.points, point("cache_hit_ratio", 0, 0.1, nil))
	status = newTestSurface(data, nil).RealtimeStatus(context.Background())
	if status.Healthy || status.CacheHitRatio >= 0.7 {
		t.Errorf("Low hit ratio must make status unhealthy: %+v", status)
	}
}

func TestRealtimeStatusWithoutData(t *testing.T) {
	status := newTestSurface(&fakeData{}, nil).RealtimeStatus(context.Background())
	if !status.Healthy || status.CacheSamples != 0 {
		t.Errorf("No data must read as healthy, got %+v", status)
	}

	status = newTestSurface(&fakeData{fail: true}, nil).RealtimeStatus(context.Background())
	if !status.Degraded {
		t.Error("Expected degraded status on read failure")
	}
}

func TestTrendsEmptyStore(t *testing.T) {
	trends, err := newTestSurface(&fakeData{}, nil).Trends(context.Background(), 24)
	if err != nil {
		t.Fatalf("Trends failed: %v", err)
	}
	for name, series := range map[string][]TrendPoint{
		"responseTime": trends.ResponseTime,
		"throughput":   trends.Throughput,
		"errorRate":    trends.ErrorRate,
		"cacheHitRate": trends.CacheHitRate,
	} {
		if series == nil || len(series) != 0 {
			t.Errorf("Expected empty non-nil %s series, got %v", name, series)
		}
	}
}

func TestTrendsFromBuckets(t *testing.T) {
	start := testNow.Add(-time.Hour).UnixMilli()
	data := &fakeData{buckets: []metrics.Bucket{
		{Metric: "db_query_ms", Start: start, Count: 2, Sum: 200},
		{Metric: "db_query_ms", LabelKey: "operation=search", Start: start, Count: 1, Sum: 100},
		{Metric: "db_query_ms_error", Start: start, Count: 4, Sum: 1},
		{Metric: "db_query_ms", Start: testNow.Add(-5 * time.Hour).UnixMilli(), Count: 9, Sum: 9},
	}}

	trends, err := newTestSurface(data, nil).Trends(context.Background(), 2)
	if err != nil {
		t.Fatalf("Trends failed: %v", err)
	}

	// 2h / 48 slots = 2m30s per slot; the bucket lands in slot 24
	slot := time.UnixMilli(testNow.Add(-2*time.Hour).UnixMilli() + 24*150000)
	want := []TrendPoint{{Timestamp: slot, Value: 100}}
	if diff := cmp.Diff(want, trends.ResponseTime); diff != "" {
		t.Errorf("Response time mismatch (-want +got):\n%s", diff)
	}
	if len(trends.Throughput) != 1 || trends.Throughput[0].Value != 1.2 {
		t.Errorf("Unexpected throughput %v", trends.Throughput)
	}
	if len(trends.ErrorRate) != 1 || trends.ErrorRate[0].Value != 0.25 {
		t.Errorf("Unexpected error rate %v", trends.ErrorRate)
	}
	if len(trends.CacheHitRate) != 0 {
		t.Errorf("Expected empty cache series, got %v", trends.CacheHitRate)
	}
	if trends.SlotWidth != "2m30s" {
		t.Errorf("Unexpected slot width %s", trends.SlotWidth)
	}
}

func TestSlowOperations(t *testing.T) {
	data := &fakeData{points: []metrics.DataPoint{
		point("db_query_ms", time.Hour, 1500, metrics.Labels{"operation": "search"}),
		point("db_query_ms", 2*time.Hour, 2500, metrics.Labels{"operation": "search"}),
		point("db_query_ms", time.Hour, 1200, metrics.Labels{"operation": "insert"}),
		point("db_query_ms", time.Hour, 900, metrics.Labels{"operation": "insert"}),
		point("db_query_ms", 48*time.Hour, 9000, metrics.Labels{"operation": "old"}),
		point("query_duration", time.Minute, 6000, nil),
	}}
	s := newTestSurface(data, nil)

	ops, err := s.SlowOperations(context.Background(), 2)
	if err != nil {
		t.Fatalf("SlowOperations failed: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("Expected 2 operations, got %d", len(ops))
	}
	if ops[0].Operation != "query_duration" || ops[0].MaxDuration != 6000 {
		t.Errorf("Unexpected first operation %+v", ops[0])
	}
	search := ops[1]
	if search.Operation != "search" || search.Count != 2 || search.AvgDuration != 2000 {
		t.Errorf("Unexpected second operation %+v", search)
	}
	if search.FrequencyPerHour != 2.0/24 {
		t.Errorf("Unexpected frequency %v", search.FrequencyPerHour)
	}
	if len(search.Recommendations) == 0 {
		t.Error("Expected recommendations")
	}

	all, _ := s.SlowOperations(context.Background(), 10)
	if len(all) != 3 {
		t.Errorf("Expected 3 operations within the lookback, got %d", len(all))
	}

	if _, err := newTestSurface(&fakeData{fail: true}, nil).SlowOperations(context.Background(), 5); err == nil {
		t.Error("Expected read error")
	}
}

func TestExportPrometheus(t *testing.T) {
	registry := metrics.NewRegistry(
		metrics.Definition{Name: "db_query_ms", Description: "Database query response time", Kind: metrics.KindHistogram},
		metrics.Definition{Name: "cache_hit_ratio", Description: "Query cache hit ratio", Kind: metrics.KindGauge},
	)
	data := &fakeData{
		points: []metrics.DataPoint{
			{Metric: "cache_hit_ratio", Timestamp: 1, Value: 0.8},
			{Metric: "cache_hit_ratio", Timestamp: 2, Value: 0.75},
		},
		buckets: []metrics.Bucket{{
			Metric: "db_query_ms", LabelKey: "operation=search", Labels: metrics.Labels{"operation": "search"},
			Count: 20, P50: 50, P95: 4000, P99: 4000,
		}},
	}
	s := New(testConfig(), registry, Sources{Recent: data, Buckets: data})

	want := `# HELP cache_hit_ratio Query cache hit ratio
# TYPE cache_hit_ratio gauge
cache_hit_ratio 0.75

# HELP db_query_ms Database query response time
# TYPE db_query_ms histogram
db_query_ms_p50{operation="search"} 50
db_query_ms_p95{operation="search"} 4000
db_query_ms_p99{operation="search"} 4000
db_query_ms_count{operation="search"} 20
`
	if diff := cmp.Diff(want, s.ExportPrometheus(context.Background())); diff != "" {
		t.Errorf("Exposition mismatch (-want +got):\n%s", diff)
	}
}

func TestExportPrometheusDegrades(t *testing.T) {
	s := newTestSurface(&fakeData{fail: true}, nil)
	out, err := s.exportPrometheus(context.Background())
	if !errors.Is(err, ErrExport) {
		t.Errorf("Expected ErrExport, got %v", err)
	}
	if out != "" {
		t.Errorf("Expected empty output, got %q", out)
	}
}

func TestPrometheusNaming(t *testing.T) {
	if got := sanitizeMetricName("kb.query-time"); got != "kb_query_time" {
		t.Errorf("Unexpected name %s", got)
	}
	got := formatLabels(metrics.Labels{"op": `say "hi"`, "bad-name": "x"})
	if got != `{op="say \"hi\""}` {
		t.Errorf("Unexpected labels %s", got)
	}
}

func TestExportJSON(t *testing.T) {
	data := &fakeData{points: []metrics.DataPoint{
		point("cpu_usage_percent", time.Minute, 40, nil),
		point("cpu_usage_percent", 0, 42, nil),
	}}
	out := newTestSurface(data, nil).ExportJSON(context.Background())

	var snap struct {
		Timestamp int64 `json:"timestamp"`
		Metrics   map[string]struct {
			Definition   metrics.Definition  `json:"definition"`
			CurrentValue *float64            `json:"current_value"`
			DataPoints   []metrics.DataPoint `json:"data_points"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(out, &snap); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if snap.Timestamp != testNow.UnixMilli() {
		t.Errorf("Unexpected timestamp %d", snap.Timestamp)
	}
	cpu := snap.Metrics["cpu_usage_percent"]
	if cpu.CurrentValue == nil || *cpu.CurrentValue != 42 || len(cpu.DataPoints) != 2 {
		t.Errorf("Unexpected cpu snapshot %+v", cpu)
	}
	if mem := snap.Metrics["memory_usage_percent"]; mem.CurrentValue != nil {
		t.Error("Metric without data must have a null current value")
	}

	if got := string(newTestSurface(&fakeData{fail: true}, nil).ExportJSON(context.Background())); got != "{}" {
		t.Errorf("Expected empty object on failure, got %s", got)
	}
}

func TestExportCSV(t *testing.T) {
	data := &fakeData{points: []metrics.DataPoint{
		{Metric: "db_query_ms", Timestamp: 1000, Value: 1500, Labels: metrics.Labels{"operation": "search"}},
		{Metric: "db_query_ms", Timestamp: 2000, Value: 2500},
		{Metric: "db_query_ms", Timestamp: 5000, Value: 1},
	}}
	s := newTestSurface(data, nil)

	got := s.ExportCSV(context.Background(), "db_query_ms", time.UnixMilli(0), time.UnixMilli(3000))
	want := strings.Join([]string{
		"timestamp,value,labels",
		`1000,1500,"{""operation"":""search""}"`,
		"2000,2500,{}",
		"",
	}, "\n")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CSV mismatch (-want +got):\n%s", diff)
	}

	if got := s.ExportCSV(context.Background(), "nope", time.UnixMilli(0), testNow); got != "" {
		t.Errorf("Expected empty output for unknown metric, got %q", got)
	}
	if _, err := s.exportCSV(context.Background(), "nope", time.UnixMilli(0), testNow); !errors.Is(err, ErrExport) {
		t.Errorf("Expected ErrExport, got %v", err)
	}
}
