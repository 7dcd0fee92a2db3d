package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"k8s.io/klog/v2"

	"kb-health-agent/pkg/alerting"
	"kb-health-agent/pkg/config"
	"kb-health-agent/pkg/metrics"
)

const (
	operationLabel     = "operation"
	maxSlowScanPerKind = 1000
)

// PointReader supplies raw points, buffered and stored
type PointReader interface {
	PointsInRange(ctx context.Context, metric string, start, end int64) ([]metrics.DataPoint, error)
}

// RecentReader supplies the newest raw points of a metric in ascending order
type RecentReader interface {
	RecentPoints(ctx context.Context, metric string, n int) ([]metrics.DataPoint, error)
}

// SlowReader supplies stored points above a threshold, largest first
type SlowReader interface {
	PointsAbove(ctx context.Context, metric string, threshold float64, since int64, limit int) ([]metrics.DataPoint, error)
}

type BucketReader interface {
	BucketsInRange(ctx context.Context, metric string, start, end int64) ([]metrics.Bucket, error)
	LatestBuckets(ctx context.Context, metric string) ([]metrics.Bucket, error)
}

type AlertSource interface {
	ActiveAlerts() []alerting.Event
}

// Sources groups what the query surface reads. Nil members yield empty results.
type Sources struct {
	Points  PointReader
	Recent  RecentReader
	Slow    SlowReader
	Buckets BucketReader
	Alerts  AlertSource
}

// Surface is the read-only view over raw and aggregated data
type Surface struct {
	config   config.QueryConfig
	registry *metrics.Registry
	sources  Sources
	now      func() time.Time
}

func New(cfg config.QueryConfig, registry *metrics.Registry, sources Sources) *Surface {
	if cfg.RealtimeWindow <= 0 {
		cfg.RealtimeWindow = 5 * time.Minute
	}
	if cfg.TrendBuckets <= 0 {
		cfg.TrendBuckets = 48
	}
	if cfg.SlowLookback <= 0 {
		cfg.SlowLookback = 24 * time.Hour
	}
	return &Surface{
		config:   cfg,
		registry: registry,
		sources:  sources,
		now:      time.Now,
	}
}

// RealtimeStatus averages response time and cache hit ratio over the realtime
// window. A read failure marks the status degraded instead of failing.
func (s *Surface) RealtimeStatus(ctx context.Context) RealtimeStatus {
	now := s.now()
	status := RealtimeStatus{
		Window:    s.config.RealtimeWindow.String(),
		Timestamp: now,
	}
	start := now.Add(-s.config.RealtimeWindow).UnixMilli()
	end := now.UnixMilli() + 1

	if s.sources.Points != nil {
		if pts, err := s.sources.Points.PointsInRange(ctx, s.config.ResponseTimeMetric, start, end); err != nil {
			klog.Errorf("Failed to read %s: %v", s.config.ResponseTimeMetric, err)
			status.Degraded = true
		} else {
			status.AvgResponseTime = metrics.Mean(pts)
			status.ResponseSamples = len(pts)
		}
		if pts, err := s.sources.Points.PointsInRange(ctx, s.config.CacheHitMetric, start, end); err != nil {
			klog.Errorf("Failed to read %s: %v", s.config.CacheHitMetric, err)
			status.Degraded = true
		} else {
			status.CacheHitRatio = metrics.Mean(pts)
			status.CacheSamples = len(pts)
		}
	}
	if s.sources.Alerts != nil {
		status.ActiveAlerts = len(s.sources.Alerts.ActiveAlerts())
	}

	status.Healthy = status.AvgResponseTime <= s.config.ResponseTimeThreshold &&
		(status.CacheSamples == 0 || status.CacheHitRatio >= s.config.MinCacheHitRatio) &&
		status.ActiveAlerts <= s.config.MaxActiveAlerts
	return status
}

type slotAcc struct {
	sum, count float64
}

// Trends splits the last hours into a fixed number of slots and fills them
// from aggregated buckets.
func (s *Surface) Trends(ctx context.Context, hours int) (Trends, error) {
	if hours <= 0 {
		hours = 24
	}
	now := s.now().UnixMilli()
	span := int64(hours) * int64(time.Hour/time.Millisecond)
	width := span / int64(s.config.TrendBuckets)
	if width <= 0 {
		width = 1
	}
	start := now - span

	trends := Trends{
		Hours:        hours,
		SlotWidth:    (time.Duration(width) * time.Millisecond).String(),
		ResponseTime: []TrendPoint{},
		Throughput:   []TrendPoint{},
		ErrorRate:    []TrendPoint{},
		CacheHitRate: []TrendPoint{},
	}
	if s.sources.Buckets == nil {
		return trends, nil
	}

	slots := func(metric string) (map[int64]*slotAcc, error) {
		buckets, err := s.sources.Buckets.BucketsInRange(ctx, metric, start, now+1)
		if err != nil {
			return nil, fmt.Errorf("failed to read buckets of %s: %w", metric, err)
		}
		out := make(map[int64]*slotAcc)
		for _, b := range buckets {
			idx := (b.Start - start) / width
			if idx < 0 || idx >= int64(s.config.TrendBuckets) {
				continue
			}
			acc, ok := out[idx]
			if !ok {
				acc = &slotAcc{}
				out[idx] = acc
			}
			acc.sum += b.Sum
			acc.count += float64(b.Count)
		}
		return out, nil
	}

	series := func(acc map[int64]*slotAcc, value func(*slotAcc) float64) []TrendPoint {
		keys := make([]int64, 0, len(acc))
		for k, a := range acc {
			if a.count > 0 {
				keys = append(keys, k)
			}
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		out := make([]TrendPoint, 0, len(keys))
		for _, k := range keys {
			out = append(out, TrendPoint{
				Timestamp: time.UnixMilli(start + k*width),
				Value:     value(acc[k]),
			})
		}
		return out
	}
	mean := func(a *slotAcc) float64 { return a.sum / a.count }
	slotMinutes := float64(width) / float64(time.Minute/time.Millisecond)

	response, err := slots(s.config.ResponseTimeMetric)
	if err != nil {
		return trends, err
	}
	trends.ResponseTime = series(response, mean)
	trends.Throughput = series(response, func(a *slotAcc) float64 { return a.count / slotMinutes })

	errs, err := s.slotsIfRegistered(s.config.ErrorMetric, slots)
	if err != nil {
		return trends, err
	}
	trends.ErrorRate = series(errs, mean)

	cache, err := s.slotsIfRegistered(s.config.CacheHitMetric, slots)
	if err != nil {
		return trends, err
	}
	trends.CacheHitRate = series(cache, mean)
	return trends, nil
}

func (s *Surface) slotsIfRegistered(metric string, slots func(string) (map[int64]*slotAcc, error)) (map[int64]*slotAcc, error) {
	if metric == "" {
		return nil, nil
	}
	if _, ok := s.registry.Get(metric); !ok {
		return nil, nil
	}
	return slots(metric)
}

// SlowOperations ranks operations whose raw durations exceeded the slow
// threshold within the lookback window.
func (s *Surface) SlowOperations(ctx context.Context, limit int) ([]SlowOperation, error) {
	if limit <= 0 {
		limit = 10
	}
	if s.sources.Slow == nil {
		return []SlowOperation{}, nil
	}
	now := s.now()
	since := now.Add(-s.config.SlowLookback).UnixMilli()
	hours := s.config.SlowLookback.Hours()

	groups := make(map[string]*SlowOperation)
	sums := make(map[string]float64)
	for _, metric := range s.config.SlowMetrics {
		if _, ok := s.registry.Get(metric); !ok {
			continue
		}
		pts, err := s.sources.Slow.PointsAbove(ctx, metric, s.config.SlowThreshold, since, maxSlowScanPerKind)
		if err != nil {
			return nil, fmt.Errorf("failed to read slow points of %s: %w", metric, err)
		}
		for _, p := range pts {
			op := p.Labels[operationLabel]
			if op == "" {
				op = metric
			}
			key := metric + "\x00" + op
			g, ok := groups[key]
			if !ok {
				g = &SlowOperation{Operation: op, Metric: metric}
				groups[key] = g
			}
			g.Count++
			sums[key] += p.Value
			if p.Value > g.MaxDuration {
				g.MaxDuration = p.Value
			}
			if t := p.Time(); t.After(g.LastSeen) {
				g.LastSeen = t
			}
		}
	}

	out := make([]SlowOperation, 0, len(groups))
	for key, g := range groups {
		g.AvgDuration = sums[key] / float64(g.Count)
		if hours > 0 {
			g.FrequencyPerHour = float64(g.Count) / hours
		}
		g.Recommendations = slowRecommendations(*g, s.config.SlowThreshold)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MaxDuration != out[j].MaxDuration {
			return out[i].MaxDuration > out[j].MaxDuration
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Operation < out[j].Operation
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func slowRecommendations(op SlowOperation, threshold float64) []string {
	var recs []string
	if op.AvgDuration > 3*threshold {
		recs = append(recs, "Operation is consistently far above the threshold; profile it end to end")
	}
	if op.FrequencyPerHour >= 10 {
		recs = append(recs, "Frequent slow calls; cache the result or batch the work")
	}
	switch {
	case op.Metric == "db_query_ms":
		recs = append(recs, "Check the query plan and add missing indexes")
	case op.Metric == "search_latency_ms" || op.Metric == "query_duration":
		recs = append(recs, "Limit result sizes and optimize the search index")
	default:
		recs = append(recs, "Review recent changes to this operation")
	}
	return recs
}
