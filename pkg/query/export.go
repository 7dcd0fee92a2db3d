package query

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"
	"k8s.io/klog/v2"

	"kb-health-agent/pkg/metrics"
)

// ErrExport marks a failed export; callers receive empty output instead
var ErrExport = errors.New("export failed")

const snapshotPoints = 100

var labelValueEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)

// ExportPrometheus renders every registered metric in the text exposition
// format. A metric that cannot be read is left out.
func (s *Surface) ExportPrometheus(ctx context.Context) string {
	out, err := s.exportPrometheus(ctx)
	if err != nil {
		klog.Errorf("Prometheus export degraded: %v", err)
	}
	return out
}

func (s *Surface) exportPrometheus(ctx context.Context) (string, error) {
	var buf bytes.Buffer
	var errs []error

	for _, def := range s.registry.List() {
		name := sanitizeMetricName(def.Name)
		var lines []string

		if def.Kind == metrics.KindHistogram {
			buckets, err := s.latestBuckets(ctx, def.Name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, b := range buckets {
				labels := formatLabels(b.Labels)
				lines = append(lines,
					fmt.Sprintf("%s_p50%s %s", name, labels, formatValue(b.P50)),
					fmt.Sprintf("%s_p95%s %s", name, labels, formatValue(b.P95)),
					fmt.Sprintf("%s_p99%s %s", name, labels, formatValue(b.P99)),
					fmt.Sprintf("%s_count%s %d", name, labels, b.Count),
				)
			}
		} else {
			latest, err := s.latestPerLabelSet(ctx, def.Name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, p := range latest {
				lines = append(lines, fmt.Sprintf("%s%s %s", name, formatLabels(p.Labels), formatValue(p.Value)))
			}
		}

		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		help := def.Description
		if help == "" {
			help = def.Name
		}
		fmt.Fprintf(&buf, "# HELP %s %s\n", name, strings.ReplaceAll(help, "\n", " "))
		fmt.Fprintf(&buf, "# TYPE %s %s\n", name, def.Kind)
		for _, l := range lines {
			buf.WriteString(l)
			buf.WriteString("\n")
		}
	}

	if len(errs) > 0 {
		return buf.String(), fmt.Errorf("%w: %w", ErrExport, errors.Join(errs...))
	}
	return buf.String(), nil
}

func (s *Surface) latestBuckets(ctx context.Context, metric string) ([]metrics.Bucket, error) {
	if s.sources.Buckets == nil {
		return nil, nil
	}
	buckets, err := s.sources.Buckets.LatestBuckets(ctx, metric)
	if err != nil {
		return nil, fmt.Errorf("failed to read buckets of %s: %w", metric, err)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].LabelKey < buckets[j].LabelKey })
	return buckets, nil
}

// latestPerLabelSet returns the newest recent point of each label set, ordered by label key
func (s *Surface) latestPerLabelSet(ctx context.Context, metric string) ([]metrics.DataPoint, error) {
	if s.sources.Recent == nil {
		return nil, nil
	}
	pts, err := s.sources.Recent.RecentPoints(ctx, metric, maxSlowScanPerKind)
	if err != nil {
		return nil, fmt.Errorf("failed to read points of %s: %w", metric, err)
	}
	latest := make(map[string]metrics.DataPoint)
	for _, p := range pts {
		latest[p.Labels.Key()] = p
	}
	keys := make([]string, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]metrics.DataPoint, 0, len(keys))
	for _, k := range keys {
		out = append(out, latest[k])
	}
	return out, nil
}

func sanitizeMetricName(name string) string {
	if model.IsValidMetricName(model.LabelValue(name)) {
		return name
	}
	var b strings.Builder
	for i, r := range name {
		ok := r == '_' || r == ':' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')
		if ok {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func formatLabels(labels metrics.Labels) string {
	if len(labels) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	n := 0
	for _, k := range labels.SortedKeys() {
		if !model.LabelName(k).IsValid() {
			klog.V(4).Infof("Dropping invalid label name %q from export", k)
			continue
		}
		if n > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `%s="%s"`, k, labelValueEscaper.Replace(labels[k]))
		n++
	}
	if n == 0 {
		return ""
	}
	b.WriteByte('}')
	return b.String()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

type snapshotMetric struct {
	Definition   metrics.Definition  `json:"definition"`
	CurrentValue *float64            `json:"current_value"`
	DataPoints   []metrics.DataPoint `json:"data_points"`
	Aggregated   []metrics.Bucket    `json:"aggregated"`
}

type snapshot struct {
	Timestamp int64                     `json:"timestamp"`
	Metrics   map[string]snapshotMetric `json:"metrics"`
}

// ExportJSON renders a flat snapshot of every metric: its definition, the
// latest value, recent raw points and the latest buckets.
func (s *Surface) ExportJSON(ctx context.Context) []byte {
	out, err := s.exportJSON(ctx)
	if err != nil {
		klog.Errorf("JSON export failed: %v", err)
		return []byte("{}")
	}
	return out
}

func (s *Surface) exportJSON(ctx context.Context) ([]byte, error) {
	snap := snapshot{
		Timestamp: s.now().UnixMilli(),
		Metrics:   make(map[string]snapshotMetric),
	}
	for _, def := range s.registry.List() {
		m := snapshotMetric{
			Definition: def,
			DataPoints: []metrics.DataPoint{},
			Aggregated: []metrics.Bucket{},
		}
		if s.sources.Recent != nil {
			pts, err := s.sources.Recent.RecentPoints(ctx, def.Name, snapshotPoints)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrExport, def.Name, err)
			}
			if len(pts) > 0 {
				m.DataPoints = pts
				v := pts[len(pts)-1].Value
				m.CurrentValue = &v
			}
		}
		buckets, err := s.latestBuckets(ctx, def.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExport, err)
		}
		if len(buckets) > 0 {
			m.Aggregated = buckets
		}
		snap.Metrics[def.Name] = m
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	return data, nil
}

// ExportCSV renders the raw points of metric in [from, to) as
// timestamp,value,labels rows. Any failure yields an empty string.
func (s *Surface) ExportCSV(ctx context.Context, metric string, from, to time.Time) string {
	out, err := s.exportCSV(ctx, metric, from, to)
	if err != nil {
		klog.Errorf("CSV export of %s failed: %v", metric, err)
		return ""
	}
	return out
}

func (s *Surface) exportCSV(ctx context.Context, metric string, from, to time.Time) (string, error) {
	if _, ok := s.registry.Get(metric); !ok {
		return "", fmt.Errorf("%w: unknown metric %q", ErrExport, metric)
	}
	if s.sources.Points == nil {
		return "", fmt.Errorf("%w: no point source", ErrExport)
	}
	pts, err := s.sources.Points.PointsInRange(ctx, metric, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExport, err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"timestamp", "value", "labels"}); err != nil {
		return "", fmt.Errorf("%w: %w", ErrExport, err)
	}
	for _, p := range pts {
		row := []string{strconv.FormatInt(p.Timestamp, 10), formatValue(p.Value), p.Labels.JSON()}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("%w: %w", ErrExport, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrExport, err)
	}
	return buf.String(), nil
}
