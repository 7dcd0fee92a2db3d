package metrics

import (
	"fmt"
	"time"
)

// Kind is the metric kind of a definition
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
)

// Valid reports whether k is a known metric kind
func (k Kind) Valid() bool {
	switch k {
	case KindCounter, KindGauge, KindHistogram:
		return true
	}
	return false
}

// Definition describes a known metric
type Definition struct {
	Name                string        `json:"name" mapstructure:"name" yaml:"name"`
	Description         string        `json:"description" mapstructure:"description" yaml:"description"`
	Unit                string        `json:"unit" mapstructure:"unit" yaml:"unit"`
	Kind                Kind          `json:"kind" mapstructure:"kind" yaml:"kind"`
	LabelNames          []string      `json:"labelNames,omitempty" mapstructure:"labelNames" yaml:"labelNames"`
	RetentionDays       int           `json:"retentionDays" mapstructure:"retentionDays" yaml:"retentionDays"`
	AggregationInterval time.Duration `json:"aggregationInterval" mapstructure:"aggregationInterval" yaml:"aggregationInterval"`
	Component           string        `json:"component,omitempty" mapstructure:"component" yaml:"component"`
}

// IntervalMillis returns the aggregation interval in milliseconds
func (d Definition) IntervalMillis() int64 {
	return d.AggregationInterval.Milliseconds()
}

func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("metric name cannot be empty")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("metric %s: invalid kind %q", d.Name, d.Kind)
	}
	if d.RetentionDays <= 0 {
		return fmt.Errorf("metric %s: retention must be positive", d.Name)
	}
	if d.AggregationInterval < time.Second {
		return fmt.Errorf("metric %s: aggregation interval must be at least 1s", d.Name)
	}
	return nil
}

// DataPoint is a single raw observation
type DataPoint struct {
	Seq       int64   `json:"seq"`
	Metric    string  `json:"metric"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
	Value     float64 `json:"value"`
	Labels    Labels  `json:"labels,omitempty"`
}

// Time returns the point timestamp as time.Time
func (p DataPoint) Time() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// Bucket is the aggregated summary of one (metric, label set, window)
type Bucket struct {
	Metric    string  `json:"metric"`
	LabelKey  string  `json:"labelKey"`
	Labels    Labels  `json:"labels,omitempty"`
	Start     int64   `json:"start"`
	Interval  int64   `json:"interval"`
	Count     int64   `json:"count"`
	Sum       float64 `json:"sum"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Avg       float64 `json:"avg"`
	P50       float64 `json:"p50"`
	P95       float64 `json:"p95"`
	P99       float64 `json:"p99"`
	StdDev    float64 `json:"stddev"`
	UpdatedAt int64   `json:"updatedAt"`
}

// BucketStart aligns ts (ms) down to the interval (ms)
func BucketStart(ts, interval int64) int64 {
	if interval <= 0 {
		return ts
	}
	start := (ts / interval) * interval
	if ts < 0 && ts%interval != 0 {
		start -= interval
	}
	return start
}
