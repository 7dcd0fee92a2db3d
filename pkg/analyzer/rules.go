package analyzer

import (
	"math"

	"kb-health-agent/pkg/config"
)

// Direction says which side of the thresholds is bad
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

type Cause struct {
	Cause      string
	Confidence float64
}

// Template is the static remediation advice for a rule
type Template struct {
	Title               string
	Description         string
	Steps               []string
	Effort              Effort
	ExpectedImprovement float64
}

// Rule watches one metric of one component against a two-tier threshold
type Rule struct {
	Component  string
	Metric     string
	Direction  Direction
	Warning    float64
	Critical   float64
	Samples    int
	Downstream []string
	UserFacing bool

	// degradation% = min(DegradationCap, excess*DegradationFactor)
	DegradationCap    float64
	DegradationFactor float64

	Causes       []Cause
	Template     Template
	BasePriority int
}

func (r Rule) breached(avg float64) bool {
	if r.Direction == DirectionBelow {
		return avg < r.Warning
	}
	return avg > r.Warning
}

// excess is how far avg is past the warning tier, in metric units
func (r Rule) excess(avg float64) float64 {
	if r.Direction == DirectionBelow {
		return r.Warning - avg
	}
	return avg - r.Warning
}

func (r Rule) severity(avg float64) Severity {
	half := math.Abs(r.Critical-r.Warning) / 2
	switch {
	case r.Direction == DirectionAbove && avg > r.Critical,
		r.Direction == DirectionBelow && avg < r.Critical:
		return SeverityCritical
	case r.excess(avg) >= half:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

func (r Rule) degradation(avg float64) float64 {
	d := r.excess(avg) * r.DegradationFactor
	if d < 0 {
		d = 0
	}
	return math.Min(r.DegradationCap, d)
}

// score maps avg to 0..100: 70 at the warning tier, 30 at the critical tier
func (r Rule) score(avg float64) float64 {
	w, c, v := r.Warning, r.Critical, avg
	if r.Direction == DirectionBelow {
		// mirror around the warning tier so larger is worse
		v = w + (w - avg)
		c = w + (w - r.Critical)
	}

	var s float64
	switch {
	case v <= w:
		ratio := 0.0
		if w > 0 {
			ratio = math.Max(0, v/w)
		}
		s = 100 - 30*ratio
	case v <= c:
		s = 70 - 40*(v-w)/(c-w)
	default:
		s = 30 - 30*(v-c)/math.Max(c, 1e-9)
	}
	return math.Max(0, math.Min(100, s))
}

// DefaultRules are the built-in component rules
func DefaultRules() []Rule {
	return []Rule{
		{
			Component: "cpu", Metric: "cpu_usage_percent", Direction: DirectionAbove,
			Warning: 80, Critical: 95, Samples: 10,
			Downstream:     []string{"database", "search", "api"},
			DegradationCap: 50, DegradationFactor: 2,
			Causes: []Cause{
				{Cause: "CPU-intensive indexing or embedding work running in the foreground", Confidence: 0.7},
				{Cause: "Too many concurrent queries"},
				{Cause: "Inefficient search ranking loops"},
			},
			Template: Template{
				Title:       "Reduce CPU pressure",
				Description: "CPU usage is sustained above the warning tier.",
				Steps: []string{
					"Move indexing and embedding generation to a background queue",
					"Limit concurrent query workers",
					"Profile the hottest code paths",
				},
				Effort: EffortMedium, ExpectedImprovement: 30,
			},
			BasePriority: 5,
		},
		{
			Component: "memory", Metric: "memory_usage_percent", Direction: DirectionAbove,
			Warning: 85, Critical: 95, Samples: 10,
			Downstream:     []string{"cache", "database"},
			DegradationCap: 40, DegradationFactor: 2,
			Causes: []Cause{
				{Cause: "Query cache grown beyond its budget", Confidence: 0.65},
				{Cause: "Large documents held in memory after import"},
				{Cause: "Memory leak in a long-lived component"},
			},
			Template: Template{
				Title:       "Lower memory usage",
				Description: "Memory usage is close to the process limit.",
				Steps: []string{
					"Cap the query cache size",
					"Stream large documents instead of loading them whole",
					"Restart long-running workers to reclaim leaked memory",
				},
				Effort: EffortMedium, ExpectedImprovement: 25,
			},
			BasePriority: 5,
		},
		{
			Component: "database", Metric: "db_query_ms", Direction: DirectionAbove,
			Warning: 1000, Critical: 3000, Samples: 20,
			Downstream:     []string{"search", "api"},
			UserFacing:     true,
			DegradationCap: 60, DegradationFactor: 0.02,
			Causes: []Cause{
				{Cause: "Missing index on a frequently filtered column", Confidence: 0.75},
				{Cause: "Full table scans on large tables"},
				{Cause: "Lock contention from concurrent writes"},
			},
			Template: Template{
				Title:       "Optimize slow queries",
				Description: "Database query response time is above the acceptable threshold.",
				Steps: []string{
					"Inspect the slowest queries with EXPLAIN QUERY PLAN",
					"Add indexes for the filtered columns",
					"Batch writes into fewer transactions",
					"Run ANALYZE to refresh planner statistics",
				},
				Effort: EffortMedium, ExpectedImprovement: 40,
			},
			BasePriority: 6,
		},
		{
			Component: "database", Metric: "db_active_connections", Direction: DirectionAbove,
			Warning: 80, Critical: 95, Samples: 10,
			Downstream:     []string{"api"},
			DegradationCap: 40, DegradationFactor: 2,
			Causes: []Cause{
				{Cause: "Connections not returned to the pool", Confidence: 0.6},
				{Cause: "Pool size too small for the workload"},
			},
			Template: Template{
				Title:       "Tune the connection pool",
				Description: "The database connection pool is near exhaustion.",
				Steps: []string{
					"Check for connections held across long operations",
					"Close rows and statements promptly",
					"Adjust the pool size to the workload",
				},
				Effort: EffortLow, ExpectedImprovement: 20,
			},
			BasePriority: 4,
		},
		{
			Component: "search", Metric: "search_latency_ms", Direction: DirectionAbove,
			Warning: 500, Critical: 2000, Samples: 15,
			Downstream:     []string{"api"},
			UserFacing:     true,
			DegradationCap: 50, DegradationFactor: 0.03,
			Causes: []Cause{
				{Cause: "Full text index fragmented after bulk imports", Confidence: 0.7},
				{Cause: "Unbounded result sets"},
				{Cause: "Vector similarity computed without an index"},
			},
			Template: Template{
				Title:       "Speed up search",
				Description: "Search latency is above the warning tier.",
				Steps: []string{
					"Optimize the full text index",
					"Paginate search results",
					"Cache frequent queries",
				},
				Effort: EffortMedium, ExpectedImprovement: 35,
			},
			BasePriority: 5,
		},
		{
			Component: "cache", Metric: "cache_hit_ratio", Direction: DirectionBelow,
			Warning: 0.7, Critical: 0.5, Samples: 10,
			Downstream:     []string{"database", "search"},
			DegradationCap: 30, DegradationFactor: 100,
			Causes: []Cause{
				{Cause: "Cache too small for the working set", Confidence: 0.6},
				{Cause: "Cache keys include volatile parameters"},
				{Cause: "Aggressive expiry"},
			},
			Template: Template{
				Title:       "Improve cache hit ratio",
				Description: "Too many lookups miss the cache.",
				Steps: []string{
					"Increase the cache capacity",
					"Normalize cache keys",
					"Extend expiry for stable entries",
				},
				Effort: EffortLow, ExpectedImprovement: 20,
			},
			BasePriority: 3,
		},
		{
			Component: "network", Metric: "network_latency_ms", Direction: DirectionAbove,
			Warning: 200, Critical: 1000, Samples: 10,
			Downstream:     []string{"api"},
			DegradationCap: 40, DegradationFactor: 0.1,
			Causes: []Cause{
				{Cause: "Slow upstream model or sync endpoint", Confidence: 0.55},
				{Cause: "No connection reuse"},
			},
			Template: Template{
				Title:       "Reduce network latency",
				Description: "Outbound requests are slow.",
				Steps: []string{
					"Reuse HTTP connections",
					"Add timeouts and retries with backoff",
					"Cache remote responses where possible",
				},
				Effort: EffortHigh, ExpectedImprovement: 15,
			},
			BasePriority: 2,
		},
		{
			Component: "api", Metric: "api_request_ms", Direction: DirectionAbove,
			Warning: 1000, Critical: 3000, Samples: 10,
			UserFacing:     true,
			DegradationCap: 50, DegradationFactor: 0.02,
			Causes: []Cause{
				{Cause: "Slow downstream dependency", Confidence: 0.5},
				{Cause: "Serialization of large payloads"},
			},
			Template: Template{
				Title:       "Reduce API latency",
				Description: "Internal API requests are slow.",
				Steps: []string{
					"Check the database and search components first",
					"Trim response payloads",
				},
				Effort: EffortMedium, ExpectedImprovement: 20,
			},
			BasePriority: 4,
		},
	}
}

// ApplyOverrides adjusts thresholds and sample counts of matching rules.
// Overrides for an unknown (component, metric) pair add a rule with generic advice.
func ApplyOverrides(rules []Rule, overrides []config.BottleneckRuleConfig) []Rule {
	out := append([]Rule(nil), rules...)
	for _, o := range overrides {
		matched := false
		for i := range out {
			if out[i].Component != o.Component || out[i].Metric != o.Metric {
				continue
			}
			matched = true
			if o.Warning != 0 {
				out[i].Warning = o.Warning
			}
			if o.Critical != 0 {
				out[i].Critical = o.Critical
			}
			if o.Samples > 0 {
				out[i].Samples = o.Samples
			}
		}
		if matched || o.Component == "" || o.Metric == "" {
			continue
		}

		dir := DirectionAbove
		if o.Critical < o.Warning {
			dir = DirectionBelow
		}
		samples := o.Samples
		if samples <= 0 {
			samples = 10
		}
		out = append(out, Rule{
			Component: o.Component, Metric: o.Metric, Direction: dir,
			Warning: o.Warning, Critical: o.Critical, Samples: samples,
			DegradationCap: 30, DegradationFactor: 1,
			Causes: []Cause{{Cause: "Unknown, investigate " + o.Metric, Confidence: 0.3}},
			Template: Template{
				Title:       "Investigate " + o.Component,
				Description: o.Metric + " is outside its configured range.",
				Steps:       []string{"Review recent changes affecting " + o.Component},
				Effort:      EffortMedium, ExpectedImprovement: 10,
			},
			BasePriority: 1,
		})
	}
	return out
}
