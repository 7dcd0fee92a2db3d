package query

import "time"

// RealtimeStatus is the snapshot of the last few minutes
type RealtimeStatus struct {
	Healthy         bool      `json:"healthy"`
	AvgResponseTime float64   `json:"avgResponseTime"`
	ResponseSamples int       `json:"responseSamples"`
	CacheHitRatio   float64   `json:"cacheHitRatio"`
	CacheSamples    int       `json:"cacheSamples"`
	ActiveAlerts    int       `json:"activeAlerts"`
	Window          string    `json:"window"`
	Degraded        bool      `json:"degraded,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// TrendPoint is one slot of a trend series
type TrendPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Trends holds four series over the same slots. A series only has points for
// slots that contained data.
type Trends struct {
	Hours        int          `json:"hours"`
	SlotWidth    string       `json:"slotWidth"`
	ResponseTime []TrendPoint `json:"responseTime"`
	Throughput   []TrendPoint `json:"throughput"` // operations per minute
	ErrorRate    []TrendPoint `json:"errorRate"`
	CacheHitRate []TrendPoint `json:"cacheHitRate"`
}

// SlowOperation groups raw points above the slow threshold by operation
type SlowOperation struct {
	Operation        string    `json:"operation"`
	Metric           string    `json:"metric"`
	Count            int       `json:"count"`
	AvgDuration      float64   `json:"avgDuration"`
	MaxDuration      float64   `json:"maxDuration"`
	LastSeen         time.Time `json:"lastSeen"`
	FrequencyPerHour float64   `json:"frequencyPerHour"`
	Recommendations  []string  `json:"recommendations"`
}
