package analyzer

import "time"

// Status is the health classification of a component
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendStable    TrendDirection = "stable"
	TrendDegrading TrendDirection = "degrading"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities (higher is worse)
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// ImpactTier is a qualitative user or business impact level
type ImpactTier string

const (
	ImpactLow      ImpactTier = "low"
	ImpactMedium   ImpactTier = "medium"
	ImpactHigh     ImpactTier = "high"
	ImpactCritical ImpactTier = "critical"
)

var impactTiers = []ImpactTier{ImpactLow, ImpactMedium, ImpactHigh, ImpactCritical}

func (t ImpactTier) rank() int {
	for i, tier := range impactTiers {
		if tier == t {
			return i
		}
	}
	return 0
}

func (t ImpactTier) raise(steps int) ImpactTier {
	idx := t.rank() + steps
	if idx >= len(impactTiers) {
		idx = len(impactTiers) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return impactTiers[idx]
}

type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// ComponentHealth is the rolling health of one logical component
type ComponentHealth struct {
	Component      string         `json:"component"`
	Score          float64        `json:"score"`
	Status         Status         `json:"status"`
	ShortTermTrend TrendDirection `json:"shortTermTrend"`
	LongTermTrend  TrendDirection `json:"longTermTrend"`
	Metric         string         `json:"metric,omitempty"`
	Samples        int            `json:"samples"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// MetricSnapshot is the window statistic that contributed to a bottleneck
type MetricSnapshot struct {
	Metric   string  `json:"metric"`
	Average  float64 `json:"average"`
	Latest   float64 `json:"latest"`
	Samples  int     `json:"samples"`
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
	P95      float64 `json:"p95,omitempty"`
}

type Impact struct {
	AffectedComponents     []string   `json:"affectedComponents"`
	PerformanceDegradation float64    `json:"performanceDegradation"`
	UserImpact             ImpactTier `json:"userImpact"`
	BusinessImpact         ImpactTier `json:"businessImpact"`
}

type RootCause struct {
	Cause        string   `json:"cause"`
	Confidence   float64  `json:"confidence"`
	Alternatives []string `json:"alternatives,omitempty"`
}

type Trend struct {
	Direction     TrendDirection `json:"direction"`
	Velocity      float64        `json:"velocity"` // units per second
	ChangePercent float64        `json:"changePercent"`
	Prediction    float64        `json:"prediction"`
}

// Bottleneck is a detected component-scoped degradation. Later runs supersede it with a new ID.
type Bottleneck struct {
	ID          string           `json:"id"`
	Component   string           `json:"component"`
	Metric      string           `json:"metric"`
	Severity    Severity         `json:"severity"`
	Description string           `json:"description"`
	Metrics     []MetricSnapshot `json:"metrics"`
	Impact      Impact           `json:"impact"`
	RootCause   RootCause        `json:"rootCause"`
	Trend       Trend            `json:"trend"`
	DetectedAt  time.Time        `json:"detectedAt"`
}

// Recommendation is derived 1:1 from a bottleneck
type Recommendation struct {
	ID                  string   `json:"id"`
	BottleneckID        string   `json:"bottleneckId"`
	Component           string   `json:"component"`
	Severity            Severity `json:"severity"`
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	Steps               []string `json:"steps"`
	Effort              Effort   `json:"effort"`
	ExpectedImprovement float64  `json:"expectedImprovement"`
	Priority            int      `json:"priority"`
	Advice              string   `json:"advice,omitempty"`
}

// AppliedOptimization records that a recommendation was acted upon
type AppliedOptimization struct {
	ID               string    `json:"id"`
	RecommendationID string    `json:"recommendationId"`
	BottleneckID     string    `json:"bottleneckId"`
	Component        string    `json:"component"`
	Title            string    `json:"title"`
	Status           string    `json:"status"` // "applied", "failed", "recorded"
	Detail           string    `json:"detail,omitempty"`
	AppliedAt        time.Time `json:"appliedAt"`
}
