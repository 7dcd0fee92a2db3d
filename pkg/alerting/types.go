package alerting

import (
	"fmt"
	"math"
	"time"

	"kb-health-agent/pkg/metrics"
)

type Operator string

const (
	OperatorGT  Operator = "gt"
	OperatorGTE Operator = "gte"
	OperatorLT  Operator = "lt"
	OperatorLTE Operator = "lte"
	OperatorEQ  Operator = "eq"
)

const eqTolerance = 1e-9

// Compare evaluates "value <op> threshold"
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OperatorGT:
		return value > threshold
	case OperatorGTE:
		return value >= threshold
	case OperatorLT:
		return value < threshold
	case OperatorLTE:
		return value <= threshold
	case OperatorEQ:
		return math.Abs(value-threshold) <= eqTolerance
	}
	return false
}

// Reduce collapses a window to one value: max for gt/gte, min for lt/lte, last for eq.
// points must be sorted by timestamp.
func (o Operator) Reduce(points []metrics.DataPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	switch o {
	case OperatorGT, OperatorGTE:
		v := points[0].Value
		for _, p := range points[1:] {
			v = math.Max(v, p.Value)
		}
		return v
	case OperatorLT, OperatorLTE:
		v := points[0].Value
		for _, p := range points[1:] {
			v = math.Min(v, p.Value)
		}
		return v
	}
	return points[len(points)-1].Value
}

// ordering reports whether the operator is an ordering comparison (not eq)
func (o Operator) ordering() bool {
	return o != OperatorEQ
}

func (o Operator) symbol() string {
	switch o {
	case OperatorGT:
		return ">"
	case OperatorGTE:
		return ">="
	case OperatorLT:
		return "<"
	case OperatorLTE:
		return "<="
	case OperatorEQ:
		return "=="
	}
	return string(o)
}

func (o Operator) valid() bool {
	switch o {
	case OperatorGT, OperatorGTE, OperatorLT, OperatorLTE, OperatorEQ:
		return true
	}
	return false
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for display priority (higher is more severe)
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// Rule is a threshold rule on one metric. Duration 0 evaluates every point as it arrives.
type Rule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Metric    string        `json:"metric"`
	Operator  Operator      `json:"operator"`
	Threshold float64       `json:"threshold"`
	Duration  time.Duration `json:"duration"`
	Severity  Severity      `json:"severity"`
	Enabled   bool          `json:"enabled"`
}

func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id cannot be empty")
	}
	if r.Metric == "" {
		return fmt.Errorf("rule %s: metric cannot be empty", r.ID)
	}
	if !r.Operator.valid() {
		return fmt.Errorf("rule %s: unsupported operator %q", r.ID, r.Operator)
	}
	if r.Severity.Rank() == 0 {
		return fmt.Errorf("rule %s: unsupported severity %q", r.ID, r.Severity)
	}
	if r.Duration < 0 {
		return fmt.Errorf("rule %s: negative duration", r.ID)
	}
	return nil
}

func (r Rule) immediate() bool {
	return r.Duration == 0
}

func (r Rule) describe(value float64) string {
	name := r.Name
	if name == "" {
		name = r.ID
	}
	if r.immediate() {
		return fmt.Sprintf("%s: %s = %.2f %s %.2f", name, r.Metric, value, r.Operator.symbol(), r.Threshold)
	}
	return fmt.Sprintf("%s: %s = %.2f %s %.2f over %v", name, r.Metric, value, r.Operator.symbol(), r.Threshold, r.Duration)
}

// Event is one firing of a rule. Only the resolved fields change after creation.
type Event struct {
	ID         string   `json:"id"`
	RuleID     string   `json:"ruleId"`
	Metric     string   `json:"metric"`
	Timestamp  int64    `json:"timestamp"`
	Severity   Severity `json:"severity"`
	Value      float64  `json:"value"`
	Threshold  float64  `json:"threshold"`
	Message    string   `json:"message"`
	Resolved   bool     `json:"resolved"`
	ResolvedAt int64    `json:"resolvedAt,omitempty"`
}
