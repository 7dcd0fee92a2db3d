package alerting

import (
	"time"

	"kb-health-agent/pkg/config"
)

// DefaultRules are used when the configuration defines none
func DefaultRules() []Rule {
	return []Rule{
		{ID: "slow-query-critical", Name: "Slow query", Metric: "query_duration", Operator: OperatorGT, Threshold: 5000, Severity: SeverityCritical, Enabled: true},
		{ID: "db-response-sustained", Name: "Database response time", Metric: "db_query_ms", Operator: OperatorGT, Threshold: 1000, Duration: time.Minute, Severity: SeverityWarning, Enabled: true},
		{ID: "cpu-high", Name: "High CPU usage", Metric: "cpu_usage_percent", Operator: OperatorGT, Threshold: 90, Duration: 5 * time.Minute, Severity: SeverityWarning, Enabled: true},
		{ID: "memory-critical", Name: "Memory exhaustion", Metric: "memory_usage_percent", Operator: OperatorGTE, Threshold: 95, Duration: 2 * time.Minute, Severity: SeverityCritical, Enabled: true},
		{ID: "cache-hit-low", Name: "Low cache hit ratio", Metric: "cache_hit_ratio", Operator: OperatorLT, Threshold: 0.5, Duration: 5 * time.Minute, Severity: SeverityWarning, Enabled: true},
	}
}

// RulesFromConfig converts configured rules; an empty list yields DefaultRules
func RulesFromConfig(cfgs []config.AlertRuleConfig) []Rule {
	if len(cfgs) == 0 {
		return DefaultRules()
	}
	rules := make([]Rule, 0, len(cfgs))
	for _, c := range cfgs {
		rules = append(rules, Rule{
			ID:        c.ID,
			Name:      c.Name,
			Metric:    c.Metric,
			Operator:  Operator(c.Operator),
			Threshold: c.Threshold,
			Duration:  c.Duration,
			Severity:  Severity(c.Severity),
			Enabled:   c.IsEnabled(),
		})
	}
	return rules
}
