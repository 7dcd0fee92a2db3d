package dashboard

import (
	"fmt"
	"html/template"
	"strconv"
	"time"
)

// GetTemplateFuncs returns template functions for HTML rendering
func GetTemplateFuncs() template.FuncMap {
	return template.FuncMap{
		"formatTime":    formatTime,
		"formatFloat":   formatFloat,
		"formatPercent": formatPercent,
		"statusClass":   statusClass,
	}
}

// formatTime renders t relative to now for recent times
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return t.Format("2006-01-02 15:04:05")
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

// formatPercent renders a 0..1 ratio as a percentage
func formatPercent(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 1, 64) + "%"
}

// statusClass maps health and severity names to a CSS class
func statusClass(s interface{}) string {
	switch fmt.Sprint(s) {
	case "healthy", "info", "low":
		return "ok"
	case "warning", "medium":
		return "warn"
	case "critical", "high":
		return "bad"
	}
	return "unknown"
}
