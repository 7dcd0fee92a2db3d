package dashboard

import (
	"time"

	"kb-health-agent/pkg/alerting"
	"kb-health-agent/pkg/analyzer"
	"kb-health-agent/pkg/ingest"
	"kb-health-agent/pkg/query"
)

// Summary is the cached overview served by /api/summary and the index page
type Summary struct {
	Status          query.RealtimeStatus      `json:"status"`
	Components      []analyzer.ComponentHealth `json:"components"`
	ActiveAlerts    []alerting.Event           `json:"activeAlerts"`
	Bottlenecks     []analyzer.Bottleneck      `json:"bottlenecks"`
	Recommendations []analyzer.Recommendation  `json:"recommendations"`
	Ingestion       ingest.Stats               `json:"ingestion"`
	LastUpdated     time.Time                  `json:"lastUpdated"`
}

// APIError is the body of every non-2xx JSON response
type APIError struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
