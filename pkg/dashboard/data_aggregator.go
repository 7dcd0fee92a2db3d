package dashboard

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"kb-health-agent/pkg/alerting"
	"kb-health-agent/pkg/analyzer"
)

const defaultRefreshInterval = 30 * time.Second

// DataAggregator keeps a cached Summary so page loads do not hit the store
type DataAggregator struct {
	backend  Backend
	interval time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	summary *Summary
}

func NewDataAggregator(backend Backend, interval time.Duration) *DataAggregator {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &DataAggregator{
		backend:  backend,
		interval: interval,
		now:      time.Now,
	}
}

// Start refreshes the summary on the configured interval until ctx is done
func (da *DataAggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(da.interval)
	defer ticker.Stop()

	da.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			da.Refresh(ctx)
		}
	}
}

// Refresh rebuilds the cached summary from the backend
func (da *DataAggregator) Refresh(ctx context.Context) Summary {
	klog.V(4).Info("Refreshing dashboard summary")

	summary := Summary{
		Status:          da.backend.RealtimeStatus(ctx),
		Components:      da.backend.ComponentHealth(),
		ActiveAlerts:    da.backend.ActiveAlerts(),
		Bottlenecks:     da.backend.Bottlenecks(),
		Recommendations: da.backend.OptimizationRecommendations(),
		Ingestion:       da.backend.Stats(),
		LastUpdated:     da.now(),
	}
	if summary.Components == nil {
		summary.Components = []analyzer.ComponentHealth{}
	}
	if summary.ActiveAlerts == nil {
		summary.ActiveAlerts = []alerting.Event{}
	}
	if summary.Bottlenecks == nil {
		summary.Bottlenecks = []analyzer.Bottleneck{}
	}
	if summary.Recommendations == nil {
		summary.Recommendations = []analyzer.Recommendation{}
	}

	da.mu.Lock()
	da.summary = &summary
	da.mu.Unlock()
	return summary
}

// GetSummary returns the cached summary, refreshing it when missing or stale
func (da *DataAggregator) GetSummary(ctx context.Context) Summary {
	da.mu.RLock()
	cached := da.summary
	da.mu.RUnlock()

	if cached == nil || da.now().Sub(cached.LastUpdated) > da.interval {
		return da.Refresh(ctx)
	}
	return *cached
}
