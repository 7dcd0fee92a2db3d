package retention

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"kb-health-agent/pkg/events"
	"kb-health-agent/pkg/metrics"
)

type PointPruner interface {
	DeleteBefore(ctx context.Context, metric string, cutoff int64) (int64, error)
}

type BucketPruner interface {
	DeleteBucketsBefore(ctx context.Context, cutoff int64) (int64, error)
}

// AlertPruner must only ever delete resolved events
type AlertPruner interface {
	DeleteResolvedBefore(ctx context.Context, cutoff int64) (int64, error)
}

type HistoryPruner interface {
	DeleteBottlenecksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Compactor interface {
	Compact(ctx context.Context) error
}

type StatWriter interface {
	SetSystemStat(ctx context.Context, statName, value string) error
}

// Stores groups the durable operations the manager needs. Nil members are skipped.
type Stores struct {
	Points    PointPruner
	Buckets   BucketPruner
	Alerts    AlertPruner
	History   HistoryPruner
	Compactor Compactor
	Stats     StatWriter
}

type Config struct {
	Enabled                bool
	Interval               time.Duration
	AggregateRetentionDays int
	AlertRetentionDays     int
	CompactAfterCleanup    bool
}

// CleanupReport describes one cleanup cycle
type CleanupReport struct {
	StartedAt          time.Time        `json:"startedAt"`
	Duration           time.Duration    `json:"duration"`
	PointsDeleted      map[string]int64 `json:"pointsDeleted"`
	BucketsDeleted     int64            `json:"bucketsDeleted"`
	AlertsDeleted      int64            `json:"alertsDeleted"`
	BottlenecksDeleted int64            `json:"bottlenecksDeleted"`
	Compacted          bool             `json:"compacted"`
	Errors             []string         `json:"errors,omitempty"`
}

// TotalDeleted sums every deleted row
func (r CleanupReport) TotalDeleted() int64 {
	total := r.BucketsDeleted + r.AlertsDeleted + r.BottlenecksDeleted
	for _, n := range r.PointsDeleted {
		total += n
	}
	return total
}

// Manager deletes records past their retention horizon and compacts the store
type Manager struct {
	config   Config
	registry *metrics.Registry
	stores   Stores
	bus      *events.Bus
	now      func() time.Time

	mu         sync.RWMutex
	lastReport *CleanupReport
}

func New(config Config, registry *metrics.Registry, stores Stores, bus *events.Bus) *Manager {
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	if config.AggregateRetentionDays <= 0 {
		config.AggregateRetentionDays = 90
	}
	if config.AlertRetentionDays <= 0 {
		config.AlertRetentionDays = 30
	}
	return &Manager{
		config:   config,
		registry: registry,
		stores:   stores,
		bus:      bus,
		now:      time.Now,
	}
}

// Run cleans up on the configured cadence until ctx is done
func (m *Manager) Run(ctx context.Context) error {
	if !m.config.Enabled {
		klog.Info("Retention cleanup is disabled")
		<-ctx.Done()
		return nil
	}

	klog.Infof("Starting retention manager (interval %v)", m.config.Interval)
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Cleanup(ctx)
		}
	}
}

// Cleanup runs one cycle. Each step is independent; a failing step is
// recorded in the report and the remaining steps still run.
func (m *Manager) Cleanup(ctx context.Context) CleanupReport {
	now := m.now()
	report := CleanupReport{
		StartedAt:     now,
		PointsDeleted: make(map[string]int64),
	}
	fail := func(step string, err error) {
		klog.Errorf("Retention step %s failed: %v", step, err)
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", step, err))
	}

	if m.stores.Points != nil {
		for _, def := range m.registry.List() {
			cutoff := now.AddDate(0, 0, -def.RetentionDays).UnixMilli()
			n, err := m.stores.Points.DeleteBefore(ctx, def.Name, cutoff)
			if err != nil {
				fail("raw points "+def.Name, err)
				continue
			}
			if n > 0 {
				report.PointsDeleted[def.Name] = n
			}
		}
	}

	if m.stores.Buckets != nil {
		cutoff := now.AddDate(0, 0, -m.config.AggregateRetentionDays).UnixMilli()
		n, err := m.stores.Buckets.DeleteBucketsBefore(ctx, cutoff)
		if err != nil {
			fail("aggregates", err)
		}
		report.BucketsDeleted = n
	}

	alertCutoff := now.AddDate(0, 0, -m.config.AlertRetentionDays)
	if m.stores.Alerts != nil {
		n, err := m.stores.Alerts.DeleteResolvedBefore(ctx, alertCutoff.UnixMilli())
		if err != nil {
			fail("alerts", err)
		}
		report.AlertsDeleted = n
	}

	if m.stores.History != nil {
		n, err := m.stores.History.DeleteBottlenecksBefore(ctx, alertCutoff)
		if err != nil {
			fail("bottleneck history", err)
		}
		report.BottlenecksDeleted = n
	}

	if m.config.CompactAfterCleanup && m.stores.Compactor != nil && report.TotalDeleted() > 0 {
		if err := m.stores.Compactor.Compact(ctx); err != nil {
			fail("compact", err)
		} else {
			report.Compacted = true
		}
	}

	report.Duration = time.Since(now)
	if m.stores.Stats != nil {
		if err := m.stores.Stats.SetSystemStat(ctx, "last_cleanup_at", strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
			klog.Warningf("Failed to record cleanup time: %v", err)
		}
	}

	m.mu.Lock()
	m.lastReport = &report
	m.mu.Unlock()

	klog.Infof("Retention cleanup removed %d rows (%d errors)", report.TotalDeleted(), len(report.Errors))
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:    events.EventTypeCleanupDone,
			Source:  "retention",
			Count:   int(report.TotalDeleted()),
			Payload: report,
		})
	}
	return report
}

// LastReport returns the most recent cleanup report, nil before the first run
func (m *Manager) LastReport() *CleanupReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReport
}
