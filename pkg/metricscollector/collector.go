package metricscollector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"k8s.io/klog/v2"

	"kb-health-agent/pkg/config"
	"kb-health-agent/pkg/metrics"
)

const (
	cpuMetric    = "cpu_usage_percent"
	memoryMetric = "memory_usage_percent"
)

// Recorder accepts the sampled values
type Recorder interface {
	Record(metric string, value float64, labels metrics.Labels)
}

// MetricsCollector samples host CPU and memory usage from procfs and records
// them as cpu_usage_percent and memory_usage_percent
type MetricsCollector struct {
	config   config.MetricsCollectorConfig
	recorder Recorder

	mu      sync.Mutex
	fs      *procfs.FS
	prevCPU *procfs.CPUStat
}

func NewMetricsCollector(cfg config.MetricsCollectorConfig, recorder Recorder) *MetricsCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = procfs.DefaultMountPoint
	}
	return &MetricsCollector{
		config:   cfg,
		recorder: recorder,
	}
}

// Start samples on the configured interval until ctx is done. A host without
// procfs disables the collector instead of failing.
func (mc *MetricsCollector) Start(ctx context.Context) error {
	if !mc.config.Enabled {
		klog.Info("Metrics collector is disabled")
		return nil
	}
	if err := mc.open(); err != nil {
		klog.Warningf("Metrics collector disabled: %v", err)
		return nil
	}

	klog.Infof("Starting metrics collector (interval %v)", mc.config.Interval)
	ticker := time.NewTicker(mc.config.Interval)
	defer ticker.Stop()

	mc.logSample()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			mc.logSample()
		}
	}
}

func (mc *MetricsCollector) open() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.fs != nil {
		return nil
	}
	fs, err := procfs.NewFS(mc.config.ProcRoot)
	if err != nil {
		return fmt.Errorf("failed to open procfs at %s: %w", mc.config.ProcRoot, err)
	}
	mc.fs = &fs
	return nil
}

func (mc *MetricsCollector) logSample() {
	if err := mc.Sample(); err != nil {
		klog.Errorf("Failed to sample host metrics: %v", err)
	}
}

// Sample records one memory reading and, from the second call on, the CPU
// usage since the previous call
func (mc *MetricsCollector) Sample() error {
	if err := mc.open(); err != nil {
		return err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	var errs []error
	if mem, err := mc.fs.Meminfo(); err != nil {
		errs = append(errs, fmt.Errorf("meminfo: %w", err))
	} else if pct, ok := memoryPercent(mem); ok {
		mc.recorder.Record(memoryMetric, pct, nil)
	}

	if stat, err := mc.fs.Stat(); err != nil {
		errs = append(errs, fmt.Errorf("stat: %w", err))
	} else {
		cur := stat.CPUTotal
		if mc.prevCPU != nil {
			if pct, ok := cpuPercent(*mc.prevCPU, cur); ok {
				mc.recorder.Record(cpuMetric, pct, nil)
			}
		}
		mc.prevCPU = &cur
	}

	return errors.Join(errs...)
}

func memoryPercent(mem procfs.Meminfo) (float64, bool) {
	if mem.MemTotal == nil || mem.MemAvailable == nil || *mem.MemTotal == 0 {
		return 0, false
	}
	total := float64(*mem.MemTotal)
	used := total - float64(*mem.MemAvailable)
	return 100 * used / total, true
}

func cpuPercent(prev, cur procfs.CPUStat) (float64, bool) {
	idle := func(s procfs.CPUStat) float64 { return s.Idle + s.Iowait }
	busy := func(s procfs.CPUStat) float64 {
		return s.User + s.Nice + s.System + s.IRQ + s.SoftIRQ + s.Steal
	}

	busyDelta := busy(cur) - busy(prev)
	total := busyDelta + idle(cur) - idle(prev)
	if total <= 0 || busyDelta < 0 {
		return 0, false
	}
	return 100 * busyDelta / total, true
}
