package analyzer

import (
	"math"
	"sort"
	"sync"
	"time"

	"kb-health-agent/pkg/metrics"
)

const (
	healthHistory     = 60
	shortTermSamples  = 5
	healthyScoreFloor = 70
	warningScoreFloor = 30
)

// HealthTracker keeps a rolling health score per component. It is fed every
// accepted point and never reads the store.
type HealthTracker struct {
	mu         sync.RWMutex
	rules      map[string][]Rule
	byComp     map[string][]Rule
	components []string
	series     map[string][]float64
	health     map[string]ComponentHealth
	now        func() time.Time
}

func NewHealthTracker(rules []Rule) *HealthTracker {
	h := &HealthTracker{
		rules:  make(map[string][]Rule),
		byComp: make(map[string][]Rule),
		series: make(map[string][]float64),
		health: make(map[string]ComponentHealth),
		now:    time.Now,
	}
	for _, r := range rules {
		h.rules[r.Metric] = append(h.rules[r.Metric], r)
		if _, ok := h.byComp[r.Component]; !ok {
			h.components = append(h.components, r.Component)
		}
		h.byComp[r.Component] = append(h.byComp[r.Component], r)
	}
	sort.Strings(h.components)
	return h
}

// Observe folds a point into its component's health
func (h *HealthTracker) Observe(p metrics.DataPoint) {
	rules, ok := h.rules[p.Metric]
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s := append(h.series[p.Metric], p.Value)
	if len(s) > healthHistory {
		s = append([]float64(nil), s[len(s)-healthHistory:]...)
	}
	h.series[p.Metric] = s

	seen := make(map[string]bool)
	for _, r := range rules {
		if seen[r.Component] {
			continue
		}
		seen[r.Component] = true
		h.health[r.Component] = h.computeLocked(r.Component)
	}
}

// computeLocked scores a component by its worst rule
func (h *HealthTracker) computeLocked(component string) ComponentHealth {
	out := ComponentHealth{
		Component:      component,
		Score:          100,
		Status:         StatusUnknown,
		ShortTermTrend: TrendStable,
		LongTermTrend:  TrendStable,
		UpdatedAt:      h.now(),
	}

	worst := math.Inf(1)
	for _, r := range h.byComp[component] {
		s := h.series[r.Metric]
		if len(s) == 0 {
			continue
		}
		recent := s[max(0, len(s)-shortTermSamples):]
		score := r.score(meanOf(recent))
		if score >= worst {
			continue
		}
		worst = score
		out.Score = math.Round(score*10) / 10
		out.Metric = r.Metric
		out.Samples = len(s)

		var prev []float64
		if len(s) > shortTermSamples {
			prev = s[max(0, len(s)-2*shortTermSamples) : len(s)-shortTermSamples]
		}
		out.ShortTermTrend, _ = compareWindows(prev, recent, r.Direction)
		if k := len(s) / 3; k > 0 {
			out.LongTermTrend, _ = compareWindows(s[:k], s[len(s)-k:], r.Direction)
		}
	}
	if math.IsInf(worst, 1) {
		return out
	}

	switch {
	case worst >= healthyScoreFloor:
		out.Status = StatusHealthy
	case worst >= warningScoreFloor:
		out.Status = StatusWarning
	default:
		out.Status = StatusCritical
	}
	return out
}

// Component returns the health of one component; unknown when it has no data
func (h *HealthTracker) Component(name string) ComponentHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ch, ok := h.health[name]; ok {
		return ch
	}
	return ComponentHealth{Component: name, Score: 100, Status: StatusUnknown, ShortTermTrend: TrendStable, LongTermTrend: TrendStable}
}

// Snapshot returns every tracked component ordered by name
func (h *HealthTracker) Snapshot() []ComponentHealth {
	out := make([]ComponentHealth, 0, len(h.components))
	for _, c := range h.components {
		out = append(out, h.Component(c))
	}
	return out
}
