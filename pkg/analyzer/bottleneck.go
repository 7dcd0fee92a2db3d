package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"kb-health-agent/pkg/events"
	"kb-health-agent/pkg/metrics"
)

// ErrRecommendationNotFound is returned when applying an unknown recommendation
var ErrRecommendationNotFound = errors.New("recommendation not found")

// Reader supplies the most recent raw points of a metric in ascending order
type Reader interface {
	RecentPoints(ctx context.Context, metric string, n int) ([]metrics.DataPoint, error)
}

// Store persists detection history and applied optimizations
type Store interface {
	SaveBottlenecks(ctx context.Context, bottlenecks []Bottleneck) error
	SaveOptimization(ctx context.Context, opt AppliedOptimization) error
}

// Remediator performs an automated fix for one component
type Remediator interface {
	Remediate(ctx context.Context, rec Recommendation) (string, error)
}

type Config struct {
	Interval          time.Duration
	PredictionHorizon time.Duration
}

// Analyzer detects component bottlenecks from recent raw samples and ranks
// the matching recommendations.
type Analyzer struct {
	config  Config
	rules   []Rule
	reader  Reader
	store   Store
	advisor Advisor
	bus     *events.Bus
	health  *HealthTracker
	now     func() time.Time
	newID   func() string

	mu              sync.RWMutex
	bottlenecks     []Bottleneck
	recommendations []Recommendation
	remediators     map[string]Remediator
}

// New creates an analyzer. store, advisor and bus may be nil.
func New(config Config, rules []Rule, reader Reader, store Store, advisor Advisor, bus *events.Bus) *Analyzer {
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.PredictionHorizon <= 0 {
		config.PredictionHorizon = 5 * time.Minute
	}
	return &Analyzer{
		config:      config,
		rules:       rules,
		reader:      reader,
		store:       store,
		advisor:     advisor,
		bus:         bus,
		health:      NewHealthTracker(rules),
		now:         time.Now,
		newID:       uuid.NewString,
		remediators: make(map[string]Remediator),
	}
}

// Health returns the tracker fed by accepted points
func (a *Analyzer) Health() *HealthTracker {
	return a.health
}

// RegisterRemediator installs an automated fix for a component
func (a *Analyzer) RegisterRemediator(component string, r Remediator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remediators[component] = r
}

// Run detects bottlenecks on the configured cadence until ctx is done
func (a *Analyzer) Run(ctx context.Context) error {
	klog.Infof("Starting bottleneck analyzer (interval %v)", a.config.Interval)
	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.Info("Bottleneck analyzer stopped")
			return nil
		case <-ticker.C:
			a.DetectBottlenecks(ctx)
		}
	}
}

// DetectBottlenecks evaluates every rule against its most recent samples.
// A rule whose samples cannot be read is skipped. The result supersedes the
// previous run.
func (a *Analyzer) DetectBottlenecks(ctx context.Context) []Bottleneck {
	now := a.now()
	var found []Bottleneck

	for _, r := range a.rules {
		points, err := a.reader.RecentPoints(ctx, r.Metric, r.Samples)
		if err != nil {
			klog.Errorf("Failed to read samples of %s: %v", r.Metric, err)
			continue
		}
		if len(points) == 0 {
			continue
		}
		if b, ok := a.evaluate(r, points, now); ok {
			found = append(found, b)
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Severity.Rank() != found[j].Severity.Rank() {
			return found[i].Severity.Rank() > found[j].Severity.Rank()
		}
		return found[i].Impact.PerformanceDegradation > found[j].Impact.PerformanceDegradation
	})

	recs := a.buildRecommendations(found)
	if a.advisor != nil && len(recs) > 0 {
		a.advise(ctx, found, &recs[0])
	}

	a.mu.Lock()
	a.bottlenecks = found
	a.recommendations = recs
	a.mu.Unlock()

	if len(found) == 0 {
		klog.V(2).Info("No bottlenecks detected")
		return found
	}

	klog.Infof("Detected %d bottlenecks", len(found))
	if a.store != nil {
		if err := a.store.SaveBottlenecks(ctx, found); err != nil {
			klog.Errorf("Failed to save bottleneck history: %v", err)
		}
	}
	if a.bus != nil {
		a.bus.Publish(events.Event{
			Type:    events.EventTypeBottleneckDetected,
			Source:  "analyzer",
			Count:   len(found),
			Payload: found,
		})
	}
	return found
}

func (a *Analyzer) evaluate(r Rule, points []metrics.DataPoint, now time.Time) (Bottleneck, bool) {
	avg := metrics.Mean(points)
	if !r.breached(avg) {
		return Bottleneck{}, false
	}

	summary := metrics.Summarize(points)
	latest := points[len(points)-1].Value
	severity := r.severity(avg)
	trend := computeTrend(points, r.Direction, a.config.PredictionHorizon)

	tier := impactFromSeverity(severity)
	userImpact := tier
	if r.UserFacing {
		userImpact = tier.raise(1)
	}

	root := RootCause{Cause: "Unknown", Confidence: 0}
	if len(r.Causes) > 0 {
		root.Cause = r.Causes[0].Cause
		root.Confidence = r.Causes[0].Confidence
		for _, c := range r.Causes[1:] {
			root.Alternatives = append(root.Alternatives, c.Cause)
		}
	}

	return Bottleneck{
		ID:        a.newID(),
		Component: r.Component,
		Metric:    r.Metric,
		Severity:  severity,
		Description: fmt.Sprintf("%s %s averaged %.2f over the last %d samples (warning %.2f, critical %.2f)",
			r.Component, r.Metric, avg, len(points), r.Warning, r.Critical),
		Metrics: []MetricSnapshot{{
			Metric:   r.Metric,
			Average:  avg,
			Latest:   latest,
			Samples:  len(points),
			Warning:  r.Warning,
			Critical: r.Critical,
			P95:      summary.P95,
		}},
		Impact: Impact{
			AffectedComponents:     append([]string(nil), r.Downstream...),
			PerformanceDegradation: r.degradation(avg),
			UserImpact:             userImpact,
			BusinessImpact:         tier,
		},
		RootCause:  root,
		Trend:      trend,
		DetectedAt: now,
	}, true
}

func (a *Analyzer) advise(ctx context.Context, found []Bottleneck, rec *Recommendation) {
	for _, b := range found {
		if b.ID != rec.BottleneckID {
			continue
		}
		advice, err := a.advisor.Advise(ctx, b, *rec)
		if err != nil {
			klog.Warningf("Advisor failed for %s: %v", b.Component, err)
			return
		}
		rec.Advice = advice
		return
	}
}

// Bottlenecks returns the result of the latest detection run
func (a *Analyzer) Bottlenecks() []Bottleneck {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Bottleneck(nil), a.bottlenecks...)
}

// Recommendations returns the ranked recommendations of the latest detection run
func (a *Analyzer) Recommendations() []Recommendation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Recommendation(nil), a.recommendations...)
}

// ApplyOptimization records that a recommendation was acted upon and runs the
// component's remediator when one is registered.
func (a *Analyzer) ApplyOptimization(ctx context.Context, recommendationID string) (AppliedOptimization, error) {
	a.mu.RLock()
	var rec *Recommendation
	for i := range a.recommendations {
		if a.recommendations[i].ID == recommendationID {
			r := a.recommendations[i]
			rec = &r
			break
		}
	}
	remediator := a.remediators[componentOf(rec)]
	a.mu.RUnlock()

	if rec == nil {
		return AppliedOptimization{}, fmt.Errorf("%w: %s", ErrRecommendationNotFound, recommendationID)
	}

	opt := AppliedOptimization{
		ID:               a.newID(),
		RecommendationID: rec.ID,
		BottleneckID:     rec.BottleneckID,
		Component:        rec.Component,
		Title:            rec.Title,
		Status:           "recorded",
		AppliedAt:        a.now(),
	}
	if remediator != nil {
		detail, err := remediator.Remediate(ctx, *rec)
		if err != nil {
			klog.Errorf("Remediation of %s failed: %v", rec.Component, err)
			opt.Status = "failed"
			opt.Detail = err.Error()
		} else {
			opt.Status = "applied"
			opt.Detail = detail
		}
	}

	if a.store != nil {
		if err := a.store.SaveOptimization(ctx, opt); err != nil {
			return opt, fmt.Errorf("failed to record optimization: %w", err)
		}
	}

	klog.Infof("Optimization %q for %s: %s", opt.Title, opt.Component, opt.Status)
	if a.bus != nil {
		a.bus.Publish(events.Event{
			Type:    events.EventTypeOptimizationApplied,
			Source:  "analyzer",
			Payload: opt,
		})
	}
	return opt, nil
}

func componentOf(rec *Recommendation) string {
	if rec == nil {
		return ""
	}
	return rec.Component
}

func impactFromSeverity(s Severity) ImpactTier {
	switch s {
	case SeverityCritical:
		return ImpactCritical
	case SeverityHigh:
		return ImpactHigh
	case SeverityMedium:
		return ImpactMedium
	}
	return ImpactLow
}
