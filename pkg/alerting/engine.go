package alerting

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

// ErrRuleEvaluation marks a rule that could not be evaluated this cycle
var ErrRuleEvaluation = errors.New("rule evaluation failed")

// errNoData marks a rule whose metric has no points to evaluate
var errNoData = fmt.Errorf("%w: no data", ErrRuleEvaluation)

// Reader supplies raw points, buffered and stored
type Reader interface {
	PointsInRange(ctx context.Context, metric string, start, end int64) ([]metrics.DataPoint, error)
	RecentPoints(ctx context.Context, metric string, n int) ([]metrics.DataPoint, error)
}

// Store persists alert events
type Store interface {
	SaveEvents(ctx context.Context, events []Event) error
	ListUnresolved(ctx context.Context) ([]Event, error)
}

type Config struct {
	// Coverage is the fraction of a rule's duration the samples must span
	// before a duration rule may fire.
	Coverage float64
}

// EvaluationResult summarizes one periodic pass
type EvaluationResult struct {
	Evaluated int `json:"evaluated"`
	Fired     int `json:"fired"`
	Resolved  int `json:"resolved"`
	Errors    int `json:"errors"`
}

// Engine evaluates threshold rules on two paths: Observe for duration-0 rules
// on every accepted point, Evaluate for every rule on the aggregation cadence.
// At most one unresolved event exists per rule.
type Engine struct {
	config Config
	reader Reader
	store  Store
	bus    *events.Bus
	now    func() time.Time
	newID  func() string

	mu        sync.Mutex
	rules     []Rule
	immediate map[string][]Rule
	open      map[string]*Event
	pending   map[string]Event
}

func NewEngine(config Config, reader Reader, store Store, bus *events.Bus) *Engine {
	if config.Coverage < 0 || config.Coverage > 1 {
		config.Coverage = 0.8
	}
	return &Engine{
		config:    config,
		reader:    reader,
		store:     store,
		bus:       bus,
		now:       time.Now,
		newID:     uuid.NewString,
		immediate: make(map[string][]Rule),
		open:      make(map[string]*Event),
		pending:   make(map[string]Event),
	}
}

// SetRules validates and replaces the rule set. Open events of rules that are
// no longer present or are disabled are resolved.
func (e *Engine) SetRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	active := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id: %s", r.ID)
		}
		seen[r.ID] = true
		active[r.ID] = r.Enabled
	}

	immediate := make(map[string][]Rule)
	for _, r := range rules {
		if r.Enabled && r.immediate() {
			immediate[r.Metric] = append(immediate[r.Metric], r)
		}
	}

	e.mu.Lock()
	e.rules = append([]Rule(nil), rules...)
	e.immediate = immediate
	var resolved []Event
	for ruleID := range e.open {
		if !active[ruleID] {
			resolved = append(resolved, e.resolveLocked(ruleID, e.now().UnixMilli()))
		}
	}
	e.mu.Unlock()

	for _, ev := range resolved {
		e.publish(events.EventTypeAlertResolved, ev)
	}
	klog.Infof("Loaded %d alert rules", len(rules))
	return nil
}

// Rules returns the current rule set
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Rule(nil), e.rules...)
}

// Load fills the open index from the store
func (e *Engine) Load(ctx context.Context) error {
	unresolved, err := e.store.ListUnresolved(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range unresolved {
		ev := unresolved[i]
		if _, ok := e.open[ev.RuleID]; ok {
			continue
		}
		e.open[ev.RuleID] = &ev
	}
	klog.V(2).Infof("Loaded %d open alerts", len(e.open))
	return nil
}

// Observe runs the immediate path for an accepted point. It never touches the store.
func (e *Engine) Observe(point metrics.DataPoint) {
	var fired []Event

	e.mu.Lock()
	for _, r := range e.immediate[point.Metric] {
		if !r.Operator.Compare(point.Value, r.Threshold) {
			continue
		}
		if ev, ok := e.fireLocked(r, point.Value, point.Timestamp); ok {
			fired = append(fired, ev)
		}
	}
	e.mu.Unlock()

	for _, ev := range fired {
		klog.Warningf("Alert triggered: %s", ev.Message)
		e.publish(events.EventTypeAlertTriggered, ev)
	}
}

// Evaluate runs the periodic path over every enabled rule. A rule that fails
// is logged and skipped.
func (e *Engine) Evaluate(ctx context.Context) EvaluationResult {
	var result EvaluationResult
	for _, r := range e.Rules() {
		if !r.Enabled {
			continue
		}
		result.Evaluated++

		firing, value, err := e.evaluateRule(ctx, r)
		if errors.Is(err, errNoData) {
			result.Errors++
			klog.V(2).Infof("Skipping alert rule %s: %v", r.ID, err)
			continue
		}
		if err != nil {
			result.Errors++
			klog.Warningf("Skipping alert rule %s: %v", r.ID, err)
			continue
		}

		now := e.now().UnixMilli()
		e.mu.Lock()
		var ev Event
		var fired, resolved bool
		if firing {
			ev, fired = e.fireLocked(r, value, now)
		} else if _, ok := e.open[r.ID]; ok {
			ev, resolved = e.resolveLocked(r.ID, now), true
		}
		e.mu.Unlock()

		switch {
		case fired:
			result.Fired++
			klog.Warningf("Alert triggered: %s", ev.Message)
			e.publish(events.EventTypeAlertTriggered, ev)
		case resolved:
			result.Resolved++
			klog.Infof("Alert resolved: rule %s", r.ID)
			e.publish(events.EventTypeAlertResolved, ev)
		}
	}
	klog.V(2).Infof("Alert evaluation: %+v", result)
	return result
}

// evaluateRule reports whether the rule's condition holds now and the value it
// would record.
func (e *Engine) evaluateRule(ctx context.Context, r Rule) (firing bool, value float64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrRuleEvaluation, p)
		}
	}()

	if r.immediate() {
		latest, err := e.reader.RecentPoints(ctx, r.Metric, 1)
		if err != nil {
			return false, 0, fmt.Errorf("%w: %w", ErrRuleEvaluation, err)
		}
		if len(latest) == 0 {
			return false, 0, fmt.Errorf("%w: %s", errNoData, r.Metric)
		}
		v := latest[0].Value
		return r.Operator.Compare(v, r.Threshold), v, nil
	}

	now := e.now().UnixMilli()
	window := r.Duration.Milliseconds()
	points, err := e.reader.PointsInRange(ctx, r.Metric, now-window, now+1)
	if err != nil {
		return false, 0, fmt.Errorf("%w: %w", ErrRuleEvaluation, err)
	}
	if len(points) == 0 {
		return false, 0, fmt.Errorf("%w: %s in the last %v", errNoData, r.Metric, r.Duration)
	}
	return sustained(r, points, e.config.Coverage)
}

// sustained applies the hysteresis condition to a window of points sorted by time
func sustained(r Rule, points []metrics.DataPoint, coverage float64) (bool, float64, error) {
	reduced := r.Operator.Reduce(points)

	span := points[len(points)-1].Timestamp - points[0].Timestamp
	if float64(span) < coverage*float64(r.Duration.Milliseconds()) {
		return false, reduced, nil
	}
	if !r.Operator.Compare(reduced, r.Threshold) {
		return false, reduced, nil
	}
	if r.Operator.ordering() && !r.Operator.Compare(metrics.Mean(points), r.Threshold) {
		return false, reduced, nil
	}
	return true, reduced, nil
}

func (e *Engine) fireLocked(r Rule, value float64, ts int64) (Event, bool) {
	if _, ok := e.open[r.ID]; ok {
		return Event{}, false
	}
	ev := Event{
		ID:        e.newID(),
		RuleID:    r.ID,
		Metric:    r.Metric,
		Timestamp: ts,
		Severity:  r.Severity,
		Value:     value,
		Threshold: r.Threshold,
		Message:   r.describe(value),
	}
	e.open[r.ID] = &ev
	e.pending[ev.ID] = ev
	return ev, true
}

func (e *Engine) resolveLocked(ruleID string, ts int64) Event {
	ev := e.open[ruleID]
	delete(e.open, ruleID)
	ev.Resolved = true
	ev.ResolvedAt = ts
	e.pending[ev.ID] = *ev
	return *ev
}

// PersistPending writes queued creations and resolutions in one transaction.
// On failure they stay queued for the next cycle.
func (e *Engine) PersistPending(ctx context.Context) error {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return nil
	}
	batch := make([]Event, 0, len(e.pending))
	for _, ev := range e.pending {
		batch = append(batch, ev)
	}
	e.pending = make(map[string]Event)
	e.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Timestamp < batch[j].Timestamp })
	if err := e.store.SaveEvents(ctx, batch); err != nil {
		e.mu.Lock()
		for _, ev := range batch {
			// a newer state queued meanwhile wins
			if _, ok := e.pending[ev.ID]; !ok {
				e.pending[ev.ID] = ev
			}
		}
		e.mu.Unlock()
		klog.Errorf("Failed to persist %d alert events, will retry: %v", len(batch), err)
		return err
	}
	klog.V(2).Infof("Persisted %d alert events", len(batch))
	return nil
}

// ActiveAlerts returns open events, most severe first then newest first
func (e *Engine) ActiveAlerts() []Event {
	e.mu.Lock()
	out := make([]Event, 0, len(e.open))
	for _, ev := range e.open {
		out = append(out, *ev)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].Timestamp > out[j].Timestamp
	})
	return out
}

func (e *Engine) publish(t events.EventType, ev Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{Type: t, Source: "alerting", Payload: ev})
}
