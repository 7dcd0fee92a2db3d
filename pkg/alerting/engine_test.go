package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"kb-health-agent/pkg/events"
	"kb-health-agent/pkg/metrics"
)

type fakeReader struct {
	mu     sync.Mutex
	points []metrics.DataPoint
	errFor map[string]error
}

func (r *fakeReader) add(metric string, ts int64, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, metrics.DataPoint{Seq: int64(len(r.points) + 1), Metric: metric, Timestamp: ts, Value: value})
}

func (r *fakeReader) PointsInRange(_ context.Context, metric string, start, end int64) ([]metrics.DataPoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errFor[metric]; err != nil {
		return nil, err
	}
	var out []metrics.DataPoint
	for _, p := range r.points {
		if p.Metric == metric && p.Timestamp >= start && p.Timestamp < end {
			out = append(out, p)
		}
	}
	metrics.SortPoints(out)
	return out, nil
}

func (r *fakeReader) RecentPoints(ctx context.Context, metric string, n int) ([]metrics.DataPoint, error) {
	all, err := r.PointsInRange(ctx, metric, -1<<62, 1<<62)
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

type fakeStore struct {
	mu     sync.Mutex
	fail   bool
	saved  map[string]Event
	writes int
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string]Event)}
}

func (s *fakeStore) SaveEvents(_ context.Context, evs []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("database is locked")
	}
	s.writes++
	for _, ev := range evs {
		s.saved[ev.ID] = ev
	}
	return nil
}

func (s *fakeStore) ListUnresolved(context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.saved {
		if !ev.Resolved {
			out = append(out, ev)
		}
	}
	return out, nil
}

type testClock struct{ now int64 }

func (c *testClock) time() time.Time { return time.UnixMilli(c.now) }

func newTestEngine(t *testing.T, reader Reader, store Store, bus *events.Bus, rules ...Rule) (*Engine, *testClock) {
	t.Helper()
	clock := &testClock{now: 1_700_000_000_000}
	e := NewEngine(Config{Coverage: 0.8}, reader, store, bus)
	e.now = clock.time
	ids := 0
	e.newID = func() string {
		ids++
		return fmt.Sprintf("alert-%d", ids)
	}
	if err := e.SetRules(rules); err != nil {
		t.Fatalf("SetRules failed: %v", err)
	}
	return e, clock
}

func sustainedRule() Rule {
	return Rule{ID: "latency", Metric: "db_query_ms", Operator: OperatorGT, Threshold: 100, Duration: 60 * time.Second, Severity: SeverityWarning, Enabled: true}
}

func TestSingleSpikeDoesNotFire(t *testing.T) {
	tests := []struct {
		name   string
		values func(now int64, r *fakeReader)
	}{
		{
			name: "lone spike sample",
			values: func(now int64, r *fakeReader) {
				r.add("db_query_ms", now-1000, 150)
			},
		},
		{
			name: "spike among normal samples",
			values: func(now int64, r *fakeReader) {
				for i := int64(0); i <= 12; i++ {
					v := 50.0
					if i == 6 {
						v = 150
					}
					r.add("db_query_ms", now-60000+i*5000, v)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &fakeReader{}
			e, clock := newTestEngine(t, reader, newFakeStore(), nil, sustainedRule())
			tt.values(clock.now, reader)

			result := e.Evaluate(context.Background())
			if result.Fired != 0 || len(e.ActiveAlerts()) != 0 {
				t.Errorf("Expected no alert, got %+v", result)
			}
		})
	}
}

func TestSustainedBreachFiresOnceAndResolvesOnce(t *testing.T) {
	reader := &fakeReader{}
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(10, events.EventTypeAlertTriggered, events.EventTypeAlertResolved)
	defer cancel()

	e, clock := newTestEngine(t, reader, newFakeStore(), bus, sustainedRule())
	start := clock.now - 60000
	for i := int64(0); i <= 12; i++ {
		reader.add("db_query_ms", start+i*5000, 120+float64(i%3))
	}

	for i := 0; i < 3; i++ {
		e.Evaluate(context.Background())
	}
	active := e.ActiveAlerts()
	if len(active) != 1 {
		t.Fatalf("Expected exactly one open alert, got %d", len(active))
	}
	if active[0].Value != 122 || active[0].Threshold != 100 || active[0].Severity != SeverityWarning {
		t.Errorf("Unexpected event %+v", active[0])
	}

	// the next minute averages below the threshold
	clock.now += 60000
	for i := int64(1); i <= 12; i++ {
		reader.add("db_query_ms", clock.now-60000+i*5000, 80)
	}
	for i := 0; i < 3; i++ {
		e.Evaluate(context.Background())
	}
	if len(e.ActiveAlerts()) != 0 {
		t.Fatal("Expected alert resolved")
	}

	var triggered, resolved int
	for len(ch) > 0 {
		ev := <-ch
		switch ev.Type {
		case events.EventTypeAlertTriggered:
			triggered++
		case events.EventTypeAlertResolved:
			resolved++
			if payload := ev.Payload.(Event); !payload.Resolved || payload.ResolvedAt != clock.now {
				t.Errorf("Unexpected resolved payload %+v", payload)
			}
		}
	}
	if triggered != 1 || resolved != 1 {
		t.Errorf("Expected 1 trigger and 1 resolve, got %d and %d", triggered, resolved)
	}
}

func TestLowerOperatorsReduceByMin(t *testing.T) {
	reader := &fakeReader{}
	rule := Rule{ID: "cache", Metric: "cache_hit_ratio", Operator: OperatorLT, Threshold: 0.5, Duration: time.Minute, Severity: SeverityWarning, Enabled: true}
	e, clock := newTestEngine(t, reader, newFakeStore(), nil, rule)
	for i := int64(0); i <= 6; i++ {
		reader.add("cache_hit_ratio", clock.now-60000+i*10000, 0.3+float64(i)*0.01)
	}

	e.Evaluate(context.Background())
	active := e.ActiveAlerts()
	if len(active) != 1 || active[0].Value != 0.3 {
		t.Errorf("Expected alert with min value 0.3, got %+v", active)
	}
}

func TestImmediatePathFiresOnNextPoint(t *testing.T) {
	reader := &fakeReader{}
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(10, events.EventTypeAlertTriggered)
	defer cancel()

	rule := Rule{ID: "slow", Metric: "query_duration", Operator: OperatorGT, Threshold: 5000, Severity: SeverityCritical, Enabled: true}
	e, clock := newTestEngine(t, reader, newFakeStore(), bus, rule)

	e.Observe(metrics.DataPoint{Seq: 1, Metric: "query_duration", Timestamp: clock.now, Value: 4000})
	if len(e.ActiveAlerts()) != 0 {
		t.Fatal("Value below threshold must not fire")
	}

	e.Observe(metrics.DataPoint{Seq: 2, Metric: "query_duration", Timestamp: clock.now, Value: 6000})
	select {
	case ev := <-ch:
		payload := ev.Payload.(Event)
		if payload.RuleID != "slow" || payload.Value != 6000 || payload.Severity != SeverityCritical {
			t.Errorf("Unexpected payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected alert_triggered on the first breaching point")
	}

	e.Observe(metrics.DataPoint{Seq: 3, Metric: "query_duration", Timestamp: clock.now, Value: 7000})
	if got := len(e.ActiveAlerts()); got != 1 {
		t.Errorf("Expected no duplicate open event, got %d", got)
	}
}

func TestImmediateRuleResolvedByPeriodicPath(t *testing.T) {
	reader := &fakeReader{}
	rule := Rule{ID: "slow", Metric: "query_duration", Operator: OperatorGT, Threshold: 5000, Severity: SeverityCritical, Enabled: true}
	e, clock := newTestEngine(t, reader, newFakeStore(), nil, rule)

	reader.add("query_duration", clock.now, 6000)
	e.Observe(metrics.DataPoint{Seq: 1, Metric: "query_duration", Timestamp: clock.now, Value: 6000})
	if r := e.Evaluate(context.Background()); r.Fired != 0 || r.Resolved != 0 {
		t.Errorf("Open event must stay open while latest point breaches: %+v", r)
	}

	reader.add("query_duration", clock.now+1, 100)
	if r := e.Evaluate(context.Background()); r.Resolved != 1 {
		t.Errorf("Expected resolution once the latest point is back to normal: %+v", r)
	}
}

func TestFailingRuleDoesNotBlockOthers(t *testing.T) {
	reader := &fakeReader{errFor: map[string]error{"db_query_ms": errors.New("locked")}}
	other := Rule{ID: "cpu", Metric: "cpu_usage_percent", Operator: OperatorGTE, Threshold: 90, Duration: time.Minute, Severity: SeverityCritical, Enabled: true}
	missing := Rule{ID: "mem", Metric: "memory_usage_percent", Operator: OperatorGT, Threshold: 90, Duration: time.Minute, Severity: SeverityWarning, Enabled: true}
	e, clock := newTestEngine(t, reader, newFakeStore(), nil, sustainedRule(), other, missing)
	for i := int64(0); i <= 6; i++ {
		reader.add("cpu_usage_percent", clock.now-60000+i*10000, 95)
	}

	result := e.Evaluate(context.Background())
	if result.Errors != 2 || result.Fired != 1 || result.Evaluated != 3 {
		t.Errorf("Unexpected result %+v", result)
	}
	_, _, err := e.evaluateRule(context.Background(), sustainedRule())
	if !errors.Is(err, ErrRuleEvaluation) || errors.Is(err, errNoData) {
		t.Errorf("Expected a read failure, got %v", err)
	}
	_, _, err = e.evaluateRule(context.Background(), missing)
	if !errors.Is(err, errNoData) || !errors.Is(err, ErrRuleEvaluation) {
		t.Errorf("Expected errNoData for an idle metric, got %v", err)
	}
}

func TestWarningAndCriticalRulesFireIndependently(t *testing.T) {
	reader := &fakeReader{}
	warn := Rule{ID: "cpu-warn", Metric: "cpu_usage_percent", Operator: OperatorGT, Threshold: 80, Duration: time.Minute, Severity: SeverityWarning, Enabled: true}
	crit := Rule{ID: "cpu-crit", Metric: "cpu_usage_percent", Operator: OperatorGT, Threshold: 90, Duration: time.Minute, Severity: SeverityCritical, Enabled: true}
	e, clock := newTestEngine(t, reader, newFakeStore(), nil, warn, crit)
	for i := int64(0); i <= 6; i++ {
		reader.add("cpu_usage_percent", clock.now-60000+i*10000, 97)
	}

	e.Evaluate(context.Background())
	active := e.ActiveAlerts()
	if len(active) != 2 {
		t.Fatalf("Expected 2 open alerts, got %d", len(active))
	}
	if active[0].Severity != SeverityCritical {
		t.Errorf("Expected critical first, got %s", active[0].Severity)
	}
}

func TestPersistPendingRetriesAfterFailure(t *testing.T) {
	reader := &fakeReader{}
	store := newFakeStore()
	store.fail = true
	rule := Rule{ID: "slow", Metric: "query_duration", Operator: OperatorGT, Threshold: 5000, Severity: SeverityCritical, Enabled: true}
	e, clock := newTestEngine(t, reader, store, nil, rule)

	e.Observe(metrics.DataPoint{Metric: "query_duration", Timestamp: clock.now, Value: 9000})
	if err := e.PersistPending(context.Background()); err == nil {
		t.Fatal("Expected persistence error")
	}

	store.fail = false
	if err := e.PersistPending(context.Background()); err != nil {
		t.Fatalf("PersistPending failed: %v", err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("Expected 1 saved event, got %d", len(store.saved))
	}
	if err := e.PersistPending(context.Background()); err != nil || store.writes != 1 {
		t.Errorf("Expected nothing left to write, writes=%d err=%v", store.writes, err)
	}

	// a restarted engine picks the open event up from the store
	restarted, _ := newTestEngine(t, reader, store, nil, rule)
	if err := restarted.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	restarted.Observe(metrics.DataPoint{Metric: "query_duration", Timestamp: clock.now, Value: 9500})
	if got := restarted.ActiveAlerts(); len(got) != 1 || got[0].ID != "alert-1" {
		t.Errorf("Expected loaded event to suppress a duplicate, got %+v", got)
	}
}

func TestSetRulesValidation(t *testing.T) {
	e := NewEngine(Config{}, &fakeReader{}, newFakeStore(), nil)

	tests := []struct {
		name  string
		rules []Rule
	}{
		{"bad operator", []Rule{{ID: "a", Metric: "m", Operator: "ne", Severity: SeverityInfo}}},
		{"bad severity", []Rule{{ID: "a", Metric: "m", Operator: OperatorGT, Severity: "fatal"}}},
		{"duplicate id", []Rule{
			{ID: "a", Metric: "m", Operator: OperatorGT, Severity: SeverityInfo},
			{ID: "a", Metric: "n", Operator: OperatorGT, Severity: SeverityInfo},
		}},
		{"negative duration", []Rule{{ID: "a", Metric: "m", Operator: OperatorGT, Severity: SeverityInfo, Duration: -time.Second}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.SetRules(tt.rules); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	if err := e.SetRules(DefaultRules()); err != nil {
		t.Errorf("Default rules must be valid: %v", err)
	}
}

func TestRemovedRuleResolvesItsOpenEvent(t *testing.T) {
	rule := Rule{ID: "slow", Metric: "query_duration", Operator: OperatorGT, Threshold: 5000, Severity: SeverityCritical, Enabled: true}
	e, clock := newTestEngine(t, &fakeReader{}, newFakeStore(), nil, rule)
	e.Observe(metrics.DataPoint{Metric: "query_duration", Timestamp: clock.now, Value: 9000})

	if err := e.SetRules(nil); err != nil {
		t.Fatalf("SetRules failed: %v", err)
	}
	if len(e.ActiveAlerts()) != 0 {
		t.Error("Expected open event of removed rule to be resolved")
	}
}

func TestOperatorCompare(t *testing.T) {
	tests := []struct {
		op        Operator
		value     float64
		threshold float64
		want      bool
	}{
		{OperatorGT, 101, 100, true},
		{OperatorGT, 100, 100, false},
		{OperatorGTE, 100, 100, true},
		{OperatorLT, 0.4, 0.5, true},
		{OperatorLTE, 0.5, 0.5, true},
		{OperatorEQ, 3, 3, true},
		{OperatorEQ, 3.1, 3, false},
	}
	for _, tt := range tests {
		if got := tt.op.Compare(tt.value, tt.threshold); got != tt.want {
			t.Errorf("%v %s %v: expected %v, got %v", tt.value, tt.op, tt.threshold, tt.want, got)
		}
	}
}

func TestDisabledRuleResolvesItsOpenEvent(t *testing.T) {
	rule := Rule{ID: "slow", Metric: "query_duration", Operator: OperatorGT, Threshold: 5000, Severity: SeverityCritical, Enabled: true}
	e, clock := newTestEngine(t, &fakeReader{}, newFakeStore(), nil, rule)
	e.Observe(metrics.DataPoint{Metric: "query_duration", Timestamp: clock.now, Value: 9000})
	if len(e.ActiveAlerts()) != 1 {
		t.Fatal("Expected an open event before disabling the rule")
	}

	rule.Enabled = false
	if err := e.SetRules([]Rule{rule}); err != nil {
		t.Fatalf("SetRules failed: %v", err)
	}
	if got := e.ActiveAlerts(); len(got) != 0 {
		t.Errorf("Expected open event of disabled rule to be resolved, got %+v", got)
	}
}
