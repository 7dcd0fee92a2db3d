package metrics

import (
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

const (
	DefaultRetentionDays       = 7
	DefaultAggregationInterval = 60 * time.Second
)

// Registry holds the known metric definitions for the process lifetime
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]Definition
}

// NewRegistry creates a registry pre-populated with defs
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{definitions: make(map[string]Definition)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			klog.Warningf("Skipping metric definition %q: %v", d.Name, err)
		}
	}
	return r
}

// Register adds or overwrites a definition. Zero retention or interval take the defaults.
func (r *Registry) Register(def Definition) error {
	if def.RetentionDays == 0 {
		def.RetentionDays = DefaultRetentionDays
	}
	if def.AggregationInterval == 0 {
		def.AggregationInterval = DefaultAggregationInterval
	}
	if def.Kind == "" {
		def.Kind = KindGauge
	}
	if err := def.validate(); err != nil {
		return err
	}
	def.LabelNames = append([]string(nil), def.LabelNames...)

	r.mu.Lock()
	r.definitions[def.Name] = def
	r.mu.Unlock()

	klog.V(4).Infof("Registered metric %s (%s, %s)", def.Name, def.Kind, def.AggregationInterval)
	return nil
}

// Ensure registers def only when no definition with that name exists
func (r *Registry) Ensure(def Definition) {
	r.mu.RLock()
	_, ok := r.definitions[def.Name]
	r.mu.RUnlock()
	if ok {
		return
	}
	if err := r.Register(def); err != nil {
		klog.Warningf("Failed to register metric %q: %v", def.Name, err)
	}
}

// Get returns the definition for name
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.definitions[name]
	return d, ok
}

// List returns all definitions sorted by name
func (r *Registry) List() []Definition {
	r.mu.RLock()
	out := make([]Definition, 0, len(r.definitions))
	for _, d := range r.definitions {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultDefinitions returns the metrics the engine monitors out of the box
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: "cpu_usage_percent", Description: "Process CPU usage", Unit: "percent", Kind: KindGauge, Component: "cpu"},
		{Name: "memory_usage_percent", Description: "Process memory usage", Unit: "percent", Kind: KindGauge, Component: "memory"},
		{Name: "db_query_ms", Description: "Database query response time", Unit: "ms", Kind: KindHistogram, LabelNames: []string{"operation"}, Component: "database"},
		{Name: "db_query_ms_error", Description: "Database query failures", Unit: "ratio", Kind: KindGauge, LabelNames: []string{"operation"}},
		{Name: "db_active_connections", Description: "Open database connections", Unit: "connections", Kind: KindGauge, Component: "database"},
		{Name: "query_duration", Description: "Knowledge base query duration", Unit: "ms", Kind: KindHistogram, LabelNames: []string{"operation"}, Component: "database"},
		{Name: "search_latency_ms", Description: "Full text search latency", Unit: "ms", Kind: KindHistogram, Component: "search"},
		{Name: "cache_hit_ratio", Description: "Query cache hit ratio", Unit: "ratio", Kind: KindGauge, Component: "cache"},
		{Name: "network_latency_ms", Description: "Outbound network latency", Unit: "ms", Kind: KindHistogram, Component: "network"},
		{Name: "api_request_ms", Description: "Internal API request latency", Unit: "ms", Kind: KindHistogram, LabelNames: []string{"operation"}, Component: "api"},
	}
}
