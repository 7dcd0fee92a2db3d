package events

import (
	"sync"
	"time"

	"k8s.io/klog/v2"
)

type EventType string

const (
	EventTypeAlertTriggered      EventType = "alert_triggered"
	EventTypeAlertResolved       EventType = "alert_resolved"
	EventTypeBottleneckDetected  EventType = "bottleneck_detected"
	EventTypeOptimizationApplied EventType = "optimization_applied"
	EventTypeFlushCompleted      EventType = "flush_completed"
	EventTypeFlushFailed         EventType = "flush_failed"
	EventTypeAggregationDone     EventType = "aggregation_done"
	EventTypeCleanupDone         EventType = "cleanup_done"
)

// Event is a typed notification published by the engine components.
// Payload holds the component specific value (*alerting.Event, []analyzer.Bottleneck, ...).
type Event struct {
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Payload   interface{} `json:"payload,omitempty"`
	Count     int         `json:"count,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type subscriber struct {
	id    int
	ch    chan Event
	types map[EventType]struct{}
}

func (s *subscriber) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus is an in-process publish/subscribe channel. Publish never blocks:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel receiving events of the given types (all types when none given)
// and a cancel func that unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int, types ...EventType) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	sub := &subscriber{ch: make(chan Event, buffer), types: make(map[EventType]struct{}, len(types))}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers event to every interested subscriber
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			klog.Warningf("Event channel full for subscriber %d, dropping %s event", sub.id, event.Type)
		}
	}
}

// Close closes every subscriber channel; later publishes are ignored
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
