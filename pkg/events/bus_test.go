package events

import (
	"testing"
	"time"
)

func TestBusFiltersByType(t *testing.T) {
	bus := NewBus()
	alerts, cancel := bus.Subscribe(10, EventTypeAlertTriggered)
	defer cancel()
	all, cancelAll := bus.Subscribe(10)
	defer cancelAll()

	bus.Publish(Event{Type: EventTypeBottleneckDetected, Source: "test"})
	bus.Publish(Event{Type: EventTypeAlertTriggered, Source: "test"})

	select {
	case ev := <-alerts:
		if ev.Type != EventTypeAlertTriggered {
			t.Errorf("Expected alert event, got %s", ev.Type)
		}
		if ev.Timestamp.IsZero() {
			t.Error("Expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("Expected alert event")
	}
	select {
	case ev := <-alerts:
		t.Fatalf("Unexpected event %s", ev.Type)
	default:
	}

	if len(all) != 2 {
		t.Errorf("Expected 2 events for unfiltered subscriber, got %d", len(all))
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: EventTypeFlushCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Errorf("Expected 1 buffered event, got %d", len(ch))
	}
}

func TestBusCancelAndClose(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("Expected channel closed after cancel")
	}

	ch2, _ := bus.Subscribe(1)
	bus.Close()
	if _, ok := <-ch2; ok {
		t.Error("Expected channel closed after bus close")
	}
	bus.Publish(Event{Type: EventTypeAlertResolved})
}
