package lending

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func droppedEventCount(t *testing.T, eventType string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != "oxylend_events_dropped_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, pair := range m.GetLabel() {
				if pair.GetName() == "type" && pair.GetValue() == eventType {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestSlowSubscriberDropCounted(t *testing.T) {
	feed := NewFeed()
	events, cancel := feed.Subscribe(1)
	defer cancel()

	before := droppedEventCount(t, EventDeposit)
	feed.publish(EventDeposit, map[string]string{"owner": "alice"})
	// The buffer is full now; the second publish must drop, not block.
	feed.publish(EventDeposit, map[string]string{"owner": "bob"})

	if got := droppedEventCount(t, EventDeposit); got != before+1 {
		t.Fatalf("dropped counter not incremented: %v -> %v", before, got)
	}
	// The first event still reaches the subscriber.
	select {
	case evt := <-events:
		if evt.Attributes["owner"] != "alice" {
			t.Fatalf("unexpected event delivered: %v", evt.Attributes)
		}
	default:
		t.Fatalf("buffered event lost")
	}
	if got := len(feed.Recent(0)); got != 2 {
		t.Fatalf("history must retain both events, got %d", got)
	}
}
