package supervisor

import (
	"testing"

	"symphony/pkg/model"
)

func TestLogRing_TailReturnsMostRecent(t *testing.T) {
	r := newLogRing(0)
	for i := 0; i < 5; i++ {
		r.append(model.LogEntry{Line: string(rune('a' + i))})
	}
	got := r.tail(3)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	want := []string{"c", "d", "e"}
	for i, e := range got {
		if e.Line != want[i] {
			t.Errorf("tail[%d] = %q, want %q", i, e.Line, want[i])
		}
	}
}

func TestLogRing_WrapsAtCapacity(t *testing.T) {
	r := newLogRing(0)
	total := defaultRingCapacity + 10
	for i := 0; i < total; i++ {
		r.append(model.LogEntry{Line: "x"})
	}
	if r.count != defaultRingCapacity {
		t.Fatalf("expected ring to cap at %d entries, got %d", defaultRingCapacity, r.count)
	}
}

func TestLogRing_SubscribeReceivesNewEntries(t *testing.T) {
	r := newLogRing(0)
	ch := make(chan model.LogEntry, 1)
	unsubscribe := r.subscribe(ch)
	defer unsubscribe()

	r.append(model.LogEntry{Line: "hello"})
	select {
	case e := <-ch:
		if e.Line != "hello" {
			t.Errorf("got line %q, want %q", e.Line, "hello")
		}
	default:
		t.Fatalf("expected subscriber to receive appended entry")
	}
}

func TestLogRing_UnsubscribeStopsDelivery(t *testing.T) {
	r := newLogRing(0)
	ch := make(chan model.LogEntry, 1)
	unsubscribe := r.subscribe(ch)
	unsubscribe()

	r.append(model.LogEntry{Line: "hello"})
	select {
	case <-ch:
		t.Fatalf("unsubscribed channel should not receive entries")
	default:
	}
}
