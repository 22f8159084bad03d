package eventbus

import (
	"testing"

	"symphony/pkg/model"
)

func TestSubscribe_ReceivesPublishedEntries(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe("dep-1")
	defer unsubscribe()

	b.Publish("dep-1", []model.LogEntry{{Line: "hello"}, {Line: "world"}})

	for _, want := range []string{"hello", "world"} {
		select {
		case line := <-ch:
			if line.Entry.Line != want {
				t.Fatalf("expected %q, got %q", want, line.Entry.Line)
			}
			if line.DeploymentID != "dep-1" {
				t.Fatalf("expected deployment id dep-1, got %q", line.DeploymentID)
			}
		default:
			t.Fatalf("expected a buffered entry for %q", want)
		}
	}
}

func TestPublish_DoesNotCrossDeployments(t *testing.T) {
	b := New()
	chA, unsubA := b.Subscribe("dep-a")
	defer unsubA()
	chB, unsubB := b.Subscribe("dep-b")
	defer unsubB()

	b.Publish("dep-a", []model.LogEntry{{Line: "only-a"}})

	select {
	case line := <-chA:
		if line.Entry.Line != "only-a" {
			t.Fatalf("unexpected line on dep-a: %q", line.Entry.Line)
		}
	default:
		t.Fatalf("expected dep-a subscriber to receive the entry")
	}

	select {
	case line := <-chB:
		t.Fatalf("dep-b subscriber should not receive dep-a's entries, got %+v", line)
	default:
	}
}

func TestUnsubscribe_StopsDeliveryAndCleansUpEmptySet(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe("dep-1")
	unsubscribe()

	b.Publish("dep-1", []model.LogEntry{{Line: "after-unsub"}})

	select {
	case <-ch:
		t.Fatalf("unsubscribed channel should not receive entries")
	default:
	}

	if _, ok := b.subs["dep-1"]; ok {
		t.Fatalf("expected empty subscriber set to be removed")
	}
}

func TestPublish_ToUnknownDeploymentIsNoop(t *testing.T) {
	b := New()
	b.Publish("ghost", []model.LogEntry{{Line: "x"}})
}
