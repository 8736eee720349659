package bus

import (
	"testing"
	"time"
)

func TestSubscribePrefixMatching(t *testing.T) {
	b := New()
	sub := b.Subscribe("run.")
	defer b.Unsubscribe(sub)

	b.Publish("run.started", "a")
	b.Publish("other.thing", "b")

	select {
	case ev := <-sub.Ch():
		if ev.Topic != "run.started" {
			t.Fatalf("topic = %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+5; i++ {
		b.Publish("run.event", i)
	}
	if b.DroppedEventCount() == 0 {
		t.Fatal("expected some dropped events")
	}
}
