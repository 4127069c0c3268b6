package eventbus

import (
	"testing"
	"time"

	"github.com/jxucoder/efimeral/pkg/model"
)

func TestSubscribePublishUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("l1")

	ev := &model.Event{LeaseID: "l1", Type: model.EventState, Data: "active"}
	bus.Publish("l1", ev)

	select {
	case got := <-ch:
		if got.Data != "active" {
			t.Fatalf("unexpected event data: %s", got.Data)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("did not receive event")
	}

	bus.Unsubscribe("l1", ch)
}

func TestDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("l2")

	// Fill channel to capacity (64) without reading.
	for i := 0; i < 64; i++ {
		bus.Publish("l2", &model.Event{LeaseID: "l2", Type: model.EventRetry, Data: "x"})
	}

	done := make(chan struct{})
	go func() {
		// This publish should be dropped and return immediately.
		bus.Publish("l2", &model.Event{LeaseID: "l2", Type: model.EventRetry, Data: "overflow"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("publish blocked on full channel")
	}

	bus.Unsubscribe("l2", ch)
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewInMemoryBus()
	ch1 := bus.Subscribe("l3")
	ch2 := bus.Subscribe("l3")

	ev := &model.Event{LeaseID: "l3", Type: model.EventLaunched, Data: "hello"}
	bus.Publish("l3", ev)

	for _, ch := range []chan *model.Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Data != "hello" {
				t.Fatalf("unexpected data: %s", got.Data)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("subscriber did not receive event")
		}
	}

	bus.Unsubscribe("l3", ch1)
	bus.Unsubscribe("l3", ch2)
}

func TestPublishToWrongLease(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("l4")

	bus.Publish("other-lease", &model.Event{LeaseID: "other-lease", Type: model.EventState, Data: "x"})

	select {
	case <-ch:
		t.Fatal("should not receive event for a different lease")
	case <-time.After(100 * time.Millisecond):
		// expected
	}

	bus.Unsubscribe("l4", ch)
}

func TestAllLeasesSubscriber(t *testing.T) {
	bus := NewInMemoryBus()
	all := bus.Subscribe(AllLeases)
	defer bus.Unsubscribe(AllLeases, all)

	bus.Publish("a", &model.Event{LeaseID: "a", Type: model.EventReclaimed})
	bus.Publish("b", &model.Event{LeaseID: "b", Type: model.EventReclaimed})

	for _, want := range []string{"a", "b"} {
		select {
		case got := <-all:
			if got.LeaseID != want {
				t.Fatalf("got lease %s, want %s", got.LeaseID, want)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("AllLeases subscriber missed event for %s", want)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("l5")

	bus.Unsubscribe("l5", ch)

	// Channel should be closed.
	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestSubscribeAfterUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ch1 := bus.Subscribe("l6")
	bus.Unsubscribe("l6", ch1)

	ch2 := bus.Subscribe("l6")
	ev := &model.Event{LeaseID: "l6", Type: model.EventState, Data: "new"}
	bus.Publish("l6", ev)

	select {
	case got := <-ch2:
		if got.Data != "new" {
			t.Fatalf("unexpected data: %s", got.Data)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("new subscriber did not receive event")
	}

	bus.Unsubscribe("l6", ch2)
}

func TestSubscriberCount(t *testing.T) {
	bus := NewInMemoryBus()
	a := bus.Subscribe("l4")
	b := bus.Subscribe("l4")
	if n := bus.SubscriberCount("l4"); n != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", n)
	}
	bus.Unsubscribe("l4", a)
	bus.Unsubscribe("l4", b)
	if n := bus.SubscriberCount("l4"); n != 0 {
		t.Fatalf("SubscriberCount after unsubscribe = %d, want 0", n)
	}
}
