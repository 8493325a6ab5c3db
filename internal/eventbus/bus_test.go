package eventbus

import (
	"testing"
	"time"

	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

func event(t types.EventType, session string) types.Event {
	return types.Event{Type: t, SessionID: session, TS: time.Now()}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(4)
	defer b.Close()

	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(event(types.EventProgress, "s1"))

	for _, sub := range []*Subscription{a, c} {
		select {
		case ev := <-sub.C:
			if ev.SessionID != "s1" {
				t.Errorf("got session %q, want s1", ev.SessionID)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestTypeFiltering(t *testing.T) {
	b := New(4)
	defer b.Close()

	sub := b.Subscribe(types.EventSessionCompleted)

	b.Publish(event(types.EventProgress, "s1"))
	b.Publish(event(types.EventSessionCompleted, "s1"))

	select {
	case ev := <-sub.C:
		if ev.Type != types.EventSessionCompleted {
			t.Errorf("got type %q, want session_completed", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber did not receive matching event")
	}

	select {
	case ev := <-sub.C:
		t.Errorf("unexpected extra event %q", ev.Type)
	default:
	}
}

func TestFullQueueDropsForThatSubscriberOnly(t *testing.T) {
	b := New(1)
	defer b.Close()

	slow := b.Subscribe()
	fast := b.Subscribe()

	// Fill slow's queue, then drain fast's so it stays open.
	b.Publish(event(types.EventProgress, "s1"))
	<-fast.C

	dropped := b.Publish(event(types.EventProgress, "s2"))
	if dropped != 1 {
		t.Errorf("Publish reported %d drops, want 1", dropped)
	}
	if got := slow.Drops(); got != 1 {
		t.Errorf("slow.Drops() = %d, want 1", got)
	}
	if got := fast.Drops(); got != 0 {
		t.Errorf("fast.Drops() = %d, want 0", got)
	}

	// fast still got the second event.
	select {
	case ev := <-fast.C:
		if ev.SessionID != "s2" {
			t.Errorf("fast got %q, want s2", ev.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("fast subscriber starved by slow one")
	}
}

func TestOrderPreservedPerSubscriber(t *testing.T) {
	b := New(8)
	defer b.Close()

	sub := b.Subscribe()
	for i := 0; i < 5; i++ {
		b.Publish(types.Event{Type: types.EventProgress, SessionID: "s1", TS: time.Unix(int64(i), 0)})
	}
	for i := 0; i < 5; i++ {
		ev := <-sub.C
		if ev.TS.Unix() != int64(i) {
			t.Fatalf("event %d out of order: ts=%d", i, ev.TS.Unix())
		}
	}
}

func TestSubscriptionClose(t *testing.T) {
	b := New(4)
	defer b.Close()

	sub := b.Subscribe()
	sub.Close()
	sub.Close() // idempotent

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d after close, want 0", got)
	}
	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed")
	}

	// Publishing after a subscriber left must not panic.
	b.Publish(event(types.EventProgress, "s1"))
}

func TestBusClose(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()

	b.Close()
	b.Close() // idempotent

	if _, ok := <-sub.C; ok {
		t.Error("subscriber channel should be closed by bus close")
	}
	if dropped := b.Publish(event(types.EventProgress, "s1")); dropped != 0 {
		t.Error("publish after close should be a no-op")
	}
	sub.Close() // must not panic after bus close

	late := b.Subscribe()
	if _, ok := <-late.C; ok {
		t.Error("subscribing to a closed bus should return a closed channel")
	}
}

func TestBusCloseRacesSubscriptionClose(t *testing.T) {
	// Subscribers closing themselves while the bus shuts down must not
	// wedge either side: Subscription.Close takes the bus lock inside
	// its once, Bus.Close enters the same once.
	for i := 0; i < 50; i++ {
		b := New(4)
		subs := make([]*Subscription, 8)
		for j := range subs {
			subs[j] = b.Subscribe()
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for _, sub := range subs {
				go sub.Close()
			}
			b.Close()
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("bus close deadlocked against subscription close")
		}
		for _, sub := range subs {
			if _, ok := <-sub.C; ok {
				t.Fatal("subscriber channel left open after close race")
			}
		}
	}
}
