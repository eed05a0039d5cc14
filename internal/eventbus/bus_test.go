package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(DeliveryEvent{UserID: "42", Result: ResultOK})

	for i, ch := range []<-chan DeliveryEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.UserID != "42" || ev.Result != ResultOK {
				t.Fatalf("subscriber %d got %+v", i, ev)
			}
			if ev.Started.IsZero() {
				t.Fatalf("subscriber %d: Started not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(DeliveryEvent{UserID: "42"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	// The buffered event is still readable.
	select {
	case <-ch:
	default:
		t.Fatal("expected at least one buffered event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // idempotent

	b.Publish(DeliveryEvent{UserID: "42"}) // must not panic

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}
