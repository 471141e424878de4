package bus

import (
	"testing"
)

func TestSubscribePublish(t *testing.T) {
	b := New()
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	b.Publish(Event{Kind: Activated, Version: "1.0.0-abc"})
	ev := <-ch
	if ev.Kind != Activated || ev.Version != "1.0.0-abc" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestPublishDropsWhenSubscriberSlow(t *testing.T) {
	b := New()
	id, _ := b.Subscribe()
	defer b.Unsubscribe(id)

	// Fill the subscriber buffer and keep publishing; must not block.
	for i := 0; i < 100; i++ {
		b.Publish(Event{Kind: Installed})
	}
}

func TestLastDetachHook(t *testing.T) {
	b := New()
	fired := 0
	b.OnLastDetach = func() { fired++ }

	a, _ := b.Subscribe()
	c, _ := b.Subscribe()
	b.Unsubscribe(a)
	if fired != 0 {
		t.Fatalf("hook fired with a client still attached")
	}
	b.Unsubscribe(c)
	if fired != 1 {
		t.Fatalf("hook fired %d times, want 1", fired)
	}
	// Double unsubscribe stays quiet.
	b.Unsubscribe(c)
	if fired != 1 {
		t.Fatalf("hook refired on idempotent unsubscribe")
	}
}

func TestSendNonBlocking(t *testing.T) {
	b := New()
	for i := 0; i < cap(b.Commands); i++ {
		if !b.Send(Command{Type: GetStatus}) {
			t.Fatalf("send %d failed below capacity", i)
		}
	}
	if b.Send(Command{Type: GetStatus}) {
		t.Fatal("send should fail once the channel is full")
	}
}
