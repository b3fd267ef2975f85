package realtime

import (
	"testing"
	"time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	channel := WorkChannel("w1")
	ch := b.Subscribe(channel)

	evt := Event{Type: "work.started", Data: map[string]any{"x": 1}}
	b.Publish(channel, evt)

	select {
	case got := <-ch:
		if got.Type != evt.Type {
			t.Fatalf("got type %s, want %s", got.Type, evt.Type)
		}
		if got.Data["x"].(int) != 1 {
			t.Fatalf("bad payload: %+v", got.Data)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe(channel, ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if b.Subscribers(channel) != 0 {
		t.Fatal("subscription leaked")
	}
	// second unsubscribe is a no-op
	b.Unsubscribe(channel, ch)
}

func TestBrokerIsolatesChannels(t *testing.T) {
	b := NewBroker()
	a := b.Subscribe(WorkChannel("a"))
	defer b.Unsubscribe(WorkChannel("a"), a)
	b.Publish(WorkChannel("b"), Event{Type: "x"})
	select {
	case evt := <-a:
		t.Fatalf("received foreign event %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe(UserChannel("u1"))
	defer b.Unsubscribe(UserChannel("u1"), ch)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(UserChannel("u1"), Event{Type: "n"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(time.Hour)
	if !th.Allow("t1") {
		t.Fatal("first event should pass")
	}
	if th.Allow("t1") {
		t.Fatal("second event inside interval should be throttled")
	}
	if !th.Allow("t2") {
		t.Fatal("keys must be independent")
	}
	if !NewThrottle(0).Allow("t1") || !NewThrottle(0).Allow("t1") {
		t.Fatal("zero interval disables throttling")
	}
}

func TestThrottleEvictsIdleKeys(t *testing.T) {
	clock := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	th := NewThrottle(time.Minute)
	th.now = func() time.Time { return clock }
	for _, k := range []string{"t1", "t2", "t3"} {
		if !th.Allow(k) {
			t.Fatalf("%s first event throttled", k)
		}
	}
	if th.Len() != 3 {
		t.Fatalf("len = %d", th.Len())
	}

	clock = clock.Add(30 * time.Second)
	if th.Allow("t1") {
		t.Fatal("t1 inside interval should be throttled")
	}

	clock = clock.Add(time.Minute)
	if !th.Allow("t4") {
		t.Fatal("t4 first event throttled")
	}
	if th.Len() != 1 {
		t.Fatalf("idle keys kept: len = %d", th.Len())
	}
	if !th.Allow("t1") {
		t.Fatal("evicted key should start with a full bucket")
	}
}
