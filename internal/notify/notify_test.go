package notify

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(Config{QueueSize: 4, PingInterval: time.Hour, AbsenceTimeout: time.Hour})
	sub := b.Subscribe("proj1")
	defer sub.Close()

	b.Publish("proj1", Event{Action: "node.started"})

	select {
	case ev := <-sub.Events:
		if ev.Action != "node.started" {
			t.Fatalf("got %q", ev.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishScopedToProject(t *testing.T) {
	b := New(Config{QueueSize: 4, PingInterval: time.Hour, AbsenceTimeout: time.Hour})
	sub := b.Subscribe("proj1")
	defer sub.Close()

	b.Publish("other-project", Event{Action: "node.started"})

	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected event delivered to unrelated project: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(Config{QueueSize: 2, PingInterval: time.Hour, AbsenceTimeout: time.Hour})
	sub := b.Subscribe("proj1")
	defer sub.Close()

	b.Publish("proj1", Event{Action: "first"})
	b.Publish("proj1", Event{Action: "second"})
	b.Publish("proj1", Event{Action: "third"})

	first := <-sub.Events
	if first.Action != "second" {
		t.Fatalf("got %q, want second (first should have been dropped)", first.Action)
	}
	second := <-sub.Events
	if second.Action != "third" {
		t.Fatalf("got %q, want third", second.Action)
	}
}

func TestPingDelivered(t *testing.T) {
	b := New(Config{QueueSize: 4, PingInterval: 10 * time.Millisecond, AbsenceTimeout: time.Hour})
	sub := b.Subscribe("proj1")
	defer sub.Close()

	select {
	case ev := <-sub.Events:
		if ev.Action != "ping" {
			t.Fatalf("got %q, want ping", ev.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ping")
	}
}

func TestAbsenceTimeoutClosesSubscription(t *testing.T) {
	b := New(Config{QueueSize: 4, PingInterval: time.Hour, AbsenceTimeout: 20 * time.Millisecond})
	sub := b.Subscribe("proj1")

	time.Sleep(100 * time.Millisecond)

	if b.SubscriberCount("proj1") != 0 {
		t.Fatal("subscription should have been auto-closed after absence timeout")
	}
	_ = sub
}

func TestAbsenceTimeoutFiresDespiteUnconsumedPings(t *testing.T) {
	b := New(Config{QueueSize: 4, PingInterval: 5 * time.Millisecond, AbsenceTimeout: 30 * time.Millisecond})
	sub := b.Subscribe("proj1")

	// Never read sub.Events and never call MarkAlive: pings still queue
	// up, but a delivery attempt alone must not count as consumption.
	time.Sleep(100 * time.Millisecond)

	if b.SubscriberCount("proj1") != 0 {
		t.Fatal("subscription should auto-close even though pings were queued but never consumed")
	}
	_ = sub
}

func TestMarkAliveKeepsSubscriptionOpen(t *testing.T) {
	b := New(Config{QueueSize: 4, PingInterval: time.Hour, AbsenceTimeout: 30 * time.Millisecond})
	sub := b.Subscribe("proj1")
	defer sub.Close()

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		sub.MarkAlive()
		time.Sleep(10 * time.Millisecond)
	}

	if b.SubscriberCount("proj1") != 1 {
		t.Fatal("subscription should remain open while MarkAlive is called regularly")
	}
}

func TestCloseIdempotent(t *testing.T) {
	b := New(Config{QueueSize: 4, PingInterval: time.Hour, AbsenceTimeout: time.Hour})
	sub := b.Subscribe("proj1")
	sub.Close()
	sub.Close()
	if b.SubscriberCount("proj1") != 0 {
		t.Fatal("subscriber count should be 0 after Close")
	}
}
