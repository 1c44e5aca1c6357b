package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, ua := b.Subscribe(1)
	c, uc := b.Subscribe(1)
	defer ua()
	defer uc()

	Publish(b, JobStarted, "k")
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != JobStarted || e.Data != "k" || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("no event")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if e := <-ch; e.Type != "a" {
		t.Fatalf("got %s", e.Type)
	}
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "c"})
}

func TestPublishNilBus(t *testing.T) {
	Publish(nil, JobFailed, nil)
}
