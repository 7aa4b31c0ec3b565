package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Event{Type: JobSent, Data: JobEvent{ID: "a"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != JobSent || e.Time.IsZero() {
				t.Fatalf("sub %d: unexpected event %+v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}

	unsub1()
	unsub1()
	if _, ok := <-ch1; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	// Must not panic after a subscriber left.
	b.Publish(Event{Type: JobFailed})
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: JobFired})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffer len = %d", len(ch))
	}
}
