package eventbus

import (
	"log/slog"
	"sync/atomic"
	"testing"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(slog.Default())

	var called int32
	b.Subscribe(PreparationCompleted, func(e Event) {
		atomic.AddInt32(&called, 1)
		if e.Type != PreparationCompleted {
			t.Errorf("expected type %s, got %s", PreparationCompleted, e.Type)
		}
		if e.RepositoryID != 3 {
			t.Errorf("expected repository 3, got %d", e.RepositoryID)
		}
		if e.ID == "" || e.Time.IsZero() {
			t.Error("expected id and time to be filled in")
		}
	})

	b.Publish(Event{Type: PreparationCompleted, RepositoryID: 3})
	b.Publish(Event{Type: RepositoryError, RepositoryID: 3})

	if atomic.LoadInt32(&called) != 1 {
		t.Fatalf("expected handler to be called once, got %d", called)
	}
}

func TestWildcardAndUnsubscribe(t *testing.T) {
	b := New(slog.Default())

	var count int32
	unsubscribe := b.Subscribe("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	unsubscribe()
	b.Publish(Event{Type: "c"})

	if atomic.LoadInt32(&count) != 2 {
		t.Fatalf("expected wildcard handler called 2 times, got %d", count)
	}
}

func TestPanicRecovery(t *testing.T) {
	b := New(slog.Default())

	var secondCalled int32
	b.Subscribe("crash", func(e Event) {
		panic("boom")
	})
	b.Subscribe("crash", func(e Event) {
		atomic.AddInt32(&secondCalled, 1)
	})

	b.Publish(Event{Type: "crash"})

	if atomic.LoadInt32(&secondCalled) != 1 {
		t.Fatal("second handler should have been called despite first handler panicking")
	}
}

func TestStream(t *testing.T) {
	b := New(slog.Default())
	events, cancel := b.Stream(1)

	b.Publish(Event{Type: RepositoryLaunched, RepositoryID: 1})
	b.Publish(Event{Type: RepositoryRemoved, RepositoryID: 1}) // dropped, buffer is full

	e := <-events
	if e.Type != RepositoryLaunched {
		t.Fatalf("unexpected event %s", e.Type)
	}

	cancel()
	cancel()
	if _, ok := <-events; ok {
		t.Fatal("expected stream to be closed")
	}
	b.Publish(Event{Type: RepositoryLaunched}) // must not panic after cancel
}
