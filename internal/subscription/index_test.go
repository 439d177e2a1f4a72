package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tenzoki/agen/meshbus/internal/envelope"
)

func TestDispatchDeliversMatchingEvent(t *testing.T) {
	idx := New()
	var mu sync.Mutex
	var got *envelope.Envelope
	done := make(chan struct{})

	_, err := idx.Subscribe("sensor/+", DropNewest, 0, func(ctx context.Context, event *envelope.Envelope) {
		mu.Lock()
		got = event
		mu.Unlock()
		close(done)
	})
	if err != nil {
		t.Fatal(err)
	}

	evt, _ := envelope.NewEvent("pub", "sensor/kitchen", []byte("21"))
	if errs := idx.Dispatch(context.Background(), evt); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.ID != evt.ID {
		t.Fatalf("expected callback to receive the event")
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	idx := New()
	called := false
	idx.Subscribe("calc/+", DropNewest, 0, func(ctx context.Context, event *envelope.Envelope) {
		called = true
	})
	evt, _ := envelope.NewEvent("pub", "sensor/kitchen", []byte("21"))
	idx.Dispatch(context.Background(), evt)
	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatalf("callback should not have run for non-matching topic")
	}
}

func TestDispatchDropsWhenBusy(t *testing.T) {
	idx := New()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	id, _ := idx.Subscribe("sensor/+", DropNewest, 0, func(ctx context.Context, event *envelope.Envelope) {
		started <- struct{}{}
		<-release
	})
	defer idx.Unsubscribe(id)

	evt1, _ := envelope.NewEvent("pub", "sensor/a", nil)
	evt2, _ := envelope.NewEvent("pub", "sensor/b", nil)

	if errs := idx.Dispatch(context.Background(), evt1); len(errs) != 0 {
		t.Fatalf("first dispatch should succeed: %v", errs)
	}
	<-started // ensure the callback has acquired busy before the second dispatch races it

	errs := idx.Dispatch(context.Background(), evt2)
	close(release)
	if len(errs) == 0 {
		t.Fatalf("expected drop error while subscriber busy")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	idx := New()
	called := false
	id, _ := idx.Subscribe("calc/+", DropNewest, 0, func(ctx context.Context, event *envelope.Envelope) {
		called = true
	})
	idx.Unsubscribe(id)
	evt, _ := envelope.NewEvent("pub", "calc/add", nil)
	idx.Dispatch(context.Background(), evt)
	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatalf("unsubscribed callback should not run")
	}
}
