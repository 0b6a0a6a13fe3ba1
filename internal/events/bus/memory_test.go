package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/events"
)

func waitForEvents(t *testing.T, mu *sync.Mutex, got *[]*events.SyncEvent, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(*got)
		mu.Unlock()
		if n >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", want, n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var got []*events.SyncEvent
	_, err := b.Subscribe("sync.default", func(_ context.Context, e *events.SyncEvent) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	event := events.NewSyncEvent(events.SessionUpdated, "default", nil)
	if err := b.Publish(context.Background(), "sync.default", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitForEvents(t, &mu, &got, 1)
	mu.Lock()
	defer mu.Unlock()
	if got[0].ID != event.ID {
		t.Errorf("expected event %s, got %s", event.ID, got[0].ID)
	}
}

func TestMemoryBus_WildcardSubjects(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var got []*events.SyncEvent
	_, err := b.Subscribe("sync.*", func(_ context.Context, e *events.SyncEvent) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	_ = b.Publish(context.Background(), "sync.alpha", events.NewSyncEvent(events.SessionUpdated, "alpha", nil))
	_ = b.Publish(context.Background(), "sync.beta", events.NewSyncEvent(events.MachineUpdated, "beta", nil))
	// Two tokens: * must not match.
	_ = b.Publish(context.Background(), "sync.alpha.deep", events.NewSyncEvent(events.SessionUpdated, "alpha", nil))

	waitForEvents(t, &mu, &got, 2)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Errorf("expected 2 events, got %d", len(got))
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var got []*events.SyncEvent
	sub, err := b.Subscribe("sync.default", func(_ context.Context, e *events.SyncEvent) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}
	// Unsubscribe twice is fine.
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second unsubscribe failed: %v", err)
	}

	_ = b.Publish(context.Background(), "sync.default", events.NewSyncEvent(events.SessionUpdated, "default", nil))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Errorf("expected no delivery after unsubscribe, got %d", len(got))
	}
}

func TestMemoryBus_ClosedRejectsPublish(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	b.Close()

	if b.IsConnected() {
		t.Error("closed bus must not report connected")
	}
	if err := b.Publish(context.Background(), "sync.default", events.NewSyncEvent(events.SessionUpdated, "default", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
}
