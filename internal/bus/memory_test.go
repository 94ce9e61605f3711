package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryBusDeliversInOrder(t *testing.T) {
	b := NewMemoryBus(testLogger())
	defer b.Close()

	var mu sync.Mutex
	got := make([]string, 0)
	done := make(chan struct{})

	err := b.Subscribe("events", func(_ context.Context, payload []byte) error {
		mu.Lock()
		got = append(got, string(payload))
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := b.Publish(ctx, "events", []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"msg-1", "msg-2", "msg-3"}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("delivery %d: expected %q, got %q", i, w, got[i])
		}
	}
}

func TestMemoryBusHandlerErrorDoesNotStopDelivery(t *testing.T) {
	b := NewMemoryBus(testLogger())
	defer b.Close()

	var mu sync.Mutex
	var calls int
	done := make(chan struct{})

	b.Subscribe("events", func(_ context.Context, payload []byte) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			close(done)
		}
		if n == 1 {
			return errors.New("boom")
		}
		return nil
	})

	ctx := context.Background()
	b.Publish(ctx, "events", []byte("first"))
	b.Publish(ctx, "events", []byte("second"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second message was not delivered after handler error")
	}
}

func TestMemoryBusTopicIsolation(t *testing.T) {
	b := NewMemoryBus(testLogger())
	defer b.Close()

	delivered := make(chan string, 2)
	b.Subscribe("alerts", func(_ context.Context, payload []byte) error {
		delivered <- string(payload)
		return nil
	})

	ctx := context.Background()
	if err := b.Publish(ctx, "events", []byte("wrong-topic")); err != nil {
		t.Fatalf("publish to unsubscribed topic failed: %v", err)
	}
	b.Publish(ctx, "alerts", []byte("right-topic"))

	select {
	case got := <-delivered:
		if got != "right-topic" {
			t.Errorf("expected alert payload, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alert delivery")
	}

	select {
	case got := <-delivered:
		t.Errorf("unexpected cross-topic delivery: %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusDrainsOnClose(t *testing.T) {
	b := NewMemoryBus(testLogger())

	var mu sync.Mutex
	var calls int
	b.Subscribe("events", func(_ context.Context, payload []byte) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		b.Publish(ctx, "events", []byte("pending"))
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 10 {
		t.Errorf("expected all 10 pending messages handled before close, got %d", calls)
	}
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := NewMemoryBus(testLogger())
	b.Close()

	if err := b.Publish(context.Background(), "events", []byte("late")); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
	if err := b.Subscribe("events", func(context.Context, []byte) error { return nil }); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed on subscribe, got %v", err)
	}
}
