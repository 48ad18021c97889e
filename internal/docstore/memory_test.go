package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestMemory_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		m := NewMemory(nil)
		t.Cleanup(func() { m.Close() })
		return m
	})
}

func TestMemory_ServerTimestampUsesStoreClock(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	m := NewMemory(clk)

	m.Set(ctx, "rooms/R1/presence/u1", Fields{"lastSeen": ServerTimestamp}, SetOptions{})

	doc, _ := m.Get(ctx, "rooms/R1/presence/u1")
	if got := doc.Data.GetTime("lastSeen"); !got.Equal(clk.Now()) {
		t.Errorf("Expected lastSeen %v, got %v", clk.Now(), got)
	}
}

func TestMemory_DeliveryOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	path := "rooms/R1"

	ch := make(chan Document, 100)
	unsub := m.Watch(ctx, path, func(doc Document) { ch <- doc }, func(error) {})
	defer unsub()

	// initial (absent) state
	select {
	case doc := <-ch:
		if doc.Exists {
			t.Fatal("Expected initial snapshot of a missing document")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	for i := 1; i <= 20; i++ {
		m.Set(ctx, path, Fields{"n": i}, SetOptions{Merge: true})
	}
	for i := 1; i <= 20; i++ {
		select {
		case doc := <-ch:
			if got := doc.Data.GetInt("n"); got != int64(i) {
				t.Fatalf("Expected n=%d, got %d", i, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestMemory_Close(t *testing.T) {
	m := NewMemory(nil)
	m.Close()

	if err := m.Set(context.Background(), "rooms/R1", Fields{}, SetOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
