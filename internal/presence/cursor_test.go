package presence

import (
	"context"
	"testing"
	"time"

	"canvas-backend/internal/docstore"
)

func cursorOf(t *testing.T, w fakeWrite) Cursor {
	t.Helper()
	m, ok := w.fields[fieldCursor].(map[string]any)
	if !ok {
		t.Fatalf("Expected cursor map, got %T", w.fields[fieldCursor])
	}
	return Cursor{X: m["x"].(int), Y: m["y"].(int)}
}

func TestCursorBroadcaster_RequiresJoinedSession(t *testing.T) {
	store := newFakeStore()
	s, _ := NewSession(store, "R1", alice, Options{})
	b := NewCursorBroadcaster(s, Options{Clock: newMockClock()})
	defer b.Close()

	b.Report(10, 10)
	time.Sleep(20 * time.Millisecond)

	if n := len(store.writesOf("update")); n != 0 {
		t.Errorf("Expected no write before join, got %d", n)
	}
}

func TestCursorBroadcaster_RateLimit(t *testing.T) {
	clk := newMockClock()
	store := newFakeStore()
	opts := Options{Clock: clk}
	s, _ := NewSession(store, "R1", alice, opts)
	s.Join(context.Background())
	b := NewCursorBroadcaster(s, opts)
	defer b.Close()

	b.Report(10.4, 20.6)
	clk.Add(50 * time.Millisecond)
	b.Report(30, 40)

	eventually(t, "first cursor write", func() bool { return len(store.writesOf("update")) == 1 })
	time.Sleep(20 * time.Millisecond)
	updates := store.writesOf("update")
	if len(updates) != 1 {
		t.Fatalf("Expected 1 write within the interval, got %d", len(updates))
	}
	if got := cursorOf(t, updates[0]); got != (Cursor{X: 10, Y: 21}) {
		t.Errorf("Expected rounded cursor {10 21}, got %+v", got)
	}

	clk.Add(100 * time.Millisecond)
	b.Report(55.5, 66.4)

	eventually(t, "second cursor write", func() bool { return len(store.writesOf("update")) == 2 })
	updates = store.writesOf("update")
	if got := cursorOf(t, updates[1]); got != (Cursor{X: 56, Y: 66}) {
		t.Errorf("Expected latest cursor {56 66}, got %+v", got)
	}
	if updates[1].path != "rooms/R1/presence/alice" {
		t.Errorf("Unexpected path %s", updates[1].path)
	}
	if updates[1].fields[fieldIsActive] != true || updates[1].fields[fieldLastSeen] != docstore.ServerTimestamp {
		t.Errorf("Expected a cursor write to refresh liveness, got %+v", updates[1].fields)
	}
}

func TestCursorBroadcaster_SwallowsErrorsAndStopsAfterClose(t *testing.T) {
	clk := newMockClock()
	store := newFakeStore()
	opts := Options{Clock: clk}
	s, _ := NewSession(store, "R1", alice, opts)
	s.Join(context.Background())
	b := NewCursorBroadcaster(s, opts)

	store.mu.Lock()
	store.updateErr = context.DeadlineExceeded
	store.mu.Unlock()
	b.Report(1, 1)
	time.Sleep(20 * time.Millisecond)

	b.Close()
	b.Close()
	store.mu.Lock()
	store.updateErr = nil
	store.mu.Unlock()
	clk.Add(time.Second)
	b.Report(2, 2)
	time.Sleep(20 * time.Millisecond)

	if n := len(store.writesOf("update")); n != 0 {
		t.Errorf("Expected no recorded writes, got %d", n)
	}
}
