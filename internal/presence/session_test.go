package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"canvas-backend/internal/docstore"
)

var alice = Identity{UserID: "alice", DisplayName: "Alice"}

func TestNewSession_Validation(t *testing.T) {
	store := newFakeStore()
	if _, err := NewSession(store, "", alice, Options{}); !errors.Is(err, ErrInvalidRoom) {
		t.Errorf("Expected ErrInvalidRoom, got %v", err)
	}
	if _, err := NewSession(store, "R1", Identity{}, Options{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("Expected ErrInvalidIdentity, got %v", err)
	}
}

func TestSession_JoinUpsertsActiveRecord(t *testing.T) {
	store := newFakeStore()
	s, _ := NewSession(store, "R1", alice, Options{})

	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if !s.Joined() {
		t.Fatal("Expected session to be joined")
	}

	sets := store.writesOf("set")
	if len(sets) != 1 {
		t.Fatalf("Expected 1 set, got %d", len(sets))
	}
	w := sets[0]
	if w.path != "rooms/R1/presence/alice" || !w.merge {
		t.Errorf("Unexpected write %+v", w)
	}
	if w.fields[fieldIsActive] != true {
		t.Error("Expected isActive=true")
	}
	if w.fields[fieldLastSeen] != docstore.ServerTimestamp {
		t.Error("Expected lastSeen to be a server timestamp")
	}
	if w.fields[fieldColor] != ColorFor("alice").String() {
		t.Errorf("Unexpected color %v", w.fields[fieldColor])
	}

	// second join is a no-op
	s.Join(context.Background())
	if n := len(store.writesOf("set")); n != 1 {
		t.Errorf("Expected join to be idempotent, got %d sets", n)
	}
}

func TestSession_LeaveIsIdempotent(t *testing.T) {
	store := newFakeStore()
	s, _ := NewSession(store, "R1", alice, Options{})
	s.Join(context.Background())

	s.Leave()
	s.Leave()
	s.Abort()

	updates := store.writesOf("update")
	if len(updates) != 1 {
		t.Fatalf("Expected 1 leave write, got %d", len(updates))
	}
	if updates[0].fields[fieldIsActive] != false {
		t.Error("Expected isActive=false")
	}
	if s.State() != SessionLeft {
		t.Errorf("Expected Left, got %v", s.State())
	}
	if err := s.Join(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

func TestSession_LeaveBeforeJoinWritesNothing(t *testing.T) {
	store := newFakeStore()
	s, _ := NewSession(store, "R1", alice, Options{})

	s.Leave()

	if n := len(store.writesOf("update")); n != 0 {
		t.Errorf("Expected no writes, got %d", n)
	}
}

func TestSession_LeaveSwallowsErrors(t *testing.T) {
	store := newFakeStore()
	s, _ := NewSession(store, "R1", alice, Options{})
	s.Join(context.Background())

	store.updateErr = docstore.ErrNotFound
	s.Leave()

	if s.State() != SessionLeft {
		t.Errorf("Expected Left, got %v", s.State())
	}
}

func TestSession_LeaveWinsOverInflightJoin(t *testing.T) {
	store := newFakeStore()
	store.setGate = make(chan struct{})
	store.setStarted = make(chan struct{}, 1)
	s, _ := NewSession(store, "R1", alice, Options{})

	joinErr := make(chan error, 1)
	go func() { joinErr <- s.Join(context.Background()) }()
	<-store.setStarted

	left := make(chan struct{})
	go func() {
		s.Leave()
		close(left)
	}()

	select {
	case <-left:
		t.Fatal("Leave returned before the join write finished")
	case <-time.After(50 * time.Millisecond):
	}
	if n := len(store.writesOf("update")); n != 0 {
		t.Fatalf("Leave write issued before join write, got %d updates", n)
	}

	close(store.setGate)
	<-left

	if err := <-joinErr; !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected join to report ErrSessionClosed, got %v", err)
	}
	store.mu.Lock()
	last := store.writes[len(store.writes)-1]
	store.mu.Unlock()
	if last.op != "update" || last.fields[fieldIsActive] != false {
		t.Errorf("Expected final write to mark inactive, got %+v", last)
	}
}

func TestSession_HeartbeatOnlyWhileJoined(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	s, _ := NewSession(store, "R1", alice, Options{})

	if err := s.Heartbeat(ctx); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Expected ErrNotJoined before join, got %v", err)
	}

	s.Join(ctx)
	if err := s.Heartbeat(ctx); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	updates := store.writesOf("update")
	if len(updates) != 1 {
		t.Fatalf("Expected 1 heartbeat write, got %d", len(updates))
	}
	w := updates[0]
	if w.path != "rooms/R1/presence/alice" || w.fields[fieldIsActive] != true || w.fields[fieldLastSeen] != docstore.ServerTimestamp {
		t.Errorf("Unexpected heartbeat write %+v", w)
	}

	s.Leave()
	if err := s.Heartbeat(ctx); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Expected ErrNotJoined after leave, got %v", err)
	}
	if n := len(store.writesOf("update")); n != 2 {
		t.Errorf("Expected only the heartbeat and the leave write, got %d", n)
	}
}

func TestSession_LeaveWaitsForInflightHeartbeat(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	s, _ := NewSession(store, "R1", alice, Options{})
	s.Join(ctx)

	store.mu.Lock()
	store.updateGate = make(chan struct{})
	store.updateStarted = make(chan struct{}, 2)
	store.mu.Unlock()

	beat := make(chan error, 1)
	go func() { beat <- s.Heartbeat(ctx) }()
	<-store.updateStarted

	left := make(chan struct{})
	go func() {
		s.Leave()
		close(left)
	}()

	select {
	case <-left:
		t.Fatal("Leave returned while a heartbeat write was in flight")
	case <-store.updateStarted:
		t.Fatal("Leave write issued while a heartbeat write was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.updateGate)
	<-left
	if err := <-beat; err != nil {
		t.Errorf("Heartbeat failed: %v", err)
	}

	updates := store.writesOf("update")
	if len(updates) != 2 {
		t.Fatalf("Expected heartbeat then leave, got %d updates", len(updates))
	}
	if updates[1].fields[fieldIsActive] != false {
		t.Errorf("Expected the leave write to land last, got %+v", updates[1])
	}
}

func TestRetire(t *testing.T) {
	store := newFakeStore()
	if err := Retire(context.Background(), store, "R1", "bob"); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}

	updates := store.writesOf("update")
	if len(updates) != 1 {
		t.Fatalf("Expected 1 update, got %d", len(updates))
	}
	w := updates[0]
	if w.path != "rooms/R1/presence/bob" || w.fields[fieldIsActive] != false {
		t.Errorf("Unexpected write %+v", w)
	}
}
