package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// runStoreContract checks the behaviour every Store backend shares.
// newStore returns an empty store that is cleaned up with t.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SetMergeKeepsExistingFields", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		if err := s.Set(ctx, "rooms/R1", Fields{"isPublic": true, "owner": "a"}, SetOptions{}); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := s.Set(ctx, "rooms/R1", Fields{"isPublic": false}, SetOptions{Merge: true}); err != nil {
			t.Fatalf("Set merge failed: %v", err)
		}

		doc, err := s.Get(ctx, "rooms/R1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !doc.Exists {
			t.Fatal("Expected document to exist")
		}
		if doc.Data.GetBool("isPublic") {
			t.Error("Expected isPublic=false after merge")
		}
		if doc.Data.GetString("owner") != "a" {
			t.Errorf("Expected owner to survive merge, got %q", doc.Data.GetString("owner"))
		}
	})

	t.Run("SetMergeCreatesMissingDocument", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		doc, err := s.Get(ctx, "rooms/R1")
		if err != nil || doc.Exists {
			t.Fatalf("Expected a missing document without error, got %+v, %v", doc, err)
		}
		if err := s.Set(ctx, "rooms/R1", Fields{"isPublic": true}, SetOptions{Merge: true}); err != nil {
			t.Fatalf("Set merge failed: %v", err)
		}
		doc, _ = s.Get(ctx, "rooms/R1")
		if !doc.Exists || doc.ID != "R1" || !doc.Data.GetBool("isPublic") {
			t.Errorf("Expected rooms/R1 to be created, got %+v", doc)
		}
	})

	t.Run("SetWithoutMergeReplaces", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		s.Set(ctx, "rooms/R1", Fields{"isPublic": true, "owner": "a"}, SetOptions{})
		s.Set(ctx, "rooms/R1", Fields{"isPublic": false}, SetOptions{})

		doc, _ := s.Get(ctx, "rooms/R1")
		if _, ok := doc.Data.Lookup("owner"); ok {
			t.Error("Expected owner to be dropped by a non-merge Set")
		}
	})

	t.Run("NestedMerge", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		path := "rooms/R1/presence/u1"

		s.Set(ctx, path, Fields{"cursor": map[string]any{"x": 1, "y": 2}}, SetOptions{})
		s.Set(ctx, path, Fields{"cursor": map[string]any{"x": 5}}, SetOptions{Merge: true})

		doc, _ := s.Get(ctx, path)
		if doc.Data.GetInt("cursor.x") != 5 || doc.Data.GetInt("cursor.y") != 2 {
			t.Errorf("Expected cursor {5,2}, got %v", doc.Data["cursor"])
		}
	})

	t.Run("UpdateMissingDocument", func(t *testing.T) {
		s := newStore(t)

		err := s.Update(context.Background(), "rooms/R1/presence/ghost", Fields{"isActive": false})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
		doc, _ := s.Get(context.Background(), "rooms/R1/presence/ghost")
		if doc.Exists {
			t.Error("Expected a failed Update to leave no document behind")
		}
	})

	t.Run("UpdateDottedField", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		path := "rooms/R1/presence/u1"

		s.Set(ctx, path, Fields{"cursor": map[string]any{"x": 1, "y": 2}}, SetOptions{})
		if err := s.Update(ctx, path, Fields{"cursor.y": 9}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		doc, _ := s.Get(ctx, path)
		if doc.Data.GetInt("cursor.x") != 1 || doc.Data.GetInt("cursor.y") != 9 {
			t.Errorf("Expected cursor {1,9}, got %v", doc.Data["cursor"])
		}
	})

	t.Run("ConcurrentMergesAllLand", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				field := fmt.Sprintf("f%d", i)
				if err := s.Set(ctx, "rooms/R1", Fields{field: i}, SetOptions{Merge: true}); err != nil {
					t.Errorf("Set %s failed: %v", field, err)
				}
			}(i)
		}
		wg.Wait()

		doc, _ := s.Get(ctx, "rooms/R1")
		for i := 0; i < writers; i++ {
			field := fmt.Sprintf("f%d", i)
			if _, ok := doc.Data.Lookup(field); !ok {
				t.Errorf("Expected %s to survive concurrent merges, got %v", field, doc.Data)
			}
		}
	})

	t.Run("FindFiltersAndIgnoresSubcollections", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		s.Set(ctx, "rooms/R1", Fields{"isPublic": true}, SetOptions{})
		s.Set(ctx, "rooms/R1/presence/a", Fields{"isActive": true}, SetOptions{})
		s.Set(ctx, "rooms/R1/presence/b", Fields{"isActive": false}, SetOptions{})

		rooms, err := s.Find(ctx, Query{Collection: "rooms"})
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if len(rooms) != 1 || rooms[0].ID != "R1" {
			t.Errorf("Expected only rooms/R1, got %+v", rooms)
		}

		active, _ := s.Find(ctx, Query{
			Collection: "rooms/R1/presence",
			Where:      []Filter{{Field: "isActive", Value: true}},
		})
		if len(active) != 1 || active[0].ID != "a" || active[0].Path != "rooms/R1/presence/a" {
			t.Errorf("Expected only a, got %+v", active)
		}

		empty, err := s.Find(ctx, Query{Collection: "rooms/R9/presence"})
		if err != nil || empty == nil || len(empty) != 0 {
			t.Errorf("Expected an empty non-nil result, got %+v, %v", empty, err)
		}
	})

	t.Run("WatchDeliversCurrentThenChanges", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		ch := make(chan Document, 10)
		unsub := s.Watch(ctx, "rooms/R1", func(doc Document) { ch <- doc }, func(err error) { t.Errorf("unexpected error: %v", err) })
		defer unsub()

		if doc := recvDoc(t, ch); doc.Exists {
			t.Fatalf("Expected initial snapshot of a missing document, got %+v", doc)
		}

		s.Set(ctx, "rooms/R1", Fields{"isPublic": true}, SetOptions{Merge: true})
		waitDoc(t, ch, func(doc Document) bool { return doc.Exists && doc.Data.GetBool("isPublic") })

		s.Set(ctx, "rooms/R1", Fields{"isPublic": false}, SetOptions{Merge: true})
		waitDoc(t, ch, func(doc Document) bool { return doc.Exists && !doc.Data.GetBool("isPublic") })
	})

	t.Run("SubscribeFiltersAndRedelivers", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		s.Set(ctx, "rooms/R1/presence/a", Fields{"isActive": true}, SetOptions{})
		s.Set(ctx, "rooms/R1/presence/b", Fields{"isActive": false}, SetOptions{})
		s.Set(ctx, "rooms/R2/presence/c", Fields{"isActive": true}, SetOptions{})

		ch := make(chan []Document, 10)
		unsub := s.Subscribe(ctx, Query{
			Collection: "rooms/R1/presence",
			Where:      []Filter{{Field: "isActive", Value: true}},
		}, func(docs []Document) { ch <- docs }, func(err error) { t.Errorf("unexpected error: %v", err) })
		defer unsub()

		first := recvDocs(t, ch)
		if len(first) != 1 || first[0].ID != "a" {
			t.Fatalf("Expected only a, got %+v", first)
		}

		s.Update(ctx, "rooms/R1/presence/b", Fields{"isActive": true})
		waitDocs(t, ch, func(docs []Document) bool { return len(docs) == 2 })

		s.Update(ctx, "rooms/R1/presence/a", Fields{"isActive": false})
		waitDocs(t, ch, func(docs []Document) bool { return len(docs) == 1 && docs[0].ID == "b" })
	})

	t.Run("UnsubscribeIsHardCutoff", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		ch := make(chan []Document, 10)
		unsub := s.Subscribe(ctx, Query{Collection: "rooms/R1/presence"}, func(docs []Document) { ch <- docs }, func(error) {})
		recvDocs(t, ch)

		unsub()
		unsub() // idempotent

		s.Set(ctx, "rooms/R1/presence/a", Fields{"isActive": true}, SetOptions{})
		select {
		case docs := <-ch:
			t.Fatalf("Expected no delivery after unsubscribe, got %+v", docs)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("InvalidPath", func(t *testing.T) {
		s := newStore(t)

		if _, err := s.Get(context.Background(), "rooms"); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Expected ErrInvalidPath, got %v", err)
		}
		if err := s.Set(context.Background(), "rooms//presence/u1", Fields{}, SetOptions{}); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Expected ErrInvalidPath, got %v", err)
		}
	})
}

func recvDocs(t *testing.T, ch <-chan []Document) []Document {
	t.Helper()
	select {
	case docs := <-ch:
		return docs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func recvDoc(t *testing.T, ch <-chan Document) Document {
	t.Helper()
	select {
	case doc := <-ch:
		return doc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for document")
		return Document{}
	}
}

// waitDocs skips snapshots until one matches. Backends may coalesce or
// repeat deliveries, so only the final state is asserted.
func waitDocs(t *testing.T, ch <-chan []Document, match func([]Document) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case docs := <-ch:
			if match(docs) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching snapshot")
		}
	}
}

func waitDoc(t *testing.T, ch <-chan Document, match func(Document) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case doc := <-ch:
			if match(doc) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching document")
		}
	}
}
