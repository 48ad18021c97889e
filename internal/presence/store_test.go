package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"canvas-backend/internal/docstore"
)

type fakeWrite struct {
	op     string
	path   string
	fields docstore.Fields
	merge  bool
}

// fakeStore records writes and lets tests push notifications by hand.
type fakeStore struct {
	mu        sync.Mutex
	writes    []fakeWrite
	setErr    error
	updateErr error
	doc       docstore.Document
	// quietWatch suppresses the initial Watch delivery.
	quietWatch bool

	// setGate, when set, holds every Set until it is closed. setStarted
	// receives once per Set that reached the gate.
	setGate    chan struct{}
	setStarted chan struct{}

	// updateGate works like setGate for Update.
	updateGate    chan struct{}
	updateStarted chan struct{}

	snapshotFns []docstore.SnapshotFunc
	documentFns []docstore.DocumentFunc
	errorFns    []docstore.ErrorFunc
	unsubs      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (f *fakeStore) record(w fakeWrite) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, w)
}

func (f *fakeStore) Get(ctx context.Context, path string) (docstore.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc, nil
}

func (f *fakeStore) Set(ctx context.Context, path string, fields docstore.Fields, opts docstore.SetOptions) error {
	f.mu.Lock()
	gate, started, err := f.setGate, f.setStarted, f.setErr
	f.mu.Unlock()

	if gate != nil {
		if started != nil {
			started <- struct{}{}
		}
		<-gate
	}
	if err != nil {
		return err
	}
	f.record(fakeWrite{op: "set", path: path, fields: fields, merge: opts.Merge})
	return nil
}

func (f *fakeStore) Update(ctx context.Context, path string, fields docstore.Fields) error {
	f.mu.Lock()
	gate, started, err := f.updateGate, f.updateStarted, f.updateErr
	f.mu.Unlock()

	if gate != nil {
		if started != nil {
			started <- struct{}{}
		}
		<-gate
	}
	if err != nil {
		return err
	}
	f.record(fakeWrite{op: "update", path: path, fields: fields})
	return nil
}

func (f *fakeStore) Find(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	return nil, nil
}

// Watch delivers the current doc once, like a real store, and then only
// what tests push with emitDoc.
func (f *fakeStore) Watch(ctx context.Context, path string, onNext docstore.DocumentFunc, onError docstore.ErrorFunc) docstore.Unsubscribe {
	f.mu.Lock()
	f.documentFns = append(f.documentFns, onNext)
	f.errorFns = append(f.errorFns, onError)
	doc, quiet := f.doc, f.quietWatch
	f.mu.Unlock()

	if !quiet {
		onNext(doc)
	}
	return f.unsubscribe
}

func (f *fakeStore) Subscribe(ctx context.Context, q docstore.Query, onNext docstore.SnapshotFunc, onError docstore.ErrorFunc) docstore.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotFns = append(f.snapshotFns, onNext)
	f.errorFns = append(f.errorFns, onError)
	return f.unsubscribe
}

func (f *fakeStore) unsubscribe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs++
}

// emit delivers a snapshot to every live query, even after unsubscribe,
// like a notification already in flight.
func (f *fakeStore) emit(docs ...docstore.Document) {
	f.mu.Lock()
	fns := append([]docstore.SnapshotFunc{}, f.snapshotFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(docs)
	}
}

func (f *fakeStore) emitDoc(doc docstore.Document) {
	f.mu.Lock()
	fns := append([]docstore.DocumentFunc{}, f.documentFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(doc)
	}
}

func (f *fakeStore) fail(err error) {
	f.mu.Lock()
	fns := append([]docstore.ErrorFunc{}, f.errorFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (f *fakeStore) writesOf(op string) []fakeWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeWrite
	for _, w := range f.writes {
		if w.op == op {
			out = append(out, w)
		}
	}
	return out
}

func presenceDoc(roomID, userID string, lastSeen time.Time, cursor Cursor) docstore.Document {
	data := docstore.Fields{
		fieldUserID:      userID,
		fieldDisplayName: "name-" + userID,
		fieldColor:       ColorFor(userID).String(),
		fieldCursor:      map[string]any{"x": cursor.X, "y": cursor.Y},
		fieldIsActive:    true,
	}
	if !lastSeen.IsZero() {
		data[fieldLastSeen] = lastSeen
	}
	return docstore.Document{
		Path:   PresencePath(roomID, userID),
		ID:     userID,
		Exists: true,
		Data:   data,
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
