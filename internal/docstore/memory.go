package docstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Memory is an in-process Store. Notifications for one subscription are
// delivered in write order on a dedicated goroutine, never on the writer's
// goroutine.
type Memory struct {
	clock clock.Clock

	mu     sync.Mutex
	docs   map[string]Fields
	subs   map[uint64]*memSub
	nextID uint64
	closed bool
}

type memSub struct {
	query   Query  // collection subscription
	path    string // single document subscription
	deliver func(m *Memory)
	box     *mailbox
}

// NewMemory creates an empty store. A nil clock uses the wall clock.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		clock: clk,
		docs:  make(map[string]Fields),
		subs:  make(map[uint64]*memSub),
	}
}

// Now reports the clock ServerTimestamp resolves to.
func (m *Memory) Now(ctx context.Context) (time.Time, error) {
	return m.clock.Now(), nil
}

func (m *Memory) Get(ctx context.Context, path string) (Document, error) {
	if _, _, err := Split(path); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Document{}, ErrClosed
	}
	return m.documentLocked(path), nil
}

func (m *Memory) Set(ctx context.Context, path string, fields Fields, opts SetOptions) error {
	if _, _, err := Split(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	resolved := resolve(fields, m.clock.Now())
	next := Fields{}
	if cur, ok := m.docs[path]; ok && opts.Merge {
		next = cur.Clone()
	}
	mergeInto(next, resolved)
	m.docs[path] = next
	m.notifyLocked(path)
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, fields Fields) error {
	if _, _, err := Split(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, ok := m.docs[path]
	if !ok {
		return ErrNotFound
	}
	next := cur.Clone()
	applyUpdate(next, resolve(fields, m.clock.Now()))
	m.docs[path] = next
	m.notifyLocked(path)
	return nil
}

// Delete removes a document. The presence engine never deletes; this exists
// so callers can exercise the record-already-removed paths.
func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.docs[path]; !ok {
		return nil
	}
	delete(m.docs, path)
	m.notifyLocked(path)
	return nil
}

func (m *Memory) Find(ctx context.Context, q Query) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.queryLocked(q), nil
}

func (m *Memory) Watch(ctx context.Context, path string, onNext DocumentFunc, onError ErrorFunc) Unsubscribe {
	if _, _, err := Split(path); err != nil {
		go onError(err)
		return func() {}
	}
	sub := &memSub{path: path}
	sub.deliver = func(m *Memory) {
		doc := m.documentLocked(path)
		sub.box.post(func() { onNext(doc) })
	}
	return m.register(sub, onError)
}

func (m *Memory) Subscribe(ctx context.Context, q Query, onNext SnapshotFunc, onError ErrorFunc) Unsubscribe {
	sub := &memSub{query: q}
	sub.deliver = func(m *Memory) {
		docs := m.queryLocked(q)
		sub.box.post(func() { onNext(docs) })
	}
	return m.register(sub, onError)
}

func (m *Memory) register(sub *memSub, onError ErrorFunc) Unsubscribe {
	sub.box = newMailbox()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.box.post(func() { onError(ErrClosed) })
		return sub.box.stop
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	sub.deliver(m)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			sub.box.stop()
		})
	}
}

// Close stops every subscription and rejects further operations.
func (m *Memory) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[uint64]*memSub)
	m.closed = true
	m.mu.Unlock()
	for _, s := range subs {
		s.box.stop()
	}
	return nil
}

func (m *Memory) notifyLocked(path string) {
	collection, _, _ := Split(path)
	for _, s := range m.subs {
		if s.path == path || (s.path == "" && s.query.Collection == collection) {
			s.deliver(m)
		}
	}
}

func (m *Memory) documentLocked(path string) Document {
	_, id, _ := Split(path)
	doc := Document{Path: path, ID: id}
	if data, ok := m.docs[path]; ok {
		doc.Exists = true
		doc.Data = data.Clone()
	}
	return doc
}

func (m *Memory) queryLocked(q Query) []Document {
	prefix := q.Collection + "/"
	paths := make([]string, 0)
	for p, data := range m.docs {
		if !strings.HasPrefix(p, prefix) || strings.Contains(p[len(prefix):], "/") {
			continue
		}
		if q.Matches(data) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	docs := make([]Document, 0, len(paths))
	for _, p := range paths {
		docs = append(docs, m.documentLocked(p))
	}
	return docs
}

// mailbox runs posted callbacks in order on its own goroutine.
type mailbox struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newMailbox() *mailbox {
	b := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *mailbox) post(fn func()) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, fn)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *mailbox) stop() {
	b.once.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.queue = nil
		b.mu.Unlock()
		close(b.done)
	})
}

func (b *mailbox) run() {
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}
		for {
			b.mu.Lock()
			if b.stopped || len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}
			fn := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			fn()
		}
	}
}
