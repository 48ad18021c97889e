package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"canvas-backend/internal/docstore"
)

var ErrShareClosed = errors.New("presence: share sync closed")

// ShareSync mirrors a room's public flag and flips it on request.
// Concurrent toggles from different clients are last-write-wins.
type ShareSync struct {
	store  docstore.Store
	roomID string
	opts   Options
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	cbMu     sync.Mutex
	toggleMu sync.Mutex

	mu        sync.Mutex
	isPublic  bool
	observed  uint64        // notifications seen, so Toggle can tell if its value is already outdated
	ready     chan struct{} // closed on the first delivery or watch error
	started   bool
	closed    bool
	unsub     docstore.Unsubscribe
	listeners []func(bool)
}

func NewShareSync(store docstore.Store, roomID string, opts Options) *ShareSync {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &ShareSync{
		store:  store,
		roomID: roomID,
		opts:   opts,
		log:    opts.Logger.Named("Share").With(zap.String("room", roomID)),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
}

// OnChange registers fn to receive the flag whenever it changes.
func (s *ShareSync) OnChange(fn func(bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start watches the room record and waits, bounded by ctx, until the first
// value arrives so IsPublic and Toggle start from the stored flag rather
// than the private default. Calling it again is a no-op.
func (s *ShareSync) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShareClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	unsub := s.store.Watch(s.ctx, RoomPath(s.roomID), s.handleDocument, s.handleError)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		return ErrShareClosed
	}
	s.unsub = unsub
	s.mu.Unlock()

	select {
	case <-s.ready:
		return nil
	default:
	}
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("presence: waiting for share state: %w", ctx.Err())
	}
}

// markReadyLocked is called with mu held.
func (s *ShareSync) markReadyLocked() {
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
}

// IsPublic is the last observed value, false until the room says otherwise.
func (s *ShareSync) IsPublic() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPublic
}

// Toggle writes the negation of the observed flag and adopts it once the
// store acknowledges. Before the watch has delivered anything the flag is
// read from the store instead. On failure the observed flag is left alone.
func (s *ShareSync) Toggle(ctx context.Context) (bool, error) {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrShareClosed
	}
	next := !s.isPublic
	mark := s.observed
	s.mu.Unlock()

	if mark == 0 {
		cur, err := ReadShareState(ctx, s.store, s.roomID)
		if err != nil {
			return s.IsPublic(), fmt.Errorf("presence: toggle share: %w", err)
		}
		next = !cur
	}

	err := s.store.Set(ctx, RoomPath(s.roomID), docstore.Fields{
		fieldIsPublic: next,
	}, docstore.SetOptions{Merge: true})
	if err != nil {
		s.log.Warn("share toggle failed", zap.Bool("isPublic", next), zap.Error(err))
		return s.IsPublic(), fmt.Errorf("presence: toggle share: %w", err)
	}

	// Once the watch has delivered anything since the write began it owns
	// the value; the write's own notification is still on its way.
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.mu.Lock()
	if s.observed != mark {
		s.mu.Unlock()
		return next, nil
	}
	s.adoptLocked(next)
	return next, nil
}

// Close stops watching the room record.
func (s *ShareSync) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.cancel()

	s.cbMu.Lock()
	s.cbMu.Unlock()
}

func (s *ShareSync) handleDocument(doc docstore.Document) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.mu.Lock()
	s.observed++
	s.markReadyLocked()
	s.adoptLocked(doc.Exists && doc.Data.GetBool(fieldIsPublic))
}

// adoptLocked is called with mu held and releases it before running
// listeners. Callers hold cbMu so listeners see values in order.
func (s *ShareSync) adoptLocked(v bool) {
	if s.closed || s.isPublic == v {
		s.mu.Unlock()
		return
	}
	s.isPublic = v
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(v)
	}
}

func (s *ShareSync) handleError(err error) {
	s.mu.Lock()
	closed := s.closed
	s.markReadyLocked()
	s.mu.Unlock()
	if closed {
		return
	}
	if errors.Is(err, docstore.ErrPermissionDenied) {
		s.log.Debug("room watch denied", zap.Error(err))
		return
	}
	s.log.Warn("room watch error, keeping last value", zap.Error(err))
}

// ReadShareState reads a room's flag once.
func ReadShareState(ctx context.Context, store docstore.Store, roomID string) (bool, error) {
	doc, err := store.Get(ctx, RoomPath(roomID))
	if err != nil {
		return false, err
	}
	return doc.Exists && doc.Data.GetBool(fieldIsPublic), nil
}

// ToggleShareState flips a room's flag without a live watch and returns the
// value written.
func ToggleShareState(ctx context.Context, store docstore.Store, roomID string) (bool, error) {
	cur, err := ReadShareState(ctx, store, roomID)
	if err != nil {
		return false, err
	}
	next := !cur
	if err := store.Set(ctx, RoomPath(roomID), docstore.Fields{fieldIsPublic: next}, docstore.SetOptions{Merge: true}); err != nil {
		return cur, err
	}
	return next, nil
}
