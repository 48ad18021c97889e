package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"canvas-backend/internal/docstore"
)

var ErrReconcilerClosed = errors.New("presence: reconciler closed")

// ActiveUser is a member shown in the room's member list.
type ActiveUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Color       string `json:"color"`
}

// RemoteCursor is another member's pointer.
type RemoteCursor struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
}

// View is what a client renders for a room. Order follows the snapshot it
// was computed from and carries no meaning.
type View struct {
	ActiveUsers   []ActiveUser   `json:"activeUsers"`
	RemoteCursors []RemoteCursor `json:"remoteCursors"`
}

// Project derives the view seen by selfID from a presence snapshot and
// returns the records that are stale at now. A record whose lastSeen has
// not been assigned yet is never stale.
func Project(records []Record, selfID string, now time.Time, threshold time.Duration) (View, []Record) {
	view := View{
		ActiveUsers:   make([]ActiveUser, 0, len(records)),
		RemoteCursors: make([]RemoteCursor, 0, len(records)),
	}
	var stale []Record

	for _, rec := range records {
		if !rec.IsActive {
			continue
		}
		var age time.Duration
		if !rec.LastSeen.IsZero() {
			age = now.Sub(rec.LastSeen)
		}
		if age > threshold {
			stale = append(stale, rec)
			continue
		}

		view.ActiveUsers = append(view.ActiveUsers, ActiveUser{
			UserID:      rec.UserID,
			DisplayName: rec.Name(),
			AvatarURL:   rec.AvatarURL,
			Color:       rec.Color,
		})
		if rec.UserID == selfID {
			continue
		}
		view.RemoteCursors = append(view.RemoteCursors, RemoteCursor{
			UserID:      rec.UserID,
			DisplayName: rec.Name(),
			Color:       rec.Color,
			X:           rec.Cursor.X,
			Y:           rec.Cursor.Y,
		})
	}
	return view, stale
}

// Snapshot computes the view of a room once without evicting anything.
func Snapshot(ctx context.Context, store docstore.Store, roomID, selfID string, opts Options) (View, error) {
	opts = opts.withDefaults()
	docs, err := store.Find(ctx, ActiveQuery(roomID))
	if err != nil {
		return View{}, err
	}
	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, RecordFromDocument(doc))
	}
	skew, _ := storeSkew(ctx, store, opts)
	view, _ := Project(records, selfID, opts.Clock.Now().Add(skew), opts.StaleThreshold)
	return view, nil
}

// storeSkew is how far the store's clock runs ahead of opts.Clock. lastSeen
// is stamped by the store, so ages are measured on the store's clock too.
// It is zero when the store keeps no clock of its own.
func storeSkew(ctx context.Context, store docstore.Store, opts Options) (time.Duration, error) {
	serverNow, err := docstore.ServerTime(ctx, store)
	if err != nil {
		return 0, err
	}
	return serverNow.Sub(opts.Clock.Now()), nil
}

// Reconciler keeps a live view of a room's active members. Any observer
// evicts stale records it sees, so a crashed client disappears as long as
// somebody is watching the room.
type Reconciler struct {
	store  docstore.Store
	roomID string
	selfID string
	opts   Options
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// cbMu is held for the whole of a notification so Close can wait for
	// one already running.
	cbMu sync.Mutex

	mu        sync.Mutex
	view      View
	skew      time.Duration
	started   bool
	closed    bool
	unsub     docstore.Unsubscribe
	evicting  map[string]struct{}
	listeners []func(View)
}

// NewReconciler creates a reconciler for roomID as seen by selfID. It does
// nothing until Start.
func NewReconciler(store docstore.Store, roomID, selfID string, opts Options) *Reconciler {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		store:    store,
		roomID:   roomID,
		selfID:   selfID,
		opts:     opts,
		log:      opts.Logger.Named("Reconciler").With(zap.String("room", roomID)),
		ctx:      ctx,
		cancel:   cancel,
		view:     View{ActiveUsers: []ActiveUser{}, RemoteCursors: []RemoteCursor{}},
		evicting: make(map[string]struct{}),
	}
}

// OnChange registers fn to receive every new view. Listeners run on the
// store's delivery goroutine and must not call Close.
func (r *Reconciler) OnChange(fn func(View)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Start opens the live query. Calling it again is a no-op.
func (r *Reconciler) Start() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrReconcilerClosed
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.ctx, r.opts.WriteTimeout)
	skew, err := storeSkew(ctx, r.store, r.opts)
	cancel()
	switch {
	case errors.Is(err, docstore.ErrNoClock):
	case err != nil:
		r.log.Warn("store clock unavailable, measuring staleness on the local clock", zap.Error(err))
	default:
		r.mu.Lock()
		r.skew = skew
		r.mu.Unlock()
	}

	unsub := r.store.Subscribe(r.ctx, ActiveQuery(r.roomID), r.handleSnapshot, r.handleError)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		unsub()
		return ErrReconcilerClosed
	}
	r.unsub = unsub
	return nil
}

// View returns the last projection.
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// Close stops the subscription. After it returns no listener runs and no
// eviction write is in flight.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	r.cancel()

	r.cbMu.Lock()
	r.cbMu.Unlock()
	r.wg.Wait()
}

func (r *Reconciler) handleSnapshot(docs []docstore.Document) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()

	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		if !doc.Exists {
			continue
		}
		records = append(records, RecordFromDocument(doc))
	}
	r.mu.Lock()
	skew := r.skew
	r.mu.Unlock()
	view, stale := Project(records, r.selfID, r.opts.Clock.Now().Add(skew), r.opts.StaleThreshold)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.view = view
	for _, rec := range stale {
		if _, ok := r.evicting[rec.UserID]; ok {
			continue
		}
		r.evicting[rec.UserID] = struct{}{}
		r.wg.Add(1)
		go r.evict(rec)
	}
	listeners := append([]func(View){}, r.listeners...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(view)
	}
}

// evict flips a stale record to inactive. Several observers may race to do
// this; the writes are identical so that is harmless.
func (r *Reconciler) evict(rec Record) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.evicting, rec.UserID)
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(r.ctx, r.opts.WriteTimeout)
	defer cancel()

	err := r.store.Update(ctx, PresencePath(r.roomID, rec.UserID), docstore.Fields{
		fieldIsActive: false,
	})
	if err != nil {
		r.log.Debug("eviction write dropped", zap.String("user", rec.UserID), zap.Error(err))
		return
	}
	r.log.Info("evicted stale member",
		zap.String("user", rec.UserID),
		zap.Time("lastSeen", rec.LastSeen),
	)
}

func (r *Reconciler) handleError(err error) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	if errors.Is(err, docstore.ErrPermissionDenied) {
		r.log.Debug("presence subscription denied", zap.Error(err))
		return
	}
	r.log.Warn("presence subscription error, keeping last view", zap.Error(err))
}
