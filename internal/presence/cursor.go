package presence

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"canvas-backend/internal/docstore"
)

// CursorBroadcaster writes the local pointer position to the session's
// record. Positions arriving faster than one per interval are dropped, and
// a single writer goroutine sends only the newest accepted position, so
// writes never overtake each other.
type CursorBroadcaster struct {
	session *Session
	opts    Options
	log     *zap.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}

	mu      sync.Mutex
	pending *Cursor
	closed  bool
}

func NewCursorBroadcaster(session *Session, opts Options) *CursorBroadcaster {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &CursorBroadcaster{
		session: session,
		opts:    opts,
		log:     opts.Logger.Named("Cursor").With(zap.String("user", session.Identity().UserID)),
		limiter: rate.NewLimiter(rate.Every(opts.CursorInterval), 1),
		ctx:     ctx,
		cancel:  cancel,
		kick:    make(chan struct{}, 1),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Report offers a new pointer position. It never blocks and gives no
// feedback.
func (b *CursorBroadcaster) Report(x, y float64) {
	if !b.session.Joined() {
		return
	}
	pos := Cursor{X: int(math.Round(x)), Y: int(math.Round(y))}

	b.mu.Lock()
	if b.closed || !b.limiter.AllowN(b.opts.Clock.Now(), 1) {
		b.mu.Unlock()
		return
	}
	b.pending = &pos
	b.mu.Unlock()

	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Close stops the writer. A write in flight is cancelled.
func (b *CursorBroadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.pending = nil
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

func (b *CursorBroadcaster) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.kick:
		}

		b.mu.Lock()
		pos := b.pending
		b.pending = nil
		b.mu.Unlock()
		if pos == nil {
			continue
		}
		b.write(*pos)
	}
}

func (b *CursorBroadcaster) write(pos Cursor) {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.WriteTimeout)
	defer cancel()

	// A cursor write doubles as a heartbeat and revives an evicted record.
	err := b.session.touch(ctx, docstore.Fields{
		fieldCursor:   map[string]any{"x": pos.X, "y": pos.Y},
		fieldLastSeen: docstore.ServerTimestamp,
		fieldIsActive: true,
	})
	if err != nil {
		b.log.Debug("cursor write dropped", zap.Error(err))
	}
}
