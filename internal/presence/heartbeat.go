package presence

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Heartbeat refreshes a session's record on a fixed interval. Without it a
// member who stays connected but never moves the pointer would look like a
// crashed client to everyone else once StaleThreshold passes.
type Heartbeat struct {
	session *Session
	opts    Options
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

func NewHeartbeat(session *Session, opts Options) *Heartbeat {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Heartbeat{
		session: session,
		opts:    opts,
		log:     opts.Logger.Named("Heartbeat").With(zap.String("user", session.Identity().UserID)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins ticking. The ticker exists by the time Start returns, so a
// clock advanced afterwards always reaches it. Calling it again is a no-op.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.closed {
		return
	}
	h.started = true

	ticker := h.opts.Clock.Ticker(h.opts.HeartbeatInterval)
	h.wg.Add(1)
	go h.run(ticker)
}

// Close stops the ticker and waits for a write in flight to finish.
func (h *Heartbeat) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

func (h *Heartbeat) run(ticker *clock.Ticker) {
	defer h.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}
		h.beat()
	}
}

func (h *Heartbeat) beat() {
	ctx, cancel := context.WithTimeout(h.ctx, h.opts.WriteTimeout)
	defer cancel()

	err := h.session.Heartbeat(ctx)
	if err != nil && !errors.Is(err, ErrNotJoined) {
		h.log.Debug("heartbeat write dropped", zap.Error(err))
	}
}
