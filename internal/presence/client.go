package presence

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"canvas-backend/internal/docstore"
)

// Client is everything one connected user needs in one room: their own
// session, the room view, cursor reporting and the share flag.
type Client struct {
	session    *Session
	reconciler *Reconciler
	cursor     *CursorBroadcaster
	heartbeat  *Heartbeat
	share      *ShareSync
	log        *zap.Logger

	closeOnce sync.Once
}

func NewClient(store docstore.Store, roomID string, identity Identity, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	session, err := NewSession(store, roomID, identity, opts)
	if err != nil {
		return nil, err
	}
	return &Client{
		session:    session,
		reconciler: NewReconciler(store, roomID, identity.UserID, opts),
		cursor:     NewCursorBroadcaster(session, opts),
		heartbeat:  NewHeartbeat(session, opts),
		share:      NewShareSync(store, roomID, opts),
		log: opts.Logger.Named("Client").With(
			zap.String("room", roomID),
			zap.String("user", identity.UserID),
		),
	}, nil
}

// Start opens the room subscriptions, waits for the room's share flag,
// joins and starts the heartbeat. Listeners registered before Start see the
// first view.
func (c *Client) Start(ctx context.Context) error {
	if err := c.reconciler.Start(); err != nil {
		return err
	}
	if err := c.share.Start(ctx); err != nil {
		return err
	}
	if err := c.session.Join(ctx); err != nil {
		return err
	}
	c.heartbeat.Start()
	return nil
}

func (c *Client) OnView(fn func(View))  { c.reconciler.OnChange(fn) }
func (c *Client) OnShare(fn func(bool)) { c.share.OnChange(fn) }

func (c *Client) View() View          { return c.reconciler.View() }
func (c *Client) Report(x, y float64) { c.cursor.Report(x, y) }
func (c *Client) IsShared() bool      { return c.share.IsPublic() }
func (c *Client) Color() Color        { return c.session.Color() }
func (c *Client) Identity() Identity  { return c.session.Identity() }
func (c *Client) Session() *Session   { return c.session }

func (c *Client) ToggleShare(ctx context.Context) (bool, error) {
	return c.share.Toggle(ctx)
}

// Heartbeat refreshes the member's record now, on top of the periodic one.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.session.Heartbeat(ctx)
}

// Close tears the client down after a graceful leave.
func (c *Client) Close() {
	c.shutdown(c.session.Leave)
}

// Abort tears the client down after its transport died.
func (c *Client) Abort() {
	c.shutdown(c.session.Abort)
}

func (c *Client) shutdown(leave func()) {
	c.closeOnce.Do(func() {
		c.heartbeat.Close()
		c.cursor.Close()
		c.reconciler.Close()
		c.share.Close()
		leave()
		c.log.Debug("client closed")
	})
}
