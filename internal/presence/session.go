package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"canvas-backend/internal/docstore"
)

var (
	ErrInvalidRoom     = errors.New("presence: room id is required")
	ErrInvalidIdentity = errors.New("presence: user id is required")
	ErrSessionClosed   = errors.New("presence: session already left")
	ErrNotJoined       = errors.New("presence: session not joined")
)

// SessionState is where a Session is in its join/leave lifecycle.
type SessionState int

const (
	SessionUnjoined SessionState = iota
	SessionJoined
	SessionLeft
)

func (s SessionState) String() string {
	switch s {
	case SessionUnjoined:
		return "unjoined"
	case SessionJoined:
		return "joined"
	case SessionLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Session is one client's membership in one room. Room and identity never
// change; a client that wants another room or identity leaves and creates
// a new Session. A Session that has left cannot join again.
type Session struct {
	store    docstore.Store
	roomID   string
	identity Identity
	color    Color
	opts     Options
	log      *zap.Logger

	mu      sync.Mutex
	state   SessionState
	joining chan struct{} // closed when the in-flight join write returns

	// writeMu orders refresh writes against the leave write.
	writeMu sync.Mutex
}

// NewSession validates roomID and identity.
func NewSession(store docstore.Store, roomID string, identity Identity, opts Options) (*Session, error) {
	if roomID == "" {
		return nil, ErrInvalidRoom
	}
	if identity.UserID == "" {
		return nil, ErrInvalidIdentity
	}
	opts = opts.withDefaults()
	return &Session{
		store:    store,
		roomID:   roomID,
		identity: identity,
		color:    ColorFor(identity.UserID),
		opts:     opts,
		log: opts.Logger.Named("Session").With(
			zap.String("room", roomID),
			zap.String("user", identity.UserID),
		),
	}, nil
}

func (s *Session) RoomID() string     { return s.roomID }
func (s *Session) Identity() Identity { return s.identity }
func (s *Session) Color() Color       { return s.color }
func (s *Session) Path() string       { return PresencePath(s.roomID, s.identity.UserID) }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Joined reports whether the join write has landed and no leave happened.
func (s *Session) Joined() bool {
	return s.State() == SessionJoined
}

// Join upserts the member's record as active with the cursor at the origin.
// Calling Join on a joined session is a no-op.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case SessionJoined:
		s.mu.Unlock()
		return nil
	case SessionLeft:
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if pending := s.joining; pending != nil {
		s.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return ctx.Err()
		}
		return s.Join(ctx)
	}
	done := make(chan struct{})
	s.joining = done
	s.mu.Unlock()

	err := s.store.Set(ctx, s.Path(), docstore.Fields{
		fieldUserID:      s.identity.UserID,
		fieldDisplayName: s.identity.DisplayName,
		fieldAvatarURL:   s.identity.AvatarURL,
		fieldColor:       s.color.String(),
		fieldCursor:      map[string]any{"x": 0, "y": 0},
		fieldLastSeen:    docstore.ServerTimestamp,
		fieldIsActive:    true,
	}, docstore.SetOptions{Merge: true})

	s.mu.Lock()
	s.joining = nil
	close(done)
	defer s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("presence: join %s: %w", s.roomID, err)
	}
	if s.state == SessionLeft {
		// Leave ran while the write was in flight and will mark the
		// record inactive once it sees done closed.
		return ErrSessionClosed
	}
	s.state = SessionJoined
	s.log.Debug("joined")
	return nil
}

// Heartbeat marks the record active and refreshes lastSeen, so observers
// keep a connected but idle member. It returns ErrNotJoined and writes
// nothing unless the session is joined.
func (s *Session) Heartbeat(ctx context.Context) error {
	return s.touch(ctx, docstore.Fields{
		fieldIsActive: true,
		fieldLastSeen: docstore.ServerTimestamp,
	})
}

// touch updates the record while the session is joined. It shares writeMu
// with leave, so no refresh lands after the inactive write.
func (s *Session) touch(ctx context.Context, fields docstore.Fields) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.Joined() {
		return ErrNotJoined
	}
	return s.store.Update(ctx, s.Path(), fields)
}

// Leave is the graceful exit path.
func (s *Session) Leave() {
	s.leave("graceful")
}

// Abort is the exit path for a client that vanished without saying goodbye
// (closed tab, dropped socket). It does the same advisory write as Leave;
// the staleness sweep covers the case where it never lands.
func (s *Session) Abort() {
	s.leave("abrupt")
}

// leave marks the record inactive. It is idempotent, waits for an
// in-flight join or refresh so the inactive write lands last, and swallows
// write errors: nobody is listening for them once a client is going away.
func (s *Session) leave(reason string) {
	s.mu.Lock()
	if s.state == SessionLeft {
		s.mu.Unlock()
		return
	}
	wasJoined := s.state == SessionJoined
	s.state = SessionLeft
	pending := s.joining
	s.mu.Unlock()

	if !wasJoined && pending == nil {
		s.log.Debug("left before joining", zap.String("reason", reason))
		return
	}
	if pending != nil {
		<-pending
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()

	err := s.store.Update(ctx, s.Path(), docstore.Fields{
		fieldIsActive: false,
		fieldLastSeen: docstore.ServerTimestamp,
	})
	if err != nil {
		s.log.Debug("leave write dropped", zap.String("reason", reason), zap.Error(err))
		return
	}
	s.log.Debug("left", zap.String("reason", reason))
}

// Retire marks another member's record inactive. The server uses it when it
// removes a member whose own store access has already been revoked.
func Retire(ctx context.Context, store docstore.Store, roomID, userID string) error {
	return store.Update(ctx, PresencePath(roomID, userID), docstore.Fields{
		fieldIsActive: false,
		fieldLastSeen: docstore.ServerTimestamp,
	})
}
