package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"canvas-backend/internal/auth"
	"canvas-backend/internal/cache"
	"canvas-backend/internal/docstore"
	"canvas-backend/internal/presence"
	"canvas-backend/internal/service"
)

const (
	startTimeout      = 10 * time.Second
	maxInboundMessage = 4 * 1024
)

// InboundMessage 클라이언트 -> 서버 프레임
type InboundMessage struct {
	Type    string          `json:"type"` // cursor, toggle_share, leave, ping
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CursorPayload cursor 프레임
type CursorPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CanvasWSHandler 캔버스 프레즌스 WebSocket 핸들러
type CanvasWSHandler struct {
	store       docstore.Store
	hub         *CanvasHub
	rooms       *service.RoomService
	redis       *cache.RedisClient // nil이면 연결 기록 생략
	opts        presence.Options
	authEnabled bool
	serverID    string
	log         *zap.Logger
}

// NewCanvasWSHandler CanvasWSHandler 생성
func NewCanvasWSHandler(
	store docstore.Store,
	hub *CanvasHub,
	rooms *service.RoomService,
	redis *cache.RedisClient,
	opts presence.Options,
	authEnabled bool,
	log *zap.Logger,
) *CanvasWSHandler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = presence.WriteTimeout
	}
	return &CanvasWSHandler{
		store:       store,
		hub:         hub,
		rooms:       rooms,
		redis:       redis,
		opts:        opts,
		authEnabled: authEnabled,
		serverID:    uuid.NewString(),
		log:         log.Named("CanvasWS"),
	}
}

// HandleWebSocket WebSocket 연결 처리
func (h *CanvasWSHandler) HandleWebSocket(c *websocket.Conn) {
	roomID, ok1 := c.Locals("roomID").(string)
	id, ok2 := c.Locals("identity").(*auth.Identity)
	if !ok1 || !ok2 {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"message":"invalid session"}}`))
		c.Close()
		return
	}

	identity := h.resolveIdentity(roomID, id)

	// 이 소켓은 자기 방 문서만 건드릴 수 있음
	access := docstore.NewRevocable(docstore.ScopePolicy(presence.RoomPath(roomID)))
	client, err := presence.NewClient(docstore.WithPolicy(h.store, access.Check), roomID, identity, h.opts)
	if err != nil {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"message":"invalid session"}}`))
		c.Close()
		return
	}

	conn := &CanvasConn{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		Identity: id,
		Conn:     c,
		Client:   client,
		Access:   access,

		writeTimeout: h.hub.writeTimeout,
		log: h.log.With(
			zap.String("room", roomID),
			zap.String("user", identity.UserID),
		),
	}
	conn.log.Info("socket connected", zap.Bool("anonymous", id.Anonymous))

	client.OnView(func(v presence.View) {
		conn.Send(OutboundMessage{Type: "view", Payload: v})
	})
	client.OnShare(func(isPublic bool) {
		conn.Send(OutboundMessage{Type: "share", Payload: SharePayload{IsPublic: isPublic}})
		if !isPublic && h.authEnabled && id.Anonymous {
			go h.kick(conn, "room is private")
		}
	})

	h.hub.Add(conn)
	h.track(conn)

	graceful := false
	defer func() {
		if graceful {
			client.Close()
		} else {
			client.Abort()
		}
		h.hub.Remove(conn)
		h.untrack(conn)
		conn.Close()
		conn.log.Info("socket disconnected", zap.Bool("graceful", graceful))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	err = client.Start(ctx)
	cancel()
	if err != nil {
		conn.log.Warn("failed to join room", zap.Error(err))
		conn.Send(OutboundMessage{Type: "error", Payload: ErrorPayload{Message: "failed to join room"}})
		return
	}

	conn.Send(OutboundMessage{Type: "connected", Payload: ConnectedPayload{
		ConnID:      conn.ID,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Color:       client.Color().String(),
		Anonymous:   id.Anonymous,
		AnonToken:   id.AnonToken,
	}})
	conn.Send(OutboundMessage{Type: "view", Payload: client.View()})
	conn.Send(OutboundMessage{Type: "share", Payload: SharePayload{IsPublic: client.IsShared()}})

	c.SetReadLimit(maxInboundMessage)

	// 메시지 수신 루프
	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			break
		}

		var msg InboundMessage
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "cursor":
			var p CursorPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				continue
			}
			client.Report(p.X, p.Y)
		case "toggle_share":
			h.handleToggle(conn)
		case "ping":
			h.refresh(conn)
			h.heartbeat(conn)
			conn.Send(OutboundMessage{Type: "pong"})
		case "leave":
			graceful = true
			return
		}
	}
}

func (h *CanvasWSHandler) handleToggle(conn *CanvasConn) {
	if h.authEnabled && conn.Identity.Anonymous {
		conn.Send(OutboundMessage{Type: "error", Payload: ErrorPayload{Message: "sign-in required"}})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
	defer cancel()
	if _, err := conn.Client.ToggleShare(ctx); err != nil {
		conn.Send(OutboundMessage{Type: "error", Payload: ErrorPayload{Message: "failed to toggle sharing"}})
	}
}

// heartbeat 클라이언트 ping마다 lastSeen 갱신. 주기 하트비트와 별개로 동작
func (h *CanvasWSHandler) heartbeat(conn *CanvasConn) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
	defer cancel()
	if err := conn.Client.Heartbeat(ctx); err != nil && !errors.Is(err, presence.ErrNotJoined) {
		h.log.Debug("ping heartbeat dropped", zap.String("user", conn.Identity.UserID), zap.Error(err))
	}
}

// kick removes an anonymous member from a room that just went private.
// The socket's own leave write is denied once access is revoked, so the
// record is retired here with the unguarded store.
func (h *CanvasWSHandler) kick(conn *CanvasConn, reason string) {
	conn.log.Info("kicking socket", zap.String("reason", reason))
	conn.Access.Revoke()
	conn.Send(OutboundMessage{Type: "error", Payload: ErrorPayload{Message: reason}})
	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
	defer cancel()
	if err := presence.Retire(ctx, h.store, conn.RoomID, conn.Identity.UserID); err != nil {
		conn.log.Debug("kick write dropped", zap.Error(err))
	}
}

// resolveIdentity fills in profile fields the token left out and records
// the room and membership.
func (h *CanvasWSHandler) resolveIdentity(roomID string, id *auth.Identity) presence.Identity {
	identity := presence.Identity{
		UserID:      id.UserID,
		DisplayName: id.Name,
		AvatarURL:   id.Avatar,
	}
	if id.Anonymous {
		if _, err := h.rooms.EnsureRoom(roomID, ""); err != nil {
			h.log.Warn("failed to register room", zap.String("room", roomID), zap.Error(err))
		}
		return identity
	}

	if identity.DisplayName == "" || identity.AvatarURL == "" {
		if user, err := h.rooms.LookupProfile(id.UserID); err == nil {
			if identity.DisplayName == "" {
				identity.DisplayName = user.Nickname
			}
			if identity.AvatarURL == "" && user.ProfileImg != nil {
				identity.AvatarURL = *user.ProfileImg
			}
		}
	}

	room, err := h.rooms.EnsureRoom(roomID, id.UserID)
	if err != nil {
		h.log.Warn("failed to register room", zap.String("room", roomID), zap.Error(err))
		return identity
	}
	if err := h.rooms.RecordMember(room, identity.UserID, identity.DisplayName, identity.AvatarURL); err != nil {
		h.log.Warn("failed to record member", zap.String("room", roomID), zap.Error(err))
	}
	return identity
}

func (h *CanvasWSHandler) track(conn *CanvasConn) {
	if h.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
	defer cancel()
	_ = h.redis.TrackConnection(ctx, conn.RoomID, cache.Connection{
		ConnID:      conn.ID,
		UserID:      conn.Identity.UserID,
		ServerID:    h.serverID,
		ConnectedAt: time.Now(),
	})
}

func (h *CanvasWSHandler) refresh(conn *CanvasConn) {
	if h.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
	defer cancel()
	if err := h.redis.RefreshConnections(ctx, conn.RoomID); err != nil {
		conn.log.Debug("failed to refresh connection registry", zap.Error(err))
	}
}

func (h *CanvasWSHandler) untrack(conn *CanvasConn) {
	if h.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
	defer cancel()
	if err := h.redis.UntrackConnection(ctx, conn.RoomID, conn.ID); err != nil {
		conn.log.Debug("failed to untrack connection", zap.Error(err))
	}
}
