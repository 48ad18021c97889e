package handler

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"canvas-backend/internal/auth"
	"canvas-backend/internal/docstore"
	"canvas-backend/internal/presence"
)

// =============================================================================
// Canvas Hub - 이 노드에 붙은 캔버스 소켓 관리
// =============================================================================

// CanvasHub tracks the sockets connected to this node, per room. Presence
// state itself lives in the docstore; the hub only exists so the node can
// count its sockets and close them on shutdown.
type CanvasHub struct {
	rooms        map[string]*CanvasRoom
	mu           sync.RWMutex
	writeTimeout time.Duration
	log          *zap.Logger
}

// CanvasRoom is the set of local sockets in one room.
type CanvasRoom struct {
	ID    string
	conns map[string]*CanvasConn
}

// CanvasConn is one websocket and the engine client behind it.
type CanvasConn struct {
	ID       string
	RoomID   string
	Identity *auth.Identity
	Conn     *websocket.Conn
	Client   *presence.Client
	Access   *docstore.Revocable

	writeMu      sync.Mutex
	writeTimeout time.Duration // 0이면 데드라인 없음
	closed       bool
	log          *zap.Logger
}

// OutboundMessage 서버 -> 클라이언트 프레임
type OutboundMessage struct {
	Type    string `json:"type"` // connected, view, share, pong, error
	Payload any    `json:"payload,omitempty"`
}

// ConnectedPayload connected 프레임
type ConnectedPayload struct {
	ConnID      string `json:"connId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	Anonymous   bool   `json:"anonymous"`
	// AnonToken 익명 사용자가 재연결할 때 anonToken 쿼리로 돌려보내는 값
	AnonToken string `json:"anonToken,omitempty"`
}

// SharePayload share 프레임
type SharePayload struct {
	IsPublic bool `json:"isPublic"`
}

// ErrorPayload error 프레임
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewCanvasHub 허브 생성. writeTimeout은 소켓 쓰기마다 걸리는 데드라인
func NewCanvasHub(writeTimeout time.Duration, log *zap.Logger) *CanvasHub {
	return &CanvasHub{
		rooms:        make(map[string]*CanvasRoom),
		writeTimeout: writeTimeout,
		log:          log.Named("CanvasHub"),
	}
}

// Add registers a socket.
func (h *CanvasHub) Add(conn *CanvasConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[conn.RoomID]
	if !ok {
		room = &CanvasRoom{ID: conn.RoomID, conns: make(map[string]*CanvasConn)}
		h.rooms[conn.RoomID] = room
		h.log.Info("room opened", zap.String("room", conn.RoomID))
	}
	room.conns[conn.ID] = conn
	h.log.Debug("socket added",
		zap.String("room", conn.RoomID),
		zap.String("conn", conn.ID),
		zap.Int("total", len(room.conns)),
	)
}

// Remove unregisters a socket and drops empty rooms.
func (h *CanvasHub) Remove(conn *CanvasConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[conn.RoomID]
	if !ok {
		return
	}
	delete(room.conns, conn.ID)
	if len(room.conns) == 0 {
		delete(h.rooms, conn.RoomID)
		h.log.Info("room closed", zap.String("room", conn.RoomID))
	}
}

// Count is the number of local sockets in a room.
func (h *CanvasHub) Count(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if room, ok := h.rooms[roomID]; ok {
		return len(room.conns)
	}
	return 0
}

// Shutdown leaves every room gracefully so other nodes see the members go
// immediately instead of after the staleness window.
func (h *CanvasHub) Shutdown() {
	h.mu.Lock()
	conns := make([]*CanvasConn, 0)
	for _, room := range h.rooms {
		for _, c := range room.conns {
			conns = append(conns, c)
		}
	}
	h.rooms = make(map[string]*CanvasRoom)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *CanvasConn) {
			defer wg.Done()
			c.Client.Close()
			c.Send(OutboundMessage{Type: "error", Payload: ErrorPayload{Message: "server shutting down"}})
			c.Close()
		}(c)
	}
	wg.Wait()
	h.log.Info("shutdown complete", zap.Int("sockets", len(conns)))
}

// Send writes one frame. Engine callbacks and the read loop both send, so
// writes are serialized per socket. A write that misses the deadline closes
// the socket, and the read loop then tears the client down.
func (c *CanvasConn) Send(msg OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal frame", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Debug("failed to send frame, closing socket", zap.String("type", msg.Type), zap.Error(err))
		c.closed = true
		c.Conn.Close()
	}
}

// Close closes the socket once.
func (c *CanvasConn) Close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.Conn.Close()
}
