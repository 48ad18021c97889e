package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"canvas-backend/internal/auth"
	"canvas-backend/internal/cache"
	"canvas-backend/internal/docstore"
	"canvas-backend/internal/middleware"
	"canvas-backend/internal/model"
	"canvas-backend/internal/presence"
	"canvas-backend/internal/service"
)

const requestTimeout = 5 * time.Second

// RoomHandler 방 조회/공유 REST 핸들러
type RoomHandler struct {
	store docstore.Store
	rooms *service.RoomService
	redis *cache.RedisClient
	hub   *CanvasHub
	opts  presence.Options
	log   *zap.Logger
}

// NewRoomHandler RoomHandler 생성
func NewRoomHandler(store docstore.Store, rooms *service.RoomService, redis *cache.RedisClient, hub *CanvasHub, opts presence.Options, log *zap.Logger) *RoomHandler {
	return &RoomHandler{
		store: store,
		rooms: rooms,
		redis: redis,
		hub:   hub,
		opts:  opts,
		log:   log.Named("Room"),
	}
}

// PresenceResponse 방 프레즌스 응답
type PresenceResponse struct {
	RoomID        string                  `json:"roomId"`
	ActiveUsers   []presence.ActiveUser   `json:"activeUsers"`
	RemoteCursors []presence.RemoteCursor `json:"remoteCursors"`
	Connections   int                     `json:"connections"`
}

// MemberResponse 방 멤버 응답
type MemberResponse struct {
	UserID     string    `json:"userId"`
	Nickname   string    `json:"nickname"`
	ProfileImg *string   `json:"profileImg,omitempty"`
	Role       string    `json:"role"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastSeen   time.Time `json:"lastSeen"`
}

// GetPresence 방의 현재 접속자와 커서 조회
func (h *RoomHandler) GetPresence(c *fiber.Ctx) error {
	roomID := middleware.GetRoomID(c)
	id, err := auth.GetIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()

	view, err := presence.Snapshot(ctx, h.store, roomID, id.UserID, h.opts)
	if err != nil {
		h.log.Warn("presence snapshot failed", zap.String("room", roomID), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "presence unavailable"})
	}

	return c.JSON(PresenceResponse{
		RoomID:        roomID,
		ActiveUsers:   orEmpty(view.ActiveUsers),
		RemoteCursors: orEmpty(view.RemoteCursors),
		Connections:   h.connectionCount(ctx, roomID),
	})
}

// GetShare 방 공개 여부 조회
func (h *RoomHandler) GetShare(c *fiber.Ctx) error {
	roomID := middleware.GetRoomID(c)

	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()

	isPublic, err := presence.ReadShareState(ctx, h.store, roomID)
	if err != nil {
		h.log.Warn("share state lookup failed", zap.String("room", roomID), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "room state unavailable"})
	}
	return c.JSON(SharePayload{IsPublic: isPublic})
}

// ToggleShare 방 공개 여부 전환
func (h *RoomHandler) ToggleShare(c *fiber.Ctx) error {
	roomID := middleware.GetRoomID(c)

	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()

	isPublic, err := presence.ToggleShareState(ctx, h.store, roomID)
	if err != nil {
		h.log.Warn("share toggle failed", zap.String("room", roomID), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "failed to toggle sharing"})
	}
	h.log.Info("share toggled", zap.String("room", roomID), zap.Bool("isPublic", isPublic))
	return c.JSON(SharePayload{IsPublic: isPublic})
}

// GetMembers 방에 들어온 적 있는 인증 사용자 목록
func (h *RoomHandler) GetMembers(c *fiber.Ctx) error {
	roomID := middleware.GetRoomID(c)

	members, err := h.rooms.ListMembers(roomID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load members"})
	}

	response := make([]MemberResponse, 0, len(members))
	for _, m := range members {
		response = append(response, toMemberResponse(m))
	}
	return c.JSON(response)
}

// connectionCount prefers the cluster-wide registry and falls back to this
// node's sockets.
func (h *RoomHandler) connectionCount(ctx context.Context, roomID string) int {
	if h.redis != nil {
		conns, err := h.redis.ListConnections(ctx, roomID)
		if err == nil {
			return len(conns)
		}
		h.log.Debug("connection registry unavailable", zap.Error(err))
	}
	if h.hub == nil {
		return 0
	}
	return h.hub.Count(roomID)
}

func toMemberResponse(m model.RoomMember) MemberResponse {
	return MemberResponse{
		UserID:     m.UserID,
		Nickname:   m.User.Nickname,
		ProfileImg: m.User.ProfileImg,
		Role:       m.Role,
		JoinedAt:   m.JoinedAt,
		LastSeen:   m.LastSeen,
	}
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
