package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"canvas-backend/internal/auth"
	"canvas-backend/internal/docstore"
	"canvas-backend/internal/presence"
	"canvas-backend/internal/service"
)

const (
	maxRoomIDLength = 128
	lookupTimeout   = 3 * time.Second
)

// RoomMiddleware 방 접근 권한 미들웨어
type RoomMiddleware struct {
	store       docstore.Store
	rooms       *service.RoomService
	authEnabled bool
	log         *zap.Logger
}

// NewRoomMiddleware RoomMiddleware 생성. authEnabled가 false면 모든 방이 공개
func NewRoomMiddleware(store docstore.Store, rooms *service.RoomService, authEnabled bool, log *zap.Logger) *RoomMiddleware {
	return &RoomMiddleware{
		store:       store,
		rooms:       rooms,
		authEnabled: authEnabled,
		log:         log.Named("RoomAccess"),
	}
}

// ValidRoomID 방 ID 검증 (경로 구분자 금지)
func ValidRoomID(roomID string) bool {
	return roomID != "" && len(roomID) <= maxRoomIDLength && !strings.ContainsAny(roomID, "/ ")
}

// GetRoomID 컨텍스트에서 방 ID 조회
func GetRoomID(c *fiber.Ctx) string {
	id, _ := c.Locals("roomID").(string)
	return id
}

// RequireRoomAccess 방 입장 권한 확인.
// 공개 방은 누구나, 비공개 방은 소유자와 기존 멤버만 (아직 없는 방은 첫 사용자가 소유자)
func (m *RoomMiddleware) RequireRoomAccess() fiber.Handler {
	return func(c *fiber.Ctx) error {
		roomID := c.Params("roomId")
		if !ValidRoomID(roomID) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid room ID",
			})
		}
		c.Locals("roomID", roomID)

		id, err := auth.GetIdentity(c)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}

		if !m.authEnabled {
			return c.Next()
		}

		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()
		isPublic, err := presence.ReadShareState(ctx, m.store, roomID)
		if err != nil {
			m.log.Warn("share state lookup failed", zap.String("room", roomID), zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "room state unavailable",
			})
		}
		if isPublic {
			return c.Next()
		}

		if id.Anonymous {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "room is private",
			})
		}
		if !m.rooms.Enabled() {
			return c.Next()
		}

		room, err := m.rooms.GetRoom(roomID)
		if service.IsNotFound(err) {
			return c.Next()
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to load room",
			})
		}
		if room.OwnerID == nil || *room.OwnerID == id.UserID || m.rooms.IsRoomMember(roomID, id.UserID) {
			return c.Next()
		}

		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "not a room member",
		})
	}
}

// RequireSignedIn 인증이 켜져 있을 때만 익명 사용자 거부
func (m *RoomMiddleware) RequireSignedIn() fiber.Handler {
	if !m.authEnabled {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return auth.RequireUser()
}
