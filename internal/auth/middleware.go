package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const identityKey = "identity"

// AnonymousPrefix 익명 사용자 ID 접두사
const AnonymousPrefix = "anon-"

// Identity 요청한 사용자
type Identity struct {
	UserID    string
	Name      string
	Avatar    string
	Anonymous bool
	// AnonToken 익명 사용자에게만 채워짐. 다음 연결에서 anonToken으로 돌려보내면 같은 ID 유지
	AnonToken string
}

// IdentityMiddleware 토큰이 있으면 검증하고, 없으면 익명 ID 발급.
// 잘못된 토큰은 익명으로 넘기지 않고 401
func IdentityMiddleware(jwtManager *JWTManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := extractToken(c)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid authorization header format",
			})
		}

		if token == "" || !jwtManager.Enabled() {
			c.Locals(identityKey, anonymous(c, jwtManager))
			return c.Next()
		}

		claims, err := jwtManager.ValidateAccessToken(token)
		if err != nil {
			if errors.Is(err, ErrExpiredToken) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "token expired",
					"code":  "TOKEN_EXPIRED",
				})
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid token",
			})
		}

		c.Locals(identityKey, &Identity{
			UserID: claims.Subject,
			Name:   claims.Name,
			Avatar: claims.Avatar,
		})
		return c.Next()
	}
}

// RequireUser 익명 사용자 거부
func RequireUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := GetIdentity(c)
		if err != nil || id.Anonymous {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "sign-in required",
			})
		}
		return c.Next()
	}
}

// GetIdentity 컨텍스트에서 사용자 조회
func GetIdentity(c *fiber.Ctx) (*Identity, error) {
	id, ok := c.Locals(identityKey).(*Identity)
	if !ok || id == nil {
		return nil, errors.New("identity not found in context")
	}
	return id, nil
}

// extractToken Authorization 헤더 또는 access_token 쿠키/쿼리에서 토큰 추출.
// 브라우저 WebSocket은 헤더를 못 붙이므로 쿼리도 허용
func extractToken(c *fiber.Ctx) (string, error) {
	if header := c.Get("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", ErrInvalidToken
		}
		return parts[1], nil
	}
	if cookie := c.Cookies("access_token"); cookie != "" {
		return cookie, nil
	}
	return c.Query("access_token"), nil
}

// anonymous 익명 사용자. 서명된 anonToken이 있으면 그 ID를 재사용해 새로고침 시 중복 기록을 막음.
// anon ID 자체는 view 프레임으로 모두에게 공개되므로 ID만으로는 재사용할 수 없음
func anonymous(c *fiber.Ctx, jwtManager *JWTManager) *Identity {
	token := c.Query("anonToken")
	if token == "" {
		token = c.Cookies("anon_token")
	}
	if token != "" {
		if id, err := jwtManager.ValidateAnonymousToken(token); err == nil && strings.HasPrefix(id, AnonymousPrefix) {
			return &Identity{UserID: id, Anonymous: true, AnonToken: token}
		}
	}

	id := AnonymousPrefix + uuid.NewString()
	signed, _ := jwtManager.GenerateAnonymousToken(id)
	return &Identity{UserID: id, Anonymous: true, AnonToken: signed}
}
