package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"canvas-backend/internal/cache"
	"canvas-backend/internal/docstore"
)

// HealthHandler 헬스체크 핸들러
type HealthHandler struct {
	db    *gorm.DB
	redis *cache.RedisClient
	store docstore.Store
}

// NewHealthHandler HealthHandler 생성. db와 redis는 nil 가능
func NewHealthHandler(db *gorm.DB, redis *cache.RedisClient, store docstore.Store) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, store: store}
}

// ComponentCheck 컴포넌트 상태
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse 헬스체크 응답
type HealthResponse struct {
	Status    string                    `json:"status"`
	Timestamp string                    `json:"timestamp"`
	Checks    map[string]ComponentCheck `json:"checks"`
}

// Check 전체 상태 확인 (Docstore + Redis + DB)
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    make(map[string]ComponentCheck),
	}

	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	// 1. Docstore 체크 (프레즌스 경로. 실패하면 서비스 불가)
	storeStart := time.Now()
	if _, err := h.store.Get(ctx, "health/ping"); err != nil {
		response.Status = "unhealthy"
		response.Checks["docstore"] = ComponentCheck{
			Status: "unhealthy",
			Error:  "docstore read failed",
		}
	} else {
		response.Checks["docstore"] = ComponentCheck{
			Status:  "healthy",
			Latency: time.Since(storeStart).String(),
		}
	}

	// 2. Redis 체크 (연결 레지스트리)
	if h.redis != nil {
		redisStart := time.Now()
		if err := h.redis.Health(ctx); err != nil {
			response.Status = "unhealthy"
			response.Checks["redis"] = ComponentCheck{
				Status: "unhealthy",
				Error:  "redis ping failed",
			}
		} else {
			response.Checks["redis"] = ComponentCheck{
				Status:  "healthy",
				Latency: time.Since(redisStart).String(),
			}
		}
	} else {
		response.Checks["redis"] = ComponentCheck{Status: "not_configured"}
	}

	// 3. Database 체크 (방 레지스트리. 없어도 프레즌스는 동작)
	if h.db != nil {
		dbStart := time.Now()
		if err := h.pingDB(ctx); err != nil {
			if response.Status == "healthy" {
				response.Status = "degraded"
			}
			response.Checks["database"] = ComponentCheck{
				Status: "degraded",
				Error:  "database ping failed",
			}
		} else {
			response.Checks["database"] = ComponentCheck{
				Status:  "healthy",
				Latency: time.Since(dbStart).String(),
			}
		}
	} else {
		response.Checks["database"] = ComponentCheck{Status: "not_configured"}
	}

	statusCode := fiber.StatusOK
	if response.Status == "unhealthy" {
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(response)
}

// Liveness K8s liveness 체크용 (단순 체크)
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.SendString("OK")
}

// Readiness K8s readiness 체크용 (Docstore 연결 체크)
func (h *HealthHandler) Readiness(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()
	if _, err := h.store.Get(ctx, "health/ping"); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString("NOT READY")
	}
	return c.SendString("READY")
}

func (h *HealthHandler) pingDB(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
