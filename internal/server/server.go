package server

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"canvas-backend/internal/auth"
	"canvas-backend/internal/cache"
	"canvas-backend/internal/config"
	"canvas-backend/internal/docstore"
	"canvas-backend/internal/handler"
	"canvas-backend/internal/middleware"
	"canvas-backend/internal/presence"
	"canvas-backend/internal/service"
)

// Server Fiber 서버 래퍼
type Server struct {
	app            *fiber.App
	cfg            *config.Config
	log            *zap.Logger
	hub            *handler.CanvasHub
	healthHandler  *handler.HealthHandler
	roomHandler    *handler.RoomHandler
	canvasHandler  *handler.CanvasWSHandler
	roomMiddleware *middleware.RoomMiddleware
	jwtManager     *auth.JWTManager
}

// Deps 서버가 사용하는 외부 연결. db와 redis는 nil 가능
type Deps struct {
	Store docstore.Store
	DB    *gorm.DB
	Redis *cache.RedisClient
}

// New 새 서버 인스턴스 생성
func New(cfg *config.Config, deps Deps, log *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Canvas Presence Server",
		ServerHeader:          "Fiber",
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		Prefork:               false, // WebSocket과 호환성 문제로 비활성화
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		BodyLimit:             1 * 1024 * 1024,
		DisableStartupMessage: true,
	})

	// 엔진 옵션
	opts := presence.Options{
		Logger:         log,
		StaleThreshold: cfg.Presence.StaleThreshold,
		CursorInterval: cfg.Presence.CursorInterval,
		WriteTimeout:   cfg.Presence.WriteTimeout,

		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
	}

	// Auth 초기화 (JWT_SECRET이 없으면 전원 익명)
	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Hour)
	if !jwtManager.Enabled() {
		log.Info("JWT_SECRET not set, every connection is anonymous and every room is open")
	}

	rooms := service.NewRoomService(deps.DB)
	hub := handler.NewCanvasHub(cfg.WebSocket.WriteTimeout, log)

	return &Server{
		app:            app,
		cfg:            cfg,
		log:            log.Named("Server"),
		hub:            hub,
		healthHandler:  handler.NewHealthHandler(deps.DB, deps.Redis, deps.Store),
		roomHandler:    handler.NewRoomHandler(deps.Store, rooms, deps.Redis, hub, opts, log),
		canvasHandler:  handler.NewCanvasWSHandler(deps.Store, hub, rooms, deps.Redis, opts, jwtManager.Enabled(), log),
		roomMiddleware: middleware.NewRoomMiddleware(deps.Store, rooms, jwtManager.Enabled(), log),
		jwtManager:     jwtManager,
	}
}

// App 테스트용 fiber 앱 노출
func (s *Server) App() *fiber.App {
	return s.app
}

// SetupMiddleware 미들웨어 설정
func (s *Server) SetupMiddleware() {
	// 패닉 복구
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// 로깅
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "Asia/Seoul",
	}))

	// CORS
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, OPTIONS",
		AllowCredentials: s.cfg.CORS.AllowOrigins != "*",
	}))
}

// SetupRoutes 라우트 설정
func (s *Server) SetupRoutes() {
	// 헬스체크 엔드포인트
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)
	s.app.Get("/health/ready", s.healthHandler.Readiness)

	// Rate Limiter 설정 (REST 엔드포인트용)
	apiLimiter := limiter.New(limiter.Config{
		Max:        s.cfg.Server.RateLimit,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP() // IP 기반 제한
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	// Room 라우트 그룹
	roomGroup := s.app.Group("/api/rooms/:roomId",
		apiLimiter,
		auth.IdentityMiddleware(s.jwtManager),
		s.roomMiddleware.RequireRoomAccess(),
	)
	roomGroup.Get("/presence", s.roomHandler.GetPresence)
	roomGroup.Get("/share", s.roomHandler.GetShare)
	roomGroup.Post("/share/toggle", s.roomMiddleware.RequireSignedIn(), s.roomHandler.ToggleShare)
	roomGroup.Get("/members", s.roomHandler.GetMembers)

	// WebSocket 업그레이드 체크 미들웨어
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket 캔버스 프레즌스 엔드포인트
	s.app.Get("/ws/rooms/:roomId",
		auth.IdentityMiddleware(s.jwtManager),
		s.roomMiddleware.RequireRoomAccess(),
		websocket.New(s.canvasHandler.HandleWebSocket, websocket.Config{
			HandshakeTimeout: s.cfg.WebSocket.HandshakeTimeout,
			ReadBufferSize:   s.cfg.WebSocket.ReadBufferSize,
			WriteBufferSize:  s.cfg.WebSocket.WriteBufferSize,
		}),
	)
}

// Start 서버 시작 (Graceful Shutdown 지원)
func (s *Server) Start() error {
	// Graceful Shutdown 설정
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		s.log.Info("shutting down server")
		if err := s.Shutdown(); err != nil {
			s.log.Error("server shutdown error", zap.Error(err))
		}
	}()

	s.log.Info("server starting", zap.String("addr", s.cfg.Server.Port))
	s.log.Info("websocket endpoint", zap.String("url", "ws://localhost"+s.cfg.Server.Port+"/ws/rooms/:roomId"))

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown 서버 종료. 소켓마다 정상 퇴장 기록을 먼저 남김
func (s *Server) Shutdown() error {
	s.hub.Shutdown()
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
