package main

import (
	"log"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"canvas-backend/internal/cache"
	"canvas-backend/internal/config"
	"canvas-backend/internal/database"
	"canvas-backend/internal/docstore"
	appLogger "canvas-backend/internal/logger"
	"canvas-backend/internal/server"
)

func main() {
	// 설정 로드
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := appLogger.New(cfg.Log.Level)
	defer logger.Sync()
	if !cfg.EnvFileLoaded {
		logger.Info("no .env file, using process environment")
	}

	deps := server.Deps{}

	// 데이터베이스 연결 (선택)
	dbCfg := database.LoadConfig()
	if dbCfg.Enabled {
		db, err := database.ConnectDB(dbCfg, logger)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer database.Close()

		if err := database.Ping(); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}
		logger.Info("database connected", zap.String("host", dbCfg.Host), zap.String("db", dbCfg.DBName))
		deps.DB = db
	} else {
		logger.Info("DB_ENABLED=false, room registry disabled")
	}

	// 프레즌스 저장소
	switch cfg.Docstore.Backend {
	case config.BackendRedis:
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis connection failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer redisClient.Close()
		deps.Redis = redisClient
		deps.Store = docstore.NewRedis(redisClient.Client(), cfg.Docstore.Prefix, logger)
	case config.BackendMemory:
		logger.Warn("using in-memory docstore, presence is not shared between server instances")
		mem := docstore.NewMemory(clock.New())
		defer mem.Close()
		deps.Store = mem
	}

	// 서버 생성 및 설정
	srv := server.New(cfg, deps, logger)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	// 서버 시작
	if err := srv.Start(); err != nil {
		logger.Fatal("server failed to start", zap.Error(err))
	}
}
