package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 도큐먼트 스토어 백엔드
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config 애플리케이션 전체 설정
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	CORS      CORSConfig
	Auth      AuthConfig
	Redis     RedisConfig
	Docstore  DocstoreConfig
	Presence  PresenceConfig
	Log       LogConfig

	// EnvFileLoaded .env 파일을 읽었는지 여부
	EnvFileLoaded bool
}

// RedisConfig Redis 설정
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DocstoreConfig 프레즌스 문서 저장소 설정
type DocstoreConfig struct {
	Backend string
	Prefix  string
}

// PresenceConfig 프레즌스 엔진 설정
type PresenceConfig struct {
	StaleThreshold time.Duration
	CursorInterval time.Duration
	WriteTimeout   time.Duration
	// HeartbeatInterval 유휴 멤버의 lastSeen 갱신 주기. StaleThreshold보다 짧아야 함
	HeartbeatInterval time.Duration
}

// AuthConfig 인증 설정
type AuthConfig struct {
	// JWTSecret 비어 있으면 모든 연결이 익명으로 처리됨
	JWTSecret string
	Issuer    string
}

// ServerConfig HTTP 서버 설정
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RateLimit    int
}

// WebSocketConfig WebSocket 관련 설정
type WebSocketConfig struct {
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// CORSConfig CORS 설정
type CORSConfig struct {
	AllowOrigins string
	AllowHeaders string
}

// LogConfig 로그 설정
type LogConfig struct {
	Level string
}

// Load 환경 변수에서 설정 로드
func Load() (*Config, error) {
	// .env 파일 로드 (없어도 에러 무시)
	envLoaded := godotenv.Load() == nil

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("IDLE_TIMEOUT", 120*time.Second),
			RateLimit:    getInt("RATE_LIMIT_PER_MINUTE", 300),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:   getInt("WS_READ_BUFFER_SIZE", 16*1024),
			WriteBufferSize:  getInt("WS_WRITE_BUFFER_SIZE", 16*1024),
			HandshakeTimeout: getDuration("WS_HANDSHAKE_TIMEOUT", 10*time.Second),
			WriteTimeout:     getDuration("WS_WRITE_TIMEOUT", 5*time.Second),
		},
		CORS: CORSConfig{
			AllowOrigins: getEnv("CORS_ALLOW_ORIGINS", "*"),
			AllowHeaders: getEnv("CORS_ALLOW_HEADERS", "Origin, Content-Type, Accept, Authorization"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", "canvas-api"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Docstore: DocstoreConfig{
			Backend: strings.ToLower(getEnv("DOCSTORE_BACKEND", BackendRedis)),
			Prefix:  getEnv("DOCSTORE_PREFIX", "canvas"),
		},
		Presence: PresenceConfig{
			StaleThreshold: getDuration("PRESENCE_STALE_THRESHOLD", 30*time.Second),
			CursorInterval: getDuration("PRESENCE_CURSOR_INTERVAL", 100*time.Millisecond),
			WriteTimeout:   getDuration("PRESENCE_WRITE_TIMEOUT", 5*time.Second),

			HeartbeatInterval: getDuration("PRESENCE_HEARTBEAT_INTERVAL", 10*time.Second),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		EnvFileLoaded: envLoaded,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Docstore.Backend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("config: DOCSTORE_BACKEND must be %q or %q, got %q", BackendRedis, BackendMemory, c.Docstore.Backend)
	}
	if c.Auth.JWTSecret == "change-this-secret-in-production" {
		return fmt.Errorf("config: JWT_SECRET must be changed from the default value")
	}
	if c.Presence.CursorInterval > c.Presence.StaleThreshold {
		return fmt.Errorf("config: PRESENCE_CURSOR_INTERVAL (%s) exceeds PRESENCE_STALE_THRESHOLD (%s)",
			c.Presence.CursorInterval, c.Presence.StaleThreshold)
	}
	if c.Presence.HeartbeatInterval >= c.Presence.StaleThreshold {
		return fmt.Errorf("config: PRESENCE_HEARTBEAT_INTERVAL (%s) must be below PRESENCE_STALE_THRESHOLD (%s)",
			c.Presence.HeartbeatInterval, c.Presence.StaleThreshold)
	}
	return nil
}

// getEnv 환경 변수 조회 (기본값 지원)
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt 정수형 환경 변수 조회
func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getDuration 시간 환경 변수 조회
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// 숫자만 있으면 초로 간주
		if !strings.ContainsAny(value, "smh") {
			if secs, err := strconv.Atoi(value); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
