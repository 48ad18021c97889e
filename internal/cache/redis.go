package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// connectionTTL 하트비트가 끊긴 서버의 연결 기록이 사라지는 시간
const connectionTTL = 60 * time.Second

// Connection 웹소켓 연결 하나
type Connection struct {
	ConnID      string    `json:"connId"`
	UserID      string    `json:"userId"`
	ServerID    string    `json:"serverId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// RedisClient wraps the Redis client shared by the docstore and the
// connection registry.
type RedisClient struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisClient creates a new Redis client and checks it answers.
func NewRedisClient(addr, password string, db int, log *zap.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	log = log.Named("Redis")
	log.Info("connected", zap.String("addr", addr))
	return &RedisClient{client: client, log: log}, nil
}

// Client exposes the underlying client.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

func connectionsKey(roomID string) string {
	return "room:" + roomID + ":connections"
}

// TrackConnection records a live socket in a room.
func (r *RedisClient) TrackConnection(ctx context.Context, roomID string, conn Connection) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return err
	}
	key := connectionsKey(roomID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, conn.ConnID, data)
		pipe.Expire(ctx, key, connectionTTL)
		return nil
	})
	if err != nil {
		r.log.Warn("failed to track connection", zap.String("room", roomID), zap.Error(err))
	}
	return err
}

// RefreshConnections extends the registry TTL. Called on client pings.
func (r *RedisClient) RefreshConnections(ctx context.Context, roomID string) error {
	return r.client.Expire(ctx, connectionsKey(roomID), connectionTTL).Err()
}

// UntrackConnection removes a socket from a room.
func (r *RedisClient) UntrackConnection(ctx context.Context, roomID, connID string) error {
	return r.client.HDel(ctx, connectionsKey(roomID), connID).Err()
}

// ListConnections returns the live sockets of a room.
func (r *RedisClient) ListConnections(ctx context.Context, roomID string) ([]Connection, error) {
	results, err := r.client.HGetAll(ctx, connectionsKey(roomID)).Result()
	if err != nil {
		return nil, err
	}

	conns := make([]Connection, 0, len(results))
	for _, data := range results {
		var c Connection
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			continue
		}
		conns = append(conns, c)
	}
	return conns, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Health checks if Redis is healthy
func (r *RedisClient) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
