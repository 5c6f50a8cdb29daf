package redis

import (
	"context"
	"fmt"
	"time"

	"wisefido-autooff/common/config"

	"github.com/go-redis/redis/v8"
)

// connectTimeout 启动时连接检查超时
const connectTimeout = 5 * time.Second

// NewRedisClient 创建Redis客户端（不检查连接）
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Connect 创建客户端并确认 Redis 可用；失败时关闭客户端
func Connect(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := NewRedisClient(cfg)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}
