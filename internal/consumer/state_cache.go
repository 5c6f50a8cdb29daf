package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-autooff/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrStateNotCached 缓存中没有该实体的状态
var ErrStateNotCached = errors.New("entity state not cached")

// StateCache 实体最新状态缓存（Redis）
// 每个事件写入 <prefix><entity_id>，供重启恢复和条件表达式读取
type StateCache struct {
	redisClient *redis.Client
	keyPrefix   string
	ttl         time.Duration
	logger      *zap.Logger
}

// NewStateCache 创建状态缓存；ttl 为 0 表示不过期
func NewStateCache(redisClient *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *StateCache {
	if keyPrefix == "" {
		keyPrefix = "autooff:state:"
	}
	return &StateCache{
		redisClient: redisClient,
		keyPrefix:   keyPrefix,
		ttl:         ttl,
		logger:      logger,
	}
}

// Record 记录事件中的新状态；实体被删除时清除缓存
func (c *StateCache) Record(ctx context.Context, ev models.StateChangeEvent) error {
	key := c.keyPrefix + ev.EntityID

	if ev.NewState == nil {
		if err := c.redisClient.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to clear state cache: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(ev.NewState)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := c.redisClient.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set state cache: %w", err)
	}
	return nil
}

// GetState 读取实体最新状态
func (c *StateCache) GetState(ctx context.Context, entityID string) (*models.EntityState, error) {
	val, err := c.redisClient.Get(ctx, c.keyPrefix+entityID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%s: %w", entityID, ErrStateNotCached)
		}
		return nil, fmt.Errorf("failed to get state cache: %w", err)
	}

	var state models.EntityState
	if err := json.Unmarshal(val, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// LookupState 同步读取实体状态，供条件表达式引用其他实体
func (c *StateCache) LookupState(entityID string) (*models.EntityState, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	state, err := c.GetState(ctx, entityID)
	if err != nil {
		return nil, false
	}
	return state, true
}

// Wrap 先写缓存再交给下游处理；缓存失败不影响事件处理
func (c *StateCache) Wrap(next EventHandler) EventHandler {
	return func(ev models.StateChangeEvent) {
		if err := c.Record(context.Background(), ev); err != nil {
			c.logger.Warn("Failed to cache entity state",
				zap.String("entity_id", ev.EntityID),
				zap.Error(err),
			)
		}
		next(ev)
	}
}
