package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"wisefido-autooff/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultTimerHashKey 计时记录所在的 Redis Hash
const DefaultTimerHashKey = "autooff:timers"

// RedisTimerStore 基于 Redis Hash 的计时记录存储
// field 为 "instance/entity"，value 为记录 JSON；单个 HSET/HDEL 对不同 key 互不影响
type RedisTimerStore struct {
	client  *redis.Client
	hashKey string
	logger  *zap.Logger
}

// NewRedisTimerStore 创建 Redis 计时记录存储
func NewRedisTimerStore(client *redis.Client, hashKey string, logger *zap.Logger) *RedisTimerStore {
	if hashKey == "" {
		hashKey = DefaultTimerHashKey
	}
	return &RedisTimerStore{
		client:  client,
		hashKey: hashKey,
		logger:  logger,
	}
}

// Put 写入或覆盖计时记录
func (s *RedisTimerStore) Put(ctx context.Context, record models.TimerRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal timer record: %w", err)
	}
	if err := s.client.HSet(ctx, s.hashKey, record.Key().String(), data).Err(); err != nil {
		return fmt.Errorf("failed to write timer record %s: %w", record.Key(), err)
	}
	return nil
}

// Delete 删除计时记录（不存在时不报错）
func (s *RedisTimerStore) Delete(ctx context.Context, key models.TimerKey) error {
	if err := s.client.HDel(ctx, s.hashKey, key.String()).Err(); err != nil {
		return fmt.Errorf("failed to delete timer record %s: %w", key, err)
	}
	return nil
}

// Get 读取单条计时记录
func (s *RedisTimerStore) Get(ctx context.Context, key models.TimerKey) (*models.TimerRecord, error) {
	data, err := s.client.HGet(ctx, s.hashKey, key.String()).Bytes()
	if err == redis.Nil {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read timer record %s: %w", key, err)
	}

	var record models.TimerRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal timer record %s: %w", key, err)
	}
	return &record, nil
}

// LoadAll 读取全部计时记录，无法解析的条目被跳过
func (s *RedisTimerStore) LoadAll(ctx context.Context) ([]models.TimerRecord, error) {
	values, err := s.client.HGetAll(ctx, s.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load timer records: %w", err)
	}

	records := make([]models.TimerRecord, 0, len(values))
	for field, value := range values {
		var record models.TimerRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			s.logger.Warn("Skipping malformed timer record",
				zap.String("field", field),
				zap.Error(err),
			)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
