package service

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-autooff/common/database"
	"wisefido-autooff/common/mqtt"
	rediscommon "wisefido-autooff/common/redis"
	"wisefido-autooff/internal/config"
	"wisefido-autooff/internal/consumer"
	"wisefido-autooff/internal/hass"
	"wisefido-autooff/internal/models"
	"wisefido-autooff/internal/publisher"
	"wisefido-autooff/internal/repository"
	"wisefido-autooff/internal/timer"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// fileInstanceSource 从 YAML 文件读取配置实例
type fileInstanceSource struct {
	path string
}

func (f fileInstanceSource) ListInstances(ctx context.Context) ([]models.InstanceConfig, error) {
	return config.LoadInstancesFile(f.path)
}

// connections 按需建立的外部连接
type connections struct {
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	hassClient  *hass.Client
}

// needs 根据配置判断需要哪些连接
func needs(cfg *config.Config) (db, rdb, mq, ha bool) {
	a := cfg.AutoOff
	db = a.StoreBackend == config.StorePostgres || a.InstanceSource == config.InstanceSourcePostgres
	rdb = a.StoreBackend == config.StoreRedis || a.StateSource == config.StateSourceStream || a.StateReader == config.BackendCache
	mq = a.StateSource == config.StateSourceMQTT || a.ActionBackend == config.BackendMQTT
	ha = a.ActionBackend == config.BackendHass || a.StateReader == config.BackendHass
	return
}

// buildComponents 连接后端并组装服务组件
// 返回的 closers 在出错时也需要执行
func buildComponents(cfg *config.Config, logger *zap.Logger) (Components, []func() error, error) {
	var (
		comps   Components
		closers []func() error
		conns   connections
	)
	needDB, needRedis, needMQTT, needHass := needs(cfg)

	// 1. 连接数据库
	if needDB {
		db, err := database.Open(context.Background(), &cfg.Database)
		if err != nil {
			return comps, closers, err
		}
		conns.db = db
		closers = append(closers, db.Close)
	}

	// 2. 连接 Redis
	if needRedis {
		client, err := rediscommon.Connect(context.Background(), &cfg.Redis)
		if err != nil {
			return comps, closers, err
		}
		conns.redisClient = client
		closers = append(closers, client.Close)
	}

	// 3. 连接 MQTT
	if needMQTT {
		client, err := mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			return comps, closers, fmt.Errorf("failed to connect mqtt: %w", err)
		}
		conns.mqttClient = client
		closers = append(closers, func() error {
			client.Disconnect()
			return nil
		})
	}

	// 4. Home Assistant REST
	if needHass {
		conns.hassClient = hass.NewClient(&cfg.Hass, logger)
	}

	// 5. 计时记录存储
	store, err := buildStore(cfg, conns, logger)
	if err != nil {
		return comps, closers, err
	}
	comps.Store = store

	// 6. 状态缓存：有 Redis 时每个事件都写入缓存
	if conns.redisClient != nil {
		comps.Cache = consumer.NewStateCache(conns.redisClient, cfg.AutoOff.StateCachePrefix, 0, logger)
	}

	// 7. 状态总线
	switch cfg.AutoOff.StateSource {
	case config.StateSourceStream:
		comps.Bus = consumer.NewStreamStateBus(conns.redisClient, consumer.StreamOptions{
			Stream:   cfg.AutoOff.StateStream,
			Consumer: cfg.AutoOff.ConsumerName,
		}, logger)
	default:
		comps.Bus = consumer.NewMQTTStateBus(conns.mqttClient, cfg.AutoOff.StateTopicPrefix, cfg.MQTT.QoS, logger)
	}

	// 8. 关闭动作
	switch cfg.AutoOff.ActionBackend {
	case config.BackendMQTT:
		comps.Invoker = publisher.NewMQTTActionInvoker(conns.mqttClient, cfg.AutoOff.CommandTopicPrefix, cfg.MQTT.QoS, logger)
	default:
		comps.Invoker = conns.hassClient
	}

	// 9. 恢复时的状态读取；条件表达式优先读缓存
	switch cfg.AutoOff.StateReader {
	case config.BackendCache:
		comps.Reader = comps.Cache
	default:
		comps.Reader = conns.hassClient
	}
	if comps.Cache != nil {
		comps.Lookup = comps.Cache
	} else if conns.hassClient != nil {
		comps.Lookup = conns.hassClient
	}

	// 10. 配置实例来源
	switch cfg.AutoOff.InstanceSource {
	case config.InstanceSourcePostgres:
		comps.Instances = repository.NewInstanceRepository(conns.db, logger)
	default:
		comps.Instances = fileInstanceSource{path: cfg.AutoOff.InstancesFile}
	}

	return comps, closers, nil
}

func buildStore(cfg *config.Config, conns connections, logger *zap.Logger) (timer.Store, error) {
	switch cfg.AutoOff.StoreBackend {
	case config.StorePostgres:
		store := repository.NewPostgresTimerStore(conns.db, logger)
		if err := store.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreFile:
		return repository.NewFileTimerStore(cfg.AutoOff.StoreFile), nil
	default:
		return repository.NewRedisTimerStore(conns.redisClient, cfg.AutoOff.TimerHashKey, logger), nil
	}
}
