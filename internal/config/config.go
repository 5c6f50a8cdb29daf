package config

import (
	"fmt"
	"os"
	"time"

	"wisefido-autooff/common/config"
)

// 状态来源
const (
	StateSourceMQTT   = "mqtt"
	StateSourceStream = "redis_stream"
)

// 计时记录存储
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreFile     = "file"
)

// 关闭动作 / 状态读取 后端
const (
	BackendHass  = "hass"
	BackendMQTT  = "mqtt"
	BackendCache = "cache"
)

// 配置实例来源
const (
	InstanceSourceFile     = "file"
	InstanceSourcePostgres = "postgres"
)

// Config 自动关闭服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Hass     config.HassConfig

	// 自动关闭服务特定配置
	AutoOff struct {
		StateSource    string // mqtt | redis_stream
		StoreBackend   string // redis | postgres | file
		ActionBackend  string // hass | mqtt
		StateReader    string // hass | cache（重启恢复时读取实体状态）
		InstanceSource string // file | postgres

		InstancesFile string // 配置实例 YAML 文件
		StoreFile     string // file 存储的 JSON 路径
		TimerHashKey  string // redis 存储的 Hash 键

		StateTopicPrefix   string // 状态主题前缀，如 "homeassistant/state"
		CommandTopicPrefix string // 命令主题前缀，如 "homeassistant/cmd"
		StateStream        string // 状态事件流
		StateCachePrefix   string // 状态缓存键前缀
		ConsumerName       string // 消费者名称

		SweepInterval   time.Duration // 到期兜底扫描间隔
		MetricsInterval time.Duration // 指标报告间隔
		ActionTimeout   time.Duration // 单次关闭动作超时
		PersistTimeout  time.Duration // 单次持久化超时
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "wisefido"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 2
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "wisefido-autooff"
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Hass.BaseURL = "http://localhost:8123"
	cfg.Hass.Timeout = 10 * time.Second
	cfg.Hass.RetryCount = 2
	cfg.Hass.LoadFromEnv("HASS")

	// 自动关闭服务配置
	cfg.AutoOff.StateSource = getEnv("AUTOOFF_STATE_SOURCE", StateSourceMQTT)
	cfg.AutoOff.StoreBackend = getEnv("AUTOOFF_STORE", StoreRedis)
	cfg.AutoOff.ActionBackend = getEnv("AUTOOFF_ACTION", BackendHass)
	cfg.AutoOff.StateReader = getEnv("AUTOOFF_STATE_READER", BackendHass)
	cfg.AutoOff.InstanceSource = getEnv("AUTOOFF_INSTANCE_SOURCE", InstanceSourceFile)

	cfg.AutoOff.InstancesFile = getEnv("AUTOOFF_INSTANCES_FILE", "instances.yaml")
	cfg.AutoOff.StoreFile = getEnv("AUTOOFF_STORE_FILE", "data/autooff_timers.json")
	cfg.AutoOff.TimerHashKey = getEnv("AUTOOFF_TIMER_KEY", "autooff:timers")

	cfg.AutoOff.StateTopicPrefix = getEnv("AUTOOFF_STATE_TOPIC_PREFIX", "homeassistant/state")
	cfg.AutoOff.CommandTopicPrefix = getEnv("AUTOOFF_COMMAND_TOPIC_PREFIX", "homeassistant/cmd")
	cfg.AutoOff.StateStream = getEnv("AUTOOFF_STATE_STREAM", "autooff:state_changed")
	cfg.AutoOff.StateCachePrefix = getEnv("AUTOOFF_STATE_CACHE_PREFIX", "autooff:state:")
	cfg.AutoOff.ConsumerName = getEnv("AUTOOFF_CONSUMER_NAME", "wisefido-autooff")

	var err error
	if cfg.AutoOff.SweepInterval, err = getDuration("AUTOOFF_SWEEP_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.AutoOff.MetricsInterval, err = getDuration("AUTOOFF_METRICS_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AutoOff.ActionTimeout, err = getDuration("AUTOOFF_ACTION_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.AutoOff.PersistTimeout, err = getDuration("AUTOOFF_PERSIST_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	checks := []struct {
		name    string
		value   string
		allowed []string
	}{
		{"AUTOOFF_STATE_SOURCE", c.AutoOff.StateSource, []string{StateSourceMQTT, StateSourceStream}},
		{"AUTOOFF_STORE", c.AutoOff.StoreBackend, []string{StoreRedis, StorePostgres, StoreFile}},
		{"AUTOOFF_ACTION", c.AutoOff.ActionBackend, []string{BackendHass, BackendMQTT}},
		{"AUTOOFF_STATE_READER", c.AutoOff.StateReader, []string{BackendHass, BackendCache}},
		{"AUTOOFF_INSTANCE_SOURCE", c.AutoOff.InstanceSource, []string{InstanceSourceFile, InstanceSourcePostgres}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return fmt.Errorf("invalid %s %q, expected one of %v", check.name, check.value, check.allowed)
		}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return d, nil
}
