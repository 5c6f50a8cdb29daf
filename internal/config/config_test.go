package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wisefido-autooff/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "wisefido", cfg.Database.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, 2, cfg.Hass.RetryCount)

	assert.Equal(t, StateSourceMQTT, cfg.AutoOff.StateSource)
	assert.Equal(t, StoreRedis, cfg.AutoOff.StoreBackend)
	assert.Equal(t, BackendHass, cfg.AutoOff.ActionBackend)
	assert.Equal(t, BackendHass, cfg.AutoOff.StateReader)
	assert.Equal(t, InstanceSourceFile, cfg.AutoOff.InstanceSource)
	assert.Equal(t, "autooff:timers", cfg.AutoOff.TimerHashKey)
	assert.Equal(t, 30*time.Second, cfg.AutoOff.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.AutoOff.MetricsInterval)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	// 设置环境变量
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_PORT", "6543")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("MQTT_BROKER", "tcp://broker:1883")
	os.Setenv("HASS_URL", "http://ha:8123")
	os.Setenv("HASS_TOKEN", "token")
	os.Setenv("AUTOOFF_STATE_SOURCE", "redis_stream")
	os.Setenv("AUTOOFF_STORE", "postgres")
	os.Setenv("AUTOOFF_ACTION", "mqtt")
	os.Setenv("AUTOOFF_STATE_READER", "cache")
	os.Setenv("AUTOOFF_SWEEP_INTERVAL", "10s")
	os.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	// 验证环境变量覆盖
	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "http://ha:8123", cfg.Hass.BaseURL)
	assert.Equal(t, "token", cfg.Hass.Token)
	assert.Equal(t, StateSourceStream, cfg.AutoOff.StateSource)
	assert.Equal(t, StorePostgres, cfg.AutoOff.StoreBackend)
	assert.Equal(t, BackendMQTT, cfg.AutoOff.ActionBackend)
	assert.Equal(t, BackendCache, cfg.AutoOff.StateReader)
	assert.Equal(t, 10*time.Second, cfg.AutoOff.SweepInterval)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 清理环境变量
	os.Clearenv()
}

func TestLoad_InvalidValues(t *testing.T) {
	os.Clearenv()
	defer os.Clearenv()

	os.Setenv("AUTOOFF_STORE", "etcd")
	_, err := Load()
	assert.Error(t, err)

	os.Clearenv()
	os.Setenv("AUTOOFF_SWEEP_INTERVAL", "soon")
	_, err = Load()
	assert.Error(t, err)
}

func TestGetEnv(t *testing.T) {
	// 测试默认值
	os.Clearenv()
	value := getEnv("TEST_KEY", "default-value")
	assert.Equal(t, "default-value", value)

	// 测试环境变量存在
	os.Setenv("TEST_KEY", "env-value")
	value = getEnv("TEST_KEY", "default-value")
	assert.Equal(t, "env-value", value)

	// 清理
	os.Unsetenv("TEST_KEY")
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"00:05:00", 5 * time.Minute, false},
		{"01:30:15", time.Hour + 30*time.Minute + 15*time.Second, false},
		{"10m", 10 * time.Minute, false},
		{"", 0, true},
		{"05:00", 0, true},
		{"aa:bb:cc", 0, true},
		{"ten minutes", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTimeout(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadInstancesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instances.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instances:
  - name: Porch
    entities: [light.porch, light.garden]
    timeout: "00:05:00"
    condition: is_state("sun.sun", "below_horizon")
  - id: fan
    name: Fan
    entities:
      - switch.fan
    timeout: 10m
`), 0644))

	instances, err := LoadInstancesFile(path)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	assert.Equal(t, "Porch", instances[0].Name)
	assert.NotEmpty(t, instances[0].ID)
	assert.Equal(t, []string{"light.porch", "light.garden"}, instances[0].Entities)
	assert.Equal(t, 5*time.Minute, instances[0].Timeout)
	assert.Equal(t, `is_state("sun.sun", "below_horizon")`, instances[0].Condition)

	assert.Equal(t, "fan", instances[1].ID)
	assert.Equal(t, 10*time.Minute, instances[1].Timeout)

	// ID 按名称稳定生成
	again, err := LoadInstancesFile(path)
	require.NoError(t, err)
	assert.Equal(t, instances[0].ID, again[0].ID)
}

func TestLoadInstancesFile_Errors(t *testing.T) {
	_, err := LoadInstancesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = ParseInstances([]byte("instances: [name: x"))
	assert.Error(t, err)

	_, err = ParseInstances([]byte(`
instances:
  - name: Porch
    entities: [light.porch]
    timeout: "5 minutes"
`))
	assert.True(t, errors.Is(err, ErrInvalidInstance))
}

func TestValidateInstances(t *testing.T) {
	valid := func(id string, shared bool, entities ...string) models.InstanceConfig {
		return models.InstanceConfig{ID: id, Name: id, Entities: entities, Timeout: 5 * time.Minute, AllowSharedEntities: shared}
	}

	tests := []struct {
		name      string
		instances []models.InstanceConfig
		wantErr   bool
	}{
		{"ok", []models.InstanceConfig{valid("a", false, "light.x"), valid("b", false, "light.y")}, false},
		{"shared allowed", []models.InstanceConfig{valid("a", true, "light.x"), valid("b", true, "light.x")}, false},
		{"shared not allowed", []models.InstanceConfig{valid("a", true, "light.x"), valid("b", false, "light.x")}, true},
		{"duplicate id", []models.InstanceConfig{valid("a", false, "light.x"), valid("a", false, "light.y")}, true},
		{"no entities", []models.InstanceConfig{valid("a", false)}, true},
		{"malformed entity", []models.InstanceConfig{valid("a", false, "Light X")}, true},
		{"entity twice", []models.InstanceConfig{valid("a", false, "light.x", "light.x")}, true},
		{"timeout too long", []models.InstanceConfig{{ID: "a", Name: "a", Entities: []string{"light.x"}, Timeout: 25 * time.Hour}}, true},
		{"timeout zero", []models.InstanceConfig{{ID: "a", Name: "a", Entities: []string{"light.x"}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInstances(tt.instances)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInstance)
				return
			}
			assert.NoError(t, err)
		})
	}
}
