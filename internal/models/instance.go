package models

import "time"

// InstanceConfig 配置实例：一组实体共享同一超时和条件
type InstanceConfig struct {
	ID                  string        `json:"instance_id" yaml:"id"`
	Name                string        `json:"name" yaml:"name"`
	Entities            []string      `json:"entities" yaml:"entities"`
	Timeout             time.Duration `json:"timeout" yaml:"-"`
	Condition           string        `json:"condition,omitempty" yaml:"condition"`
	AllowSharedEntities bool          `json:"allow_shared_entities" yaml:"allow_shared_entities"`
}

// TimerConfigs 展开为每个实体的计时配置
func (c InstanceConfig) TimerConfigs() []TimerConfig {
	configs := make([]TimerConfig, 0, len(c.Entities))
	for _, entityID := range c.Entities {
		configs = append(configs, TimerConfig{
			InstanceID: c.ID,
			EntityID:   entityID,
			Timeout:    c.Timeout,
			Condition:  c.Condition,
		})
	}
	return configs
}
