package models

import "time"

// TimerKey 计时器标识：(配置实例ID, 实体ID)
type TimerKey struct {
	InstanceID string
	EntityID   string
}

// String 返回 "instance/entity" 形式，用于日志和存储字段
func (k TimerKey) String() string {
	return k.InstanceID + "/" + k.EntityID
}

// TimerConfig 单个实体的计时配置（创建后不可变）
type TimerConfig struct {
	InstanceID string
	EntityID   string
	Timeout    time.Duration
	Condition  string // 为空表示始终允许
}

// Key 返回配置对应的计时器标识
func (c TimerConfig) Key() TimerKey {
	return TimerKey{InstanceID: c.InstanceID, EntityID: c.EntityID}
}

// TimerRecord 持久化的计时记录（仅 Armed 状态有记录）
type TimerRecord struct {
	InstanceID string    `json:"instance_id"`
	EntityID   string    `json:"entity_id"`
	Deadline   time.Time `json:"deadline"`
}

// Key 返回记录对应的计时器标识
func (r TimerRecord) Key() TimerKey {
	return TimerKey{InstanceID: r.InstanceID, EntityID: r.EntityID}
}
