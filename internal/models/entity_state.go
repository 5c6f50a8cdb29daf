package models

import (
	"reflect"
	"strings"
	"time"
)

// 实体状态值（与 Home Assistant 保持一致）
const (
	StateOn          = "on"
	StateOff         = "off"
	StateUnavailable = "unavailable"
	StateUnknown     = "unknown"
)

// EntityState 实体状态快照
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	LastChanged time.Time              `json:"last_changed,omitempty"`
	LastUpdated time.Time              `json:"last_updated,omitempty"`
}

// IsOn 状态是否为 on（nil 视为未知）
func (s *EntityState) IsOn() bool {
	return s != nil && s.State == StateOn
}

// IsOff 状态是否为 off
func (s *EntityState) IsOff() bool {
	return s != nil && s.State == StateOff
}

// IsUntrusted 状态是否不可信（实体被删除、unavailable 或 unknown）
func (s *EntityState) IsUntrusted() bool {
	return s == nil || s.State == StateUnavailable || s.State == StateUnknown || s.State == ""
}

// StateChangeEvent 状态变化事件（对应 HA 的 state_changed 事件数据）
type StateChangeEvent struct {
	EntityID  string       `json:"entity_id"`
	OldState  *EntityState `json:"old_state"`
	NewState  *EntityState `json:"new_state"`
	Timestamp time.Time    `json:"time_fired,omitempty"`
}

// AttributesChanged 新旧状态的属性是否不同
func (e StateChangeEvent) AttributesChanged() bool {
	var oldAttrs, newAttrs map[string]interface{}
	if e.OldState != nil {
		oldAttrs = e.OldState.Attributes
	}
	if e.NewState != nil {
		newAttrs = e.NewState.Attributes
	}
	if len(oldAttrs) == 0 && len(newAttrs) == 0 {
		return false
	}
	return !reflect.DeepEqual(oldAttrs, newAttrs)
}

// EntityDomain 从实体ID中提取 domain，如 "light.kitchen" -> "light"
func EntityDomain(entityID string) string {
	domain, _, found := strings.Cut(entityID, ".")
	if !found {
		return ""
	}
	return domain
}
