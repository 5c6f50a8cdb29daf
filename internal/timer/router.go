package timer

import (
	"time"

	"wisefido-autooff/internal/models"

	"go.uber.org/zap"
)

// Transition 状态变化分类
type Transition int

const (
	TransitionNone             Transition = iota // 忽略
	TransitionTurnedOn                           // off/unknown -> on
	TransitionTurnedOff                          // on -> off
	TransitionUnavailable                        // -> unavailable/unknown/删除
	TransitionAttributeChanged                   // on -> on，属性变化
)

// String 返回分类名称
func (t Transition) String() string {
	switch t {
	case TransitionTurnedOn:
		return "turned_on"
	case TransitionTurnedOff:
		return "turned_off"
	case TransitionUnavailable:
		return "unavailable"
	case TransitionAttributeChanged:
		return "attribute_changed"
	default:
		return "none"
	}
}

// Classify 对状态变化事件分类
func Classify(ev models.StateChangeEvent) Transition {
	oldState, newState := ev.OldState, ev.NewState

	switch {
	case newState.IsOn():
		if !oldState.IsOn() {
			return TransitionTurnedOn
		}
		if ev.AttributesChanged() {
			return TransitionAttributeChanged
		}
		return TransitionNone

	case newState.IsOff():
		if !oldState.IsOff() {
			return TransitionTurnedOff
		}
		return TransitionNone

	case newState.IsUntrusted():
		if oldState == nil || !oldState.IsUntrusted() {
			return TransitionUnavailable
		}
		return TransitionNone
	}

	// 其他状态值（如 "idle"、"paused"）不是 on，按关闭处理
	if oldState.IsOn() {
		return TransitionTurnedOff
	}
	return TransitionNone
}

// Handler 路由目标（由 Registry 实现）
type Handler interface {
	TurnedOn(key models.TimerKey, snapshot *models.EntityState, now time.Time)
	TurnedOff(key models.TimerKey)
	AttributeChanged(key models.TimerKey, snapshot *models.EntityState, now time.Time)
	Unavailable(key models.TimerKey)
}

// Router 单个配置实例的事件路由器，只做分类和分发，不持有计时状态
type Router struct {
	instanceID string
	entities   map[string]struct{}
	handler    Handler
	clock      Clock
	logger     *zap.Logger
}

// NewRouter 创建事件路由器
func NewRouter(instanceID string, entityIDs []string, handler Handler, clock Clock, logger *zap.Logger) *Router {
	if clock == nil {
		clock = RealClock()
	}
	entities := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		entities[id] = struct{}{}
	}
	return &Router{
		instanceID: instanceID,
		entities:   entities,
		handler:    handler,
		clock:      clock,
		logger:     logger,
	}
}

// InstanceID 返回路由器所属的配置实例
func (r *Router) InstanceID() string {
	return r.instanceID
}

// EntityIDs 返回路由器关注的实体
func (r *Router) EntityIDs() []string {
	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	return ids
}

// Route 分发一个状态变化事件，返回其分类
// 未配置的实体被忽略
func (r *Router) Route(ev models.StateChangeEvent) Transition {
	if _, ok := r.entities[ev.EntityID]; !ok {
		return TransitionNone
	}

	key := models.TimerKey{InstanceID: r.instanceID, EntityID: ev.EntityID}
	now := r.eventTime(ev)
	t := Classify(ev)

	switch t {
	case TransitionTurnedOn:
		r.handler.TurnedOn(key, ev.NewState, now)
	case TransitionTurnedOff:
		r.handler.TurnedOff(key)
	case TransitionUnavailable:
		r.handler.Unavailable(key)
	case TransitionAttributeChanged:
		r.handler.AttributeChanged(key, ev.NewState, now)
	}

	if t != TransitionNone {
		r.logger.Debug("State change routed",
			zap.String("key", key.String()),
			zap.String("transition", t.String()),
		)
	}
	return t
}

// eventTime 计时从事件发生时刻算起（总线积压不延长开灯时间）
// 没有时间戳或时间戳晚于本地时钟时使用本地时钟
func (r *Router) eventTime(ev models.StateChangeEvent) time.Time {
	now := r.clock.Now()
	if ev.Timestamp.IsZero() || ev.Timestamp.After(now) {
		return now
	}
	return ev.Timestamp
}
