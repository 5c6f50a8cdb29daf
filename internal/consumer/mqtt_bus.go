package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"wisefido-autooff/common/mqtt"
	"wisefido-autooff/internal/models"

	"go.uber.org/zap"
)

// Subscriber MQTT 订阅接口（由 common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTStateBus 基于 MQTT 的状态总线
// 每个实体一个主题 <prefix>/<entity_id>，消息体为 StateChangeEvent JSON
// 同一主题只向 broker 订阅一次，再分发给所有订阅方
type MQTTStateBus struct {
	client Subscriber
	prefix string
	qos    byte
	logger *zap.Logger

	mu       sync.Mutex
	nextID   uint64
	handlers map[string]map[uint64]EventHandler // topic -> 订阅方
}

// NewMQTTStateBus 创建 MQTT 状态总线
func NewMQTTStateBus(client Subscriber, prefix string, qos byte, logger *zap.Logger) *MQTTStateBus {
	return &MQTTStateBus{
		client:   client,
		prefix:   strings.TrimSuffix(prefix, "/"),
		qos:      qos,
		logger:   logger,
		handlers: make(map[string]map[uint64]EventHandler),
	}
}

// Topic 返回实体的状态主题
func (b *MQTTStateBus) Topic(entityID string) string {
	return b.prefix + "/" + entityID
}

// Subscribe 订阅实体状态
func (b *MQTTStateBus) Subscribe(ctx context.Context, name string, entityIDs []string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	b.nextID++
	sub := &mqttSubscription{bus: b, id: b.nextID, name: name}
	b.mu.Unlock()

	for _, entityID := range entityIDs {
		topic := b.Topic(entityID)

		b.mu.Lock()
		subs, ok := b.handlers[topic]
		if !ok {
			subs = make(map[uint64]EventHandler)
			b.handlers[topic] = subs
		}
		subs[sub.id] = handler
		sub.topics = append(sub.topics, topic)
		b.mu.Unlock()

		if ok {
			continue
		}
		// broker 回调可能在订阅确认前到达，锁外订阅
		if err := b.client.Subscribe(topic, b.qos, b.dispatch(entityID)); err != nil {
			sub.Close()
			return nil, fmt.Errorf("failed to subscribe %s: %w", entityID, err)
		}
	}

	b.logger.Info("Subscribed to entity states",
		zap.String("subscriber", name),
		zap.Int("entity_count", len(entityIDs)),
	)
	return sub, nil
}

// dispatch 返回主题的消息处理函数
func (b *MQTTStateBus) dispatch(entityID string) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		var ev models.StateChangeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("failed to decode state change: %w", err)
		}
		if ev.EntityID == "" {
			ev.EntityID = entityID
		}

		b.mu.Lock()
		handlers := make([]EventHandler, 0, len(b.handlers[topic]))
		for _, h := range b.handlers[topic] {
			handlers = append(handlers, h)
		}
		b.mu.Unlock()

		for _, h := range handlers {
			h(ev)
		}
		return nil
	}
}

func (b *MQTTStateBus) removeLocked(sub *mqttSubscription) []string {
	var empty []string
	for _, topic := range sub.topics {
		subs := b.handlers[topic]
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.handlers, topic)
			empty = append(empty, topic)
		}
	}
	sub.topics = nil
	return empty
}

type mqttSubscription struct {
	bus    *MQTTStateBus
	id     uint64
	name   string
	topics []string
	closed bool
}

// Close 取消订阅；没有其他订阅方的主题同时向 broker 取消订阅
func (s *mqttSubscription) Close() error {
	b := s.bus
	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return nil
	}
	s.closed = true
	empty := b.removeLocked(s)
	b.mu.Unlock()

	if len(empty) == 0 {
		return nil
	}
	if err := b.client.Unsubscribe(empty...); err != nil {
		return err
	}
	b.logger.Info("Unsubscribed from entity states",
		zap.String("subscriber", s.name),
		zap.Int("topic_count", len(empty)),
	)
	return nil
}
