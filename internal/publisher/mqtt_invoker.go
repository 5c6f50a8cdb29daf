package publisher

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Publisher MQTT 发布接口（由 common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTActionInvoker 通过 MQTT 命令主题关闭实体
// 发布 "OFF" 到 <prefix>/<entity_id>/set
type MQTTActionInvoker struct {
	publisher Publisher
	prefix    string
	qos       byte
	logger    *zap.Logger
}

// NewMQTTActionInvoker 创建 MQTT 关闭动作
func NewMQTTActionInvoker(publisher Publisher, prefix string, qos byte, logger *zap.Logger) *MQTTActionInvoker {
	return &MQTTActionInvoker{
		publisher: publisher,
		prefix:    strings.TrimSuffix(prefix, "/"),
		qos:       qos,
		logger:    logger,
	}
}

// CommandTopic 返回实体的命令主题
func (i *MQTTActionInvoker) CommandTopic(entityID string) string {
	return i.prefix + "/" + entityID + "/set"
}

// TurnOff 发布关闭命令
func (i *MQTTActionInvoker) TurnOff(ctx context.Context, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	topic := i.CommandTopic(entityID)
	if err := i.publisher.Publish(topic, i.qos, false, []byte("OFF")); err != nil {
		return fmt.Errorf("failed to publish turn off for %s: %w", entityID, err)
	}

	i.logger.Info("Turn off command published",
		zap.String("entity_id", entityID),
		zap.String("topic", topic),
	)
	return nil
}
