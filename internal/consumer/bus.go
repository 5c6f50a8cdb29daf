package consumer

import (
	"context"

	"wisefido-autooff/internal/models"
)

// EventHandler 状态变化事件处理函数
// 同一实体的事件按到达顺序调用
type EventHandler func(ev models.StateChangeEvent)

// Subscription 订阅句柄，Close 后不再回调
type Subscription interface {
	Close() error
}

// StateBus 状态总线
type StateBus interface {
	// Subscribe 订阅一组实体的状态变化；name 标识订阅方（配置实例）
	Subscribe(ctx context.Context, name string, entityIDs []string, handler EventHandler) (Subscription, error)
}

// Releaser 订阅方被永久删除时释放服务端资源（如消费者组）
type Releaser interface {
	Release(ctx context.Context, name string) error
}

func entitySet(entityIDs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		set[id] = struct{}{}
	}
	return set
}
