package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	rediscommon "wisefido-autooff/common/redis"
	"wisefido-autooff/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamOptions Redis Streams 状态总线参数
type StreamOptions struct {
	Stream       string        // 状态变化事件流
	GroupPrefix  string        // 消费者组前缀，组名为 <prefix><name>
	Consumer     string        // 消费者名称
	BatchSize    int64         // 每次读取条数
	Block        time.Duration // 读取阻塞时间
	RetryBackoff time.Duration // 读取失败后的等待时间
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.Stream == "" {
		o.Stream = "autooff:state_changed"
	}
	if o.GroupPrefix == "" {
		o.GroupPrefix = "autooff-"
	}
	if o.Consumer == "" {
		o.Consumer = "autooff"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Block <= 0 {
		o.Block = time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	return o
}

// StreamStateBus 基于 Redis Streams 的状态总线
// 每个订阅方一个消费者组，消息体字段 data 为 StateChangeEvent JSON
type StreamStateBus struct {
	client *redis.Client
	opts   StreamOptions
	logger *zap.Logger
}

// NewStreamStateBus 创建 Redis Streams 状态总线
func NewStreamStateBus(client *redis.Client, opts StreamOptions, logger *zap.Logger) *StreamStateBus {
	return &StreamStateBus{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Publish 发布状态变化事件
func (b *StreamStateBus) Publish(ctx context.Context, ev models.StateChangeEvent) (string, error) {
	return rediscommon.PublishJSONToStream(ctx, b.client, b.opts.Stream, ev)
}

// Subscribe 创建消费者组并启动读取循环
func (b *StreamStateBus) Subscribe(ctx context.Context, name string, entityIDs []string, handler EventHandler) (Subscription, error) {
	group := b.opts.GroupPrefix + name
	if err := rediscommon.CreateConsumerGroup(ctx, b.client, b.opts.Stream, group, "$"); err != nil {
		return nil, fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &streamSubscription{
		bus:      b,
		group:    group,
		entities: entitySet(entityIDs),
		handler:  handler,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go sub.run(subCtx)

	b.logger.Info("Stream consumer started",
		zap.String("stream", b.opts.Stream),
		zap.String("group", group),
		zap.Int("entity_count", len(entityIDs)),
	)
	return sub, nil
}

// Release 删除订阅方的消费者组；调用前应先关闭订阅
func (b *StreamStateBus) Release(ctx context.Context, name string) error {
	group := b.opts.GroupPrefix + name
	if err := rediscommon.DestroyConsumerGroup(ctx, b.client, b.opts.Stream, group); err != nil {
		return fmt.Errorf("failed to destroy consumer group %s: %w", group, err)
	}
	b.logger.Info("Stream consumer group removed", zap.String("group", group))
	return nil
}

type streamSubscription struct {
	bus      *StreamStateBus
	group    string
	entities map[string]struct{}
	handler  EventHandler
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func (s *streamSubscription) run(ctx context.Context) {
	defer close(s.done)
	b := s.bus

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := rediscommon.ReadFromStream(ctx, b.client, b.opts.Stream, s.group, b.opts.Consumer, b.opts.BatchSize, b.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("Failed to read state stream",
				zap.String("group", s.group),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.opts.RetryBackoff):
			}
			continue
		}

		ids := make([]string, 0, len(messages))
		for _, msg := range messages {
			s.handle(msg)
			ids = append(ids, msg.ID)
		}
		if err := rediscommon.AckMessages(context.Background(), b.client, b.opts.Stream, s.group, ids...); err != nil {
			b.logger.Warn("Failed to ack state messages",
				zap.String("group", s.group),
				zap.Error(err),
			)
		}
	}
}

func (s *streamSubscription) handle(msg rediscommon.StreamMessage) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		s.bus.logger.Warn("State message without data field", zap.String("id", msg.ID))
		return
	}

	var ev models.StateChangeEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		s.bus.logger.Warn("Failed to decode state message",
			zap.String("id", msg.ID),
			zap.Error(err),
		)
		return
	}
	if _, ok := s.entities[ev.EntityID]; !ok {
		return
	}
	s.handler(ev)
}

// Close 停止读取循环并等待退出
func (s *streamSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.bus.logger.Info("Stream consumer stopped", zap.String("group", s.group))
	})
	return nil
}
