package timer

import (
	"context"
	"fmt"
	"time"

	"wisefido-autooff/internal/models"

	"go.uber.org/zap"
)

// StateReader 读取实体当前状态
type StateReader interface {
	GetState(ctx context.Context, entityID string) (*models.EntityState, error)
}

// RestoreReport 恢复结果统计
type RestoreReport struct {
	Rearmed   int // 按原截止时间重新计时
	Overdue   int // 已过期，恢复完成后立即触发
	Discarded int // 实体已关闭、不可用或配置已删除
}

// RestoreCoordinator 启动时根据持久化记录和实体当前状态恢复计时器
type RestoreCoordinator struct {
	store    Store
	reader   StateReader
	registry *Registry
	logger   *zap.Logger
}

// NewRestoreCoordinator 创建恢复协调器
func NewRestoreCoordinator(store Store, reader StateReader, registry *Registry, logger *zap.Logger) *RestoreCoordinator {
	return &RestoreCoordinator{
		store:    store,
		reader:   reader,
		registry: registry,
		logger:   logger,
	}
}

// Restore 恢复全部持久化记录；必须在路由实时事件之前调用
func (c *RestoreCoordinator) Restore(ctx context.Context, now time.Time) (RestoreReport, error) {
	return c.restore(ctx, now, func(models.TimerRecord) bool { return true })
}

// RestoreInstance 只恢复某个配置实例的记录（实例重新加载时使用）
func (c *RestoreCoordinator) RestoreInstance(ctx context.Context, instanceID string, now time.Time) (RestoreReport, error) {
	return c.restore(ctx, now, func(rec models.TimerRecord) bool { return rec.InstanceID == instanceID })
}

func (c *RestoreCoordinator) restore(ctx context.Context, now time.Time, match func(models.TimerRecord) bool) (RestoreReport, error) {
	var report RestoreReport

	records, err := c.store.LoadAll(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load timer records: %w", err)
	}

	for _, rec := range records {
		if !match(rec) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		key := rec.Key()
		if _, ok := c.registry.Config(key); !ok {
			c.logger.Debug("Discarding timer record for unconfigured entity",
				zap.String("key", key.String()),
			)
			c.discard(ctx, key)
			report.Discarded++
			continue
		}

		state, err := c.reader.GetState(ctx, rec.EntityID)
		if err != nil {
			c.logger.Warn("Failed to read entity state, discarding timer record",
				zap.String("key", key.String()),
				zap.Error(err),
			)
			c.discard(ctx, key)
			report.Discarded++
			continue
		}
		if !state.IsOn() {
			current := ""
			if state != nil {
				current = state.State
			}
			c.logger.Info("Entity no longer on, discarding timer record",
				zap.String("key", key.String()),
				zap.String("state", current),
			)
			c.discard(ctx, key)
			report.Discarded++
			continue
		}

		c.registry.Restore(key, rec.Deadline, now)
		if rec.Deadline.After(now) {
			report.Rearmed++
		} else {
			report.Overdue++
		}
	}

	// 过期记录在全部恢复提交之后才触发
	if report.Overdue > 0 {
		c.registry.Tick(now)
	}

	c.logger.Info("Timer restore completed",
		zap.Int("rearmed", report.Rearmed),
		zap.Int("overdue", report.Overdue),
		zap.Int("discarded", report.Discarded),
	)
	return report, nil
}

func (c *RestoreCoordinator) discard(ctx context.Context, key models.TimerKey) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Error("Failed to delete timer record",
			zap.String("key", key.String()),
			zap.Error(err),
		)
	}
}
