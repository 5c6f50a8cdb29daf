package evaluator

import (
	"errors"
	"fmt"
	"strings"

	"wisefido-autooff/internal/models"

	"go.uber.org/zap"
)

// ErrNotBoolean 条件表达式结果不是布尔值
var ErrNotBoolean = errors.New("condition did not evaluate to a boolean")

// Predicate 条件求值器接口（表达式语言可插拔）
type Predicate interface {
	// Evaluate 针对状态快照求值布尔表达式
	Evaluate(expression string, snapshot *models.EntityState) (bool, error)
}

// Gate 条件闸门：决定计时器是否允许启动
// 求值出错一律视为拒绝
type Gate struct {
	predicate Predicate
	logger    *zap.Logger
}

// NewGate 创建条件闸门
func NewGate(predicate Predicate, logger *zap.Logger) *Gate {
	return &Gate{
		predicate: predicate,
		logger:    logger,
	}
}

// Allow 判断条件是否满足；未配置条件时直接放行，不调用求值器
func (g *Gate) Allow(condition string, snapshot *models.EntityState) bool {
	if strings.TrimSpace(condition) == "" {
		return true
	}

	entityID := ""
	if snapshot != nil {
		entityID = snapshot.EntityID
	}

	ok, err := g.evaluate(condition, snapshot)
	if err != nil {
		g.logger.Warn("Condition evaluation failed, timer not started",
			zap.String("entity_id", entityID),
			zap.String("condition", condition),
			zap.Error(err),
		)
		return false
	}

	// 开启和续期都会经过闸门，属于常规结果
	if !ok {
		g.logger.Debug("Condition not met, timer not started",
			zap.String("entity_id", entityID),
			zap.String("condition", condition),
		)
	}
	return ok
}

// evaluate 调用求值器，求值器 panic 也按错误处理
func (g *Gate) evaluate(condition string, snapshot *models.EntityState) (ok bool, err error) {
	if g.predicate == nil {
		return false, errors.New("no predicate evaluator configured")
	}

	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("predicate evaluator panicked: %v", r)
		}
	}()

	return g.predicate.Evaluate(condition, snapshot)
}
