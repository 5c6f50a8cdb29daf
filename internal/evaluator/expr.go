package evaluator

import (
	"fmt"
	"sync"

	"wisefido-autooff/internal/models"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// StateLookup 查询其他实体的最新状态（条件中引用其他实体时使用）
type StateLookup interface {
	LookupState(entityID string) (*models.EntityState, bool)
}

// ExprPredicate 基于 expr-lang 的条件求值器
//
// 表达式可用变量：
//   - entity_id  当前实体ID
//   - state      当前状态值，如 "on"
//   - attributes 当前属性 map
//   - is_state(id, value) / state_of(id)  查询其他实体
type ExprPredicate struct {
	lookup StateLookup

	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewExprPredicate 创建求值器；lookup 可以为 nil
func NewExprPredicate(lookup StateLookup) *ExprPredicate {
	return &ExprPredicate{
		lookup:   lookup,
		programs: make(map[string]*vm.Program),
	}
}

// Compile 预编译表达式（用于配置加载时提前发现语法错误）
func (p *ExprPredicate) Compile(expression string) error {
	_, err := p.program(expression)
	return err
}

// Evaluate 求值表达式，结果必须是布尔值
func (p *ExprPredicate) Evaluate(expression string, snapshot *models.EntityState) (bool, error) {
	program, err := p.program(expression)
	if err != nil {
		return false, err
	}

	out, err := expr.Run(program, p.env(snapshot))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition: %w", err)
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: got %T", ErrNotBoolean, out)
	}
	return result, nil
}

// program 取缓存的编译结果，不存在时编译
func (p *ExprPredicate) program(expression string) (*vm.Program, error) {
	p.mu.RLock()
	program, ok := p.programs[expression]
	p.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.Env(p.env(nil)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile condition: %w", err)
	}

	p.mu.Lock()
	p.programs[expression] = program
	p.mu.Unlock()
	return program, nil
}

// env 构建表达式环境
func (p *ExprPredicate) env(snapshot *models.EntityState) map[string]interface{} {
	env := map[string]interface{}{
		"entity_id":  "",
		"state":      "",
		"attributes": map[string]interface{}{},
		"is_state":   p.isState,
		"state_of":   p.stateOf,
	}
	if snapshot != nil {
		env["entity_id"] = snapshot.EntityID
		env["state"] = snapshot.State
		if snapshot.Attributes != nil {
			env["attributes"] = snapshot.Attributes
		}
	}
	return env
}

func (p *ExprPredicate) isState(entityID, value string) bool {
	return p.stateOf(entityID) == value
}

func (p *ExprPredicate) stateOf(entityID string) string {
	if p.lookup == nil {
		return ""
	}
	s, ok := p.lookup.LookupState(entityID)
	if !ok || s == nil {
		return ""
	}
	return s.State
}
