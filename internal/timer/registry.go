package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wisefido-autooff/internal/models"

	"go.uber.org/zap"
)

// Store 计时记录持久化接口
type Store interface {
	Put(ctx context.Context, record models.TimerRecord) error
	Delete(ctx context.Context, key models.TimerKey) error
	LoadAll(ctx context.Context) ([]models.TimerRecord, error)
}

// ConditionGate 条件闸门接口
type ConditionGate interface {
	Allow(condition string, snapshot *models.EntityState) bool
}

// ActionInvoker 关闭动作接口
type ActionInvoker interface {
	TurnOff(ctx context.Context, entityID string) error
}

// Options 计时引擎参数
type Options struct {
	PersistTimeout time.Duration // 单次持久化操作超时
	ActionTimeout  time.Duration // 单次关闭动作超时
}

func (o Options) withDefaults() Options {
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 30 * time.Second
	}
	return o
}

// entry 单个实体的计时器
// state 和 stop 只在该 key 的 lane 中修改
type entry struct {
	cfg   models.TimerConfig
	state State
	stop  Stopper
}

// firing 正在执行或刚执行完关闭动作的到期
// 条目在动作期间被替换（实例重新加载）时，用它避免同一到期再次触发
type firing struct {
	e        *entry
	gen      uint64
	deadline time.Time
	done     bool // 动作已完成，原条目已不在
}

// Registry 计时器注册表
// 同一 key 的操作按到达顺序串行执行，不同 key 互不阻塞
type Registry struct {
	store   Store
	gate    ConditionGate
	invoker ActionInvoker
	clock   Clock
	opts    Options
	logger  *zap.Logger

	mu       sync.RWMutex
	entries  map[models.TimerKey]*entry
	degraded map[models.TimerKey]struct{} // 持久化失败的 key
	firing   map[models.TimerKey]firing

	lanes   *lanes
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry 创建计时器注册表
func NewRegistry(store Store, gate ConditionGate, invoker ActionInvoker, clock Clock, opts Options, logger *zap.Logger) *Registry {
	if clock == nil {
		clock = RealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:    store,
		gate:     gate,
		invoker:  invoker,
		clock:    clock,
		opts:     opts.withDefaults(),
		logger:   logger,
		entries:  make(map[models.TimerKey]*entry),
		degraded: make(map[models.TimerKey]struct{}),
		firing:   make(map[models.TimerKey]firing),
		lanes:    newLanes(logger),
		metrics:  newMetrics(clock.Now()),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// AddConfigs 注册计时配置；同一 (实例, 实体) 只能注册一次
func (r *Registry) AddConfigs(configs ...models.TimerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[models.TimerKey]struct{}, len(configs))
	for _, cfg := range configs {
		key := cfg.Key()
		if cfg.InstanceID == "" || cfg.EntityID == "" {
			return fmt.Errorf("timer config %q: instance and entity are required", key)
		}
		if cfg.Timeout <= 0 {
			return fmt.Errorf("timer config %q: timeout must be positive", key)
		}
		if _, ok := r.entries[key]; ok {
			return fmt.Errorf("timer config %q already registered", key)
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("timer config %q duplicated", key)
		}
		seen[key] = struct{}{}
	}

	for _, cfg := range configs {
		r.entries[cfg.Key()] = &entry{cfg: cfg}
	}
	return nil
}

// RemoveInstance 移除实例的全部计时器，返回后即可重新注册同一实例
// purge 为 true 时同时删除持久化记录；否则保留记录供重新加载后恢复
func (r *Registry) RemoveInstance(instanceID string, purge bool) {
	r.mu.Lock()
	var removed []*entry
	for key, e := range r.entries {
		if key.InstanceID == instanceID {
			delete(r.entries, key)
			delete(r.degraded, key)
			removed = append(removed, e)
		}
	}
	r.mu.Unlock()

	for _, e := range removed {
		e := e
		r.lanes.submit(e.cfg.Key(), func() {
			r.unschedule(e)
			if purge {
				r.deleteRecord(e.cfg.Key())
			}
		})
	}
}

// Config 返回 key 对应的配置
func (r *Registry) Config(key models.TimerKey) (models.TimerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return models.TimerConfig{}, false
	}
	return e.cfg, true
}

// State 返回 key 当前的计时状态
func (r *Registry) State(key models.TimerKey) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// ArmedCount 当前计时中的计时器数量
func (r *Registry) ArmedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.state.Status == StatusArmed {
			n++
		}
	}
	return n
}

// Degraded 返回持久化失败、重启后不保证恢复的 key
func (r *Registry) Degraded() []models.TimerKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]models.TimerKey, 0, len(r.degraded))
	for k := range r.degraded {
		keys = append(keys, k)
	}
	return keys
}

// Metrics 返回引擎指标
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}

// TurnedOn 实体打开：条件允许时启动或续期
// 条件拒绝时不启动，也不影响已在计时的计时器
func (r *Registry) TurnedOn(key models.TimerKey, snapshot *models.EntityState, now time.Time) {
	r.submit(key, func(e *entry) {
		r.armIfAllowed(e, snapshot, now)
	})
}

// AttributeChanged 属性变化：实体为 on 时按 TurnedOn 规则续期
// 条件拒绝不取消已有计时器
func (r *Registry) AttributeChanged(key models.TimerKey, snapshot *models.EntityState, now time.Time) {
	if !snapshot.IsOn() {
		r.logger.Debug("Attribute change ignored, entity not on",
			zap.String("key", key.String()),
		)
		return
	}
	r.submit(key, func(e *entry) {
		r.armIfAllowed(e, snapshot, now)
	})
}

// TurnedOff 实体关闭：立即取消计时器
func (r *Registry) TurnedOff(key models.TimerKey) {
	r.submit(key, func(e *entry) {
		if r.apply(e, event{kind: evCancel}, 0) {
			r.metrics.inc(&r.metrics.Cancelled)
			r.logger.Info("Timer cancelled", zap.String("key", key.String()))
		}
	})
}

// Unavailable 实体不可用：与关闭相同处理
func (r *Registry) Unavailable(key models.TimerKey) {
	r.submit(key, func(e *entry) {
		if r.apply(e, event{kind: evCancel}, 0) {
			r.metrics.inc(&r.metrics.Cancelled)
			r.logger.Info("Timer cancelled, entity unavailable", zap.String("key", key.String()))
		}
	})
}

// Restore 按持久化的原始截止时间恢复计时器
// 已过期的计时器不调度，由之后的 Tick 触发
func (r *Registry) Restore(key models.TimerKey, deadline, now time.Time) {
	r.submit(key, func(e *entry) {
		if r.adoptFiring(e, deadline) {
			return
		}

		mask := effectPersist
		if !deadline.After(now) {
			mask |= effectSchedule
		}
		r.apply(e, event{kind: evArm, deadline: deadline}, mask)
		r.logger.Info("Timer restored",
			zap.String("key", key.String()),
			zap.Time("deadline", deadline),
			zap.Duration("remaining", deadline.Sub(now)),
		)
	})
}

// adoptFiring 记录对应的到期已由被替换的旧条目触发时不再恢复
// 动作仍在执行则新条目接管为 Expired，由动作结算删除记录；已完成则直接删除记录
func (r *Registry) adoptFiring(e *entry, deadline time.Time) bool {
	key := e.cfg.Key()

	r.mu.Lock()
	f, ok := r.firing[key]
	if !ok || f.e == e || deadline.After(f.deadline) {
		r.mu.Unlock()
		return false
	}
	if f.done {
		delete(r.firing, key)
		r.mu.Unlock()
		r.deleteRecord(key)
		r.logger.Info("Timer record already consumed, discarded",
			zap.String("key", key.String()),
		)
		return true
	}
	e.state = State{Status: StatusExpired, Deadline: f.deadline, Generation: e.state.Generation + 1}
	r.firing[key] = firing{e: e, gen: e.state.Generation, deadline: f.deadline}
	r.mu.Unlock()

	r.logger.Info("Turn off still in progress, waiting for it instead of restoring",
		zap.String("key", key.String()),
	)
	return true
}

// Tick 触发所有截止时间不晚于 now 的计时器
func (r *Registry) Tick(now time.Time) {
	r.mu.RLock()
	keys := make([]models.TimerKey, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	for _, key := range keys {
		r.submit(key, func(e *entry) {
			r.apply(e, event{kind: evFire, now: now, generation: e.state.Generation}, effectSchedule)
		})
	}
}

// Drain 等待所有已提交操作和进行中的关闭动作完成
func (r *Registry) Drain() {
	r.lanes.drain()
}

// Close 停止接受新操作并取消所有调度
// 进行中的关闭动作被取消，其记录保留到下次启动恢复
func (r *Registry) Close() {
	r.lanes.close()
	r.cancel()

	r.mu.Lock()
	for _, e := range r.entries {
		if e.stop != nil {
			e.stop.Stop()
		}
	}
	r.mu.Unlock()
}

// submit 将操作放入 key 的 lane；执行时 key 已不存在则丢弃
func (r *Registry) submit(key models.TimerKey, op func(e *entry)) {
	r.lanes.submit(key, func() {
		r.mu.RLock()
		e, ok := r.entries[key]
		r.mu.RUnlock()
		if !ok {
			r.metrics.inc(&r.metrics.StaleEvents)
			r.logger.Debug("Operation for unconfigured entity discarded",
				zap.String("key", key.String()),
			)
			return
		}
		op(e)
	})
}

func (r *Registry) armIfAllowed(e *entry, snapshot *models.EntityState, now time.Time) {
	if !r.gate.Allow(e.cfg.Condition, snapshot) {
		r.metrics.inc(&r.metrics.Denied)
		return
	}

	renew := e.state.Status == StatusArmed
	deadline := now.Add(e.cfg.Timeout)
	r.apply(e, event{kind: evArm, deadline: deadline}, 0)
	r.clearConsumed(e.cfg.Key())

	if renew {
		r.metrics.inc(&r.metrics.Renewed)
		r.logger.Debug("Timer renewed",
			zap.String("key", e.cfg.Key().String()),
			zap.Time("deadline", deadline),
		)
		return
	}
	r.metrics.inc(&r.metrics.Armed)
	r.logger.Info("Timer started",
		zap.String("key", e.cfg.Key().String()),
		zap.Duration("timeout", e.cfg.Timeout),
		zap.Time("deadline", deadline),
	)
}

// apply 执行状态转换并处理副作用，mask 中的副作用被跳过
// 返回状态是否发生变化
func (r *Registry) apply(e *entry, ev event, mask effect) bool {
	prev := e.state
	next, eff := transition(prev, ev)
	eff &^= mask

	r.mu.Lock()
	e.state = next
	r.mu.Unlock()

	key := e.cfg.Key()

	if eff.has(effectUnschedule) {
		r.unschedule(e)
	}
	if eff.has(effectPersist) {
		r.putRecord(models.TimerRecord{
			InstanceID: key.InstanceID,
			EntityID:   key.EntityID,
			Deadline:   next.Deadline,
		})
	}
	if eff.has(effectDelete) {
		r.deleteRecord(key)
	}
	if eff.has(effectSchedule) {
		r.schedule(e)
	}
	if eff.has(effectInvoke) {
		r.invoke(e, next.Generation)
	}

	return next != prev
}

func (r *Registry) unschedule(e *entry) {
	r.mu.Lock()
	stop := e.stop
	e.stop = nil
	r.mu.Unlock()
	if stop != nil {
		stop.Stop()
	}
}

func (r *Registry) schedule(e *entry) {
	r.unschedule(e)

	key := e.cfg.Key()
	gen := e.state.Generation
	d := e.state.Deadline.Sub(r.clock.Now())

	stop := r.clock.AfterFunc(d, func() {
		r.lanes.submit(key, func() {
			r.mu.RLock()
			cur, ok := r.entries[key]
			r.mu.RUnlock()
			if !ok || cur != e {
				return
			}
			r.apply(e, event{kind: evFire, now: r.clock.Now(), generation: gen}, 0)
		})
	})

	r.mu.Lock()
	e.stop = stop
	r.mu.Unlock()
}

// invoke 在 lane 之外执行关闭动作，完成后回到 lane 结算
func (r *Registry) invoke(e *entry, gen uint64) {
	key := e.cfg.Key()
	r.metrics.inc(&r.metrics.Expired)
	r.logger.Info("Timer expired, turning off entity",
		zap.String("key", key.String()),
		zap.Time("deadline", e.state.Deadline),
	)

	r.mu.Lock()
	r.firing[key] = firing{e: e, gen: gen, deadline: e.state.Deadline}
	r.mu.Unlock()

	r.lanes.hold()
	go func() {
		defer r.lanes.release()

		ctx, cancel := context.WithTimeout(r.ctx, r.opts.ActionTimeout)
		err := r.invoker.TurnOff(ctx, key.EntityID)
		cancel()

		if err != nil {
			if r.ctx.Err() != nil {
				r.logger.Warn("Turn off interrupted by shutdown, record kept",
					zap.String("key", key.String()),
					zap.Error(err),
				)
				return
			}
			r.metrics.inc(&r.metrics.ActionFailures)
			r.logger.Error("Failed to turn off entity",
				zap.String("key", key.String()),
				zap.Error(err),
			)
		}

		r.lanes.submit(key, func() { r.settle(key) })
	}()
}

// settle 在 lane 中结算关闭动作
// 结算对象可能是接管了到期的新条目；原条目已被移除时直接删除已消费的记录
func (r *Registry) settle(key models.TimerKey) {
	r.mu.Lock()
	f, ok := r.firing[key]
	cur, present := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if present && cur == f.e {
		delete(r.firing, key)
		r.mu.Unlock()
		r.apply(cur, event{kind: evSettle, generation: f.gen}, 0)
		return
	}
	if present && cur.state.Status != StatusIdle {
		// 新条目已有自己的计时
		delete(r.firing, key)
		r.mu.Unlock()
		return
	}
	f.done = true
	r.firing[key] = f
	r.mu.Unlock()

	r.deleteRecord(key)
}

// clearConsumed 新的计时开始后，旧到期的标记不再需要
func (r *Registry) clearConsumed(key models.TimerKey) {
	r.mu.Lock()
	if f, ok := r.firing[key]; ok && f.done {
		delete(r.firing, key)
	}
	r.mu.Unlock()
}

func (r *Registry) putRecord(rec models.TimerRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PersistTimeout)
	defer cancel()

	if err := r.store.Put(ctx, rec); err != nil {
		r.markDegraded(rec.Key(), err)
		return
	}
	r.clearDegraded(rec.Key())
}

func (r *Registry) deleteRecord(key models.TimerKey) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PersistTimeout)
	defer cancel()

	if err := r.store.Delete(ctx, key); err != nil {
		r.markDegraded(key, err)
		return
	}
	r.clearDegraded(key)
}

func (r *Registry) markDegraded(key models.TimerKey, err error) {
	r.metrics.inc(&r.metrics.PersistFailures)
	r.mu.Lock()
	r.degraded[key] = struct{}{}
	r.mu.Unlock()
	r.logger.Error("Failed to persist timer, running in degraded mode",
		zap.String("key", key.String()),
		zap.Error(err),
	)
}

func (r *Registry) clearDegraded(key models.TimerKey) {
	r.mu.Lock()
	delete(r.degraded, key)
	r.mu.Unlock()
}
