package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"wisefido-autooff/internal/config"
	"wisefido-autooff/internal/consumer"
	"wisefido-autooff/internal/evaluator"
	"wisefido-autooff/internal/models"
	"wisefido-autooff/internal/timer"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownInstance 配置实例不存在
var ErrUnknownInstance = errors.New("unknown instance")

// ErrNotReady 服务尚未完成初始化
var ErrNotReady = errors.New("service not initialized")

// InstanceSource 配置实例来源（YAML 文件或数据库）
type InstanceSource interface {
	ListInstances(ctx context.Context) ([]models.InstanceConfig, error)
}

// Components 服务依赖的各层组件
type Components struct {
	Store     timer.Store
	Bus       consumer.StateBus
	Invoker   timer.ActionInvoker
	Reader    timer.StateReader
	Lookup    evaluator.StateLookup // 可以为 nil
	Cache     *consumer.StateCache  // 可以为 nil；非 nil 时事件先写缓存
	Instances InstanceSource
	Clock     timer.Clock // nil 时使用系统时钟
}

// instanceRuntime 单个配置实例的运行时
type instanceRuntime struct {
	config models.InstanceConfig
	router *timer.Router
	sub    consumer.Subscription
}

// AutoOffService 自动关闭服务（整合各层）
type AutoOffService struct {
	config *config.Config
	logger *zap.Logger
	comps  Components
	clock  timer.Clock

	predicate *evaluator.ExprPredicate
	registry  *timer.Registry
	restorer  *timer.RestoreCoordinator

	mu        sync.Mutex
	instances map[string]*instanceRuntime

	// lifecycleMu 串行化 Init 与 Reload
	lifecycleMu sync.Mutex
	ready       bool

	closers  []func() error
	stopOnce sync.Once
}

// NewAutoOffService 按配置连接各后端并创建服务
func NewAutoOffService(cfg *config.Config, logger *zap.Logger) (*AutoOffService, error) {
	comps, closers, err := buildComponents(cfg, logger)
	if err != nil {
		runClosers(closers, logger)
		return nil, err
	}
	svc := NewWithComponents(cfg, comps, logger)
	svc.closers = closers
	return svc, nil
}

// NewWithComponents 使用给定组件创建服务
func NewWithComponents(cfg *config.Config, comps Components, logger *zap.Logger) *AutoOffService {
	clock := comps.Clock
	if clock == nil {
		clock = timer.RealClock()
	}

	predicate := evaluator.NewExprPredicate(comps.Lookup)
	gate := evaluator.NewGate(predicate, logger)
	registry := timer.NewRegistry(comps.Store, gate, comps.Invoker, clock, timer.Options{
		PersistTimeout: cfg.AutoOff.PersistTimeout,
		ActionTimeout:  cfg.AutoOff.ActionTimeout,
	}, logger)

	return &AutoOffService{
		config:    cfg,
		logger:    logger,
		comps:     comps,
		clock:     clock,
		predicate: predicate,
		registry:  registry,
		restorer:  timer.NewRestoreCoordinator(comps.Store, comps.Reader, registry, logger),
		instances: make(map[string]*instanceRuntime),
	}
}

// Registry 返回计时器注册表
func (s *AutoOffService) Registry() *timer.Registry {
	return s.registry
}

// Start 启动服务，阻塞直到 ctx 取消
func (s *AutoOffService) Start(ctx context.Context) error {
	s.logger.Info("Starting auto-off service",
		zap.String("state_source", s.config.AutoOff.StateSource),
		zap.String("store", s.config.AutoOff.StoreBackend),
		zap.String("action", s.config.AutoOff.ActionBackend),
	)

	if err := s.Init(ctx); err != nil {
		return err
	}
	return s.Run(ctx)
}

// Init 加载配置实例、恢复持久化计时器，然后订阅状态事件
// 恢复在订阅之前完成，保证实时事件总是作用在恢复后的状态上
func (s *AutoOffService) Init(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	instances, err := s.comps.Instances.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to load instances: %w", err)
	}
	for i := range instances {
		config.EnsureID(&instances[i])
	}
	if err := config.ValidateInstances(instances); err != nil {
		return err
	}

	for _, inst := range instances {
		if err := s.register(inst); err != nil {
			return err
		}
	}

	if _, err := s.restorer.Restore(ctx, s.clock.Now()); err != nil {
		// 恢复失败不阻止启动：按无记录处理
		s.logger.Error("Failed to restore timers, starting without them",
			zap.Error(err),
		)
	}

	for _, inst := range instances {
		if err := s.subscribe(ctx, inst.ID); err != nil {
			return err
		}
	}

	s.ready = true
	s.logger.Info("Auto-off service initialized",
		zap.Int("instances", len(instances)),
	)
	return nil
}

// Run 运行后台循环（到期兜底扫描、指标报告），直到 ctx 取消
func (s *AutoOffService) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.sweep(ctx)
		return nil
	})
	g.Go(func() error {
		s.reportMetrics(ctx)
		return nil
	})
	return g.Wait()
}

// Reload 重新读取配置实例来源并与当前实例对比
// 删除已不存在的实例，重新加载新增或变化的实例；新实例集合不合法时不做任何修改
func (s *AutoOffService) Reload(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.ready {
		return ErrNotReady
	}

	instances, err := s.comps.Instances.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to load instances: %w", err)
	}
	for i := range instances {
		config.EnsureID(&instances[i])
	}
	if err := config.ValidateInstances(instances); err != nil {
		return err
	}
	for _, inst := range instances {
		if err := s.compile(inst); err != nil {
			return err
		}
	}

	current := make(map[string]models.InstanceConfig)
	for _, inst := range s.Instances() {
		current[inst.ID] = inst
	}
	wanted := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		wanted[inst.ID] = struct{}{}
	}

	var errs []error
	removed, reloaded := 0, 0

	// 先删除，释放可能被新配置使用的实体
	for id := range current {
		if _, ok := wanted[id]; ok {
			continue
		}
		if err := s.RemoveInstance(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	for _, inst := range instances {
		if old, ok := current[inst.ID]; ok && sameInstance(old, inst) {
			continue
		}
		if err := s.reloadInstance(ctx, inst); err != nil {
			errs = append(errs, err)
			continue
		}
		reloaded++
	}

	s.logger.Info("Instances reloaded",
		zap.Int("instances", len(instances)),
		zap.Int("reloaded", reloaded),
		zap.Int("removed", removed),
		zap.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

// ReloadInstance 用新配置替换（或新增）配置实例
// 已计时的实体保留剩余时间，新配置下不再有效的记录在恢复时丢弃
func (s *AutoOffService) ReloadInstance(ctx context.Context, inst models.InstanceConfig) error {
	config.EnsureID(&inst)

	s.mu.Lock()
	others := make([]models.InstanceConfig, 0, len(s.instances)+1)
	for id, rt := range s.instances {
		if id != inst.ID {
			others = append(others, rt.config)
		}
	}
	s.mu.Unlock()
	if err := config.ValidateInstances(append(others, inst)); err != nil {
		return err
	}
	if err := s.compile(inst); err != nil {
		return err
	}
	return s.reloadInstance(ctx, inst)
}

func (s *AutoOffService) reloadInstance(ctx context.Context, inst models.InstanceConfig) error {
	s.detach(inst.ID, false)
	if err := s.register(inst); err != nil {
		return err
	}
	if _, err := s.restorer.RestoreInstance(ctx, inst.ID, s.clock.Now()); err != nil {
		s.logger.Error("Failed to restore timers for reloaded instance",
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
	}
	if err := s.subscribe(ctx, inst.ID); err != nil {
		return err
	}

	s.logger.Info("Instance reloaded",
		zap.String("instance_id", inst.ID),
		zap.String("name", inst.Name),
		zap.Int("entities", len(inst.Entities)),
	)
	return nil
}

// RemoveInstance 删除配置实例，同时清除其持久化记录和总线上的订阅资源
func (s *AutoOffService) RemoveInstance(ctx context.Context, instanceID string) error {
	if !s.detach(instanceID, true) {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	if releaser, ok := s.comps.Bus.(consumer.Releaser); ok {
		if err := releaser.Release(ctx, instanceID); err != nil {
			s.logger.Warn("Failed to release subscription resources",
				zap.String("instance_id", instanceID),
				zap.Error(err),
			)
		}
	}
	s.logger.Info("Instance removed",
		zap.String("instance_id", instanceID),
	)
	return nil
}

func sameInstance(a, b models.InstanceConfig) bool {
	return a.ID == b.ID &&
		a.Name == b.Name &&
		a.Timeout == b.Timeout &&
		a.Condition == b.Condition &&
		a.AllowSharedEntities == b.AllowSharedEntities &&
		slices.Equal(a.Entities, b.Entities)
}

// Instances 返回当前生效的配置实例
func (s *AutoOffService) Instances() []models.InstanceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.InstanceConfig, 0, len(s.instances))
	for _, rt := range s.instances {
		out = append(out, rt.config)
	}
	return out
}

// Stop 停止服务，可重复调用
// 进行中的关闭动作被取消，对应记录保留到下次启动
func (s *AutoOffService) Stop() error {
	s.stopOnce.Do(s.stop)
	return nil
}

func (s *AutoOffService) stop() {
	s.logger.Info("Stopping auto-off service")

	s.mu.Lock()
	runtimes := make([]*instanceRuntime, 0, len(s.instances))
	for _, rt := range s.instances {
		runtimes = append(runtimes, rt)
	}
	s.mu.Unlock()

	for _, rt := range runtimes {
		s.closeSubscription(rt)
	}

	s.registry.Close()
	s.registry.Drain()

	runClosers(s.closers, s.logger)
	s.closers = nil
}

// register 编译条件并注册实例的计时配置
func (s *AutoOffService) register(inst models.InstanceConfig) error {
	if err := s.compile(inst); err != nil {
		return err
	}
	if err := s.registry.AddConfigs(inst.TimerConfigs()...); err != nil {
		return fmt.Errorf("failed to register instance %s: %w", inst.ID, err)
	}

	s.mu.Lock()
	s.instances[inst.ID] = &instanceRuntime{
		config: inst,
		router: timer.NewRouter(inst.ID, inst.Entities, s.registry, s.clock, s.logger),
	}
	s.mu.Unlock()
	return nil
}

func (s *AutoOffService) compile(inst models.InstanceConfig) error {
	if inst.Condition == "" {
		return nil
	}
	if err := s.predicate.Compile(inst.Condition); err != nil {
		return fmt.Errorf("%w: instance %q condition: %v", config.ErrInvalidInstance, inst.Name, err)
	}
	return nil
}

// subscribe 为实例订阅状态事件
func (s *AutoOffService) subscribe(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	rt, ok := s.instances[instanceID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}

	handler := consumer.EventHandler(func(ev models.StateChangeEvent) {
		rt.router.Route(ev)
	})
	if s.comps.Cache != nil {
		handler = s.comps.Cache.Wrap(handler)
	}

	sub, err := s.comps.Bus.Subscribe(ctx, instanceID, rt.config.Entities, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe instance %s: %w", instanceID, err)
	}

	s.mu.Lock()
	rt.sub = sub
	s.mu.Unlock()
	return nil
}

// detach 取消订阅并从注册表移除实例；实例不存在时返回 false
func (s *AutoOffService) detach(instanceID string, purge bool) bool {
	s.mu.Lock()
	rt, ok := s.instances[instanceID]
	delete(s.instances, instanceID)
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.closeSubscription(rt)
	s.registry.RemoveInstance(instanceID, purge)
	return true
}

func (s *AutoOffService) closeSubscription(rt *instanceRuntime) {
	s.mu.Lock()
	sub := rt.sub
	rt.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		s.logger.Warn("Failed to close subscription",
			zap.String("instance_id", rt.config.ID),
			zap.Error(err),
		)
	}
}

// sweep 定期检查过期计时器，补偿丢失的调度回调（如系统休眠）
func (s *AutoOffService) sweep(ctx context.Context) {
	if s.config.AutoOff.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.AutoOff.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.Tick(s.clock.Now())
		}
	}
}

// reportMetrics 定期报告指标
func (s *AutoOffService) reportMetrics(ctx context.Context) {
	if s.config.AutoOff.MetricsInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.AutoOff.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logMetrics()
		}
	}
}

func (s *AutoOffService) logMetrics() {
	snapshot := s.registry.Metrics().GetSnapshot()
	degraded := s.registry.Degraded()

	fields := []zap.Field{
		zap.Int("armed", s.registry.ArmedCount()),
		zap.Int64("armed_total", snapshot.Armed),
		zap.Int64("renewed", snapshot.Renewed),
		zap.Int64("cancelled", snapshot.Cancelled),
		zap.Int64("expired", snapshot.Expired),
		zap.Int64("denied", snapshot.Denied),
		zap.Int64("action_failures", snapshot.ActionFailures),
		zap.Int64("persist_failures", snapshot.PersistFailures),
		zap.Int64("stale_events", snapshot.StaleEvents),
		zap.Int("degraded", len(degraded)),
		zap.Duration("uptime", time.Since(snapshot.StartTime)),
	}
	s.logger.Info("Metrics report", fields...)

	if len(degraded) > 0 {
		keys := make([]string, 0, len(degraded))
		for _, k := range degraded {
			keys = append(keys, k.String())
		}
		s.logger.Warn("Timers running without persistence",
			zap.Strings("keys", keys),
		)
	}
}

func runClosers(closers []func() error, logger *zap.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Error("Failed to close resource", zap.Error(err))
		}
	}
}
