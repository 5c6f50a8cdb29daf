package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"wisefido-autooff/internal/models"
)

var t0 = time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)

// fakeClock 手动推进的时钟
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance 推进时间并同步执行到期回调
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	pending := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// active 未触发且未停止的回调数量
func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// memStore 内存记录存储
type memStore struct {
	mu      sync.Mutex
	records map[models.TimerKey]models.TimerRecord
	puts    int
	failPut bool
}

func newMemStore(records ...models.TimerRecord) *memStore {
	s := &memStore{records: make(map[models.TimerKey]models.TimerRecord)}
	for _, r := range records {
		s.records[r.Key()] = r
	}
	return s
}

func (s *memStore) Put(ctx context.Context, record models.TimerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return errors.New("disk full")
	}
	s.puts++
	s.records[record.Key()] = record
	return nil
}

func (s *memStore) Delete(ctx context.Context, key models.TimerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *memStore) LoadAll(ctx context.Context) ([]models.TimerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TimerRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) get(key models.TimerKey) (models.TimerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	return r, ok
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// recordingInvoker 记录关闭调用；block 非空时阻塞直到 block 关闭或 ctx 取消
type recordingInvoker struct {
	mu      sync.Mutex
	calls   []string
	err     error
	block   map[string]chan struct{}
	started chan string
}

func newRecordingInvoker() *recordingInvoker {
	return &recordingInvoker{
		block:   make(map[string]chan struct{}),
		started: make(chan string, 16),
	}
}

func (i *recordingInvoker) TurnOff(ctx context.Context, entityID string) error {
	i.mu.Lock()
	i.calls = append(i.calls, entityID)
	ch := i.block[entityID]
	err := i.err
	i.mu.Unlock()

	i.started <- entityID
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (i *recordingInvoker) blockOn(entityID string) chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	ch := make(chan struct{})
	i.block[entityID] = ch
	return ch
}

func (i *recordingInvoker) callCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.calls)
}

// switchGate 可切换的条件闸门
type switchGate struct {
	mu    sync.Mutex
	allow bool
	calls int
}

func (g *switchGate) Allow(condition string, snapshot *models.EntityState) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return condition == "" || g.allow
}

func (g *switchGate) set(allow bool) {
	g.mu.Lock()
	g.allow = allow
	g.mu.Unlock()
}

// mapReader 固定的实体状态
type mapReader map[string]string

func (m mapReader) GetState(ctx context.Context, entityID string) (*models.EntityState, error) {
	s, ok := m[entityID]
	if !ok {
		return nil, errors.New("entity not found")
	}
	return &models.EntityState{EntityID: entityID, State: s}, nil
}

func onState(entityID string, attrs map[string]interface{}) *models.EntityState {
	return &models.EntityState{EntityID: entityID, State: models.StateOn, Attributes: attrs}
}
