package timer

import (
	"sync"

	"wisefido-autooff/internal/models"

	"go.uber.org/zap"
)

// lanes 按 key 串行、跨 key 并发的任务执行器
// 每个 key 有独立队列，同一 key 的任务按提交顺序执行；空闲 key 不占用 goroutine
type lanes struct {
	mu      sync.Mutex
	idle    *sync.Cond
	queues  map[models.TimerKey][]func()
	pending int // 已提交未完成的任务数 + 持有数
	closed  bool
	logger  *zap.Logger
}

func newLanes(logger *zap.Logger) *lanes {
	l := &lanes{
		queues: make(map[models.TimerKey][]func()),
		logger: logger,
	}
	l.idle = sync.NewCond(&l.mu)
	return l
}

// submit 提交任务；关闭后提交的任务被丢弃
func (l *lanes) submit(key models.TimerKey, fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}

	l.pending++
	q, running := l.queues[key]
	l.queues[key] = append(q, fn)
	if !running {
		go l.run(key)
	}
	return true
}

// run 依次执行某个 key 的队列，队列清空后退出
func (l *lanes) run(key models.TimerKey) {
	for {
		l.mu.Lock()
		q := l.queues[key]
		if len(q) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		fn := q[0]
		q[0] = nil
		l.queues[key] = q[1:]
		l.mu.Unlock()

		l.exec(key, fn)
		l.release()
	}
}

func (l *lanes) exec(key models.TimerKey, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Timer operation panicked",
				zap.String("key", key.String()),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

// hold 为 lane 之外的异步工作（如关闭动作）占位，Drain 会等待其 release
func (l *lanes) hold() {
	l.mu.Lock()
	l.pending++
	l.mu.Unlock()
}

func (l *lanes) release() {
	l.mu.Lock()
	l.pending--
	if l.pending == 0 {
		l.idle.Broadcast()
	}
	l.mu.Unlock()
}

// drain 阻塞直到所有已提交任务和异步工作完成
func (l *lanes) drain() {
	l.mu.Lock()
	for l.pending > 0 {
		l.idle.Wait()
	}
	l.mu.Unlock()
}

// close 停止接受新任务，已排队的任务继续执行
func (l *lanes) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}
