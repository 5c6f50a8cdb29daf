package timer

import (
	"sync"
	"time"
)

// Metrics 计时引擎监控指标
type Metrics struct {
	mu sync.RWMutex

	Armed     int64 // 新启动的计时器数
	Renewed   int64 // 续期次数
	Cancelled int64 // 取消次数（关闭/不可用）
	Expired   int64 // 到期次数
	Denied    int64 // 条件不满足未启动的次数

	// 错误分类统计
	ActionFailures  int64 // 关闭动作失败
	PersistFailures int64 // 持久化写入/删除失败
	StaleEvents     int64 // 指向未配置实体的操作

	StartTime time.Time
}

func newMetrics(start time.Time) *Metrics {
	return &Metrics{StartTime: start}
}

// GetSnapshot 获取指标快照（线程安全）
func (m *Metrics) GetSnapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		Armed:           m.Armed,
		Renewed:         m.Renewed,
		Cancelled:       m.Cancelled,
		Expired:         m.Expired,
		Denied:          m.Denied,
		ActionFailures:  m.ActionFailures,
		PersistFailures: m.PersistFailures,
		StaleEvents:     m.StaleEvents,
		StartTime:       m.StartTime,
	}
}

func (m *Metrics) inc(field *int64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}
