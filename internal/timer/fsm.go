package timer

import "time"

// Status 计时器状态
type Status int

const (
	StatusIdle    Status = iota // 未计时
	StatusArmed                 // 计时中，Deadline 有效
	StatusExpired               // 已到期，关闭动作执行中
)

// String 返回状态名称
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusArmed:
		return "armed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// State 单个实体的计时状态
// Generation 在每次 arm/cancel 时递增，过期回调据此识别自己是否已失效
type State struct {
	Status     Status
	Deadline   time.Time
	Generation uint64
}

type eventKind int

const (
	evArm    eventKind = iota + 1 // 启动或续期
	evCancel                      // 关闭/不可用
	evFire                        // 到期回调
	evSettle                      // 关闭动作完成
)

type event struct {
	kind       eventKind
	deadline   time.Time // evArm
	now        time.Time // evFire
	generation uint64    // evFire, evSettle
}

// effect 状态转换产生的副作用（位标志）
type effect uint8

const (
	effectPersist    effect = 1 << iota // 写入持久化记录
	effectDelete                        // 删除持久化记录
	effectSchedule                      // 按 Deadline 调度到期回调
	effectUnschedule                    // 停止旧的到期回调
	effectInvoke                        // 调用关闭动作
)

func (e effect) has(f effect) bool {
	return e&f != 0
}

// transition 纯状态转换函数，不做任何 I/O
func transition(s State, ev event) (State, effect) {
	switch ev.kind {
	case evArm:
		next := State{Status: StatusArmed, Deadline: ev.deadline, Generation: s.Generation + 1}
		return next, effectPersist | effectSchedule | effectUnschedule

	case evCancel:
		switch s.Status {
		case StatusArmed:
			return State{Status: StatusIdle, Generation: s.Generation + 1}, effectDelete | effectUnschedule
		case StatusExpired:
			return State{Status: StatusIdle, Generation: s.Generation + 1}, effectDelete
		}
		return s, 0

	case evFire:
		if s.Status != StatusArmed || ev.generation != s.Generation {
			return s, 0
		}
		if ev.now.Before(s.Deadline) {
			// 回调早于截止时间（时钟漂移），重新调度
			return s, effectSchedule
		}
		return State{Status: StatusExpired, Deadline: s.Deadline, Generation: s.Generation}, effectInvoke | effectUnschedule

	case evSettle:
		if s.Status != StatusExpired || ev.generation != s.Generation {
			return s, 0
		}
		return State{Status: StatusIdle, Generation: s.Generation}, effectDelete
	}

	return s, 0
}
