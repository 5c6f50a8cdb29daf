package timer

import "time"

// Stopper 已调度回调的句柄
type Stopper interface {
	Stop() bool
}

// Clock 时间源（测试中替换为可控时钟）
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

type realClock struct{}

// RealClock 返回基于 time 包的系统时钟
func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}
