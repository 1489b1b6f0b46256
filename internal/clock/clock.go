package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer 可取消的定时器
type Timer interface {
	Stop() bool
}

// Clock 时间源与调度器抽象，测试中可替换为 Mock
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real 基于系统时间的实现
type Real struct{}

// Now 当前时间
func (Real) Now() time.Time { return time.Now() }

// AfterFunc 延迟执行
func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Mock 手动推进的时钟
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
}

type mockTimer struct {
	clock   *Mock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

// NewMock 创建从 start 开始的手动时钟
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

// Now 当前模拟时间
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc 注册一个在模拟时间到达后触发的回调
func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{clock: m, at: m.now.Add(d), f: f}
	m.timers = append(m.timers, t)
	return t
}

// Stop 取消定时器
func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Pending 返回尚未触发的定时器剩余时长，按触发时间升序
func (m *Mock) Pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Duration
	for _, t := range m.active() {
		out = append(out, t.at.Sub(m.now))
	}
	return out
}

// Advance 推进模拟时间并同步执行到期回调
// 回调在锁外执行，可以再次注册定时器
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		var next *mockTimer
		for _, t := range m.active() {
			if !t.at.After(target) {
				next = t
				break
			}
		}
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		if next.at.After(m.now) {
			m.now = next.at
		}
		next.fired = true
		m.mu.Unlock()
		next.f()
	}
}

// Set 直接设置模拟时间，不触发定时器
func (m *Mock) Set(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// active 需持有锁
func (m *Mock) active() []*mockTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live
	out := make([]*mockTimer, len(live))
	copy(out, live)
	sort.SliceStable(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	return out
}
