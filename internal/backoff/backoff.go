package backoff

import (
	"context"
	"math/rand/v2"
	"time"

	"sudooom.im.sync/internal/clock"
)

// Policy 指数退避参数
type Policy struct {
	Base   time.Duration // 首次重试延迟
	Cap    time.Duration // 延迟上限（不含抖动）
	Jitter float64       // 抖动比例，实际延迟 = delay + [0, delay*Jitter)
}

// Delay 第 attempt 次（从 1 开始）重试的基础延迟 min(base*2^(attempt-1), cap)
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// Backoff 有状态的退避计数器，非并发安全
type Backoff struct {
	policy  Policy
	attempt int
	rand    func() float64
}

// New 创建退避计数器
func New(p Policy) *Backoff {
	return &Backoff{policy: p, rand: rand.Float64}
}

// WithRand 替换随机源（测试使用）
func (b *Backoff) WithRand(r func() float64) *Backoff {
	b.rand = r
	return b
}

// Next 递增尝试次数并返回带抖动的延迟
func (b *Backoff) Next() time.Duration {
	b.attempt++
	d := b.policy.Delay(b.attempt)
	if b.policy.Jitter > 0 {
		d += time.Duration(float64(d) * b.policy.Jitter * b.rand())
	}
	return d
}

// Attempt 当前尝试次数
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset 连接成功后清零
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Retry 执行 fn，retryable 返回 true 时按退避重试，最多 maxAttempts 次
// 重试等待由 clk 调度，clk 为 nil 时使用系统时钟
func Retry(ctx context.Context, clk clock.Clock, p Policy, maxAttempts int, retryable func(error) bool, fn func() error) error {
	if clk == nil {
		clk = clock.Real{}
	}
	b := New(p)
	var err error
	for i := 0; i < maxAttempts; i++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		if i == maxAttempts-1 {
			break
		}
		fired := make(chan struct{})
		timer := clk.AfterFunc(b.Next(), func() { close(fired) })
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-fired:
		}
	}
	return err
}
