package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.sync/internal/backoff"
	"sudooom.im.sync/internal/clock"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/protocol"
	"sudooom.im.sync/internal/registry"
	"sudooom.im.sync/internal/workerpool"
)

const (
	defaultDrainBatch   = 100
	defaultRetryAttempt = 6
)

// AckListener 条目被设备确认后回调（用于生成 message-delivered）
type AckListener func(key model.DeviceKey, acked []model.QueueEntry)

// DrainerConfig 排空参数
type DrainerConfig struct {
	Batch       int            // 单次从队列读取的条目数
	Retry       backoff.Policy // 发送受阻或队列故障时的重试退避
	MaxAttempts int            // 连续失败超过该次数后放弃排空，剩余条目交给同步补齐
}

// Drainer 设备上线后按序号顺序排空离线队列
// 排空期间设备处于 draining 状态，实时投递转入队列，保证队列条目先于新消息到达
type Drainer struct {
	queue    Queue
	registry *registry.Registry
	pool     *workerpool.Pool
	clock    clock.Clock
	logger   *slog.Logger
	cfg      DrainerConfig

	mu       sync.Mutex
	running  map[model.DeviceKey]bool
	pending  map[model.DeviceKey]bool
	attempts map[model.DeviceKey]int

	listenerMu sync.RWMutex
	onAck      []AckListener
}

// NewDrainer 创建排空器，pool 为 nil 时每次排空使用独立 goroutine
func NewDrainer(q Queue, reg *registry.Registry, pool *workerpool.Pool, clk clock.Clock, cfg DrainerConfig, logger *slog.Logger) *Drainer {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultDrainBatch
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry = backoff.Policy{Base: 100 * time.Millisecond, Cap: 5 * time.Second}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultRetryAttempt
	}
	return &Drainer{
		queue:    q,
		registry: reg,
		pool:     pool,
		clock:    clk,
		logger:   logger.With("component", "drainer"),
		cfg:      cfg,
		running:  make(map[model.DeviceKey]bool),
		pending:  make(map[model.DeviceKey]bool),
		attempts: make(map[model.DeviceKey]int),
	}
}

// OnAcknowledged 注册确认回调
func (d *Drainer) OnAcknowledged(l AckListener) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	d.onAck = append(d.onAck, l)
}

// Kick 异步触发排空，同一设备的并发触发合并为一次后续排空
func (d *Drainer) Kick(key model.DeviceKey) {
	d.mu.Lock()
	if d.running[key] {
		d.pending[key] = true
		d.mu.Unlock()
		return
	}
	d.running[key] = true
	d.mu.Unlock()

	task := func() { d.loop(key) }
	if d.pool != nil && d.pool.TrySubmit(key.String(), task) {
		return
	}
	go task()
}

func (d *Drainer) loop(key model.DeviceKey) {
	for {
		d.DrainNow(context.Background(), key)

		d.mu.Lock()
		if d.pending[key] {
			delete(d.pending, key)
			d.mu.Unlock()
			continue
		}
		delete(d.running, key)
		d.mu.Unlock()
		return
	}
}

type drainOutcome int

const (
	drainContinue drainOutcome = iota
	drainDone
	drainBlocked
	drainFailed
)

// DrainNow 同步排空，直到队列为空、设备离线或发送受阻
func (d *Drainer) DrainNow(ctx context.Context, key model.DeviceKey) {
	sent := 0
	for {
		outcome, n, err := d.step(ctx, key)
		sent += n
		switch outcome {
		case drainContinue:
			continue
		case drainDone:
			d.resetAttempts(key)
			if sent > 0 {
				d.logger.Debug("Offline queue drained",
					"user_id", key.UserID,
					"device_id", key.DeviceID,
					"sent", sent)
			}
			return
		case drainBlocked, drainFailed:
			d.scheduleRetry(key, outcome, err)
			return
		}
	}
}

// step 在设备投递锁内发送一批条目
func (d *Drainer) step(ctx context.Context, key model.DeviceKey) (drainOutcome, int, error) {
	outcome := drainDone
	sent := 0
	var stepErr error

	known := d.registry.Exclusive(key, func(s *registry.Slot) {
		if !s.Live() {
			s.SetDraining(false)
			return
		}
		entries, err := d.queue.Drain(ctx, key, s.LastSent(), d.cfg.Batch)
		if err != nil {
			outcome, stepErr = drainFailed, err
			return
		}
		if len(entries) == 0 {
			s.SetDraining(false)
			return
		}
		for _, e := range entries {
			frame, err := protocol.WithSeq(e.Payload, e.Sequence)
			if err != nil {
				d.logger.Warn("Dropping malformed queue entry",
					"user_id", key.UserID,
					"device_id", key.DeviceID,
					"sequence", e.Sequence,
					"error", err)
				s.SetLastSent(e.Sequence)
				_ = d.queue.Remove(ctx, key, e.Sequence)
				continue
			}
			if err := s.SendDirect(frame); err != nil {
				outcome, stepErr = drainBlocked, err
				return
			}
			s.SetLastSent(e.Sequence)
			sent++
			if !e.Kind.RequiresAck() {
				if err := d.queue.Remove(ctx, key, e.Sequence); err != nil {
					d.logger.Warn("Failed to remove sent queue entry",
						"user_id", key.UserID,
						"device_id", key.DeviceID,
						"sequence", e.Sequence,
						"error", err)
				}
			}
		}
		outcome = drainContinue
	})
	if !known {
		return drainDone, 0, nil
	}
	return outcome, sent, stepErr
}

// scheduleRetry 退避后重新排空，超过次数则放弃并恢复实时投递
func (d *Drainer) scheduleRetry(key model.DeviceKey, outcome drainOutcome, err error) {
	d.mu.Lock()
	d.attempts[key]++
	attempt := d.attempts[key]
	d.mu.Unlock()

	if attempt > d.cfg.MaxAttempts {
		d.resetAttempts(key)
		d.registry.Exclusive(key, func(s *registry.Slot) { s.SetDraining(false) })
		d.logger.Warn("Giving up offline queue drain, remaining entries left for sync",
			"user_id", key.UserID,
			"device_id", key.DeviceID,
			"error", err)
		return
	}

	delay := d.cfg.Retry.Delay(attempt)
	d.logger.Debug("Offline queue drain deferred",
		"user_id", key.UserID,
		"device_id", key.DeviceID,
		"blocked", outcome == drainBlocked,
		"attempt", attempt,
		"delay", delay,
		"error", err)
	d.clock.AfterFunc(delay, func() { d.Kick(key) })
}

func (d *Drainer) resetAttempts(key model.DeviceKey) {
	d.mu.Lock()
	delete(d.attempts, key)
	d.mu.Unlock()
}

// Acknowledge 设备确认已收到 upTo 及之前的条目
func (d *Drainer) Acknowledge(ctx context.Context, key model.DeviceKey, upTo int64) ([]model.QueueEntry, error) {
	acked, err := d.queue.Acknowledge(ctx, key, upTo)
	if err != nil {
		return nil, err
	}
	if len(acked) == 0 {
		return nil, nil
	}

	d.listenerMu.RLock()
	listeners := append([]AckListener(nil), d.onAck...)
	d.listenerMu.RUnlock()
	for _, l := range listeners {
		l(key, acked)
	}
	return acked, nil
}
