package dispatcher

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"sudooom.im.sync/internal/backoff"
	"sudooom.im.sync/internal/clock"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/presence"
	"sudooom.im.sync/internal/queue"
	"sudooom.im.sync/internal/registry"
	"sudooom.im.sync/internal/room"
	"sudooom.im.sync/internal/snowflake"
	"sudooom.im.sync/internal/store"
)

// Relay 跨节点投递：把投递交给设备当前所在的节点
type Relay interface {
	// Forward 设备不在其他节点在线时返回 false
	Forward(ctx context.Context, e model.QueueEntry, queueable bool) (bool, error)
}

// Config 分发器参数
type Config struct {
	EnqueuePresence bool           // 离线设备是否排队 user-online / user-offline
	PersistRetry    backoff.Policy // 存储瞬时错误的重试退避
	PersistAttempts int
}

// Dispatcher 消息分发：持久化、房间广播、直接投递、跨节点转发、离线入队
type Dispatcher struct {
	repo     store.Repository
	registry *registry.Registry
	rooms    *room.Manager
	queue    queue.Queue
	typing   *presence.Typing
	ids      *snowflake.Node
	clock    clock.Clock
	relay    Relay
	cfg      Config
	logger   *slog.Logger
}

// New 创建分发器，typing 可为 nil
func New(
	repo store.Repository,
	reg *registry.Registry,
	rooms *room.Manager,
	q queue.Queue,
	typing *presence.Typing,
	ids *snowflake.Node,
	clk clock.Clock,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 3
	}
	if cfg.PersistRetry.Base <= 0 {
		cfg.PersistRetry = backoff.Policy{Base: 50 * time.Millisecond, Cap: time.Second, Jitter: 0.2}
	}
	d := &Dispatcher{
		repo:     repo,
		registry: reg,
		rooms:    rooms,
		queue:    q,
		typing:   typing,
		ids:      ids,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
	}
	if typing != nil {
		typing.SetExpireHandler(d.typingExpired)
	}
	return d
}

// SetRelay 启用集群转发
func (d *Dispatcher) SetRelay(r Relay) {
	d.relay = r
}

func (d *Dispatcher) now() time.Time {
	return model.Timestamp(d.clock.Now())
}

// persist 存储写入，瞬时错误按退避重试
func (d *Dispatcher) persist(ctx context.Context, fn func() error) error {
	return backoff.Retry(ctx, d.clock, d.cfg.PersistRetry, d.cfg.PersistAttempts, apperrors.Retryable, fn)
}

type outcome int

const (
	outcomeDropped outcome = iota
	outcomeDelivered
	outcomeForwarded
	outcomeQueued
)

// Report 一次扇出的投递结果
type Report struct {
	Delivered []model.DeviceKey
	Forwarded []model.DeviceKey
	Queued    []model.DeviceKey
}

func (r *Report) add(key model.DeviceKey, o outcome) {
	switch o {
	case outcomeDelivered:
		r.Delivered = append(r.Delivered, key)
	case outcomeForwarded:
		r.Forwarded = append(r.Forwarded, key)
	case outcomeQueued:
		r.Queued = append(r.Queued, key)
	}
}

// sendLocal 在设备投递锁内实时投递，失败则按需入队
// local=false 表示本节点没有该设备的在线连接
func (d *Dispatcher) sendLocal(ctx context.Context, e model.QueueEntry, queueable, enqueueOffline bool) (o outcome, local bool) {
	known := d.registry.Exclusive(e.Key(), func(s *registry.Slot) {
		if s.TrySend(e.Payload) {
			o, local = outcomeDelivered, true
			return
		}
		local = s.Live()
		// 排空中或缓冲区满时在锁内入队，保证排在已有条目之后
		if queueable && (local || enqueueOffline) {
			o = d.enqueue(ctx, e)
		}
	})
	if !known && queueable && enqueueOffline {
		o = d.enqueue(ctx, e)
	}
	return o, local
}

// deliver 投递到单个设备：本地实时 > 集群转发 > 离线队列
func (d *Dispatcher) deliver(ctx context.Context, e model.QueueEntry, queueable bool) outcome {
	if d.relay == nil {
		o, _ := d.sendLocal(ctx, e, queueable, true)
		return o
	}

	o, local := d.sendLocal(ctx, e, queueable, false)
	if local || o != outcomeDropped {
		return o
	}
	forwarded, err := d.relay.Forward(ctx, e, queueable)
	if err != nil {
		d.logger.Warn("Failed to forward delivery to peer node",
			"user_id", e.TargetUserID,
			"device_id", e.TargetDeviceID,
			"error", err)
	}
	if forwarded {
		return outcomeForwarded
	}
	o, _ = d.sendLocal(ctx, e, queueable, true)
	return o
}

func (d *Dispatcher) enqueue(ctx context.Context, e model.QueueEntry) outcome {
	if d.queue == nil {
		return outcomeDropped
	}
	res, err := d.queue.Enqueue(ctx, e)
	if err != nil {
		d.logger.Warn("Failed to enqueue event, left for sync",
			"user_id", e.TargetUserID,
			"device_id", e.TargetDeviceID,
			"kind", e.Kind,
			"error", err)
		return outcomeDropped
	}
	if res.Evicted > 0 {
		d.logger.Warn("Offline queue overflow",
			"user_id", e.TargetUserID,
			"device_id", e.TargetDeviceID,
			"evicted", res.Evicted,
			"error", apperrors.ErrQueueOverflow)
	}
	return outcomeQueued
}

// DeliverForwarded 处理其他节点转交的投递
func (d *Dispatcher) DeliverForwarded(ctx context.Context, e model.QueueEntry, queueable bool) {
	o, _ := d.sendLocal(ctx, e, queueable, true)
	if o == outcomeDelivered && e.Kind == model.KindMessage && e.MessageID != "" {
		d.markDelivered(ctx, e.MessageID, "", e.Key())
	}
}

// devicesOf 用户的全部已知设备（存储记录与本节点注册表的并集）
func (d *Dispatcher) devicesOf(ctx context.Context, userID string) []model.DeviceKey {
	seen := make(map[string]struct{})
	var out []model.DeviceKey
	add := func(deviceID string) {
		if _, ok := seen[deviceID]; ok {
			return
		}
		seen[deviceID] = struct{}{}
		out = append(out, model.DeviceKey{UserID: userID, DeviceID: deviceID})
	}

	sessions, err := d.repo.ListDeviceSessions(ctx, userID)
	if err != nil {
		d.logger.Warn("Failed to list device sessions",
			"user_id", userID,
			"error", err)
	}
	for _, s := range sessions {
		add(s.DeviceID)
	}
	for _, s := range d.registry.Devices(userID) {
		add(s.DeviceID)
	}
	return out
}

// fanout 房间广播后，对其余设备逐个投递
// skip 中的设备（通常是发起方设备）不投递
func (d *Dispatcher) fanout(ctx context.Context, conversationID string, users []string, template model.QueueEntry, queueable bool, skip model.DeviceKey) Report {
	var report Report
	done := make(map[model.DeviceKey]struct{})
	if conversationID != "" && d.rooms != nil {
		for _, key := range d.rooms.Broadcast(ctx, conversationID, template.Payload, skip) {
			if slices.Contains(users, key.UserID) {
				done[key] = struct{}{}
				report.add(key, outcomeDelivered)
			}
		}
	}

	for _, userID := range users {
		for _, key := range d.devicesOf(ctx, userID) {
			if key == skip {
				continue
			}
			if _, ok := done[key]; ok {
				continue
			}
			e := template
			e.TargetUserID = key.UserID
			e.TargetDeviceID = key.DeviceID
			report.add(key, d.deliver(ctx, e, queueable))
		}
	}
	return report
}

// sendTo 向指定用户的所有设备投递（不经过房间）
func (d *Dispatcher) sendTo(ctx context.Context, users []string, template model.QueueEntry, queueable bool, skip model.DeviceKey) Report {
	return d.fanout(ctx, "", users, template, queueable, skip)
}
