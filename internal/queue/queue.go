package queue

import (
	"context"
	"time"

	"sudooom.im.sync/internal/model"
)

// Policy 每个设备队列的容量与最大保留时长，超出时先淘汰最旧条目
type Policy struct {
	Capacity int
	MaxAge   time.Duration
}

// EnqueueResult 入队结果
type EnqueueResult struct {
	Sequence  int64 // 新条目或已存在条目的序号
	Duplicate bool  // 相同去重键的条目已入队过
	Evicted   int   // 因容量或过期被淘汰的条目数
}

// Queue 设备维度的有序离线队列
// 队列只是投递加速缓存，权威状态在存储中，被淘汰的内容由游标同步补齐
type Queue interface {
	// Enqueue 入队，去重键在保留期内已出现过则不重复创建
	// 未设置最大保留时长时，去重只覆盖仍在队列中的条目
	Enqueue(ctx context.Context, e model.QueueEntry) (EnqueueResult, error)
	// Drain 按序号升序返回 afterSeq 之后的条目，不删除
	Drain(ctx context.Context, key model.DeviceKey, afterSeq int64, limit int) ([]model.QueueEntry, error)
	// Acknowledge 删除序号 <= upTo 的条目并返回被删除的条目
	Acknowledge(ctx context.Context, key model.DeviceKey, upTo int64) ([]model.QueueEntry, error)
	// Remove 删除单个条目（无需确认的类型发送成功后调用）
	Remove(ctx context.Context, key model.DeviceKey, seq int64) error
	// Count 当前未过期条目数
	Count(ctx context.Context, key model.DeviceKey) (int, error)
	// Last 当前队列中最大的序号，空队列返回 0
	Last(ctx context.Context, key model.DeviceKey) (int64, error)
}
