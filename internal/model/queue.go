package model

import (
	"encoding/json"
	"time"
)

// EntryKind 离线队列条目类型
type EntryKind string

const (
	KindMessage       EntryKind = "message"
	KindReadReceipt   EntryKind = "read-receipt"
	KindProfileUpdate EntryKind = "profile-update"
	KindPresence      EntryKind = "presence"
)

// RequiresAck 是否需要设备确认后才删除
// presence 过期无害，发送成功即删除
func (k EntryKind) RequiresAck() bool {
	return k != KindPresence
}

// QueueEntry 离线队列条目
// Payload 为完整的下行事件帧，投递时原样发送
type QueueEntry struct {
	TargetUserID   string          `json:"targetUserId"`
	TargetDeviceID string          `json:"targetDeviceId"`
	Kind           EntryKind       `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	Sequence       int64           `json:"sequence"`
	DedupKey       string          `json:"dedupKey,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
}

// Key 返回目标设备键
func (e *QueueEntry) Key() DeviceKey {
	return DeviceKey{UserID: e.TargetUserID, DeviceID: e.TargetDeviceID}
}
