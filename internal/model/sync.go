package model

import "time"

// SyncCursor 设备同步游标，只增不减
type SyncCursor struct {
	UserID            string    `json:"userId" db:"user_id"`
	DeviceID          string    `json:"deviceId" db:"device_id"`
	LastSyncTimestamp time.Time `json:"lastSyncTimestamp" db:"last_sync_timestamp"`
}

// SyncItemKind 同步条目类型
type SyncItemKind string

const (
	SyncConversation SyncItemKind = "conversation"
	SyncMessage      SyncItemKind = "message"
	SyncReadReceipt  SyncItemKind = "read-receipt"
	SyncProfile      SyncItemKind = "profile"
)

// SyncItem 一条增量变更
type SyncItem struct {
	Kind         SyncItemKind  `json:"kind"`
	Timestamp    time.Time     `json:"timestamp"`
	Conversation *Conversation `json:"conversation,omitempty"`
	Message      *Message      `json:"message,omitempty"`
	ReadReceipt  *ReadReceipt  `json:"readReceipt,omitempty"`
	Profile      *Profile      `json:"profile,omitempty"`
}

// SyncResult 同步结果
type SyncResult struct {
	Items         []SyncItem `json:"items"`
	SyncTimestamp time.Time  `json:"syncTimestamp"`
	HasMore       bool       `json:"hasMore"`
}
