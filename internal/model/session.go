package model

import "time"

// DeviceKey 设备会话唯一键 (userId, deviceId)
type DeviceKey struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

// String 返回 "user/device" 形式，用于日志和存储键
func (k DeviceKey) String() string {
	return k.UserID + "/" + k.DeviceID
}

// DeviceSession 设备会话
// 断开连接不会删除会话，只会置为非活跃
type DeviceSession struct {
	UserID         string    `json:"userId" db:"user_id"`
	DeviceID       string    `json:"deviceId" db:"device_id"`
	Platform       string    `json:"platform" db:"platform"`
	UserAgent      string    `json:"userAgent,omitempty" db:"user_agent"`
	AppVersion     string    `json:"appVersion,omitempty" db:"app_version"`
	RegisteredAt   time.Time `json:"registeredAt" db:"registered_at"`
	LastActivityAt time.Time `json:"lastActivityAt" db:"last_activity_at"`
	IsActive       bool      `json:"isActive" db:"is_active"`
}

// Key 返回会话键
func (s DeviceSession) Key() DeviceKey {
	return DeviceKey{UserID: s.UserID, DeviceID: s.DeviceID}
}

// DeviceMeta 注册时客户端上报的附加信息
type DeviceMeta struct {
	UserAgent  string
	AppVersion string
}

// PresenceState 用户在线状态，由设备会话推导
type PresenceState struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// TypingState 输入状态，过期即视为不存在
type TypingState struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Active 判断输入状态在 now 时刻是否仍有效
func (t TypingState) Active(now time.Time) bool {
	return !now.After(t.ExpiresAt)
}

// Timestamp 统一时间精度（微秒，UTC），保证各存储后端往返一致
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
