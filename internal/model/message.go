package model

import (
	"slices"
	"time"
)

// MessageType 消息类型
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeAudio MessageType = "audio"
	MessageTypeFile  MessageType = "file"
)

// Valid 是否为已知类型
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeFile:
		return true
	}
	return false
}

// IsMedia 是否为媒体消息
func (t MessageType) IsMedia() bool {
	return t.Valid() && t != MessageTypeText
}

// Message 消息实体
// DeliveredTo / ReadBy 只追加，重复插入为空操作
// 设备 ID 只在用户内唯一，DeliveredTo 以 (userId, deviceId) 记录
type Message struct {
	ID             string      `json:"id" db:"id"`
	ConversationID string      `json:"conversationId" db:"conversation_id"`
	SenderID       string      `json:"senderId" db:"sender_id"`
	Content        string      `json:"content" db:"content"`
	Type           MessageType `json:"type" db:"type"`
	MediaURL       string      `json:"mediaUrl,omitempty" db:"media_url"`
	ReplyTo        string      `json:"replyTo,omitempty" db:"reply_to"`
	Timestamp      time.Time   `json:"timestamp" db:"created_at"`
	DeliveredTo    []DeviceKey `json:"deliveredTo"`
	ReadBy         []string    `json:"readBy"`
	EditedAt       *time.Time  `json:"editedAt,omitempty" db:"edited_at"`
	IsDeleted      bool        `json:"isDeleted" db:"is_deleted"`
	DeletedAt      *time.Time  `json:"deletedAt,omitempty" db:"deleted_at"`
}

// UpdatedAt 消息的有效变更时间（创建、编辑、删除中最晚者）
func (m *Message) UpdatedAt() time.Time {
	t := m.Timestamp
	if m.EditedAt != nil && m.EditedAt.After(t) {
		t = *m.EditedAt
	}
	if m.DeletedAt != nil && m.DeletedAt.After(t) {
		t = *m.DeletedAt
	}
	return t
}

// Changed 是否在创建后被编辑或删除过
func (m *Message) Changed() bool {
	return m.EditedAt != nil || m.IsDeleted
}

// DeliveredToDevice 判断是否已投递到指定设备
func (m *Message) DeliveredToDevice(key DeviceKey) bool {
	return slices.Contains(m.DeliveredTo, key)
}

// Clone 深拷贝，避免共享切片
func (m *Message) Clone() *Message {
	c := *m
	c.DeliveredTo = slices.Clone(m.DeliveredTo)
	c.ReadBy = slices.Clone(m.ReadBy)
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// AddUnique 向集合追加元素，已存在则返回 false
func AddUnique[T comparable](set []T, v T) ([]T, bool) {
	if slices.Contains(set, v) {
		return set, false
	}
	return append(set, v), true
}

// Conversation 会话
type Conversation struct {
	ID        string    `json:"id" db:"id"`
	Type      string    `json:"type" db:"type"`
	Name      string    `json:"name,omitempty" db:"name"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Participant 会话成员
type Participant struct {
	ConversationID string    `json:"conversationId" db:"conversation_id"`
	UserID         string    `json:"userId" db:"user_id"`
	JoinedAt       time.Time `json:"joinedAt" db:"joined_at"`
}

// ReadReceipt 已读回执
type ReadReceipt struct {
	ConversationID string    `json:"conversationId" db:"conversation_id"`
	MessageID      string    `json:"messageId" db:"message_id"`
	UserID         string    `json:"userId" db:"user_id"`
	ReadAt         time.Time `json:"readAt" db:"read_at"`
}

// Profile 用户资料（仅同步需要的字段）
type Profile struct {
	UserID      string    `json:"userId" db:"user_id"`
	DisplayName string    `json:"displayName" db:"display_name"`
	AvatarURL   string    `json:"avatarUrl,omitempty" db:"avatar_url"`
	Status      string    `json:"status,omitempty" db:"status"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}
