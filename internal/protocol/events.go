package protocol

import (
	"time"

	"sudooom.im.sync/internal/model"
)

// 客户端 -> 服务端
const (
	EventRegisterDevice    = "register-device"
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventSendMessage       = "send-message"
	EventEditMessage       = "edit-message"
	EventDeleteMessage     = "delete-message"
	EventStartTyping       = "start-typing"
	EventStopTyping        = "stop-typing"
	EventMarkAsRead        = "mark-as-read"
	EventHeartbeat         = "heartbeat"
	EventAckQueue          = "ack-queue"
)

// 服务端 -> 客户端
const (
	EventRegistered       = "registered"
	EventQueueAcked       = "queue-acked"
	EventNewMessage       = "new-message"
	EventMessageSent      = "message-sent"
	EventMessageError     = "message-error"
	EventMessageDelivered = "message-delivered"
	EventMessagesRead     = "messages-read"
	EventMessageDeleted   = "message-deleted"
	EventMessageEdited    = "message-edited"
	EventUserTyping       = "user-typing"
	EventUserOnline       = "user-online"
	EventUserOffline      = "user-offline"
	EventProfileUpdated   = "profile-updated"
	EventHeartbeatAck     = "heartbeat-ack"
	EventError            = "error"
)

// 连接关闭码，4000 以上为服务端主动终止，客户端不应重连
const (
	CloseNormal           = 1000
	CloseReplaced         = 4001
	CloseDeactivated      = 4003
	CloseHeartbeatTimeout = 4008
	CloseUnauthorized     = 4401
)

// Terminal 判断关闭码是否表示服务端主动终止
func Terminal(code int) bool {
	switch code {
	case CloseReplaced, CloseDeactivated, CloseUnauthorized:
		return true
	}
	return false
}

// ============== 上行负载 ==============

type RegisterDevice struct {
	DeviceID   string `json:"deviceId"`
	Platform   string `json:"platform"`
	UserAgent  string `json:"userAgent,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type SendMessage struct {
	TempID         string            `json:"tempId,omitempty"`
	ConversationID string            `json:"conversationId"`
	Content        string            `json:"content"`
	Type           model.MessageType `json:"type"`
	MediaURL       string            `json:"mediaUrl,omitempty"`
	ReplyTo        string            `json:"replyTo,omitempty"`
}

type EditMessage struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type DeleteMessage struct {
	MessageID string `json:"messageId"`
}

type MarkAsRead struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type AckQueue struct {
	Sequence int64 `json:"sequence"`
}

// ============== 下行负载 ==============

// Registered LastSeq 为注册时队列中的最大序号，客户端确认到该序号后再发起同步
type Registered struct {
	Session model.DeviceSession `json:"session"`
	Queued  int                 `json:"queued"`
	LastSeq int64               `json:"lastSeq,omitempty"`
}

// QueueAcked ack-queue 已处理，Sequence 及之前的条目已记录送达
type QueueAcked struct {
	Sequence int64 `json:"sequence"`
}

type NewMessage struct {
	Message *model.Message `json:"message"`
}

type MessageSent struct {
	TempID  string         `json:"tempId,omitempty"`
	Message *model.Message `json:"message"`
}

type MessageError struct {
	TempID string `json:"tempId,omitempty"`
	Code   int    `json:"code"`
	Error  string `json:"error"`
}

type MessageDelivered struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type MessagesRead struct {
	MessageIDs     []string  `json:"messageIds"`
	ReadBy         string    `json:"readBy"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

type MessageDeleted struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	DeletedAt      time.Time `json:"deletedAt"`
}

type MessageEdited struct {
	Message *model.Message `json:"message"`
}

type UserTyping struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type UserOnline struct {
	UserID string `json:"userId"`
}

type UserOffline struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

type ProfileUpdated struct {
	Profile *model.Profile `json:"profile"`
}

type HeartbeatAck struct {
	Timestamp time.Time `json:"timestamp"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
