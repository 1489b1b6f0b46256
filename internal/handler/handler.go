package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"sudooom.im.sync/internal/clock"
	"sudooom.im.sync/internal/connection"
	"sudooom.im.sync/internal/dispatcher"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/protocol"
	"sudooom.im.sync/internal/queue"
	"sudooom.im.sync/internal/registry"
	"sudooom.im.sync/internal/room"
)

// HandlerFunc 单个上行事件的处理函数
type HandlerFunc func(ctx context.Context, conn *connection.Connection, data json.RawMessage) error

// Handler 实时通道的事件分发表
// 同一连接的事件在读协程中串行处理，保证客户端发送顺序
type Handler struct {
	registry   *registry.Registry
	rooms      *room.Manager
	dispatcher *dispatcher.Dispatcher
	drainer    *queue.Drainer
	queue      queue.Queue
	clock      clock.Clock
	logger     *slog.Logger

	routes      map[string]HandlerFunc
	onHeartbeat func(ctx context.Context, key model.DeviceKey)
}

// New 创建事件处理器
func New(
	reg *registry.Registry,
	rooms *room.Manager,
	d *dispatcher.Dispatcher,
	drainer *queue.Drainer,
	q queue.Queue,
	clk clock.Clock,
	logger *slog.Logger,
) *Handler {
	if clk == nil {
		clk = clock.Real{}
	}
	h := &Handler{
		registry:   reg,
		rooms:      rooms,
		dispatcher: d,
		drainer:    drainer,
		queue:      q,
		clock:      clk,
		logger:     logger.With("component", "handler"),
	}
	h.routes = map[string]HandlerFunc{
		protocol.EventRegisterDevice:    h.handleRegister,
		protocol.EventJoinConversation:  h.registered(h.handleJoin),
		protocol.EventLeaveConversation: h.registered(h.handleLeave),
		protocol.EventSendMessage:       h.registered(h.handleSend),
		protocol.EventEditMessage:       h.registered(h.handleEdit),
		protocol.EventDeleteMessage:     h.registered(h.handleDelete),
		protocol.EventStartTyping:       h.registered(h.handleTyping(true)),
		protocol.EventStopTyping:        h.registered(h.handleTyping(false)),
		protocol.EventMarkAsRead:        h.registered(h.handleMarkRead),
		protocol.EventHeartbeat:         h.handleHeartbeat,
		protocol.EventAckQueue:          h.registered(h.handleAck),
	}
	return h
}

// SetHeartbeatHook 心跳时的附加动作（如刷新集群设备位置）
func (h *Handler) SetHeartbeatHook(fn func(ctx context.Context, key model.DeviceKey)) {
	h.onHeartbeat = fn
}

// Events 已注册的事件名
func (h *Handler) Events() []string {
	out := make([]string, 0, len(h.routes))
	for name := range h.routes {
		out = append(out, name)
	}
	return out
}

// Dispatch 解析并处理一帧上行数据
func (h *Handler) Dispatch(ctx context.Context, conn *connection.Connection, frame []byte) {
	conn.UpdateActive()

	env, err := protocol.Decode(frame)
	if err != nil {
		h.replyError(conn, "", apperrors.ErrInvalidParams.WithMessage("malformed envelope"))
		return
	}
	fn, ok := h.routes[env.Event]
	if !ok {
		h.logger.Warn("Unknown event",
			"conn_id", conn.ID(),
			"event", env.Event)
		h.replyError(conn, env.Event, apperrors.ErrUnknownEvent)
		return
	}
	if err := fn(ctx, conn, env.Data); err != nil {
		h.replyError(conn, env.Event, err)
	}
}

// Disconnect 连接关闭后注销设备会话（仅当该连接仍是当前连接）
func (h *Handler) Disconnect(ctx context.Context, conn *connection.Connection) {
	deviceID := conn.DeviceID()
	if deviceID == "" {
		return
	}
	h.registry.Deregister(ctx, conn.UserID(), deviceID, conn.ID())
}

// registered 要求连接已完成设备注册
func (h *Handler) registered(fn HandlerFunc) HandlerFunc {
	return func(ctx context.Context, conn *connection.Connection, data json.RawMessage) error {
		if conn.DeviceID() == "" {
			return apperrors.ErrNotRegistered
		}
		return fn(ctx, conn, data)
	}
}

func deviceKey(conn *connection.Connection) model.DeviceKey {
	return model.DeviceKey{UserID: conn.UserID(), DeviceID: conn.DeviceID()}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperrors.ErrInvalidParams.WithMessage("missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.ErrInvalidParams.WithMessage("malformed data: %v", err)
	}
	return nil
}

// reply 直接写入连接（响应类事件不经过离线队列）
func (h *Handler) reply(conn *connection.Connection, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error("Failed to encode reply", "event", event, "error", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		h.logger.Debug("Failed to send reply",
			"conn_id", conn.ID(),
			"event", event,
			"error", err)
	}
}

func (h *Handler) replyError(conn *connection.Connection, event string, err error) {
	if apperrors.KindOf(err) == apperrors.KindInternal || apperrors.IsKind(err, apperrors.KindTransient) {
		h.logger.Error("Event handling failed",
			"conn_id", conn.ID(),
			"user_id", conn.UserID(),
			"event", event,
			"error", err)
	}
	h.reply(conn, protocol.EventError, protocol.Error{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
		Event:   event,
	})
}
