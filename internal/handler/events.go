package handler

import (
	"context"
	"encoding/json"

	"sudooom.im.sync/internal/connection"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/protocol"
)

// handleRegister 注册设备会话，触发离线队列排空
func (h *Handler) handleRegister(ctx context.Context, conn *connection.Connection, data json.RawMessage) error {
	var req protocol.RegisterDevice
	if err := decode(data, &req); err != nil {
		return err
	}
	if bound := conn.DeviceID(); bound != "" && bound != req.DeviceID {
		return apperrors.ErrDeviceMismatch.WithMessage("connection already registered as %s", bound)
	}
	platform := req.Platform
	if platform == "" {
		platform = conn.Identity().Platform
	}

	queued, lastSeq := 0, int64(0)
	if h.queue != nil && req.DeviceID != "" {
		key := model.DeviceKey{UserID: conn.UserID(), DeviceID: req.DeviceID}
		n, err := h.queue.Count(ctx, key)
		if err != nil {
			h.logger.Warn("Failed to count queued entries", "error", err)
		}
		queued = n
		if lastSeq, err = h.queue.Last(ctx, key); err != nil {
			h.logger.Warn("Failed to read last queued sequence", "error", err)
		}
	}

	prevDevice, prevPlatform := conn.DeviceID(), conn.Platform()
	conn.BindDevice(req.DeviceID, platform)
	session, err := h.registry.Register(ctx, conn.Identity(), req.DeviceID, platform, model.DeviceMeta{
		UserAgent:  req.UserAgent,
		AppVersion: req.AppVersion,
	}, conn)
	if err != nil {
		conn.BindDevice(prevDevice, prevPlatform)
		return err
	}
	h.reply(conn, protocol.EventRegistered, protocol.Registered{Session: session, Queued: queued, LastSeq: lastSeq})
	return nil
}

func (h *Handler) handleJoin(ctx context.Context, conn *connection.Connection, data json.RawMessage) error {
	var req protocol.ConversationRef
	if err := decode(data, &req); err != nil {
		return err
	}
	return h.rooms.Join(ctx, deviceKey(conn), req.ConversationID)
}

func (h *Handler) handleLeave(_ context.Context, conn *connection.Connection, data json.RawMessage) error {
	var req protocol.ConversationRef
	if err := decode(data, &req); err != nil {
		return err
	}
	h.rooms.Leave(deviceKey(conn), req.ConversationID)
	return nil
}

// handleSend 发送失败只回复 message-error 给发送方
func (h *Handler) handleSend(ctx context.Context, conn *connection.Connection, data json.RawMessage) error {
	var req protocol.SendMessage
	if err := decode(data, &req); err != nil {
		return err
	}
	msg, err := h.dispatcher.Send(ctx, deviceKey(conn), req)
	if err != nil {
		if !apperrors.IsKind(err, apperrors.KindValidation) && !apperrors.IsKind(err, apperrors.KindUnauthorized) &&
			!apperrors.IsKind(err, apperrors.KindNotFound) {
			h.logger.Error("Failed to send message",
				"user_id", conn.UserID(),
				"conversation_id", req.ConversationID,
				"error", err)
		}
		h.reply(conn, protocol.EventMessageError, protocol.MessageError{
			TempID: req.TempID,
			Code:   apperrors.GetCode(err),
			Error:  apperrors.GetMessage(err),
		})
		return nil
	}
	h.reply(conn, protocol.EventMessageSent, protocol.MessageSent{TempID: req.TempID, Message: msg})
	return nil
}

func (h *Handler) handleEdit(ctx context.Context, conn *connection.Connection, data json.RawMessage) error {
	var req protocol.EditMessage
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := h.dispatcher.Edit(ctx, deviceKey(conn), req)
	return err
}

func (h *Handler) handleDelete(ctx context.Context, conn *connection.Connection, data json.RawMessage) error {
	var req protocol.DeleteMessage
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := h.dispatcher.Delete(ctx, deviceKey(conn), req)
	return err
}

func (h *Handler) handleTyping(typing bool) HandlerFunc {
	return func(ctx context.Context, conn *connection.Connection, data json.RawMessage) error {
		var req protocol.ConversationRef
		if err := decode(data, &req); err != nil {
			return err
		}
		return h.dispatcher.Typing(ctx, deviceKey(conn), req.ConversationID, typing)
	}
}

func (h *Handler) handleMarkRead(ctx context.Context, conn *connection.Connection, data json.RawMessage) error {
	var req protocol.MarkAsRead
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err := h.dispatcher.MarkRead(ctx, deviceKey(conn), req)
	return err
}

// handleHeartbeat 心跳不要求已注册，未注册连接同样需要保活
func (h *Handler) handleHeartbeat(ctx context.Context, conn *connection.Connection, _ json.RawMessage) error {
	if deviceID := conn.DeviceID(); deviceID != "" {
		key := deviceKey(conn)
		h.registry.Touch(key, conn.ID())
		if h.onHeartbeat != nil {
			h.onHeartbeat(ctx, key)
		}
	}
	h.reply(conn, protocol.EventHeartbeatAck, protocol.HeartbeatAck{Timestamp: model.Timestamp(h.clock.Now())})
	return nil
}

func (h *Handler) handleAck(ctx context.Context, conn *connection.Connection, data json.RawMessage) error {
	var req protocol.AckQueue
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.Sequence <= 0 {
		return apperrors.ErrInvalidParams.WithMessage("sequence must be positive")
	}
	if _, err := h.drainer.Acknowledge(ctx, deviceKey(conn), req.Sequence); err != nil {
		return err
	}
	h.reply(conn, protocol.EventQueueAcked, protocol.QueueAcked{Sequence: req.Sequence})
	return nil
}
