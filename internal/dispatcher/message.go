package dispatcher

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/protocol"
)

// 去重键
func dedupMessage(id string) string { return "msg:" + id }

func dedupEdit(m *model.Message) string {
	return "edit:" + m.ID + ":" + strconv.FormatInt(m.EditedAt.UnixMicro(), 10)
}

func dedupDelete(id string) string { return "delete:" + id }

func dedupRead(conversationID, userID string, ids []string) string {
	return "read:" + conversationID + ":" + userID + ":" + maxID(ids)
}

// maxID 雪花 ID 的数值最大者
func maxID(ids []string) string {
	best := ""
	for _, id := range ids {
		if len(id) > len(best) || (len(id) == len(best) && id > best) {
			best = id
		}
	}
	return best
}

// validateSend 校验消息内容
func validateSend(req *protocol.SendMessage) error {
	if req.ConversationID == "" {
		return apperrors.ErrInvalidParams.WithMessage("conversationId is required")
	}
	if req.Type == "" {
		req.Type = model.MessageTypeText
	}
	if !req.Type.Valid() {
		return apperrors.ErrInvalidParams.WithMessage("unknown message type %q", req.Type)
	}
	if req.MediaURL != "" {
		u, err := url.Parse(req.MediaURL)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperrors.ErrInvalidMedia
		}
	} else if req.Type.IsMedia() {
		return apperrors.ErrInvalidMedia.WithMessage("mediaUrl is required for %s messages", req.Type)
	}
	if strings.TrimSpace(req.Content) == "" && req.MediaURL == "" {
		return apperrors.ErrEmptyMessage
	}
	return nil
}

func (d *Dispatcher) requireParticipant(ctx context.Context, conversationID, userID string) error {
	ok, err := d.repo.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ErrNotParticipant
	}
	return nil
}

// Send 发送消息：校验、持久化、扇出
// 发起设备在持久化时即视为已投递，由调用方回复 message-sent
func (d *Dispatcher) Send(ctx context.Context, origin model.DeviceKey, req protocol.SendMessage) (*model.Message, error) {
	if err := validateSend(&req); err != nil {
		return nil, err
	}
	if err := d.requireParticipant(ctx, req.ConversationID, origin.UserID); err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:             d.ids.Generate().String(),
		ConversationID: req.ConversationID,
		SenderID:       origin.UserID,
		Content:        req.Content,
		Type:           req.Type,
		MediaURL:       req.MediaURL,
		ReplyTo:        req.ReplyTo,
		Timestamp:      d.now(),
		DeliveredTo:    []model.DeviceKey{origin},
		ReadBy:         []string{},
	}
	if err := d.persist(ctx, func() error { return d.repo.InsertMessage(ctx, msg) }); err != nil {
		d.logger.Error("Failed to persist message",
			"conversation_id", msg.ConversationID,
			"sender_id", msg.SenderID,
			"error", err)
		return nil, err
	}

	participants, err := d.repo.Participants(ctx, msg.ConversationID)
	if err != nil {
		// 消息已持久化，参与者列表不可用时由同步补齐
		d.logger.Warn("Failed to load participants for fan-out",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"error", err)
		return msg, nil
	}

	frame, err := protocol.Encode(protocol.EventNewMessage, protocol.NewMessage{Message: msg})
	if err != nil {
		return nil, err
	}
	report := d.fanout(ctx, msg.ConversationID, participants, model.QueueEntry{
		Kind:      model.KindMessage,
		Payload:   frame,
		DedupKey:  dedupMessage(msg.ID),
		MessageID: msg.ID,
	}, true, origin)

	for _, key := range report.Delivered {
		if d.markDelivered(ctx, msg.ID, msg.SenderID, key) {
			msg.DeliveredTo, _ = model.AddUnique(msg.DeliveredTo, key)
		}
	}

	d.logger.Debug("Message dispatched",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"delivered", len(report.Delivered),
		"forwarded", len(report.Forwarded),
		"queued", len(report.Queued))
	return msg, nil
}

// markDelivered 记录设备已收到消息，首次记录时通知发送方设备
func (d *Dispatcher) markDelivered(ctx context.Context, messageID, senderID string, key model.DeviceKey) bool {
	at := d.now()
	added, err := d.repo.MarkDelivered(ctx, messageID, key.UserID, key.DeviceID, at)
	if err != nil {
		d.logger.Warn("Failed to mark message delivered",
			"message_id", messageID,
			"user_id", key.UserID,
			"device_id", key.DeviceID,
			"error", err)
		return false
	}
	if !added {
		return false
	}
	if senderID == "" {
		msg, err := d.repo.GetMessage(ctx, messageID)
		if err != nil {
			return true
		}
		senderID = msg.SenderID
	}
	if senderID == key.UserID {
		return true
	}

	frame, err := protocol.Encode(protocol.EventMessageDelivered, protocol.MessageDelivered{
		MessageID: messageID,
		UserID:    key.UserID,
		DeviceID:  key.DeviceID,
		Timestamp: at,
	})
	if err != nil {
		return true
	}
	d.sendTo(ctx, []string{senderID}, model.QueueEntry{Payload: frame}, false, model.DeviceKey{})
	return true
}

// Acknowledged 设备确认离线队列条目后调用
func (d *Dispatcher) Acknowledged(key model.DeviceKey, acked []model.QueueEntry) {
	ctx := context.Background()
	for _, e := range acked {
		if e.Kind == model.KindMessage && e.MessageID != "" {
			d.markDelivered(ctx, e.MessageID, "", key)
		}
	}
}

// authored 读取消息并校验作者
func (d *Dispatcher) authored(ctx context.Context, messageID, userID string) (*model.Message, error) {
	if messageID == "" {
		return nil, apperrors.ErrInvalidParams.WithMessage("messageId is required")
	}
	msg, err := d.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, apperrors.ErrNotAuthor
	}
	if msg.IsDeleted {
		return nil, apperrors.ErrMessageNotFound
	}
	return msg, nil
}

// Edit 作者编辑消息，向所有参与者设备扇出 message-edited
func (d *Dispatcher) Edit(ctx context.Context, origin model.DeviceKey, req protocol.EditMessage) (*model.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, apperrors.ErrEmptyMessage
	}
	if _, err := d.authored(ctx, req.MessageID, origin.UserID); err != nil {
		return nil, err
	}

	var msg *model.Message
	err := d.persist(ctx, func() error {
		var err error
		msg, err = d.repo.EditMessage(ctx, req.MessageID, req.Content, d.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	frame, err := protocol.Encode(protocol.EventMessageEdited, protocol.MessageEdited{Message: msg})
	if err != nil {
		return nil, err
	}
	d.fanoutConversation(ctx, msg.ConversationID, model.QueueEntry{
		Kind:     model.KindMessage,
		Payload:  frame,
		DedupKey: dedupEdit(msg),
	}, model.DeviceKey{})
	return msg, nil
}

// Delete 作者删除消息（软删除），扇出 message-deleted
func (d *Dispatcher) Delete(ctx context.Context, origin model.DeviceKey, req protocol.DeleteMessage) (*model.Message, error) {
	if _, err := d.authored(ctx, req.MessageID, origin.UserID); err != nil {
		return nil, err
	}

	var msg *model.Message
	err := d.persist(ctx, func() error {
		var err error
		msg, err = d.repo.DeleteMessage(ctx, req.MessageID, d.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	frame, err := protocol.Encode(protocol.EventMessageDeleted, protocol.MessageDeleted{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		DeletedAt:      *msg.DeletedAt,
	})
	if err != nil {
		return nil, err
	}
	d.fanoutConversation(ctx, msg.ConversationID, model.QueueEntry{
		Kind:     model.KindMessage,
		Payload:  frame,
		DedupKey: dedupDelete(msg.ID),
	}, model.DeviceKey{})
	return msg, nil
}

// MarkRead 标记已读（幂等），只为新增的已读记录扇出 messages-read
// 阅读者自己的其他设备同样收到，保证多端已读状态一致
func (d *Dispatcher) MarkRead(ctx context.Context, origin model.DeviceKey, req protocol.MarkAsRead) ([]string, error) {
	if req.ConversationID == "" || len(req.MessageIDs) == 0 {
		return nil, apperrors.ErrInvalidParams.WithMessage("conversationId and messageIds are required")
	}
	if err := d.requireParticipant(ctx, req.ConversationID, origin.UserID); err != nil {
		return nil, err
	}

	at := d.now()
	var newly []string
	err := d.persist(ctx, func() error {
		var err error
		newly, err = d.repo.MarkRead(ctx, req.ConversationID, origin.UserID, req.MessageIDs, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(newly) == 0 {
		return nil, nil
	}

	frame, err := protocol.Encode(protocol.EventMessagesRead, protocol.MessagesRead{
		MessageIDs:     newly,
		ReadBy:         origin.UserID,
		ConversationID: req.ConversationID,
		Timestamp:      at,
	})
	if err != nil {
		return nil, err
	}
	d.fanoutConversation(ctx, req.ConversationID, model.QueueEntry{
		Kind:     model.KindReadReceipt,
		Payload:  frame,
		DedupKey: dedupRead(req.ConversationID, origin.UserID, newly),
	}, origin)
	return newly, nil
}

// fanoutConversation 向会话全部参与者的设备扇出
func (d *Dispatcher) fanoutConversation(ctx context.Context, conversationID string, template model.QueueEntry, skip model.DeviceKey) Report {
	participants, err := d.repo.Participants(ctx, conversationID)
	if err != nil {
		d.logger.Warn("Failed to load participants for fan-out",
			"conversation_id", conversationID,
			"kind", template.Kind,
			"error", err)
		return Report{}
	}
	return d.fanout(ctx, conversationID, participants, template, true, skip)
}
