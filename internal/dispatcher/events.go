package dispatcher

import (
	"context"
	"strconv"

	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/protocol"
)

// Typing 输入状态只做房间内实时广播，从不入队
func (d *Dispatcher) Typing(ctx context.Context, origin model.DeviceKey, conversationID string, typing bool) error {
	if conversationID == "" {
		return apperrors.ErrInvalidParams.WithMessage("conversationId is required")
	}
	if err := d.requireParticipant(ctx, conversationID, origin.UserID); err != nil {
		return err
	}

	changed := true
	if d.typing != nil {
		if typing {
			_, changed = d.typing.Start(conversationID, origin.UserID)
		} else {
			changed = d.typing.Stop(conversationID, origin.UserID)
		}
	}
	if !changed {
		return nil
	}
	d.broadcastTyping(ctx, conversationID, origin.UserID, typing)
	return nil
}

func (d *Dispatcher) typingExpired(state model.TypingState) {
	d.broadcastTyping(context.Background(), state.ConversationID, state.UserID, false)
}

func (d *Dispatcher) broadcastTyping(ctx context.Context, conversationID, userID string, typing bool) {
	if d.rooms == nil {
		return
	}
	frame, err := protocol.Encode(protocol.EventUserTyping, protocol.UserTyping{
		UserID:         userID,
		ConversationID: conversationID,
		IsTyping:       typing,
	})
	if err != nil {
		return
	}
	for _, key := range d.rooms.Members(conversationID) {
		if key.UserID == userID {
			continue
		}
		d.registry.TrySend(key, frame)
	}
}

// PresenceChanged 用户上线/离线时通知其联系人
// 实时投递为主，仅在配置开启时为离线设备排队
func (d *Dispatcher) PresenceChanged(state model.PresenceState) {
	ctx := context.Background()
	contacts, err := d.repo.Contacts(ctx, state.UserID)
	if err != nil {
		d.logger.Warn("Failed to load contacts for presence",
			"user_id", state.UserID,
			"error", err)
		return
	}
	if len(contacts) == 0 {
		return
	}

	var frame []byte
	if state.IsOnline {
		frame, err = protocol.Encode(protocol.EventUserOnline, protocol.UserOnline{UserID: state.UserID})
	} else {
		frame, err = protocol.Encode(protocol.EventUserOffline, protocol.UserOffline{
			UserID:   state.UserID,
			LastSeen: state.LastSeen,
		})
	}
	if err != nil {
		return
	}
	d.sendTo(ctx, contacts, model.QueueEntry{
		Kind:    model.KindPresence,
		Payload: frame,
	}, d.cfg.EnqueuePresence, model.DeviceKey{})
}

// ProfileUpdated 资料变更：持久化后通知本人的全部设备与联系人
func (d *Dispatcher) ProfileUpdated(ctx context.Context, profile model.Profile) (Report, error) {
	if profile.UserID == "" {
		return Report{}, apperrors.ErrInvalidParams.WithMessage("userId is required")
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = d.now()
	}
	profile.UpdatedAt = model.Timestamp(profile.UpdatedAt)
	if err := d.persist(ctx, func() error { return d.repo.UpsertProfile(ctx, profile) }); err != nil {
		return Report{}, err
	}

	contacts, err := d.repo.Contacts(ctx, profile.UserID)
	if err != nil {
		d.logger.Warn("Failed to load contacts for profile update",
			"user_id", profile.UserID,
			"error", err)
	}
	frame, err := protocol.Encode(protocol.EventProfileUpdated, protocol.ProfileUpdated{Profile: &profile})
	if err != nil {
		return Report{}, err
	}
	users := append([]string{profile.UserID}, contacts...)
	return d.sendTo(ctx, users, model.QueueEntry{
		Kind:     model.KindProfileUpdate,
		Payload:  frame,
		DedupKey: "profile:" + profile.UserID + ":" + strconv.FormatInt(profile.UpdatedAt.UnixMicro(), 10),
	}, true, model.DeviceKey{}), nil
}
