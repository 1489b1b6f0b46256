package store

import (
	"cmp"
	"context"
	"slices"
	"time"

	"sudooom.im.sync/internal/model"
)

// Repository 存储协作方：会话、消息、回执、资料、设备会话与同步游标
type Repository interface {
	CreateConversation(ctx context.Context, conv model.Conversation, participants []string) error
	AddParticipant(ctx context.Context, conversationID, userID string, at time.Time) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	Participants(ctx context.Context, conversationID string) ([]string, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	Contacts(ctx context.Context, userID string) ([]string, error)

	InsertMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	EditMessage(ctx context.Context, id, content string, editedAt time.Time) (*model.Message, error)
	DeleteMessage(ctx context.Context, id string, deletedAt time.Time) (*model.Message, error)
	MarkDelivered(ctx context.Context, messageID, userID, deviceID string, at time.Time) (bool, error)
	MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string, at time.Time) ([]string, error)

	UpsertProfile(ctx context.Context, p model.Profile) error
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)

	SaveDeviceSession(ctx context.Context, s model.DeviceSession) error
	ListDeviceSessions(ctx context.Context, userID string) ([]model.DeviceSession, error)
	AllDeviceSessions(ctx context.Context) ([]model.DeviceSession, error)

	GetCursor(ctx context.Context, userID, deviceID string) (model.SyncCursor, bool, error)
	AdvanceCursor(ctx context.Context, userID, deviceID string, ts time.Time) (model.SyncCursor, error)

	// ListChanges 返回 since 之后（不含）的变更，按时间升序，最多 limit 条
	ListChanges(ctx context.Context, userID string, since time.Time, limit int) ([]model.SyncItem, error)
	// ListChangesAt 返回时间恰好为 at 的全部变更
	ListChangesAt(ctx context.Context, userID string, at time.Time) ([]model.SyncItem, error)

	Ping(ctx context.Context) error
	Close() error
}

// kindRank 同一时间戳下的稳定排序：会话 < 消息 < 回执 < 资料
func kindRank(k model.SyncItemKind) int {
	switch k {
	case model.SyncConversation:
		return 0
	case model.SyncMessage:
		return 1
	case model.SyncReadReceipt:
		return 2
	default:
		return 3
	}
}

func itemID(it model.SyncItem) string {
	switch {
	case it.Conversation != nil:
		return it.Conversation.ID
	case it.Message != nil:
		return it.Message.ID
	case it.ReadReceipt != nil:
		return it.ReadReceipt.MessageID + "/" + it.ReadReceipt.UserID
	case it.Profile != nil:
		return it.Profile.UserID
	}
	return ""
}

// CompareItems 变更的全序：时间、类型、ID
func CompareItems(a, b model.SyncItem) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	if c := cmp.Compare(kindRank(a.Kind), kindRank(b.Kind)); c != 0 {
		return c
	}
	return cmp.Compare(itemID(a), itemID(b))
}

// mergeChanges 合并各类型各自有序的变更列表，limit <= 0 表示不截断
func mergeChanges(limit int, lists ...[]model.SyncItem) []model.SyncItem {
	var all []model.SyncItem
	for _, l := range lists {
		all = append(all, l...)
	}
	slices.SortFunc(all, CompareItems)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func conversationItem(c model.Conversation) model.SyncItem {
	return model.SyncItem{Kind: model.SyncConversation, Timestamp: c.UpdatedAt, Conversation: &c}
}

func messageItem(m *model.Message) model.SyncItem {
	return model.SyncItem{Kind: model.SyncMessage, Timestamp: m.UpdatedAt(), Message: m}
}

func readItem(r model.ReadReceipt) model.SyncItem {
	return model.SyncItem{Kind: model.SyncReadReceipt, Timestamp: r.ReadAt, ReadReceipt: &r}
}

func profileItem(p model.Profile) model.SyncItem {
	return model.SyncItem{Kind: model.SyncProfile, Timestamp: p.UpdatedAt, Profile: &p}
}
