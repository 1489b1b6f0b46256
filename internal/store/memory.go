package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
)

// Memory 内存实现，用于单机开发与测试
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]model.Conversation
	participants  map[string]map[string]time.Time // conversationID -> userID -> joinedAt
	messages      map[string]*model.Message
	reads         []model.ReadReceipt
	profiles      map[string]model.Profile
	sessions      map[model.DeviceKey]model.DeviceSession
	cursors       map[model.DeviceKey]model.SyncCursor
}

// NewMemory 创建内存存储
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]model.Conversation),
		participants:  make(map[string]map[string]time.Time),
		messages:      make(map[string]*model.Message),
		profiles:      make(map[string]model.Profile),
		sessions:      make(map[model.DeviceKey]model.DeviceSession),
		cursors:       make(map[model.DeviceKey]model.SyncCursor),
	}
}

func (s *Memory) CreateConversation(_ context.Context, conv model.Conversation, participants []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv.UpdatedAt = model.Timestamp(conv.UpdatedAt)
	s.conversations[conv.ID] = conv
	members := make(map[string]time.Time, len(participants))
	for _, uid := range participants {
		members[uid] = conv.UpdatedAt
	}
	s.participants[conv.ID] = members
	return nil
}

func (s *Memory) AddParticipant(_ context.Context, conversationID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	at = model.Timestamp(at)
	if _, exists := s.participants[conversationID][userID]; !exists {
		s.participants[conversationID][userID] = at
		conv.UpdatedAt = at
		s.conversations[conversationID] = conv
	}
	return nil
}

func (s *Memory) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, apperrors.ErrConversationNotFound
	}
	return &conv, nil
}

func (s *Memory) Participants(_ context.Context, conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members, ok := s.participants[conversationID]
	if !ok {
		return nil, apperrors.ErrConversationNotFound
	}
	out := make([]string, 0, len(members))
	for uid := range members {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out, nil
}

func (s *Memory) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members, ok := s.participants[conversationID]
	if !ok {
		return false, apperrors.ErrConversationNotFound
	}
	_, member := members[userID]
	return member, nil
}

func (s *Memory) Contacts(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contactsLocked(userID), nil
}

func (s *Memory) contactsLocked(userID string) []string {
	seen := make(map[string]struct{})
	for _, members := range s.participants {
		if _, ok := members[userID]; !ok {
			continue
		}
		for uid := range members {
			if uid != userID {
				seen[uid] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for uid := range seen {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}

func (s *Memory) InsertMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[m.ConversationID]; !ok {
		return apperrors.ErrConversationNotFound
	}
	if _, exists := s.messages[m.ID]; exists {
		return nil
	}
	s.messages[m.ID] = m.Clone()
	return nil
}

func (s *Memory) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, apperrors.ErrMessageNotFound
	}
	return m.Clone(), nil
}

func (s *Memory) EditMessage(_ context.Context, id, content string, editedAt time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, apperrors.ErrMessageNotFound
	}
	at := model.Timestamp(editedAt)
	m.Content = content
	m.EditedAt = &at
	return m.Clone(), nil
}

func (s *Memory) DeleteMessage(_ context.Context, id string, deletedAt time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, apperrors.ErrMessageNotFound
	}
	if !m.IsDeleted {
		at := model.Timestamp(deletedAt)
		m.IsDeleted = true
		m.DeletedAt = &at
		m.Content = ""
		m.MediaURL = ""
	}
	return m.Clone(), nil
}

func (s *Memory) MarkDelivered(_ context.Context, messageID, userID, deviceID string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return false, apperrors.ErrMessageNotFound
	}
	var added bool
	m.DeliveredTo, added = model.AddUnique(m.DeliveredTo, model.DeviceKey{UserID: userID, DeviceID: deviceID})
	return added, nil
}

func (s *Memory) MarkRead(_ context.Context, conversationID, userID string, messageIDs []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at = model.Timestamp(at)
	var newly []string
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || m.ConversationID != conversationID {
			continue
		}
		var added bool
		m.ReadBy, added = model.AddUnique(m.ReadBy, userID)
		if added {
			newly = append(newly, id)
			s.reads = append(s.reads, model.ReadReceipt{
				ConversationID: conversationID,
				MessageID:      id,
				UserID:         userID,
				ReadAt:         at,
			})
		}
	}
	return newly, nil
}

func (s *Memory) UpsertProfile(_ context.Context, p model.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = model.Timestamp(p.UpdatedAt)
	s.profiles[p.UserID] = p
	return nil
}

func (s *Memory) GetProfile(_ context.Context, userID string) (*model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Memory) SaveDeviceSession(_ context.Context, sess model.DeviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Key()] = sess
	return nil
}

func (s *Memory) ListDeviceSessions(_ context.Context, userID string) ([]model.DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.DeviceSession
	for key, sess := range s.sessions {
		if key.UserID == userID {
			out = append(out, sess)
		}
	}
	slices.SortFunc(out, func(a, b model.DeviceSession) int { return cmp.Compare(a.DeviceID, b.DeviceID) })
	return out, nil
}

func (s *Memory) AllDeviceSessions(_ context.Context) ([]model.DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.DeviceSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (s *Memory) GetCursor(_ context.Context, userID, deviceID string) (model.SyncCursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[model.DeviceKey{UserID: userID, DeviceID: deviceID}]
	return c, ok, nil
}

func (s *Memory) AdvanceCursor(_ context.Context, userID, deviceID string, ts time.Time) (model.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.DeviceKey{UserID: userID, DeviceID: deviceID}
	c, ok := s.cursors[key]
	ts = model.Timestamp(ts)
	if !ok || ts.After(c.LastSyncTimestamp) {
		c = model.SyncCursor{UserID: userID, DeviceID: deviceID, LastSyncTimestamp: ts}
		s.cursors[key] = c
	}
	return c, nil
}

func (s *Memory) ListChanges(_ context.Context, userID string, since time.Time, limit int) ([]model.SyncItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mergeChanges(limit, s.collect(userID, func(t time.Time) bool { return t.After(since) })), nil
}

func (s *Memory) ListChangesAt(_ context.Context, userID string, at time.Time) ([]model.SyncItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mergeChanges(0, s.collect(userID, func(t time.Time) bool { return t.Equal(at) })), nil
}

// collect 需持有读锁
func (s *Memory) collect(userID string, match func(time.Time) bool) []model.SyncItem {
	var items []model.SyncItem
	for id, members := range s.participants {
		if _, ok := members[userID]; !ok {
			continue
		}
		if c := s.conversations[id]; match(c.UpdatedAt) {
			items = append(items, conversationItem(c))
		}
	}
	for _, m := range s.messages {
		if _, ok := s.participants[m.ConversationID][userID]; ok && match(m.UpdatedAt()) {
			items = append(items, messageItem(m.Clone()))
		}
	}
	for _, r := range s.reads {
		if _, ok := s.participants[r.ConversationID][userID]; ok && match(r.ReadAt) {
			items = append(items, readItem(r))
		}
	}
	visible := append(s.contactsLocked(userID), userID)
	for _, uid := range visible {
		if p, ok := s.profiles[uid]; ok && match(p.UpdatedAt) {
			items = append(items, profileItem(p))
		}
	}
	return items
}

func (s *Memory) Ping(context.Context) error { return nil }

func (s *Memory) Close() error { return nil }
