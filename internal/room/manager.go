package room

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/registry"
)

// Membership 会话参与者校验
type Membership interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Manager 会话房间管理器
// 房间成员 = 会话参与者 ∩ 在线设备，设备下线时自动离开所有房间
type Manager struct {
	rooms      sync.Map // conversationID -> *Room
	membership Membership
	registry   *registry.Registry
	logger     *slog.Logger

	devMu    sync.Mutex
	byDevice map[model.DeviceKey]map[string]struct{}
}

// NewManager 创建房间管理器并订阅设备下线事件
func NewManager(membership Membership, reg *registry.Registry, logger *slog.Logger) *Manager {
	m := &Manager{
		membership: membership,
		registry:   reg,
		logger:     logger.With("component", "room"),
		byDevice:   make(map[model.DeviceKey]map[string]struct{}),
	}
	reg.OnDeregister(func(s model.DeviceSession) {
		m.LeaveAll(s.Key())
	})
	return m
}

// Join 设备加入会话房间（幂等）
func (m *Manager) Join(ctx context.Context, key model.DeviceKey, conversationID string) error {
	if conversationID == "" {
		return apperrors.ErrInvalidParams.WithMessage("conversationId is required")
	}
	ok, err := m.membership.IsParticipant(ctx, conversationID, key.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ErrNotParticipant
	}
	if !m.registry.IsActive(key) {
		return apperrors.ErrNotRegistered
	}

	for {
		val, _ := m.rooms.LoadOrStore(conversationID, newRoom(conversationID))
		r := val.(*Room)
		added, open := r.add(key)
		if !open {
			// 房间刚被清空关闭，重新创建
			m.rooms.CompareAndDelete(conversationID, r)
			continue
		}
		if added {
			m.index(key, conversationID)
			m.logger.Debug("Device joined conversation",
				"user_id", key.UserID,
				"device_id", key.DeviceID,
				"conversation_id", conversationID)
		}
		return nil
	}
}

// Leave 设备离开会话房间，返回是否确实离开
func (m *Manager) Leave(key model.DeviceKey, conversationID string) bool {
	removed := m.leave(key, conversationID)
	if removed {
		m.unindex(key, conversationID)
	}
	return removed
}

func (m *Manager) leave(key model.DeviceKey, conversationID string) bool {
	val, ok := m.rooms.Load(conversationID)
	if !ok {
		return false
	}
	r := val.(*Room)
	removed, empty := r.remove(key)
	if empty {
		m.rooms.CompareAndDelete(conversationID, r)
	}
	return removed
}

// LeaveAll 设备离开所有房间，返回离开的会话 ID
func (m *Manager) LeaveAll(key model.DeviceKey) []string {
	m.devMu.Lock()
	convs := m.byDevice[key]
	delete(m.byDevice, key)
	m.devMu.Unlock()

	out := make([]string, 0, len(convs))
	for id := range convs {
		m.leave(key, id)
		out = append(out, id)
	}
	slices.Sort(out)
	if len(out) > 0 {
		m.logger.Debug("Device left all conversations",
			"user_id", key.UserID,
			"device_id", key.DeviceID,
			"count", len(out))
	}
	return out
}

// Members 房间当前成员
func (m *Manager) Members(conversationID string) []model.DeviceKey {
	val, ok := m.rooms.Load(conversationID)
	if !ok {
		return nil
	}
	return val.(*Room).snapshot()
}

// RoomsOf 设备已加入的会话（升序）
func (m *Manager) RoomsOf(key model.DeviceKey) []string {
	m.devMu.Lock()
	defer m.devMu.Unlock()
	out := make([]string, 0, len(m.byDevice[key]))
	for id := range m.byDevice[key] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Count 当前非空房间数
func (m *Manager) Count() int {
	n := 0
	m.rooms.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Broadcast 向房间成员实时投递，返回投递成功的设备
// 先取成员快照，发送时不持有房间锁；excludeDeviceID 为发送方设备
func (m *Manager) Broadcast(ctx context.Context, conversationID string, frame []byte, exclude model.DeviceKey) []model.DeviceKey {
	var delivered []model.DeviceKey
	for _, key := range m.Members(conversationID) {
		if ctx.Err() != nil {
			break
		}
		if key == exclude {
			continue
		}
		if m.registry.TrySend(key, frame) {
			delivered = append(delivered, key)
		}
	}
	return delivered
}

func (m *Manager) index(key model.DeviceKey, conversationID string) {
	m.devMu.Lock()
	defer m.devMu.Unlock()
	convs, ok := m.byDevice[key]
	if !ok {
		convs = make(map[string]struct{})
		m.byDevice[key] = convs
	}
	convs[conversationID] = struct{}{}
}

func (m *Manager) unindex(key model.DeviceKey, conversationID string) {
	m.devMu.Lock()
	defer m.devMu.Unlock()
	if convs, ok := m.byDevice[key]; ok {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(m.byDevice, key)
		}
	}
}
