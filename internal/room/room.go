package room

import (
	"cmp"
	"slices"
	"sync"

	"sudooom.im.sync/internal/model"
)

// Room 会话房间：当前加入该会话的在线设备集合
type Room struct {
	id      string
	mu      sync.Mutex
	members map[model.DeviceKey]struct{}
	closed  bool
}

func newRoom(id string) *Room {
	return &Room{id: id, members: make(map[model.DeviceKey]struct{})}
}

// add 加入成员，房间已关闭时返回 false
func (r *Room) add(key model.DeviceKey) (added, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, false
	}
	if _, exists := r.members[key]; exists {
		return false, true
	}
	r.members[key] = struct{}{}
	return true, true
}

// remove 移除成员，房间变空时关闭并返回 empty=true
func (r *Room) remove(key model.DeviceKey) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.members[key]; exists {
		delete(r.members, key)
		removed = true
	}
	if len(r.members) == 0 {
		r.closed = true
		empty = true
	}
	return removed, empty
}

// snapshot 成员快照，按 user/device 排序
func (r *Room) snapshot() []model.DeviceKey {
	r.mu.Lock()
	out := make([]model.DeviceKey, 0, len(r.members))
	for k := range r.members {
		out = append(out, k)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b model.DeviceKey) int {
		if c := cmp.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		return cmp.Compare(a.DeviceID, b.DeviceID)
	})
	return out
}
