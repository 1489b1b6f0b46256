package presence

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"sudooom.im.sync/internal/clock"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/registry"
)

// Locator 集群内设备定位，判断用户是否在其他节点在线
type Locator interface {
	OnlineElsewhere(ctx context.Context, userID string) (bool, error)
}

// Listener 在线状态变化回调，在锁外调用
type Listener func(state model.PresenceState)

// Tracker 用户在线状态跟踪
// 用户至少有一个活跃设备会话即为在线，状态只在 在线/离线 切换时通知
type Tracker struct {
	registry *registry.Registry
	locator  Locator
	typing   *Typing
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	online   map[string]bool
	lastSeen map[string]time.Time

	listenerMu sync.RWMutex
	listeners  []Listener
}

// NewTracker 创建在线状态跟踪器并订阅注册表的上下线事件
// locator、typing 可为 nil
func NewTracker(reg *registry.Registry, locator Locator, typing *Typing, clk clock.Clock, logger *slog.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	t := &Tracker{
		registry: reg,
		locator:  locator,
		typing:   typing,
		clock:    clk,
		logger:   logger.With("component", "presence"),
		online:   make(map[string]bool),
		lastSeen: make(map[string]time.Time),
	}
	reg.OnRegister(t.onRegister)
	reg.OnDeregister(t.onDeregister)
	return t
}

// OnChange 注册状态变化回调
func (t *Tracker) OnChange(l Listener) {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	t.listeners = append(t.listeners, l)
}

func (t *Tracker) onRegister(s model.DeviceSession) {
	t.evaluate(s.UserID, s.LastActivityAt)
}

func (t *Tracker) onDeregister(s model.DeviceSession) {
	t.evaluate(s.UserID, s.LastActivityAt)
}

// evaluate 根据当前活跃会话数重新计算在线状态
// 集群查询在锁外进行，持锁时重新读取本地会话数
func (t *Tracker) evaluate(userID string, at time.Time) {
	var local, elsewhere, queried bool
	for {
		t.mu.Lock()
		local = t.registry.ActiveCount(userID) > 0
		if local || queried || t.locator == nil {
			break
		}
		t.mu.Unlock()
		elsewhere = t.onlineElsewhere(userID)
		queried = true
	}
	live := local || elsewhere
	if at.IsZero() {
		at = model.Timestamp(t.clock.Now())
	}
	if at.After(t.lastSeen[userID]) {
		t.lastSeen[userID] = at
	}
	if live == t.online[userID] {
		t.mu.Unlock()
		return
	}
	if live {
		t.online[userID] = true
	} else {
		delete(t.online, userID)
	}
	state := model.PresenceState{UserID: userID, IsOnline: live, LastSeen: t.lastSeen[userID]}
	t.mu.Unlock()

	if !live && t.typing != nil {
		t.typing.ClearUser(userID)
	}

	t.logger.Debug("Presence changed",
		"user_id", userID,
		"online", live)
	t.notify(state)
}

func (t *Tracker) onlineElsewhere(userID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	elsewhere, err := t.locator.OnlineElsewhere(ctx, userID)
	if err != nil {
		t.logger.Warn("Failed to check cluster presence",
			"user_id", userID,
			"error", err)
	}
	return elsewhere
}

func (t *Tracker) notify(state model.PresenceState) {
	t.listenerMu.RLock()
	listeners := slices.Clone(t.listeners)
	t.listenerMu.RUnlock()
	for _, l := range listeners {
		l(state)
	}
}

// IsOnline 用户是否在线
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

// Get 查询用户在线状态
func (t *Tracker) Get(userID string) model.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return model.PresenceState{
		UserID:   userID,
		IsOnline: t.online[userID],
		LastSeen: t.lastSeen[userID],
	}
}

// OnlineCount 在线用户数
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.online)
}
