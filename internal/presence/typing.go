package presence

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"sudooom.im.sync/internal/clock"
	"sudooom.im.sync/internal/model"
)

const DefaultTypingTTL = 5 * time.Second

type typingKey struct {
	conversationID string
	userID         string
}

type typingEntry struct {
	state model.TypingState
	timer clock.Timer
}

// Typing 会话内输入状态，超过 TTL 未刷新自动过期
type Typing struct {
	clock clock.Clock
	ttl   time.Duration

	mu     sync.Mutex
	states map[typingKey]*typingEntry

	onExpire func(model.TypingState)
}

// NewTyping 创建输入状态表，onExpire 在状态过期时调用（可为 nil）
func NewTyping(clk clock.Clock, ttl time.Duration, onExpire func(model.TypingState)) *Typing {
	if clk == nil {
		clk = clock.Real{}
	}
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Typing{
		clock:    clk,
		ttl:      ttl,
		states:   make(map[typingKey]*typingEntry),
		onExpire: onExpire,
	}
}

// SetExpireHandler 设置过期回调
func (t *Typing) SetExpireHandler(fn func(model.TypingState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = fn
}

// Start 开始或刷新输入状态，返回是否为新状态
func (t *Typing) Start(conversationID, userID string) (model.TypingState, bool) {
	key := typingKey{conversationID: conversationID, userID: userID}
	state := model.TypingState{
		ConversationID: conversationID,
		UserID:         userID,
		ExpiresAt:      t.clock.Now().Add(t.ttl),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.states[key]
	if ok {
		existing.timer.Stop()
	}
	e := &typingEntry{state: state}
	e.timer = t.clock.AfterFunc(t.ttl, func() { t.expire(key, e) })
	t.states[key] = e
	return state, !ok
}

// Stop 结束输入状态，返回之前是否在输入
func (t *Typing) Stop(conversationID, userID string) bool {
	key := typingKey{conversationID: conversationID, userID: userID}
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.states[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.states, key)
	return true
}

func (t *Typing) expire(key typingKey, e *typingEntry) {
	t.mu.Lock()
	if t.states[key] != e {
		t.mu.Unlock()
		return
	}
	delete(t.states, key)
	fn := t.onExpire
	t.mu.Unlock()

	if fn != nil {
		fn(e.state)
	}
}

// ClearUser 清除用户在所有会话中的输入状态（用户离线时调用）
func (t *Typing) ClearUser(userID string) []model.TypingState {
	t.mu.Lock()
	var cleared []model.TypingState
	for key, e := range t.states {
		if key.userID == userID {
			e.timer.Stop()
			delete(t.states, key)
			cleared = append(cleared, e.state)
		}
	}
	fn := t.onExpire
	t.mu.Unlock()

	if fn != nil {
		for _, s := range cleared {
			fn(s)
		}
	}
	return cleared
}

// Active 会话中正在输入的用户（按用户 ID 升序）
func (t *Typing) Active(conversationID string) []model.TypingState {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []model.TypingState
	for key, e := range t.states {
		if key.conversationID == conversationID && e.state.Active(now) {
			out = append(out, e.state)
		}
	}
	slices.SortFunc(out, func(a, b model.TypingState) int {
		return cmp.Compare(a.UserID, b.UserID)
	})
	return out
}
