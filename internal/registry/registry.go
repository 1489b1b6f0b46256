package registry

import (
	"cmp"
	"context"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"

	"sudooom.im.sync/internal/auth"
	"sudooom.im.sync/internal/clock"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/protocol"
)

const shardCount = 64

// Handle 设备的实时连接句柄（弱引用，仅在线期间持有）
type Handle interface {
	ID() int64
	Send(data []byte) error
	CloseWithCode(code int, reason string)
}

// Store 会话记录持久化
type Store interface {
	SaveDeviceSession(ctx context.Context, s model.DeviceSession) error
	AllDeviceSessions(ctx context.Context) ([]model.DeviceSession, error)
}

// Listener 会话状态变化回调，在锁外调用
type Listener func(session model.DeviceSession)

// entry 单个设备的会话状态
// mu 同时是该设备的投递锁：离线队列排空与实时投递互斥
type entry struct {
	mu          sync.Mutex
	session     model.DeviceSession
	handle      Handle
	draining    bool
	lastSentSeq int64
}

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]*entry // userID -> deviceID -> entry
}

// Registry 设备会话注册表，(userId, deviceId) 在线状态的唯一来源
// 生命周期与服务一致，由 main 创建并注入
type Registry struct {
	shards [shardCount]*shard
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	listenerMu   sync.RWMutex
	onRegister   []Listener
	onDeregister []Listener
	drainer      func(key model.DeviceKey)
}

// New 创建注册表，store 可为 nil（仅内存）
func New(store Store, clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	r := &Registry{
		store:  store,
		clock:  clk,
		logger: logger.With("component", "registry"),
	}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]map[string]*entry)}
	}
	return r
}

// OnRegister 注册上线回调
func (r *Registry) OnRegister(l Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.onRegister = append(r.onRegister, l)
}

// OnDeregister 注册下线回调
func (r *Registry) OnDeregister(l Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.onDeregister = append(r.onDeregister, l)
}

// SetDrainer 设置离线队列排空入口
// 设置后，Register 会在同一把锁内标记 draining，直到排空结束前实时投递转入队列
func (r *Registry) SetDrainer(fn func(key model.DeviceKey)) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.drainer = fn
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}

func (r *Registry) get(key model.DeviceKey) *entry {
	s := r.shardFor(key.UserID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[key.UserID][key.DeviceID]
}

func (r *Registry) getOrCreate(key model.DeviceKey) (*entry, bool) {
	s := r.shardFor(key.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, ok := s.users[key.UserID]
	if !ok {
		devices = make(map[string]*entry)
		s.users[key.UserID] = devices
	}
	if e, ok := devices[key.DeviceID]; ok {
		return e, false
	}
	e := &entry{session: model.DeviceSession{UserID: key.UserID, DeviceID: key.DeviceID}}
	devices[key.DeviceID] = e
	return e, true
}

func (r *Registry) entriesOf(userID string) []*entry {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := s.users[userID]
	out := make([]*entry, 0, len(devices))
	for _, e := range devices {
		out = append(out, e)
	}
	return out
}

// Register 注册设备会话（幂等）
// 同一设备重复注册时新连接替换旧连接，队列与历史保留，并触发离线队列排空
func (r *Registry) Register(ctx context.Context, id auth.Identity, deviceID, platform string, meta model.DeviceMeta, h Handle) (model.DeviceSession, error) {
	if !id.Valid() {
		return model.DeviceSession{}, apperrors.ErrUnauthorized
	}
	if deviceID == "" {
		return model.DeviceSession{}, apperrors.ErrInvalidParams.WithMessage("deviceId is required")
	}
	if id.DeviceID != "" && id.DeviceID != deviceID {
		return model.DeviceSession{}, apperrors.ErrDeviceMismatch
	}

	key := model.DeviceKey{UserID: id.UserID, DeviceID: deviceID}
	e, created := r.getOrCreate(key)
	now := model.Timestamp(r.clock.Now())

	r.listenerMu.RLock()
	drainer := r.drainer
	r.listenerMu.RUnlock()

	e.mu.Lock()
	old := e.handle
	e.handle = h
	if created || e.session.RegisteredAt.IsZero() {
		e.session.RegisteredAt = now
	}
	if platform != "" {
		e.session.Platform = platform
	}
	if meta.UserAgent != "" {
		e.session.UserAgent = meta.UserAgent
	}
	if meta.AppVersion != "" {
		e.session.AppVersion = meta.AppVersion
	}
	e.session.LastActivityAt = now
	e.session.IsActive = h != nil
	e.lastSentSeq = 0
	e.draining = drainer != nil && h != nil
	session := e.session
	e.mu.Unlock()

	if old != nil && (h == nil || old.ID() != h.ID()) {
		r.logger.Info("Device session replaced by newer connection",
			"user_id", key.UserID,
			"device_id", key.DeviceID,
			"old_conn_id", old.ID())
		old.CloseWithCode(protocol.CloseReplaced, "session replaced")
	}

	r.persist(ctx, session)

	r.logger.Info("Device registered",
		"user_id", key.UserID,
		"device_id", key.DeviceID,
		"platform", session.Platform,
		"new", created)

	if h != nil {
		r.notify(r.registerListeners(), session)
		if drainer != nil {
			drainer(key)
		}
	}
	return session, nil
}

// Upsert 登记设备会话记录但不建立实时连接（请求/响应通道的 registerDeviceSession）
// 已在线的会话保持在线
func (r *Registry) Upsert(ctx context.Context, id auth.Identity, deviceID, platform string, meta model.DeviceMeta) (model.DeviceSession, error) {
	if !id.Valid() {
		return model.DeviceSession{}, apperrors.ErrUnauthorized
	}
	if deviceID == "" {
		return model.DeviceSession{}, apperrors.ErrInvalidParams.WithMessage("deviceId is required")
	}
	if id.DeviceID != "" && id.DeviceID != deviceID {
		return model.DeviceSession{}, apperrors.ErrDeviceMismatch
	}

	e, created := r.getOrCreate(model.DeviceKey{UserID: id.UserID, DeviceID: deviceID})
	now := model.Timestamp(r.clock.Now())

	e.mu.Lock()
	if created || e.session.RegisteredAt.IsZero() {
		e.session.RegisteredAt = now
		e.session.LastActivityAt = now
	}
	if platform != "" {
		e.session.Platform = platform
	}
	if meta.UserAgent != "" {
		e.session.UserAgent = meta.UserAgent
	}
	if meta.AppVersion != "" {
		e.session.AppVersion = meta.AppVersion
	}
	session := e.session
	e.mu.Unlock()

	r.persist(ctx, session)
	return session, nil
}

// Deregister 设备断开或登出：置为非活跃并释放连接句柄，记录保留
// connID 非 0 时仅当当前句柄就是该连接才生效，避免旧连接的断开覆盖新连接
func (r *Registry) Deregister(ctx context.Context, userID, deviceID string, connID int64) (model.DeviceSession, bool) {
	session, _, ok := r.deregister(ctx, model.DeviceKey{UserID: userID, DeviceID: deviceID}, connID)
	return session, ok
}

// Deactivate 服务端主动终止设备会话，关闭其连接
func (r *Registry) Deactivate(ctx context.Context, userID, deviceID string) (model.DeviceSession, bool) {
	session, old, ok := r.deregister(ctx, model.DeviceKey{UserID: userID, DeviceID: deviceID}, 0)
	if old != nil {
		old.CloseWithCode(protocol.CloseDeactivated, "session deactivated")
	}
	return session, ok
}

func (r *Registry) deregister(ctx context.Context, key model.DeviceKey, connID int64) (model.DeviceSession, Handle, bool) {
	e := r.get(key)
	if e == nil {
		return model.DeviceSession{}, nil, false
	}

	e.mu.Lock()
	if connID != 0 && (e.handle == nil || e.handle.ID() != connID) {
		e.mu.Unlock()
		return model.DeviceSession{}, nil, false
	}
	old := e.handle
	wasActive := e.session.IsActive
	e.handle = nil
	e.draining = false
	e.session.IsActive = false
	e.session.LastActivityAt = model.Timestamp(r.clock.Now())
	session := e.session
	e.mu.Unlock()

	r.persist(ctx, session)

	if wasActive {
		r.logger.Info("Device deregistered",
			"user_id", key.UserID,
			"device_id", key.DeviceID)
		r.notify(r.deregisterListeners(), session)
	}
	return session, old, true
}

// Lookup 查询设备会话
func (r *Registry) Lookup(userID, deviceID string) (model.DeviceSession, bool) {
	e := r.get(model.DeviceKey{UserID: userID, DeviceID: deviceID})
	if e == nil {
		return model.DeviceSession{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, true
}

// IsActive 设备是否在本节点在线
func (r *Registry) IsActive(key model.DeviceKey) bool {
	s, ok := r.Lookup(key.UserID, key.DeviceID)
	return ok && s.IsActive
}

// ListActiveDevicesFor 用户在线设备 ID（升序）
func (r *Registry) ListActiveDevicesFor(userID string) []string {
	var out []string
	for _, s := range r.ActiveSessions(userID) {
		out = append(out, s.DeviceID)
	}
	return out
}

// ActiveSessions 用户在线会话（按设备 ID 升序）
func (r *Registry) ActiveSessions(userID string) []model.DeviceSession {
	var out []model.DeviceSession
	for _, s := range r.Devices(userID) {
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out
}

// Devices 用户全部已知会话（含离线）
func (r *Registry) Devices(userID string) []model.DeviceSession {
	entries := r.entriesOf(userID)
	out := make([]model.DeviceSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session)
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b model.DeviceSession) int {
		return cmp.Compare(a.DeviceID, b.DeviceID)
	})
	return out
}

// ActiveCount 用户在线设备数
func (r *Registry) ActiveCount(userID string) int {
	return len(r.ActiveSessions(userID))
}

// Count 本节点在线设备总数
func (r *Registry) Count() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		var entries []*entry
		for _, devices := range s.users {
			for _, e := range devices {
				entries = append(entries, e)
			}
		}
		s.mu.RUnlock()
		for _, e := range entries {
			e.mu.Lock()
			if e.session.IsActive {
				total++
			}
			e.mu.Unlock()
		}
	}
	return total
}

// Touch 心跳刷新活跃时间
func (r *Registry) Touch(key model.DeviceKey, connID int64) {
	e := r.get(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != nil && e.handle.ID() == connID {
		e.session.LastActivityAt = model.Timestamp(r.clock.Now())
	}
}

// TrySend 实时投递一帧到设备
// 设备离线、正在排空离线队列或连接缓冲区已满时返回 false
func (r *Registry) TrySend(key model.DeviceKey, data []byte) bool {
	e := r.get(key)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trySend(data)
}

func (e *entry) trySend(data []byte) bool {
	if e.handle == nil || e.draining {
		return false
	}
	return e.handle.Send(data) == nil
}

// Slot 持有设备投递锁期间可见的会话状态
type Slot struct {
	e *entry
}

func (s *Slot) Session() model.DeviceSession { return s.e.session }

func (s *Slot) Live() bool { return s.e.handle != nil }

func (s *Slot) Draining() bool { return s.e.draining }

func (s *Slot) SetDraining(v bool) { s.e.draining = v }

func (s *Slot) LastSent() int64 { return s.e.lastSentSeq }

func (s *Slot) SetLastSent(seq int64) { s.e.lastSentSeq = seq }

// TrySend 与 Registry.TrySend 语义相同，调用方已持有锁
func (s *Slot) TrySend(data []byte) bool { return s.e.trySend(data) }

// SendDirect 绕过 draining 检查直接写连接（仅排空流程使用）
func (s *Slot) SendDirect(data []byte) error {
	if s.e.handle == nil {
		return apperrors.ErrDeviceNotFound
	}
	return s.e.handle.Send(data)
}

// Exclusive 在设备投递锁内执行 fn，设备未知时返回 false
func (r *Registry) Exclusive(key model.DeviceKey, fn func(s *Slot)) bool {
	e := r.get(key)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&Slot{e: e})
	return true
}

// Restore 启动时从存储加载已知会话（均视为离线），使离线设备成为投递目标
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	sessions, err := r.store.AllDeviceSessions(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		e, created := r.getOrCreate(s.Key())
		if !created {
			continue
		}
		e.mu.Lock()
		e.session = s
		e.session.IsActive = false
		e.mu.Unlock()
	}
	r.logger.Info("Device sessions restored", "count", len(sessions))
	return len(sessions), nil
}

func (r *Registry) persist(ctx context.Context, s model.DeviceSession) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveDeviceSession(ctx, s); err != nil {
		r.logger.Warn("Failed to persist device session",
			"user_id", s.UserID,
			"device_id", s.DeviceID,
			"error", err)
	}
}

func (r *Registry) registerListeners() []Listener {
	r.listenerMu.RLock()
	defer r.listenerMu.RUnlock()
	return slices.Clone(r.onRegister)
}

func (r *Registry) deregisterListeners() []Listener {
	r.listenerMu.RLock()
	defer r.listenerMu.RUnlock()
	return slices.Clone(r.onDeregister)
}

func (r *Registry) notify(listeners []Listener, s model.DeviceSession) {
	for _, l := range listeners {
		l(s)
	}
}
