package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.sync/internal/backoff"
	"sudooom.im.sync/internal/clock"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/protocol"
)

// State 连接状态
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// 客户端主动关闭使用的标准关闭码
const (
	statusNormal    = 1000
	statusGoingAway = 1001
)

var (
	ErrHeartbeatTimeout = errors.New("heartbeat ack timeout")
	ErrNotConnected     = errors.New("not connected")
	ErrGaveUp           = errors.New("reconnect attempts exhausted")
	ErrStopped          = errors.New("manager stopped")
)

// CloseError 对端关闭连接时携带的关闭码
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: code=%d reason=%q", e.Code, e.Reason)
}

// Conn 一条实时连接，Read 仅由读循环调用
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(code int, reason string) error
}

// Dialer 建立实时连接
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// SyncClient 请求/响应同步通道
type SyncClient interface {
	Sync(ctx context.Context, deviceID string, limit int) (*model.SyncResult, error)
	Commit(ctx context.Context, deviceID string, ts time.Time) error
}

// Options 重连管理器配置
type Options struct {
	DeviceID   string
	Platform   string
	UserAgent  string
	AppVersion string

	Backoff           backoff.Policy
	MaxAttempts       int // 0 表示不限
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	SyncPageSize      int

	// OnEvent 在读循环中调用，返回后才回复 ack-queue；可能与 Apply 并发
	OnEvent func(env protocol.Envelope)
	// Apply 持久化一页同步结果，返回 nil 后提交游标
	Apply func(ctx context.Context, items []model.SyncItem) error
	// OnState 状态变化通知，不持有内部锁
	OnState func(s State)
}

func (o *Options) defaults() {
	if o.Backoff.Base <= 0 {
		o.Backoff = backoff.Policy{Base: time.Second, Cap: 30 * time.Second, Jitter: 0.2}
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.SyncPageSize <= 0 {
		o.SyncPageSize = 100
	}
}

// Manager 客户端重连状态机
// Disconnected -> Connecting -> Connected -> Reconnecting -> Connecting ...
// 服务端终止（被替换、设备停用、未认证）后停在 Disconnected
type Manager struct {
	opts   Options
	dialer Dialer
	syncer SyncClient
	clock  clock.Clock
	logger *slog.Logger

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	state         State
	conn          Conn
	gen           uint64
	backoff       *backoff.Backoff
	retryTimer    clock.Timer
	beatTimer     clock.Timer
	ackTimer      clock.Timer
	conversations map[string]struct{}
	confirmed     int64         // 服务端已确认的最大队列序号（当前连接）
	confirmCh     chan struct{} // confirmed 变化或连接失效时关闭并替换
	stopped       bool
	err           error
	session       *model.DeviceSession

	writeMu sync.Mutex
}

// New 创建重连管理器，syncer 为 nil 时跳过重连后的增量同步
func New(opts Options, dialer Dialer, syncer SyncClient, clk clock.Clock, logger *slog.Logger) *Manager {
	opts.defaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		opts:          opts,
		dialer:        dialer,
		syncer:        syncer,
		clock:         clk,
		logger:        logger.With("component", "reconnect", "device_id", opts.DeviceID),
		state:         StateDisconnected,
		backoff:       backoff.New(opts.Backoff),
		conversations: make(map[string]struct{}),
		confirmCh:     make(chan struct{}),
	}
}

// WithRand 替换抖动随机源（测试使用）
func (m *Manager) WithRand(r func() float64) *Manager {
	m.backoff.WithRand(r)
	return m
}

// Start 同步发起首次连接，失败时按退避调度重连
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.attempt()
}

// Stop 主动断开，不再重连
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.err = ErrStopped
	conn := m.conn
	m.conn = nil
	m.stopTimersLocked()
	m.signalLocked()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(statusNormal, "client disconnect")
	}
	m.transition(StateDisconnected)
}

// State 当前状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err 进入终止状态的原因
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Session 最近一次注册返回的设备会话
func (m *Manager) Session() *model.DeviceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Attempt 当前连续失败次数
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff.Attempt()
}

// Join 记录会话，每次重连后自动重新加入；已连接时立即发送
func (m *Manager) Join(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	m.conversations[conversationID] = struct{}{}
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return m.write(ctx, conn, protocol.EventJoinConversation, protocol.ConversationRef{ConversationID: conversationID})
}

// Leave 移除会话
func (m *Manager) Leave(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	delete(m.conversations, conversationID)
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return m.write(ctx, conn, protocol.EventLeaveConversation, protocol.ConversationRef{ConversationID: conversationID})
}

// Send 发送上行事件
func (m *Manager) Send(ctx context.Context, event string, data any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return m.write(ctx, conn, event, data)
}

// attempt 一次完整的连接过程：拨号、注册、重新加入会话、等待离线队列确认、增量同步
// 注册后即启动读循环，排空的队列条目在同步前被处理和确认，避免同步结果与之重叠
func (m *Manager) attempt() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	ctx := m.ctx
	m.mu.Unlock()
	m.transition(StateConnecting)

	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		m.fail(err)
		return
	}

	registered, err := m.register(ctx, conn)
	if err != nil {
		_ = conn.Close(statusGoingAway, "handshake failed")
		m.fail(err)
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = conn.Close(statusNormal, "client disconnect")
		return
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.confirmed = 0
	joined := m.conversationsLocked()
	m.mu.Unlock()

	go m.readLoop(ctx, conn, gen)

	// 此后新增的会话由 Join 直接发送
	for _, id := range joined {
		if err := m.write(ctx, conn, protocol.EventJoinConversation, protocol.ConversationRef{ConversationID: id}); err != nil {
			m.lost(gen, fmt.Errorf("join %s: %w", id, err))
			return
		}
	}
	if !m.awaitQueue(ctx, gen, registered.LastSeq) {
		return
	}
	if err := m.sync(ctx); err != nil {
		m.lost(gen, err)
		return
	}

	m.mu.Lock()
	if m.gen != gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.err = nil
	m.backoff.Reset()
	m.beatTimer = m.clock.AfterFunc(m.opts.HeartbeatInterval, func() { m.heartbeat(gen) })
	m.mu.Unlock()
	m.transition(StateConnected)
	m.logger.Info("connected", "conversations", len(joined), "queued", registered.Queued)
}

// awaitQueue 等待服务端确认注册时已在队列中的条目，超时后照常同步
// 连接在等待期间失效时返回 false
func (m *Manager) awaitQueue(ctx context.Context, gen uint64, lastSeq int64) bool {
	if lastSeq <= 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()
	for {
		m.mu.Lock()
		if m.gen != gen || m.conn == nil {
			m.mu.Unlock()
			return false
		}
		confirmed := m.confirmed
		ch := m.confirmCh
		m.mu.Unlock()
		if confirmed >= lastSeq {
			return true
		}

		select {
		case <-ch:
		case <-ctx.Done():
			m.logger.Warn("offline queue not confirmed before sync", "last_seq", lastSeq, "confirmed", confirmed)
			return true
		}
	}
}

// confirm 记录服务端 queue-acked
func (m *Manager) confirm(gen uint64, seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || seq <= m.confirmed {
		return
	}
	m.confirmed = seq
	m.signalLocked()
}

func (m *Manager) signalLocked() {
	close(m.confirmCh)
	m.confirmCh = make(chan struct{})
}

// register 发送 register-device 并等待 registered，期间到达的其他事件照常处理
func (m *Manager) register(ctx context.Context, conn Conn) (protocol.Registered, error) {
	if err := m.write(ctx, conn, protocol.EventRegisterDevice, protocol.RegisterDevice{
		DeviceID:   m.opts.DeviceID,
		Platform:   m.opts.Platform,
		UserAgent:  m.opts.UserAgent,
		AppVersion: m.opts.AppVersion,
	}); err != nil {
		return protocol.Registered{}, fmt.Errorf("register: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return protocol.Registered{}, err
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			m.logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		switch env.Event {
		case protocol.EventRegistered:
			var payload protocol.Registered
			if err := decodeData(env, &payload); err != nil {
				return protocol.Registered{}, fmt.Errorf("registered: %w", err)
			}
			m.mu.Lock()
			m.session = &payload.Session
			m.mu.Unlock()
			m.logger.Info("device registered", "queued", payload.Queued, "last_seq", payload.LastSeq)
			m.deliver(ctx, conn, env)
			return payload, nil
		case protocol.EventError:
			var payload protocol.Error
			if err := decodeData(env, &payload); err == nil && payload.Event == protocol.EventRegisterDevice {
				return protocol.Registered{}, fmt.Errorf("register rejected: %s", payload.Message)
			}
			m.deliver(ctx, conn, env)
		default:
			m.deliver(ctx, conn, env)
		}
	}
}

// sync 从已提交游标拉取直到没有更多，每页 Apply 成功后提交
func (m *Manager) sync(ctx context.Context) error {
	if m.syncer == nil {
		return nil
	}
	for {
		result, err := m.syncer.Sync(ctx, m.opts.DeviceID, m.opts.SyncPageSize)
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		if m.opts.Apply != nil && len(result.Items) > 0 {
			if err := m.opts.Apply(ctx, result.Items); err != nil {
				return fmt.Errorf("apply sync page: %w", err)
			}
		}
		if err := m.syncer.Commit(ctx, m.opts.DeviceID, result.SyncTimestamp); err != nil {
			return fmt.Errorf("commit cursor: %w", err)
		}
		m.logger.Debug("sync page applied", "items", len(result.Items), "has_more", result.HasMore)
		if !result.HasMore {
			return nil
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			m.lost(gen, err)
			return
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			m.logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		switch env.Event {
		case protocol.EventHeartbeatAck:
			m.acked(gen)
		case protocol.EventQueueAcked:
			var payload protocol.QueueAcked
			if err := decodeData(env, &payload); err != nil {
				m.logger.Warn("discarding malformed queue-acked", "error", err)
				continue
			}
			m.confirm(gen, payload.Sequence)
		default:
			m.deliver(ctx, conn, env)
		}
	}
}

// deliver 交给上层处理，带 seq 的队列事件处理完成后确认
func (m *Manager) deliver(ctx context.Context, conn Conn, env protocol.Envelope) {
	if m.opts.OnEvent != nil {
		m.opts.OnEvent(env)
	}
	if env.Seq <= 0 {
		return
	}
	if err := m.write(ctx, conn, protocol.EventAckQueue, protocol.AckQueue{Sequence: env.Seq}); err != nil {
		m.logger.Warn("ack queue failed", "seq", env.Seq, "error", err)
	}
}

func (m *Manager) heartbeat(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	ctx := m.ctx
	if m.ackTimer == nil {
		m.ackTimer = m.clock.AfterFunc(m.opts.HeartbeatTimeout, func() { m.lost(gen, ErrHeartbeatTimeout) })
	}
	m.beatTimer = m.clock.AfterFunc(m.opts.HeartbeatInterval, func() { m.heartbeat(gen) })
	m.mu.Unlock()

	if err := m.write(ctx, conn, protocol.EventHeartbeat, struct{}{}); err != nil {
		m.lost(gen, err)
	}
}

func (m *Manager) acked(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.ackTimer == nil {
		return
	}
	m.ackTimer.Stop()
	m.ackTimer = nil
}

// lost 当前连接失效，过期的 gen 直接忽略
func (m *Manager) lost(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.stopTimersLocked()
	m.signalLocked()
	m.mu.Unlock()

	_ = conn.Close(statusGoingAway, "connection lost")
	m.fail(cause)
}

// fail 终止码停止重连，其他错误按退避调度下一次连接
func (m *Manager) fail(cause error) {
	var ce *CloseError
	if errors.As(cause, &ce) && protocol.Terminal(ce.Code) {
		m.mu.Lock()
		m.stopped = true
		m.err = cause
		if m.cancel != nil {
			m.cancel()
		}
		m.mu.Unlock()
		m.logger.Warn("connection terminated by server", "code", ce.Code, "reason", ce.Reason)
		m.transition(StateDisconnected)
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if m.opts.MaxAttempts > 0 && m.backoff.Attempt() >= m.opts.MaxAttempts {
		m.stopped = true
		m.err = fmt.Errorf("%w: %v", ErrGaveUp, cause)
		m.mu.Unlock()
		m.logger.Error("giving up reconnect", "attempts", m.opts.MaxAttempts, "error", cause)
		m.transition(StateDisconnected)
		return
	}
	delay := m.backoff.Next()
	attempt := m.backoff.Attempt()
	m.err = cause
	changed := m.setStateLocked(StateReconnecting)
	m.retryTimer = m.clock.AfterFunc(delay, m.attempt)
	m.mu.Unlock()

	if changed {
		m.notify(StateReconnecting)
	}
	m.logger.Warn("connection unavailable, scheduling reconnect", "attempt", attempt, "delay", delay, "error", cause)
}

func (m *Manager) stopTimersLocked() {
	if m.beatTimer != nil {
		m.beatTimer.Stop()
		m.beatTimer = nil
	}
	if m.ackTimer != nil {
		m.ackTimer.Stop()
		m.ackTimer = nil
	}
}

func (m *Manager) conversationsLocked() []string {
	ids := make([]string, 0, len(m.conversations))
	for id := range m.conversations {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) transition(s State) {
	m.mu.Lock()
	changed := m.setStateLocked(s)
	m.mu.Unlock()
	if changed {
		m.notify(s)
	}
}

// setStateLocked 停止后只允许进入 Disconnected
func (m *Manager) setStateLocked(s State) bool {
	if m.state == s || (m.stopped && s != StateDisconnected) {
		return false
	}
	m.state = s
	return true
}

func (m *Manager) notify(s State) {
	if m.opts.OnState != nil {
		m.opts.OnState(s)
	}
}

func (m *Manager) write(ctx context.Context, conn Conn, event string, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.Write(ctx, frame)
}

func decodeData(env protocol.Envelope, v any) error {
	if len(env.Data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(env.Data, v)
}
