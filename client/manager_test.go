package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.sync/internal/backoff"
	"sudooom.im.sync/internal/clock"
	"sudooom.im.sync/internal/logging"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/protocol"
)

// recorder 记录跨连接的事件顺序
type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
	log    *recorder

	mu           sync.Mutex
	sent         []protocol.Envelope
	readErr      error
	closeCode    int
	ackHeartbeat bool
	// rejectCode 非零时收到 register-device 即以该关闭码断开
	rejectCode int
	// backlog 注册时离线队列中的条目数，序号 1..backlog
	backlog     int64
	confirmAcks bool
}

func newFakeConn(log *recorder) *fakeConn {
	return &fakeConn{
		in:           make(chan []byte, 64),
		closed:       make(chan struct{}),
		log:          log,
		ackHeartbeat: true,
		confirmAcks:  true,
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	reject := c.rejectCode
	ack := c.ackHeartbeat
	backlog := c.backlog
	confirm := c.confirmAcks
	c.mu.Unlock()

	switch env.Event {
	case protocol.EventRegisterDevice:
		if reject != 0 {
			c.serverClose(&CloseError{Code: reject, Reason: "rejected"})
			return nil
		}
		var req protocol.RegisterDevice
		_ = json.Unmarshal(env.Data, &req)
		// 排空与注册回复并发，第一条可能先于 registered 到达
		if backlog > 0 {
			c.push(protocol.EventNewMessage, 1, protocol.NewMessage{Message: &model.Message{ID: "q1"}})
		}
		c.push(protocol.EventRegistered, 0, protocol.Registered{
			Session: model.DeviceSession{UserID: "alice", DeviceID: req.DeviceID, Platform: req.Platform, IsActive: true},
			Queued:  int(backlog),
			LastSeq: backlog,
		})
		for seq := int64(2); seq <= backlog; seq++ {
			c.push(protocol.EventNewMessage, seq, protocol.NewMessage{Message: &model.Message{ID: fmt.Sprintf("q%d", seq)}})
		}
	case protocol.EventHeartbeat:
		if ack {
			c.push(protocol.EventHeartbeatAck, 0, protocol.HeartbeatAck{})
		}
	case protocol.EventAckQueue:
		var req protocol.AckQueue
		_ = json.Unmarshal(env.Data, &req)
		if c.log != nil {
			c.log.add("ack:%d", req.Sequence)
		}
		if confirm {
			c.push(protocol.EventQueueAcked, 0, protocol.QueueAcked{Sequence: req.Sequence})
		}
	}
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		if c.readErr == nil {
			c.readErr = io.EOF
		}
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// serverClose 模拟对端断开
func (c *fakeConn) serverClose(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) push(event string, seq int64, data any) {
	frame := protocol.MustEncode(event, data)
	if seq > 0 {
		frame, _ = protocol.WithSeq(frame, seq)
	}
	c.in <- frame
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, env := range c.sent {
		out = append(out, env.Event)
	}
	return out
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

type fakeDialer struct {
	mu    sync.Mutex
	err   error
	conns []*fakeConn
	log   *recorder
	setup func(*fakeConn)
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn(d.log)
	if d.setup != nil {
		d.setup(c)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fakeSync struct {
	mu    sync.Mutex
	pages []model.SyncResult
	log   *recorder
	err   error
	calls int
	// onSync 每次 Sync 调用时触发
	onSync func()
}

func (s *fakeSync) Sync(_ context.Context, deviceID string, limit int) (*model.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.onSync != nil {
		s.onSync()
	}
	if s.err != nil {
		return nil, s.err
	}
	if len(s.pages) == 0 {
		return &model.SyncResult{SyncTimestamp: time.Unix(0, 0)}, nil
	}
	page := s.pages[0]
	s.pages = s.pages[1:]
	return &page, nil
}

func (s *fakeSync) Commit(_ context.Context, deviceID string, ts time.Time) error {
	s.log.add("commit:%d", ts.Unix())
	return nil
}

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newManager(t *testing.T, opts Options, d Dialer, s SyncClient) (*Manager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(start)
	if opts.DeviceID == "" {
		opts.DeviceID = "phone"
	}
	if opts.Platform == "" {
		opts.Platform = "ios"
	}
	m := New(opts, d, s, clk, logging.Discard()).WithRand(func() float64 { return 0.5 })
	t.Cleanup(m.Stop)
	return m, clk
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, time.Second, 5*time.Millisecond,
		"state stuck at %s, want %s", m.State(), want)
}

func TestBackoff_GrowsToCapAndResetsAfterConnect(t *testing.T) {
	policy := backoff.Policy{Base: 100 * time.Millisecond, Cap: time.Second, Jitter: 0.2}
	dialer := &fakeDialer{err: errors.New("connection refused")}
	m, clk := newManager(t, Options{Backoff: policy}, dialer, nil)

	m.Start(context.Background())
	assert.Equal(t, StateReconnecting, m.State())

	var delays []time.Duration
	for i := 0; i < 8; i++ {
		pending := clk.Pending()
		require.Len(t, pending, 1)
		delays = append(delays, pending[0])
		clk.Advance(pending[0])
		assert.Equal(t, StateReconnecting, m.State())
	}

	maxDelay := time.Duration(float64(policy.Cap) * (1 + policy.Jitter))
	for i, d := range delays {
		assert.LessOrEqual(t, d, maxDelay, "attempt %d", i+1)
		if i > 0 {
			assert.GreaterOrEqual(t, d, delays[i-1], "attempt %d", i+1)
		}
	}
	assert.Greater(t, delays[1], delays[0])
	assert.Equal(t, delays[len(delays)-1], delays[len(delays)-2], "capped delays stay flat")
	assert.Equal(t, 9, m.Attempt())

	dialer.fail(nil)
	clk.Advance(clk.Pending()[0])
	require.Equal(t, StateConnected, m.State())
	assert.Equal(t, 0, m.Attempt())

	dialer.last().serverClose(io.EOF)
	waitState(t, m, StateReconnecting)
	pending := clk.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, delays[0], pending[0], "backoff restarts from base after a successful connect")
}

func TestConnect_RegistersJoinsThenSyncs(t *testing.T) {
	log := &recorder{}
	syncer := &fakeSync{log: log, pages: []model.SyncResult{
		{Items: []model.SyncItem{{Kind: model.SyncMessage}}, SyncTimestamp: time.Unix(100, 0), HasMore: true},
		{Items: []model.SyncItem{{Kind: model.SyncMessage}}, SyncTimestamp: time.Unix(200, 0)},
	}}
	dialer := &fakeDialer{log: log}
	opts := Options{
		Apply: func(_ context.Context, items []model.SyncItem) error {
			log.add("apply:%d", len(items))
			return nil
		},
	}
	m, clk := newManager(t, opts, dialer, syncer)

	require.NoError(t, m.Join(context.Background(), "conv-1"))
	m.Start(context.Background())
	require.Equal(t, StateConnected, m.State())

	first := dialer.last()
	assert.Equal(t, []string{protocol.EventRegisterDevice, protocol.EventJoinConversation}, first.events())
	assert.Equal(t, []string{"apply:1", "commit:100", "apply:1", "commit:200"}, log.snapshot())
	require.NotNil(t, m.Session())
	assert.Equal(t, "phone", m.Session().DeviceID)

	// 重连后重新注册、加入、同步
	first.serverClose(io.EOF)
	waitState(t, m, StateReconnecting)
	clk.Advance(clk.Pending()[0])
	require.Equal(t, StateConnected, m.State())
	require.Equal(t, 2, dialer.count())
	assert.Equal(t, []string{protocol.EventRegisterDevice, protocol.EventJoinConversation}, dialer.last().events())
	assert.Equal(t, 3, syncer.calls)
}

func TestConnect_SyncWaitsForQueuedEntries(t *testing.T) {
	newFixture := func(confirm bool) (*recorder, *fakeDialer, *fakeSync, Options) {
		log := &recorder{}
		dialer := &fakeDialer{log: log, setup: func(c *fakeConn) {
			c.backlog = 3
			c.confirmAcks = confirm
		}}
		syncer := &fakeSync{log: log, onSync: func() { log.add("sync") }}
		opts := Options{
			HandshakeTimeout: 100 * time.Millisecond,
			OnEvent: func(env protocol.Envelope) {
				if env.Event == protocol.EventNewMessage {
					log.add("handled:%d", env.Seq)
				}
			},
		}
		return log, dialer, syncer, opts
	}

	t.Run("queued entries are handled and confirmed before sync", func(t *testing.T) {
		log, dialer, syncer, opts := newFixture(true)
		m, _ := newManager(t, opts, dialer, syncer)
		m.Start(context.Background())
		require.Equal(t, StateConnected, m.State())

		assert.Equal(t, []string{
			"handled:1", "ack:1",
			"handled:2", "ack:2",
			"handled:3", "ack:3",
			"sync", "commit:0",
		}, log.snapshot())
	})

	t.Run("unconfirmed queue does not block sync", func(t *testing.T) {
		log, dialer, syncer, opts := newFixture(false)
		m, _ := newManager(t, opts, dialer, syncer)
		m.Start(context.Background())
		require.Equal(t, StateConnected, m.State())
		assert.Contains(t, log.snapshot(), "sync")
		assert.Equal(t, 1, syncer.calls)
	})
}

func TestConnect_SyncFailureRetries(t *testing.T) {
	log := &recorder{}
	syncer := &fakeSync{log: log, err: errors.New("503")}
	dialer := &fakeDialer{log: log}
	m, clk := newManager(t, Options{}, dialer, syncer)

	m.Start(context.Background())
	assert.Equal(t, StateReconnecting, m.State())
	assert.Equal(t, statusGoingAway, dialer.last().code())
	assert.Empty(t, log.snapshot(), "cursor is not committed without a page")

	syncer.mu.Lock()
	syncer.err = nil
	syncer.mu.Unlock()
	clk.Advance(clk.Pending()[0])
	assert.Equal(t, StateConnected, m.State())
}

func TestJoin_WhileConnectedSendsImmediately(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newManager(t, Options{}, dialer, nil)
	m.Start(context.Background())
	require.Equal(t, StateConnected, m.State())

	require.NoError(t, m.Join(context.Background(), "conv-2"))
	require.NoError(t, m.Leave(context.Background(), "conv-2"))
	assert.Equal(t, []string{
		protocol.EventRegisterDevice,
		protocol.EventJoinConversation,
		protocol.EventLeaveConversation,
	}, dialer.last().events())
}

func TestHeartbeat(t *testing.T) {
	t.Run("acked", func(t *testing.T) {
		dialer := &fakeDialer{}
		m, clk := newManager(t, Options{HeartbeatInterval: 30 * time.Second, HeartbeatTimeout: 10 * time.Second}, dialer, nil)
		m.Start(context.Background())
		require.Equal(t, StateConnected, m.State())

		clk.Advance(30 * time.Second)
		assert.Contains(t, dialer.last().events(), protocol.EventHeartbeat)
		// ack 由读循环处理后只剩下一次心跳
		require.Eventually(t, func() bool { return len(clk.Pending()) == 1 }, time.Second, 5*time.Millisecond)

		clk.Advance(10 * time.Second)
		assert.Equal(t, StateConnected, m.State())
	})

	t.Run("missed ack reconnects", func(t *testing.T) {
		dialer := &fakeDialer{setup: func(c *fakeConn) { c.ackHeartbeat = false }}
		m, clk := newManager(t, Options{HeartbeatInterval: 30 * time.Second, HeartbeatTimeout: 10 * time.Second}, dialer, nil)
		m.Start(context.Background())
		require.Equal(t, StateConnected, m.State())
		first := dialer.last()

		clk.Advance(30 * time.Second)
		assert.Equal(t, StateConnected, m.State())
		clk.Advance(10 * time.Second)
		assert.Equal(t, StateReconnecting, m.State())
		assert.Equal(t, statusGoingAway, first.code())
		assert.ErrorIs(t, m.Err(), ErrHeartbeatTimeout)
	})
}

func TestTerminalCloseStopsReconnecting(t *testing.T) {
	for _, code := range []int{protocol.CloseReplaced, protocol.CloseDeactivated, protocol.CloseUnauthorized} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			dialer := &fakeDialer{}
			m, clk := newManager(t, Options{}, dialer, nil)
			m.Start(context.Background())
			require.Equal(t, StateConnected, m.State())

			dialer.last().serverClose(&CloseError{Code: code})
			waitState(t, m, StateDisconnected)
			assert.Empty(t, clk.Pending())
			var ce *CloseError
			require.ErrorAs(t, m.Err(), &ce)
			assert.Equal(t, code, ce.Code)
			assert.Equal(t, 1, dialer.count())
		})
	}

	t.Run("rejected during handshake", func(t *testing.T) {
		dialer := &fakeDialer{setup: func(c *fakeConn) { c.rejectCode = protocol.CloseUnauthorized }}
		m, clk := newManager(t, Options{}, dialer, nil)
		m.Start(context.Background())
		assert.Equal(t, StateDisconnected, m.State())
		assert.Empty(t, clk.Pending())
	})

	t.Run("heartbeat timeout close is retried", func(t *testing.T) {
		dialer := &fakeDialer{}
		m, _ := newManager(t, Options{}, dialer, nil)
		m.Start(context.Background())
		dialer.last().serverClose(&CloseError{Code: protocol.CloseHeartbeatTimeout})
		waitState(t, m, StateReconnecting)
	})
}

func TestQueuedEventsAckedAfterHandler(t *testing.T) {
	log := &recorder{}
	dialer := &fakeDialer{log: log}
	opts := Options{OnEvent: func(env protocol.Envelope) {
		if env.Event == protocol.EventNewMessage {
			log.add("handled:%d", env.Seq)
		}
	}}
	m, _ := newManager(t, opts, dialer, nil)
	m.Start(context.Background())
	require.Equal(t, StateConnected, m.State())

	conn := dialer.last()
	conn.push(protocol.EventNewMessage, 7, protocol.NewMessage{Message: &model.Message{ID: "m1"}})
	conn.push(protocol.EventNewMessage, 0, protocol.NewMessage{Message: &model.Message{ID: "m2"}})

	require.Eventually(t, func() bool { return len(log.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"handled:7", "ack:7", "handled:0"}, log.snapshot())
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("refused")}
	m, clk := newManager(t, Options{}, dialer, nil)
	m.Start(context.Background())
	require.Len(t, clk.Pending(), 1)

	m.Stop()
	assert.Equal(t, StateDisconnected, m.State())
	assert.Empty(t, clk.Pending())
	assert.ErrorIs(t, m.Err(), ErrStopped)
	assert.ErrorIs(t, m.Send(context.Background(), protocol.EventHeartbeat, nil), ErrNotConnected)
}

func TestMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("refused")}
	var states []State
	var mu sync.Mutex
	opts := Options{MaxAttempts: 2, OnState: func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	}}
	m, clk := newManager(t, opts, dialer, nil)

	m.Start(context.Background())
	clk.Advance(clk.Pending()[0])
	clk.Advance(clk.Pending()[0])

	assert.Equal(t, StateDisconnected, m.State())
	assert.ErrorIs(t, m.Err(), ErrGaveUp)
	assert.Empty(t, clk.Pending())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{
		StateConnecting, StateReconnecting,
		StateConnecting, StateReconnecting,
		StateConnecting, StateDisconnected,
	}, states)
}
