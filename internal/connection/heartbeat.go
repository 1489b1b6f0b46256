package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.sync/internal/clock"
	"sudooom.im.sync/internal/protocol"
)

// HeartbeatChecker 周期性清理心跳超时的连接，超时连接以 4008 关闭
// 关闭后由读循环退出时完成设备注销
type HeartbeatChecker struct {
	manager   *Manager
	timeout   time.Duration
	interval  time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	onTimeout func(conn *Connection)

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
}

// NewHeartbeatChecker 创建心跳检测器，clk 为 nil 时使用系统时间
func NewHeartbeatChecker(manager *Manager, timeout, checkInterval time.Duration, clk clock.Clock, logger *slog.Logger, onTimeout func(conn *Connection)) *HeartbeatChecker {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &HeartbeatChecker{
		manager:   manager,
		timeout:   timeout,
		interval:  checkInterval,
		clock:     clk,
		logger:    logger.With("component", "heartbeat"),
		onTimeout: onTimeout,
	}
}

// Start 启动周期检测，阻塞直到 ctx 结束
func (h *HeartbeatChecker) Start(ctx context.Context) {
	h.logger.Info("Heartbeat checker started",
		"timeout", h.timeout,
		"check_interval", h.interval)

	h.schedule()
	<-ctx.Done()
	h.stop()
	h.logger.Info("Heartbeat checker stopped")
}

func (h *HeartbeatChecker) schedule() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.timer = h.clock.AfterFunc(h.interval, func() {
		h.Sweep()
		h.schedule()
	})
}

func (h *HeartbeatChecker) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
}

// Sweep 关闭最后活跃时间早于 now-timeout 的连接，返回关闭数量
func (h *HeartbeatChecker) Sweep() int {
	deadline := h.clock.Now().Add(-h.timeout)
	conns := h.manager.GetAllConnections()
	closed := 0

	for _, conn := range conns {
		lastActive := conn.LastActiveTime()
		if !lastActive.Before(deadline) {
			continue
		}
		closed++
		h.logger.Debug("Connection heartbeat timeout",
			"conn_id", conn.ID(),
			"user_id", conn.UserID(),
			"device_id", conn.DeviceID(),
			"last_active", lastActive)

		if h.onTimeout != nil {
			h.onTimeout(conn)
		}
		conn.CloseWithCode(protocol.CloseHeartbeatTimeout, "heartbeat timeout")
		h.manager.Remove(conn.ID())
	}

	if closed > 0 {
		h.logger.Info("Heartbeat sweep closed idle connections",
			"total", len(conns),
			"closed", closed)
	}
	return closed
}
