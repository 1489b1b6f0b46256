package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	StateConnected     = "connected"
	StateDisconnected  = "disconnected"
	StateNotConfigured = "not configured"
)

const checkTimeout = 2 * time.Second

// Status 健康状态
type Status struct {
	Service     string `json:"service"`
	NodeID      string `json:"nodeId"`
	Storage     string `json:"storage"`
	NATS        string `json:"nats"`
	Redis       string `json:"redis"`
	Connections int    `json:"connections"`
	Devices     int    `json:"devices"`
}

// Healthy 已配置的依赖均可用
func (s *Status) Healthy() bool {
	for _, state := range []string{s.Storage, s.NATS, s.Redis} {
		if state == StateDisconnected {
			return false
		}
	}
	return true
}

// Counter 计数器接口（连接数、在线设备数）
type Counter interface {
	Count() int
}

// Pinger 存储连通性探测
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker 健康检查器，nats / redis 为 nil 表示未启用
type Checker struct {
	nodeID      string
	storage     Pinger
	nc          *nats.Conn
	redisClient redis.UniversalClient
	connCounter Counter
	devCounter  Counter
}

// NewChecker 创建健康检查器
func NewChecker(nodeID string, storage Pinger, nc *nats.Conn, redisClient redis.UniversalClient, connCounter, devCounter Counter) *Checker {
	return &Checker{
		nodeID:      nodeID,
		storage:     storage,
		nc:          nc,
		redisClient: redisClient,
		connCounter: connCounter,
		devCounter:  devCounter,
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service: "sync",
		NodeID:  h.nodeID,
		Storage: StateNotConfigured,
		NATS:    StateNotConfigured,
		Redis:   StateNotConfigured,
	}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if h.storage != nil {
		status.Storage = state(h.storage.Ping(checkCtx) == nil)
	}
	if h.nc != nil {
		status.NATS = state(h.nc.IsConnected())
	}
	if h.redisClient != nil {
		status.Redis = state(h.redisClient.Ping(checkCtx).Err() == nil)
	}

	if h.connCounter != nil {
		status.Connections = h.connCounter.Count()
	}
	if h.devCounter != nil {
		status.Devices = h.devCounter.Count()
	}
	return status
}

// IsHealthy 检查是否健康
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Healthy()
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy() {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func state(ok bool) string {
	if ok {
		return StateConnected
	}
	return StateDisconnected
}
