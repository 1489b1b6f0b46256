package connection

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sudooom.im.sync/internal/auth"
	"sudooom.im.sync/internal/protocol"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrBufferFull       = errors.New("connection write buffer full")
)

var connIDCounter int64

// Transport 底层传输（WebSocket / WebTransport）
// WriteMessage 只会被写协程串行调用
type Transport interface {
	WriteMessage(data []byte) error
	Close(code int, reason string) error
	RemoteAddr() string
}

// Connection 表示一个客户端连接
type Connection struct {
	id         int64
	transport  Transport
	identity   auth.Identity
	logger     *slog.Logger
	writeChan  chan []byte
	closeChan  chan struct{}
	closeOnce  sync.Once
	createTime time.Time
	lastActive atomic.Int64

	mu       sync.RWMutex
	deviceID string
	platform string
}

// New 创建连接并启动写协程
func New(transport Transport, identity auth.Identity, bufferSize int, logger *slog.Logger) *Connection {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	id := atomic.AddInt64(&connIDCounter, 1)
	now := time.Now()
	c := &Connection{
		id:         id,
		transport:  transport,
		identity:   identity,
		logger:     logger.With("conn_id", id, "user_id", identity.UserID),
		writeChan:  make(chan []byte, bufferSize),
		closeChan:  make(chan struct{}),
		createTime: now,
	}
	c.lastActive.Store(now.UnixNano())
	go c.writeLoop()
	return c
}

func (c *Connection) ID() int64 {
	return c.id
}

func (c *Connection) Identity() auth.Identity {
	return c.identity
}

func (c *Connection) UserID() string {
	return c.identity.UserID
}

// BindDevice 设备注册成功后绑定设备信息
func (c *Connection) BindDevice(deviceID, platform string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = deviceID
	c.platform = platform
}

// DeviceID 未注册时为空
func (c *Connection) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

func (c *Connection) Platform() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.platform
}

func (c *Connection) RemoteAddr() string {
	return c.transport.RemoteAddr()
}

// Send 非阻塞写入，缓冲区满时返回 ErrBufferFull，由调用方转入离线队列
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
		return ErrBufferFull
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeChan:
			if err := c.transport.WriteMessage(data); err != nil {
				c.logger.Warn("Failed to write message", "error", err)
				c.CloseWithCode(protocol.CloseNormal, "write failed")
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

// Close 正常关闭连接
func (c *Connection) Close() {
	c.CloseWithCode(protocol.CloseNormal, "connection closed")
}

// CloseWithCode 以指定关闭码关闭连接，只生效一次
func (c *Connection) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		if err := c.transport.Close(code, reason); err != nil {
			c.logger.Debug("Transport close failed", "error", err)
		}
	})
}

// Done 连接关闭时关闭的 channel
func (c *Connection) Done() <-chan struct{} {
	return c.closeChan
}

func (c *Connection) UpdateActive() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Connection) LastActiveTime() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) CreateTime() time.Time {
	return c.createTime
}
