package connection

import (
	"sync"
)

// Manager 管理本节点所有原始连接（含尚未注册设备的连接）
// 设备维度的在线状态由 registry 负责
type Manager struct {
	connections map[int64]*Connection
	mu          sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		connections: make(map[int64]*Connection),
	}
}

func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ID()] = conn
}

func (m *Manager) Remove(connID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, connID)
}

func (m *Manager) Get(connID int64) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[connID]
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// GetAllConnections 返回所有连接快照（用于心跳检测）
func (m *Manager) GetAllConnections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	return conns
}

// CloseAll 关闭所有连接（服务停止时调用）
func (m *Manager) CloseAll(code int, reason string) {
	for _, conn := range m.GetAllConnections() {
		conn.CloseWithCode(code, reason)
	}
}
