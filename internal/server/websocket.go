package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sudooom.im.sync/internal/connection"
	"sudooom.im.sync/internal/protocol"
)

const closeWriteWait = time.Second

// wsTransport gorilla 连接适配为 connection.Transport
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// ServeWS GET /ws?token=，鉴权失败时完成升级后以 4401 关闭
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, authErr := s.authenticate(r)

	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	if authErr != nil {
		s.logger.Info("WebSocket auth failed", "remote_addr", r.RemoteAddr, "error", authErr)
		t := &wsTransport{conn: ws}
		_ = t.Close(protocol.CloseUnauthorized, "unauthorized")
		return
	}
	if s.cfg.Server.ReadLimit > 0 {
		ws.SetReadLimit(s.cfg.Server.ReadLimit)
	}

	s.wg.Add(1)
	defer s.wg.Done()

	transport := &wsTransport{conn: ws, writeTimeout: s.cfg.Server.WriteTimeout}
	c := connection.New(transport, identity, s.cfg.Server.WriteBuffer, s.logger)
	s.serve(c, func() ([]byte, error) {
		_, data, err := ws.ReadMessage()
		return data, err
	})
}
