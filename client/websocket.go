package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"
)

// WebSocketDialer 通过 /ws 建立 JSON 信封连接
type WebSocketDialer struct {
	URL       string // 例如 ws://127.0.0.1:8080/ws
	Token     string
	ReadLimit int64
	Header    http.Header
}

// Dial 令牌放在 Authorization 头；服务端鉴权失败时以 4401 关闭连接
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	target, err := url.Parse(d.URL)
	if err != nil {
		return nil, err
	}
	switch target.Scheme {
	case "http":
		target.Scheme = "ws"
	case "https":
		target.Scheme = "wss"
	}

	header := http.Header{}
	for k, v := range d.Header {
		header[k] = v
	}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	conn, _, err := websocket.Dial(ctx, target.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, closeError(err)
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, frame []byte) error {
	return closeError(c.conn.Write(ctx, websocket.MessageText, frame))
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

// closeError 把对端关闭帧转换为 CloseError，供状态机判断是否终止
func closeError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: int(ce.Code), Reason: ce.Reason}
	}
	return err
}
