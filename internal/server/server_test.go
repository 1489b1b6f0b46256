package server

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.sync/internal/auth"
	"sudooom.im.sync/internal/clock"
	"sudooom.im.sync/internal/config"
	"sudooom.im.sync/internal/dispatcher"
	"sudooom.im.sync/internal/handler"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/protocol"
	"sudooom.im.sync/internal/queue"
	"sudooom.im.sync/internal/registry"
	"sudooom.im.sync/internal/room"
	"sudooom.im.sync/internal/snowflake"
	"sudooom.im.sync/internal/store"
)

type testEnv struct {
	server *Server
	auth   *auth.Service
	http   *httptest.Server
	reg    *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.Real{}
	repo := store.NewMemory()
	require.NoError(t, repo.CreateConversation(context.Background(),
		model.Conversation{ID: "c1", Type: "direct", UpdatedAt: model.Timestamp(time.Now())}, []string{"alice", "bob"}))

	reg := registry.New(repo, clk, logger)
	rooms := room.NewManager(repo, reg, logger)
	q := queue.NewMemory(cfg.Queue.Policy(), clk)
	drainer := queue.NewDrainer(q, reg, nil, clk, queue.DrainerConfig{}, logger)
	reg.SetDrainer(drainer.Kick)
	d := dispatcher.New(repo, reg, rooms, q, nil, snowflake.NewNode(1), clk, dispatcher.Config{}, logger)
	drainer.OnAcknowledged(d.Acknowledged)
	h := handler.New(reg, rooms, d, drainer, q, clk, logger)

	authSvc := auth.NewService("secret", "test", time.Hour)
	srv := New(cfg, authSvc, h, logger)
	ts := httptest.NewServer(http.HandlerFunc(srv.ServeWS))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &testEnv{server: srv, auth: authSvc, http: ts, reg: reg}
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (e *testEnv) token(t *testing.T, user, device string) string {
	t.Helper()
	tok, err := e.auth.GenerateAccessToken(user, device, "web")
	require.NoError(t, err)
	return tok
}

func write(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, protocol.MustEncode(event, data)))
}

// readUntil 读取直到出现指定事件
func readUntil(t *testing.T, ws *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		if env.Event == event {
			return env
		}
	}
}

func TestServeWS_Unauthorized(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "not-a-token")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseUnauthorized, closeErr.Code)
}

func TestServeWS_RegisterAndSend(t *testing.T) {
	env := newTestEnv(t)

	bob := env.dial(t, env.token(t, "bob", "laptop"))
	write(t, bob, protocol.EventRegisterDevice, protocol.RegisterDevice{DeviceID: "laptop", Platform: "web"})
	readUntil(t, bob, protocol.EventRegistered)
	write(t, bob, protocol.EventJoinConversation, protocol.ConversationRef{ConversationID: "c1"})

	alice := env.dial(t, env.token(t, "alice", "phone"))
	write(t, alice, protocol.EventRegisterDevice, protocol.RegisterDevice{DeviceID: "phone", Platform: "ios"})
	readUntil(t, alice, protocol.EventRegistered)

	write(t, alice, protocol.EventSendMessage, protocol.SendMessage{ConversationID: "c1", Content: "hello", TempID: "t1"})
	sent := readUntil(t, alice, protocol.EventMessageSent)
	var ack protocol.MessageSent
	require.NoError(t, json.Unmarshal(sent.Data, &ack))
	assert.Equal(t, "t1", ack.TempID)

	got := readUntil(t, bob, protocol.EventNewMessage)
	var msg protocol.NewMessage
	require.NoError(t, json.Unmarshal(got.Data, &msg))
	assert.Equal(t, "hello", msg.Message.Content)
	assert.Equal(t, ack.Message.ID, msg.Message.ID)

	assert.Equal(t, 2, env.server.ConnManager().Count())
}

func TestServeWS_DisconnectDeregisters(t *testing.T) {
	env := newTestEnv(t)

	ws := env.dial(t, env.token(t, "alice", "phone"))
	write(t, ws, protocol.EventRegisterDevice, protocol.RegisterDevice{DeviceID: "phone", Platform: "ios"})
	readUntil(t, ws, protocol.EventRegistered)
	require.True(t, env.reg.IsActive(model.DeviceKey{UserID: "alice", DeviceID: "phone"}))

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool {
		return !env.reg.IsActive(model.DeviceKey{UserID: "alice", DeviceID: "phone"}) &&
			env.server.ConnManager().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	env := newTestEnv(t)
	env.server.cfg.Server.AllowedOrigins = []string{"https://chat.example.com"}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://chat.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, env.server.checkOrigin(r), tt.origin)
	}
}

func TestLoadOrCreateDevCert(t *testing.T) {
	dir := t.TempDir()

	cert, created, err := loadOrCreateDevCert(dir)
	require.NoError(t, err)
	assert.True(t, created)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "localhost")
	assert.LessOrEqual(t, leaf.NotAfter.Sub(leaf.NotBefore), 14*24*time.Hour)

	_, created, err = loadOrCreateDevCert(dir)
	require.NoError(t, err)
	assert.False(t, created)
}
