package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.sync/internal/auth"
	"sudooom.im.sync/internal/clock"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/health"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/protocol"
	"sudooom.im.sync/internal/queue"
	"sudooom.im.sync/internal/registry"
	"sudooom.im.sync/internal/store"
	"sudooom.im.sync/internal/syncer"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// APIResponse 用于解析响应体
type APIResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type handle struct {
	id     int64
	closed atomic.Int32
}

func (h *handle) ID() int64 { return h.id }
func (h *handle) Send([]byte) error { return nil }
func (h *handle) CloseWithCode(code int, _ string) {
	h.closed.Store(int32(code))
}

type testAPI struct {
	router *gin.Engine
	auth   *auth.Service
	repo   *store.Memory
	reg    *registry.Registry
	queue  *queue.Memory
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewMock(t0.Add(time.Hour))
	repo := store.NewMemory()
	require.NoError(t, repo.CreateConversation(context.Background(),
		model.Conversation{ID: "c1", Type: "direct", UpdatedAt: t0}, []string{"alice", "bob"}))

	reg := registry.New(repo, clk, logger)
	q := queue.NewMemory(queue.Policy{Capacity: 10, MaxAge: time.Hour}, clk)
	authSvc := auth.NewService("secret", "test", time.Hour)

	router := SetupRouter(Options{
		Mode:    gin.TestMode,
		Auth:    authSvc,
		Sync:    NewSyncHandler(syncer.New(repo, clk, syncer.Config{PageSize: 2}, logger)),
		Devices: NewDeviceHandler(reg, q),
		Health:  health.NewChecker("sync-test", repo, nil, nil, nil, reg),
		Logger:  logger,
	})
	return &testAPI{router: router, auth: authSvc, repo: repo, reg: reg, queue: q}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var resp APIResponse
	if rec.Header().Get("Content-Type") != "" && bytes.HasPrefix(rec.Body.Bytes(), []byte("{")) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func (a *testAPI) token(t *testing.T, user, device string) string {
	t.Helper()
	tok, err := a.auth.GenerateAccessToken(user, device, "web")
	require.NoError(t, err)
	return tok
}

func (a *testAPI) message(t *testing.T, id string, at time.Time) {
	t.Helper()
	require.NoError(t, a.repo.InsertMessage(context.Background(), &model.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "alice",
		Content:        "body " + id,
		Type:           model.MessageTypeText,
		Timestamp:      at,
	}))
}

func TestAuth_Required(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name  string
		token string
		code  int
	}{
		{"missing token", "", apperrors.CodeUnauthorized},
		{"garbage token", "abc.def.ghi", apperrors.CodeTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := api.do(t, http.MethodGet, "/api/v1/sync?deviceId=laptop", tt.token, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestSync_PagingAndAck(t *testing.T) {
	api := newTestAPI(t)
	api.message(t, "m1", t0.Add(time.Minute))
	api.message(t, "m2", t0.Add(2*time.Minute))
	api.message(t, "m3", t0.Add(3*time.Minute))
	token := api.token(t, "bob", "laptop")

	rec, resp := api.do(t, http.MethodGet, "/api/v1/sync", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, apperrors.CodeSuccess, resp.Code)

	var page model.SyncResult
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	rec, resp = api.do(t, http.MethodPost, "/api/v1/sync/ack", token, map[string]any{
		"syncTimestamp": page.SyncTimestamp,
	})
	require.Equal(t, http.StatusOK, rec.Code, resp.Message)

	var cursor model.SyncCursor
	require.NoError(t, json.Unmarshal(resp.Data, &cursor))
	assert.Equal(t, "laptop", cursor.DeviceID)
	assert.True(t, cursor.LastSyncTimestamp.Equal(page.SyncTimestamp))

	// 未指定 lastSyncTimestamp 时从已提交的游标继续
	_, resp = api.do(t, http.MethodGet, "/api/v1/sync", token, nil)
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.NotEmpty(t, page.Items)
	last := page.Items[len(page.Items)-1]
	require.Equal(t, model.SyncMessage, last.Kind)
	assert.Equal(t, "m3", last.Message.ID)
}

func TestSync_ExplicitTimestamp(t *testing.T) {
	api := newTestAPI(t)
	api.message(t, "m1", t0.Add(time.Minute))
	api.message(t, "m2", t0.Add(2*time.Minute))
	token := api.token(t, "bob", "")

	since := strconv.FormatInt(t0.Add(time.Minute).UnixMilli(), 10)
	rec, resp := api.do(t, http.MethodGet, "/api/v1/sync?deviceId=tablet&lastSyncTimestamp="+since, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page model.SyncResult
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "m2", page.Items[0].Message.ID)
}

func TestSync_Validation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		token  string
		query  string
		status int
		code   int
	}{
		{"device required", api.token(t, "bob", ""), "", http.StatusBadRequest, apperrors.CodeInvalidParams},
		{"other device", api.token(t, "bob", "laptop"), "?deviceId=phone", http.StatusBadRequest, apperrors.CodeDeviceMismatch},
		{"bad timestamp", api.token(t, "bob", "laptop"), "?lastSyncTimestamp=yesterday", http.StatusBadRequest, apperrors.CodeInvalidCursor},
		{"bad limit", api.token(t, "bob", "laptop"), "?limit=-1", http.StatusBadRequest, apperrors.CodeInvalidParams},
		{"future cursor", api.token(t, "bob", "laptop"), "?lastSyncTimestamp=2030-01-01T00:00:00Z", http.StatusBadRequest, apperrors.CodeInvalidCursor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := api.do(t, http.MethodGet, "/api/v1/sync"+tt.query, tt.token, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestDevices_Lifecycle(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "alice", "")

	rec, resp := api.do(t, http.MethodPost, "/api/v1/devices", token, map[string]any{
		"deviceId":   "phone",
		"platform":   "ios",
		"appVersion": "2.1.0",
	})
	require.Equal(t, http.StatusOK, rec.Code, resp.Message)
	var session model.DeviceSession
	require.NoError(t, json.Unmarshal(resp.Data, &session))
	assert.Equal(t, "phone", session.DeviceID)
	assert.Equal(t, "2.1.0", session.AppVersion)
	assert.False(t, session.IsActive)

	// 仅登记的会话不算在线
	_, resp = api.do(t, http.MethodGet, "/api/v1/devices", token, nil)
	assert.JSONEq(t, `[]`, string(resp.Data))

	h := &handle{id: 1}
	_, err := api.reg.Register(context.Background(), auth.Identity{UserID: "alice", Verified: true}, "phone", "ios", model.DeviceMeta{}, h)
	require.NoError(t, err)

	_, resp = api.do(t, http.MethodGet, "/api/v1/devices", token, nil)
	var sessions []model.DeviceSession
	require.NoError(t, json.Unmarshal(resp.Data, &sessions))
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].IsActive)

	rec, _ = api.do(t, http.MethodDelete, "/api/v1/devices/phone", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(protocol.CloseDeactivated), h.closed.Load())
	assert.False(t, api.reg.IsActive(model.DeviceKey{UserID: "alice", DeviceID: "phone"}))

	rec, resp = api.do(t, http.MethodDelete, "/api/v1/devices/ghost", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeDeviceNotFound, resp.Code)
}

func TestDevices_RegisterValidation(t *testing.T) {
	api := newTestAPI(t)

	rec, resp := api.do(t, http.MethodPost, "/api/v1/devices", api.token(t, "alice", "phone"), map[string]any{
		"deviceId": "tablet",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeDeviceMismatch, resp.Code)

	rec, resp = api.do(t, http.MethodPost, "/api/v1/devices", api.token(t, "alice", ""), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeInvalidParams, resp.Code)
}

func TestDevices_QueueCount(t *testing.T) {
	api := newTestAPI(t)
	for i := range 3 {
		_, err := api.queue.Enqueue(context.Background(), model.QueueEntry{
			TargetUserID:   "bob",
			TargetDeviceID: "tablet",
			Kind:           model.KindMessage,
			Payload:        protocol.MustEncode(protocol.EventNewMessage, map[string]int{"n": i}),
			DedupKey:       "msg:" + strconv.Itoa(i),
		})
		require.NoError(t, err)
	}

	rec, resp := api.do(t, http.MethodGet, "/api/v1/devices/tablet/queue", api.token(t, "bob", ""), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deviceId":"tablet","count":3}`, string(resp.Data))
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	rec, _ := api.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var status health.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, health.StateConnected, status.Storage)

	rec, _ = api.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
