package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/syncer"
	"sudooom.im.sync/pkg/response"
)

// SyncHandler 请求/响应通道的增量同步
type SyncHandler struct {
	coordinator *syncer.Coordinator
}

func NewSyncHandler(coordinator *syncer.Coordinator) *SyncHandler {
	return &SyncHandler{coordinator: coordinator}
}

type syncAckRequest struct {
	DeviceID      string    `json:"deviceId"`
	SyncTimestamp time.Time `json:"syncTimestamp" binding:"required"`
}

// Sync 拉取游标之后的变更
// GET /api/v1/sync?deviceId=&lastSyncTimestamp=&limit=
func (h *SyncHandler) Sync(c *gin.Context) {
	identity := GetIdentity(c)
	deviceID, err := resolveDevice(c.Query("deviceId"), identity.DeviceID)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}

	since, err := parseTimestamp(c.Query("lastSyncTimestamp"))
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			response.ErrorFromAppError(c, apperrors.ErrInvalidParams.WithMessage("invalid limit"))
			return
		}
	}

	result, err := h.coordinator.Sync(c.Request.Context(), identity.UserID, deviceID, since, limit)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, result)
}

// Ack 设备持久化一页变更后提交游标
// POST /api/v1/sync/ack
func (h *SyncHandler) Ack(c *gin.Context) {
	var req syncAckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorFromAppError(c, apperrors.ErrInvalidParams.WithMessage("%v", err))
		return
	}

	identity := GetIdentity(c)
	deviceID, err := resolveDevice(req.DeviceID, identity.DeviceID)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}

	cursor, err := h.coordinator.Commit(c.Request.Context(), identity.UserID, deviceID, req.SyncTimestamp)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, cursor)
}

// resolveDevice 请求未指定设备时使用令牌绑定的设备，令牌已绑定设备时不允许访问其他设备
func resolveDevice(requested, bound string) (string, error) {
	switch {
	case requested == "" && bound == "":
		return "", apperrors.ErrInvalidParams.WithMessage("deviceId is required")
	case requested == "":
		return bound, nil
	case bound != "" && requested != bound:
		return "", apperrors.ErrDeviceMismatch
	default:
		return requested, nil
	}
}

// parseTimestamp 支持 RFC3339 与毫秒时间戳，空串表示使用已提交的游标
func parseTimestamp(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		ts := time.UnixMilli(ms).UTC()
		return &ts, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, apperrors.ErrInvalidCursor.WithMessage("invalid lastSyncTimestamp %q", raw)
	}
	return &ts, nil
}
