package httpapi

import (
	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/queue"
	"sudooom.im.sync/internal/registry"
	"sudooom.im.sync/pkg/response"
)

// DeviceHandler 设备会话管理
type DeviceHandler struct {
	registry *registry.Registry
	queue    queue.Queue
}

func NewDeviceHandler(reg *registry.Registry, q queue.Queue) *DeviceHandler {
	return &DeviceHandler{registry: reg, queue: q}
}

type registerDeviceRequest struct {
	DeviceID   string `json:"deviceId" binding:"required"`
	Platform   string `json:"platform"`
	UserAgent  string `json:"userAgent"`
	AppVersion string `json:"appVersion"`
}

type queueCountResponse struct {
	DeviceID string `json:"deviceId"`
	Count    int    `json:"count"`
}

// Register 登记设备会话，不建立实时连接
// POST /api/v1/devices
func (h *DeviceHandler) Register(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorFromAppError(c, apperrors.ErrInvalidParams.WithMessage("%v", err))
		return
	}

	session, err := h.registry.Upsert(c.Request.Context(), GetIdentity(c), req.DeviceID, req.Platform, model.DeviceMeta{
		UserAgent:  req.UserAgent,
		AppVersion: req.AppVersion,
	})
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, session)
}

// List 当前在线的设备会话
// GET /api/v1/devices
func (h *DeviceHandler) List(c *gin.Context) {
	sessions := h.registry.ActiveSessions(GetIdentity(c).UserID)
	if sessions == nil {
		sessions = []model.DeviceSession{}
	}
	response.Success(c, sessions)
}

// Deactivate 终止设备会话并关闭其连接
// DELETE /api/v1/devices/:deviceId
func (h *DeviceHandler) Deactivate(c *gin.Context) {
	session, ok := h.registry.Deactivate(c.Request.Context(), GetIdentity(c).UserID, c.Param("deviceId"))
	if !ok {
		response.ErrorFromAppError(c, apperrors.ErrDeviceNotFound)
		return
	}
	response.Success(c, session)
}

// QueueCount 设备离线队列中待投递的条目数
// GET /api/v1/devices/:deviceId/queue
func (h *DeviceHandler) QueueCount(c *gin.Context) {
	key := model.DeviceKey{UserID: GetIdentity(c).UserID, DeviceID: c.Param("deviceId")}
	count, err := h.queue.Count(c.Request.Context(), key)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, queueCountResponse{DeviceID: key.DeviceID, Count: count})
}
