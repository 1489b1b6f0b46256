package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.sync/internal/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    apperrors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// ErrorFromAppError 从 AppError 生成错误响应，HTTP 状态码由错误类别决定
func ErrorFromAppError(c *gin.Context, err error) {
	c.JSON(StatusOf(err), Response{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
		Data:    nil,
	})
}

// Unauthorized 未认证
func Unauthorized(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
		Data:    nil,
	})
}

// StatusOf 错误类别对应的 HTTP 状态码
func StatusOf(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindUnauthorized:
		if apperrors.Is(err, apperrors.ErrNotParticipant) || apperrors.Is(err, apperrors.ErrNotAuthor) {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindTransient:
		return http.StatusServiceUnavailable
	case apperrors.KindOverflow:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
