package errors

import (
	"errors"
	"fmt"
)

// Kind 错误类别，决定错误的传播与重试策略
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindValidation
	KindNotFound
	KindTransient
	KindOverflow
)

// String 返回错误类别名称
func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindOverflow:
		return "overflow"
	default:
		return "internal"
	}
}

// AppError 应用错误类型
// 包含错误码、类别和用户可见的错误消息
type AppError struct {
	Code    int    // 错误码
	Kind    Kind   // 错误类别
	Message string // 用户可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, kind Kind, message string) *AppError {
	return &AppError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Kind:    e.Kind,
		Message: e.Message,
		Err:     err,
	}
}

// WithMessage 替换用户可见消息，保留错误码与类别
func (e *AppError) WithMessage(format string, args ...any) *AppError {
	return &AppError{
		Code:    e.Code,
		Kind:    e.Kind,
		Message: fmt.Sprintf(format, args...),
		Err:     e.Err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// KindOf 获取错误类别，非 AppError 视为内部错误
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind 判断错误是否属于指定类别
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable 只有 Transient 错误允许自动重试
func Retryable(err error) bool {
	return IsKind(err, KindTransient)
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 认证相关 10000-10999
	CodeUnauthorized   = 10001
	CodeTokenInvalid   = 10003
	CodeTokenExpired   = 10004
	CodeNotParticipant = 10005
	CodeNotAuthor      = 10006

	// 参数校验 11000-11999
	CodeInvalidParams  = 11001
	CodeEmptyMessage   = 11002
	CodeInvalidMedia   = 11003
	CodeInvalidCursor  = 11004
	CodeUnknownEvent   = 11005
	CodeNotRegistered  = 11006
	CodeDeviceMismatch = 11007

	// 资源不存在 12000-12999
	CodeConversationNotFound = 12001
	CodeMessageNotFound      = 12002
	CodeDeviceNotFound       = 12003

	// 队列 13000-13999
	CodeQueueOverflow = 13001

	// 系统错误 50000-50999
	CodeServerError    = 50001
	CodeStorageError   = 50002
	CodeTransportError = 50003
)

// ============== 预定义错误 ==============

// 认证相关
var (
	ErrUnauthorized   = NewError(CodeUnauthorized, KindUnauthorized, "unverified identity")
	ErrTokenInvalid   = NewError(CodeTokenInvalid, KindUnauthorized, "token invalid")
	ErrTokenExpired   = NewError(CodeTokenExpired, KindUnauthorized, "token expired")
	ErrNotParticipant = NewError(CodeNotParticipant, KindUnauthorized, "not a participant of this conversation")
	ErrNotAuthor      = NewError(CodeNotAuthor, KindUnauthorized, "only the author can change this message")
)

// 参数校验
var (
	ErrInvalidParams  = NewError(CodeInvalidParams, KindValidation, "invalid parameters")
	ErrEmptyMessage   = NewError(CodeEmptyMessage, KindValidation, "message content is empty")
	ErrInvalidMedia   = NewError(CodeInvalidMedia, KindValidation, "invalid media reference")
	ErrInvalidCursor  = NewError(CodeInvalidCursor, KindValidation, "invalid sync cursor")
	ErrUnknownEvent   = NewError(CodeUnknownEvent, KindValidation, "unknown event")
	ErrNotRegistered  = NewError(CodeNotRegistered, KindValidation, "device is not registered on this connection")
	ErrDeviceMismatch = NewError(CodeDeviceMismatch, KindValidation, "device id does not match token")
)

// 资源不存在
var (
	ErrConversationNotFound = NewError(CodeConversationNotFound, KindNotFound, "conversation not found")
	ErrMessageNotFound      = NewError(CodeMessageNotFound, KindNotFound, "message not found")
	ErrDeviceNotFound       = NewError(CodeDeviceNotFound, KindNotFound, "device session not found")
)

// 队列
var (
	ErrQueueOverflow = NewError(CodeQueueOverflow, KindOverflow, "offline queue capacity exceeded")
)

// 系统相关
var (
	ErrServerError = NewError(CodeServerError, KindInternal, "internal server error")
	ErrStorage     = NewError(CodeStorageError, KindTransient, "storage unavailable")
	ErrTransport   = NewError(CodeTransportError, KindTransient, "transport unavailable")
)
