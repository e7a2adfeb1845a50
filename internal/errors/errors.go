package errors

import (
	"errors"
	"fmt"
)

// AppError 聊天模块错误类型
// 返回给界面层的错误都是 AppError，传输层错误只在连接管理器内部流转
type AppError struct {
	Code    int    // 错误码
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
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// WithMessage 替换用户可见消息，保留错误码
func (e *AppError) WithMessage(message string) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: message,
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
	return "服务器内部错误"
}

// Retryable 错误是否可以重试
// 校验错误重试也不会成功，其余错误都允许界面层再次发起
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !Is(err, ErrValidation)
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 连接相关 20000-20999
	CodeConnection    = 20001
	CodeNotConnected  = 20002
	CodeInvokeTimeout = 20003
	CodeInvokeFailed  = 20004
	CodeTokenInvalid  = 20005
	CodeTokenExpired  = 20006

	// 数据相关 21000-21999
	CodeHistoryUnavailable   = 21001
	CodeDirectoryUnavailable = 21002

	// 参数相关 22000-22999
	CodeValidation = 22001

	// 系统错误 50000-50999
	CodeServerError     = 50001
	CodeTooManyRequests = 50003
)

// ============== 预定义错误 ==============

// 连接相关
var (
	ErrConnection    = NewError(CodeConnection, "连接消息服务失败")
	ErrNotConnected  = NewError(CodeNotConnected, "尚未连接到消息服务")
	ErrInvokeTimeout = NewError(CodeInvokeTimeout, "请求超时")
	ErrInvokeFailed  = NewError(CodeInvokeFailed, "消息服务处理失败")
	ErrTokenInvalid  = NewError(CodeTokenInvalid, "Token 无效")
	ErrTokenExpired  = NewError(CodeTokenExpired, "Token 已过期")
)

// 数据相关
var (
	ErrHistoryUnavailable   = NewError(CodeHistoryUnavailable, "聊天记录加载失败")
	ErrDirectoryUnavailable = NewError(CodeDirectoryUnavailable, "会话列表加载失败")
)

// 参数相关
var (
	ErrValidation = NewError(CodeValidation, "参数校验失败")
)

// 系统相关
var (
	ErrServerError     = NewError(CodeServerError, "服务器内部错误")
	ErrTooManyRequests = NewError(CodeTooManyRequests, "请求过于频繁，请稍后再试")
)
