// Package apperr 定义会话网关统一的错误分类
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误类别
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidInput 调用方错误，不自动重试
	KindInvalidInput
	// KindTransientIO 网络/服务抖动，由退避执行器重试
	KindTransientIO
	// KindUnrecoverable 显式断连或重试预算耗尽，会话进入Error
	KindUnrecoverable
	// KindDegraded 非致命，仅作提示
	KindDegraded
	// KindNotConfigured 后端配置缺失或不可达，从不重试
	KindNotConfigured
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "INVALID_INPUT"
	case KindTransientIO:
		return "TRANSIENT_IO"
	case KindUnrecoverable:
		return "UNRECOVERABLE"
	case KindDegraded:
		return "DEGRADED"
	case KindNotConfigured:
		return "NOT_CONFIGURED"
	default:
		return "UNKNOWN"
	}
}

// Error 带类别的错误
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 同类别的 *Error 视为相等，便于 errors.Is(err, apperr.InvalidInput)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// 类别哨兵
var (
	InvalidInput  = &Error{Kind: KindInvalidInput}
	TransientIO   = &Error{Kind: KindTransientIO}
	Unrecoverable = &Error{Kind: KindUnrecoverable}
	Degraded      = &Error{Kind: KindDegraded}
	NotConfigured = &Error{Kind: KindNotConfigured}
)

// New 创建指定类别的错误
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap 给已有错误附加类别，err为nil时返回nil
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 返回错误链上第一个 *Error 的类别
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsPermanent 判断错误是否不应被自动重试
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindInvalidInput, KindNotConfigured, KindUnrecoverable:
		return true
	}
	return false
}

// HTTPStatus 错误类别到HTTP状态码的映射
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotConfigured:
		return http.StatusInternalServerError
	case KindTransientIO:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
