// Package apperr 定义跨层传递的错误类别，并在 HTTP 边界统一映射为状态码。
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind 是错误类别。
type Kind string

const (
	Validation          Kind = "validation"
	NotFound            Kind = "not_found"
	NoDocument          Kind = "no_document"
	UpstreamUnavailable Kind = "upstream_unavailable"
	UpstreamError       Kind = "upstream_error"
	Internal            Kind = "internal"
)

// Error 携带类别、操作名与底层错误。
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": " + string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New 创建一个不带底层错误的 Error。
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap 包装底层错误。err 已经带有类别时保留其类别；超时与网络错误归为 UpstreamUnavailable。
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return &Error{Kind: ae.Kind, Op: op, Err: err}
	}
	if IsTimeout(err) {
		kind = UpstreamUnavailable
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 返回错误链上第一个 Error 的类别，未知错误视为 Internal。
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if IsTimeout(err) {
		return UpstreamUnavailable
	}
	return Internal
}

// Is 判断错误是否属于指定类别。
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTimeout 识别 context 超时与网络超时。
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Retryable 表示调用方重新提交请求是否有意义。
func Retryable(err error) bool {
	switch KindOf(err) {
	case UpstreamUnavailable, UpstreamError:
		return true
	default:
		return false
	}
}

// HTTPStatus 把错误类别映射为 HTTP 状态码。
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation, NoDocument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case UpstreamUnavailable:
		return http.StatusServiceUnavailable
	case UpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message 返回面向客户端的错误描述。
func Message(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if ae, ok := e.(*Error); ok && ae.Msg != "" {
			return ae.Msg
		}
	}
	return err.Error()
}
