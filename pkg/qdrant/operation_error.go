package qdrant

import (
	"context"
	"errors"
	"fmt"
	"net"

	"lumina-iq/pkg/apperr"
)

type OperationErrorCode string

const (
	OperationErrorValidation      OperationErrorCode = "validation_failed"
	OperationErrorEncodeFailed    OperationErrorCode = "encode_failed"
	OperationErrorDecodeFailed    OperationErrorCode = "decode_failed"
	OperationErrorTransportFailed OperationErrorCode = "transport_failed"
	OperationErrorTimeout         OperationErrorCode = "timeout"
	OperationErrorQueryFailed     OperationErrorCode = "query_failed"
)

// OperationError 描述一次失败的 Qdrant 调用。
type OperationError struct {
	Code       OperationErrorCode
	Operation  string
	StatusCode int
	Message    string
	Cause      error
}

func (e *OperationError) Error() string {
	if e.Message != "" && e.Cause != nil {
		return fmt.Sprintf("qdrant %s failed (code=%s status=%d): %s: %v", e.Operation, e.Code, e.StatusCode, e.Message, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("qdrant %s failed (code=%s status=%d): %s", e.Operation, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("qdrant %s failed (code=%s status=%d): %v", e.Operation, e.Code, e.StatusCode, e.Cause)
}

func (e *OperationError) Unwrap() error { return e.Cause }

// kind 把错误码折算为应用层错误类别。
func (e *OperationError) kind() apperr.Kind {
	switch e.Code {
	case OperationErrorValidation:
		return apperr.Validation
	case OperationErrorTimeout, OperationErrorTransportFailed:
		return apperr.UpstreamUnavailable
	case OperationErrorQueryFailed:
		if e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == 429 {
			return apperr.UpstreamUnavailable
		}
		return apperr.UpstreamError
	default:
		return apperr.UpstreamError
	}
}

func wrap(e *OperationError) error {
	return &apperr.Error{Kind: e.kind(), Op: "qdrant." + e.Operation, Err: e}
}

func opErr(op string, code OperationErrorCode, msg string, cause error) error {
	return wrap(&OperationError{Code: code, Operation: op, Message: msg, Cause: cause})
}

func classifyHTTPCallError(op, message string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}
