package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/minio/minio-go/v7"
)

var (
	// ErrUnreachable 表示对象存储无法连接或请求超时。
	ErrUnreachable = errors.New("object store unreachable")
	// ErrUnauthorized 表示凭证被拒绝。
	ErrUnauthorized = errors.New("object store rejected credentials")
	// ErrNotFound 表示存储桶或对象不存在。
	ErrNotFound = errors.New("object or bucket not found")
	// ErrRejected 表示对象存储拒绝了请求（其它所有服务端错误）。
	ErrRejected = errors.New("object store rejected request")
)

// OpError 是对象存储操作失败时返回的错误，Kind 是归类后的哨兵错误。
type OpError struct {
	Op   string
	Key  string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error { return []error{e.Kind, e.Err} }

// Reason 返回服务端给出的原始原因，用于展示。
func (e *OpError) Reason() string {
	if resp := errorResponse(e.Err); resp.Code != "" {
		if resp.Message != "" {
			return resp.Code + ": " + resp.Message
		}
		return resp.Code
	}
	return e.Err.Error()
}

func wrapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Key: key, Kind: Classify(err), Err: err}
}

// Classify 把底层错误归类为 ErrUnreachable / ErrUnauthorized / ErrNotFound / ErrRejected 之一。
func Classify(err error) error {
	for _, kind := range []error{ErrUnreachable, ErrUnauthorized, ErrNotFound, ErrRejected} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrUnreachable
	}

	resp := errorResponse(err)
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		return ErrUnauthorized
	case "NoSuchBucket", "NoSuchKey":
		return ErrNotFound
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return ErrRejected
}

// errorResponse 沿错误链查找 minio.ErrorResponse，找不到时返回零值。
func errorResponse(err error) minio.ErrorResponse {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp
	}
	return minio.ToErrorResponse(err)
}
