package service

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectivity 表示对象存储或追踪服务不可达，调用方应降级为警告而不是崩溃。
	ErrConnectivity = errors.New("connectivity error")
	// ErrFeatureUnavailable 表示启动探测已判定功能不可用（演示模式）。
	ErrFeatureUnavailable = errors.New("feature unavailable")
	// ErrKeyOutsidePrefix 表示要操作的 key 不在困难样本前缀之下。
	ErrKeyOutsidePrefix = errors.New("key is outside the hard-sample prefix")
)

// ReportErrorKind 是上报失败的分类。
type ReportErrorKind int

const (
	ConnectionFailed ReportErrorKind = iota + 1
	Unauthorized
	StoreRejected
)

func (k ReportErrorKind) String() string {
	switch k {
	case ConnectionFailed:
		return "connection_failed"
	case Unauthorized:
		return "unauthorized"
	case StoreRejected:
		return "store_rejected"
	default:
		return "unknown"
	}
}

// ReportError 是上报失败时返回的错误。所有种类对调用方都是非致命的。
type ReportError struct {
	Kind   ReportErrorKind
	Key    string
	Reason string
	Err    error
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("report %s failed (%s): %s", e.Key, e.Kind, e.Reason)
}

func (e *ReportError) Unwrap() error { return e.Err }

// Is 让 ConnectionFailed 可以用 errors.Is(err, ErrConnectivity) 判断。
func (e *ReportError) Is(target error) bool {
	return target == ErrConnectivity && e.Kind == ConnectionFailed
}
