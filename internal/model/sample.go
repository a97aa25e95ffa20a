// Package model 定义了困难样本流水线中流转的数据结构。
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Label 是分类器输出的预测标签，取值为封闭集合 {REAL, FAKE}。
type Label string

const (
	LabelReal Label = "REAL"
	LabelFake Label = "FAKE"
)

// ErrInvalidLabel 表示标签不在封闭集合内。
var ErrInvalidLabel = errors.New("label must be REAL or FAKE")

// ParseLabel 不区分大小写地解析标签。
func ParseLabel(s string) (Label, error) {
	l := Label(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, s)
	}
	return l, nil
}

// Valid 判断标签是否属于封闭集合。
func (l Label) Valid() bool {
	return l == LabelReal || l == LabelFake
}

// SampleRecord 是一次上报的工作单元，只在内存中短暂存在，序列化一次后写入对象存储。
type SampleRecord struct {
	ImageBytes       []byte
	Format           string // jpeg/png/gif/bmp/tiff，为空时自动识别，默认 JPEG
	OriginalFilename string
	PredictedLabel   Label
	Confidence       float64 // 百分比，[0, 100]
	CapturedAt       int64   // 编码时赋值的 Unix 时间戳（秒）
}

// HardSample 是对象存储中一条困难样本的列表视图，Key 中的元数据已被解析出来。
type HardSample struct {
	Key              string    `json:"key"`
	Parsed           bool      `json:"parsed"`
	Label            Label     `json:"label,omitempty"`
	Confidence       float64   `json:"confidence"`
	CapturedAt       int64     `json:"capturedAt"`
	OriginalFilename string    `json:"originalFilename,omitempty"`
	Size             int64     `json:"size"`
	LastModified     time.Time `json:"lastModified"`
}

// ObjectError 记录合并过程中单个对象的失败。
type ObjectError struct {
	Key     string `json:"key"`
	Stage   string `json:"stage"` // download / cleanup / name
	Message string `json:"error"`
	Err     error  `json:"-"`
}

// NewObjectError 构造一个 ObjectError。
func NewObjectError(key, stage string, err error) ObjectError {
	return ObjectError{Key: key, Stage: stage, Message: err.Error(), Err: err}
}

// MergeReport 是一次合并任务的结果。
type MergeReport struct {
	RunID    string        `json:"runId"`
	LocalDir string        `json:"localDir"`
	Prefix   string        `json:"prefix"`
	Listed   int           `json:"listed"`
	Count    int           `json:"count"`
	Skipped  int           `json:"skipped"`
	Cleaned  int           `json:"cleaned"`
	Errors   []ObjectError `json:"errors"`

	// Overwritten 记录本次运行中覆盖了同名本地文件的文件名（运行前已存在，或本次运行中已写入过）。
	// 合并只保留原始文件名，这是已知的策略而不是缺陷。
	Overwritten []string  `json:"overwritten"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// Err 在存在单对象失败时返回 *PartialMergeError，否则返回 nil。
func (r *MergeReport) Err() error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	return &PartialMergeError{Total: r.Listed - r.Skipped, Errors: r.Errors}
}

// PartialMergeError 表示批处理中有对象失败，但批处理本身继续执行完毕。
type PartialMergeError struct {
	Total  int
	Errors []ObjectError
}

func (e *PartialMergeError) Error() string {
	return fmt.Sprintf("partial merge: %d of %d objects failed", len(e.Errors), e.Total)
}

// ConnectivityStatus 是启动时对外部依赖做一次有界超时探测的结果。
type ConnectivityStatus struct {
	Component string    `json:"component"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}
