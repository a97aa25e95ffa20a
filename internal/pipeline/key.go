package pipeline

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"deepfake-mlops-go/internal/model"
)

// BuildKey 按照下游约定拼接存储 key：
//
//	<prefix>/<LABEL>_<confidence:.2f>_<unix_timestamp>_<original_filename>
//
// 该格式需要与桶的其它消费者保持一致，不能随意修改。
func BuildKey(prefix string, label model.Label, confidence float64, capturedAt int64, filename string) string {
	return fmt.Sprintf("%s/%s_%.2f_%d_%s", strings.Trim(prefix, "/"), label, confidence, capturedAt, filename)
}

// KeyParts 是从存储 key 中解析出的元数据。
type KeyParts struct {
	Label            model.Label
	Confidence       float64
	CapturedAt       int64
	OriginalFilename string
}

// ParseKey 是 BuildKey 的逆操作。只切分 basename 的前三个 "_"，
// 因此原始文件名中包含 "_" 也能完整还原。
func ParseKey(key string) (KeyParts, bool) {
	parts := strings.SplitN(path.Base(key), "_", 4)
	if len(parts) != 4 || parts[3] == "" {
		return KeyParts{}, false
	}
	label, err := model.ParseLabel(parts[0])
	if err != nil || string(label) != parts[0] {
		return KeyParts{}, false
	}
	confidence, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return KeyParts{}, false
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return KeyParts{}, false
	}
	return KeyParts{Label: label, Confidence: confidence, CapturedAt: ts, OriginalFilename: parts[3]}, true
}
