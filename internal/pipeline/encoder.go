// Package pipeline 实现困难样本的编码：把内存中的图片和预测元数据转换为存储 key 与字节负载。
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // 注册 GIF 解码器
	_ "image/jpeg" // 注册 JPEG 解码器
	_ "image/png"  // 注册 PNG 解码器
	"math"
	"strings"
	"time"

	"deepfake-mlops-go/internal/model"

	"github.com/disintegration/imaging"
)

var (
	ErrEmptyImage        = errors.New("image payload is empty")
	ErrInvalidFilename   = errors.New("filename is empty after sanitizing")
	ErrInvalidConfidence = errors.New("confidence must be a finite percentage in [0, 100]")
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// EncodingError 表示图片或元数据无法序列化，只影响当前这一条样本。
type EncodingError struct {
	Field string // image / label / confidence / filename
	Err   error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode sample %s: %v", e.Field, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// EncodedSample 是编码结果。
type EncodedSample struct {
	Key         string
	Payload     []byte
	ContentType string
	Format      string
	CapturedAt  int64
}

// Encoder 是纯函数式的样本编码器，唯一的副作用是读取一次时钟。
type Encoder struct {
	prefix string
	now    func() time.Time
}

// NewEncoder 创建编码器；now 为 nil 时使用 time.Now。
func NewEncoder(prefix string, now func() time.Time) *Encoder {
	if now == nil {
		now = time.Now
	}
	return &Encoder{prefix: strings.Trim(prefix, "/"), now: now}
}

// Encode 校验元数据、按声明格式重新编码图片，并计算存储 key。
// 成功时会回填 rec.CapturedAt。
func (e *Encoder) Encode(rec *model.SampleRecord) (*EncodedSample, error) {
	if !rec.PredictedLabel.Valid() {
		return nil, &EncodingError{Field: "label", Err: fmt.Errorf("%w: %q", model.ErrInvalidLabel, rec.PredictedLabel)}
	}
	if math.IsNaN(rec.Confidence) || math.IsInf(rec.Confidence, 0) || rec.Confidence < 0 || rec.Confidence > 100 {
		return nil, &EncodingError{Field: "confidence", Err: fmt.Errorf("%w: got %v", ErrInvalidConfidence, rec.Confidence)}
	}
	filename, err := SanitizeFilename(rec.OriginalFilename)
	if err != nil {
		return nil, &EncodingError{Field: "filename", Err: err}
	}

	payload, format, err := reencode(rec.ImageBytes, rec.Format)
	if err != nil {
		return nil, &EncodingError{Field: "image", Err: err}
	}

	capturedAt := e.now().Unix()
	rec.CapturedAt = capturedAt
	return &EncodedSample{
		Key:         BuildKey(e.prefix, rec.PredictedLabel, rec.Confidence, capturedAt, filename),
		Payload:     payload,
		ContentType: contentTypes[format],
		Format:      strings.ToLower(format.String()),
		CapturedAt:  capturedAt,
	}, nil
}

// SanitizeFilename 把 key 命名空间使用的路径分隔符替换为 "_"。
// 选择清洗而不是拒绝，是为了兼容浏览器上传时带目录的文件名，例如 C:\fakes\a.jpg。
func SanitizeFilename(name string) (string, error) {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "", ErrInvalidFilename
	}
	return name, nil
}

var contentTypes = map[imaging.Format]string{
	imaging.JPEG: "image/jpeg",
	imaging.PNG:  "image/png",
	imaging.GIF:  "image/gif",
	imaging.BMP:  "image/bmp",
	imaging.TIFF: "image/tiff",
}

// reencode 解码图片并按声明格式重新编码。declared 为空时沿用源格式，无法识别时默认 JPEG。
func reencode(data []byte, declared string) ([]byte, imaging.Format, error) {
	if len(data) == 0 {
		return nil, imaging.JPEG, ErrEmptyImage
	}

	format := imaging.JPEG
	if declared != "" {
		f, err := imaging.FormatFromExtension(strings.TrimPrefix(strings.ToLower(declared), "."))
		if err != nil {
			return nil, imaging.JPEG, fmt.Errorf("%w: %s", ErrUnsupportedFormat, declared)
		}
		format = f
	} else if _, detected, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		if f, err := imaging.FormatFromExtension(detected); err == nil {
			format = f
		}
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, fmt.Errorf("decode: %w", err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format); err != nil {
		return nil, format, fmt.Errorf("encode as %s: %w", format, err)
	}
	return buf.Bytes(), format, nil
}
