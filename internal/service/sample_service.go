package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"deepfake-mlops-go/internal/model"
	"deepfake-mlops-go/internal/pipeline"
	"deepfake-mlops-go/pkg/log"
	"deepfake-mlops-go/pkg/storage"
)

// SampleService 接口定义了运维人员对已上报困难样本的查看与清理操作。
type SampleService interface {
	List(ctx context.Context) ([]model.HardSample, error)
	Delete(ctx context.Context, key string) error
	DownloadURL(ctx context.Context, key string) (string, error)
}

// downloadURLExpiry 是预览链接的有效期。
const downloadURLExpiry = time.Hour

type sampleService struct {
	store  storage.ObjectStore
	prefix string
}

// NewSampleService 创建一个新的 SampleService 实例。
func NewSampleService(store storage.ObjectStore, prefix string) SampleService {
	return &sampleService{store: store, prefix: strings.Trim(prefix, "/")}
}

// List 列出前缀下的全部困难样本，跳过文件夹占位对象。无法解析的 key 仍会返回，Parsed 为 false。
func (s *sampleService) List(ctx context.Context) ([]model.HardSample, error) {
	if s.store == nil {
		return nil, ErrFeatureUnavailable
	}
	objects, err := s.store.ListObjects(ctx, s.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.prefix, err)
	}

	samples := make([]model.HardSample, 0, len(objects))
	for _, obj := range objects {
		if storage.IsDirMarker(obj.Key) {
			continue
		}
		sample := model.HardSample{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified}
		if parts, ok := pipeline.ParseKey(obj.Key); ok {
			sample.Parsed = true
			sample.Label = parts.Label
			sample.Confidence = parts.Confidence
			sample.CapturedAt = parts.CapturedAt
			sample.OriginalFilename = parts.OriginalFilename
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// Delete 删除一个困难样本。只允许删除前缀下的 key。
func (s *sampleService) Delete(ctx context.Context, key string) error {
	if s.store == nil {
		return ErrFeatureUnavailable
	}
	if !s.owns(key) {
		return fmt.Errorf("%w: %s", ErrKeyOutsidePrefix, key)
	}
	if err := s.store.RemoveObject(ctx, key); err != nil {
		log.Errorf("[SampleService] 删除困难样本失败, key: %s, error: %v", key, err)
		return err
	}
	log.Infof("[SampleService] 困难样本已删除, key: %s", key)
	return nil
}

// DownloadURL 为前缀下的样本生成预签名下载链接，有效期为 1 小时。
func (s *sampleService) DownloadURL(ctx context.Context, key string) (string, error) {
	if s.store == nil {
		return "", ErrFeatureUnavailable
	}
	if !s.owns(key) {
		return "", fmt.Errorf("%w: %s", ErrKeyOutsidePrefix, key)
	}
	u, err := s.store.PresignGet(ctx, key, downloadURLExpiry)
	if err != nil {
		log.Warnf("[SampleService] 生成下载链接失败, key: %s, error: %v", key, err)
		return "", err
	}
	return u, nil
}

func (s *sampleService) owns(key string) bool {
	rest, ok := strings.CutPrefix(key, s.prefix+"/")
	if !ok || rest == "" || storage.IsDirMarker(key) {
		return false
	}
	for _, seg := range strings.Split(rest, "/") {
		if seg == ".." || seg == "." {
			return false
		}
	}
	return true
}
