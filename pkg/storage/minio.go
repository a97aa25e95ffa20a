package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"deepfake-mlops-go/internal/config"
	"deepfake-mlops-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore 是基于 minio-go 的 ObjectStore 实现，绑定到一个存储桶。
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIO 初始化 MinIO 客户端。
// 这里不会发起网络请求，也不会创建存储桶：存储桶必须事先存在，由运维负责。
func NewMinIO(cfg config.MinIOConfig) (*MinIOStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	endpoint, secure := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	log.Infof("MinIO 客户端初始化成功, endpoint: %s, bucket: %s", endpoint, cfg.BucketName)
	return &MinIOStore{client: client, bucket: cfg.BucketName}, nil
}

// normalizeEndpoint 兼容 "http://localhost:9000" 这种带 scheme 的写法。
func normalizeEndpoint(endpoint string, useSSL bool) (string, bool) {
	endpoint = strings.TrimSpace(endpoint)
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), false
	}
	return strings.TrimSuffix(endpoint, "/"), useSSL
}

// Bucket 返回绑定的存储桶名称。
func (s *MinIOStore) Bucket() string { return s.bucket }

// WithBucket 返回一个共享底层连接、但作用于另一个存储桶的 ObjectStore。
func (s *MinIOStore) WithBucket(bucket string) ObjectStore {
	return &MinIOStore{client: s.client, bucket: bucket}
}

// PutObject 上传一个对象。
func (s *MinIOStore) PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	return wrapErr("put", key, err)
}

// ListObjects 递归列出前缀下的对象。
func (s *MinIOStore) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, wrapErr("list", prefix, obj.Err)
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
		})
	}
	return objects, nil
}

// DownloadObject 通过 FGetObject 下载对象。minio-go 先写入临时 part 文件，成功后再重命名。
func (s *MinIOStore) DownloadObject(ctx context.Context, key, localPath string) error {
	return wrapErr("download", key, s.client.FGetObject(ctx, s.bucket, key, localPath, minio.GetObjectOptions{}))
}

// CopyObject 在同一存储桶内复制对象。
func (s *MinIOStore) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	src := minio.CopySrcOptions{Bucket: s.bucket, Object: srcKey}
	dst := minio.CopyDestOptions{Bucket: s.bucket, Object: dstKey}
	_, err := s.client.CopyObject(ctx, dst, src)
	return wrapErr("copy", srcKey, err)
}

// RemoveObject 删除一个对象。
func (s *MinIOStore) RemoveObject(ctx context.Context, key string) error {
	return wrapErr("remove", key, s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}))
}

// BucketExists 检查绑定的存储桶是否存在，同时用作连通性探测。
func (s *MinIOStore) BucketExists(ctx context.Context) (bool, error) {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return false, wrapErr("bucket-exists", "", err)
	}
	return exists, nil
}

// PresignGet 生成预签名的下载 URL。
func (s *MinIOStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", wrapErr("presign", key, err)
	}
	return u.String(), nil
}
