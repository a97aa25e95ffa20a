// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"context"
	"io"
	"time"
)

// ObjectInfo 描述存储桶中的一个对象。
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// ObjectStore 是流水线依赖的对象存储最小接口，所有方法都作用于同一个存储桶。
type ObjectStore interface {
	// PutObject 单次阻塞写入；成功即对象可见，失败则视为对象不存在。
	PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// ListObjects 递归列出前缀下的所有对象，返回调用时刻的快照。
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// DownloadObject 将对象下载到本地路径，失败时目标路径不会留下半截文件。
	DownloadObject(ctx context.Context, key, localPath string) error
	CopyObject(ctx context.Context, srcKey, dstKey string) error
	RemoveObject(ctx context.Context, key string) error
	BucketExists(ctx context.Context) (bool, error)
	// PresignGet 生成一个限时的下载链接，供运维人员预览样本。
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// IsDirMarker 判断 key 是否为空“文件夹”占位对象。
func IsDirMarker(key string) bool {
	return key == "" || key[len(key)-1] == '/'
}
