// Package storagetest 提供内存版的 ObjectStore，供各层测试使用。
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"deepfake-mlops-go/pkg/storage"
)

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryStore 是线程安全的内存对象存储，可按 key 注入失败。
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]object

	// PutErr 非空时所有 PutObject 都返回该错误。
	PutErr error
	// ListErr 非空时 ListObjects 返回该错误。
	ListErr error
	// BucketErr 非空时 BucketExists 返回该错误。
	BucketErr error
	// NoBucket 为 true 时 BucketExists 返回 false。
	NoBucket bool
	// DownloadErrs 按 key 注入下载失败。
	DownloadErrs map[string]error
	// RemoveErrs 按 key 注入删除失败。
	RemoveErrs map[string]error
	// OnDownload 在每次下载成功后调用，用于模拟并发写入或取消。
	OnDownload func(key string)

	Puts      int
	Downloads int
}

// NewMemoryStore 创建一个空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:      make(map[string]object),
		DownloadErrs: make(map[string]error),
		RemoveErrs:   make(map[string]error),
	}
}

// Seed 直接写入一个对象，不计入 Puts。
func (m *MemoryStore) Seed(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = object{data: data, modified: time.Now()}
}

// Get 返回对象内容。
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj.data, ok
}

// ContentType 返回对象的 Content-Type。
func (m *MemoryStore) ContentType(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key].contentType
}

// Keys 返回排序后的全部 key。
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryStore) PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return &storage.OpError{Op: "put", Key: key, Kind: storage.ErrUnreachable, Err: err}
	}
	if m.PutErr != nil {
		return m.PutErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Puts++
	m.objects[key] = object{data: data, contentType: contentType, modified: time.Now()}
	return nil
}

func (m *MemoryStore) ListObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.ObjectInfo
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, storage.ObjectInfo{Key: k, Size: int64(len(obj.data)), ContentType: obj.contentType, LastModified: obj.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) DownloadObject(ctx context.Context, key, localPath string) error {
	if err, ok := m.DownloadErrs[key]; ok {
		return err
	}
	m.mu.Lock()
	obj, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return &storage.OpError{Op: "download", Key: key, Kind: storage.ErrNotFound, Err: os.ErrNotExist}
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	tmp := localPath + ".part"
	if err := os.WriteFile(tmp, bytes.Clone(obj.data), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, localPath); err != nil {
		return err
	}
	m.mu.Lock()
	m.Downloads++
	m.mu.Unlock()
	if m.OnDownload != nil {
		m.OnDownload(key)
	}
	return nil
}

func (m *MemoryStore) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[srcKey]
	if !ok {
		return &storage.OpError{Op: "copy", Key: srcKey, Kind: storage.ErrNotFound, Err: os.ErrNotExist}
	}
	m.objects[dstKey] = obj
	return nil
}

func (m *MemoryStore) RemoveObject(ctx context.Context, key string) error {
	if err, ok := m.RemoveErrs[key]; ok {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) BucketExists(ctx context.Context) (bool, error) {
	if m.BucketErr != nil {
		return false, m.BucketErr
	}
	return !m.NoBucket, nil
}

// PresignGet 返回一个 memory:// 形式的伪链接，对象不存在时返回 NotFound。
func (m *MemoryStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", &storage.OpError{Op: "presign", Key: key, Kind: storage.ErrNotFound, Err: os.ErrNotExist}
	}
	return fmt.Sprintf("memory://bucket/%s?expires=%d", key, int64(expiry.Seconds())), nil
}

var _ storage.ObjectStore = (*MemoryStore)(nil)
