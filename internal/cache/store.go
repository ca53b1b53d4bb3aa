package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Storage 管理全部命名缓存桶（每个 generation 一个），对应浏览器中的 CacheStorage。
type Storage interface {
	// Open 返回名为 name 的缓存桶，不存在时创建；重复调用是幂等的。
	Open(ctx context.Context, name string) (Store, error)

	// Delete 删除整个缓存桶，返回值表示该桶在删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 返回当前已存在的缓存桶名称（按字典序）。
	Names(ctx context.Context) ([]string, error)

	// Close 释放底层连接或句柄。
	Close() error
}

// Store 是单个 generation 的缓存桶。实现需保证单次 Put/Match 的原子性，
// 但不提供跨多个 key 的事务。
type Store interface {
	// Name 返回缓存桶名称，即 generation 标识。
	Name() string

	// Put 写入快照，已存在的同 key 条目会被整体替换。
	Put(ctx context.Context, key Key, snapshot Snapshot) error

	// Match 查找快照，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Snapshot, error)

	// Keys 列出桶内全部 key，供诊断与测试使用。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 由请求方法与绝对 URL 组成。只有 GET 请求会被缓存。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 统一方法大小写，便于不同入口生成一致的 key。
func NewKey(method, rawURL string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: rawURL}
}

// String 输出 "GET https://host/path" 形式，用作后端存储的主键。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Snapshot 是一次响应的完整快照（状态码、头部、正文）。
type Snapshot struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 深拷贝快照，写入方与读取方不会共享底层切片。
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Status:   s.Status,
		Header:   s.Header.Clone(),
		StoredAt: s.StoredAt,
	}
	if s.Body != nil {
		out.Body = append([]byte(nil), s.Body...)
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	return out
}

// Size 估算快照占用的字节数，内存后端据此计算配额。
func (s Snapshot) Size() int64 {
	size := int64(len(s.Body))
	for key, values := range s.Header {
		size += int64(len(key))
		for _, value := range values {
			size += int64(len(value))
		}
	}
	return size
}

var (
	// ErrNotFound 表示缓存桶中不存在对应条目。
	ErrNotFound = errors.New("cache entry not found")

	// ErrStorageQuotaExceeded 表示存储空间不足，调用方应记录日志而不是吞掉。
	ErrStorageQuotaExceeded = errors.New("storage quota exceeded")

	// ErrInvalidName 表示缓存桶名称非法（为空或包含路径穿越）。
	ErrInvalidName = errors.New("invalid cache name")
)

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed == "." || trimmed == ".." || trimmed != name {
		return ErrInvalidName
	}
	return nil
}
