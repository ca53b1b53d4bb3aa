package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage 使用一个 SET 记录 generation 名称，每个 generation 对应一个 HASH：
//
//	<prefix>:generations      SET  of generation names
//	<prefix>:gen:<name>       HASH "METHOD URL" -> JSON entry
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage 包装已建立的客户端，prefix 为空时使用 "offline-hub"。
func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	if client == nil {
		panic("redis client cannot be nil")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "offline-hub"
	}
	return &RedisStorage{client: client, prefix: prefix}
}

type redisStore struct {
	storage *RedisStorage
	name    string
}

func (r *RedisStorage) generationsKey() string {
	return r.prefix + ":generations"
}

func (r *RedisStorage) bucketKey(name string) string {
	return r.prefix + ":gen:" + name
}

func (r *RedisStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := r.client.SAdd(ctx, r.generationsKey(), name).Err(); err != nil {
		return nil, classifyRedisError("redis sadd", err)
	}
	return &redisStore{storage: r, name: name}, nil
}

func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, r.generationsKey(), name)
		pipe.Del(ctx, r.bucketKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete generation: %w", err)
	}
	return removed.Val() > 0, nil
}

func (r *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.generationsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Close 关闭底层客户端。
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func (s *redisStore) Name() string {
	return s.name
}

func (s *redisStore) Put(ctx context.Context, key Key, snapshot Snapshot) error {
	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(fileEntry{Key: key, Snapshot: snapshot})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	_, err = s.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.storage.generationsKey(), s.name)
		pipe.HSet(ctx, s.storage.bucketKey(s.name), key.String(), data)
		return nil
	})
	return classifyRedisError("redis hset", err)
}

func (s *redisStore) Match(ctx context.Context, key Key) (*Snapshot, error) {
	data, err := s.storage.client.HGet(ctx, s.storage.bucketKey(s.name), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	snapshot := entry.Snapshot
	return &snapshot, nil
}

func (s *redisStore) Keys(ctx context.Context) ([]Key, error) {
	fields, err := s.storage.client.HKeys(ctx, s.storage.bucketKey(s.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	keys := make([]Key, 0, len(fields))
	for _, field := range fields {
		method, rawURL, ok := strings.Cut(field, " ")
		if !ok {
			continue
		}
		keys = append(keys, Key{Method: method, URL: rawURL})
	}
	sortKeys(keys)
	return keys, nil
}

// classifyRedisError 将 maxmemory 触发的 OOM 回复映射为 ErrStorageQuotaExceeded。
func classifyRedisError(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "OOM ") {
		return fmt.Errorf("%w: %v", ErrStorageQuotaExceeded, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Storage = (*RedisStorage)(nil)
