package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// NewMemoryStorage 返回进程内缓存。limit > 0 时所有桶共享该字节上限，
// 超出后 Put 返回 ErrStorageQuotaExceeded。
func NewMemoryStorage(limit int64) Storage {
	return &memoryStorage{
		limit:   limit,
		buckets: make(map[string]map[string]memoryEntry),
	}
}

type memoryStorage struct {
	limit int64

	mu      sync.RWMutex
	used    int64
	buckets map[string]map[string]memoryEntry
}

type memoryEntry struct {
	key      Key
	snapshot Snapshot
}

type memoryStore struct {
	storage *memoryStorage
	name    string
}

func (m *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if _, ok := m.buckets[name]; !ok {
		m.buckets[name] = make(map[string]memoryEntry)
	}
	m.mu.Unlock()
	return &memoryStore{storage: m, name: name}, nil
}

func (m *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.buckets[name]
	if !ok {
		return false, nil
	}
	for _, entry := range bucket {
		m.used -= entry.snapshot.Size()
	}
	delete(m.buckets, name)
	return true, nil
}

func (m *memoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memoryStorage) Close() error {
	return nil
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Put(ctx context.Context, key Key, snapshot Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := s.storage
	stored := snapshot.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.buckets[s.name]
	if !ok {
		bucket = make(map[string]memoryEntry)
		m.buckets[s.name] = bucket
	}
	delta := stored.Size()
	if prior, ok := bucket[key.String()]; ok {
		delta -= prior.snapshot.Size()
	}
	if m.limit > 0 && m.used+delta > m.limit {
		return fmt.Errorf("%w: %d of %d bytes in use", ErrStorageQuotaExceeded, m.used, m.limit)
	}
	bucket[key.String()] = memoryEntry{key: key, snapshot: stored}
	m.used += delta
	return nil
}

func (s *memoryStore) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.storage.mu.RLock()
	defer s.storage.mu.RUnlock()
	entry, ok := s.storage.buckets[s.name][key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := entry.snapshot.Clone()
	return &snapshot, nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.storage.mu.RLock()
	defer s.storage.mu.RUnlock()
	bucket := s.storage.buckets[s.name]
	keys := make([]Key, 0, len(bucket))
	for _, entry := range bucket {
		keys = append(keys, entry.key)
	}
	sortKeys(keys)
	return keys, nil
}
