package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
)

// GenerationState 是 Generation Manager 对单个 generation 的状态记录。
type GenerationState string

const (
	NoGeneration         GenerationState = "no-generation"
	GenerationInstalling GenerationState = "installing"
	GenerationActive     GenerationState = "active"
	GenerationSuperseded GenerationState = "superseded"
)

type generation struct {
	state     GenerationState
	installed bool
	store     cache.Store
}

// GenerationManager 持有唯一的当前 generation，并在激活时立即删除其它所有缓存桶。
type GenerationManager struct {
	storage cache.Storage
	logger  *logrus.Logger

	mu          sync.Mutex
	current     string
	generations map[string]*generation
}

// NewGenerationManager 创建管理器。初始状态为 NoGeneration。
func NewGenerationManager(storage cache.Storage, logger *logrus.Logger) *GenerationManager {
	return &GenerationManager{
		storage:     storage,
		logger:      logger,
		generations: make(map[string]*generation),
	}
}

// State 返回 name 对应的状态，未知 generation 返回 NoGeneration。
func (m *GenerationManager) State(name string) GenerationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen, ok := m.generations[name]; ok {
		return gen.state
	}
	return NoGeneration
}

// Current 返回当前 generation 名称，尚未激活任何 generation 时为空。
func (m *GenerationManager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// BeginInstall 打开 name 对应的缓存桶并进入 Installing。已激活的 generation 再次安装时
// 保持 Active，只重新播种。
func (m *GenerationManager) BeginInstall(ctx context.Context, name string) (cache.Store, error) {
	store, err := m.storage.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open generation %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.generations[name]
	if !ok {
		gen = &generation{state: NoGeneration}
		m.generations[name] = gen
	}
	gen.store = store
	if gen.state != GenerationActive {
		gen.state = GenerationInstalling
		gen.installed = false
	}
	return store, nil
}

// AbortInstall 放弃一次失败的安装。已写入的条目保持原样，下次安装会重新打开并覆盖。
func (m *GenerationManager) AbortInstall(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.generations[name]
	if !ok || gen.state != GenerationInstalling {
		return
	}
	gen.state = NoGeneration
	gen.installed = false
}

// CompleteInstall 记录清单已全部写入。若另一个 generation 仍处于 Active，
// 它被标记为 Superseded，但在新 generation 激活前仍然是当前 generation。
func (m *GenerationManager) CompleteInstall(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.generations[name]
	if !ok {
		// 安装期间另一个 generation 完成了激活并清理了记录。
		gen = &generation{state: GenerationInstalling}
		m.generations[name] = gen
	}
	gen.installed = true
	if gen.state == GenerationActive {
		return
	}
	if m.current != "" && m.current != name {
		if prior, ok := m.generations[m.current]; ok {
			prior.state = GenerationSuperseded
		}
	}
}

// Activate 将 name 设为当前 generation，然后枚举所有缓存桶并删除名称不等于 name 的全部条目。
// 返回被删除的名称。
func (m *GenerationManager) Activate(ctx context.Context, name string) ([]string, error) {
	m.mu.Lock()
	gen, ok := m.generations[name]
	if !ok || !gen.installed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrGenerationNotInstalled, name)
	}
	gen.state = GenerationActive
	m.current = name
	for other := range m.generations {
		if other != name {
			delete(m.generations, other)
		}
	}
	m.mu.Unlock()

	names, err := m.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	var deleted []string
	for _, stored := range names {
		if stored == name {
			continue
		}
		existed, err := m.storage.Delete(ctx, stored)
		if err != nil {
			return deleted, fmt.Errorf("delete generation %s: %w", stored, err)
		}
		if existed {
			deleted = append(deleted, stored)
			GenerationsDeleted.WithLabelValues("activate").Inc()
			m.logger.WithFields(logrus.Fields{
				"action":     "generation_gc",
				"generation": stored,
				"current":    name,
			}).Info("generation_deleted")
		}
	}
	return deleted, nil
}

// Exists 报告存储中是否已有名为 name 的缓存桶。
func (m *GenerationManager) Exists(ctx context.Context, name string) (bool, error) {
	names, err := m.storage.Names(ctx)
	if err != nil {
		return false, fmt.Errorf("list generations: %w", err)
	}
	for _, stored := range names {
		if stored == name {
			return true, nil
		}
	}
	return false, nil
}

// Adopt 把存储中已有的 name 恢复为当前 generation，用于进程重启后沿用上次安装的缓存。
// 已有当前 generation 时返回 false。
func (m *GenerationManager) Adopt(ctx context.Context, name string) (bool, error) {
	store, err := m.storage.Open(ctx, name)
	if err != nil {
		return false, fmt.Errorf("open generation %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != "" {
		return false, nil
	}
	m.generations[name] = &generation{state: GenerationActive, installed: true, store: store}
	m.current = name
	return true, nil
}

// Store 返回当前 generation 的缓存桶。
func (m *GenerationManager) Store(ctx context.Context) (cache.Store, string, error) {
	m.mu.Lock()
	name := m.current
	var store cache.Store
	if gen, ok := m.generations[name]; ok {
		store = gen.store
	}
	m.mu.Unlock()

	if name == "" {
		return nil, "", ErrNoActiveGeneration
	}
	if store != nil {
		return store, name, nil
	}
	opened, err := m.storage.Open(ctx, name)
	if err != nil {
		return nil, name, err
	}
	m.mu.Lock()
	if gen, ok := m.generations[name]; ok && gen.store == nil {
		gen.store = opened
	}
	m.mu.Unlock()
	return opened, name, nil
}

// ClearAll 删除全部缓存桶（包括当前 generation），不改变任何逻辑状态。
func (m *GenerationManager) ClearAll(ctx context.Context) ([]string, error) {
	names, err := m.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	var deleted []string
	for _, name := range names {
		existed, err := m.storage.Delete(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("delete generation %s: %w", name, err)
		}
		if existed {
			deleted = append(deleted, name)
			GenerationsDeleted.WithLabelValues("clear").Inc()
		}
	}
	return deleted, nil
}

// GenerationSnapshot 是管理器状态的只读视图。
type GenerationSnapshot struct {
	Current string                     `json:"current"`
	States  map[string]GenerationState `json:"states"`
}

// Snapshot 返回当前状态，供诊断接口使用。
func (m *GenerationManager) Snapshot() GenerationSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make(map[string]GenerationState, len(m.generations))
	for name, gen := range m.generations {
		states[name] = gen.state
	}
	return GenerationSnapshot{Current: m.current, States: states}
}

// Names 返回存储中的全部缓存桶名称。
func (m *GenerationManager) Names(ctx context.Context) ([]string, error) {
	names, err := m.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
