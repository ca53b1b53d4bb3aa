package worker

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LifecycleState 是单个 worker 实例的生命周期标记。
type LifecycleState string

const (
	StateInstalling LifecycleState = "installing"
	StateInstalled  LifecycleState = "installed"
	StateActivating LifecycleState = "activating"
	StateActivated  LifecycleState = "activated"
	StateRedundant  LifecycleState = "redundant"
)

var lifecycleTransitions = map[LifecycleState][]LifecycleState{
	StateInstalling: {StateInstalled, StateRedundant},
	StateInstalled:  {StateActivating, StateRedundant},
	StateActivating: {StateActivated, StateRedundant},
	StateActivated:  {StateRedundant},
}

// Worker 是绑定到某个 Version 的 worker 实例。字段由 Runtime 的互斥锁保护。
type Worker struct {
	ID      string
	Version Version

	state       LifecycleState
	createdAt   time.Time
	installedAt time.Time
	activatedAt time.Time
}

func newWorker(version Version) *Worker {
	return &Worker{
		ID:        uuid.NewString(),
		Version:   version,
		state:     StateInstalling,
		createdAt: time.Now().UTC(),
	}
}

// State 返回当前生命周期状态。
func (w *Worker) State() LifecycleState {
	return w.state
}

func (w *Worker) transition(next LifecycleState) error {
	if w.state == next {
		return nil
	}
	for _, allowed := range lifecycleTransitions[w.state] {
		if allowed == next {
			w.state = next
			switch next {
			case StateInstalled:
				w.installedAt = time.Now().UTC()
			case StateActivated:
				w.activatedAt = time.Now().UTC()
			}
			return nil
		}
	}
	return fmt.Errorf("worker %s: invalid transition %s -> %s", w.ID, w.state, next)
}

// WorkerInfo 是 Worker 的只读快照，供诊断接口输出。
type WorkerInfo struct {
	ID          string         `json:"id"`
	CacheName   string         `json:"cache_name"`
	State       LifecycleState `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
	InstalledAt *time.Time     `json:"installed_at,omitempty"`
	ActivatedAt *time.Time     `json:"activated_at,omitempty"`
}

func (w *Worker) info() *WorkerInfo {
	if w == nil {
		return nil
	}
	info := &WorkerInfo{
		ID:        w.ID,
		CacheName: w.Version.CacheName,
		State:     w.state,
		CreatedAt: w.createdAt,
	}
	if !w.installedAt.IsZero() {
		ts := w.installedAt
		info.InstalledAt = &ts
	}
	if !w.activatedAt.IsZero() {
		ts := w.activatedAt
		info.ActivatedAt = &ts
	}
	return info
}
