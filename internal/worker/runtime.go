package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/logging"
)

// Options 配置 Runtime。
type Options struct {
	Storage cache.Storage
	Fetcher Fetcher
	Clients Clients
	Logger  *logrus.Logger
	// Version 是启动时的配置版本，首次安装前推送/通知使用其中的应用信息。
	Version Version
	// AutoSkipWaiting 为 true 时安装成功后立即激活，不等待 SKIP_WAITING。
	AutoSkipWaiting    bool
	InstallConcurrency int
}

// Runtime 是进程级的 worker 上下文：持有生命周期标记与 Generation Manager，
// 所有事件通过 Dispatch 进入。
type Runtime struct {
	logger          *logrus.Logger
	generations     *GenerationManager
	installer       *Installer
	interceptor     *Interceptor
	clients         Clients
	autoSkipWaiting bool

	mu         sync.Mutex
	defaults   Version
	installing *Worker
	waiting    *Worker
	active     *Worker
	notified   map[string]struct{}
	closed     bool
	// attempted 在首次派发安装后置位，之后不再尝试恢复存储中的 generation。
	attempted bool

	pending      sync.WaitGroup
	pendingCount atomic.Int64
}

// New 创建 Runtime。此时尚无任何 generation，需要派发 InstallEvent 完成首次安装。
func New(opts Options) (*Runtime, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	clients := opts.Clients
	if clients == nil {
		clients = noClients{}
	}
	return &Runtime{
		logger:          opts.Logger,
		generations:     NewGenerationManager(opts.Storage, opts.Logger),
		installer:       NewInstaller(opts.Fetcher, opts.Logger, opts.InstallConcurrency),
		interceptor:     NewInterceptor(opts.Fetcher, opts.Logger),
		clients:         clients,
		autoSkipWaiting: opts.AutoSkipWaiting,
		defaults:        opts.Version,
		notified:        make(map[string]struct{}),
	}, nil
}

// Generations 暴露 Generation Manager，供诊断与测试使用。
func (r *Runtime) Generations() *GenerationManager {
	return r.generations
}

// CurrentGeneration 返回当前 generation 名称，尚未激活时为空。
func (r *Runtime) CurrentGeneration() string {
	return r.generations.Current()
}

// Dispatch 是唯一的事件入口：每个事件在独立 goroutine 中执行并被计入 WaitUntil 组，
// Shutdown 会等待它们全部结束。
func (r *Runtime) Dispatch(ctx context.Context, event Event) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	task := newTask(event.Kind())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		task.finish(nil, ErrRuntimeClosed)
		return task
	}
	r.track()
	r.mu.Unlock()

	go func() {
		defer r.untrack()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.WithFields(logrus.Fields{
					"action": "dispatch",
					"event":  string(event.Kind()),
				}).Errorf("event_panic: %v", rec)
				task.finish(nil, fmt.Errorf("event %s panicked: %v", event.Kind(), rec))
			}
		}()
		spanCtx, span := otel.Tracer(tracerName).Start(ctx, "worker.dispatch",
			trace.WithAttributes(
				attribute.String("offline_hub.event", string(event.Kind())),
				attribute.String("offline_hub.generation", r.generations.Current()),
			),
		)
		defer span.End()
		result, err := r.handle(spanCtx, event)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		task.finish(result, err)
	}()
	return task
}

func (r *Runtime) handle(ctx context.Context, event Event) (any, error) {
	switch ev := event.(type) {
	case FetchEvent:
		return r.fetch(ctx, ev.Request), nil
	case InstallEvent:
		return r.install(context.WithoutCancel(ctx), ev.Version)
	case ActivateEvent:
		return r.activate(context.WithoutCancel(ctx))
	case MessageEvent:
		return r.message(context.WithoutCancel(ctx), ev.Message)
	case PushEvent:
		return r.push(ev.Data)
	case NotificationClickEvent:
		return r.notificationClick(ev), nil
	case SyncEvent:
		r.sync(ev.Tag)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, event)
	}
}

// WaitUntil 延长生命周期：fn 在脱离 ctx 取消信号的上下文中异步执行，Shutdown 会等待它完成。
func (r *Runtime) WaitUntil(ctx context.Context, name string, fn func(context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	detached := context.WithoutCancel(ctx)
	r.track()
	go func() {
		defer r.untrack()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.WithField("action", name).Errorf("wait_until_panic: %v", rec)
			}
		}()
		fn(detached)
	}()
}

func (r *Runtime) track() {
	r.pending.Add(1)
	PendingTasks.Set(float64(r.pendingCount.Add(1)))
}

func (r *Runtime) untrack() {
	PendingTasks.Set(float64(r.pendingCount.Add(-1)))
	r.pending.Done()
}

// Settle 等待当前所有挂起工作完成，不关闭 Runtime。
func (r *Runtime) Settle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 拒绝新事件并等待挂起工作落地，随后所有 worker 变为 redundant。
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	if err := r.Settle(ctx); err != nil {
		return fmt.Errorf("wait pending tasks: %w", err)
	}

	r.mu.Lock()
	for _, w := range []*Worker{r.installing, r.waiting, r.active} {
		if w != nil {
			_ = w.transition(StateRedundant)
		}
	}
	r.mu.Unlock()
	r.logger.WithField("action", "shutdown").Info("runtime_stopped")
	return nil
}

// HandleFetch 派发 FetchEvent 并等待结果。handled 为 false 时调用方应自行透传请求。
func (r *Runtime) HandleFetch(ctx context.Context, req *Request) (*Response, bool) {
	task := r.Dispatch(ctx, FetchEvent{Request: req})
	<-task.Done()
	result, ok := task.Result().(*FetchResult)
	if !ok || result == nil || !result.Handled {
		return nil, false
	}
	return result.Response, true
}

// Register 派发 InstallEvent，语义同浏览器中的注册/更新检查：
// CacheName 与已安装版本相同时跳过。
func (r *Runtime) Register(ctx context.Context, version Version) *Task {
	return r.Dispatch(ctx, InstallEvent{Version: version})
}

func (r *Runtime) fetch(ctx context.Context, req *Request) *FetchResult {
	if !Eligible(req) {
		return &FetchResult{Handled: false}
	}
	store, name, err := r.generations.Store(ctx)
	if errors.Is(err, ErrNoActiveGeneration) {
		return &FetchResult{Handled: false}
	}
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "fetch",
			"generation": name,
		}).Warn("cache_open_failed")
		store = nil
	}

	version := r.currentVersion()
	scope := fetchScope{
		store:      store,
		generation: name,
		origin:     version.Origin,
		offlineURL: version.OfflineURL,
		waitUntil: func(taskName string, fn func(context.Context)) {
			r.WaitUntil(ctx, taskName, fn)
		},
	}
	return &FetchResult{Response: r.interceptor.Intercept(ctx, req, scope), Handled: true}
}

func (r *Runtime) currentVersion() Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return r.active.Version
	}
	return r.defaults
}

func (r *Runtime) install(ctx context.Context, version Version) (*InstallResult, error) {
	name := version.CacheName
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRuntimeClosed
	}
	if r.installing != nil {
		r.mu.Unlock()
		return nil, ErrInstallInProgress
	}
	if existing := r.sameVersionLocked(name); existing != nil {
		info := existing.info()
		r.mu.Unlock()
		return &InstallResult{Worker: info, Skipped: true}, nil
	}
	w := newWorker(version)
	r.installing = w
	r.defaults = version
	unclaimed := r.active == nil && r.waiting == nil && !r.attempted
	r.attempted = true
	r.mu.Unlock()

	// 进程内首次安装前记录存储中是否已有同名 generation（上一个进程留下的），
	// BeginInstall 会创建缓存桶，之后就无法区分。
	restorable := false
	if unclaimed {
		exists, err := r.generations.Exists(ctx, name)
		if err != nil {
			r.logger.WithError(err).WithFields(logging.WorkerFields("install", name, string(StateInstalling))).Warn("generation_lookup_failed")
		}
		restorable = exists
	}

	r.logger.WithFields(logging.WorkerFields("install", name, string(StateInstalling))).Info("install_started")

	entries := 0
	store, err := r.generations.BeginInstall(ctx, name)
	if err != nil {
		err = &InstallError{URL: name, Err: err}
	} else {
		entries, err = r.installer.Install(ctx, store, version.Manifest)
	}

	if err != nil {
		return r.failInstall(ctx, w, restorable, err)
	}

	r.mu.Lock()
	r.installing = nil
	_ = w.transition(StateInstalled)
	if r.waiting != nil {
		_ = r.waiting.transition(StateRedundant)
	}
	r.waiting = w
	first := r.active == nil
	info := w.info()
	r.mu.Unlock()

	r.generations.CompleteInstall(name)
	InstallTotal.WithLabelValues("success").Inc()
	fields := logging.WorkerFields("install", name, string(StateInstalled))
	fields["entries"] = entries
	r.logger.WithFields(fields).Info("install_complete")

	result := &InstallResult{Worker: info, Entries: entries}
	if first || r.autoSkipWaiting {
		activated, err := r.activate(ctx)
		if err != nil {
			return result, err
		}
		result.Activated = activated.Generation == name
		r.mu.Lock()
		result.Worker = w.info()
		r.mu.Unlock()
	}
	return result, nil
}

// failInstall 结束一次失败的安装。restorable 表示安装前存储中已有同名 generation 且尚无任何
// worker（通常是进程刚重启）：此时直接恢复它为激活状态，离线时仍能提供缓存。
func (r *Runtime) failInstall(ctx context.Context, failed *Worker, restorable bool, installErr error) (*InstallResult, error) {
	name := failed.Version.CacheName
	r.generations.AbortInstall(name)
	InstallTotal.WithLabelValues("failure").Inc()
	r.logger.WithError(installErr).
		WithFields(logging.WorkerFields("install", name, string(StateRedundant))).
		Error("install_failed")

	var restored *Worker
	if restorable {
		adopted, err := r.generations.Adopt(ctx, name)
		if err != nil {
			r.logger.WithError(err).
				WithFields(logging.WorkerFields("restore", name, string(StateRedundant))).
				Warn("generation_restore_failed")
		}
		if adopted {
			restored = newWorker(failed.Version)
			_ = restored.transition(StateInstalled)
			_ = restored.transition(StateActivating)
			_ = restored.transition(StateActivated)
		}
	}

	r.mu.Lock()
	r.installing = nil
	_ = failed.transition(StateRedundant)
	if restored == nil {
		r.mu.Unlock()
		return nil, installErr
	}
	r.active = restored
	info := restored.info()
	r.mu.Unlock()

	r.logger.WithFields(logging.WorkerFields("restore", name, string(StateActivated))).Warn("generation_restored")
	return &InstallResult{Worker: info, Activated: true, Restored: true}, nil
}

// sameVersionLocked 返回已安装（等待或激活）且 CacheName 相同的 worker。
func (r *Runtime) sameVersionLocked(name string) *Worker {
	if r.waiting != nil {
		if r.waiting.Version.CacheName == name {
			return r.waiting
		}
		return nil
	}
	if r.active != nil && r.active.Version.CacheName == name {
		return r.active
	}
	return nil
}

func (r *Runtime) activate(ctx context.Context) (*ActivateResult, error) {
	r.mu.Lock()
	w := r.waiting
	if w == nil {
		r.mu.Unlock()
		return &ActivateResult{}, nil
	}
	r.waiting = nil
	_ = w.transition(StateActivating)
	prior := r.active
	r.active = w
	if prior != nil {
		_ = prior.transition(StateRedundant)
	}
	r.mu.Unlock()

	name := w.Version.CacheName
	deleted, err := r.generations.Activate(ctx, name)

	r.mu.Lock()
	_ = w.transition(StateActivated)
	r.mu.Unlock()

	result := &ActivateResult{Generation: name, Deleted: deleted}
	if err != nil {
		r.logger.WithError(err).
			WithFields(logging.WorkerFields("activate", name, string(StateActivated))).
			Error("activate_cleanup_failed")
	}

	result.Claimed = r.claim(w)
	fields := logging.WorkerFields("activate", name, string(StateActivated))
	fields["deleted"] = deleted
	fields["claimed"] = result.Claimed
	r.logger.WithFields(fields).Info("activate_complete")
	return result, err
}

// claim 让新激活的 worker 控制所有页面；每个页面至多收到一次 controllerchange。
// 投递失败的页面不记为已通知，已断开页面的记录随之清理。
func (r *Runtime) claim(w *Worker) int {
	clients := r.clients.List()
	connected := make(map[string]struct{}, len(clients))
	r.mu.Lock()
	targets := make([]ClientInfo, 0, len(clients))
	for _, client := range clients {
		connected[client.ID] = struct{}{}
		if _, seen := r.notified[client.ID]; seen {
			continue
		}
		r.notified[client.ID] = struct{}{}
		targets = append(targets, client)
	}
	for id := range r.notified {
		if _, ok := connected[id]; !ok {
			delete(r.notified, id)
		}
	}
	r.mu.Unlock()

	claimed := 0
	for _, client := range targets {
		ok := r.clients.Send(client.ID, ClientEvent{
			Type: EventControllerChange,
			Data: map[string]string{"generation": w.Version.CacheName, "worker": w.ID},
		})
		if ok {
			claimed++
			ControllerChanges.Inc()
			continue
		}
		r.mu.Lock()
		delete(r.notified, client.ID)
		r.mu.Unlock()
	}
	return claimed
}

// Status 是运行时的诊断快照。
type Status struct {
	Installing  *WorkerInfo        `json:"installing,omitempty"`
	Waiting     *WorkerInfo        `json:"waiting,omitempty"`
	Active      *WorkerInfo        `json:"active,omitempty"`
	Generations GenerationSnapshot `json:"generations"`
	Stored      []string           `json:"stored"`
	Clients     []ClientInfo       `json:"clients"`
	Pending     int64              `json:"pending"`
}

// Status 汇总 worker、generation 与客户端信息。
func (r *Runtime) Status(ctx context.Context) (Status, error) {
	r.mu.Lock()
	status := Status{
		Installing: r.installing.info(),
		Waiting:    r.waiting.info(),
		Active:     r.active.info(),
	}
	r.mu.Unlock()
	status.Generations = r.generations.Snapshot()
	status.Clients = r.clients.List()
	status.Pending = r.pendingCount.Load()
	names, err := r.generations.Names(ctx)
	if err != nil {
		return status, err
	}
	status.Stored = names
	return status, nil
}
