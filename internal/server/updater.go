package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// ErrOriginChanged 表示重新加载的配置修改了 App.Origin，需要重启进程才能生效。
var ErrOriginChanged = errors.New("app origin changed, restart required")

// ErrRoutingChanged 表示重新加载的配置修改了 App.Upstream、App.Proxy 或 CrossOrigin 列表。
// 这些决定转发目标的字段在启动时固定，需要重启进程才能生效。
var ErrRoutingChanged = errors.New("upstream routing changed, restart required")

// Registrar 是 Updater 依赖的注册能力。
type Registrar interface {
	Register(ctx context.Context, version worker.Version) *worker.Task
}

// Updater 模拟浏览器的注册更新检查：重新读取配置，CacheName 变化时安装新的 generation。
type Updater struct {
	configPath string
	origin     string
	upstream   string
	proxy      string
	cross      []config.CrossOriginConfig
	runtime    Registrar
	logger     *logrus.Logger
	load       func(string) (*config.Config, error)
}

// NewUpdater 创建 Updater。startup 是启动时的配置，更新检查不允许修改其中的路由字段。
func NewUpdater(configPath string, startup *config.Config, runtime Registrar, logger *logrus.Logger) *Updater {
	return &Updater{
		configPath: configPath,
		origin:     startup.App.Origin,
		upstream:   startup.App.Upstream,
		proxy:      startup.App.Proxy,
		cross:      slices.Clone(startup.CrossOrigins),
		runtime:    runtime,
		logger:     logger,
		load:       config.Load,
	}
}

// Check 重新加载配置并派发 InstallEvent；CacheName 未变时安装会被跳过。
func (u *Updater) Check(ctx context.Context) (*worker.Task, error) {
	cfg, err := u.load(u.configPath)
	if err != nil {
		return nil, fmt.Errorf("reload config: %w", err)
	}
	if cfg.App.Origin != u.origin {
		return nil, fmt.Errorf("%w: %s -> %s", ErrOriginChanged, u.origin, cfg.App.Origin)
	}
	if err := u.checkRouting(cfg); err != nil {
		return nil, err
	}
	version, err := worker.VersionFromConfig(cfg.App)
	if err != nil {
		return nil, err
	}
	return u.runtime.Register(ctx, version), nil
}

func (u *Updater) checkRouting(cfg *config.Config) error {
	switch {
	case cfg.App.Upstream != u.upstream:
		return fmt.Errorf("%w: Upstream %q -> %q", ErrRoutingChanged, u.upstream, cfg.App.Upstream)
	case cfg.App.Proxy != u.proxy:
		return fmt.Errorf("%w: Proxy %q -> %q", ErrRoutingChanged, u.proxy, cfg.App.Proxy)
	case !slices.Equal(cfg.CrossOrigins, u.cross):
		return fmt.Errorf("%w: CrossOrigin", ErrRoutingChanged)
	}
	return nil
}

// Run 按 interval 周期执行 Check，直到 ctx 结束。interval <= 0 时直接返回。
func (u *Updater) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.checkOnce(ctx)
		}
	}
}

func (u *Updater) checkOnce(ctx context.Context) {
	fields := logrus.Fields{"action": "update_check", "configPath": u.configPath}
	task, err := u.Check(ctx)
	if err != nil {
		u.logger.WithError(err).WithFields(fields).Warn("update_check_failed")
		return
	}
	result, err := task.Wait(ctx)
	if err != nil {
		if errors.Is(err, worker.ErrInstallInProgress) {
			u.logger.WithFields(fields).Debug("update_check_busy")
			return
		}
		u.logger.WithError(err).WithFields(fields).Warn("update_install_failed")
		return
	}
	if install, ok := result.(*worker.InstallResult); ok && !install.Skipped {
		fields["entries"] = install.Entries
		fields["activated"] = install.Activated
		fields["restored"] = install.Restored
		u.logger.WithFields(fields).Info("update_installed")
	}
}
