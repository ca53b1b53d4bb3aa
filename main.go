package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/proxy"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/server/routes"
	"github.com/offline-hub/offline-hub/internal/telemetry"
	"github.com/offline-hub/offline-hub/internal/version"
	"github.com/offline-hub/offline-hub/internal/worker"
)

const (
	serviceName     = "offline-hub"
	shutdownTimeout = 15 * time.Second
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["app"] = cfg.App.Name
		fields["origin"] = cfg.App.Origin
		fields["cross_origins"] = config.CrossOriginNames(cfg.CrossOrigins)
		fields["manifest"] = len(cfg.App.Manifest)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("config_valid")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, opts.configPath, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// gateway 持有进程级组件，serve 与测试共用同一套组装逻辑。
type gateway struct {
	app      *fiber.App
	runtime  *worker.Runtime
	version  worker.Version
	storage  cache.Storage
	clients  *server.ClientHub
	updater  *server.Updater
	shutdown func(context.Context) error
}

// buildGateway 按“配置 → 存储 → OriginRegistry → worker.Runtime → Fiber”顺序组装网关，
// 所有请求共享同一个 Runtime 与缓存后端。
func buildGateway(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) (*gateway, error) {
	tracingShutdown, err := telemetry.Setup(ctx, serviceName, cfg.Global.OtelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	storage, err := cache.OpenStorage(ctx, cache.Options{
		Driver:        cfg.Global.StorageDriver,
		Path:          cfg.Global.StoragePath,
		MemoryLimit:   cfg.Global.StorageMemoryLimit,
		RedisAddr:     cfg.Global.RedisAddr,
		RedisPassword: cfg.Global.RedisPassword,
		RedisDB:       cfg.Global.RedisDB,
		RedisPrefix:   cfg.Global.RedisKeyPrefix,
	})
	if err != nil {
		_ = tracingShutdown(ctx)
		return nil, fmt.Errorf("open storage: %w", err)
	}

	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		_ = storage.Close()
		_ = tracingShutdown(ctx)
		return nil, err
	}

	fetcher := server.NewUpstreamFetcher(server.NewUpstreamClient(cfg), registry, logger)
	clients := server.NewClientHub(0)
	runtime, ver, err := server.NewRuntime(cfg, storage, fetcher, clients, logger)
	if err != nil {
		_ = storage.Close()
		_ = tracingShutdown(ctx)
		return nil, err
	}

	appOpts := server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(proxy.NewHandler(runtime, fetcher, logger), logger),
		ListenPort: cfg.Global.ListenPort,
	}
	app, err := server.NewApp(appOpts)
	if err != nil {
		_ = runtime.Shutdown(ctx)
		_ = storage.Close()
		_ = tracingShutdown(ctx)
		return nil, err
	}

	updater := server.NewUpdater(configPath, cfg, runtime, logger)
	routes.RegisterWorkerRoutes(app, routes.Options{
		Runtime:  runtime,
		Clients:  clients,
		Registry: registry,
		Logger:   logger,
		Update:   updater.Check,
	})
	routes.RegisterEventRoutes(app, routes.EventsOptions{
		Clients:  clients,
		Registry: registry,
		Logger:   logger,
	})
	if cfg.Global.MetricsEnabled {
		routes.RegisterMetricsRoute(app)
	}
	server.MountProxy(app, appOpts)

	return &gateway{
		app:      app,
		runtime:  runtime,
		version:  ver,
		storage:  storage,
		clients:  clients,
		updater:  updater,
		shutdown: tracingShutdown,
	}, nil
}

// register 在后台完成首次安装，失败只记录日志，后续更新检查会重试。
func (g *gateway) register(ctx context.Context, logger *logrus.Logger) {
	task := g.runtime.Register(ctx, g.version)
	go func() {
		result, err := task.Wait(ctx)
		fields := logrus.Fields{"action": "register", "generation": g.version.CacheName}
		if err != nil {
			logger.WithError(err).WithFields(fields).Warn("register_failed")
			return
		}
		if install, ok := result.(*worker.InstallResult); ok {
			fields["entries"] = install.Entries
			fields["skipped"] = install.Skipped
			fields["activated"] = install.Activated
			fields["restored"] = install.Restored
		}
		logger.WithFields(fields).Info("register_complete")
	}()
}

// close 按依赖逆序释放资源：先断开 SSE 与 HTTP，再等待 worker 任务，最后关闭存储。
func (g *gateway) close(ctx context.Context) error {
	g.clients.CloseAll()
	errs := []error{
		g.app.ShutdownWithContext(ctx),
		g.runtime.Shutdown(ctx),
		g.storage.Close(),
		g.shutdown(ctx),
	}
	return errors.Join(errs...)
}

func serve(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) error {
	gw, err := buildGateway(ctx, cfg, configPath, logger)
	if err != nil {
		return err
	}

	fields := logging.BaseFields("startup", configPath)
	fields["app"] = cfg.App.Name
	fields["origin"] = cfg.App.Origin
	fields["cross_origins"] = len(cfg.CrossOrigins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["generation"] = gw.version.CacheName
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("config_loaded")

	gw.register(ctx, logger)
	go gw.updater.Run(ctx, cfg.Global.UpdateInterval.DurationValue())

	listenErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   cfg.Global.ListenPort,
		}).Info("server_listening")
		listenErr <- gw.app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort), fiber.ListenConfig{
			DisableStartupMessage: true,
		})
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-listenErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := gw.close(shutdownCtx)
	logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("server_stopped")
	if serveErr != nil {
		return serveErr
	}
	if closeErr != nil {
		logger.WithError(closeErr).WithField("action", "shutdown").Warn("shutdown_incomplete")
	}
	return nil
}
