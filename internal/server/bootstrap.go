package server

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// NewRuntime 将配置、存储与网络组装为进程级的 worker.Runtime。
func NewRuntime(cfg *config.Config, storage cache.Storage, fetcher worker.Fetcher, clients worker.Clients, logger *logrus.Logger) (*worker.Runtime, worker.Version, error) {
	if cfg == nil {
		return nil, worker.Version{}, fmt.Errorf("config is nil")
	}
	version, err := worker.VersionFromConfig(cfg.App)
	if err != nil {
		return nil, worker.Version{}, fmt.Errorf("build version: %w", err)
	}
	runtime, err := worker.New(worker.Options{
		Storage:         storage,
		Fetcher:         fetcher,
		Clients:         clients,
		Logger:          logger,
		Version:         version,
		AutoSkipWaiting: cfg.Global.AutoSkipWaiting,
	})
	if err != nil {
		return nil, worker.Version{}, err
	}
	return runtime, version, nil
}
