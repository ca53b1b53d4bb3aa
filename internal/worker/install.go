package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/offline-hub/offline-hub/internal/cache"
)

const defaultInstallConcurrency = 6

// Installer 将关键资源清单写入一个 generation。任何一个资源获取失败都会让整次安装失败。
type Installer struct {
	fetcher     Fetcher
	logger      *logrus.Logger
	concurrency int
}

// NewInstaller 创建安装器，concurrency <= 0 时使用默认并发度。
func NewInstaller(fetcher Fetcher, logger *logrus.Logger, concurrency int) *Installer {
	if concurrency <= 0 {
		concurrency = defaultInstallConcurrency
	}
	return &Installer{fetcher: fetcher, logger: logger, concurrency: concurrency}
}

// Install 并发获取全部清单 URL；只有全部返回 2xx 时才按清单顺序写入 store。
// 写入不是事务性的：某次 Put 失败时，之前写入的条目仍然保留。返回写入的条目数。
func (i *Installer) Install(ctx context.Context, store cache.Store, manifest []string) (int, error) {
	requests := make([]*Request, len(manifest))
	for idx, raw := range manifest {
		target, err := url.Parse(raw)
		if err != nil || !target.IsAbs() {
			return 0, &InstallError{URL: raw, Err: fmt.Errorf("manifest url must be absolute")}
		}
		requests[idx] = NewRequest(http.MethodGet, target, http.Header{"Sec-Fetch-Mode": []string{ModeNoCORS}}, nil)
	}

	responses := make([]*Response, len(requests))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(i.concurrency)
	for idx, req := range requests {
		group.Go(func() error {
			resp, err := i.fetcher.Fetch(groupCtx, req)
			if err != nil {
				return &InstallError{URL: req.URL.String(), Err: fmt.Errorf("%w: %v", ErrNetwork, err)}
			}
			if resp.Status < 200 || resp.Status > 299 {
				return &InstallError{URL: req.URL.String(), Status: resp.Status}
			}
			responses[idx] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}

	stored := 0
	for idx, req := range requests {
		if err := store.Put(ctx, req.Key(), responses[idx].snapshot()); err != nil {
			recordPutError(err)
			return stored, &InstallError{URL: req.URL.String(), Err: err}
		}
		stored++
	}

	i.logger.WithFields(logrus.Fields{
		"action":     "install",
		"generation": store.Name(),
		"entries":    stored,
	}).Debug("manifest_seeded")
	return stored, nil
}

func recordPutError(err error) {
	if errors.Is(err, cache.ErrStorageQuotaExceeded) {
		CachePutErrors.WithLabelValues("quota").Inc()
		return
	}
	CachePutErrors.WithLabelValues("other").Inc()
}
