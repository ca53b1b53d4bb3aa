package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/offline-hub/offline-hub/internal/cache"
)

const (
	tracerName = "github.com/offline-hub/offline-hub/internal/worker"

	offlineUnavailableBody = "Resource unavailable offline"
)

// Interceptor 实现 network-first、缓存兜底的取数策略。
type Interceptor struct {
	fetcher Fetcher
	logger  *logrus.Logger
	tracer  trace.Tracer
}

// NewInterceptor 使用全局 TracerProvider，未配置导出器时为 no-op。
func NewInterceptor(fetcher Fetcher, logger *logrus.Logger) *Interceptor {
	return &Interceptor{
		fetcher: fetcher,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}
}

// fetchScope 是一次拦截所需的当前 generation 视图。
type fetchScope struct {
	store      cache.Store
	generation string
	origin     *url.URL
	offlineURL string
	waitUntil  func(name string, fn func(context.Context))
}

// Eligible 判断请求是否应被拦截：仅限 http(s) 的 GET 请求。
func Eligible(req *Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if req.Method != http.MethodGet {
		return false
	}
	return req.URL.Scheme == "http" || req.URL.Scheme == "https"
}

// Intercept 总是返回一个响应：网络 200 的同源响应会被异步写入缓存，
// 网络失败时依次尝试缓存条目、离线页（仅页面导航）与合成的 503。
func (i *Interceptor) Intercept(ctx context.Context, req *Request, scope fetchScope) *Response {
	started := time.Now()
	ctx, span := i.tracer.Start(ctx, "worker.fetch", trace.WithAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
		attribute.String("offline_hub.generation", scope.generation),
	))
	defer span.End()

	resp, err := i.fetcher.Fetch(ctx, req)
	if err == nil {
		resp.Source = SourceNetwork
		if resp.Status == http.StatusOK && sameOrigin(req.URL, scope.origin) {
			clone := resp.Clone()
			key := req.Key()
			store := scope.store
			scope.waitUntil("cache_put", func(putCtx context.Context) {
				i.put(putCtx, store, key, clone)
			})
		}
		span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
		observeFetch(resp.Source, started)
		return resp
	}

	netErr := fmt.Errorf("%w: %v", ErrNetwork, err)
	span.RecordError(netErr)
	i.logger.WithError(netErr).WithFields(logrus.Fields{
		"action":     "fetch",
		"url":        req.URL.String(),
		"generation": scope.generation,
		"mode":       req.Mode,
	}).Warn("network_failed")

	resp = i.fallback(ctx, req, scope)
	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.Status),
		attribute.String("offline_hub.source", string(resp.Source)),
	)
	if resp.Source == SourceSynthetic {
		span.SetStatus(codes.Error, "resource unavailable offline")
	}
	observeFetch(resp.Source, started)
	return resp
}

func (i *Interceptor) fallback(ctx context.Context, req *Request, scope fetchScope) *Response {
	if snap := i.match(ctx, scope, req.Key()); snap != nil {
		return responseFromSnapshot(snap, SourceCache)
	}
	if req.IsNavigation() && scope.offlineURL != "" {
		if snap := i.match(ctx, scope, cache.NewKey(http.MethodGet, scope.offlineURL)); snap != nil {
			return responseFromSnapshot(snap, SourceOffline)
		}
	}
	return offlineUnavailable()
}

func (i *Interceptor) match(ctx context.Context, scope fetchScope, key cache.Key) *cache.Snapshot {
	if scope.store == nil {
		return nil
	}
	snap, err := scope.store.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			i.logger.WithError(err).WithFields(logrus.Fields{
				"action":     "cache_match",
				"key":        key.String(),
				"generation": scope.generation,
			}).Warn("cache_match_failed")
		}
		return nil
	}
	return snap
}

func (i *Interceptor) put(ctx context.Context, store cache.Store, key cache.Key, resp *Response) {
	if err := store.Put(ctx, key, resp.snapshot()); err != nil {
		recordPutError(err)
		entry := i.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "cache_put",
			"key":        key.String(),
			"generation": store.Name(),
		})
		if errors.Is(err, cache.ErrStorageQuotaExceeded) {
			entry.Warn("cache_quota_exceeded")
			return
		}
		entry.Error("cache_put_failed")
	}
}

func offlineUnavailable() *Response {
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(offlineUnavailableBody),
		Source: SourceSynthetic,
	}
}

func observeFetch(source Source, started time.Time) {
	FetchTotal.WithLabelValues(string(source)).Inc()
	FetchDuration.WithLabelValues(string(source)).Observe(time.Since(started).Seconds())
}
