package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/telemetry"
	"github.com/offline-hub/offline-hub/internal/worker"
)

// ErrOriginNotAllowed 表示请求的 origin 不在配置的白名单中。
var ErrOriginNotAllowed = errors.New("origin not allowed")

// UpstreamFetcher 是 worker 眼中的“网络”：把浏览器可见的 URL 改写到真实上游并发起请求。
type UpstreamFetcher struct {
	client   *http.Client
	registry *OriginRegistry
	logger   *logrus.Logger
}

// NewUpstreamFetcher 使用共享 http.Client 与 OriginRegistry 构建 Fetcher。
func NewUpstreamFetcher(client *http.Client, registry *OriginRegistry, logger *logrus.Logger) *UpstreamFetcher {
	return &UpstreamFetcher{client: client, registry: registry, logger: logger}
}

// Fetch 实现 worker.Fetcher，完整读取响应体；任何状态码都视为网络成功。
func (f *UpstreamFetcher) Fetch(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	resp, err := f.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &worker.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

// Do 发起上游请求并返回未读取的响应，供透传路径流式输出。调用方负责关闭 Body。
func (f *UpstreamFetcher) Do(ctx context.Context, req *worker.Request) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	route, ok := f.registry.LookupURL(req.URL)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOriginNotAllowed, req.URL.Redacted())
	}
	target := rewriteToUpstream(route, req.URL)

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(upstreamReq.Header, req.Header)
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Host = target.Host
	upstreamReq.Header.Set("Host", target.Host)
	if route.Kind == RouteApp {
		upstreamReq.Header.Set("X-Forwarded-Host", req.URL.Host)
		upstreamReq.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
		telemetry.Inject(ctx, upstreamReq.Header)
	} else {
		upstreamReq.Header.Del("X-Forwarded-For")
	}

	resp, err := f.doRequest(upstreamReq, route)
	if err != nil {
		f.logger.WithError(err).WithFields(logrus.Fields{
			"action":   "upstream",
			"origin":   route.Name,
			"upstream": target.Redacted(),
		}).Debug("upstream_failed")
		return nil, err
	}
	return resp, nil
}

func (f *UpstreamFetcher) doRequest(req *http.Request, route *OriginRoute) (*http.Response, error) {
	if route.ProxyURL == nil {
		return f.client.Do(req)
	}
	transport := http.Transport{}
	if base, ok := f.client.Transport.(*http.Transport); ok && base != nil {
		transport = *base.Clone()
	}
	transport.Proxy = http.ProxyURL(route.ProxyURL)
	client := *f.client
	client.Transport = &transport
	return client.Do(req)
}

// rewriteToUpstream 保留请求路径与查询，把 scheme/host 换成上游地址，并拼接上游的路径前缀。
func rewriteToUpstream(route *OriginRoute, target *url.URL) *url.URL {
	rewritten := *target
	rewritten.Scheme = route.Upstream.Scheme
	rewritten.Host = route.Upstream.Host
	rewritten.User = nil
	rewritten.Fragment = ""
	if prefix := strings.TrimRight(route.Upstream.Path, "/"); prefix != "" {
		joined := path.Join(prefix, target.Path)
		if strings.HasSuffix(target.Path, "/") && !strings.HasSuffix(joined, "/") {
			joined += "/"
		}
		rewritten.Path = joined
		rewritten.RawPath = ""
	}
	return &rewritten
}
