package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

const (
	headerSource   = "X-Offline-Hub-Source"
	headerUpstream = "X-Offline-Hub-Upstream"
	// headerClientID 由宿主页面携带，用于关联 /-/events 连接。
	headerClientID = "X-Offline-Hub-Client"
)

// FetchRuntime 是 Handler 依赖的 worker 运行时能力。
type FetchRuntime interface {
	HandleFetch(ctx context.Context, req *worker.Request) (*worker.Response, bool)
	CurrentGeneration() string
}

// Passthrough 发起未被拦截的请求并返回原始响应，调用方负责关闭 Body。
type Passthrough interface {
	Do(ctx context.Context, req *worker.Request) (*http.Response, error)
}

// Handler 把 Fiber 请求转换为 worker.Request：可拦截的请求交给 Runtime 处理，
// 其余请求（非 GET、尚无 generation 等）直接流式透传到上游。
type Handler struct {
	runtime  FetchRuntime
	upstream Passthrough
	logger   *logrus.Logger
}

// NewHandler constructs a proxy handler backed by the worker runtime and the upstream fetcher.
func NewHandler(runtime FetchRuntime, upstream Passthrough, logger *logrus.Logger) *Handler {
	return &Handler{
		runtime:  runtime,
		upstream: upstream,
		logger:   logger,
	}
}

// Handle 实现 server.ProxyHandler，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildWorkerRequest(c, route)
	if err != nil {
		h.logResult(route, nil, requestID, 0, worker.SourcePassthrough, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request_url")
	}

	if resp, handled := h.runtime.HandleFetch(ctx, req); handled {
		return h.serveWorkerResponse(c, route, req, resp, requestID, started)
	}
	return h.passthrough(c, ctx, route, req, requestID, started)
}

func (h *Handler) serveWorkerResponse(
	c fiber.Ctx,
	route *server.OriginRoute,
	req *worker.Request,
	resp *worker.Response,
	requestID string,
	started time.Time,
) error {
	copyResponseHeaders(c, resp.Header)
	c.Response().Header.Del(fiber.HeaderContentLength)
	c.Set(headerSource, string(resp.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	h.logResult(route, req, requestID, resp.Status, resp.Source, started, nil)
	return c.Send(resp.Body)
}

func (h *Handler) passthrough(
	c fiber.Ctx,
	ctx context.Context,
	route *server.OriginRoute,
	req *worker.Request,
	requestID string,
	started time.Time,
) error {
	resp, err := h.upstream.Do(ctx, req)
	if err != nil {
		h.logResult(route, req, requestID, 0, worker.SourcePassthrough, started, err)
		worker.FetchTotal.WithLabelValues("passthrough_failed").Inc()
		if errors.Is(err, server.ErrOriginNotAllowed) {
			return h.writeError(c, fiber.StatusForbidden, "origin_not_allowed")
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerSource, string(worker.SourcePassthrough))
	c.Set(headerUpstream, route.Upstream.String())
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)
	worker.FetchTotal.WithLabelValues(string(worker.SourcePassthrough)).Inc()

	if req.Method == http.MethodHead {
		h.logResult(route, req, requestID, resp.StatusCode, worker.SourcePassthrough, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, req, requestID, resp.StatusCode, worker.SourcePassthrough, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildWorkerRequest 以路由的对外 origin 重建浏览器看到的绝对 URL，保留原始路径与查询。
func buildWorkerRequest(c fiber.Ctx, route *server.OriginRoute) (*worker.Request, error) {
	requestURI := originFormTarget(c.OriginalURL())
	target, err := url.Parse(route.Origin.Scheme + "://" + route.Origin.Host + requestURI)
	if err != nil {
		return nil, err
	}

	header := fiberHeadersAsHTTP(c)
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}

	body := append([]byte(nil), c.Body()...)
	req := worker.NewRequest(c.Method(), target, header, body)
	req.ClientID = header.Get(headerClientID)
	header.Del(headerClientID)
	return req, nil
}

// originFormTarget 把请求行中的 request-target 归一为 origin-form（路径 + 查询）。
// absolute-form（GET http://host/path）只保留路径与查询，主机以路由的 origin 为准。
func originFormTarget(raw string) string {
	if raw == "" {
		return "/"
	}
	if !strings.HasPrefix(raw, "/") {
		if parsed, err := url.Parse(raw); err == nil && parsed.IsAbs() {
			return parsed.RequestURI()
		}
		return "/" + raw
	}
	return raw
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.OriginRoute,
	req *worker.Request,
	requestID string,
	status int,
	source worker.Source,
	started time.Time,
	err error,
) {
	cacheHit := source == worker.SourceCache || source == worker.SourceOffline
	fields := logging.RequestFields(
		route.Name,
		route.Origin.Host,
		h.runtime.CurrentGeneration(),
		string(source),
		cacheHit,
	)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if req != nil {
		fields["method"] = req.Method
		fields["url"] = req.URL.Redacted()
		fields["mode"] = req.Mode
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
