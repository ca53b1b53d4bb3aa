package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/offline-hub/offline-hub/internal/config"
)

// 路由种类：应用自身的 origin，或白名单中的第三方 origin。
const (
	RouteApp         = "app"
	RouteCrossOrigin = "cross-origin"
)

// OriginRoute 将一个对外 origin 与其真实上游、出口代理聚合在一起，
// 供路由/代理层直接复用，避免重复解析配置。
type OriginRoute struct {
	// Name 是 [App].Name 或 [[CrossOrigin]].Name。
	Name string
	Kind string
	// Origin 是浏览器看到的 origin，缓存 key 基于它生成。
	Origin *url.URL
	// Upstream 是请求真正转发到的地址；跨域路由与 Origin 相同。
	Upstream *url.URL
	ProxyURL *url.URL
	// ListenPort 记录当前监听端口，方便日志/转发头输出。
	ListenPort int
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询能力，所有 origin 共享同一个监听端口。
type OriginRegistry struct {
	routes  map[string]*OriginRoute
	ordered []*OriginRoute
}

// NewOriginRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &OriginRegistry{
		routes: make(map[string]*OriginRoute, len(cfg.CrossOrigins)+1),
	}

	app, err := buildOriginRoute(cfg, RouteApp, cfg.App.Name, cfg.App.Origin, cfg.App.Upstream, cfg.App.Proxy)
	if err != nil {
		return nil, err
	}
	if err := registry.add(app); err != nil {
		return nil, err
	}

	for _, entry := range cfg.CrossOrigins {
		route, err := buildOriginRoute(cfg, RouteCrossOrigin, entry.Name, entry.Origin, "", entry.Proxy)
		if err != nil {
			return nil, err
		}
		if err := registry.add(route); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func (r *OriginRegistry) add(route *OriginRoute) error {
	host := normalizeDomain(route.Origin.Host)
	if host == "" {
		return fmt.Errorf("invalid origin for %s", route.Name)
	}
	if _, exists := r.routes[host]; exists {
		return fmt.Errorf("duplicate origin mapping detected for %s", host)
	}
	r.routes[host] = route
	r.ordered = append(r.ordered, route)
	return nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute，端口被忽略。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// LookupURL 查找绝对 URL 所属的路由，scheme 必须与配置的 origin 一致。
func (r *OriginRegistry) LookupURL(target *url.URL) (*OriginRoute, bool) {
	if target == nil {
		return nil, false
	}
	route, ok := r.Lookup(target.Host)
	if !ok || !strings.EqualFold(route.Origin.Scheme, target.Scheme) {
		return nil, false
	}
	return route, true
}

// App 返回应用自身的路由。
func (r *OriginRegistry) App() *OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return r.ordered[0]
}

// List 返回当前注册的 OriginRoute 列表（按配置定义的顺序，App 在前），用于 /-/status 输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildOriginRoute(cfg *config.Config, kind, name, origin, upstream, proxy string) (*OriginRoute, error) {
	originURL, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil || originURL.Host == "" {
		return nil, fmt.Errorf("invalid origin for %s: %q", name, origin)
	}

	upstreamURL := originURL
	if strings.TrimSpace(upstream) != "" {
		upstreamURL, err = url.Parse(strings.TrimRight(upstream, "/"))
		if err != nil {
			return nil, fmt.Errorf("invalid upstream for %s: %w", name, err)
		}
	}

	var proxyURL *url.URL
	if proxy != "" {
		proxyURL, err = url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for %s: %w", name, err)
		}
	}

	return &OriginRoute{
		Name:       name,
		Kind:       kind,
		Origin:     originURL,
		Upstream:   upstreamURL,
		ProxyURL:   proxyURL,
		ListenPort: cfg.Global.ListenPort,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
