package worker

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/offline-hub/offline-hub/internal/cache"
)

// 请求模式，取自浏览器发送的 Sec-Fetch-Mode 头。
const (
	ModeNavigate   = "navigate"
	ModeSameOrigin = "same-origin"
	ModeCORS       = "cors"
	ModeNoCORS     = "no-cors"
)

// Request 是拦截器看到的一次出站请求，URL 必须是绝对地址。
type Request struct {
	Method   string
	URL      *url.URL
	Header   http.Header
	Body     []byte
	Mode     string
	ClientID string
}

// NewRequest 根据 Header 推断请求模式，缺少 Sec-Fetch-Mode 时按 Accept 判断是否为页面导航。
func NewRequest(method string, target *url.URL, header http.Header, body []byte) *Request {
	if header == nil {
		header = http.Header{}
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    target,
		Header: header,
		Body:   body,
		Mode:   inferMode(method, header),
	}
}

func inferMode(method string, header http.Header) string {
	if mode := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))); mode != "" {
		return mode
	}
	if !strings.EqualFold(method, http.MethodGet) {
		return ModeCORS
	}
	if dest := strings.ToLower(header.Get("Sec-Fetch-Dest")); dest == "document" {
		return ModeNavigate
	}
	if strings.Contains(strings.ToLower(header.Get("Accept")), "text/html") {
		return ModeNavigate
	}
	return ModeNoCORS
}

// IsNavigation 表示该请求是否为整页导航。
func (r *Request) IsNavigation() bool {
	return r != nil && r.Mode == ModeNavigate
}

// Key 返回该请求在缓存中的 key。
func (r *Request) Key() cache.Key {
	return cache.NewKey(r.Method, r.URL.String())
}

// Source 标记响应的产生来源，便于日志与响应头输出。
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceOffline     Source = "offline"
	SourceSynthetic   Source = "synthetic"
	SourcePassthrough Source = "passthrough"
)

// Response 是完整缓冲的响应。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// Clone 深拷贝响应，一份返回调用方，一份写入缓存。
func (r *Response) Clone() *Response {
	out := &Response{Status: r.Status, Header: r.Header.Clone(), Source: r.Source}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	return out
}

func (r *Response) snapshot() cache.Snapshot {
	return cache.Snapshot{Status: r.Status, Header: r.Header, Body: r.Body}
}

func responseFromSnapshot(s *cache.Snapshot, source Source) *Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{Status: s.Status, Header: header, Body: s.Body, Source: source}
}

// Fetcher 代表“网络”。返回 error 即视为网络失败（连接错误、超时等），
// 任何状态码的响应都属于网络成功。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return originKey(a) == originKey(b)
}

// originKey 输出 scheme://host:port，补全默认端口以便比较。
func originKey(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	port := u.Port()
	if port == "" {
		switch scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return scheme + "://" + strings.ToLower(u.Hostname()) + ":" + port
}
