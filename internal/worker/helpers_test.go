package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
)

const testOrigin = "https://inventory.example.com"

type stubNetwork struct {
	mu        sync.Mutex
	offline   bool
	responses map[string]*Response
	calls     []string
}

func newStubNetwork() *stubNetwork {
	return &stubNetwork{responses: make(map[string]*Response)}
}

func (s *stubNetwork) serve(rawURL string, status int, contentType, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[rawURL] = &Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{contentType}},
		Body:   []byte(body),
	}
}

func (s *stubNetwork) setOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

func (s *stubNetwork) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.Method+" "+req.URL.String())
	if s.offline {
		return nil, errors.New("dial tcp: connect: network is unreachable")
	}
	if resp, ok := s.responses[req.URL.String()]; ok {
		return resp.Clone(), nil
	}
	return &Response{
		Status: http.StatusNotFound,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte("not found"),
	}, nil
}

type recordingClients struct {
	mu       sync.Mutex
	clients  []ClientInfo
	events   map[string][]ClientEvent
	dropping map[string]bool
}

func newRecordingClients(clients ...ClientInfo) *recordingClients {
	return &recordingClients{clients: clients, events: make(map[string][]ClientEvent), dropping: make(map[string]bool)}
}

// drop 让发往 id 的事件投递失败，模拟缓冲区已满的页面。
func (c *recordingClients) drop(id string, dropping bool) {
	c.mu.Lock()
	c.dropping[id] = dropping
	c.mu.Unlock()
}

func (c *recordingClients) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.clients[:0]
	for _, client := range c.clients {
		if client.ID != id {
			kept = append(kept, client)
		}
	}
	c.clients = kept
}

func (c *recordingClients) add(client ClientInfo) {
	c.mu.Lock()
	c.clients = append(c.clients, client)
	c.mu.Unlock()
}

func (c *recordingClients) List() []ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ClientInfo(nil), c.clients...)
}

func (c *recordingClients) Send(id string, event ClientEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropping[id] {
		return false
	}
	for _, client := range c.clients {
		if client.ID == id {
			c.events[id] = append(c.events[id], event)
			return true
		}
	}
	return false
}

func (c *recordingClients) eventsOf(id, kind string) []ClientEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ClientEvent
	for _, ev := range c.events[id] {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testVersion(name string, manifest ...string) Version {
	origin, _ := url.Parse(testOrigin)
	resolved := make([]string, len(manifest))
	for i, raw := range manifest {
		ref, _ := url.Parse(raw)
		resolved[i] = origin.ResolveReference(ref).String()
	}
	return Version{
		CacheName:       name,
		Origin:          origin,
		Manifest:        resolved,
		OfflineURL:      testOrigin + "/admin/",
		NotificationURL: testOrigin + "/admin/dashboard",
		AppName:         "Tag2QR",
		Icon:            testOrigin + "/static/icons/icon-192x192.svg",
	}
}

type runtimeFixture struct {
	runtime *Runtime
	network *stubNetwork
	storage cache.Storage
	clients *recordingClients
}

func newRuntimeFixture(t *testing.T, storage cache.Storage, opts ...func(*Options)) *runtimeFixture {
	t.Helper()
	if storage == nil {
		storage = cache.NewMemoryStorage(0)
	}
	network := newStubNetwork()
	clients := newRecordingClients()
	options := Options{
		Storage: storage,
		Fetcher: network,
		Clients: clients,
		Logger:  newTestLogger(),
		Version: testVersion("tag2qr-v1"),
	}
	for _, opt := range opts {
		opt(&options)
	}
	rt, err := New(options)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return &runtimeFixture{runtime: rt, network: network, storage: storage, clients: clients}
}

func (f *runtimeFixture) install(t *testing.T, version Version) *InstallResult {
	t.Helper()
	result, err := waitTask(t, f.runtime.Register(context.Background(), version))
	if err != nil {
		t.Fatalf("install %s: %v", version.CacheName, err)
	}
	install, ok := result.(*InstallResult)
	if !ok {
		t.Fatalf("unexpected install result %T", result)
	}
	return install
}

func (f *runtimeFixture) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.runtime.Settle(ctx); err != nil {
		t.Fatalf("settle: %v", err)
	}
}

func (f *runtimeFixture) fetch(t *testing.T, method, rawURL string, header http.Header) (*Response, bool) {
	t.Helper()
	target, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return f.runtime.HandleFetch(context.Background(), NewRequest(method, target, header, nil))
}

func waitTask(t *testing.T, task *Task) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return task.Wait(ctx)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func navigationHeader() http.Header {
	return http.Header{"Sec-Fetch-Mode": []string{ModeNavigate}, "Accept": []string{"text/html"}}
}

func imageHeader() http.Header {
	return http.Header{"Sec-Fetch-Mode": []string{ModeNoCORS}, "Accept": []string{"image/avif,image/webp,*/*"}}
}

// gatedStorage 让 Put 在 gate 关闭前阻塞，用于构造写入与删除的竞争。
type gatedStorage struct {
	cache.Storage
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	store, err := g.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &gatedStore{Store: store, storage: g}, nil
}

type gatedStore struct {
	cache.Store
	storage *gatedStorage
}

func (g *gatedStore) Put(ctx context.Context, key cache.Key, snapshot cache.Snapshot) error {
	if g.storage.gate != nil {
		select {
		case g.storage.entered <- struct{}{}:
		default:
		}
		<-g.storage.gate
	}
	return g.Store.Put(ctx, key, snapshot)
}
