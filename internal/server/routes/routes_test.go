package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

type gatewayFixture struct {
	app     *fiber.App
	runtime *worker.Runtime
	hub     *server.ClientHub
	version worker.Version
}

func testAppConfig() config.AppConfig {
	return config.AppConfig{
		Name:            "Tag2QR",
		Origin:          "https://inventory.example.com",
		Upstream:        "http://127.0.0.1:8000",
		CacheName:       "tag2qr-v1",
		OfflineURL:      "/admin/",
		NotificationURL: "/admin/dashboard",
		Manifest:        []string{"/admin/"},
	}
}

func newFixture(t *testing.T, fetch worker.FetcherFunc, update UpdateFunc) *gatewayFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{Global: config.GlobalConfig{ListenPort: 5000}, App: testAppConfig()}
	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	version, err := worker.VersionFromConfig(cfg.App)
	if err != nil {
		t.Fatalf("version: %v", err)
	}

	hub := server.NewClientHub(0)
	runtime, err := worker.New(worker.Options{
		Storage: cache.NewMemoryStorage(0),
		Fetcher: fetch,
		Clients: hub,
		Logger:  logger,
		Version: version,
	})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runtime.Shutdown(ctx)
	})
	if update == nil {
		update = func(ctx context.Context) (*worker.Task, error) {
			return runtime.Register(ctx, version), nil
		}
	}

	app := fiber.New()
	RegisterWorkerRoutes(app, Options{
		Runtime:     runtime,
		Clients:     hub,
		Registry:    registry,
		Logger:      logger,
		Update:      update,
		TaskTimeout: 5 * time.Second,
	})
	RegisterEventRoutes(app, EventsOptions{Clients: hub, Registry: registry, Logger: logger, Heartbeat: time.Hour})
	RegisterMetricsRoute(app)

	return &gatewayFixture{app: app, runtime: runtime, hub: hub, version: version}
}

func okFetcher(_ context.Context, req *worker.Request) (*worker.Response, error) {
	return &worker.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   []byte("<h1>" + req.URL.Path + "</h1>"),
	}, nil
}

func (f *gatewayFixture) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestMessagesRejectUnknownType(t *testing.T) {
	f := newFixture(t, okFetcher, nil)

	resp, body := f.post(t, "/-/messages", `{"type":"RELOAD_EVERYTHING"}`)
	if resp.StatusCode != fiber.StatusBadRequest || !bytes.Contains(body, []byte("unknown_message")) {
		t.Fatalf("expected unknown_message, got %d %s", resp.StatusCode, body)
	}

	resp, body = f.post(t, "/-/messages", `not json`)
	if resp.StatusCode != fiber.StatusBadRequest || !bytes.Contains(body, []byte("invalid_message")) {
		t.Fatalf("expected invalid_message, got %d %s", resp.StatusCode, body)
	}
}

func TestUpdateThenSkipWaitingActivatesGeneration(t *testing.T) {
	f := newFixture(t, okFetcher, nil)

	resp, body := f.post(t, "/-/update", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("update failed: %d %s", resp.StatusCode, body)
	}
	var install worker.InstallResult
	if err := json.Unmarshal(body, &install); err != nil {
		t.Fatalf("decode install: %v", err)
	}
	if !install.Activated {
		t.Fatalf("first install should activate: %s", body)
	}

	resp, body = f.post(t, "/-/messages", `{"type":"SKIP_WAITING"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("skip waiting failed: %d %s", resp.StatusCode, body)
	}

	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/-/status", nil))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status struct {
		Worker  worker.Status `json:"worker"`
		Origins []struct {
			Name string `json:"name"`
			Kind string `json:"kind"`
		} `json:"origins"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Worker.Active == nil || status.Worker.Active.CacheName != "tag2qr-v1" {
		t.Fatalf("expected active tag2qr-v1, got %+v", status.Worker.Active)
	}
	if len(status.Origins) != 1 || status.Origins[0].Kind != server.RouteApp {
		t.Fatalf("unexpected origins %+v", status.Origins)
	}
}

func TestUpdateReportsInstallFailure(t *testing.T) {
	f := newFixture(t, func(context.Context, *worker.Request) (*worker.Response, error) {
		return &worker.Response{Status: http.StatusNotFound, Header: http.Header{}}, nil
	}, nil)

	resp, body := f.post(t, "/-/update", "")
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d %s", resp.StatusCode, body)
	}
	var payload struct {
		Error  string `json:"error"`
		URL    string `json:"url"`
		Status int    `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error != "install_failed" || payload.Status != http.StatusNotFound {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.URL != "https://inventory.example.com/admin/" {
		t.Fatalf("unexpected failing url %q", payload.URL)
	}
}

func TestUpdateReportsOriginChange(t *testing.T) {
	f := newFixture(t, okFetcher, func(context.Context) (*worker.Task, error) {
		return nil, server.ErrOriginChanged
	})

	resp, body := f.post(t, "/-/update", "")
	if resp.StatusCode != fiber.StatusConflict || !bytes.Contains(body, []byte("origin_changed")) {
		t.Fatalf("expected origin_changed, got %d %s", resp.StatusCode, body)
	}
}

func TestUpdateReportsRoutingChange(t *testing.T) {
	f := newFixture(t, okFetcher, func(context.Context) (*worker.Task, error) {
		return nil, fmt.Errorf("%w: Upstream", server.ErrRoutingChanged)
	})

	resp, body := f.post(t, "/-/update", "")
	if resp.StatusCode != fiber.StatusConflict || !bytes.Contains(body, []byte("routing_changed")) {
		t.Fatalf("expected routing_changed, got %d %s", resp.StatusCode, body)
	}
}

func TestPushValidatesPayload(t *testing.T) {
	f := newFixture(t, okFetcher, nil)

	resp, body := f.post(t, "/-/push", `{"title":`)
	if resp.StatusCode != fiber.StatusBadRequest || !bytes.Contains(body, []byte("invalid_push_payload")) {
		t.Fatalf("expected invalid_push_payload, got %d %s", resp.StatusCode, body)
	}

	resp, body = f.post(t, "/-/push", `{"body":"Stock low"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("push failed: %d %s", resp.StatusCode, body)
	}
	var notification worker.Notification
	if err := json.Unmarshal(body, &notification); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if notification.Title != "Tag2QR" || notification.Body != "Stock low" || notification.Data != "/" {
		t.Fatalf("unexpected notification %+v", notification)
	}
}

func TestNotificationClickOpensWindowWithoutClients(t *testing.T) {
	f := newFixture(t, okFetcher, nil)

	resp, body := f.post(t, "/-/notificationclick", `{"data":"/admin/dashboard"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("click failed: %d %s", resp.StatusCode, body)
	}
	var click worker.ClickResult
	if err := json.Unmarshal(body, &click); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if click.Action != "openwindow" || click.URL != "https://inventory.example.com/admin/dashboard" {
		t.Fatalf("unexpected click result %+v", click)
	}

	resp, body = f.post(t, "/-/notificationclick", `{"action":"close"}`)
	if resp.StatusCode != fiber.StatusOK || !bytes.Contains(body, []byte(`"closed"`)) {
		t.Fatalf("expected closed action, got %d %s", resp.StatusCode, body)
	}
}

func TestSyncRequiresTag(t *testing.T) {
	f := newFixture(t, okFetcher, nil)

	resp, _ := f.post(t, "/-/sync", `{}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 without tag, got %d", resp.StatusCode)
	}
	resp, _ = f.post(t, "/-/sync", `{"tag":"sync-products"}`)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
}

func TestEventsStreamDeliversQueuedEvents(t *testing.T) {
	f := newFixture(t, okFetcher, nil)

	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for f.hub.Len() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		f.hub.Send("page-1", worker.ClientEvent{Type: worker.EventFocus, Data: map[string]string{"url": "https://inventory.example.com/admin/dashboard"}})
		f.hub.CloseAll()
	}()

	req := httptest.NewRequest(http.MethodGet, "/-/events?id=page-1&url=/admin/dashboard", nil)
	resp, err := f.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/event-stream") {
		t.Fatalf("unexpected content type %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	if !strings.Contains(text, "event: hello\ndata: {\"id\":\"page-1\",\"url\":\"https://inventory.example.com/admin/dashboard\"}\n\n") {
		t.Fatalf("missing hello frame: %q", text)
	}
	if !strings.Contains(text, "event: focus\n") {
		t.Fatalf("missing focus frame: %q", text)
	}
	if f.hub.Len() != 0 {
		t.Fatalf("client should be disconnected after stream ends")
	}
}

func TestEncodeEventFrames(t *testing.T) {
	var buf bytes.Buffer
	if err := encodeEvent(&buf, worker.ClientEvent{Type: eventPing}); err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	if buf.String() != "event: ping\ndata: {}\n\n" {
		t.Fatalf("unexpected ping frame %q", buf.String())
	}

	buf.Reset()
	if err := encodeEvent(&buf, worker.ClientEvent{Type: worker.EventControllerChange, Data: map[string]string{"generation": "tag2qr-v2"}}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if buf.String() != "event: controllerchange\ndata: {\"generation\":\"tag2qr-v2\"}\n\n" {
		t.Fatalf("unexpected frame %q", buf.String())
	}

	if err := encodeEvent(&buf, worker.ClientEvent{Type: "bad", Data: make(chan int)}); err == nil {
		t.Fatalf("expected encode error for unsupported data")
	}
}

func TestResolvePageURL(t *testing.T) {
	registry, err := server.NewOriginRegistry(&config.Config{Global: config.GlobalConfig{ListenPort: 5000}, App: testAppConfig()})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cases := map[string]string{
		"":                      "https://inventory.example.com/",
		"/admin/dashboard":      "https://inventory.example.com/admin/dashboard",
		"/admin/dashboard#tabs": "https://inventory.example.com/admin/dashboard",
		"https://inventory.example.com/admin/?q=1": "https://inventory.example.com/admin/?q=1",
	}
	for raw, want := range cases {
		got, err := resolvePageURL(registry, raw)
		if err != nil {
			t.Fatalf("resolve %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("resolve %q = %q, want %q", raw, got, want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, okFetcher, nil)
	worker.FetchTotal.WithLabelValues(string(worker.SourceNetwork)).Inc()

	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || !bytes.Contains(body, []byte("offline_hub_fetch_total")) {
		t.Fatalf("expected prometheus output, got %d", resp.StatusCode)
	}
}
