package worker

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"

	"github.com/offline-hub/offline-hub/internal/cache"
)

func TestSameOriginSuccessIsCachedByteForByte(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.install(t, testVersion("tag2qr-v1"))

	target := testOrigin + "/admin/products?page=2"
	f.network.serve(target, http.StatusOK, "text/html", "<h1>products</h1>")

	live, handled := f.fetch(t, http.MethodGet, target, navigationHeader())
	if !handled {
		t.Fatalf("same-origin GET should be intercepted")
	}
	if live.Source != SourceNetwork || live.Status != http.StatusOK {
		t.Fatalf("unexpected live response: %+v", live)
	}
	f.settle(t)

	f.network.setOffline(true)
	offline, handled := f.fetch(t, http.MethodGet, target, navigationHeader())
	if !handled {
		t.Fatalf("offline fetch should be intercepted")
	}
	if offline.Source != SourceCache {
		t.Fatalf("expected cache source, got %s", offline.Source)
	}
	if !bytes.Equal(offline.Body, live.Body) {
		t.Fatalf("cached body mismatch: %q vs %q", offline.Body, live.Body)
	}
	if offline.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("cached header lost: %v", offline.Header)
	}
}

func TestCrossOriginResponsesAreNeverCached(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.install(t, testVersion("tag2qr-v1"))

	for _, status := range []int{http.StatusOK, http.StatusNotFound, http.StatusInternalServerError} {
		target := "https://cdnjs.cloudflare.com/lib-" + strconv.Itoa(status) + ".js"
		f.network.serve(target, status, "application/javascript", "lib")
		resp, handled := f.fetch(t, http.MethodGet, target, imageHeader())
		if !handled || resp.Status != status || string(resp.Body) != "lib" {
			t.Fatalf("cross-origin fetch should pass network response through: %+v", resp)
		}
	}
	f.settle(t)

	store := openCurrent(t, f)
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("cross-origin responses must not be cached, got %v", keys)
	}
}

func TestNonGetRequestsBypassCache(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.install(t, testVersion("tag2qr-v1"))
	calls := f.network.callCount()

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead} {
		if _, handled := f.fetch(t, method, testOrigin+"/admin/products", nil); handled {
			t.Fatalf("%s must not be intercepted", method)
		}
	}
	if f.network.callCount() != calls {
		t.Fatalf("unintercepted requests must not reach the worker network")
	}
	keys, err := openCurrent(t, f).Keys(context.Background())
	if err != nil || len(keys) != 0 {
		t.Fatalf("store must stay untouched, got %v %v", keys, err)
	}
}

func TestExtensionSchemesAreIgnored(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.install(t, testVersion("tag2qr-v1"))
	if _, handled := f.fetch(t, http.MethodGet, "chrome-extension://abcdef/script.js", nil); handled {
		t.Fatalf("extension scheme must not be intercepted")
	}
}

func TestNothingInterceptedBeforeActivation(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	if _, handled := f.fetch(t, http.MethodGet, testOrigin+"/admin/", navigationHeader()); handled {
		t.Fatalf("requests must pass through while no generation is active")
	}
}

func TestNon200IsReturnedWithoutFallback(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	target := testOrigin + "/admin/report"
	f.network.serve(target, http.StatusOK, "text/html", "cached report")
	f.install(t, testVersion("tag2qr-v1", "/admin/report"))

	f.network.serve(target, http.StatusNotFound, "text/plain", "gone")
	resp, _ := f.fetch(t, http.MethodGet, target, navigationHeader())
	if resp.Status != http.StatusNotFound || string(resp.Body) != "gone" {
		t.Fatalf("non-200 must be shown as-is, got %d %q", resp.Status, resp.Body)
	}
	f.settle(t)

	snap, err := openCurrent(t, f).Match(context.Background(), cache.NewKey(http.MethodGet, target))
	if err != nil || string(snap.Body) != "cached report" {
		t.Fatalf("non-200 must not overwrite cache, got %v %v", snap, err)
	}
}

func TestOfflineNavigationServesOfflinePage(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.network.serve(testOrigin+"/admin/", http.StatusOK, "text/html", "<h1>offline shell</h1>")
	f.install(t, testVersion("tag2qr-v1", "/admin/"))
	f.network.setOffline(true)

	resp, handled := f.fetch(t, http.MethodGet, testOrigin+"/admin/dashboard", navigationHeader())
	if !handled {
		t.Fatalf("navigation should be intercepted")
	}
	if resp.Source != SourceOffline || resp.Status != http.StatusOK {
		t.Fatalf("expected offline page, got %s %d", resp.Source, resp.Status)
	}
	if string(resp.Body) != "<h1>offline shell</h1>" {
		t.Fatalf("unexpected offline body: %q", resp.Body)
	}
}

func TestOfflineSubresourceMissReturns503(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.network.serve(testOrigin+"/admin/", http.StatusOK, "text/html", "<h1>offline shell</h1>")
	f.install(t, testVersion("tag2qr-v1", "/admin/"))
	f.network.setOffline(true)

	resp, _ := f.fetch(t, http.MethodGet, testOrigin+"/static/img/product-7.png", imageHeader())
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Status)
	}
	if resp.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("expected text/plain, got %q", resp.Header.Get("Content-Type"))
	}
	if string(resp.Body) != offlineUnavailableBody {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
	if resp.Source != SourceSynthetic {
		t.Fatalf("unexpected source: %s", resp.Source)
	}
}

func TestOfflineNavigationWithoutOfflinePageReturns503(t *testing.T) {
	f := newRuntimeFixture(t, nil)
	f.install(t, testVersion("tag2qr-v1"))
	f.network.setOffline(true)

	resp, _ := f.fetch(t, http.MethodGet, testOrigin+"/admin/dashboard", navigationHeader())
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when offline page is absent, got %d", resp.Status)
	}
}

func TestQuotaExceededStillReturnsNetworkResponse(t *testing.T) {
	f := newRuntimeFixture(t, cache.NewMemoryStorage(16))
	f.install(t, testVersion("tag2qr-v1"))

	target := testOrigin + "/static/js/main.js"
	f.network.serve(target, http.StatusOK, "application/javascript", "console.log('a very large bundle');")
	resp, _ := f.fetch(t, http.MethodGet, target, imageHeader())
	if resp.Status != http.StatusOK || resp.Source != SourceNetwork {
		t.Fatalf("network response must be returned despite quota errors: %+v", resp)
	}
	f.settle(t)

	if _, err := openCurrent(t, f).Match(context.Background(), cache.NewKey(http.MethodGet, target)); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("oversized entry must not be stored, got %v", err)
	}
}

func TestRequestModeInference(t *testing.T) {
	cases := []struct {
		method string
		header http.Header
		want   string
	}{
		{http.MethodGet, http.Header{"Sec-Fetch-Mode": []string{"Navigate"}}, ModeNavigate},
		{http.MethodGet, http.Header{"Sec-Fetch-Dest": []string{"document"}}, ModeNavigate},
		{http.MethodGet, http.Header{"Accept": []string{"text/html,application/xhtml+xml"}}, ModeNavigate},
		{http.MethodGet, http.Header{"Accept": []string{"image/png"}}, ModeNoCORS},
		{http.MethodPost, http.Header{"Accept": []string{"text/html"}}, ModeCORS},
	}
	for _, tc := range cases {
		req := NewRequest(tc.method, mustURL(t, testOrigin+"/"), tc.header, nil)
		if req.Mode != tc.want {
			t.Fatalf("mode for %v = %s, want %s", tc.header, req.Mode, tc.want)
		}
	}
}

func TestSameOriginComparesDefaultPorts(t *testing.T) {
	if !sameOrigin(mustURL(t, "https://inventory.example.com:443/a"), mustURL(t, testOrigin)) {
		t.Fatalf("explicit default port should be same origin")
	}
	if sameOrigin(mustURL(t, "http://inventory.example.com/a"), mustURL(t, testOrigin)) {
		t.Fatalf("scheme mismatch must not be same origin")
	}
}

func openCurrent(t *testing.T, f *runtimeFixture) cache.Store {
	t.Helper()
	store, _, err := f.runtime.Generations().Store(context.Background())
	if err != nil {
		t.Fatalf("current store: %v", err)
	}
	return store
}
