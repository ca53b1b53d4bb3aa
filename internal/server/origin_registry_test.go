package server

import (
	"net/url"
	"testing"

	"github.com/offline-hub/offline-hub/internal/config"
)

func TestOriginRegistryLookupByHost(t *testing.T) {
	cfg := testConfig(5000)
	cfg.App.Proxy = "http://proxy.internal:3128"

	registry, err := NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("inventory.example.com")
	if !ok {
		t.Fatalf("expected app route")
	}
	if route.Name != "Tag2QR" || route.Kind != RouteApp {
		t.Errorf("wrong route returned: %+v", route)
	}
	if route.Upstream.String() != "http://127.0.0.1:8000" {
		t.Errorf("unexpected upstream URL: %s", route.Upstream)
	}
	if route.ProxyURL == nil || route.ProxyURL.Host != "proxy.internal:3128" {
		t.Errorf("expected proxy url, got %v", route.ProxyURL)
	}
	if route.ListenPort != cfg.Global.ListenPort {
		t.Fatalf("route listen port mismatch: %d", route.ListenPort)
	}

	cdn, ok := registry.Lookup("CDNJS.cloudflare.com.")
	if !ok {
		t.Fatalf("expected cross-origin route")
	}
	if cdn.Upstream.String() != cdn.Origin.String() {
		t.Errorf("cross-origin upstream should equal origin, got %s", cdn.Upstream)
	}
	if cdn.ProxyURL != nil {
		t.Errorf("expected nil proxy")
	}

	if got := len(registry.List()); got != 2 {
		t.Fatalf("expected 2 routes in list, got %d", got)
	}
	if registry.App().Name != "Tag2QR" {
		t.Fatalf("app route should be listed first")
	}
}

func TestOriginRegistryParsesHostHeaderPort(t *testing.T) {
	registry, err := NewOriginRegistry(testConfig(5000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := registry.Lookup("inventory.example.com:6000"); !ok {
		t.Fatalf("expected lookup to ignore host header port")
	}
}

func TestOriginRegistryLookupURLChecksScheme(t *testing.T) {
	registry, err := NewOriginRegistry(testConfig(5000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secure, _ := url.Parse("https://inventory.example.com/admin/")
	if _, ok := registry.LookupURL(secure); !ok {
		t.Fatalf("expected https lookup to match")
	}
	plain, _ := url.Parse("http://inventory.example.com/admin/")
	if _, ok := registry.LookupURL(plain); ok {
		t.Fatalf("scheme mismatch must not match")
	}
}

func TestOriginRegistryRejectsDuplicateHosts(t *testing.T) {
	cfg := testConfig(5000)
	cfg.CrossOrigins = append(cfg.CrossOrigins, config.CrossOriginConfig{
		Name:   "mirror",
		Origin: "https://inventory.example.com",
	})

	if _, err := NewOriginRegistry(cfg); err == nil {
		t.Fatalf("expected duplicate origin error")
	}
}
