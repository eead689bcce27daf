package application

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap/zaptest"

	"github.com/ksvietme/vmdefaults/internal/config"
	"github.com/ksvietme/vmdefaults/internal/settings"
)

const testHome = "/home/admin"

func newTestFs(t *testing.T, marker string) afero.Fs {
	t.Helper()

	fs := afero.NewMemMapFs()
	paths := settings.DefaultPaths(testHome)
	files := map[string]string{
		paths.AdminKey:    "ssh-rsa AAAA... admin\n",
		paths.RootKey:     "ssh-rsa BBBB... root\n",
		paths.ProxyMarker: marker,
	}
	for path, body := range files {
		if err := afero.WriteFile(fs, path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return fs
}

func TestNewInitializesDependencies(t *testing.T) {
	cfg := baseTestConfig(":8085")
	logger := zaptest.NewLogger(t)

	app, err := New(cfg, logger, WithFs(newTestFs(t, "True\n")))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if app.server == nil || app.router == nil || app.handler == nil || app.loader == nil || app.metrics == nil {
		t.Fatalf("expected server, router, handler, loader, and metrics to be initialized")
	}
	if app.Server() != app.server {
		t.Fatalf("Server accessor did not return underlying instance")
	}
	if app.Router() != app.router {
		t.Fatalf("Router accessor did not return underlying instance")
	}
	if app.loader.Paths() != cfg.Paths() {
		t.Fatalf("expected loader to use configured paths")
	}
}

func TestNewRequiresLogger(t *testing.T) {
	if _, err := New(baseTestConfig(":0"), nil); err == nil {
		t.Fatalf("expected error without logger")
	}
}

func TestNewServerAppliesConfig(t *testing.T) {
	cfg := baseTestConfig("9090")
	handler := http.NewServeMux()

	server := NewServer(cfg, handler)
	if server.Addr != ":9090" {
		t.Fatalf("expected address :9090, got %s", server.Addr)
	}
	if server.Handler != handler {
		t.Fatalf("expected handler to be applied")
	}
	if server.ReadHeaderTimeout != cfg.ReadHeaderTimeout ||
		server.WriteTimeout != cfg.WriteTimeout ||
		server.IdleTimeout != cfg.IdleTimeout {
		t.Fatalf("server timeouts do not match configuration")
	}
}

func TestReloadStoresSnapshot(t *testing.T) {
	app, err := New(baseTestConfig(":0"), zaptest.NewLogger(t), WithFs(newTestFs(t, "True\n")))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	loaded, err := app.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}
	if !loaded.ProxyEnabled() {
		t.Fatalf("expected proxy to be enabled")
	}

	stored, _, err := app.storage.Get()
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !stored.Equal(loaded) {
		t.Fatalf("expected stored settings to match loaded ones")
	}
}

func TestReloadFailureKeepsSnapshot(t *testing.T) {
	fs := newTestFs(t, "False\n")
	app, err := New(baseTestConfig(":0"), zaptest.NewLogger(t), WithFs(fs))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	first, err := app.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}

	if err := fs.Remove(settings.DefaultPaths(testHome).RootKey); err != nil {
		t.Fatalf("remove root key: %v", err)
	}
	_, err = app.Reload(context.Background())
	if !errors.Is(err, settings.ErrMissingCredentialFile) {
		t.Fatalf("expected ErrMissingCredentialFile, got %v", err)
	}

	stored, _, err := app.storage.Get()
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !stored.Equal(first) {
		t.Fatalf("expected previous snapshot to survive a failed reload")
	}
}

// gatedFs blocks the first Open of one path until release is closed.
type gatedFs struct {
	afero.Fs
	path    string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFs) Open(name string) (afero.File, error) {
	if name == g.path {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.Fs.Open(name)
}

func TestConcurrentReloadsKeepNewestSnapshot(t *testing.T) {
	paths := settings.DefaultPaths(testHome)
	base := newTestFs(t, "False\n")
	if err := afero.WriteFile(base, paths.AdminKey, []byte("ssh-rsa OLD\n"), 0o644); err != nil {
		t.Fatalf("write admin key: %v", err)
	}
	gated := &gatedFs{
		Fs:      base,
		path:    paths.ProxyMarker,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	app, err := New(baseTestConfig(":0"), zaptest.NewLogger(t), WithFs(gated))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := app.Reload(context.Background())
		errs <- err
	}()

	select {
	case <-gated.entered:
	case <-time.After(time.Second):
		t.Fatalf("first reload never reached the marker file")
	}

	// the first reload already holds the old admin key
	if err := afero.WriteFile(base, paths.AdminKey, []byte("ssh-rsa NEW\n"), 0o644); err != nil {
		t.Fatalf("rewrite admin key: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := app.Reload(context.Background())
		errs <- err
	}()

	// give the second reload time to finish if nothing orders it behind the first
	time.Sleep(50 * time.Millisecond)
	close(gated.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Reload returned error: %v", err)
		}
	}

	stored, _, err := app.storage.Get()
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.AdminKey != "ssh-rsa NEW" {
		t.Fatalf("expected newest admin key to win, got %q", stored.AdminKey)
	}
}

func TestStartFailsWithoutCredentials(t *testing.T) {
	fs := afero.NewMemMapFs()
	app, err := New(baseTestConfig(":0"), zaptest.NewLogger(t), WithFs(fs))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if err := app.Start(context.Background()); !errors.Is(err, settings.ErrMissingCredentialFile) {
		t.Fatalf("expected ErrMissingCredentialFile from Start, got %v", err)
	}
}

func TestRouterServesMetricsAfterReload(t *testing.T) {
	app, err := New(baseTestConfig(":0"), zaptest.NewLogger(t), WithFs(newTestFs(t, "True\n")))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := app.Reload(context.Background()); err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}

	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `vmdefaults_settings_loads_total{result="ok"} 1`) {
		t.Fatalf("expected ok load to be counted, got:\n%s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "vmdefaults_proxy_enabled 1") {
		t.Fatalf("expected proxy gauge to be set")
	}
}

func TestSettingsFields(t *testing.T) {
	proxy := settings.DefaultProxy()
	fields := SettingsFields(settings.Settings{DefaultCPU: "1", DefaultMemoryMB: "512", Proxy: &proxy})

	keys := make(map[string]bool, len(fields))
	for _, f := range fields {
		keys[f.Key] = true
	}
	for _, want := range []string{"default_cpu", "default_memory_mb", "proxy_enabled", "http_proxy", "no_proxy"} {
		if !keys[want] {
			t.Fatalf("expected field %s in %v", want, keys)
		}
	}
	if keys["admin_key_fingerprint"] {
		t.Fatalf("did not expect a fingerprint for an empty key")
	}
}

func baseTestConfig(port string) config.Config {
	paths := settings.DefaultPaths(testHome)
	return config.Config{
		AdminKeyPath:         paths.AdminKey,
		RootKeyPath:          paths.RootKey,
		ProxyMarkerPath:      paths.ProxyMarker,
		MarkerToken:          settings.DefaultMarkerToken,
		Proxy:                settings.DefaultProxy(),
		CPU:                  settings.DefaultCPU,
		MemoryMB:             settings.DefaultMemoryMB,
		Port:                 port,
		ShutdownGracePeriod:  50 * time.Millisecond,
		ReadHeaderTimeout:    20 * time.Millisecond,
		WriteTimeout:         30 * time.Millisecond,
		IdleTimeout:          40 * time.Millisecond,
		EnableRequestLogging: false,
		RateLimitRPS:         0,
		RateLimitBurst:       0,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}
