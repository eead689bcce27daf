package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	osSignal "os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ksvietme/vmdefaults/internal/config"
	"github.com/ksvietme/vmdefaults/internal/render"
	"github.com/ksvietme/vmdefaults/internal/settings"
)

func writeFixture(t *testing.T, marker string) config.Config {
	t.Helper()

	home := t.TempDir()
	paths := settings.DefaultPaths(home)
	files := map[string]string{
		paths.AdminKey:    "ssh-rsa AAAA...\nextra line\n",
		paths.RootKey:     "ssh-rsa BBBB...\n",
		paths.ProxyMarker: marker,
	}
	for path, body := range files {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	return config.Config{
		AdminKeyPath:    paths.AdminKey,
		RootKeyPath:     paths.RootKey,
		ProxyMarkerPath: paths.ProxyMarker,
		MarkerToken:     settings.DefaultMarkerToken,
		Proxy:           settings.DefaultProxy(),
		CPU:             settings.DefaultCPU,
		MemoryMB:        settings.DefaultMemoryMB,
	}
}

func TestCLIParsesCommands(t *testing.T) {
	t.Run("show is the default command", func(t *testing.T) {
		c := newCLI()
		command, err := c.app.Parse([]string{"--admin-key", "/k/admin.pub"})
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if command != c.show.FullCommand() {
			t.Fatalf("expected show, got %s", command)
		}
		if *c.format != "json" {
			t.Fatalf("expected json default format, got %s", *c.format)
		}
		overrides := c.overrides()
		if *overrides.AdminKeyPath != "/k/admin.pub" {
			t.Fatalf("expected admin key override, got %s", *overrides.AdminKeyPath)
		}
		if overrides.ValidateKeys != nil || overrides.RateLimitRPS != nil || overrides.RateLimitBurst != nil {
			t.Fatalf("expected unset flags to stay nil: %+v", overrides)
		}
	})

	t.Run("serve flags", func(t *testing.T) {
		c := newCLI()
		command, err := c.app.Parse([]string{"--validate-keys", "serve", "--port", "9000", "--rate-limit-rps", "0"})
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if command != c.serve.FullCommand() {
			t.Fatalf("expected serve, got %s", command)
		}
		overrides := c.overrides()
		if overrides.ValidateKeys == nil || !*overrides.ValidateKeys {
			t.Fatalf("expected validate-keys override")
		}
		if overrides.RateLimitRPS == nil || *overrides.RateLimitRPS != 0 {
			t.Fatalf("expected explicit zero rps override")
		}
		if overrides.RateLimitBurst != nil {
			t.Fatalf("expected burst to stay unset")
		}
		if *overrides.Port != "9000" {
			t.Fatalf("expected port override, got %s", *overrides.Port)
		}
	})

	t.Run("rejects unknown format", func(t *testing.T) {
		c := newCLI()
		if _, err := c.app.Parse([]string{"show", "--format", "xml"}); err == nil {
			t.Fatalf("expected parse error for unknown format")
		}
	})
}

func TestRunShow(t *testing.T) {
	cfg := writeFixture(t, "True\n")

	var out bytes.Buffer
	if err := runShow(context.Background(), cfg, render.FormatEnv, &out); err != nil {
		t.Fatalf("runShow returned error: %v", err)
	}
	if !strings.Contains(out.String(), "export VM_ADMIN_KEY='ssh-rsa AAAA...'\n") {
		t.Fatalf("expected first line of admin key, got:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "export http_proxy='http://proxy.foobar.com:911'") {
		t.Fatalf("expected proxy exports, got:\n%s", out.String())
	}
}

func TestRunShowFailsOnEmptyKey(t *testing.T) {
	cfg := writeFixture(t, "False\n")
	if err := os.WriteFile(cfg.AdminKeyPath, nil, 0o600); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	var out bytes.Buffer
	err := runShow(context.Background(), cfg, render.FormatJSON, &out)
	if !errors.Is(err, settings.ErrEmptyCredentialFile) {
		t.Fatalf("expected ErrEmptyCredentialFile, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output on failure, got %q", out.String())
	}
}

func TestRunCheck(t *testing.T) {
	cfg := writeFixture(t, "False\n")
	if err := runCheck(context.Background(), cfg, zaptest.NewLogger(t)); err != nil {
		t.Fatalf("runCheck returned error: %v", err)
	}

	if err := os.Remove(cfg.ProxyMarkerPath); err != nil {
		t.Fatalf("remove marker: %v", err)
	}
	err := runCheck(context.Background(), cfg, zaptest.NewLogger(t))
	if !errors.Is(err, settings.ErrMissingProxyMarkerFile) {
		t.Fatalf("expected ErrMissingProxyMarkerFile, got %v", err)
	}
}

func stubSignals(t *testing.T) {
	t.Helper()

	t.Cleanup(func() {
		signalNotify = osSignal.Notify
	})
	signalNotify = func(ch chan<- os.Signal, _ ...os.Signal) {
		go func() {
			ch <- syscall.SIGTERM
		}()
	}
}

func TestShutdownOnSignal(t *testing.T) {
	stubSignals(t)

	server := &http.Server{}
	called := make(chan struct{}, 1)
	server.RegisterOnShutdown(func() {
		called <- struct{}{}
	})

	shutdown(server, time.Second, zaptest.NewLogger(t))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatalf("expected server shutdown callback to execute")
	}
}

func TestShutdownForcesCloseWhenRequestsLinger(t *testing.T) {
	stubSignals(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	clientErr := make(chan error, 1)
	go func() {
		resp, err := http.Get(ts.URL)
		if err == nil {
			resp.Body.Close()
		}
		clientErr <- err
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatalf("request never reached the handler")
	}

	// the in-flight request outlives the grace period, so Close must cut it
	shutdown(ts.Config, time.Millisecond, zaptest.NewLogger(t))
	close(release)

	select {
	case err := <-clientErr:
		if err == nil {
			t.Fatalf("expected the lingering request to be cut off")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("lingering request was not closed")
	}

	if _, err := http.Get(ts.URL); err == nil {
		t.Fatalf("expected server to stop accepting connections")
	}
}
