package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ksvietme/vmdefaults/internal/api"
	"github.com/ksvietme/vmdefaults/internal/config"
	"github.com/ksvietme/vmdefaults/internal/metrics"
	"github.com/ksvietme/vmdefaults/internal/settings"
	"github.com/ksvietme/vmdefaults/internal/storage"
)

// App encapsulates the application dependencies and HTTP server.
type App struct {
	loader  *settings.Loader
	storage storage.Storage
	metrics *metrics.Metrics
	handler *api.Handler
	router  http.Handler
	logger  *zap.Logger
	server  *http.Server

	// reloadMu orders Load+Set pairs so a slow reload cannot overwrite a newer snapshot.
	reloadMu sync.Mutex
}

// Option configures App construction.
type Option func(*options)

type options struct {
	fs afero.Fs
}

// WithFs replaces the filesystem the settings are read from.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// New initializes the application with all dependencies from the provided configuration.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	loaderOpts := append(cfg.LoaderOptions(), settings.WithFs(o.fs))
	app := &App{
		loader:  settings.NewLoader(cfg.Paths(), loaderOpts...),
		storage: storage.NewMemoryStorage(),
		metrics: metrics.New(),
		logger:  logger,
	}

	app.handler = api.NewHandler(app.storage, app)
	app.router = api.NewRouter(app.handler, logger,
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		api.WithMetricsHandler(app.metrics.Handler()),
	)
	app.server = NewServer(cfg, app.router)

	return app, nil
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	addr := cfg.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// Reload reads the settings files and, on success, replaces the stored snapshot.
// A failed load leaves the previous snapshot untouched.
func (a *App) Reload(ctx context.Context) (settings.Settings, error) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	start := time.Now()
	loaded, err := a.loader.Load(ctx)
	a.metrics.ObserveLoad(loaded, err, time.Since(start))
	if err != nil {
		a.logger.Warn("settings load failed",
			zap.String("kind", string(settings.KindOf(err))),
			zap.Error(err),
		)
		return settings.Settings{}, fmt.Errorf("load settings: %w", err)
	}

	if err := a.storage.Set(loaded); err != nil {
		return settings.Settings{}, fmt.Errorf("store settings: %w", err)
	}

	a.logger.Info("settings loaded", SettingsFields(loaded)...)
	return loaded, nil
}

// Start performs the initial load and then serves HTTP in a goroutine.
// Serving without credentials is pointless, so a failed initial load is returned.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.Reload(ctx); err != nil {
		return err
	}

	go func() {
		a.logger.Info("server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()
	return nil
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Router returns the root HTTP handler.
func (a *App) Router() http.Handler {
	return a.router
}

// SettingsFields describes s for structured logs without dumping the raw keys.
func SettingsFields(s settings.Settings) []zap.Field {
	fields := []zap.Field{
		zap.String("default_cpu", s.DefaultCPU),
		zap.String("default_memory_mb", s.DefaultMemoryMB),
		zap.Bool("proxy_enabled", s.ProxyEnabled()),
	}
	if fp, err := settings.Fingerprint(s.AdminKey); err == nil {
		fields = append(fields, zap.String("admin_key_fingerprint", fp))
	}
	if fp, err := settings.Fingerprint(s.RootKey); err == nil {
		fields = append(fields, zap.String("root_key_fingerprint", fp))
	}
	if s.Proxy != nil {
		fields = append(fields,
			zap.String("http_proxy", s.Proxy.HTTP),
			zap.String("https_proxy", s.Proxy.HTTPS),
			zap.String("no_proxy", s.Proxy.NoProxy),
		)
	}
	return fields
}
