package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/ksvietme/vmdefaults/internal/application"
	"github.com/ksvietme/vmdefaults/internal/config"
	"github.com/ksvietme/vmdefaults/internal/logging"
	"github.com/ksvietme/vmdefaults/internal/render"
	"github.com/ksvietme/vmdefaults/internal/settings"
)

var signalNotify = signal.Notify

type cli struct {
	app *kingpin.Application

	configFile   *string
	logLevel     *string
	logFormat    *string
	adminKey     *string
	rootKey      *string
	proxyMarker  *string
	validateKeys *bool

	show   *kingpin.CmdClause
	format *string

	check *kingpin.CmdClause

	serve          *kingpin.CmdClause
	port           *string
	rateLimitRPS   *float64
	rateLimitBurst *int

	validateKeysSet   bool
	rateLimitRPSSet   bool
	rateLimitBurstSet bool
}

func newCLI() *cli {
	c := &cli{}
	c.app = kingpin.New("vmdefaults", "Global VM provisioning defaults - SSH keys, resources, and proxy settings")
	c.configFile = c.app.Flag("config", "Path to YAML configuration file").String()
	c.logLevel = c.app.Flag("log-level", "Log level (debug, info, warn, error)").String()
	c.logFormat = c.app.Flag("log-format", "Log encoding (json, console, auto)").String()
	c.adminKey = c.app.Flag("admin-key", "Path to the administrative user's public key").String()
	c.rootKey = c.app.Flag("root-key", "Path to the root public key").String()
	c.proxyMarker = c.app.Flag("proxy-marker", "Path to the proxy marker file").String()
	c.validateKeys = c.app.Flag("validate-keys", "Reject keys that are not authorized_keys entries").
		IsSetByUser(&c.validateKeysSet).Bool()

	c.show = c.app.Command("show", "Load the settings once and print them").Default()
	c.format = c.show.Flag("format", "Output format").Short('f').Default(string(render.FormatJSON)).Enum(render.Formats()...)

	c.check = c.app.Command("check", "Load the settings once and report whether they are usable")

	c.serve = c.app.Command("serve", "Serve the settings over HTTP")
	c.port = c.serve.Flag("port", "HTTP port exposed by the service").String()
	c.rateLimitRPS = c.serve.Flag("rate-limit-rps", "Requests per second allowed (set 0 to disable)").
		IsSetByUser(&c.rateLimitRPSSet).Float64()
	c.rateLimitBurst = c.serve.Flag("rate-limit-burst", "Burst capacity for rate limiter (set 0 to disable)").
		IsSetByUser(&c.rateLimitBurstSet).Int()

	return c
}

func (c *cli) overrides() *config.CLIOverrides {
	overrides := &config.CLIOverrides{
		ConfigFile:      *c.configFile,
		AdminKeyPath:    c.adminKey,
		RootKeyPath:     c.rootKey,
		ProxyMarkerPath: c.proxyMarker,
		Port:            c.port,
		LogLevel:        c.logLevel,
		LogFormat:       c.logFormat,
	}

	if c.validateKeysSet {
		overrides.ValidateKeys = c.validateKeys
	}

	if c.rateLimitRPSSet {
		overrides.RateLimitRPS = c.rateLimitRPS
	}

	if c.rateLimitBurstSet {
		overrides.RateLimitBurst = c.rateLimitBurst
	}

	return overrides
}

func main() {
	c := newCLI()
	command := kingpin.MustParse(c.app.Parse(os.Args[1:]))

	cfg, err := config.Load(c.overrides())
	if err != nil {
		c.app.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		c.app.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()
	switch command {
	case c.show.FullCommand():
		err = runShow(ctx, cfg, render.Format(*c.format), os.Stdout)
	case c.check.FullCommand():
		err = runCheck(ctx, cfg, logger)
	case c.serve.FullCommand():
		err = runServe(ctx, cfg, logger)
	}
	if err != nil {
		logger.Fatal("command failed", zap.String("command", command), zap.Error(err))
	}
}

func loadOnce(ctx context.Context, cfg config.Config) (settings.Settings, error) {
	return settings.NewLoader(cfg.Paths(), cfg.LoaderOptions()...).Load(ctx)
}

func runShow(ctx context.Context, cfg config.Config, format render.Format, out io.Writer) error {
	loaded, err := loadOnce(ctx, cfg)
	if err != nil {
		return err
	}
	if err := render.Write(out, loaded, format); err != nil {
		return fmt.Errorf("render %s: %w", format, err)
	}
	return nil
}

func runCheck(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	loaded, err := loadOnce(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info("settings are usable", application.SettingsFields(loaded)...)
	return nil
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	app, err := application.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	shutdown(app.Server(), cfg.ShutdownGracePeriod, logger)
	return nil
}

func shutdown(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := server.Close(); closeErr != nil {
			logger.Error("forced close failed", zap.Error(closeErr))
		}
	}
}
