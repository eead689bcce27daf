package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ksvietme/vmdefaults/internal/settings"
)

const (
	defaultPort           = "8080"
	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
)

var userHomeDir = os.UserHomeDir

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > YAML config > Environment variables > Defaults
type Config struct {
	AdminKeyPath    string
	RootKeyPath     string
	ProxyMarkerPath string
	MarkerToken     string
	ValidateKeys    bool
	Proxy           settings.ProxyConfig
	CPU             string
	MemoryMB        string

	Port                 string
	ShutdownGracePeriod  time.Duration
	ReadHeaderTimeout    time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	EnableRequestLogging bool
	RateLimitRPS         float64
	RateLimitBurst       int

	LogLevel  string
	LogFormat string
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	Paths                yamlPaths     `yaml:"paths"`
	MarkerToken          string        `yaml:"marker_token"`
	ValidateKeys         *bool         `yaml:"validate_keys"`
	Proxy                yamlProxy     `yaml:"proxy"`
	Resources            yamlResources `yaml:"resources"`
	Port                 string        `yaml:"port"`
	ShutdownGracePeriod  string        `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    string        `yaml:"read_header_timeout"`
	WriteTimeout         string        `yaml:"write_timeout"`
	IdleTimeout          string        `yaml:"idle_timeout"`
	EnableRequestLogging *bool         `yaml:"enable_request_logging"`
	RateLimit            yamlRateLimit `yaml:"rate_limit"`
	Log                  yamlLog       `yaml:"log"`
}

type yamlPaths struct {
	AdminKey    string `yaml:"admin_key"`
	RootKey     string `yaml:"root_key"`
	ProxyMarker string `yaml:"proxy_marker"`
}

type yamlProxy struct {
	HTTP    string `yaml:"http"`
	HTTPS   string `yaml:"https"`
	NoProxy string `yaml:"no_proxy"`
}

type yamlResources struct {
	CPU      string `yaml:"cpu"`
	MemoryMB string `yaml:"memory_mb"`
}

// yamlRateLimit represents the rate limit section in YAML.
type yamlRateLimit struct {
	RPS   *float64 `yaml:"rps"`
	Burst *int     `yaml:"burst"`
}

type yamlLog struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile      string
	AdminKeyPath    *string
	RootKeyPath     *string
	ProxyMarkerPath *string
	ValidateKeys    *bool
	Port            *string
	RateLimitRPS    *float64
	RateLimitBurst  *int
	LogLevel        *string
	LogFormat       *string
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > YAML config > Environment variables > Defaults
func Load(overrides *CLIOverrides) (Config, error) {
	home, homeErr := userHomeDir()
	if homeErr != nil {
		home = ""
	}

	cfg := defaultConfig(home)

	if err := applyEnvConfig(&cfg); err != nil {
		return Config{}, err
	}

	if overrides != nil && overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
		if err := applyYAMLConfig(&cfg, yamlCfg); err != nil {
			return Config{}, fmt.Errorf("apply YAML config: %w", err)
		}
	}

	if overrides != nil {
		applyCLIOverrides(&cfg, overrides)
	}

	if err := expandPaths(&cfg, home); err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		if homeErr != nil {
			return Config{}, fmt.Errorf("%w (home directory unavailable: %v)", err, homeErr)
		}
		return Config{}, err
	}

	return cfg, nil
}

// Paths returns the files the settings loader reads.
func (c Config) Paths() settings.Paths {
	return settings.Paths{
		AdminKey:    c.AdminKeyPath,
		RootKey:     c.RootKeyPath,
		ProxyMarker: c.ProxyMarkerPath,
	}
}

// LoaderOptions translates the configuration into settings loader options.
func (c Config) LoaderOptions() []settings.Option {
	return []settings.Option{
		settings.WithProxy(c.Proxy),
		settings.WithResources(c.CPU, c.MemoryMB),
		settings.WithMarkerToken(c.MarkerToken),
		settings.WithKeyValidation(c.ValidateKeys),
	}
}

// defaultConfig returns a Config with default values. Paths stay empty when home is unknown.
func defaultConfig(home string) Config {
	cfg := Config{
		MarkerToken:          settings.DefaultMarkerToken,
		Proxy:                settings.DefaultProxy(),
		CPU:                  settings.DefaultCPU,
		MemoryMB:             settings.DefaultMemoryMB,
		Port:                 defaultPort,
		ShutdownGracePeriod:  10 * time.Second,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         15 * time.Second,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
		LogLevel:             defaultLogLevel,
		LogFormat:            defaultLogFormat,
	}
	if home != "" {
		paths := settings.DefaultPaths(home)
		cfg.AdminKeyPath = paths.AdminKey
		cfg.RootKeyPath = paths.RootKey
		cfg.ProxyMarkerPath = paths.ProxyMarker
	}
	return cfg
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

// applyYAMLConfig applies YAML configuration to the Config struct.
func applyYAMLConfig(cfg *Config, yamlCfg *yamlConfig) error {
	setString(&cfg.AdminKeyPath, yamlCfg.Paths.AdminKey)
	setString(&cfg.RootKeyPath, yamlCfg.Paths.RootKey)
	setString(&cfg.ProxyMarkerPath, yamlCfg.Paths.ProxyMarker)
	setString(&cfg.MarkerToken, yamlCfg.MarkerToken)

	if yamlCfg.ValidateKeys != nil {
		cfg.ValidateKeys = *yamlCfg.ValidateKeys
	}

	setString(&cfg.Proxy.HTTP, yamlCfg.Proxy.HTTP)
	setString(&cfg.Proxy.HTTPS, yamlCfg.Proxy.HTTPS)
	setString(&cfg.Proxy.NoProxy, yamlCfg.Proxy.NoProxy)
	setString(&cfg.CPU, yamlCfg.Resources.CPU)
	setString(&cfg.MemoryMB, yamlCfg.Resources.MemoryMB)
	setString(&cfg.Port, yamlCfg.Port)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"shutdown_grace_period", yamlCfg.ShutdownGracePeriod, &cfg.ShutdownGracePeriod},
		{"read_header_timeout", yamlCfg.ReadHeaderTimeout, &cfg.ReadHeaderTimeout},
		{"write_timeout", yamlCfg.WriteTimeout, &cfg.WriteTimeout},
		{"idle_timeout", yamlCfg.IdleTimeout, &cfg.IdleTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		value, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = value
	}

	if yamlCfg.EnableRequestLogging != nil {
		cfg.EnableRequestLogging = *yamlCfg.EnableRequestLogging
	}

	if yamlCfg.RateLimit.RPS != nil {
		cfg.RateLimitRPS = *yamlCfg.RateLimit.RPS
	}

	if yamlCfg.RateLimit.Burst != nil {
		cfg.RateLimitBurst = *yamlCfg.RateLimit.Burst
	}

	setString(&cfg.LogLevel, yamlCfg.Log.Level)
	setString(&cfg.LogFormat, yamlCfg.Log.Format)

	return nil
}

// applyEnvConfig applies environment variable configuration.
func applyEnvConfig(cfg *Config) error {
	setString(&cfg.AdminKeyPath, strings.TrimSpace(os.Getenv("VMDEFAULTS_ADMIN_KEY")))
	setString(&cfg.RootKeyPath, strings.TrimSpace(os.Getenv("VMDEFAULTS_ROOT_KEY")))
	setString(&cfg.ProxyMarkerPath, strings.TrimSpace(os.Getenv("VMDEFAULTS_PROXY_MARKER")))

	if raw := strings.TrimSpace(os.Getenv("VMDEFAULTS_VALIDATE_KEYS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("VMDEFAULTS_VALIDATE_KEYS: %w", err)
		}
		cfg.ValidateKeys = value
	}

	setString(&cfg.Port, strings.TrimSpace(os.Getenv("PORT")))

	if rps := strings.TrimSpace(os.Getenv("RATE_LIMIT_RPS")); rps != "" {
		if value, err := strconv.ParseFloat(rps, 64); err == nil && value >= 0 {
			cfg.RateLimitRPS = value
		}
	}

	if burst := strings.TrimSpace(os.Getenv("RATE_LIMIT_BURST")); burst != "" {
		if value, err := strconv.Atoi(burst); err == nil && value >= 0 {
			cfg.RateLimitBurst = value
		}
	}

	setString(&cfg.LogLevel, strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	setString(&cfg.LogFormat, strings.TrimSpace(os.Getenv("LOG_FORMAT")))

	return nil
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) {
	setStringPtr(&cfg.AdminKeyPath, overrides.AdminKeyPath)
	setStringPtr(&cfg.RootKeyPath, overrides.RootKeyPath)
	setStringPtr(&cfg.ProxyMarkerPath, overrides.ProxyMarkerPath)

	if overrides.ValidateKeys != nil {
		cfg.ValidateKeys = *overrides.ValidateKeys
	}

	setStringPtr(&cfg.Port, overrides.Port)

	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.RateLimitRPS = *overrides.RateLimitRPS
	}

	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.RateLimitBurst = *overrides.RateLimitBurst
	}

	setStringPtr(&cfg.LogLevel, overrides.LogLevel)
	setStringPtr(&cfg.LogFormat, overrides.LogFormat)
}

// expandPaths resolves a leading "~" in every configured path against home.
func expandPaths(cfg *Config, home string) error {
	for _, p := range []*string{&cfg.AdminKeyPath, &cfg.RootKeyPath, &cfg.ProxyMarkerPath} {
		expanded, err := expandHome(*p, home)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

func expandHome(path, home string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	if home == "" {
		return "", fmt.Errorf("cannot expand %q: home directory unknown", path)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	if cfg.AdminKeyPath == "" {
		return fmt.Errorf("admin key path is required")
	}
	if cfg.RootKeyPath == "" {
		return fmt.Errorf("root key path is required")
	}
	if cfg.ProxyMarkerPath == "" {
		return fmt.Errorf("proxy marker path is required")
	}
	if cfg.MarkerToken == "" {
		return fmt.Errorf("marker token cannot be empty")
	}
	if err := validatePositiveInt("resources.cpu", cfg.CPU); err != nil {
		return err
	}
	if err := validatePositiveInt("resources.memory_mb", cfg.MemoryMB); err != nil {
		return err
	}
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be >= 0")
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch cfg.LogFormat {
	case "json", "console", "auto":
	default:
		return fmt.Errorf("log format must be one of json, console, auto; got %q", cfg.LogFormat)
	}
	return nil
}

func validatePositiveInt(name, raw string) error {
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s must be an integer, got %q", name, raw)
	}
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, value)
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setStringPtr(dst *string, value *string) {
	if value != nil && *value != "" {
		*dst = *value
	}
}
