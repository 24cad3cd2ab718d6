// Package config provides configuration management for stencil using Viper
// for loading from files, environment variables, and command-line flags.
//
// Configuration is read from a YAML file, overridden by environment
// variables with the STENCIL_ prefix, defaulted for unset keys and validated
// before use. It covers the view roots the loader scans, render options for
// bundles and output checks, the watch loop, the cache snapshot, the preview
// server and logging.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/conneroisu/stencil/internal/logging"
	"github.com/spf13/viper"
)

type Config struct {
	Views  ViewsConfig  `yaml:"views" mapstructure:"views"`
	Render RenderConfig `yaml:"render" mapstructure:"render"`
	Watch  WatchConfig  `yaml:"watch" mapstructure:"watch"`
	Cache  CacheConfig  `yaml:"cache" mapstructure:"cache"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

type ViewsConfig struct {
	Roots          []string `yaml:"roots" mapstructure:"roots"`
	Extensions     []string `yaml:"extensions" mapstructure:"extensions"`
	SharedSegment  string   `yaml:"shared_segment" mapstructure:"shared_segment"`
	FragmentMarker string   `yaml:"fragment_marker" mapstructure:"fragment_marker"`
}

type RenderConfig struct {
	Debug           bool              `yaml:"debug" mapstructure:"debug"`
	ResourceRoot    string            `yaml:"resource_root" mapstructure:"resource_root"`
	BundleManifest  string            `yaml:"bundle_manifest" mapstructure:"bundle_manifest"`
	HelperBundles   map[string]string `yaml:"helper_bundles" mapstructure:"helper_bundles"`
	WellFormedCheck bool              `yaml:"well_formed_check" mapstructure:"well_formed_check"`
	Minify          bool              `yaml:"minify" mapstructure:"minify"`
}

type WatchConfig struct {
	Enabled          bool          `yaml:"enabled" mapstructure:"enabled"`
	Debounce         time.Duration `yaml:"debounce" mapstructure:"debounce"`
	RetryInterval    time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`
	RetryMaxInterval time.Duration `yaml:"retry_max_interval" mapstructure:"retry_max_interval"`
	RetryLimit       int           `yaml:"retry_limit" mapstructure:"retry_limit"`
}

type CacheConfig struct {
	SnapshotPath string `yaml:"snapshot_path" mapstructure:"snapshot_path"`
	Format       string `yaml:"format" mapstructure:"format"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default values for unset keys.
const (
	DefaultSharedSegment    = "Shared"
	DefaultFragmentMarker   = "Fragment"
	DefaultResourceRoot     = "/Resources"
	DefaultDebounce         = 300 * time.Millisecond
	DefaultRetryInterval    = 50 * time.Millisecond
	DefaultRetryMaxInterval = time.Second
	DefaultRetryLimit       = 40
	DefaultSnapshotPath     = ".stencil/cache.json"
	DefaultCacheFormat      = "json"
	DefaultHost             = "localhost"
	DefaultPort             = 8080
)

// SetDefaults registers the default for every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("views.roots", []string{"./views"})
	v.SetDefault("views.extensions", []string{".html"})
	v.SetDefault("views.shared_segment", DefaultSharedSegment)
	v.SetDefault("views.fragment_marker", DefaultFragmentMarker)

	v.SetDefault("render.debug", false)
	v.SetDefault("render.resource_root", DefaultResourceRoot)
	v.SetDefault("render.bundle_manifest", "")
	v.SetDefault("render.well_formed_check", true)
	v.SetDefault("render.minify", false)

	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.debounce", DefaultDebounce)
	v.SetDefault("watch.retry_interval", DefaultRetryInterval)
	v.SetDefault("watch.retry_max_interval", DefaultRetryMaxInterval)
	v.SetDefault("watch.retry_limit", DefaultRetryLimit)

	v.SetDefault("cache.snapshot_path", DefaultSnapshotPath)
	v.SetDefault("cache.format", DefaultCacheFormat)

	v.SetDefault("server.host", DefaultHost)
	v.SetDefault("server.port", DefaultPort)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom unmarshals v, fills anything left unset and validates the result.
func LoadFrom(v *viper.Viper) (*Config, error) {
	config, err := Resolve(v)
	if err != nil {
		return nil, err
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Resolve unmarshals v and fills anything left unset without validating.
func Resolve(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	// Lists set via env overrides arrive as one comma separated string
	config.Views.Roots = normalizeList(config.Views.Roots)
	config.Views.Extensions = normalizeList(config.Views.Extensions)

	applyDefaults(&config, v)
	return &config, nil
}

// Default returns the configuration produced by an empty viper instance.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	config, err := LoadFrom(v)
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return config
}

func applyDefaults(config *Config, v *viper.Viper) {
	if len(config.Views.Roots) == 0 {
		config.Views.Roots = []string{"./views"}
	}
	if len(config.Views.Extensions) == 0 {
		config.Views.Extensions = []string{".html"}
	}
	if config.Views.SharedSegment == "" {
		config.Views.SharedSegment = DefaultSharedSegment
	}
	if config.Views.FragmentMarker == "" {
		config.Views.FragmentMarker = DefaultFragmentMarker
	}
	if config.Render.ResourceRoot == "" {
		config.Render.ResourceRoot = DefaultResourceRoot
	}
	// Zero booleans are indistinguishable from unset after unmarshal
	if !v.IsSet("render.well_formed_check") {
		config.Render.WellFormedCheck = true
	}
	if !v.IsSet("watch.enabled") {
		config.Watch.Enabled = true
	}
	if config.Watch.Debounce == 0 {
		config.Watch.Debounce = DefaultDebounce
	}
	if config.Watch.RetryInterval == 0 {
		config.Watch.RetryInterval = DefaultRetryInterval
	}
	if config.Watch.RetryMaxInterval == 0 {
		config.Watch.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if !v.IsSet("watch.retry_limit") {
		config.Watch.RetryLimit = DefaultRetryLimit
	}
	if config.Cache.SnapshotPath == "" {
		config.Cache.SnapshotPath = DefaultSnapshotPath
	}
	if config.Cache.Format == "" {
		config.Cache.Format = DefaultCacheFormat
	}
	if config.Server.Host == "" {
		config.Server.Host = DefaultHost
	}
	if config.Server.Port == 0 && !v.IsSet("server.port") {
		config.Server.Port = DefaultPort
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

// LoggerConfig translates the log section into a logger configuration.
func (c *Config) LoggerConfig() *logging.LoggerConfig {
	cfg := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.Log.Level); err == nil {
		cfg.Level = level
	}
	cfg.Format = c.Log.Format
	return cfg
}

// Address returns host:port for the preview server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// validateConfig validates the configuration for security and correctness
func validateConfig(config *Config) error {
	if err := validateViewsConfig(&config.Views); err != nil {
		return fmt.Errorf("views config: %w", err)
	}

	if err := validateWatchConfig(&config.Watch); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	if err := validateCacheConfig(&config.Cache); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}

	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validateLogConfig(&config.Log); err != nil {
		return fmt.Errorf("log config: %w", err)
	}

	return nil
}

// validateViewsConfig validates the view roots and extensions
func validateViewsConfig(config *ViewsConfig) error {
	if len(config.Roots) == 0 {
		return fmt.Errorf("at least one view root is required")
	}
	for _, root := range config.Roots {
		if err := validatePath(root); err != nil {
			return fmt.Errorf("invalid view root '%s': %w", root, err)
		}
	}

	for _, ext := range config.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("extension %q must start with '.'", ext)
		}
	}

	if strings.ContainsAny(config.SharedSegment, `/\`) {
		return fmt.Errorf("shared_segment %q must be a single path segment", config.SharedSegment)
	}

	return nil
}

// validateWatchConfig validates the watch loop timings
func validateWatchConfig(config *WatchConfig) error {
	if config.Debounce < 0 {
		return fmt.Errorf("debounce %s must not be negative", config.Debounce)
	}
	if config.RetryInterval <= 0 {
		return fmt.Errorf("retry_interval %s must be positive", config.RetryInterval)
	}
	if config.RetryMaxInterval < config.RetryInterval {
		return fmt.Errorf("retry_max_interval %s is below retry_interval %s",
			config.RetryMaxInterval, config.RetryInterval)
	}
	if config.RetryLimit < 0 {
		return fmt.Errorf("retry_limit %d must not be negative", config.RetryLimit)
	}
	return nil
}

// validateCacheConfig validates the snapshot location and format
func validateCacheConfig(config *CacheConfig) error {
	switch config.Format {
	case "json", "msgpack":
	default:
		return fmt.Errorf("unknown cache format %q (want json or msgpack)", config.Format)
	}

	cleanPath := filepath.Clean(config.SnapshotPath)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("snapshot_path contains path traversal: %s", config.SnapshotPath)
	}

	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Validate port range (allow 0 for system-assigned ports in testing)
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host != "" {
		if err := validateHostname(config.Host); err != nil {
			return fmt.Errorf("host %q: %w", config.Host, err)
		}
	}

	return nil
}

func validateLogConfig(config *LogConfig) error {
	if _, err := logging.ParseLevel(config.Level); err != nil {
		return err
	}
	if config.Format != "text" && config.Format != "json" {
		return fmt.Errorf("unknown log format %q (want text or json)", config.Format)
	}
	return nil
}

// validatePath validates a file path for security
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)

	// Reject path traversal attempts
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains traversal: %s", path)
	}

	// Reject dangerous characters
	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'"}
	for _, char := range dangerousChars {
		if strings.Contains(cleanPath, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}

	return nil
}

func normalizeList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
