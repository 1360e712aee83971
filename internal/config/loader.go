package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEVTRACE_"

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// ErrUnsupportedFormat is returned for config files that are neither YAML
// nor TOML.
var ErrUnsupportedFormat = errors.New("unsupported config file format")

// nestedSections lists second-level sections so that env names such as
// DEVTRACE_TELEMETRY_METRICS_EXPORT_INTERVAL reach telemetry.metrics.export_interval.
var nestedSections = map[string][]string{
	"logging":   {"output", "caller"},
	"telemetry": {"sampling", "metrics", "shutdown"},
}

// Load loads configuration from a file, then overrides with environment
// variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DEVTRACE_HOSTED_HOST_PORT, DEVTRACE_TOOLS_ADB, etc.)
//  2. Config file (YAML or TOML, chosen by extension)
//  3. Built-in defaults
//
// An empty configPath looks for ~/.config/devtrace/config.{yaml,yml,toml}
// and silently skips it when absent. An explicit path must exist.
//
// Files larger than 1MB, or writable by group or others, are rejected.
//
// # Environment Variable Mapping
//
// The prefix is stripped and the first underscore separates the section:
//
//	DEVTRACE_HOSTED_HOST_PORT  -> hosted.host_port
//	DEVTRACE_TOOLS_CHROMIUM    -> tools.chromium
//	DEVTRACE_TELEMETRY_SAMPLING_RATE -> telemetry.sampling.rate
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		found, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = found
	} else if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}

	if configPath != "" {
		if err := loadFile(k, configPath); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Explicit empty values in the file fall back to defaults.
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultDir returns ~/.config/devtrace.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "devtrace"), nil
}

func defaultConfigPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	for _, name := range []string{"config.yaml", "config.yml", "config.toml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".toml":
		return TOML(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

func loadFile(k *koanf.Koanf, path string) error {
	parser, err := parserFor(path)
	if err != nil {
		return err
	}

	// Validate through the open descriptor to avoid a TOCTOU race.
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := k.Load(rawbytes.Provider(content), parser); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("config path is a directory")
	}

	// Skip on Windows (different permission model)
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// envKey maps DEVTRACE_SECTION_FIELD_NAME to section.field_name, with one
// extra level for the sections in nestedSections.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	for _, sub := range nestedSections[section] {
		if rest, found := strings.CutPrefix(field, sub+"_"); found {
			return section + "." + sub + "." + rest
		}
	}
	return section + "." + field
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Tools defaults
	if cfg.Tools.ADB == "" {
		cfg.Tools.ADB = "adb"
	}
	if cfg.Tools.Python == "" {
		cfg.Tools.Python = "python"
	}
	if cfg.Tools.ScriptsDir == "" {
		cfg.Tools.ScriptsDir = "telemetry"
	}

	// Runner defaults
	if cfg.Runner.Timeout == 0 {
		cfg.Runner.Timeout = Duration(5 * time.Minute)
	}

	// Hosted defaults
	if cfg.Hosted.DevicePort == 0 {
		cfg.Hosted.DevicePort = 8000
	}
	if cfg.Hosted.HostPort == 0 {
		cfg.Hosted.HostPort = 8000
	}
	if cfg.Hosted.BindHost == "" {
		cfg.Hosted.BindHost = "127.0.0.1"
	}
	if cfg.Hosted.ProcessTimeout == 0 {
		cfg.Hosted.ProcessTimeout = Duration(5 * time.Minute)
	}
	if cfg.Hosted.TaskTimeout == 0 {
		cfg.Hosted.TaskTimeout = Duration(10 * time.Minute)
	}
	if cfg.Hosted.TeardownTimeout == 0 {
		cfg.Hosted.TeardownTimeout = Duration(30 * time.Second)
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	// Sink defaults
	if cfg.Sink.Subject == "" {
		cfg.Sink.Subject = "devtrace.results"
	}
}
