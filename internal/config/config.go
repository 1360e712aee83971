// Package config provides configuration loading for devtrace.
//
// Values come from, in increasing precedence: built-in defaults, a YAML or
// TOML file, then DEVTRACE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/devtrace/internal/logging"
	"github.com/fyrsmithlabs/devtrace/internal/pathutil"
	"github.com/fyrsmithlabs/devtrace/internal/telemetry"
)

// SearchPathVar is the environment variable extended with the browser
// source tree's telemetry directory.
const SearchPathVar = "PYTHONPATH"

// Config holds the complete devtrace configuration.
type Config struct {
	Tools     ToolsConfig      `koanf:"tools"`
	Runner    RunnerConfig     `koanf:"runner"`
	Hosted    HostedConfig     `koanf:"hosted"`
	Server    ServerConfig     `koanf:"server"`
	Logging   logging.Config   `koanf:"logging"`
	Telemetry telemetry.Config `koanf:"telemetry"`
	Sink      SinkConfig       `koanf:"sink"`
}

// ToolsConfig locates the external tools.
type ToolsConfig struct {
	// Chromium is the browser source checkout; its tools/telemetry directory
	// is added to the measurement search path.
	Chromium     string `koanf:"chromium"`
	ADB          string `koanf:"adb"`
	Python       string `koanf:"python"`
	ScriptsDir   string `koanf:"scripts_dir"`
	DeviceSerial string `koanf:"device_serial"`
}

// RunnerConfig controls measurement processes.
type RunnerConfig struct {
	Timeout    Duration `koanf:"timeout"`
	StrictExit bool     `koanf:"strict_exit"`
}

// HostedConfig controls hosted tasks.
type HostedConfig struct {
	DevicePort      int      `koanf:"device_port"`
	HostPort        int      `koanf:"host_port"`
	BindHost        string   `koanf:"bind_host"`
	ProcessTimeout  Duration `koanf:"process_timeout"`
	TaskTimeout     Duration `koanf:"task_timeout"`
	TeardownTimeout Duration `koanf:"teardown_timeout"`
}

// ServerConfig holds HTTP phase endpoint configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// RateLimit is requests per second across all clients; zero disables.
	RateLimit float64 `koanf:"rate_limit"`
}

// SinkConfig configures result publishing. An empty NATSURL disables it.
type SinkConfig struct {
	NATSURL string `koanf:"nats_url"`
	Subject string `koanf:"subject"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
	}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
//
// Returns an error if:
//   - a port is not between 1 and 65535
//   - a timeout is not positive
//   - the sink is enabled without a subject
//   - the logging or telemetry section is invalid
func (c *Config) Validate() error {
	ports := []struct {
		name string
		port int
	}{
		{"hosted.device_port", c.Hosted.DevicePort},
		{"hosted.host_port", c.Hosted.HostPort},
		{"server.port", c.Server.Port},
	}
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("invalid %s: %d (must be 1-65535)", p.name, p.port)
		}
	}

	timeouts := []struct {
		name string
		d    Duration
	}{
		{"runner.timeout", c.Runner.Timeout},
		{"hosted.process_timeout", c.Hosted.ProcessTimeout},
		{"hosted.task_timeout", c.Hosted.TaskTimeout},
		{"hosted.teardown_timeout", c.Hosted.TeardownTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			return fmt.Errorf("%s must be positive", t.name)
		}
	}

	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit cannot be negative")
	}
	if c.Sink.NATSURL != "" && c.Sink.Subject == "" {
		return errors.New("sink.subject is required when sink.nats_url is set")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// MeasurementEnv returns the environment overrides handed to every
// measurement process. When tools.chromium is set, its tools/telemetry
// directory is appended to PYTHONPATH as inherited from current.
func (c *Config) MeasurementEnv(current string) ([]string, error) {
	if c.Tools.Chromium == "" {
		return nil, nil
	}
	root, err := pathutil.Expand(c.Tools.Chromium)
	if err != nil {
		return nil, err
	}
	telemetryDir := filepath.Join(root, "tools", "telemetry")
	return []string{SearchPathVar + "=" + pathutil.ExtendSearchPath(current, telemetryDir)}, nil
}

// ProcessEnv is MeasurementEnv against the host process's PYTHONPATH.
func (c *Config) ProcessEnv() ([]string, error) {
	return c.MeasurementEnv(os.Getenv(SearchPathVar))
}

// ServerAddr returns host:port for the HTTP phase endpoint.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
