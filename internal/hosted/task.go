package hosted

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/devtrace/internal/logging"
)

// URLPlaceholder in measurement arguments is replaced with the task URL.
const URLPlaceholder = "{{url}}"

// Config holds the fixed resources and time bounds of hosted tasks.
type Config struct {
	// DevicePort is the port the browser on the device connects to.
	DevicePort int
	// HostPort is where the content server listens on the host.
	HostPort int
	// BindHost is the interface the content server binds.
	BindHost string

	// ProcessTimeout bounds the measurement step.
	ProcessTimeout time.Duration
	// TaskTimeout bounds forward, serve and measure together.
	TaskTimeout time.Duration
	// TeardownTimeout bounds the cleanup steps. Teardown never inherits the
	// task's cancellation.
	TeardownTimeout time.Duration
}

// DefaultConfig returns the baseline configuration: device port 8000
// reversed onto 127.0.0.1:8000.
func DefaultConfig() Config {
	return Config{
		DevicePort:      8000,
		HostPort:        8000,
		BindHost:        "127.0.0.1",
		ProcessTimeout:  5 * time.Minute,
		TaskTimeout:     10 * time.Minute,
		TeardownTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DevicePort == 0 {
		c.DevicePort = d.DevicePort
	}
	if c.HostPort == 0 {
		c.HostPort = d.HostPort
	}
	if c.BindHost == "" {
		c.BindHost = d.BindHost
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = d.TeardownTimeout
	}
	return c
}

// TaskContext describes one hosted task. It is created per call and passed
// through every step, replacing process-wide port state.
type TaskContext struct {
	ID         string
	DevicePort int
	HostPort   int
	BindHost   string
}

// newTaskContext reuses a task id already carried by ctx so that a hosted
// task and the invocation that started it share one id.
func newTaskContext(ctx context.Context, cfg Config) TaskContext {
	id := logging.TaskIDFromContext(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	return TaskContext{
		ID:         id,
		DevicePort: cfg.DevicePort,
		HostPort:   cfg.HostPort,
		BindHost:   cfg.BindHost,
	}
}

// URL is the address the measurement process loads. The device reaches it
// through the reverse forward, the host directly.
func (tc TaskContext) URL() string {
	return fmt.Sprintf("http://localhost:%d", tc.HostPort)
}

// ListenAddr is the content server bind address.
func (tc TaskContext) ListenAddr() string {
	return net.JoinHostPort(tc.BindHost, strconv.Itoa(tc.HostPort))
}

// ExpandArgs returns a copy of args with every URLPlaceholder replaced by
// url.
func ExpandArgs(args []string, url string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, URLPlaceholder, url)
	}
	return out
}
