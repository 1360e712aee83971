// Package adb manages reverse TCP port forwards on an Android device through
// the adb device bridge.
//
// Only two bridge commands are issued:
//
//	adb [-s serial] reverse tcp:<device> tcp:<host>
//	adb [-s serial] reverse --remove tcp:<device>
//
// Success is a zero exit status.
package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devtrace/internal/faults"
	"github.com/fyrsmithlabs/devtrace/internal/logging"
)

// DefaultPath is used when no bridge path is configured.
const DefaultPath = "adb"

// ErrInvalidPort is returned for ports outside 1-65535.
var ErrInvalidPort = errors.New("port must be between 1 and 65535")

// Executor abstracts command execution so tests can fake the device bridge.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}

// ExecExecutor executes commands on the local host.
type ExecExecutor struct{}

// Run executes name with args and captures both output streams.
func (ExecExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), err
	}

	exitCode := 1
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// Forward is a reverse mapping from a device port to a host port.
type Forward struct {
	DevicePort int
	HostPort   int
	Active     bool
}

func (f *Forward) String() string {
	return fmt.Sprintf("device tcp:%d -> host tcp:%d", f.DevicePort, f.HostPort)
}

// Bridge issues port-forward commands to the device bridge.
type Bridge struct {
	// Path to the adb binary.
	Path string
	// Serial selects a device when several are attached.
	Serial string
	Exec   Executor
	Logger *logging.Logger
}

// NewBridge creates a bridge using the local adb binary at path.
func NewBridge(path string, logger *logging.Logger) *Bridge {
	return &Bridge{Path: path, Exec: ExecExecutor{}, Logger: logger}
}

// Establish creates the reverse forward devicePort -> hostPort.
func (b *Bridge) Establish(ctx context.Context, devicePort, hostPort int) (*Forward, error) {
	if err := validatePort(devicePort); err != nil {
		return nil, faults.New(faults.KindPortForward, "adb reverse", fmt.Errorf("device %w", err))
	}
	if err := validatePort(hostPort); err != nil {
		return nil, faults.New(faults.KindPortForward, "adb reverse", fmt.Errorf("host %w", err))
	}

	if err := b.run(ctx, "adb reverse", "reverse", tcp(devicePort), tcp(hostPort)); err != nil {
		return nil, err
	}

	fwd := &Forward{DevicePort: devicePort, HostPort: hostPort, Active: true}
	b.logger().Info(ctx, "reverse port forward established", zap.Stringer("forward", fwd))
	return fwd, nil
}

// Remove tears down fwd. A nil or inactive forward is a no-op, so Remove is
// safe to call after a failed or repeated Establish.
func (b *Bridge) Remove(ctx context.Context, fwd *Forward) error {
	if fwd == nil || !fwd.Active {
		return nil
	}

	if err := b.run(ctx, "adb reverse --remove", "reverse", "--remove", tcp(fwd.DevicePort)); err != nil {
		return err
	}

	fwd.Active = false
	b.logger().Info(ctx, "reverse port forward removed", zap.Stringer("forward", fwd))
	return nil
}

func (b *Bridge) run(ctx context.Context, op string, args ...string) error {
	path := b.Path
	if path == "" {
		path = DefaultPath
	}
	if b.Serial != "" {
		args = append([]string{"-s", b.Serial}, args...)
	}
	exe := b.Exec
	if exe == nil {
		exe = ExecExecutor{}
	}

	b.logger().Trace(ctx, "device bridge command",
		zap.String("path", path),
		zap.Strings("args", args))

	stdout, stderr, code, err := exe.Run(ctx, path, args...)
	if err == nil && code == 0 {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("exit status %d", code)
	}

	diag := strings.TrimSpace(string(stderr))
	if diag == "" {
		diag = strings.TrimSpace(string(stdout))
	}
	return faults.New(faults.KindPortForward, op, err).WithDiagnostic(diag)
}

func (b *Bridge) logger() *logging.Logger {
	if b.Logger == nil {
		return logging.NewNop()
	}
	return b.Logger
}

func tcp(port int) string {
	return fmt.Sprintf("tcp:%d", port)
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w, got %d", ErrInvalidPort, port)
	}
	return nil
}
