package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devtrace/internal/adb"
	"github.com/fyrsmithlabs/devtrace/internal/config"
	"github.com/fyrsmithlabs/devtrace/internal/contentserver"
	"github.com/fyrsmithlabs/devtrace/internal/devicephases"
	"github.com/fyrsmithlabs/devtrace/internal/faults"
	"github.com/fyrsmithlabs/devtrace/internal/hosted"
	"github.com/fyrsmithlabs/devtrace/internal/logging"
	"github.com/fyrsmithlabs/devtrace/internal/metrics"
	"github.com/fyrsmithlabs/devtrace/internal/pathutil"
	"github.com/fyrsmithlabs/devtrace/internal/phase"
	"github.com/fyrsmithlabs/devtrace/internal/runner"
	"github.com/fyrsmithlabs/devtrace/internal/sink"
	"github.com/fyrsmithlabs/devtrace/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/devtrace"

// app holds the services shared by every command.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	metrics   *metrics.Metrics
	registry  *phase.Registry
	closers   []closer
}

// closer is one shutdown step, run by app.close in reverse registration
// order.
type closer struct {
	name string
	fn   func(context.Context) error
}

func (a *app) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// newApp loads configuration and wires the phase registry. Nothing here
// touches the device; adb runs only when a hosted phase is invoked.
func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(&cfg.Logging, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	for _, reason := range tel.Degraded() {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", reason))
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		metrics:   metrics.Default(),
		registry:  phase.NewRegistry(),
	}
	a.onClose("telemetry", tel.Shutdown)
	a.registry.Logger = logger.Named("phase")
	a.registry.Metrics = a.metrics

	tk, err := a.toolkit()
	if err != nil {
		return nil, err
	}
	if err := devicephases.Register(a.registry, tk); err != nil {
		return nil, err
	}

	if cfg.Sink.NATSURL != "" {
		pub, err := sink.Connect(cfg.Sink.NATSURL, cfg.Sink.Subject, logger.Named("sink"))
		if err != nil {
			return nil, err
		}
		a.onClose("sink", func(context.Context) error { return pub.Close() })
		a.registry.OnResult(pub.Hook())
	}

	return a, nil
}

// toolkit resolves tool paths and builds the runner and hosted orchestrator
// behind the device phases.
func (a *app) toolkit() (*devicephases.Toolkit, error) {
	cfg := a.cfg

	env, err := cfg.ProcessEnv()
	if err != nil {
		return nil, err
	}
	python, err := pathutil.ExpandCommand(cfg.Tools.Python)
	if err != nil {
		return nil, err
	}
	scripts, err := pathutil.Expand(cfg.Tools.ScriptsDir)
	if err != nil {
		return nil, err
	}
	adbPath, err := pathutil.ExpandCommand(cfg.Tools.ADB)
	if err != nil {
		return nil, err
	}

	run := runner.New(a.logger.Named("runner"))
	run.Env = env
	run.Timeout = cfg.Runner.Timeout.Duration()
	run.StrictExit = cfg.Runner.StrictExit
	run.Exits = a.metrics

	bridge := adb.NewBridge(adbPath, a.logger.Named("adb"))
	bridge.Serial = cfg.Tools.DeviceSerial

	content := &contentserver.Server{Logger: a.logger.Named("content")}

	orch := hosted.New(hosted.Config{
		DevicePort:      cfg.Hosted.DevicePort,
		HostPort:        cfg.Hosted.HostPort,
		BindHost:        cfg.Hosted.BindHost,
		ProcessTimeout:  cfg.Hosted.ProcessTimeout.Duration(),
		TaskTimeout:     cfg.Hosted.TaskTimeout.Duration(),
		TeardownTimeout: cfg.Hosted.TeardownTimeout.Duration(),
	}, bridge, hosted.HTTPServer(content), run)
	orch.Logger = a.logger.Named("hosted")
	orch.Tracer = a.telemetry.Tracer(instrumentationName)
	orch.Metrics = a.metrics

	return &devicephases.Toolkit{
		Python:    python,
		ScriptDir: scripts,
		Runner:    run,
		Hosted:    orch,
	}, nil
}

// close runs the shutdown steps, logs each failure and syncs the logger.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if cerr := c.fn(ctx); cerr != nil {
			a.logger.Error(ctx, "shutdown step failed",
				zap.String("step", c.name),
				zap.Error(cerr))
			err = multierr.Append(err, fmt.Errorf("%s: %w", c.name, cerr))
		}
	}
	return multierr.Append(err, a.logger.Sync())
}

// exitCode maps a failure to a process exit status so scripts can tell
// bad input from device or tool failures.
func exitCode(err error) int {
	var fe *faults.Error
	if !errors.As(err, &fe) {
		return 1
	}
	switch fe.Kind {
	case faults.KindInvalidInput:
		return 2
	case faults.KindTimeout:
		return 124
	case faults.KindBusy:
		return 75
	case faults.KindCanceled:
		return 130
	default:
		return 1
	}
}
