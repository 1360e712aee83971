// Package hosted runs a measurement against locally hosted content: it
// reverse-forwards a device port to the host, serves the payload, runs the
// measurement process and tears both down again whatever the outcome.
package hosted

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devtrace/internal/adb"
	"github.com/fyrsmithlabs/devtrace/internal/contentserver"
	"github.com/fyrsmithlabs/devtrace/internal/faults"
	"github.com/fyrsmithlabs/devtrace/internal/logging"
	"github.com/fyrsmithlabs/devtrace/internal/metrics"
	"github.com/fyrsmithlabs/devtrace/internal/runner"
)

const instrumentationName = "github.com/fyrsmithlabs/devtrace/internal/hosted"

// Step names, in setup order followed by teardown order.
const (
	StepForward   = "forward"
	StepServe     = "serve"
	StepMeasure   = "measure"
	StepUnserve   = "unserve"
	StepUnforward = "unforward"
)

// Forwarder establishes and removes the device reverse forward.
type Forwarder interface {
	Establish(ctx context.Context, devicePort, hostPort int) (*adb.Forward, error)
	Remove(ctx context.Context, fwd *adb.Forward) error
}

// ContentServer starts a server for one payload.
type ContentServer interface {
	Start(payload []byte, addr string) (ContentHandle, error)
}

// ContentHandle is a running content server.
type ContentHandle interface {
	Stop(ctx context.Context) error
	Listening() bool
}

// Runner runs the measurement process.
type Runner interface {
	Run(ctx context.Context, command string, args []string) (runner.Result, error)
}

// HTTPServer adapts a contentserver.Server to ContentServer.
func HTTPServer(s *contentserver.Server) ContentServer {
	return httpServer{s}
}

type httpServer struct {
	s *contentserver.Server
}

func (h httpServer) Start(payload []byte, addr string) (ContentHandle, error) {
	handle, err := h.s.Start(payload, addr)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// StepEvent reports the settlement of one step.
type StepEvent struct {
	TaskID string
	Step   string
	Err    error
}

// StepCallback receives a StepEvent after every attempted step.
type StepCallback func(StepEvent)

// Orchestrator composes the forward, content server and runner.
type Orchestrator struct {
	config    Config
	forwarder Forwarder
	server    ContentServer
	runner    Runner
	lock      *TaskLock

	Logger  *logging.Logger
	Tracer  trace.Tracer
	Metrics *metrics.Metrics

	onStep StepCallback
}

// New creates an Orchestrator sharing the process-wide hosted task lock.
func New(cfg Config, fwd Forwarder, srv ContentServer, run Runner) *Orchestrator {
	return &Orchestrator{
		config:    cfg.withDefaults(),
		forwarder: fwd,
		server:    srv,
		runner:    run,
		lock:      processLock,
		Logger:    logging.NewNop(),
		Tracer:    otel.Tracer(instrumentationName),
	}
}

// WithLock replaces the process-wide lock. Orchestrators driving distinct
// devices and ports may use separate locks.
func (o *Orchestrator) WithLock(l *TaskLock) *Orchestrator {
	o.lock = l
	return o
}

// OnStep sets the step callback.
func (o *Orchestrator) OnStep(cb StepCallback) {
	o.onStep = cb
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.config
}

// RunHosted serves payload to the device and runs command with args against
// it. Arguments may reference the task URL with URLPlaceholder.
//
// Setup runs forward, serve, measure; teardown runs unserve, unforward.
// Every teardown step for a completed setup step is attempted even if the
// task context was cancelled. Teardown failures are attached to the primary
// error, or returned as faults.KindOrchestrationTeardown when the
// measurement succeeded.
func (o *Orchestrator) RunHosted(ctx context.Context, payload []byte, command string, args []string) (runner.Result, error) {
	if err := o.lock.Acquire(ctx); err != nil {
		fe := faults.FromContext("acquire hosted task lock", err)
		o.Metrics.ObserveHostedTask(string(fe.Kind))
		return runner.Result{}, fe
	}
	defer o.lock.Release()
	return o.run(ctx, payload, command, args)
}

// TryRunHosted is RunHosted but fails with faults.KindBusy instead of
// waiting when another hosted task is in flight.
func (o *Orchestrator) TryRunHosted(ctx context.Context, payload []byte, command string, args []string) (runner.Result, error) {
	if !o.lock.TryAcquire() {
		o.Metrics.ObserveHostedTask(string(faults.KindBusy))
		return runner.Result{}, faults.New(faults.KindBusy, "acquire hosted task lock", nil).
			WithDiagnostic("another hosted task is in flight")
	}
	defer o.lock.Release()
	return o.run(ctx, payload, command, args)
}

func (o *Orchestrator) run(ctx context.Context, payload []byte, command string, args []string) (runner.Result, error) {
	o.Metrics.TaskStarted()
	defer o.Metrics.TaskFinished()

	tc := newTaskContext(ctx, o.config)
	ctx = logging.WithTaskID(ctx, tc.ID)
	ctx, span := o.Tracer.Start(ctx, "hosted.task", trace.WithAttributes(
		attribute.String("task.id", tc.ID),
		attribute.Int("device.port", tc.DevicePort),
		attribute.Int("host.port", tc.HostPort),
	))
	defer span.End()

	start := time.Now()
	o.Logger.Info(ctx, "hosted task started",
		zap.String("url", tc.URL()),
		zap.Int("payload_bytes", len(payload)))

	var (
		fwd    *adb.Forward
		handle ContentHandle
	)
	res, primary := o.setupAndMeasure(ctx, tc, payload, command, args, &fwd, &handle)
	td := o.teardown(ctx, tc, handle, fwd)
	err := faults.AttachTeardown(primary, td)

	status := "success"
	if err != nil {
		status = string(faults.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.Logger.Error(ctx, "hosted task failed",
			zap.String("kind", status),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		o.Logger.Info(ctx, "hosted task completed",
			zap.Duration("duration", time.Since(start)))
	}
	o.Metrics.ObserveHostedTask(status)

	return res, err
}

// setupAndMeasure runs the setup steps in order, stopping at the first
// failure. Acquired resources are reported through fwd and handle.
func (o *Orchestrator) setupAndMeasure(ctx context.Context, tc TaskContext, payload []byte,
	command string, args []string, fwd **adb.Forward, handle *ContentHandle) (runner.Result, error) {
	if o.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.TaskTimeout)
		defer cancel()
	}

	err := o.step(ctx, tc, StepForward, func(ctx context.Context) error {
		f, err := o.forwarder.Establish(ctx, tc.DevicePort, tc.HostPort)
		*fwd = f
		return err
	})
	if err != nil {
		return runner.Result{}, err
	}

	err = o.step(ctx, tc, StepServe, func(context.Context) error {
		h, err := o.server.Start(payload, tc.ListenAddr())
		*handle = h
		return err
	})
	if err != nil {
		return runner.Result{}, err
	}

	var res runner.Result
	err = o.step(ctx, tc, StepMeasure, func(ctx context.Context) error {
		if o.config.ProcessTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.config.ProcessTimeout)
			defer cancel()
		}
		var err error
		res, err = o.runner.Run(ctx, command, ExpandArgs(args, tc.URL()))
		return err
	})
	return res, err
}

// teardown releases whatever setup acquired, in reverse order, on a context
// detached from the task's cancellation.
func (o *Orchestrator) teardown(ctx context.Context, tc TaskContext, handle ContentHandle, fwd *adb.Forward) *faults.TeardownError {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.TeardownTimeout)
	defer cancel()

	td := &faults.TeardownError{}
	if handle != nil {
		td.Add(StepUnserve, o.step(ctx, tc, StepUnserve, handle.Stop))
	}
	if fwd != nil {
		td.Add(StepUnforward, o.step(ctx, tc, StepUnforward, func(ctx context.Context) error {
			return o.forwarder.Remove(ctx, fwd)
		}))
	}
	return td
}

func (o *Orchestrator) step(ctx context.Context, tc TaskContext, name string, fn func(context.Context) error) error {
	ctx, span := o.Tracer.Start(ctx, "hosted."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.Metrics.ObserveStepFailure(name)
		o.Logger.Warn(ctx, "hosted task step failed",
			zap.String("step", name),
			zap.String("kind", string(faults.KindOf(err))),
			zap.Error(err))
	} else {
		o.Logger.Debug(ctx, "hosted task step completed",
			zap.String("step", name),
			zap.Duration("duration", time.Since(start)))
	}

	if o.onStep != nil {
		o.onStep(StepEvent{TaskID: tc.ID, Step: name, Err: err})
	}
	return err
}
