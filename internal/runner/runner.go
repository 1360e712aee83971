// Package runner spawns the external measurement process and parses the
// structured document it writes to stdout.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devtrace/internal/faults"
	"github.com/fyrsmithlabs/devtrace/internal/logging"
)

// Errors returned (wrapped in faults.Error) by Run.
var (
	ErrEmptyOutput    = errors.New("process produced no output")
	ErrTrailingOutput = errors.New("output contains more than one document")
	ErrNonZeroExit    = errors.New("process exited with non-zero status")
)

const (
	maxStderrRetained = 64 * 1024
	defaultWaitDelay  = 2 * time.Second
)

// Result is the outcome of one measurement process.
type Result struct {
	// Payload is the parsed stdout document, unmodified.
	Payload  json.RawMessage
	ExitCode int
	// Stderr holds the tail of the process's diagnostic stream.
	Stderr   []byte
	Duration time.Duration
}

// ExitObserver receives the exit code of every completed process.
type ExitObserver interface {
	ObserveExit(command string, code int)
}

// Runner executes measurement processes on the local host.
type Runner struct {
	// Env entries (KEY=VALUE) appended to the inherited environment.
	Env []string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Timeout bounds each run. Zero means only ctx bounds it.
	Timeout time.Duration
	// StrictExit turns a non-zero exit with valid output into a failure.
	StrictExit bool
	// WaitDelay bounds how long output pipes are drained after the process
	// exits. Zero means two seconds.
	WaitDelay time.Duration
	Logger    *logging.Logger
	Exits      ExitObserver
}

// New creates a Runner with the given logger.
func New(logger *logging.Logger) *Runner {
	return &Runner{Logger: logger}
}

func (r *Runner) logger() *logging.Logger {
	if r.Logger == nil {
		return logging.NewNop()
	}
	return r.Logger
}

// Run spawns command with args, waits for it to exit and parses its stdout
// as a single JSON document. Lines written to stderr are logged as warnings.
func (r *Runner) Run(ctx context.Context, command string, args []string) (Result, error) {
	op := "run " + filepath.Base(command)
	if len(args) > 0 {
		op += " " + filepath.Base(args[0])
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Dir = r.Dir
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	log := r.logger()
	var stdout lockedBuffer
	stderr := &stderrLogger{
		ctx:     ctx,
		log:     log,
		command: filepath.Base(command),
		tail:    tailBuffer{limit: maxStderrRetained},
	}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	log.Debug(ctx, "spawning measurement process",
		zap.String("command", command),
		zap.Strings("args", args))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{ExitCode: -1}, faults.FromContext(op, ctxErr)
		}
		return Result{ExitCode: -1}, faults.New(faults.KindProcessSpawn, op, err)
	}

	waitErr := cmd.Wait()
	stderr.Flush()

	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stderr:   stderr.tail.Bytes(),
		Duration: time.Since(start),
	}
	if r.Exits != nil {
		r.Exits.ObserveExit(command, res.ExitCode)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, faults.FromContext(op,
			fmt.Errorf("process did not complete after %s: %w", res.Duration.Round(time.Millisecond), ctxErr)).
			WithDiagnostic(string(res.Stderr))
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.As(waitErr, &exitErr):
	case errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Exited():
		// A descendant (typically the browser) still holds stdout open.
		killProcessGroup(cmd)
		log.Warn(ctx, "measurement process exited but left descendants holding its output open",
			zap.String("command", command),
			zap.Duration("wait_delay", cmd.WaitDelay))
	default:
		return res, faults.New(faults.KindProcessSpawn, op, waitErr).WithDiagnostic(string(res.Stderr))
	}

	payload, parseErr := parseDocument(stdout.Bytes())
	if parseErr != nil {
		return res, faults.New(faults.KindOutputParse, op, parseErr).
			WithDiagnostic(exitDiagnostic(res))
	}
	res.Payload = payload

	if res.ExitCode != 0 {
		if r.StrictExit {
			return res, faults.New(faults.KindProcessExit, op,
				fmt.Errorf("%w: %d", ErrNonZeroExit, res.ExitCode)).WithDiagnostic(string(res.Stderr))
		}
		log.Warn(ctx, "measurement process exited non-zero with valid output",
			zap.String("command", command),
			zap.Int("exit_code", res.ExitCode))
	}

	log.Debug(ctx, "measurement process completed",
		zap.String("command", command),
		zap.Int("exit_code", res.ExitCode),
		zap.Int("output_bytes", len(res.Payload)),
		zap.Duration("duration", res.Duration))

	return res, nil
}

// stderrLogger logs every complete line the process writes to stderr as a
// warning and retains the tail for diagnostics.
type stderrLogger struct {
	mu      sync.Mutex
	ctx     context.Context
	log     *logging.Logger
	command string
	tail    tailBuffer
	partial []byte
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail.Write(p)
	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		s.emit(s.partial[:i])
		s.partial = s.partial[i+1:]
	}
	return len(p), nil
}

// Flush logs a trailing line that was not newline-terminated.
func (s *stderrLogger) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) > 0 {
		s.emit(s.partial)
		s.partial = nil
	}
}

func (s *stderrLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	s.log.Warn(s.ctx, "measurement stderr",
		zap.String("command", s.command),
		zap.String("line", string(line)))
}

// parseDocument validates that out holds exactly one JSON document.
func parseDocument(out []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, ErrEmptyOutput
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var doc json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON output: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, ErrTrailingOutput
	}
	return append(json.RawMessage(nil), doc...), nil
}

func exitDiagnostic(res Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit status %d", res.ExitCode)
	if len(res.Stderr) > 0 {
		b.WriteString(": ")
		b.Write(bytes.TrimSpace(res.Stderr))
	}
	return b.String()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf...)
}

// lockedBuffer is a bytes.Buffer safe to read while the copying goroutine of
// an abandoned pipe may still be writing.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
