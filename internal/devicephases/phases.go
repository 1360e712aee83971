// Package devicephases registers the browser telemetry phases: fetching a
// page, tracing a URL and tracing locally hosted HTML on a device.
package devicephases

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"

	"github.com/fyrsmithlabs/devtrace/internal/faults"
	"github.com/fyrsmithlabs/devtrace/internal/hosted"
	"github.com/fyrsmithlabs/devtrace/internal/phase"
	"github.com/fyrsmithlabs/devtrace/internal/runner"
)

// Phase names.
const (
	Fetch                = "fetch"
	FetchWithInlineStyle = "fetchWithInlineStyle"
	TraceURL             = "traceURL"
	Trace                = "trace"
	TraceLayout          = "traceLayout"

	// FetchWithInlineStyleLegacy is the misspelled name existing pipeline
	// definitions still use.
	FetchWithInlineStyleLegacy = "fetchWithInlineStyyle"
)

// Measurement scripts.
const (
	ScriptSave        = "save.py"
	ScriptSaveNoStyle = "save-no-style.py"
	ScriptPerf        = "perf.py"
)

// Option keys and defaults.
const (
	OptBrowser    = "browser"
	OptIterations = "iterations"

	DefaultBrowser = "system"
)

// ErrEmptyURL is returned when a URL phase receives an empty input.
var ErrEmptyURL = errors.New("url must not be empty")

// ProcessRunner runs a measurement process directly.
type ProcessRunner interface {
	Run(ctx context.Context, command string, args []string) (runner.Result, error)
}

// HostedRunner runs a measurement against hosted content.
type HostedRunner interface {
	RunHosted(ctx context.Context, payload []byte, command string, args []string) (runner.Result, error)
}

// Toolkit locates the measurement tool and the runners that drive it.
type Toolkit struct {
	// Python is the interpreter command.
	Python string
	// ScriptDir holds the measurement scripts.
	ScriptDir string
	Runner    ProcessRunner
	Hosted    HostedRunner
}

// Args builds the measurement arguments:
//
//	<scriptDir>/<script> --browser=<browser> -- <target> [extra...]
func (tk *Toolkit) Args(script, browser, target string, extra ...string) []string {
	args := []string{
		filepath.Join(tk.ScriptDir, script),
		"--browser=" + browser,
		"--",
		target,
	}
	return append(args, extra...)
}

func (tk *Toolkit) python() string {
	if tk.Python == "" {
		return "python"
	}
	return tk.Python
}

func browserOf(opts phase.Options) string {
	if b := opts.String(OptBrowser); b != "" {
		return b
	}
	return DefaultBrowser
}

// direct returns a phase body that measures the URL it is given.
func (tk *Toolkit) direct(script string) phase.Func {
	return func(ctx context.Context, input any, opts phase.Options) (any, error) {
		url, _ := input.(string)
		if url == "" {
			return nil, faults.New(faults.KindInvalidInput, script, ErrEmptyURL)
		}
		res, err := tk.Runner.Run(ctx, tk.python(), tk.Args(script, browserOf(opts), url))
		if err != nil {
			return nil, err
		}
		return res.Payload, nil
	}
}

// hostedTrace returns a phase body that serves its HTML input to the device
// and traces it. With iterations set, the count is passed as the trailing
// argument.
func (tk *Toolkit) hostedTrace(withIterations bool) phase.Func {
	return func(ctx context.Context, input any, opts phase.Options) (any, error) {
		html, _ := input.(string)

		var extra []string
		if withIterations {
			n, err := opts.Int(OptIterations)
			if err != nil {
				return nil, faults.New(faults.KindInvalidInput, ScriptPerf, err)
			}
			if n < 1 {
				return nil, faults.New(faults.KindInvalidInput, ScriptPerf,
					errors.New("iterations must be at least 1"))
			}
			extra = append(extra, strconv.Itoa(n))
		}

		args := tk.Args(ScriptPerf, browserOf(opts), hosted.URLPlaceholder, extra...)
		res, err := tk.Hosted.RunHosted(ctx, []byte(html), tk.python(), args)
		if err != nil {
			return nil, err
		}
		return res.Payload, nil
	}
}

func descriptor(name string, defaults phase.Options) phase.Descriptor {
	return phase.Descriptor{
		Name:        name,
		Input:       phase.TypeString,
		Output:      phase.TypeJSON,
		Arity:       phase.OneToOne,
		Async:       true,
		MaxParallel: 1,
		Defaults:    defaults,
	}
}

// Definition pairs a descriptor with its body.
type Definition struct {
	Descriptor phase.Descriptor
	Func       phase.Func
}

// Definitions returns the static phase table for tk.
func (tk *Toolkit) Definitions() []Definition {
	browserOnly := func() phase.Options { return phase.Options{OptBrowser: DefaultBrowser} }
	return []Definition{
		{descriptor(Fetch, browserOnly()), tk.direct(ScriptSave)},
		{descriptor(FetchWithInlineStyle, browserOnly()), tk.direct(ScriptSaveNoStyle)},
		{descriptor(TraceURL, browserOnly()), tk.direct(ScriptPerf)},
		{descriptor(Trace, browserOnly()), tk.hostedTrace(false)},
		{descriptor(TraceLayout, phase.Options{OptBrowser: DefaultBrowser, OptIterations: 1}), tk.hostedTrace(true)},
	}
}

// Register adds every device phase and the legacy alias to reg.
func Register(reg *phase.Registry, tk *Toolkit) error {
	for _, def := range tk.Definitions() {
		if err := reg.Register(def.Descriptor, def.Func); err != nil {
			return err
		}
	}
	return reg.Alias(FetchWithInlineStyleLegacy, FetchWithInlineStyle)
}
