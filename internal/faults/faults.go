// Package faults defines the error taxonomy shared by devtrace components.
//
// Every failure surfaced to a phase caller carries a Kind so the pipeline
// engine (or the HTTP endpoint) can classify it without string matching, and
// the diagnostic text of the external command that caused it.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/multierr"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnknown               Kind = "unknown"
	KindPathResolution        Kind = "path_resolution"
	KindProcessSpawn          Kind = "process_spawn"
	KindOutputParse           Kind = "output_parse"
	KindPortForward           Kind = "port_forward"
	KindServerBind            Kind = "server_bind"
	KindOrchestrationTeardown Kind = "orchestration_teardown"
	KindTimeout               Kind = "timeout"
	KindBusy                  Kind = "busy"
	KindProcessExit           Kind = "process_exit"
	KindInvalidInput          Kind = "invalid_input"
	KindCanceled              Kind = "canceled"
)

// maxDiagnosticLen bounds diagnostic text copied from external commands.
const maxDiagnosticLen = 4096

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Op         string
	Diagnostic string
	Err        error
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromContext classifies a context error: an expired deadline is
// KindTimeout, anything else (cancellation) is KindCanceled.
func FromContext(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, op, err)
	}
	return New(KindCanceled, op, err)
}

// WithDiagnostic attaches (trimmed, bounded) diagnostic text.
func (e *Error) WithDiagnostic(diag string) *Error {
	e.Diagnostic = trimDiagnostic(diag)
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Diagnostic != "" {
		fmt.Fprintf(&b, " (%s)", e.Diagnostic)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var te *TeardownError
	if errors.As(err, &te) {
		return KindOrchestrationTeardown
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// DiagnosticOf returns the diagnostic text of the outermost classified error.
func DiagnosticOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Diagnostic
	}
	return ""
}

func trimDiagnostic(diag string) string {
	diag = strings.TrimSpace(diag)
	if len(diag) > maxDiagnosticLen {
		cut := len(diag) - maxDiagnosticLen
		for cut < len(diag) && !utf8.RuneStart(diag[cut]) {
			cut++
		}
		diag = "..." + diag[cut:]
	}
	return diag
}

// TeardownError aggregates failures from cleanup steps. Steps are recorded in
// the order they were attempted; First is the earliest failure.
type TeardownError struct {
	steps []string
	errs  error
}

// Add records a failed teardown step. A nil err is ignored.
func (t *TeardownError) Add(step string, err error) {
	if err == nil {
		return
	}
	t.steps = append(t.steps, step)
	t.errs = multierr.Append(t.errs, fmt.Errorf("%s: %w", step, err))
}

// Empty reports whether no teardown step failed.
func (t *TeardownError) Empty() bool {
	return t == nil || t.errs == nil
}

// Steps returns the names of the failed steps in attempt order.
func (t *TeardownError) Steps() []string {
	return append([]string(nil), t.steps...)
}

// First returns the first teardown failure.
func (t *TeardownError) First() error {
	if t.Empty() {
		return nil
	}
	return multierr.Errors(t.errs)[0]
}

// Errors returns every teardown failure.
func (t *TeardownError) Errors() []error {
	if t.Empty() {
		return nil
	}
	return multierr.Errors(t.errs)
}

func (t *TeardownError) Error() string {
	if t.Empty() {
		return "teardown: no failures"
	}
	return "teardown: " + t.errs.Error()
}

func (t *TeardownError) Unwrap() []error {
	return t.Errors()
}

// withTeardown pairs a primary failure with the teardown failures that
// followed it. The primary error stays first in the chain.
type withTeardown struct {
	primary  error
	teardown *TeardownError
}

func (w *withTeardown) Error() string {
	return w.primary.Error() + "; " + w.teardown.Error()
}

func (w *withTeardown) Unwrap() []error {
	return []error{w.primary, w.teardown}
}

// AttachTeardown reports teardown failures alongside primary. With no
// primary error the teardown failures become the result, classified as
// KindOrchestrationTeardown.
func AttachTeardown(primary error, td *TeardownError) error {
	if td.Empty() {
		return primary
	}
	if primary == nil {
		return New(KindOrchestrationTeardown, "teardown", td)
	}
	return &withTeardown{primary: primary, teardown: td}
}

// Teardown extracts teardown failures attached to err, if any.
func Teardown(err error) *TeardownError {
	var td *TeardownError
	if errors.As(err, &td) {
		return td
	}
	return nil
}
