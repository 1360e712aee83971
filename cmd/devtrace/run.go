package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/devtrace/internal/devicephases"
	"github.com/fyrsmithlabs/devtrace/internal/faults"
	"github.com/fyrsmithlabs/devtrace/internal/logging"
	"github.com/fyrsmithlabs/devtrace/internal/phase"
)

var runOpts []string

var runCmd = &cobra.Command{
	Use:   "run <phase> [input|-]",
	Short: "Invoke a phase and print its output",
	Long: `Invoke one phase and print the measurement document as JSON.

The input is a URL for fetch, fetchWithInlineStyle and traceURL, and an HTML
payload for trace and traceLayout. Use "-" or omit it to read stdin; for the
hosted phases a file path is read as the payload.

Examples:
  # Save a page
  devtrace run fetch https://example.com

  # Trace a page with a specific browser
  devtrace run traceURL https://example.com --opt browser=android-chrome

  # Serve page.html to the device and trace it three times
  devtrace run traceLayout page.html --opt iterations=3

  # Payload from stdin
  cat page.html | devtrace run trace -`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPhase,
}

func init() {
	runCmd.Flags().StringArrayVar(&runOpts, "opt", nil, "phase option as key=value (repeatable)")
}

func runPhase(cmd *cobra.Command, args []string) error {
	opts, err := phase.ParseOptions(runOpts)
	if err != nil {
		return faults.New(faults.KindInvalidInput, "parse options", err)
	}

	a, err := newApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer a.close()

	desc, ok := a.registry.Lookup(args[0])
	if !ok {
		return faults.New(faults.KindInvalidInput, "run "+args[0], phase.ErrPhaseNotFound)
	}

	source := "-"
	if len(args) == 2 {
		source = args[1]
	}
	input, err := readInput(cmd.InOrStdin(), source, isPayloadPhase(desc.Name))
	if err != nil {
		return faults.New(faults.KindInvalidInput, "read input", err)
	}

	ctx := logging.WithTaskID(cmd.Context(), uuid.NewString())
	output, err := a.registry.Invoke(ctx, args[0], input, opts)
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), output)
}

// isPayloadPhase reports whether the phase takes an HTML payload rather
// than a URL.
func isPayloadPhase(name string) bool {
	return name == devicephases.Trace || name == devicephases.TraceLayout
}

// readInput returns source itself, stdin for "-", or for payload phases the
// contents of the file source names when it exists.
func readInput(stdin io.Reader, source string, payload bool) (string, error) {
	if source == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", err
		}
		if !payload {
			b = bytes.TrimSpace(b)
		}
		return string(b), nil
	}
	if payload {
		if info, err := os.Stat(source); err == nil && !info.IsDir() {
			b, err := os.ReadFile(source)
			if err != nil {
				return "", err
			}
			return string(b), nil
		}
	}
	return source, nil
}

func writeOutput(w io.Writer, output any) error {
	var raw []byte
	switch v := output.(type) {
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		raw = b
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	_, err := fmt.Fprintln(w, buf.String())
	return err
}
