package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/devtrace/internal/faults"
	"github.com/fyrsmithlabs/devtrace/internal/logging"
	"github.com/fyrsmithlabs/devtrace/internal/phase"
)

// executeCommand runs the root command with args in an isolated home and
// returns stdout.
func executeCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	runOpts = nil
	phasesJSON = false
	configPath = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// fakeToolchain points devtrace at /bin/sh and a script dir whose save.py
// echoes its arguments as JSON.
func fakeToolchain(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	t.Setenv("HOME", t.TempDir())

	dir := t.TempDir()
	script := `printf '{"browser":"%s","url":"%s"}' "${1#--browser=}" "$3"` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "save.py"), []byte(script), 0o600))

	t.Setenv("DEVTRACE_TOOLS_PYTHON", "/bin/sh")
	t.Setenv("DEVTRACE_TOOLS_SCRIPTS_DIR", dir)
	t.Setenv("DEVTRACE_LOGGING_LEVEL", "error")
}

func TestRootCmd_Subcommands(t *testing.T) {
	want := []string{"phases", "run", "serve", "version"}
	var got []string
	for _, cmd := range rootCmd.Commands() {
		got = append(got, cmd.Name())
		assert.NotEmpty(t, cmd.Short, cmd.Name())
	}
	for _, name := range want {
		assert.Contains(t, got, name)
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := executeCommand(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "devtrace dev")
}

func TestPhasesCmd_JSON(t *testing.T) {
	fakeToolchain(t)

	out, err := executeCommand(t, "", "phases", "--json")
	require.NoError(t, err)

	var descs []phase.Descriptor
	require.NoError(t, json.Unmarshal([]byte(out), &descs))
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	assert.Equal(t, []string{"fetch", "fetchWithInlineStyle", "trace", "traceLayout", "traceURL"}, names)
}

func TestPhasesCmd_Table(t *testing.T) {
	fakeToolchain(t)

	out, err := executeCommand(t, "", "phases")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "browser=system,iterations=1")
	assert.Contains(t, out, "alias fetchWithInlineStyyle -> fetchWithInlineStyle")
}

func TestRunCmd(t *testing.T) {
	fakeToolchain(t)

	t.Run("argument input", func(t *testing.T) {
		out, err := executeCommand(t, "", "run", "fetch", "https://example.com", "--opt", "browser=android-chrome")
		require.NoError(t, err)
		assert.JSONEq(t, `{"browser":"android-chrome","url":"https://example.com"}`, out)
	})

	t.Run("stdin input", func(t *testing.T) {
		out, err := executeCommand(t, "https://example.org\n", "run", "fetch", "-")
		require.NoError(t, err)
		assert.JSONEq(t, `{"browser":"system","url":"https://example.org"}`, out)
	})

	t.Run("unknown phase", func(t *testing.T) {
		_, err := executeCommand(t, "", "run", "nope", "x")
		require.Error(t, err)
		assert.Equal(t, 2, exitCode(err))
	})

	t.Run("bad option", func(t *testing.T) {
		_, err := executeCommand(t, "", "run", "fetch", "x", "--opt", "browser")
		require.Error(t, err)
		assert.True(t, faults.Is(err, faults.KindInvalidInput))
	})
}

func TestReadInput(t *testing.T) {
	page := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(page, []byte("<html></html>\n"), 0o600))

	got, err := readInput(strings.NewReader(" https://example.com \n"), "-", false)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", got)

	got, err = readInput(strings.NewReader("<p>\n"), "-", true)
	require.NoError(t, err)
	assert.Equal(t, "<p>\n", got, "payloads are not trimmed")

	got, err = readInput(nil, page, true)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>\n", got)

	got, err = readInput(nil, page, false)
	require.NoError(t, err)
	assert.Equal(t, page, got, "URL phases never read files")

	got, err = readInput(nil, "<html><body>inline</body></html>", true)
	require.NoError(t, err)
	assert.Equal(t, "<html><body>inline</body></html>", got)
}

func TestWriteOutput(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, json.RawMessage(`{"a":[1,2]}`)))
	assert.Equal(t, "{\n  \"a\": [\n    1,\n    2\n  ]\n}\n", buf.String())
}

func TestAppClose_LogsFailedSteps(t *testing.T) {
	tl := logging.NewTestLogger()
	a := &app{logger: tl.Logger}

	var order []string
	a.onClose("telemetry", func(context.Context) error {
		order = append(order, "telemetry")
		return errors.New("export failed")
	})
	a.onClose("sink", func(context.Context) error {
		order = append(order, "sink")
		return nil
	})

	err := a.close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry: export failed")
	assert.Equal(t, []string{"sink", "telemetry"}, order)
	tl.AssertLogged(t, zapcore.ErrorLevel, "shutdown step failed")
	tl.AssertField(t, "shutdown step failed", "step", "telemetry")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, exitCode(errors.New("plain")))
	assert.Equal(t, 2, exitCode(faults.New(faults.KindInvalidInput, "op", errors.New("x"))))
	assert.Equal(t, 124, exitCode(faults.New(faults.KindTimeout, "op", errors.New("x"))))
	assert.Equal(t, 75, exitCode(faults.New(faults.KindBusy, "op", errors.New("x"))))
	assert.Equal(t, 130, exitCode(faults.FromContext("op", context.Canceled)))
	assert.Equal(t, 1, exitCode(faults.New(faults.KindPortForward, "op", errors.New("x"))))
}
