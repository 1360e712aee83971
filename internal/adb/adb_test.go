package adb

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/devtrace/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []call
	code   int
	stderr string
	err    error
}

func (f *fakeExecutor) Run(_ context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: append([]string(nil), args...)})
	return nil, []byte(f.stderr), f.code, f.err
}

func (f *fakeExecutor) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.name + " " + strings.Join(c.args, " ")
	}
	return out
}

func TestBridge_EstablishAndRemove(t *testing.T) {
	exec := &fakeExecutor{}
	b := &Bridge{Path: "/sdk/adb", Exec: exec}
	ctx := context.Background()

	fwd, err := b.Establish(ctx, 8000, 8000)
	require.NoError(t, err)
	assert.Equal(t, &Forward{DevicePort: 8000, HostPort: 8000, Active: true}, fwd)

	require.NoError(t, b.Remove(ctx, fwd))
	assert.False(t, fwd.Active)

	assert.Equal(t, []string{
		"/sdk/adb reverse tcp:8000 tcp:8000",
		"/sdk/adb reverse --remove tcp:8000",
	}, exec.commands())
}

func TestBridge_Serial(t *testing.T) {
	exec := &fakeExecutor{}
	b := &Bridge{Serial: "emulator-5554", Exec: exec}

	_, err := b.Establish(context.Background(), 8000, 9000)
	require.NoError(t, err)
	assert.Equal(t, []string{"adb -s emulator-5554 reverse tcp:8000 tcp:9000"}, exec.commands())
}

func TestBridge_EstablishFailure(t *testing.T) {
	t.Run("non-zero exit", func(t *testing.T) {
		exec := &fakeExecutor{code: 1, stderr: "error: no devices/emulators found\n"}
		b := &Bridge{Exec: exec}

		fwd, err := b.Establish(context.Background(), 8000, 8000)
		require.Error(t, err)
		assert.Nil(t, fwd)
		assert.Equal(t, faults.KindPortForward, faults.KindOf(err))
		assert.Equal(t, "error: no devices/emulators found", faults.DiagnosticOf(err))
	})

	t.Run("exec error", func(t *testing.T) {
		exec := &fakeExecutor{code: 127, err: errors.New(`exec: "adb": executable file not found in $PATH`)}
		b := &Bridge{Exec: exec}

		_, err := b.Establish(context.Background(), 8000, 8000)
		require.Error(t, err)
		assert.Equal(t, faults.KindPortForward, faults.KindOf(err))
		assert.Contains(t, err.Error(), "executable file not found")
	})

	t.Run("invalid port never runs bridge", func(t *testing.T) {
		exec := &fakeExecutor{}
		b := &Bridge{Exec: exec}

		_, err := b.Establish(context.Background(), 0, 8000)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidPort)
		assert.Empty(t, exec.commands())
	})
}

func TestBridge_RemoveIsIdempotent(t *testing.T) {
	exec := &fakeExecutor{}
	b := &Bridge{Exec: exec}
	ctx := context.Background()

	require.NoError(t, b.Remove(ctx, nil))
	require.NoError(t, b.Remove(ctx, &Forward{DevicePort: 8000, HostPort: 8000}))
	assert.Empty(t, exec.commands())

	fwd := &Forward{DevicePort: 8000, HostPort: 8000, Active: true}
	require.NoError(t, b.Remove(ctx, fwd))
	require.NoError(t, b.Remove(ctx, fwd))
	assert.Len(t, exec.commands(), 1)
}

func TestBridge_RemoveFailureKeepsForwardActive(t *testing.T) {
	exec := &fakeExecutor{code: 1, stderr: "error: device offline"}
	b := &Bridge{Exec: exec}
	fwd := &Forward{DevicePort: 8000, HostPort: 8000, Active: true}

	err := b.Remove(context.Background(), fwd)
	require.Error(t, err)
	assert.Equal(t, faults.KindPortForward, faults.KindOf(err))
	assert.True(t, fwd.Active)
}

func TestExecExecutor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	ctx := context.Background()

	stdout, _, code, err := ExecExecutor{}.Run(ctx, "/bin/sh", "-c", "echo ok")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "ok\n", string(stdout))

	_, stderr, code, err := ExecExecutor{}.Run(ctx, "/bin/sh", "-c", "echo nope >&2; exit 4")
	assert.Error(t, err)
	assert.Equal(t, 4, code)
	assert.Equal(t, "nope\n", string(stderr))

	_, _, code, err = ExecExecutor{}.Run(ctx, "devtrace-missing-adb-xyz")
	assert.Error(t, err)
	assert.Equal(t, 127, code)
}
