//go:build !windows

package process

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcorch/internal/env"
)

func collect(ch <-chan string) []string {
	var out []string
	for l := range ch {
		out = append(out, l)
	}
	return out
}

func waitDone(t *testing.T, h Handle) ExitStatus {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	st, ok := h.Exit()
	require.True(t, ok)
	return st
}

func TestExecLauncher_StreamsAndExitCode(t *testing.T) {
	l := NewExecLauncher(env.New())
	h, err := l.Spawn(context.Background(), Command{Argv: []string{"/bin/sh", "-c", "echo one; echo two; echo err >&2; printf tail; exit 3"}})
	require.NoError(t, err)
	assert.Greater(t, h.PID(), 0)

	errCh := make(chan []string, 1)
	go func() { errCh <- collect(h.Stderr()) }()
	out := collect(h.Stdout())

	assert.Equal(t, []string{"one", "two", "tail"}, out)
	assert.Equal(t, []string{"err"}, <-errCh)

	st := waitDone(t, h)
	assert.Equal(t, 3, st.Code)
	assert.False(t, st.Killed())
	assert.False(t, h.Alive())
}

func TestExecLauncher_EnvAndDir(t *testing.T) {
	dir := t.TempDir()
	l := NewExecLauncher(env.Isolated().WithSet("GLOBAL", "g"))
	h, err := l.Spawn(context.Background(), Command{
		Argv: []string{"/bin/sh", "-c", "echo $GLOBAL-$LOCAL; pwd"},
		Dir:  dir,
		Env:  map[string]string{"LOCAL": "l"},
	})
	require.NoError(t, err)
	go func() { _ = collect(h.Stderr()) }()
	out := collect(h.Stdout())
	waitDone(t, h)

	require.Len(t, out, 2)
	assert.Equal(t, "g-l", out[0])
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(out[1])
	assert.Equal(t, want, got)
}

func TestExecLauncher_LaunchErrors(t *testing.T) {
	l := NewExecLauncher(nil)

	_, err := l.Spawn(context.Background(), Command{Argv: []string{"definitely-not-a-real-binary-svcorch"}})
	require.Error(t, err)
	var execErr *exec.Error
	assert.ErrorAs(t, err, &execErr)

	_, err = l.Spawn(context.Background(), Command{Argv: []string{"/bin/true"}, Dir: "/no/such/dir"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid working directory")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Spawn(ctx, Command{Argv: []string{"/bin/true"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecLauncher_Terminate(t *testing.T) {
	l := NewExecLauncher(nil)
	h, err := l.Spawn(context.Background(), Command{Argv: []string{"/bin/sh", "-c", "sleep 30"}})
	require.NoError(t, err)
	go func() { _ = collect(h.Stdout()) }()
	go func() { _ = collect(h.Stderr()) }()
	assert.True(t, h.Alive())

	require.NoError(t, h.Terminate(2*time.Second))
	st := waitDone(t, h)
	assert.True(t, st.Killed(), "expected signaled exit, got %s", st)

	// Terminating an exited process is a no-op.
	require.NoError(t, h.Terminate(time.Second))
}

func TestExecLauncher_TerminateEscalatesToKill(t *testing.T) {
	l := NewExecLauncher(nil)
	h, err := l.Spawn(context.Background(), Command{Argv: []string{"/bin/sh", "-c", "trap '' TERM; echo ready; while :; do sleep 1; done"}})
	require.NoError(t, err)
	go func() { _ = collect(h.Stderr()) }()
	lines := h.Stdout()
	select {
	case l := <-lines:
		require.Equal(t, "ready", l)
	case <-time.After(5 * time.Second):
		t.Fatal("no ready line")
	}
	go func() { _ = collect(lines) }()

	start := time.Now()
	require.NoError(t, h.Terminate(200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	st := waitDone(t, h)
	assert.True(t, st.Killed())
}

func TestListenerPIDs_ExcludesSelf(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	pids, err := ListenerPIDs(context.Background(), port)
	if err != nil {
		t.Skipf("connection table unavailable: %v", err)
	}
	assert.NotContains(t, pids, int32(os.Getpid()))
}
