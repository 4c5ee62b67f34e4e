package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/svcorch/internal/env"
)

// ExitStatus is the terminal outcome of a process.
type ExitStatus struct {
	Code   int    `json:"code"`             // -1 when terminated by a signal
	Signal string `json:"signal,omitempty"` // e.g. "signal: killed"
}

// Killed reports whether the process was terminated by a signal.
func (s ExitStatus) Killed() bool { return s.Signal != "" }

func (s ExitStatus) String() string {
	if s.Killed() {
		return "killed (" + s.Signal + ")"
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Handle owns one spawned process.
//
// Stdout and Stderr deliver lines in the order the process produced them and
// are closed when the corresponding stream closes. Both must be drained by
// the owner, otherwise the process eventually blocks on a full pipe.
// Done is closed exactly once, when the process has exited; Exit then
// reports its status.
type Handle interface {
	PID() int
	Stdout() <-chan string
	Stderr() <-chan string
	Done() <-chan struct{}
	Exit() (ExitStatus, bool)
	Alive() bool
	// Terminate asks the process group to stop and escalates to a kill
	// after grace. It returns once the process has exited or the kill
	// was not acknowledged in time.
	Terminate(grace time.Duration) error
}

// Launcher spawns service processes.
type Launcher interface {
	Spawn(ctx context.Context, c Command) (Handle, error)
}

// ExecLauncher spawns local processes with os/exec. Each process runs in its
// own process group so that Terminate reaches the whole tree.
type ExecLauncher struct {
	env *env.Env
}

// NewExecLauncher returns a launcher that composes child environments from e.
// A nil e inherits the OS environment.
func NewExecLauncher(e *env.Env) *ExecLauncher {
	if e == nil {
		e = env.New()
	}
	return &ExecLauncher{env: e}
}

// Spawn starts c. It fails with a launch error when the executable cannot be
// found or the working directory is invalid.
func (l *ExecLauncher) Spawn(ctx context.Context, c Command) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	// #nosec G204
	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = l.env.Merge(c.Env)
	configureSysProcAttr(cmd)

	// Explicit pipes instead of cmd.StdoutPipe: Wait must be free to run
	// while readers are still draining.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, err
	}
	closeAll(outW, errW)

	h := &execHandle{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: make(chan string, 64),
		stderr: make(chan string, 64),
		done:   make(chan struct{}),
	}
	go readLines(outR, h.stdout)
	go readLines(errR, h.stderr)
	go h.wait()
	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	pid    int
	stdout chan string
	stderr chan string

	mu     sync.Mutex
	exit   ExitStatus
	exited bool
	done   chan struct{}
}

func (h *execHandle) PID() int              { return h.pid }
func (h *execHandle) Stdout() <-chan string { return h.stdout }
func (h *execHandle) Stderr() <-chan string { return h.stderr }
func (h *execHandle) Done() <-chan struct{} { return h.done }
func (h *execHandle) Alive() bool           { return !isClosed(h.done) }

func (h *execHandle) Exit() (ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit, h.exited
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	st := ExitStatus{}
	if ps := h.cmd.ProcessState; ps != nil {
		st.Code = ps.ExitCode()
		if st.Code == -1 {
			st.Signal = ps.String()
		}
	} else if err != nil {
		st.Code = -1
		st.Signal = err.Error()
	}
	h.mu.Lock()
	h.exit = st
	h.exited = true
	h.mu.Unlock()
	close(h.done)
}

func (h *execHandle) Terminate(grace time.Duration) error {
	if !h.Alive() {
		return nil
	}
	_ = signalTerm(h.cmd.Process)
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}
	_ = signalKill(h.cmd.Process)
	select {
	case <-h.done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("process %d did not exit after kill", h.pid)
	}
}

// readLines forwards r line by line to ch and closes ch at EOF.
// Trailing "\r\n" or "\n" is stripped; a final unterminated line is delivered.
func readLines(r io.ReadCloser, ch chan<- string) {
	defer close(ch)
	defer func() { _ = r.Close() }()
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			n := len(line)
			if line[n-1] == '\n' {
				n--
				if n > 0 && line[n-1] == '\r' {
					n--
				}
			}
			ch <- line[:n]
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				ch <- "read error: " + err.Error()
			}
			return
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
