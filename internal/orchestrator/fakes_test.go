package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/svcorch/internal/health"
	"github.com/loykin/svcorch/internal/process"
)

// fakeHandle is a process that lives until finish or Terminate is called.
type fakeHandle struct {
	pid    int
	stdout chan string
	stderr chan string
	done   chan struct{}

	mu     sync.Mutex
	exit   process.ExitStatus
	exited bool
	once   sync.Once

	terminated atomic.Int32
	onTerm     func(h *fakeHandle)
	survive    bool // Terminate leaves the process running
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{
		pid:    pid,
		stdout: make(chan string, 256),
		stderr: make(chan string, 256),
		done:   make(chan struct{}),
	}
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Stdout() <-chan string { return h.stdout }
func (h *fakeHandle) Stderr() <-chan string { return h.stderr }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *fakeHandle) Exit() (process.ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit, h.exited
}

func (h *fakeHandle) finish(st process.ExitStatus) {
	h.once.Do(func() {
		h.mu.Lock()
		h.exit = st
		h.exited = true
		h.mu.Unlock()
		close(h.stdout)
		close(h.stderr)
		close(h.done)
	})
}

func (h *fakeHandle) Terminate(time.Duration) error {
	h.terminated.Add(1)
	if h.onTerm != nil {
		h.onTerm(h)
	}
	if h.survive {
		return nil
	}
	h.finish(process.ExitStatus{Code: -1, Signal: "signal: terminated"})
	return nil
}

// fakeLauncher hands out fakeHandles; behave customizes each spawn.
type fakeLauncher struct {
	mu      sync.Mutex
	spawns  int
	handles []*fakeHandle
	cmds    []process.Command
	behave  func(n int, c process.Command, h *fakeHandle) error
}

func (l *fakeLauncher) Spawn(ctx context.Context, c process.Command) (process.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.spawns++
	n := l.spawns
	l.cmds = append(l.cmds, c)
	h := newFakeHandle(1000 + n)
	behave := l.behave
	l.mu.Unlock()
	if behave != nil {
		if err := behave(n, c, h); err != nil {
			return nil, err
		}
	}
	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.mu.Unlock()
	return h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spawns
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[i]
}

// fakeProber answers from fn, numbering calls from 1.
type fakeProber struct {
	calls atomic.Int32
	fn    func(n int) health.Result
}

func (p *fakeProber) Probe(ctx context.Context, _ health.Target) health.Result {
	n := int(p.calls.Add(1))
	if p.fn == nil {
		return health.Result{Ready: true, StatusCode: 200}
	}
	return p.fn(n)
}

func notReady(int) health.Result { return health.Result{StatusCode: 503} }

type fakePorts struct {
	mu           sync.Mutex
	open         map[int]bool
	released     []int
	releaseFrees bool
	releaseErr   error
	releaseHook  func() // runs before Release, without the lock
}

func newFakePorts() *fakePorts { return &fakePorts{open: map[int]bool{}} }

func (p *fakePorts) InUse(_ context.Context, _ string, port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open[port]
}

func (p *fakePorts) Release(_ context.Context, port int) ([]int32, error) {
	if p.releaseHook != nil {
		p.releaseHook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, port)
	if p.releaseErr != nil {
		return nil, p.releaseErr
	}
	if p.releaseFrees {
		p.open[port] = false
	}
	return []int32{4242}, nil
}

func (p *fakePorts) set(port int, open bool) {
	p.mu.Lock()
	p.open[port] = open
	p.mu.Unlock()
}

func (p *fakePorts) releases() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.released...)
}

var errNoExecutable = errors.New(`exec: "ollama": executable file not found in $PATH`)
