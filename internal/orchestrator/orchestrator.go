// Package orchestrator drives named services through stopped, starting and
// running: it spawns their processes, forwards their output into the
// journal, waits for readiness and tracks status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/svcorch/internal/health"
	"github.com/loykin/svcorch/internal/history"
	"github.com/loykin/svcorch/internal/logger"
	"github.com/loykin/svcorch/internal/metrics"
	"github.com/loykin/svcorch/internal/process"
)

// Ports inspects and frees TCP ports on the local host.
type Ports interface {
	InUse(ctx context.Context, host string, port int) bool
	Release(ctx context.Context, port int) ([]int32, error)
}

type osPorts struct{}

func (osPorts) InUse(ctx context.Context, host string, port int) bool {
	return health.PortOpen(ctx, host, port, time.Second)
}

func (osPorts) Release(ctx context.Context, port int) ([]int32, error) {
	return process.KillListeners(ctx, port)
}

// Orchestrator owns the service records. Only the orchestrator mutates a
// record's state or process, and at most one start runs per service.
type Orchestrator struct {
	mu       sync.Mutex
	services map[string]*record
	order    []string
	subs     map[int]chan StatusEvent
	nextSub  int

	launcher process.Launcher
	prober   health.Prober
	journal  *logger.Journal
	history  history.Fanout
	ports    Ports
	log      *slog.Logger
	now      func() time.Time

	portWait time.Duration
	wg       sync.WaitGroup // output forwarders and exit watchers

	startCancelled func(name string) // test hook, runs after Stop awaited a cancelled start
}

type record struct {
	spec      ServiceSpec
	state     State
	handle    process.Handle
	pid       int
	startedAt time.Time
	external  bool
	lastErr   string
	lastExit  *process.ExitStatus
	gen       uint64 // incremented per start; stale exit notifications are dropped

	cancel    context.CancelFunc // in-flight start
	startDone chan struct{}
}

type Option func(*Orchestrator)

func WithLauncher(l process.Launcher) Option { return func(o *Orchestrator) { o.launcher = l } }
func WithProber(p health.Prober) Option     { return func(o *Orchestrator) { o.prober = p } }
func WithJournal(j *logger.Journal) Option  { return func(o *Orchestrator) { o.journal = j } }
func WithPorts(p Ports) Option              { return func(o *Orchestrator) { o.ports = p } }
func WithLogger(l *slog.Logger) Option      { return func(o *Orchestrator) { o.log = l } }

// WithHistory appends lifecycle event sinks.
func WithHistory(sinks ...history.Sink) Option {
	return func(o *Orchestrator) { o.history = append(o.history, sinks...) }
}

func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		services: make(map[string]*record),
		subs:     make(map[int]chan StatusEvent),
		now:      time.Now,
		portWait: portReleaseInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.launcher == nil {
		o.launcher = process.NewExecLauncher(nil)
	}
	if o.prober == nil {
		o.prober = health.NewHTTPProbe(health.DefaultTimeout, nil)
	}
	if o.journal == nil {
		o.journal = logger.NewJournal()
	}
	if o.ports == nil {
		o.ports = osPorts{}
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

// Journal returns the journal service output is written to.
func (o *Orchestrator) Journal() *logger.Journal { return o.journal }

// Register adds a service. Registration order is the StartAll order.
func (o *Orchestrator) Register(spec ServiceSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.services[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, spec.Name)
	}
	o.services[spec.Name] = &record{spec: spec}
	o.order = append(o.order, spec.Name)
	metrics.SetCurrentState(spec.Name, StateStopped.String(), allStates...)
	return nil
}

// Names returns the registered service names in registration order.
func (o *Orchestrator) Names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

// Start brings a stopped service to running. It returns once the service is
// running or the attempt failed; the service is never left starting.
func (o *Orchestrator) Start(ctx context.Context, name string) Result {
	return resultOf(o.start(ctx, name))
}

func (o *Orchestrator) start(ctx context.Context, name string) error {
	o.mu.Lock()
	r, ok := o.services[name]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownService
	}
	switch r.state {
	case StateRunning:
		o.mu.Unlock()
		return ErrAlreadyRunning
	case StateStarting:
		o.mu.Unlock()
		return ErrAlreadyStarting
	}
	r.gen++
	gen := r.gen
	spec := r.spec
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.startDone = cancel, done
	r.lastErr = ""
	o.setStateLocked(r, StateStarting)
	o.mu.Unlock()
	defer func() {
		cancel()
		close(done)
	}()

	o.journal.Logf(name, logger.KindInfo, "Starting %s...", spec.label())
	began := o.now()
	h, err := o.startup(sctx, spec, gen)
	if err != nil {
		return o.failStart(spec, h, err)
	}

	o.mu.Lock()
	r.handle = h
	r.external = h == nil
	r.pid = 0
	if h != nil {
		r.pid = h.PID()
	}
	r.startedAt = o.now()
	r.cancel = nil
	pid := r.pid
	o.setStateLocked(r, StateRunning)
	o.mu.Unlock()

	o.journal.Logf(name, logger.KindSuccess, "%s is running", spec.label())
	metrics.IncStart(name)
	metrics.ObserveStartDuration(name, o.now().Sub(began).Seconds())
	o.emit(history.EventReady, name, pid, StateRunning, "")
	if h != nil {
		o.wg.Add(1)
		go o.watch(name, gen, h)
	}
	return nil
}

// failStart is the single fault boundary exit: the error is logged, the
// process is terminated if still alive and the record returns to stopped.
func (o *Orchestrator) failStart(spec ServiceSpec, h process.Handle, err error) error {
	name := spec.Name
	o.journal.Logf(name, logger.KindError, "Failed to start: %v", err)
	pid := 0
	var exit *process.ExitStatus
	if h != nil {
		pid = h.PID()
		if h.Alive() {
			if terr := h.Terminate(spec.StopTimeout); terr != nil {
				o.journal.Logf(name, logger.KindError, "Cleanup failed: %v", terr)
			}
		}
		if st, ok := h.Exit(); ok {
			exit = &st
		}
	}

	o.mu.Lock()
	r := o.services[name]
	r.handle = nil
	r.pid = 0
	r.external = false
	r.cancel = nil
	r.lastErr = err.Error()
	if exit != nil {
		r.lastExit = exit
	}
	o.setStateLocked(r, StateStopped)
	o.mu.Unlock()

	metrics.IncStartFailure(name, failureReason(err))
	o.emit(history.EventFail, name, pid, StateStopped, err.Error())
	return err
}

func failureReason(err error) string {
	var exitErr *ExitError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &exitErr):
		return "exit"
	case errors.Is(err, ErrUnhealthy):
		return "unhealthy"
	case errors.Is(err, ErrLaunch):
		return "launch"
	case errors.Is(err, errPanic):
		return "panic"
	default:
		return "error"
	}
}

// watch moves a running service to stopped when its process exits on its own.
func (o *Orchestrator) watch(name string, gen uint64, h process.Handle) {
	defer o.wg.Done()
	<-h.Done()
	st, _ := h.Exit()

	o.mu.Lock()
	r := o.services[name]
	if r.gen != gen || r.handle != h || r.state != StateRunning {
		o.mu.Unlock()
		return
	}
	r.handle = nil
	r.pid = 0
	r.lastExit = &st
	r.lastErr = "exited unexpectedly (" + st.String() + ")"
	o.setStateLocked(r, StateStopped)
	o.mu.Unlock()

	o.journal.Logf(name, logger.KindError, "Process exited with %s", st)
	o.emit(history.EventExit, name, h.PID(), StateStopped, st.String())
}

// Stop terminates the owned process and marks the service stopped. A start
// in flight is cancelled and awaited.
func (o *Orchestrator) Stop(ctx context.Context, name string) Result {
	return resultOf(o.stop(ctx, name, false))
}

// ForceStop stops the service and also kills whatever still listens on its
// port. It always ends with the service stopped.
func (o *Orchestrator) ForceStop(ctx context.Context, name string) Result {
	return resultOf(o.stop(ctx, name, true))
}

func (o *Orchestrator) stop(ctx context.Context, name string, force bool) error {
	o.mu.Lock()
	r, ok := o.services[name]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownService
	}
	cancelled := false
	// A new start may slip in while the lock is released; cancel it too so
	// the record is never stopped underneath a running startup.
	for r.state == StateStarting {
		cancel, done := r.cancel, r.startDone
		o.mu.Unlock()
		o.journal.Log(name, logger.KindInfo, "Cancelling startup...")
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		cancelled = true
		if o.startCancelled != nil {
			o.startCancelled(name)
		}
		o.mu.Lock()
	}
	if r.state == StateStopped && !force {
		o.mu.Unlock()
		if cancelled {
			o.journal.Log(name, logger.KindInfo, "Service stopped")
			return nil
		}
		return ErrNotRunning
	}
	spec := r.spec
	h := r.handle
	gen, pid := r.gen, r.pid
	wasRunning := r.state == StateRunning
	r.handle = nil
	o.mu.Unlock()

	if force {
		o.journal.Log(name, logger.KindInfo, "Force stopping service...")
	}
	var errs []error
	var exit *process.ExitStatus
	if h != nil {
		if err := h.Terminate(spec.StopTimeout); err != nil {
			o.journal.Logf(name, logger.KindError, "ERROR stopping: %v", err)
			errs = append(errs, err)
		}
		if st, ok := h.Exit(); ok {
			exit = &st
		}
	}
	if force && spec.Port > 0 {
		pids, err := o.ports.Release(ctx, spec.Port)
		if err != nil {
			o.journal.Logf(name, logger.KindError, "Could not release port %d: %v", spec.Port, err)
		} else if len(pids) > 0 {
			o.journal.Logf(name, logger.KindInfo, "Killed %v listening on port %d", pids, spec.Port)
		}
	}

	o.mu.Lock()
	// A start that began while the process was terminated owns the record now.
	if r.gen == gen {
		r.pid = 0
		r.external = false
		if exit != nil {
			r.lastExit = exit
		}
		o.setStateLocked(r, StateStopped)
	}
	o.mu.Unlock()

	if force {
		o.journal.Log(name, logger.KindSuccess, "Service force stopped")
	} else {
		o.journal.Log(name, logger.KindInfo, "Service stopped")
	}
	if wasRunning {
		metrics.IncStop(name)
		o.emit(history.EventStop, name, pid, StateStopped, "")
	}
	return errors.Join(errs...)
}

// StartAll starts every registered service in registration order. On the
// first failure the services started by this call are stopped in reverse
// order and the failure is returned.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	var started []string
	for _, name := range o.Names() {
		err := o.start(ctx, name)
		if errors.Is(err, ErrAlreadyStarting) {
			// Started elsewhere; not ours to roll back.
			if err = o.awaitStart(ctx, name); err == nil {
				continue
			}
		}
		if errors.Is(err, ErrAlreadyRunning) {
			continue
		}
		if err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = o.stop(context.WithoutCancel(ctx), started[i], false)
			}
			return fmt.Errorf("start %s: %w", name, err)
		}
		started = append(started, name)
	}
	return nil
}

// awaitStart waits for the start in flight for name and reports whether the
// service ended up running.
func (o *Orchestrator) awaitStart(ctx context.Context, name string) error {
	o.mu.Lock()
	r := o.services[name]
	done := r.startDone
	o.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case r.state == StateRunning:
		return nil
	case r.lastErr != "":
		return errors.New(r.lastErr)
	default:
		return ErrNotRunning
	}
}

// StopAll stops every service that is not stopped, in reverse registration order.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	names := o.Names()
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		if err := o.stop(ctx, names[i], false); err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, fmt.Errorf("stop %s: %w", names[i], err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops all services and waits for output forwarding to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.StopAll(ctx)
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// StatusLogTail is the number of most recent journal entries a Status carries.
const StatusLogTail = 100

// Status returns a snapshot of one service including its latest journal
// entries. Logs returns the full retained journal.
func (o *Orchestrator) Status(name string) (Status, error) {
	o.mu.Lock()
	r, ok := o.services[name]
	if !ok {
		o.mu.Unlock()
		return Status{}, ErrUnknownService
	}
	st := r.snapshot()
	o.mu.Unlock()
	logs := o.journal.ForService(name)
	if len(logs) > StatusLogTail {
		logs = logs[len(logs)-StatusLogTail:]
	}
	st.Logs = logs
	return st, nil
}

// StatusAll returns snapshots of every service in registration order.
func (o *Orchestrator) StatusAll() []Status {
	names := o.Names()
	out := make([]Status, 0, len(names))
	for _, n := range names {
		if st, err := o.Status(n); err == nil {
			out = append(out, st)
		}
	}
	return out
}

func (r *record) snapshot() Status {
	st := Status{
		Name:        r.spec.Name,
		DisplayName: r.spec.label(),
		State:       r.state,
		Port:        r.spec.Port,
		PID:         r.pid,
		External:    r.external,
		LastError:   r.lastErr,
		LastExit:    r.lastExit,
	}
	if r.state == StateRunning {
		st.StartedAt = r.startedAt
	}
	return st
}

// Logs returns the journal entries of one service.
func (o *Orchestrator) Logs(name string) ([]logger.Entry, error) {
	if !o.known(name) {
		return nil, ErrUnknownService
	}
	return o.journal.ForService(name), nil
}

// ClearLogs hides the current journal entries of one service from Logs.
func (o *Orchestrator) ClearLogs(name string) error {
	if !o.known(name) {
		return ErrUnknownService
	}
	o.journal.Clear(name)
	return nil
}

func (o *Orchestrator) known(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.services[name]
	return ok
}

// CheckPort probes the service port and reconciles records that do not own
// a live process: an answering port marks a stopped service running, a
// closed port marks a running one stopped.
func (o *Orchestrator) CheckPort(ctx context.Context, name string) PortCheck {
	o.mu.Lock()
	r, ok := o.services[name]
	if !ok {
		o.mu.Unlock()
		return PortCheck{Error: ErrUnknownService.Error()}
	}
	spec := r.spec
	o.mu.Unlock()
	if spec.Port == 0 {
		return PortCheck{Error: ErrNoPort.Error()}
	}

	open := o.ports.InUse(ctx, probeHost(spec), spec.Port)
	if ctx.Err() != nil {
		return PortCheck{Port: spec.Port, Error: ctx.Err().Error()}
	}

	o.mu.Lock()
	owned := r.handle != nil && r.handle.Alive()
	var msg string
	if !owned && r.state != StateStarting {
		switch {
		case open && r.state == StateStopped:
			r.external = true
			r.startedAt = o.now()
			o.setStateLocked(r, StateRunning)
			msg = fmt.Sprintf("Detected a service listening on port %d", spec.Port)
		case !open && r.state == StateRunning:
			r.handle = nil
			r.pid = 0
			r.external = false
			o.setStateLocked(r, StateStopped)
			msg = fmt.Sprintf("Port %d is closed, marking stopped", spec.Port)
		}
	}
	o.mu.Unlock()
	if msg != "" {
		o.journal.Log(name, logger.KindInfo, msg)
	}
	return PortCheck{Running: open, Port: spec.Port}
}

// PIDs returns the process ids of running services that own a process.
func (o *Orchestrator) PIDs() map[string]int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int32, len(o.services))
	for name, r := range o.services {
		if r.state == StateRunning && r.pid > 0 {
			out[name] = int32(r.pid)
		}
	}
	return out
}

// Subscribe returns a channel of state changes and a cancel function that
// closes it. Events are dropped for a subscriber whose buffer is full.
func (o *Orchestrator) Subscribe(buffer int) (<-chan StatusEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan StatusEvent, buffer)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

// setStateLocked records a transition and notifies subscribers. o.mu must be held.
func (o *Orchestrator) setStateLocked(r *record, to State) {
	from := r.state
	if from == to {
		return
	}
	r.state = to
	name := r.spec.Name
	metrics.RecordStateTransition(name, from.String(), to.String())
	metrics.SetCurrentState(name, to.String(), allStates...)
	ev := StatusEvent{Service: name, From: from, To: to, At: o.now()}
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (o *Orchestrator) emit(t history.EventType, name string, pid int, st State, msg string) {
	if len(o.history) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e := history.Event{Type: t, OccurredAt: o.now().UTC(), Service: name, PID: pid, State: st.String(), Error: msg}
	if err := o.history.Send(ctx, e); err != nil {
		o.log.Warn("history sink failed", "service", name, "event", string(t), "error", err)
	}
}
