package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/svcorch/internal/health"
	"github.com/loykin/svcorch/internal/history"
	"github.com/loykin/svcorch/internal/logger"
	"github.com/loykin/svcorch/internal/metrics"
	"github.com/loykin/svcorch/internal/process"
)

var (
	// ErrLaunch wraps errors from the launcher: "failed to launch: <cause>".
	ErrLaunch = errors.New("failed to launch")
	errPanic  = errors.New("startup panic")
)

// startup is the generic startup routine. A returned handle is owned by the
// caller whether or not err is nil. Panics are converted into errors.
func (o *Orchestrator) startup(ctx context.Context, spec ServiceSpec, gen uint64) (h process.Handle, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errPanic, p)
		}
	}()
	name := spec.Name

	if spec.ReuseExisting {
		if res := o.probe(ctx, spec); res.Ready {
			o.journal.Logf(name, logger.KindInfo, "Already answering on port %d, reusing the running instance", spec.Health.Port)
			return nil, nil
		}
	}
	if spec.FreePortBeforeStart {
		if err := o.freePort(ctx, spec); err != nil {
			return nil, err
		}
	}

	o.journal.Logf(name, logger.KindInfo, "Spawning: %s", spec.Command)
	if spec.Command.Dir != "" {
		o.journal.Logf(name, logger.KindInfo, "Working directory: %s", spec.Command.Dir)
	}
	h, err = o.launcher.Spawn(ctx, spec.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	var ready chan struct{}
	var onLine func(string)
	if spec.Health != nil && spec.Health.readyRe != nil {
		ready = make(chan struct{})
		var once sync.Once
		re := spec.Health.readyRe
		onLine = func(line string) {
			if re.MatchString(line) {
				once.Do(func() { close(ready) })
			}
		}
	}
	o.attach(name, h, onLine)

	o.mu.Lock()
	if r := o.services[name]; r.gen == gen {
		r.pid = h.PID()
	}
	o.mu.Unlock()
	o.journal.Logf(name, logger.KindInfo, "Process started with PID %d", h.PID())
	o.emit(history.EventStart, name, h.PID(), StateStarting, "")

	if spec.Health == nil {
		tolerated, err := o.settle(ctx, spec, h)
		if tolerated {
			return nil, nil
		}
		return h, err
	}
	return h, o.awaitHealthy(ctx, spec, h, ready)
}

// attach forwards both output streams of h into the journal until they close.
func (o *Orchestrator) attach(name string, h process.Handle, onStdout func(string)) {
	o.wg.Add(2)
	go o.forward(name, logger.KindStdout, h.Stdout(), onStdout)
	go o.forward(name, logger.KindStderr, h.Stderr(), nil)
}

func (o *Orchestrator) forward(name string, kind logger.Kind, lines <-chan string, onLine func(string)) {
	defer o.wg.Done()
	for line := range lines {
		o.journal.Log(name, kind, line)
		if onLine != nil {
			onLine(line)
		}
	}
}

// settle waits out the settle delay of a service without a readiness probe.
// tolerated reports an early exit accepted by EarlyExitTolerate.
func (o *Orchestrator) settle(ctx context.Context, spec ServiceSpec, h process.Handle) (tolerated bool, err error) {
	name := spec.Name
	o.journal.Logf(name, logger.KindInfo, "Waiting %s for startup...", spec.SettleDelay)
	if err := pause(ctx, spec.SettleDelay, h.Done(), nil); err != nil {
		return false, err
	}
	if h.Alive() {
		return false, nil
	}
	st, _ := h.Exit()
	o.journal.Logf(name, logger.KindError, "Process exited with %s", st)
	if spec.EarlyExit == EarlyExitTolerate {
		o.journal.Log(name, logger.KindInfo, "Assuming already running externally")
		return true, nil
	}
	return false, &ExitError{Status: st}
}

// awaitHealthy polls the readiness probe. The process exiting is checked
// before every attempt and ends the poll; no delay follows the last attempt.
func (o *Orchestrator) awaitHealthy(ctx context.Context, spec ServiceSpec, h process.Handle, ready <-chan struct{}) error {
	name := spec.Name
	hs := spec.Health
	o.journal.Logf(name, logger.KindInfo, "Waiting for %s to become healthy on port %d", hs.target().URL(), hs.Port)
	if err := pause(ctx, hs.Warmup, h.Done(), ready); err != nil {
		return err
	}
	for attempt := 1; attempt <= hs.MaxAttempts; attempt++ {
		if !h.Alive() {
			st, _ := h.Exit()
			o.journal.Logf(name, logger.KindError, "Process exited with %s", st)
			return &ExitError{Status: st, BeforeHealthy: true}
		}
		select {
		case <-ready:
			o.journal.Log(name, logger.KindInfo, "Ready line seen on stdout")
			return nil
		default:
		}

		res := o.probe(ctx, spec)
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case res.Ready:
			metrics.IncProbe(name, "ready")
			o.journal.Logf(name, logger.KindInfo, "Attempt %d/%d: ready (status %d)", attempt, hs.MaxAttempts, res.StatusCode)
			return nil
		case res.Err != "":
			metrics.IncProbe(name, "error")
			o.journal.Logf(name, logger.KindError, "Attempt %d/%d: %s", attempt, hs.MaxAttempts, res.Err)
		default:
			metrics.IncProbe(name, "not_ready")
			if res.Detail != "" {
				o.journal.Logf(name, logger.KindInfo, "Attempt %d/%d: not ready (status %d, %s)", attempt, hs.MaxAttempts, res.StatusCode, res.Detail)
			} else {
				o.journal.Logf(name, logger.KindInfo, "Attempt %d/%d: not ready (status %d)", attempt, hs.MaxAttempts, res.StatusCode)
			}
		}

		if attempt < hs.MaxAttempts {
			if err := pause(ctx, hs.Interval, h.Done(), ready); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w within %d attempts", ErrUnhealthy, hs.MaxAttempts)
}

// probe runs one readiness probe bounded by the per-call timeout.
func (o *Orchestrator) probe(ctx context.Context, spec ServiceSpec) (res health.Result) {
	hs := spec.Health
	p := hs.Prober
	if p == nil {
		p = o.prober
	}
	pctx, cancel := context.WithTimeout(ctx, hs.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			res = health.Result{Err: fmt.Sprintf("probe panic: %v", r)}
		}
	}()
	res = p.Probe(pctx, hs.target())
	if !res.Ready && res.Err == "" && res.StatusCode == 0 && errors.Is(pctx.Err(), context.DeadlineExceeded) {
		res.Err = "timeout"
	}
	return res
}

// freePort kills the listeners on the service port and waits for the port
// to be released. A port that stays busy is logged, not fatal.
func (o *Orchestrator) freePort(ctx context.Context, spec ServiceSpec) error {
	name, port, host := spec.Name, spec.Port, probeHost(spec)
	if !o.ports.InUse(ctx, host, port) {
		return nil
	}
	o.journal.Logf(name, logger.KindInfo, "Port %d is in use, stopping the process holding it", port)
	pids, err := o.ports.Release(ctx, port)
	switch {
	case err != nil:
		o.journal.Logf(name, logger.KindError, "Could not release port %d: %v", port, err)
	case len(pids) > 0:
		o.journal.Logf(name, logger.KindInfo, "Killed %v on port %d", pids, port)
	}
	for i := 1; i <= portReleaseAttempts; i++ {
		if err := pause(ctx, o.portWait, nil, nil); err != nil {
			return err
		}
		if !o.ports.InUse(ctx, host, port) {
			o.journal.Logf(name, logger.KindInfo, "Port %d is now free", port)
			return nil
		}
		o.journal.Logf(name, logger.KindInfo, "Port %d still in use, waiting... (%d/%d)", port, i, portReleaseAttempts)
	}
	o.journal.Logf(name, logger.KindError, "Port %d may still be in use after cleanup", port)
	return nil
}

func probeHost(spec ServiceSpec) string {
	if spec.Health != nil {
		return spec.Health.Host
	}
	return ""
}

// pause sleeps for d. It returns early with nil when exited or ready fires
// and with the context error when ctx is done. Nil channels never fire.
func pause(ctx context.Context, d time.Duration, exited, ready <-chan struct{}) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-exited:
		return nil
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
