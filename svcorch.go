package svcorch

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svcorch/internal/config"
	"github.com/loykin/svcorch/internal/health"
	"github.com/loykin/svcorch/internal/history"
	"github.com/loykin/svcorch/internal/logger"
	"github.com/loykin/svcorch/internal/metrics"
	"github.com/loykin/svcorch/internal/orchestrator"
	"github.com/loykin/svcorch/internal/process"
	"github.com/loykin/svcorch/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type ServiceSpec = orchestrator.ServiceSpec

type HealthSpec = orchestrator.HealthSpec

type Command = process.Command

type State = orchestrator.State

type Status = orchestrator.Status

type StatusEvent = orchestrator.StatusEvent

type Result = orchestrator.Result

type PortCheck = orchestrator.PortCheck

type LogEntry = logger.Entry

type Journal = logger.Journal

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Config = config.FileConfig

type Router = server.Router

type Option = orchestrator.Option

const (
	StateStopped  = orchestrator.StateStopped
	StateStarting = orchestrator.StateStarting
	StateRunning  = orchestrator.StateRunning

	EarlyExitFail     = orchestrator.EarlyExitFail
	EarlyExitTolerate = orchestrator.EarlyExitTolerate
)

var (
	ErrUnknownService  = orchestrator.ErrUnknownService
	ErrAlreadyRunning  = orchestrator.ErrAlreadyRunning
	ErrAlreadyStarting = orchestrator.ErrAlreadyStarting
	ErrNotRunning      = orchestrator.ErrNotRunning
)

// Orchestrator options.
var (
	WithJournal = orchestrator.WithJournal
	WithLogger  = orchestrator.WithLogger
	WithHistory = orchestrator.WithHistory
	WithProber  = orchestrator.WithProber
)

// SplitCommand turns a command line into argv for Command.Argv.
func SplitCommand(s string) []string { return process.SplitCommand(s) }

// NewJournal creates a journal that renders entries as text lines to w
// (nil keeps them in memory only).
func NewJournal(w io.Writer) *Journal {
	if w == nil {
		return logger.NewJournal()
	}
	return logger.NewJournal(logger.WithOutput(w))
}

// NewHTTPProbe returns the default health prober with a per-request timeout.
func NewHTTPProbe(timeout time.Duration) health.Prober { return health.NewHTTPProbe(timeout, nil) }

// Orchestrator is a thin facade over internal/orchestrator.Orchestrator.
// It provides a stable public API for embedding.
type Orchestrator struct{ inner *orchestrator.Orchestrator }

// New returns an orchestrator that spawns local processes with the OS
// environment.
func New(opts ...Option) *Orchestrator {
	return &Orchestrator{inner: orchestrator.New(opts...)}
}

func (o *Orchestrator) Register(s ServiceSpec) error { return o.inner.Register(s) }
func (o *Orchestrator) Names() []string              { return o.inner.Names() }
func (o *Orchestrator) Start(ctx context.Context, name string) Result {
	return o.inner.Start(ctx, name)
}
func (o *Orchestrator) Stop(ctx context.Context, name string) Result {
	return o.inner.Stop(ctx, name)
}
func (o *Orchestrator) ForceStop(ctx context.Context, name string) Result {
	return o.inner.ForceStop(ctx, name)
}
func (o *Orchestrator) StartAll(ctx context.Context) error   { return o.inner.StartAll(ctx) }
func (o *Orchestrator) StopAll(ctx context.Context) error    { return o.inner.StopAll(ctx) }
func (o *Orchestrator) Shutdown(ctx context.Context) error   { return o.inner.Shutdown(ctx) }
func (o *Orchestrator) Status(name string) (Status, error)   { return o.inner.Status(name) }
func (o *Orchestrator) StatusAll() []Status                  { return o.inner.StatusAll() }
func (o *Orchestrator) Logs(name string) ([]LogEntry, error) { return o.inner.Logs(name) }
func (o *Orchestrator) ClearLogs(name string) error          { return o.inner.ClearLogs(name) }
func (o *Orchestrator) Journal() *Journal                    { return o.inner.Journal() }
func (o *Orchestrator) CheckPort(ctx context.Context, name string) PortCheck {
	return o.inner.CheckPort(ctx, name)
}
func (o *Orchestrator) Subscribe(buffer int) (<-chan StatusEvent, func()) {
	return o.inner.Subscribe(buffer)
}

// LoadConfig reads a TOML, YAML or JSON config file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewRouter returns the HTTP API handlers for o; mount them with Register on
// a gin router or use Handler with any mux.
func NewRouter(o *Orchestrator, basePath string) *Router { return server.NewRouter(o.inner, basePath) }

// NewHTTPServer returns an HTTP server exposing the API for o. The caller
// runs ListenAndServe and Shutdown.
func NewHTTPServer(addr, basePath string, o *Orchestrator) *http.Server {
	return server.NewServer(addr, server.NewRouter(o.inner, basePath))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler { return metrics.Handler() }
