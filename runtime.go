package svcorch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svcorch/internal/history"
	"github.com/loykin/svcorch/internal/history/factory"
	"github.com/loykin/svcorch/internal/logger"
	"github.com/loykin/svcorch/internal/metrics"
	"github.com/loykin/svcorch/internal/orchestrator"
	"github.com/loykin/svcorch/internal/process"
	"github.com/loykin/svcorch/internal/server"
)

// RuntimeOptions tune how a Runtime renders output.
type RuntimeOptions struct {
	// Output receives every journal entry as a text line. When nil the
	// journal is mirrored to the operator logger instead.
	Output io.Writer
	// LogOutput receives operator logs; defaults to os.Stderr.
	LogOutput io.Writer
	// Registerer receives metrics when enabled; defaults to the
	// Prometheus default registerer.
	Registerer prometheus.Registerer
}

// Runtime is a fully assembled daemon: the orchestrator with every
// configured service, its journal and history sinks, optional resource
// sampling and metrics, and the HTTP API.
type Runtime struct {
	cfg  *Config
	opts RuntimeOptions
	log  *slog.Logger

	orch      *Orchestrator
	journal   *logger.Journal
	sinks     history.Fanout
	resources *metrics.ResourceCollector
	api       *http.Server
	metrics   *http.Server

	apiAddr     net.Addr
	metricsAddr net.Addr
	errCh       chan error
	cancel      context.CancelFunc
}

// NewRuntime builds a runtime from cfg. Nothing listens or runs until Start.
func NewRuntime(cfg *Config, opts RuntimeOptions) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	specs, err := cfg.ServiceSpecs()
	if err != nil {
		return nil, err
	}
	environ, err := cfg.Environment()
	if err != nil {
		return nil, err
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	log := cfg.Log.NewSlogger(opts.LogOutput)

	jopts := []logger.JournalOption{logger.WithFiles(cfg.Log.File)}
	if cfg.Log.Retain != 0 {
		jopts = append(jopts, logger.WithRetention(cfg.Log.Retain))
	}
	if opts.Output != nil {
		jopts = append(jopts, logger.WithOutput(opts.Output))
	} else {
		jopts = append(jopts, logger.WithSlog(log))
	}
	journal := logger.NewJournal(jopts...)

	sinks, err := factory.NewSinks(cfg.History.All()...)
	if err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("history: %w", err)
	}

	inner := orchestrator.New(
		orchestrator.WithLauncher(process.NewExecLauncher(environ)),
		orchestrator.WithJournal(journal),
		orchestrator.WithLogger(log),
		orchestrator.WithHistory(sinks...),
	)
	for _, s := range specs {
		if err := inner.Register(s); err != nil {
			_ = sinks.Close()
			_ = journal.Close()
			return nil, err
		}
	}

	rt := &Runtime{
		cfg:       cfg,
		opts:      opts,
		log:       log,
		orch:      &Orchestrator{inner: inner},
		journal:   journal,
		sinks:     sinks,
		resources: metrics.NewResourceCollector(cfg.Metrics.Resources),
		errCh:     make(chan error, 2),
	}

	ropts := []server.RouterOption{server.WithResources(rt.resources)}
	if len(sinks) > 0 {
		ropts = append(ropts, server.WithHistoryReader(sinks))
	}
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			ropts = append(ropts, server.WithMetricsEndpoint())
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			rt.metrics = &http.Server{
				Addr:              cfg.Metrics.Listen,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
		}
	}
	rt.api = server.NewServer(cfg.Server.Listen, server.NewRouter(inner, cfg.Server.BasePath, ropts...))
	return rt, nil
}

// Orchestrator returns the orchestrator driving the configured services.
func (r *Runtime) Orchestrator() *Orchestrator { return r.orch }

// Logger returns the operator logger.
func (r *Runtime) Logger() *slog.Logger { return r.log }

// APIAddr returns the bound API address once Start succeeded.
func (r *Runtime) APIAddr() net.Addr { return r.apiAddr }

// MetricsAddr returns the bound metrics address, or nil when metrics are
// served on the API listener or disabled.
func (r *Runtime) MetricsAddr() net.Addr { return r.metricsAddr }

// Start registers metrics, starts resource sampling and binds the listeners.
// Bind errors are returned immediately; later serve errors surface from Wait.
func (r *Runtime) Start(ctx context.Context) error {
	if r.cfg.Metrics.Enabled {
		if err := metrics.Register(r.opts.Registerer); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		if err := r.resources.RegisterMetrics(r.opts.Registerer); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	ln, err := net.Listen("tcp", r.api.Addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", r.api.Addr, err)
	}
	var mln net.Listener
	if r.metrics != nil {
		if mln, err = net.Listen("tcp", r.metrics.Addr); err != nil {
			_ = ln.Close()
			return fmt.Errorf("metrics listen %s: %w", r.metrics.Addr, err)
		}
	}

	ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.resources.Start(ctx, r.orch.inner.PIDs)

	r.apiAddr = ln.Addr()
	r.log.Info("api listening", "addr", r.apiAddr.String(), "base", r.cfg.Server.BasePath)
	go r.serve(r.api, ln)
	if mln != nil {
		r.metricsAddr = mln.Addr()
		r.log.Info("metrics listening", "addr", r.metricsAddr.String())
		go r.serve(r.metrics, mln)
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.errCh <- err
	}
}

// Wait blocks until ctx is done or a listener fails.
func (r *Runtime) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-r.errCh:
		return err
	}
}

// Run starts the runtime, optionally starts every service in order, and
// serves until ctx is done. It then shuts everything down within grace.
// A failed start-all is logged; the API keeps serving so services can be
// inspected and retried.
func (r *Runtime) Run(ctx context.Context, startAll bool, grace time.Duration) error {
	if err := r.Start(ctx); err != nil {
		r.close()
		return err
	}
	if startAll {
		if err := r.orch.StartAll(ctx); err != nil {
			r.log.Warn("start-all failed", "error", err)
		}
	}
	werr := r.Wait(ctx)
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return errors.Join(werr, r.Shutdown(sctx))
}

// Shutdown closes the listeners, stops every service and releases the
// journal files and history sinks.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if err := r.api.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
	}
	if r.metrics != nil {
		if err := r.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	if err := r.orch.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	r.close()
	return errors.Join(errs...)
}

func (r *Runtime) close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.resources.Stop()
	if err := r.sinks.Close(); err != nil {
		r.log.Warn("close history sinks", "error", err)
	}
	if err := r.journal.Close(); err != nil {
		r.log.Warn("close journal", "error", err)
	}
}
