package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/svcorch/internal/history"
	"github.com/loykin/svcorch/internal/metrics"
	"github.com/loykin/svcorch/internal/orchestrator"
)

// Router provides embeddable HTTP handlers for controlling services.
// Endpoints (relative to basePath):
//
//	GET    /services                  all statuses
//	GET    /services/:name            one status
//	POST   /services/:name/start      start and wait for readiness
//	POST   /services/:name/stop
//	POST   /services/:name/force-stop
//	GET    /services/:name/logs       ?since=<seq>
//	DELETE /services/:name/logs
//	GET    /services/:name/port       port check
//	GET    /services/:name/history    ?limit=<n>
//	GET    /services/:name/resources
//	POST   /start-all, /stop-all
//	GET    /logs/stream               SSE of journal entries, ?service=<name>
//	GET    /events/stream             SSE of state changes
//	GET    /metrics                   when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	orch      *orchestrator.Orchestrator
	basePath  string
	history   history.Reader
	resources *metrics.ResourceCollector
	metrics   bool
	heartbeat time.Duration
}

type RouterOption func(*Router)

// WithHistoryReader enables the history endpoint.
func WithHistoryReader(r history.Reader) RouterOption { return func(rt *Router) { rt.history = r } }

// WithResources enables the resources endpoint.
func WithResources(c *metrics.ResourceCollector) RouterOption {
	return func(rt *Router) { rt.resources = c }
}

// WithMetricsEndpoint mounts the Prometheus handler at {basePath}/metrics.
func WithMetricsEndpoint() RouterOption { return func(rt *Router) { rt.metrics = true } }

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/services, /api/start-all, ...
func NewRouter(o *orchestrator.Orchestrator, basePath string, opts ...RouterOption) *Router {
	r := &Router{orch: o, basePath: sanitizeBase(basePath), heartbeat: 15 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register mounts the routes on an existing gin router.
func (r *Router) Register(g gin.IRouter) {
	group := g.Group(r.basePath)
	group.GET("/services", r.handleList)
	svc := group.Group("/services/:name", r.requireName)
	svc.GET("", r.handleStatus)
	svc.POST("/start", r.handleStart)
	svc.POST("/stop", r.handleStop(false))
	svc.POST("/force-stop", r.handleStop(true))
	svc.GET("/logs", r.handleLogs)
	svc.DELETE("/logs", r.handleClearLogs)
	svc.GET("/port", r.handlePort)
	svc.GET("/history", r.handleHistory)
	svc.GET("/resources", r.handleResources)
	group.POST("/start-all", r.handleStartAll)
	group.POST("/stop-all", r.handleStopAll)
	group.GET("/logs/stream", r.handleLogStream)
	group.GET("/events/stream", r.handleEventStream)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g)
	return g
}

// NewServer returns an http.Server for addr using this router; the caller
// runs ListenAndServe and Shutdown.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) requireName(c *gin.Context) {
	if !isSafeName(c.Param("name")) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name: allowed [A-Za-z0-9._-]"})
		c.Abort()
	}
}

// codeFor maps an operation outcome to an HTTP status.
func codeFor(res orchestrator.Result) int {
	switch res.Error {
	case "":
		return http.StatusOK
	case orchestrator.ErrUnknownService.Error():
		return http.StatusNotFound
	case orchestrator.ErrAlreadyRunning.Error(), orchestrator.ErrAlreadyStarting.Error(), orchestrator.ErrNotRunning.Error():
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errCode(err error) int {
	if errors.Is(err, orchestrator.ErrUnknownService) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.StatusAll())
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.orch.Status(c.Param("name"))
	if err != nil {
		writeJSON(c, errCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStart(c *gin.Context) {
	// A start outlives a client that disconnects while waiting.
	res := r.orch.Start(context.WithoutCancel(c.Request.Context()), c.Param("name"))
	writeJSON(c, codeFor(res), res)
}

func (r *Router) handleStop(force bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := context.WithoutCancel(c.Request.Context())
		var res orchestrator.Result
		if force {
			res = r.orch.ForceStop(ctx, c.Param("name"))
		} else {
			res = r.orch.Stop(ctx, c.Param("name"))
		}
		writeJSON(c, codeFor(res), res)
	}
}

func (r *Router) handleLogs(c *gin.Context) {
	entries, err := r.orch.Logs(c.Param("name"))
	if err != nil {
		writeJSON(c, errCode(err), errorResp{Error: err.Error()})
		return
	}
	if since := uint64(queryInt(c, "since", 0)); since > 0 {
		out := entries[:0]
		for _, e := range entries {
			if e.Seq > since {
				out = append(out, e)
			}
		}
		entries = out
	}
	writeJSON(c, http.StatusOK, entries)
}

func (r *Router) handleClearLogs(c *gin.Context) {
	if err := r.orch.ClearLogs(c.Param("name")); err != nil {
		writeJSON(c, errCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handlePort(c *gin.Context) {
	pc := r.orch.CheckPort(c.Request.Context(), c.Param("name"))
	code := http.StatusOK
	switch pc.Error {
	case orchestrator.ErrUnknownService.Error():
		code = http.StatusNotFound
	case orchestrator.ErrNoPort.Error():
		code = http.StatusBadRequest
	}
	writeJSON(c, code, pc)
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "history is not configured"})
		return
	}
	events, err := r.history.Recent(c.Request.Context(), c.Param("name"), queryInt(c, "limit", 100))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, history.ErrNoReader) {
			code = http.StatusNotImplemented
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, events)
}

type resourcesResp struct {
	Latest  *metrics.ResourceSample  `json:"latest,omitempty"`
	History []metrics.ResourceSample `json:"history"`
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil || !r.resources.Enabled() {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "resource sampling is not enabled"})
		return
	}
	name := c.Param("name")
	if _, err := r.orch.Status(name); err != nil {
		writeJSON(c, errCode(err), errorResp{Error: err.Error()})
		return
	}
	resp := resourcesResp{History: r.resources.History(name)}
	if s, ok := r.resources.Latest(name); ok {
		resp.Latest = &s
	}
	if resp.History == nil {
		resp.History = []metrics.ResourceSample{}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStartAll(c *gin.Context) {
	if err := r.orch.StartAll(context.WithoutCancel(c.Request.Context())); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStopAll(c *gin.Context) {
	if err := r.orch.StopAll(context.WithoutCancel(c.Request.Context())); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleLogStream streams journal entries appended after the request as
// server-sent "log" events until the client goes away.
func (r *Router) handleLogStream(c *gin.Context) {
	service := c.Query("service")
	if service != "" && !isSafeName(service) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	entries, cancel := r.orch.Journal().Subscribe(256)
	defer cancel()
	tick := startSSE(c, r.heartbeat)
	defer tick.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-tick.C:
			_, _ = io.WriteString(w, ": ping\n\n")
		case e, ok := <-entries:
			if !ok {
				return false
			}
			if service == "" || e.Service == service {
				c.SSEvent("log", e)
			}
		}
		return true
	})
}

// handleEventStream streams state changes as server-sent "status" events.
func (r *Router) handleEventStream(c *gin.Context) {
	events, cancel := r.orch.Subscribe(64)
	defer cancel()
	tick := startSSE(c, r.heartbeat)
	defer tick.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-tick.C:
			_, _ = io.WriteString(w, ": ping\n\n")
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("status", ev)
		}
		return true
	})
}

// startSSE writes the event-stream headers and returns the heartbeat ticker.
// Heartbeat comments keep proxies from closing an idle stream.
func startSSE(c *gin.Context, heartbeat time.Duration) *time.Ticker {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	return time.NewTicker(heartbeat)
}
