package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample holds CPU and memory usage of one service process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	Service    string    `json:"service"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig holds configuration for resource sampling.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceCollector periodically samples running service processes.
type ResourceCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history map[string][]ResourceSample // service -> ring, oldest first

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "svcorch",
			Subsystem: "service",
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		maxHistory: cfg.MaxHistory,
		history:    make(map[string][]ResourceSample),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of running services."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of running services."),
		numThreads: gauge("num_threads", "Number of threads of running services."),
	}
}

func (c *ResourceCollector) Enabled() bool { return c.enabled }

// RegisterMetrics registers the resource gauges with r.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the pids returned by pids every interval until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
				c.Collect(ctx, pids())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample per entry of pids and drops series for services
// that are no longer present.
func (c *ResourceCollector) Collect(ctx context.Context, pids map[string]int32) {
	now := time.Now()
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		s, err := sample(ctx, name, pid, now)
		if err != nil {
			slog.Debug("resource sample failed", "service", name, "pid", pid, "error", err)
			continue
		}
		c.cpuPercent.WithLabelValues(name).Set(s.CPUPercent)
		c.memoryMB.WithLabelValues(name).Set(s.MemoryMB)
		c.numThreads.WithLabelValues(name).Set(float64(s.NumThreads))
		c.add(s)
	}

	c.mu.Lock()
	for name := range c.history {
		if pid, ok := pids[name]; !ok || pid <= 0 {
			delete(c.history, name)
			c.cpuPercent.DeleteLabelValues(name)
			c.memoryMB.DeleteLabelValues(name)
			c.numThreads.DeleteLabelValues(name)
		}
	}
	c.mu.Unlock()
}

func (c *ResourceCollector) add(s ResourceSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.history[s.Service], s)
	if len(h) > c.maxHistory {
		h = h[len(h)-c.maxHistory:]
	}
	c.history[s.Service] = h
}

// Latest returns the most recent sample for a service.
func (c *ResourceCollector) Latest(service string) (ResourceSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.history[service]
	if len(h) == 0 {
		return ResourceSample{}, false
	}
	return h[len(h)-1], true
}

// History returns a copy of the retained samples for a service, oldest first.
func (c *ResourceCollector) History(service string) []ResourceSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ResourceSample(nil), c.history[service]...)
}

func sample(ctx context.Context, name string, pid int32, now time.Time) (ResourceSample, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	// CPU percent is measured since process start on the first call.
	cpu, _ := p.CPUPercentWithContext(ctx)
	threads, _ := p.NumThreadsWithContext(ctx)
	s := ResourceSample{
		PID:        pid,
		Service:    name,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  now,
	}
	if runtime.GOOS != "windows" {
		if fds, err := p.NumFDsWithContext(ctx); err == nil {
			s.NumFDs = fds
		}
	}
	return s, nil
}
