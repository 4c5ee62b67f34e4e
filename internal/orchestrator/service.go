package orchestrator

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/loykin/svcorch/internal/health"
	"github.com/loykin/svcorch/internal/process"
)

// Defaults applied to zero-valued ServiceSpec and HealthSpec fields.
const (
	DefaultSettleDelay     = 2 * time.Second
	DefaultWarmupDelay     = 2 * time.Second
	DefaultAttemptInterval = time.Second
	DefaultMaxAttempts     = 30
	DefaultStopTimeout     = 5 * time.Second

	portReleaseAttempts = 10
	portReleaseInterval = 500 * time.Millisecond
)

// EarlyExitPolicy decides what a process exiting during the settle delay means
// for a service without a readiness probe.
type EarlyExitPolicy string

const (
	// EarlyExitFail treats the exit as a failed start.
	EarlyExitFail EarlyExitPolicy = "fail"
	// EarlyExitTolerate assumes the service already runs outside our control
	// (typically a port conflict) and reports the start as successful.
	EarlyExitTolerate EarlyExitPolicy = "tolerate"
)

// ServiceSpec describes one managed service.
type ServiceSpec struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name,omitempty"`
	Command     process.Command `json:"command"`
	Port        int             `json:"port,omitempty"`
	Health      *HealthSpec     `json:"health,omitempty"`
	EarlyExit   EarlyExitPolicy `json:"early_exit,omitempty"`

	SettleDelay time.Duration `json:"settle_delay,omitempty"`
	StopTimeout time.Duration `json:"stop_timeout,omitempty"`

	// FreePortBeforeStart kills whatever listens on Port before spawning.
	FreePortBeforeStart bool `json:"free_port_before_start,omitempty"`
	// ReuseExisting adopts a service that already answers its health probe
	// instead of spawning a second copy.
	ReuseExisting bool `json:"reuse_existing,omitempty"`
}

// HealthSpec configures readiness polling.
type HealthSpec struct {
	Scheme string `json:"scheme,omitempty"`
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"` // defaults to the service port
	Path   string `json:"path"`

	Timeout     time.Duration `json:"timeout,omitempty"` // per probe call
	Warmup      time.Duration `json:"warmup,omitempty"`
	Interval    time.Duration `json:"interval,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`

	// ReadyPattern, when set, marks the service ready as soon as a stdout
	// line matches, without waiting for the probe.
	ReadyPattern string `json:"ready_pattern,omitempty"`

	// Prober overrides the orchestrator-wide prober for this service.
	Prober health.Prober `json:"-"`

	readyRe *regexp.Regexp
}

func (s ServiceSpec) label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

// Validate checks the descriptor and fills defaults.
func (s *ServiceSpec) Validate() error {
	if s.Name == "" {
		return errors.New("service name is required")
	}
	if len(s.Command.Argv) == 0 {
		return fmt.Errorf("service %s: command is required", s.Name)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("service %s: invalid port %d", s.Name, s.Port)
	}
	switch s.EarlyExit {
	case "":
		s.EarlyExit = EarlyExitFail
	case EarlyExitFail, EarlyExitTolerate:
	default:
		return fmt.Errorf("service %s: invalid early_exit policy %q", s.Name, s.EarlyExit)
	}
	if s.SettleDelay <= 0 {
		s.SettleDelay = DefaultSettleDelay
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = DefaultStopTimeout
	}
	if s.FreePortBeforeStart && s.Port == 0 {
		return fmt.Errorf("service %s: free_port_before_start requires a port", s.Name)
	}
	if s.Health == nil {
		if s.ReuseExisting {
			return fmt.Errorf("service %s: reuse_existing requires a health check", s.Name)
		}
		return nil
	}

	h := *s.Health
	if h.Port == 0 {
		h.Port = s.Port
	}
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("service %s: health check requires a port", s.Name)
	}
	if h.Warmup <= 0 {
		h.Warmup = DefaultWarmupDelay
	}
	if h.Interval <= 0 {
		h.Interval = DefaultAttemptInterval
	}
	if h.MaxAttempts <= 0 {
		h.MaxAttempts = DefaultMaxAttempts
	}
	if h.Timeout <= 0 {
		h.Timeout = health.DefaultTimeout
	}
	if h.ReadyPattern != "" {
		re, err := regexp.Compile(h.ReadyPattern)
		if err != nil {
			return fmt.Errorf("service %s: invalid ready_pattern: %w", s.Name, err)
		}
		h.readyRe = re
	}
	s.Health = &h
	return nil
}

func (h *HealthSpec) target() health.Target {
	return health.Target{Scheme: h.Scheme, Host: h.Host, Port: h.Port, Path: h.Path}
}
