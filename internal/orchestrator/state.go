package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/svcorch/internal/logger"
	"github.com/loykin/svcorch/internal/process"
)

// State is the lifecycle state of a service.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

var allStates = []string{StateStopped.String(), StateStarting.String(), StateRunning.String()}

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*s = StateStopped
	case "starting":
		*s = StateStarting
	case "running":
		*s = StateRunning
	default:
		return fmt.Errorf("unknown state %q", b)
	}
	return nil
}

// Status is a point-in-time view of one service.
type Status struct {
	Name        string              `json:"name"`
	DisplayName string              `json:"display_name"`
	State       State               `json:"state"`
	Port        int                 `json:"port,omitempty"`
	PID         int                 `json:"pid,omitempty"`
	StartedAt   time.Time           `json:"started_at,omitzero"`
	External    bool                `json:"external,omitempty"` // running without an owned process
	LastError   string              `json:"last_error,omitempty"`
	LastExit    *process.ExitStatus `json:"last_exit,omitempty"`
	Logs        []logger.Entry      `json:"logs,omitempty"`
}

// StatusEvent reports a state change.
type StatusEvent struct {
	Service string    `json:"service"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
}

// Result is the caller-facing outcome of a lifecycle operation.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func resultOf(err error) Result {
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true}
}

// PortCheck is the outcome of CheckPort.
type PortCheck struct {
	Running bool   `json:"running"`
	Port    int    `json:"port,omitempty"`
	Error   string `json:"error,omitempty"`
}

var (
	ErrUnknownService  = errors.New("unknown service")
	ErrAlreadyRunning  = errors.New("already running")
	ErrAlreadyStarting = errors.New("already starting")
	ErrNotRunning      = errors.New("not running")
	ErrUnhealthy       = errors.New("did not become healthy")
	ErrDuplicate       = errors.New("service already registered")
	ErrNoPort          = errors.New("service has no port")
)

// ExitError reports a process that exited before its start completed.
type ExitError struct {
	Status        process.ExitStatus
	BeforeHealthy bool
}

func (e *ExitError) Error() string {
	if e.BeforeHealthy {
		return "exited before becoming healthy (" + e.Status.String() + ")"
	}
	return "exited during startup (" + e.Status.String() + ")"
}
