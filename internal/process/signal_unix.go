//go:build !windows

package process

import (
	"os"
	"syscall"
)

// signalTerm sends SIGTERM to the process group, falling back to the process itself.
func signalTerm(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err == nil {
		return nil
	}
	return p.Signal(syscall.SIGTERM)
}

// signalKill sends SIGKILL to the process group, falling back to the process itself.
func signalKill(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.Kill()
}
