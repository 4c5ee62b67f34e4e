//go:build windows

package process

import "os"

// Windows has no SIGTERM for console-less children; both paths kill.
func signalTerm(p *os.Process) error { return p.Kill() }

func signalKill(p *os.Process) error { return p.Kill() }
