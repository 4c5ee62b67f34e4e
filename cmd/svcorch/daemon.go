package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// daemonEnv marks the re-executed child so it does not fork again.
const daemonEnv = "SVCORCH_DAEMON_CHILD"

func isDaemonChild() bool { return os.Getenv(daemonEnv) == "1" }

// daemonize re-executes the current command in the background and returns
// the child's PID. The caller (the parent) is expected to exit afterwards.
// In the child it returns 0 and does nothing.
func daemonize(args []string, pidFile, logFile string, out io.Writer) (int, error) {
	if isDaemonChild() {
		return 0, nil
	}
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec 204
	cmd := exec.Command(executable, childArgs(args)...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil

	if logFile != "" {
		// #nosec 304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	if pidFile != "" {
		if err := writePidFile(pidFile, pid); err != nil {
			return pid, fmt.Errorf("failed to write PID file: %w", err)
		}
	}
	_ = cmd.Process.Release()
	_, _ = fmt.Fprintf(out, "Daemon started with PID %d\n", pid)
	return pid, nil
}

// childArgs drops the daemonize flag so the child runs in the foreground.
func childArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--daemonize" || a == "-d" || strings.HasPrefix(a, "--daemonize=") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// writePidFile writes the daemon PID to a file
func writePidFile(pidFile string, pid int) error {
	// #nosec 302
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

// removePidFile removes the PID file
func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.Remove(pidFile)
}
