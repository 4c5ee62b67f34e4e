package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/loykin/svcorch"
	"github.com/loykin/svcorch/pkg/client"
)

var (
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	startingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	stoppedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	headerStyle   = lipgloss.NewStyle().Bold(true)
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func styleState(s svcorch.State) lipgloss.Style {
	switch s {
	case svcorch.StateRunning:
		return runningStyle
	case svcorch.StateStarting:
		return startingStyle
	default:
		return stoppedStyle
	}
}

// printStatusTable renders one row per service. Cells are padded before
// styling so ANSI sequences do not break the alignment.
func printStatusTable(w io.Writer, sts []client.Status) {
	nameW := len("NAME")
	for _, st := range sts {
		nameW = max(nameW, len(st.Name))
	}
	row := func(name, state, pid, port, detail string) string {
		return fmt.Sprintf("%-*s  %s  %-7s  %-5s  %s", nameW, name, state, pid, port, detail)
	}
	_, _ = fmt.Fprintln(w, headerStyle.Render(row("NAME", fmt.Sprintf("%-8s", "STATE"), "PID", "PORT", "DETAIL")))
	for _, st := range sts {
		pid, port := "-", "-"
		if st.PID > 0 {
			pid = strconv.Itoa(st.PID)
		}
		if st.Port > 0 {
			port = strconv.Itoa(st.Port)
		}
		detail := ""
		switch {
		case st.External:
			detail = "external"
		case st.LastError != "":
			detail = errorStyle.Render(st.LastError)
		}
		state := styleState(st.State).Render(fmt.Sprintf("%-8s", st.State.String()))
		_, _ = fmt.Fprintln(w, strings.TrimRight(row(st.Name, state, pid, port, detail), " "))
	}
}

func printResult(w io.Writer, name, verb string, res client.Result) error {
	if !res.Success {
		_, _ = fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("%s %s failed: %s", verb, name, res.Error)))
		return fmt.Errorf("%s %s: %s", verb, name, res.Error)
	}
	_, _ = fmt.Fprintln(w, runningStyle.Render(fmt.Sprintf("%s %s: ok", verb, name)))
	return nil
}

// apiURLFromListen turns a server listen address and base path into a
// client base URL. Wildcard hosts are reached through loopback.
func apiURLFromListen(listen, basePath string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return ""
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return "http://" + net.JoinHostPort(host, port) + strings.TrimRight(basePath, "/")
}
