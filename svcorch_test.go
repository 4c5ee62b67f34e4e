package svcorch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svcorch/pkg/client"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestOrchestratorFacadeStartStatusStop(t *testing.T) {
	requireUnix(t)
	o := New(WithJournal(NewJournal(nil)))
	spec := ServiceSpec{
		Name:        "sleeper",
		Command:     Command{Argv: SplitCommand("sleep 5")},
		SettleDelay: 50 * time.Millisecond,
		StopTimeout: time.Second,
	}
	if err := o.Register(spec); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	if res := o.Start(ctx, "sleeper"); !res.Success {
		t.Fatalf("start: %+v", res)
	}
	st, err := o.Status("sleeper")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StateRunning || st.PID == 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if res := o.Stop(ctx, "sleeper"); !res.Success {
		t.Fatalf("stop: %+v", res)
	}
	if st, _ := o.Status("sleeper"); st.State != StateStopped {
		t.Fatalf("expected stopped, got %s", st.State)
	}
	if res := o.Stop(ctx, "sleeper"); res.Success || res.Error != ErrNotRunning.Error() {
		t.Fatalf("second stop: %+v", res)
	}
	_ = o.Shutdown(ctx)
}

func TestFacadeEarlyExitFails(t *testing.T) {
	requireUnix(t)
	o := New()
	if err := o.Register(ServiceSpec{
		Name:        "quitter",
		Command:     Command{Argv: SplitCommand("sh -c 'echo bye; exit 3'")},
		SettleDelay: 200 * time.Millisecond,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := o.Start(context.Background(), "quitter")
	if res.Success || !strings.Contains(res.Error, "exit code 3") {
		t.Fatalf("unexpected result: %+v", res)
	}
	// Output is forwarded asynchronously and may trail the result.
	deadline := time.Now().Add(2 * time.Second)
	for {
		logs, err := o.Logs("quitter")
		if err != nil {
			t.Fatalf("logs: %v", err)
		}
		for _, e := range logs {
			if e.Message == "bye" {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("stdout line missing from journal: %+v", logs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewHTTPServerFacade(t *testing.T) {
	o := New()
	srv := NewHTTPServer("127.0.0.1:0", "/api", o)
	if srv == nil || srv.Handler == nil {
		t.Fatal("expected server with handler")
	}
	if err := RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register metrics: %v", err)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "svcorch.toml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRuntimeServesConfiguredServices(t *testing.T) {
	requireUnix(t)
	hist := filepath.Join(t.TempDir(), "history.db")
	path := writeConfig(t, `
[server]
listen = "127.0.0.1:0"
base_path = "/api"

[metrics]
enabled = true

[history]
dsn = "`+hist+`"

[[services]]
name = "sleeper"
command = "sleep 5"
settle_delay = "50ms"
stop_timeout = "1s"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var out bytes.Buffer
	rt, err := NewRuntime(cfg, RuntimeOptions{Output: &out, LogOutput: io.Discard, Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	base := "http://" + rt.APIAddr().String()
	c := client.New(client.Config{BaseURL: base + "/api", Timeout: 10 * time.Second})

	if !c.IsReachable(ctx) {
		t.Fatal("api not reachable")
	}
	if res, err := c.Start(ctx, "sleeper"); err != nil || !res.Success {
		t.Fatalf("start via api: %+v %v", res, err)
	}
	st, err := c.Status(ctx, "sleeper")
	if err != nil || st.State != StateRunning {
		t.Fatalf("status via api: %+v %v", st, err)
	}
	if res, err := c.Stop(ctx, "sleeper"); err != nil || !res.Success {
		t.Fatalf("stop via api: %+v %v", res, err)
	}
	events, err := c.History(ctx, "sleeper", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected start, ready and stop events, got %+v", events)
	}

	resp, err := http.Get(base + "/api/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rt.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(out.String(), "[SLEEPER]") {
		t.Fatalf("journal output missing service lines:\n%s", out.String())
	}
}

func TestRuntimeRequiresServices(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "[server]\nlisten = \"127.0.0.1:0\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := NewRuntime(cfg, RuntimeOptions{LogOutput: io.Discard}); err == nil {
		t.Fatal("expected error for empty service list")
	}
}

func TestRuntimeRunStopsOnCancel(t *testing.T) {
	requireUnix(t)
	path := writeConfig(t, `
[server]
listen = "127.0.0.1:0"

[[services]]
name = "sleeper"
command = "sleep 5"
settle_delay = "50ms"
stop_timeout = "1s"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rt, err := NewRuntime(cfg, RuntimeOptions{Output: io.Discard, LogOutput: io.Discard})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx, true, 5*time.Second) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, _ := rt.Orchestrator().Status("sleeper")
		if st.State == StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("service never reached running: %+v", st)
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if st, _ := rt.Orchestrator().Status("sleeper"); st.State != StateStopped {
		t.Fatalf("expected stopped after shutdown, got %s", st.State)
	}
}
