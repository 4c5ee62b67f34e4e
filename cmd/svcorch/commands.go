package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/svcorch"
	"github.com/loykin/svcorch/pkg/client"
)

type command struct {
	global *GlobalFlags
	out    io.Writer
	err    io.Writer
	args   []string // process arguments, re-used when daemonizing
}

// apiURL picks the daemon address: the explicit flag, then the server
// section of the config file, then the client default.
func (c *command) apiURL() string {
	if c.global.APIUrl != "" {
		return c.global.APIUrl
	}
	if c.global.ConfigPath != "" {
		if cfg, err := svcorch.LoadConfig(c.global.ConfigPath); err == nil {
			if u := apiURLFromListen(cfg.Server.Listen, cfg.Server.BasePath); u != "" {
				return u
			}
		}
	}
	return client.DefaultConfig().BaseURL
}

// client returns an API client for a reachable daemon.
func (c *command) client(ctx context.Context) (*client.Client, error) {
	url := c.apiURL()
	cl := client.New(client.Config{BaseURL: url, Timeout: c.global.APITimeout})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'svcorch serve'", url)
	}
	return cl, nil
}

func (c *command) Status(ctx context.Context, name string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	var sts []client.Status
	if name == "" {
		if sts, err = cl.Services(ctx); err != nil {
			return err
		}
	} else {
		st, err := cl.Status(ctx, name)
		if err != nil {
			return err
		}
		sts = []client.Status{st}
	}
	if c.global.JSON {
		if name != "" {
			printJSON(c.out, sts[0])
		} else {
			printJSON(c.out, sts)
		}
		return nil
	}
	printStatusTable(c.out, sts)
	return nil
}

// Operate runs one lifecycle operation (start, stop, force-stop) on a service.
func (c *command) Operate(ctx context.Context, verb, name string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	var res client.Result
	switch verb {
	case "start":
		res, err = cl.Start(ctx, name)
	case "stop":
		res, err = cl.Stop(ctx, name)
	case "force-stop":
		res, err = cl.ForceStop(ctx, name)
	default:
		return fmt.Errorf("unknown operation %q", verb)
	}
	if err != nil {
		return err
	}
	if c.global.JSON {
		printJSON(c.out, res)
		if !res.Success {
			return errors.New(res.Error)
		}
		return nil
	}
	return printResult(c.out, name, verb, res)
}

func (c *command) StartAll(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := cl.StartAll(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "all services started")
	return nil
}

func (c *command) StopAll(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := cl.StopAll(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "all services stopped")
	return nil
}

func (c *command) Logs(ctx context.Context, f LogsFlags) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if f.Clear {
		if err := cl.ClearLogs(ctx, f.Name); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "logs of %s cleared\n", f.Name)
		return nil
	}
	entries, err := cl.Logs(ctx, f.Name, f.Since)
	if err != nil {
		return err
	}
	show := func(e client.LogEntry) {
		if c.global.JSON {
			printJSON(c.out, e)
			return
		}
		_, _ = fmt.Fprintln(c.out, e.String())
	}
	last := f.Since
	for _, e := range entries {
		show(e)
		last = max(last, e.Seq)
	}
	if !f.Follow {
		return nil
	}
	return cl.StreamLogs(ctx, f.Name, func(e client.LogEntry) {
		// The stream may replay what the snapshot already printed.
		if e.Seq > last {
			last = e.Seq
			show(e)
		}
	})
}

func (c *command) Port(ctx context.Context, name string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	pc, err := cl.CheckPort(ctx, name)
	if err != nil {
		return err
	}
	if c.global.JSON {
		printJSON(c.out, pc)
	}
	if pc.Error != "" {
		return fmt.Errorf("%s: %s", name, pc.Error)
	}
	if c.global.JSON {
		return nil
	}
	state := "free"
	if pc.Running {
		state = "in use"
	}
	_, _ = fmt.Fprintf(c.out, "%s: port %d %s\n", name, pc.Port, state)
	return nil
}

func (c *command) History(ctx context.Context, f HistoryFlags) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	events, err := cl.History(ctx, f.Name, f.Limit)
	if err != nil {
		return err
	}
	if c.global.JSON {
		printJSON(c.out, events)
		return nil
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %-5s  pid=%d  state=%s", e.OccurredAt.Local().Format("2006-01-02 15:04:05"), e.Type, e.PID, e.State)
		if e.Error != "" {
			line += "  " + errorStyle.Render(e.Error)
		}
		_, _ = fmt.Fprintln(c.out, line)
	}
	return nil
}

// Validate loads the config file and checks every service descriptor.
func (c *command) Validate(path string) error {
	if path == "" {
		return errors.New("config path is required")
	}
	cfg, err := svcorch.LoadConfig(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	specs, err := cfg.ServiceSpecs()
	if err != nil {
		return err
	}
	if c.global.JSON {
		printJSON(c.out, specs)
		return nil
	}
	for _, s := range specs {
		line := fmt.Sprintf("%s: %s", s.Name, s.Command.String())
		if s.Port > 0 {
			line += fmt.Sprintf(" (port %d)", s.Port)
		}
		_, _ = fmt.Fprintln(c.out, line)
	}
	_, _ = fmt.Fprintf(c.out, "%d service(s) OK\n", len(specs))
	return nil
}

// Serve runs the daemon in the foreground until SIGINT or SIGTERM. With
// journalToOut the journal is printed to the command output instead of the
// operator log.
func (c *command) Serve(ctx context.Context, f ServeFlags, journalToOut bool) error {
	if f.ConfigPath == "" {
		return errors.New("config path is required: svcorch serve <config>")
	}
	cfg, err := svcorch.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	if f.Daemonize {
		pid, err := daemonize(c.args, f.PidFile, f.LogFile, c.out)
		if err != nil {
			return err
		}
		if pid != 0 {
			return nil
		}
	} else if f.PidFile != "" && !isDaemonChild() {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
	}
	defer func() { _ = removePidFile(f.PidFile) }()

	opts := svcorch.RuntimeOptions{LogOutput: c.err}
	if journalToOut {
		opts.Output = c.out
	}
	rt, err := svcorch.NewRuntime(cfg, opts)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = rt.Run(ctx, f.StartAll, f.Grace)
	rt.Logger().Info("svcorch stopped")
	return err
}
