package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the HTTP API of a running svcorch daemon.
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client // no overall timeout, for server-sent events
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration // applies to every call except streams; starts wait for readiness
	Logger  *slog.Logger  // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7070/api",
		Timeout: 2 * time.Minute,
	}
}

// New creates a new API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
		stream:  &http.Client{},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/services", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	reachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Daemon reachability check", "reachable", reachable, "status", resp.StatusCode)
	return reachable
}

// Services returns the status of every service in registration order.
func (c *Client) Services(ctx context.Context) ([]Status, error) {
	var out []Status
	return out, c.getJSON(ctx, "/services", &out)
}

// Status returns one service.
func (c *Client) Status(ctx context.Context, name string) (Status, error) {
	var out Status
	return out, c.getJSON(ctx, servicePath(name, ""), &out)
}

// Start starts a service and waits for the daemon to report the outcome.
// A failed start is reported in Result, not as an error.
func (c *Client) Start(ctx context.Context, name string) (Result, error) {
	return c.operation(ctx, servicePath(name, "/start"))
}

func (c *Client) Stop(ctx context.Context, name string) (Result, error) {
	return c.operation(ctx, servicePath(name, "/stop"))
}

func (c *Client) ForceStop(ctx context.Context, name string) (Result, error) {
	return c.operation(ctx, servicePath(name, "/force-stop"))
}

func (c *Client) StartAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/start-all", nil)
}

func (c *Client) StopAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stop-all", nil)
}

// Logs returns the journal entries of a service with a sequence number
// greater than since (0 for all).
func (c *Client) Logs(ctx context.Context, name string, since uint64) ([]LogEntry, error) {
	p := servicePath(name, "/logs")
	if since > 0 {
		p += "?since=" + strconv.FormatUint(since, 10)
	}
	var out []LogEntry
	return out, c.getJSON(ctx, p, &out)
}

func (c *Client) ClearLogs(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, servicePath(name, "/logs"), nil)
}

func (c *Client) CheckPort(ctx context.Context, name string) (PortCheck, error) {
	var out PortCheck
	err := c.do(ctx, http.MethodGet, servicePath(name, "/port"), &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && out.Error != "" {
		return out, nil
	}
	return out, err
}

// History returns the most recent lifecycle events of a service, newest first.
func (c *Client) History(ctx context.Context, name string, limit int) ([]Event, error) {
	p := servicePath(name, "/history")
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var out []Event
	return out, c.getJSON(ctx, p, &out)
}

// StreamLogs calls fn for every journal entry the daemon publishes until ctx
// is done or the stream ends. An empty service streams all services.
func (c *Client) StreamLogs(ctx context.Context, service string, fn func(LogEntry)) error {
	p := c.baseURL + "/logs/stream"
	if service != "" {
		p += "?service=" + url.QueryEscape(service)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:") && event == "log":
			var e LogEntry
			if err := json.Unmarshal([]byte(strings.TrimSpace(line[len("data:"):])), &e); err != nil {
				c.logger.Debug("Skipping malformed log event", "error", err)
				continue
			}
			fn(e)
		case line == "":
			event = ""
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

func servicePath(name, suffix string) string {
	return "/services/" + url.PathEscape(name) + suffix
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, out)
}

// operation performs a lifecycle call. The daemon answers with a Result for
// both outcomes; any other body is an API error.
func (c *Client) operation(ctx context.Context, path string) (Result, error) {
	var res Result
	err := c.do(ctx, http.MethodPost, path, &res)
	var apiErr *APIError
	if errors.As(err, &apiErr) && res.Error != "" {
		return res, nil
	}
	return res, err
}

// do performs a request and decodes the JSON body into out. For non-2xx
// responses the body is still decoded into out when possible and an
// *APIError is returned.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	if out != nil {
		_ = json.Unmarshal(body, out)
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er ErrorResponse
	if json.Unmarshal(body, &er) == nil {
		apiErr.Message = er.Error
	}
	c.logger.Debug("API request failed", "error", apiErr.Message, "status", resp.StatusCode, "url", u)
	return apiErr
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Message = er.Error
	}
	return apiErr
}
