// Package health implements readiness probes for managed services.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultTimeout bounds a single probe call.
const DefaultTimeout = 2 * time.Second

// maxBody caps how much of a response body is read for expectations.
const maxBody = 1 << 20

// Target addresses one health endpoint.
type Target struct {
	Scheme string // defaults to "http"
	Host   string // defaults to "127.0.0.1"
	Port   int
	Path   string
}

func (t Target) URL() string {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := t.Host
	if host == "" {
		host = "127.0.0.1"
	}
	path := t.Path
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(t.Port)) + path
}

// Result is the outcome of one probe. Err is non-empty iff the probe could
// not complete; a completed response that is not ready leaves Err empty.
type Result struct {
	Ready      bool   `json:"ready"`
	StatusCode int    `json:"status_code,omitempty"`
	Err        string `json:"error,omitempty"`
	Detail     string `json:"detail,omitempty"` // why a 2xx answer did not count as ready
}

// Prober reports whether a service answers as ready. Implementations must
// return within their own timeout and never panic.
type Prober interface {
	Probe(ctx context.Context, t Target) Result
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, t Target) Result

func (f ProberFunc) Probe(ctx context.Context, t Target) Result { return f(ctx, t) }

// Expect constrains a JSON response body: the value at Path (gjson syntax)
// must equal one of Values. An empty Values only requires Path to exist.
type Expect struct {
	Path   string   `mapstructure:"path" json:"path"`
	Values []string `mapstructure:"values" json:"values,omitempty"`
}

func (e Expect) match(body []byte) (bool, string) {
	if !gjson.ValidBytes(body) {
		return false, "body is not JSON"
	}
	v := gjson.GetBytes(body, e.Path)
	if !v.Exists() {
		return false, fmt.Sprintf("%s missing", e.Path)
	}
	if len(e.Values) == 0 {
		return true, ""
	}
	for _, want := range e.Values {
		if v.String() == want {
			return true, ""
		}
	}
	return false, fmt.Sprintf("%s=%s", e.Path, v.String())
}

// HTTPProbe issues GET requests against the target.
type HTTPProbe struct {
	Client  *http.Client
	Timeout time.Duration // per call; DefaultTimeout when zero
	Expect  *Expect
}

// NewHTTPProbe returns a probe with its own client and the given per-call timeout.
func NewHTTPProbe(timeout time.Duration, expect *Expect) *HTTPProbe {
	return &HTTPProbe{Client: &http.Client{}, Timeout: timeout, Expect: expect}
}

func (p *HTTPProbe) Probe(ctx context.Context, t Target) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Sprintf("probe panic: %v", r)}
		}
	}()
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL(), nil)
	if err != nil {
		return Result{Err: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: describe(ctx, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	res = Result{StatusCode: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res
	}
	if p.Expect == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		res.Ready = true
		return res
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Result{StatusCode: resp.StatusCode, Err: describe(ctx, err)}
	}
	res.Ready, res.Detail = p.Expect.match(body)
	return res
}

// describe maps deadline failures to "timeout" and passes other errors through.
func describe(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || os.IsTimeout(err) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled.Error()
	}
	return err.Error()
}

// PortOpen reports whether something accepts TCP connections on host:port.
func PortOpen(ctx context.Context, host string, port int, timeout time.Duration) bool {
	if host == "" {
		host = "127.0.0.1"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
