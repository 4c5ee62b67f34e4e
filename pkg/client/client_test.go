package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcorch/internal/logger"
	"github.com/loykin/svcorch/internal/orchestrator"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestServer(t *testing.T) (*Client, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/services", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, []Status{{Name: "ollama", DisplayName: "Ollama Server", State: orchestrator.StateRunning, PID: 42}})
	})
	mux.HandleFunc("GET /api/services/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "ollama" {
			writeJSON(w, 404, ErrorResponse{Error: "unknown service"})
			return
		}
		writeJSON(w, 200, Status{Name: "ollama", State: orchestrator.StateStopped})
	})
	mux.HandleFunc("POST /api/services/{name}/start", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("name") {
		case "ollama":
			writeJSON(w, 200, Result{Success: true})
		case "ragServer":
			writeJSON(w, 500, Result{Error: "did not become healthy within 30 attempts"})
		default:
			writeJSON(w, 404, Result{Error: "unknown service"})
		}
	})
	mux.HandleFunc("POST /api/services/{name}/stop", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 409, Result{Error: "not running"})
	})
	mux.HandleFunc("POST /api/services/{name}/force-stop", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, Result{Success: true})
	})
	mux.HandleFunc("GET /api/services/{name}/logs", func(w http.ResponseWriter, r *http.Request) {
		entries := []LogEntry{
			{Seq: 1, Service: "ollama", Kind: logger.KindInfo, Message: "Starting Ollama Server..."},
			{Seq: 2, Service: "ollama", Kind: logger.KindSuccess, Message: "Ollama Server is running"},
		}
		if r.URL.Query().Get("since") == "1" {
			entries = entries[1:]
		}
		writeJSON(w, 200, entries)
	})
	mux.HandleFunc("DELETE /api/services/{name}/logs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /api/services/{name}/port", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") == "syncWatcher" {
			writeJSON(w, 400, PortCheck{Error: "service has no port"})
			return
		}
		writeJSON(w, 200, PortCheck{Running: true, Port: 11434})
	})
	mux.HandleFunc("GET /api/services/{name}/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			writeJSON(w, 400, ErrorResponse{Error: "bad limit"})
			return
		}
		writeJSON(w, 200, []Event{{Type: "ready", Service: r.PathValue("name")}})
	})
	mux.HandleFunc("POST /api/start-all", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 500, ErrorResponse{Error: "start ragServer: failed to launch: boom"})
	})
	mux.HandleFunc("POST /api/stop-all", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /api/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		_, _ = fmt.Fprint(w, ": ping\n\n")
		for i, msg := range []string{"one", "two"} {
			b, _ := json.Marshal(LogEntry{Seq: uint64(i + 1), Service: r.URL.Query().Get("service"), Kind: logger.KindStdout, Message: msg})
			_, _ = fmt.Fprintf(w, "event:log\ndata:%s\n\n", b)
			fl.Flush()
		}
		_, _ = fmt.Fprint(w, "event:other\ndata:{\"message\":\"ignored\"}\n\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api/", Timeout: 5 * time.Second}), srv
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, "http://127.0.0.1:7070/api", c.baseURL)
	assert.Equal(t, 2*time.Minute, c.client.Timeout)
	assert.Zero(t, c.stream.Timeout)
}

func TestServicesAndStatus(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	list, err := c.Services(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, orchestrator.StateRunning, list[0].State)
	assert.Equal(t, 42, list[0].PID)

	st, err := c.Status(ctx, "ollama")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateStopped, st.State)

	_, err = c.Status(ctx, "nope")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "unknown service", apiErr.Message)
}

func TestOperations(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	res, err := c.Start(ctx, "ollama")
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = c.Start(ctx, "ragServer")
	require.NoError(t, err)
	assert.Equal(t, Result{Error: "did not become healthy within 30 attempts"}, res)

	res, err = c.Start(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, "unknown service", res.Error)

	res, err = c.Stop(ctx, "ollama")
	require.NoError(t, err)
	assert.Equal(t, "not running", res.Error)

	res, err = c.ForceStop(ctx, "ollama")
	require.NoError(t, err)
	assert.True(t, res.Success)

	err = c.StartAll(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Error(), "start ragServer")
	require.NoError(t, c.StopAll(ctx))
}

func TestLogsPortHistory(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	logs, err := c.Logs(ctx, "ollama", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
	logs, err = c.Logs(ctx, "ollama", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, logger.KindSuccess, logs[0].Kind)
	require.NoError(t, c.ClearLogs(ctx, "ollama"))

	pc, err := c.CheckPort(ctx, "ollama")
	require.NoError(t, err)
	assert.Equal(t, PortCheck{Running: true, Port: 11434}, pc)
	pc, err = c.CheckPort(ctx, "syncWatcher")
	require.NoError(t, err)
	assert.Equal(t, "service has no port", pc.Error)

	events, err := c.History(ctx, "ollama", 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ollama", events[0].Service)
}

func TestStreamLogs(t *testing.T) {
	c, _ := newTestServer(t)
	var got []string
	err := c.StreamLogs(context.Background(), "ollama", func(e LogEntry) {
		assert.Equal(t, "ollama", e.Service)
		got = append(got, e.Message)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestUnreachable(t *testing.T) {
	c, srv := newTestServer(t)
	srv.Close()
	ctx := context.Background()
	assert.False(t, c.IsReachable(ctx))
	_, err := c.Services(ctx)
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestAPIErrorString(t *testing.T) {
	assert.Equal(t, "HTTP 502", (&APIError{StatusCode: 502}).Error())
	assert.Equal(t, "API error (HTTP 404): unknown service", (&APIError{StatusCode: 404, Message: "unknown service"}).Error())
}
