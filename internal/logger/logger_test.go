package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestWriter_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := FileConfig{Dir: dir}
	w, err := cfg.Writer("ollama")
	if err != nil {
		t.Fatalf("Writer error: %v", err)
	}
	if w == nil {
		t.Fatalf("expected writer when Dir is set")
	}
	_, _ = w.Write([]byte("hello\n"))
	_ = w.Close()
	if _, err := os.Stat(filepath.Join(dir, "ollama.log")); err != nil {
		t.Fatalf("log not created: %v", err)
	}
}

func TestWriter_ExplicitPathWins(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "nested", "all.log")
	cfg := FileConfig{Dir: filepath.Join(dir, "ignored"), Path: p}
	w, err := cfg.Writer("svc")
	if err != nil {
		t.Fatalf("Writer error: %v", err)
	}
	_, _ = w.Write([]byte("x"))
	_ = w.Close()
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("explicit path not created: %v", err)
	}
}

func TestWriter_Disabled(t *testing.T) {
	w, err := FileConfig{}.Writer("n")
	if err != nil || w != nil {
		t.Fatalf("expected nil writer and nil error, got %v %v", w, err)
	}
}

func TestWriter_DefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	w, _ := FileConfig{Dir: dir}.Writer("n")
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
	_ = w.Close()

	w, _ = FileConfig{Dir: dir, MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.Writer("n")
	l = w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
	_ = w.Close()
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewSlogger_Formats(t *testing.T) {
	var buf bytes.Buffer
	Config{Format: "json"}.NewSlogger(&buf).Info("hello", "service", "ollama")
	if !strings.Contains(buf.String(), `"service":"ollama"`) {
		t.Fatalf("expected json output, got %q", buf.String())
	}

	buf.Reset()
	Config{NoTime: true}.NewSlogger(&buf).Error("boom")
	out := buf.String()
	if !strings.Contains(out, "31mERROR") || !strings.Contains(out, "boom") {
		t.Fatalf("expected colored level, got %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("expected time to be dropped, got %q", out)
	}
}

func TestColorTextHandler_WithAttrsKeepsColor(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil, false)).With("service", "rag")
	l.Warn("slow")
	out := buf.String()
	if !strings.Contains(out, "33mWARN") || !strings.Contains(out, "service=rag") {
		t.Fatalf("unexpected output %q", out)
	}
}
