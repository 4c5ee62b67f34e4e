package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindStdout  Kind = "stdout"
	KindStderr  Kind = "stderr"
)

// TimeFormat is the timestamp layout used when rendering entries.
const TimeFormat = "15:04:05.000"

// DefaultRetention is the number of entries kept in memory per service.
const DefaultRetention = 500

// Entry is one timestamped journal line.
type Entry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"timestamp"`
	Service string    `json:"service"`
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
}

// String renders the entry as "[<timestamp>] [<SERVICE>] [<KIND>] <message>".
func (e Entry) String() string {
	return fmt.Sprintf("[%s] [%s] [%s] %s",
		e.Time.Format(TimeFormat), strings.ToUpper(e.Service), strings.ToUpper(string(e.Kind)), e.Message)
}

// Journal is the append-only, process-wide log of service activity.
// Appends are serialized; entries keep insertion order. Only the newest
// entries of each service are kept in memory; files and the text output
// receive everything.
//
// Each appended entry is also rendered to the optional output writer and
// per-service rotating files, and mirrored to an optional slog.Logger.
// Subscribers receive entries without blocking the writer: a subscriber whose
// buffer is full misses entries.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
	seq     uint64
	cleared map[string]uint64 // service -> highest seq hidden by Clear
	counts  map[string]int
	retain  int

	out     io.Writer
	fileCfg FileConfig
	files   map[string]io.WriteCloser
	slogger *slog.Logger
	now     func() time.Time

	subs   map[int]chan Entry
	nextID int
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithOutput renders every entry as a text line to w.
func WithOutput(w io.Writer) JournalOption {
	return func(j *Journal) { j.out = w }
}

// WithFiles writes every entry to a rotating per-service file.
func WithFiles(cfg FileConfig) JournalOption {
	return func(j *Journal) { j.fileCfg = cfg }
}

// WithSlog mirrors entries to l.
func WithSlog(l *slog.Logger) JournalOption {
	return func(j *Journal) { j.slogger = l }
}

// WithRetention keeps at most n entries per service in memory. Zero or less
// keeps everything.
func WithRetention(n int) JournalOption {
	return func(j *Journal) { j.retain = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) JournalOption {
	return func(j *Journal) { j.now = now }
}

// NewJournal creates an empty journal.
func NewJournal(opts ...JournalOption) *Journal {
	j := &Journal{
		cleared: make(map[string]uint64),
		counts:  make(map[string]int),
		retain:  DefaultRetention,
		files:   make(map[string]io.WriteCloser),
		subs:    make(map[int]chan Entry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Log appends a message for service.
func (j *Journal) Log(service string, kind Kind, msg string) Entry {
	msg = strings.TrimRight(msg, " \t\r\n")

	j.mu.Lock()
	j.seq++
	e := Entry{Seq: j.seq, Time: j.now(), Service: service, Kind: kind, Message: msg}
	j.entries = append(j.entries, e)
	j.counts[service]++
	if j.retain > 0 && j.counts[service] > j.retain {
		j.dropOldest(service)
	}
	line := e.String() + "\n"
	if j.out != nil {
		_, _ = io.WriteString(j.out, line)
	}
	if w := j.fileFor(service); w != nil {
		_, _ = io.WriteString(w, line)
	}
	for _, ch := range j.subs {
		select {
		case ch <- e:
		default:
		}
	}
	j.mu.Unlock()

	if j.slogger != nil {
		j.slogger.Log(context.Background(), levelFor(kind), msg, "service", service, "kind", string(kind))
	}
	return e
}

// Logf is Log with fmt formatting.
func (j *Journal) Logf(service string, kind Kind, format string, args ...any) Entry {
	return j.Log(service, kind, fmt.Sprintf(format, args...))
}

// dropOldest removes the oldest in-memory entry of service. Caller holds mu.
func (j *Journal) dropOldest(service string) {
	for i, e := range j.entries {
		if e.Service == service {
			j.entries = append(j.entries[:i], j.entries[i+1:]...)
			j.counts[service]--
			return
		}
	}
}

// fileFor returns the rotating writer for service, opening it lazily. Caller holds mu.
func (j *Journal) fileFor(service string) io.Writer {
	if !j.fileCfg.Enabled() {
		return nil
	}
	if w, ok := j.files[service]; ok {
		return w
	}
	w, err := j.fileCfg.Writer(service)
	if err != nil || w == nil {
		if err != nil && j.slogger != nil {
			j.slogger.Warn("journal file unavailable", "service", service, "error", err)
		}
		j.files[service] = nil
		return nil
	}
	j.files[service] = w
	return w
}

// Entries returns a copy of all retained entries in insertion order,
// including entries hidden by Clear.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Entry(nil), j.entries...)
}

// ForService returns the visible entries of one service in insertion order.
func (j *Journal) ForService(service string) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	floor := j.cleared[service]
	out := make([]Entry, 0)
	for _, e := range j.entries {
		if e.Service == service && e.Seq > floor {
			out = append(out, e)
		}
	}
	return out
}

// Clear hides the current entries of service from ForService. The audit
// trail returned by Entries is untouched.
func (j *Journal) Clear(service string) {
	j.mu.Lock()
	j.cleared[service] = j.seq
	j.mu.Unlock()
}

// Subscribe returns a channel receiving entries appended after the call and
// a cancel function that closes it.
func (j *Journal) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Entry, buffer)
	j.mu.Lock()
	id := j.nextID
	j.nextID++
	j.subs[id] = ch
	j.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.mu.Lock()
			delete(j.subs, id)
			j.mu.Unlock()
			close(ch)
		})
	}
}

// Close closes per-service files.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for name, w := range j.files {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(j.files, name)
	}
	return firstErr
}

func levelFor(k Kind) slog.Level {
	switch k {
	case KindError:
		return slog.LevelError
	case KindStderr:
		return slog.LevelWarn
	case KindStdout:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
