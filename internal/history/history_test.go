package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error { m.closed = true; return nil }

func (m *memSink) Recent(_ context.Context, service string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if service == "" || m.events[i].Service == service {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

type sendOnly struct{ n int }

func (s *sendOnly) Send(context.Context, Event) error { s.n++; return nil }

func TestFanout_SendJoinsErrors(t *testing.T) {
	ok := &memSink{}
	bad := &memSink{err: errors.New("disk full")}
	f := Fanout{ok, bad}

	err := f.Send(context.Background(), Event{Type: EventStart, Service: "ollama", OccurredAt: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, ok.events, 1)
	assert.Len(t, bad.events, 1)

	require.NoError(t, Fanout{ok}.Send(context.Background(), Event{Type: EventReady}))
}

func TestFanout_CloseAndRecent(t *testing.T) {
	so := &sendOnly{}
	mem := &memSink{}
	f := Fanout{so, mem}
	require.NoError(t, f.Send(context.Background(), Event{Type: EventStart, Service: "a"}))
	require.NoError(t, f.Send(context.Background(), Event{Type: EventStart, Service: "b"}))
	require.NoError(t, f.Send(context.Background(), Event{Type: EventReady, Service: "a"}))
	assert.Equal(t, 3, so.n)

	evts, err := f.Recent(context.Background(), "a", 10)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, EventReady, evts[0].Type)

	require.NoError(t, f.Close())
	assert.True(t, mem.closed)

	_, err = Fanout{so}.Recent(context.Background(), "", 1)
	assert.ErrorIs(t, err, ErrNoReader)
}

func TestNewSQLSink_RejectsUnknownDialect(t *testing.T) {
	_, err := NewSQLSink(context.Background(), nil, Dialect("mysql"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported SQL dialect")
}
