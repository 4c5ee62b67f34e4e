package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start" // spawn issued, status starting
	EventReady EventType = "ready" // startup routine succeeded, status running
	EventFail  EventType = "fail"  // startup routine failed, status stopped
	EventStop  EventType = "stop"  // stopped on request
	EventExit  EventType = "exit"  // running process exited on its own
)

// Event represents a service lifecycle event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can replay what they stored.
type Reader interface {
	Recent(ctx context.Context, service string, limit int) ([]Event, error)
}

// Fanout sends every event to all sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Recent reads from the first sink that supports replay.
func (f Fanout) Recent(ctx context.Context, service string, limit int) ([]Event, error) {
	for _, s := range f {
		if r, ok := s.(Reader); ok {
			return r.Recent(ctx, service, limit)
		}
	}
	return nil, ErrNoReader
}

var ErrNoReader = errors.New("no history sink supports reads")
