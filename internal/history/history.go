package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventServiceConfigured EventType = "service_configured"
	EventServiceStarted    EventType = "service_started"
	EventServiceStopped    EventType = "service_stopped"
	EventServiceRestarted  EventType = "service_restarted"
	EventServiceRemoved    EventType = "service_removed"
	EventForcedKill        EventType = "forced_kill"

	EventLockAcquired EventType = "lock_acquired"
	EventLockTakeover EventType = "lock_takeover"
	EventLockConflict EventType = "lock_conflict"

	EventUpdateStaged   EventType = "update_staged"
	EventUpdateStarted  EventType = "update_started"
	EventHandoffDone    EventType = "handoff_done"
	EventHandoffFailed  EventType = "handoff_failed"
	EventAgentInstalled EventType = "agent_installed"
)

// Event represents a lifecycle event to be exported to external systems.
// Subject names what the event is about: the service name, the lock file or
// the release version.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Subject    string    `json:"subject"`
	PID        int       `json:"pid,omitempty"`
	State      string    `json:"state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can list what they stored, newest first.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Emit sends e to sink when one is configured, stamping OccurredAt and the
// error text. A nil sink is a no-op.
func Emit(ctx context.Context, sink Sink, e Event, err error) error {
	if sink == nil {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err != nil && e.Error == "" {
		e.Error = err.Error()
	}
	return sink.Send(ctx, e)
}

// Multi fans out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
