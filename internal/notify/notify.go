// Package notify delivers lifecycle events to observers. Publish never
// blocks the caller on delivery.
package notify

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event names published by the lifecycle manager, scheduler and reconciler.
const (
	EventSessionsUpdate         = "sessions_update"
	EventInactiveSessionsUpdate = "inactive_sessions_update"
	EventSchedulesUpdate        = "schedules_update"
	EventStreamRestart          = "stream_restart_notification"
)

// Notifier publishes an event with an arbitrary JSON-encodable payload.
type Notifier interface {
	Publish(event string, payload any)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(string, any) {}

// Log writes events to a zerolog logger.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a notifier that logs each event at debug level.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *Log) Publish(event string, payload any) {
	l.logger.Debug().Str("event", event).Interface("payload", payload).Msg("Event published")
}

// Fanout publishes to every wrapped notifier in order.
type Fanout []Notifier

func (f Fanout) Publish(event string, payload any) {
	for _, n := range f {
		n.Publish(event, payload)
	}
}

// Published is one event captured by a Recorder.
type Published struct {
	Event   string
	Payload any
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

func (r *Recorder) Publish(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Event: event, Payload: payload})
}

// Events returns a copy of the captured events.
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}

// Count returns how many times event was published.
func (r *Recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}
